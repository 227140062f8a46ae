package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StockCounter 可用库存计数缓存
//
// 只用于快速拒绝明显售罄的请求，权威库存始终在数据库中；
// 计数带版本号，旧版本写入会被忽略，避免并发写回把新值覆盖成旧值。
type StockCounter interface {
	// Get 返回缓存的可用库存，ok=false 表示未命中
	Get(ctx context.Context, productID int64) (available int64, ok bool, err error)
	// Set 仅当 version 不小于已缓存版本时写入
	Set(ctx context.Context, productID, available, version int64) error
	Invalidate(ctx context.Context, productID int64) error
}

// StockKeyTemplate 可用库存计数 Key: stock:available:{product_id}
const StockKeyTemplate = "stock:available:%d"

func stockKey(productID int64) string {
	return fmt.Sprintf(StockKeyTemplate, productID)
}

// Lua脚本：按版本号写入库存计数
const luaSetStockIfNewer = `
-- KEYS[1]: 库存计数key (stock:available:{product_id})
-- ARGV[1]: 可用库存
-- ARGV[2]: 版本号
-- ARGV[3]: TTL（毫秒），0 表示不过期

local current = redis.call('HGET', KEYS[1], 'version')
if current ~= false and tonumber(current) > tonumber(ARGV[2]) then
    return 0
end

redis.call('HSET', KEYS[1], 'available', ARGV[1], 'version', ARGV[2])
if tonumber(ARGV[3]) > 0 then
    redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[3]))
end
return 1
`

var setStockIfNewer = redis.NewScript(luaSetStockIfNewer)

// RedisStockCounter 基于 Redis Hash + Lua 的库存计数
type RedisStockCounter struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStockCounter 创建 Redis 库存计数
func NewRedisStockCounter(client redis.UniversalClient, ttl time.Duration) *RedisStockCounter {
	return &RedisStockCounter{client: client, ttl: ttl}
}

// Get 读取可用库存
func (c *RedisStockCounter) Get(ctx context.Context, productID int64) (int64, bool, error) {
	val, err := c.client.HGet(ctx, stockKey(productID), "available").Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get stock counter: %w", err)
	}
	available, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse stock counter: %w", err)
	}
	return available, true, nil
}

// Set 按版本号写入
func (c *RedisStockCounter) Set(ctx context.Context, productID, available, version int64) error {
	err := setStockIfNewer.Run(ctx, c.client, []string{stockKey(productID)},
		available, version, c.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("failed to set stock counter: %w", err)
	}
	return nil
}

// Invalidate 删除计数
func (c *RedisStockCounter) Invalidate(ctx context.Context, productID int64) error {
	if err := c.client.Del(ctx, stockKey(productID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate stock counter: %w", err)
	}
	return nil
}

type stockEntry struct {
	Available int64 `json:"available"`
	Version   int64 `json:"version"`
}

// CacheStockCounter 基于通用 Cache 的库存计数（内存缓存或禁用缓存时使用）
//
// Cache 接口没有比较写入原语，版本比较由本地锁保证，只适用于单进程。
type CacheStockCounter struct {
	mu    sync.Mutex
	cache Cache
	ttl   time.Duration
}

// NewCacheStockCounter 创建库存计数
func NewCacheStockCounter(c Cache, ttl time.Duration) *CacheStockCounter {
	return &CacheStockCounter{cache: c, ttl: ttl}
}

// Get 读取可用库存
func (c *CacheStockCounter) Get(ctx context.Context, productID int64) (int64, bool, error) {
	var entry stockEntry
	err := c.cache.Get(ctx, stockKey(productID), &entry)
	if errors.Is(err, ErrCacheMiss) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return entry.Available, true, nil
}

// Set 按版本号写入
func (c *CacheStockCounter) Set(ctx context.Context, productID, available, version int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := stockKey(productID)
	var current stockEntry
	err := c.cache.Get(ctx, key, &current)
	if err == nil && current.Version > version {
		return nil
	}
	if err != nil && !errors.Is(err, ErrCacheMiss) {
		return err
	}
	return c.cache.Set(ctx, key, stockEntry{Available: available, Version: version}, c.ttl)
}

// Invalidate 删除计数
func (c *CacheStockCounter) Invalidate(ctx context.Context, productID int64) error {
	return c.cache.Del(ctx, stockKey(productID))
}
