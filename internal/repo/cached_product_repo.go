package repo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/MorseWayne/flash_sale/internal/cache"
	"github.com/MorseWayne/flash_sale/internal/domain"
)

// CachedProductRepository 带缓存的商品仓储
//
// 读路径为 cache-aside，同一商品的并发未命中经 singleflight 合并为一次查库；
// 写路径先写库再删缓存。库存不走这里，库存读取始终直达数据库。
type CachedProductRepository struct {
	repo   ProductRepository
	cache  cache.Cache
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

// NewCachedProductRepository 创建带缓存的商品仓储
func NewCachedProductRepository(repo ProductRepository, c cache.Cache, ttl time.Duration, logger *zap.Logger) *CachedProductRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedProductRepository{
		repo:   repo,
		cache:  c,
		ttl:    ttl,
		logger: logger,
	}
}

// Create 创建商品
func (r *CachedProductRepository) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	created, err := r.repo.Create(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}
	r.evict(ctx, created.ID())
	return created, nil
}

// FindByID 根据ID获取商品（带缓存）
func (r *CachedProductRepository) FindByID(ctx context.Context, id int64) (domain.Product, error) {
	key := productCacheKey(id)

	var product domain.Product
	err := r.cache.Get(ctx, key, &product)
	if err == nil {
		return product, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		r.logger.Warn("product cache read failed", zap.Int64("product_id", id), zap.Error(err))
	}

	v, err, _ := r.group.Do(strconv.FormatInt(id, 10), func() (interface{}, error) {
		p, err := r.repo.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := r.cache.Set(ctx, key, p, r.ttl); err != nil {
			r.logger.Warn("product cache write failed", zap.Int64("product_id", id), zap.Error(err))
		}
		return p, nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	return v.(domain.Product), nil
}

// FindByStatusBefore 调度扫描，不缓存
func (r *CachedProductRepository) FindByStatusBefore(ctx context.Context, status domain.DealStatus, instant time.Time) ([]domain.Product, error) {
	return r.repo.FindByStatusBefore(ctx, status, instant)
}

// Save 更新商品（清除相关缓存）
func (r *CachedProductRepository) Save(ctx context.Context, product domain.Product) (domain.Product, error) {
	saved, err := r.repo.Save(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}
	r.evict(ctx, saved.ID())
	return saved, nil
}

func (r *CachedProductRepository) evict(ctx context.Context, id int64) {
	if err := r.cache.Del(ctx, productCacheKey(id)); err != nil {
		r.logger.Warn("product cache evict failed", zap.Int64("product_id", id), zap.Error(err))
	}
}

func productCacheKey(id int64) string {
	return fmt.Sprintf("product:id:%d", id)
}
