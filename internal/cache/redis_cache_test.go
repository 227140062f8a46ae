package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestRedis(t *testing.T, db int) *RedisCache {
	t.Helper()
	// 注意：此测试需要运行Redis实例
	if testing.Short() {
		t.Skip("Skipping Redis test in short mode")
	}
	c, err := NewRedisCache(RedisOptions{Addr: "localhost:6379", DB: db})
	if err != nil {
		t.Skipf("Skipping Redis test, cannot connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	c.Client().FlushDB(context.Background())
	return c
}

func TestRedisCache_Basic(t *testing.T) {
	cache := newTestRedis(t, 1)
	ctx := context.Background()

	t.Run("Set and Get", func(t *testing.T) {
		value := map[string]interface{}{"name": "test", "id": 123}
		if err := cache.Set(ctx, "test:key1", value, time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		var result map[string]interface{}
		if err := cache.Get(ctx, "test:key1", &result); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if result["name"] != "test" {
			t.Errorf("Expected name=test, got %v", result["name"])
		}
	})

	t.Run("Miss", func(t *testing.T) {
		var result string
		if err := cache.Get(ctx, "test:missing", &result); !errors.Is(err, ErrCacheMiss) {
			t.Errorf("Expected ErrCacheMiss, got %v", err)
		}
	})

	t.Run("SetNX", func(t *testing.T) {
		key := "test:key3"
		success, err := cache.SetNX(ctx, key, "first", time.Minute)
		if err != nil || !success {
			t.Fatalf("First SetNX should succeed: %v", err)
		}
		success, err = cache.SetNX(ctx, key, "second", time.Minute)
		if err != nil || success {
			t.Fatalf("Second SetNX should fail: %v", err)
		}

		var result string
		cache.Get(ctx, key, &result)
		if result != "first" {
			t.Errorf("Expected 'first', got %v", result)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		key := "test:key4"
		cache.Set(ctx, key, "value", time.Minute)
		if err := cache.Del(ctx, key); err != nil {
			t.Fatalf("Del failed: %v", err)
		}
		if exists, _ := cache.Exists(ctx, key); exists {
			t.Error("Key should be deleted")
		}
	})
}

func TestCache_Compatibility(t *testing.T) {
	caches := map[string]Cache{
		"memory": NewMemoryCache(),
		"null":   NewNullCache(),
	}
	if !testing.Short() {
		if redisCache, err := NewRedisCache(RedisOptions{Addr: "localhost:6379", DB: 2}); err == nil {
			defer redisCache.Close()
			caches["redis"] = redisCache
		}
	}

	for name, cache := range caches {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := fmt.Sprintf("test:compat:%s", name)

			if err := cache.Set(ctx, key, "test_value", time.Minute); err != nil {
				t.Fatalf("Set failed: %v", err)
			}

			var result string
			err := cache.Get(ctx, key, &result)
			if name == "null" {
				if !errors.Is(err, ErrCacheMiss) {
					t.Errorf("NullCache Get should miss, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("Get failed: %v", err)
			} else if result != "test_value" {
				t.Errorf("Expected test_value, got %v", result)
			}

			if err := cache.Del(ctx, key); err != nil {
				t.Fatalf("Del failed: %v", err)
			}
		})
	}
}

func TestMemoryCache_Expiration(t *testing.T) {
	c := NewMemoryCache()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Set(ctx, "k", 1, time.Second)
	if ok, _ := c.Exists(ctx, "k"); !ok {
		t.Fatal("key should exist before expiry")
	}

	now = now.Add(2 * time.Second)
	var v int
	if err := c.Get(ctx, "k", &v); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected miss after expiry, got %v", err)
	}
	if ok, _ := c.SetNX(ctx, "k", 2, 0); !ok {
		t.Error("SetNX should succeed over an expired key")
	}
}

func TestCacheStockCounter_IgnoresStaleVersion(t *testing.T) {
	counter := NewCacheStockCounter(NewMemoryCache(), time.Minute)
	ctx := context.Background()

	if _, ok, _ := counter.Get(ctx, 1); ok {
		t.Fatal("empty counter should miss")
	}

	tests := []struct {
		name      string
		available int64
		version   int64
		want      int64
	}{
		{"first write", 10, 3, 10},
		{"newer version", 8, 4, 8},
		{"stale version ignored", 9, 2, 8},
		{"same version overwrites", 7, 4, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := counter.Set(ctx, 1, tt.available, tt.version); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, ok, err := counter.Get(ctx, 1)
			if err != nil || !ok || got != tt.want {
				t.Errorf("Get = %d ok=%v err=%v, want %d", got, ok, err, tt.want)
			}
		})
	}

	counter.Invalidate(ctx, 1)
	if _, ok, _ := counter.Get(ctx, 1); ok {
		t.Error("invalidated counter should miss")
	}
}

func TestRedisStockCounter(t *testing.T) {
	rc := newTestRedis(t, 3)
	counter := NewRedisStockCounter(rc.Client(), time.Minute)
	ctx := context.Background()

	if err := counter.Set(ctx, 7, 5, 2); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := counter.Set(ctx, 7, 9, 1); err != nil {
		t.Fatalf("Set stale: %v", err)
	}
	got, ok, err := counter.Get(ctx, 7)
	if err != nil || !ok || got != 5 {
		t.Fatalf("Get = %d ok=%v err=%v, want 5", got, ok, err)
	}
	if err := counter.Invalidate(ctx, 7); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok, _ := counter.Get(ctx, 7); ok {
		t.Error("invalidated counter should miss")
	}
}
