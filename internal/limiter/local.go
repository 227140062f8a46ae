package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter 进程内令牌桶，未配置 Redis 时使用
type LocalLimiter struct {
	mu       sync.Mutex
	config   Config
	limit    rate.Limit
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

// NewLocalLimiter 创建进程内限流器
func NewLocalLimiter(config *Config) (*LocalLimiter, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &LocalLimiter{
		config:   *config,
		limit:    rate.Limit(float64(config.Rate) / config.Window.Seconds()),
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}, nil
}

func (l *LocalLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, int(l.config.Burst))
		l.limiters[key] = lim
	}
	return lim
}

// Allow 检查是否允许请求通过
func (l *LocalLimiter) Allow(ctx context.Context, key string) (*LimitResult, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN 检查是否允许N个请求通过，被拒绝时不消耗令牌
func (l *LocalLimiter) AllowN(_ context.Context, key string, n int64) (*LimitResult, error) {
	if n <= 0 {
		return nil, ErrInvalidTokens
	}
	lim := l.get(key)
	now := l.now()

	r := lim.ReserveN(now, int(n))
	if !r.OK() {
		return &LimitResult{Allowed: false, RetryAfter: l.config.Window}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return &LimitResult{
			Allowed:    false,
			Remaining:  int64(lim.TokensAt(now)),
			RetryAfter: delay,
		}, nil
	}
	return &LimitResult{Allowed: true, Remaining: int64(lim.TokensAt(now))}, nil
}

// Reset 丢弃该 key 的桶
func (l *LocalLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
	return nil
}
