// Package limiter 提供按用户维度的下单限流
package limiter

import (
	"context"
	"errors"
	"time"
)

// LimitResult 限流结果
type LimitResult struct {
	Allowed    bool          `json:"allowed"`     // 是否允许通过
	Remaining  int64         `json:"remaining"`   // 剩余令牌
	RetryAfter time.Duration `json:"retry_after"` // 建议重试时间
}

// Limiter 限流器接口
type Limiter interface {
	// Allow 检查是否允许请求通过
	Allow(ctx context.Context, key string) (*LimitResult, error)

	// AllowN 检查是否允许N个请求通过
	AllowN(ctx context.Context, key string, n int64) (*LimitResult, error)

	// Reset 重置限流状态
	Reset(ctx context.Context, key string) error
}

// Config 限流配置：每个 Window 补充 Rate 个令牌，桶容量 Burst
type Config struct {
	Rate      int64
	Window    time.Duration
	Burst     int64
	KeyPrefix string
}

// ErrInvalidConfig 配置非法
var ErrInvalidConfig = errors.New("limiter: invalid config")

// ErrInvalidTokens 请求令牌数非法
var ErrInvalidTokens = errors.New("limiter: token count must be positive")

func (c *Config) validate() error {
	if c == nil || c.Rate <= 0 || c.Burst <= 0 || c.Window <= 0 {
		return ErrInvalidConfig
	}
	return nil
}
