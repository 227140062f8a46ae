package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MorseWayne/flash_sale/internal/domain"
	"github.com/MorseWayne/flash_sale/internal/repo"
)

// OrderTimeoutConfig 超时补偿配置
type OrderTimeoutConfig struct {
	Interval          time.Duration `json:"interval"`
	ReservationWindow time.Duration `json:"reservation_window"`
	BatchSize         int           `json:"batch_size"`
}

// DefaultOrderTimeoutConfig 默认每 30 秒扫描一次，10 分钟未支付即取消
func DefaultOrderTimeoutConfig() *OrderTimeoutConfig {
	return &OrderTimeoutConfig{
		Interval:          30 * time.Second,
		ReservationWindow: 10 * time.Minute,
		BatchSize:         100,
	}
}

// OrderTimeoutService 周期性取消超过预留窗口仍未支付的订单，归还其预留库存
type OrderTimeoutService struct {
	orders   repo.OrderRepository
	orderSvc OrderService
	config   *OrderTimeoutConfig
	logger   *zap.Logger
}

// NewOrderTimeoutService 创建超时补偿服务
func NewOrderTimeoutService(orders repo.OrderRepository, orderSvc OrderService, config *OrderTimeoutConfig, logger *zap.Logger) *OrderTimeoutService {
	if config == nil {
		config = DefaultOrderTimeoutConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderTimeoutService{
		orders:   orders,
		orderSvc: orderSvc,
		config:   config,
		logger:   logger,
	}
}

// RunOnce 扫描一轮，返回成功取消的订单数；单个订单失败不影响其他订单
func (s *OrderTimeoutService) RunOnce(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.config.ReservationWindow)
	stale, err := s.orders.FindByStatusCreatedBefore(ctx, domain.OrderStatusPending, cutoff, s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to find expired orders: %w", err)
	}

	cancelled := 0
	var errs []error
	for _, order := range stale {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		_, err := s.orderSvc.CancelOrder(ctx, domain.CancelOrderCommand{
			OrderID:     order.ID(),
			Reason:      domain.TimeoutCancelReason,
			CancelledBy: domain.CancelledBySystem,
		})
		switch {
		case err == nil:
			cancelled++
		case errors.Is(err, domain.ErrInvalidState):
			// 扫描之后被支付或取消
			s.logger.Debug("order left pending before timeout", zap.String("order_id", order.ID()))
		default:
			s.logger.Error("failed to cancel expired order", zap.String("order_id", order.ID()), zap.Error(err))
			errs = append(errs, fmt.Errorf("order %s: %w", order.ID(), err))
		}
	}

	if len(stale) > 0 {
		s.logger.Info("expired orders swept",
			zap.Int("found", len(stale)),
			zap.Int("cancelled", cancelled),
			zap.Int("failed", len(errs)),
			zap.Time("cutoff", cutoff))
	}
	return cancelled, errors.Join(errs...)
}

// Run 按 Interval 循环执行，直到 ctx 取消
func (s *OrderTimeoutService) Run(ctx context.Context) error {
	return runTicker(ctx, s.config.Interval, s.logger.With(zap.String("scheduler", "order_timeout")), func(now time.Time) error {
		_, err := s.RunOnce(ctx, now)
		return err
	})
}

// runTicker 周期调度循环，单轮错误只记录日志
func runTicker(ctx context.Context, interval time.Duration, logger *zap.Logger, tick func(now time.Time) error) error {
	if interval <= 0 {
		return fmt.Errorf("%w: scheduler interval must be positive", domain.ErrValidation)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return nil
		case now := <-ticker.C:
			if err := tick(now); err != nil {
				logger.Warn("scheduler round finished with errors", zap.Error(err))
			}
		}
	}
}
