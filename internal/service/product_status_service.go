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

// ProductStatusUpdateService 按销售窗口推进商品状态：UPCOMING -> ACTIVE -> ENDED
//
// ACTIVE -> SOLDOUT 由库存事件触发，不在这里处理。
type ProductStatusUpdateService struct {
	products repo.ProductRepository
	interval time.Duration
	logger   *zap.Logger
}

// NewProductStatusUpdateService 创建商品状态调度
func NewProductStatusUpdateService(products repo.ProductRepository, interval time.Duration, logger *zap.Logger) *ProductStatusUpdateService {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProductStatusUpdateService{products: products, interval: interval, logger: logger}
}

// RunOnce 推进所有到达窗口边界的商品，返回发生变化的商品数
func (s *ProductStatusUpdateService) RunOnce(ctx context.Context, now time.Time) (int, error) {
	var (
		changed int
		errs    []error
	)
	for _, status := range []domain.DealStatus{domain.DealStatusUpcoming, domain.DealStatusActive} {
		products, err := s.products.FindByStatusBefore(ctx, status, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to find %s products: %w", status, err))
			continue
		}
		for _, product := range products {
			ok, err := s.advance(ctx, product, now)
			if err != nil {
				s.logger.Error("failed to advance product status",
					zap.Int64("product_id", product.ID()),
					zap.String("status", string(product.Status())),
					zap.Error(err))
				errs = append(errs, fmt.Errorf("product %d: %w", product.ID(), err))
				continue
			}
			if ok {
				changed++
			}
		}
	}
	return changed, errors.Join(errs...)
}

func (s *ProductStatusUpdateService) advance(ctx context.Context, product domain.Product, now time.Time) (bool, error) {
	next, changed, err := product.Advance(now)
	if err != nil || !changed {
		return false, err
	}
	if _, err := s.products.Save(ctx, next); err != nil {
		return false, err
	}
	s.logger.Info("product status advanced",
		zap.Int64("product_id", product.ID()),
		zap.String("from", string(product.Status())),
		zap.String("to", string(next.Status())))
	return true, nil
}

// Run 按固定间隔循环执行，直到 ctx 取消
func (s *ProductStatusUpdateService) Run(ctx context.Context) error {
	return runTicker(ctx, s.interval, s.logger.With(zap.String("scheduler", "product_status")), func(now time.Time) error {
		_, err := s.RunOnce(ctx, now)
		return err
	})
}
