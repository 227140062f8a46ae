package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/MorseWayne/flash_sale/internal/domain"
	"github.com/MorseWayne/flash_sale/internal/mq"
	"github.com/MorseWayne/flash_sale/internal/repo"
)

// ProductService 定义商品业务逻辑接口
type ProductService interface {
	CreateProduct(ctx context.Context, cmd domain.CreateProductCommand) (domain.Product, error)
	GetProduct(ctx context.Context, id int64) (domain.Product, error)
	// MarkSoldOut ACTIVE -> SOLDOUT，其他状态返回 domain.ErrInvalidState
	MarkSoldOut(ctx context.Context, id int64) (domain.Product, error)
}

// productService 实现ProductService接口
type productService struct {
	productRepo repo.ProductRepository
	publisher   mq.Publisher
	logger      *zap.Logger
	now         func() time.Time
}

// NewProductService 创建商品服务实例
func NewProductService(productRepo repo.ProductRepository, publisher mq.Publisher, logger *zap.Logger) ProductService {
	if publisher == nil {
		publisher = mq.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &productService{
		productRepo: productRepo,
		publisher:   publisher,
		logger:      logger,
		now:         time.Now,
	}
}

// CreateProduct 上架商品，初始状态由销售窗口推导
func (s *productService) CreateProduct(ctx context.Context, cmd domain.CreateProductCommand) (domain.Product, error) {
	product, err := cmd.Build(s.now())
	if err != nil {
		return domain.Product{}, err
	}

	created, err := s.productRepo.Create(ctx, product)
	if err != nil {
		return domain.Product{}, fmt.Errorf("failed to create product: %w", err)
	}

	s.logger.Info("product created",
		zap.Int64("product_id", created.ID()),
		zap.String("status", string(created.Status())),
		zap.Time("starts_at", created.Schedule().StartsAt()),
		zap.Time("ends_at", created.Schedule().EndsAt()))
	return created, nil
}

// GetProduct 获取商品详情
func (s *productService) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	if id <= 0 {
		return domain.Product{}, fmt.Errorf("%w: product id is required", domain.ErrValidation)
	}
	return s.productRepo.FindByID(ctx, id)
}

// MarkSoldOut 标记售罄并发布 product.sold_out
func (s *productService) MarkSoldOut(ctx context.Context, id int64) (domain.Product, error) {
	product, err := s.productRepo.FindByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	if product.Status() == domain.DealStatusSoldOut {
		return product, nil
	}

	soldOut, err := product.TransitionTo(domain.DealStatusSoldOut, s.now())
	if err != nil {
		return domain.Product{}, err
	}
	saved, err := s.productRepo.Save(ctx, soldOut)
	if err != nil {
		return domain.Product{}, fmt.Errorf("failed to save product %d: %w", id, err)
	}

	s.logger.Info("product sold out", zap.Int64("product_id", id))
	event, err := mq.NewEvent(ctx, mq.EventProductSoldOut, strconv.FormatInt(id, 10),
		mq.ProductEventData{ProductID: id, Status: string(saved.Status())}, s.now())
	if err == nil {
		err = s.publisher.Publish(ctx, event)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("failed to publish sold out event", zap.Int64("product_id", id), zap.Error(err))
	}
	return saved, nil
}
