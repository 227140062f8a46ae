// Package service 实现秒杀交易核心的用例层：库存、商品、订单 saga 以及两个后台调度。
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/MorseWayne/flash_sale/internal/cache"
	"github.com/MorseWayne/flash_sale/internal/domain"
	"github.com/MorseWayne/flash_sale/internal/mq"
	"github.com/MorseWayne/flash_sale/internal/repo"
)

// InventoryService 定义库存业务逻辑接口
type InventoryService interface {
	CreateInventory(ctx context.Context, cmd domain.CreateInventoryCommand) (domain.Inventory, error)
	GetInventory(ctx context.Context, productID int64) (domain.Inventory, error)

	// Reserve 可售 -> 预留，违反购买策略或库存不足返回 domain.ErrOutOfStock
	Reserve(ctx context.Context, cmd domain.StockChangeCommand) (domain.Inventory, error)
	// Confirm 预留 -> 已售
	Confirm(ctx context.Context, cmd domain.StockChangeCommand) (domain.Inventory, error)
	// RevertConfirm 已售 -> 预留，仅用于回滚未完成的支付
	RevertConfirm(ctx context.Context, cmd domain.StockChangeCommand) (domain.Inventory, error)
	// Release 预留 -> 可售
	Release(ctx context.Context, cmd domain.StockChangeCommand) (domain.Inventory, error)

	Restock(ctx context.Context, cmd domain.StockChangeCommand) (domain.Inventory, error)
	UpdatePolicy(ctx context.Context, cmd domain.UpdatePolicyCommand) (domain.Inventory, error)
}

// InventoryServiceConfig 库存服务配置
type InventoryServiceConfig struct {
	// 乐观锁冲突后的最大重试次数（多实例共享数据库时发生）
	MaxRetries   int           `json:"max_retries"`
	RetryBackoff time.Duration `json:"retry_backoff"`
}

// DefaultInventoryServiceConfig 默认配置
func DefaultInventoryServiceConfig() *InventoryServiceConfig {
	return &InventoryServiceConfig{
		MaxRetries:   5,
		RetryBackoff: 5 * time.Millisecond,
	}
}

// inventoryService 实现InventoryService接口
//
// 同一商品的读-改-写在进程内由 keyedMutex 串行化，跨进程由仓储的版本号乐观锁兜底。
type inventoryService struct {
	inventoryRepo repo.InventoryRepository
	productRepo   repo.ProductRepository
	counter       cache.StockCounter
	publisher     mq.Publisher
	config        *InventoryServiceConfig
	logger        *zap.Logger
	locks         *keyedMutex[int64]
	now           func() time.Time
}

// NewInventoryService 创建库存服务实例，counter 与 publisher 可为 nil
func NewInventoryService(
	inventoryRepo repo.InventoryRepository,
	productRepo repo.ProductRepository,
	counter cache.StockCounter,
	publisher mq.Publisher,
	config *InventoryServiceConfig,
	logger *zap.Logger,
) InventoryService {
	if config == nil {
		config = DefaultInventoryServiceConfig()
	}
	if publisher == nil {
		publisher = mq.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &inventoryService{
		inventoryRepo: inventoryRepo,
		productRepo:   productRepo,
		counter:       counter,
		publisher:     publisher,
		config:        config,
		logger:        logger,
		locks:         newKeyedMutex[int64](),
		now:           time.Now,
	}
}

// CreateInventory 上架时为商品创建库存
func (s *inventoryService) CreateInventory(ctx context.Context, cmd domain.CreateInventoryCommand) (domain.Inventory, error) {
	if err := cmd.Validate(); err != nil {
		return domain.Inventory{}, err
	}
	if _, err := s.productRepo.FindByID(ctx, cmd.ProductID); err != nil {
		return domain.Inventory{}, err
	}

	policy, err := cmd.Policy()
	if err != nil {
		return domain.Inventory{}, err
	}
	total, err := domain.NewQuantity(cmd.TotalQuantity)
	if err != nil {
		return domain.Inventory{}, err
	}
	inventory, err := domain.NewInventory(cmd.ProductID, total, policy, s.now())
	if err != nil {
		return domain.Inventory{}, err
	}

	created, err := s.inventoryRepo.Create(ctx, inventory)
	if errors.Is(err, repo.ErrDuplicateKey) {
		return domain.Inventory{}, fmt.Errorf("%w: inventory already exists for product %d", domain.ErrInvalidState, cmd.ProductID)
	}
	if err != nil {
		return domain.Inventory{}, fmt.Errorf("failed to create inventory: %w", err)
	}

	s.updateCounter(ctx, created)
	s.logger.Info("inventory created",
		zap.Int64("product_id", cmd.ProductID),
		zap.Int64("total", cmd.TotalQuantity))
	return created, nil
}

// GetInventory 从数据库读取库存，不经过缓存
func (s *inventoryService) GetInventory(ctx context.Context, productID int64) (domain.Inventory, error) {
	if productID <= 0 {
		return domain.Inventory{}, fmt.Errorf("%w: product id is required", domain.ErrValidation)
	}
	return s.inventoryRepo.FindByProductID(ctx, productID)
}

// Reserve 预留库存
func (s *inventoryService) Reserve(ctx context.Context, cmd domain.StockChangeCommand) (domain.Inventory, error) {
	if err := cmd.Validate(); err != nil {
		return domain.Inventory{}, err
	}
	q := cmd.Amount()

	// 计数缓存只能提前拒绝，放行的请求仍由数据库中的库存校验
	if s.counter != nil {
		available, ok, err := s.counter.Get(ctx, cmd.ProductID)
		if err != nil {
			s.logger.Warn("stock counter read failed", zap.Int64("product_id", cmd.ProductID), zap.Error(err))
		} else if ok && available < cmd.Quantity {
			return domain.Inventory{}, fmt.Errorf("%w: product %d has %d available, requested %d",
				domain.ErrOutOfStock, cmd.ProductID, available, cmd.Quantity)
		}
	}

	return s.mutate(ctx, cmd.ProductID, "reserve", func(inv domain.Inventory) (domain.Inventory, error) {
		if !inv.Policy().IsValidPurchaseQuantity(q) {
			return domain.Inventory{}, fmt.Errorf("%w: quantity %d exceeds per-user limit %s for product %d",
				domain.ErrOutOfStock, cmd.Quantity, inv.Policy().MaxPurchasePerUser(), cmd.ProductID)
		}
		if inv.OutOfStock() || inv.Stock().Available().LessThan(q) {
			return domain.Inventory{}, fmt.Errorf("%w: product %d has %s available, requested %d",
				domain.ErrOutOfStock, cmd.ProductID, inv.Stock().Available(), cmd.Quantity)
		}
		return inv.Reserve(q)
	})
}

// Confirm 确认预留
func (s *inventoryService) Confirm(ctx context.Context, cmd domain.StockChangeCommand) (domain.Inventory, error) {
	if err := cmd.Validate(); err != nil {
		return domain.Inventory{}, err
	}
	return s.mutate(ctx, cmd.ProductID, "confirm", func(inv domain.Inventory) (domain.Inventory, error) {
		return inv.Confirm(cmd.Amount())
	})
}

// RevertConfirm 撤销确认，已售退回预留
func (s *inventoryService) RevertConfirm(ctx context.Context, cmd domain.StockChangeCommand) (domain.Inventory, error) {
	if err := cmd.Validate(); err != nil {
		return domain.Inventory{}, err
	}
	return s.mutate(ctx, cmd.ProductID, "revert_confirm", func(inv domain.Inventory) (domain.Inventory, error) {
		return inv.Unconfirm(cmd.Amount())
	})
}

// Release 释放预留
func (s *inventoryService) Release(ctx context.Context, cmd domain.StockChangeCommand) (domain.Inventory, error) {
	if err := cmd.Validate(); err != nil {
		return domain.Inventory{}, err
	}
	return s.mutate(ctx, cmd.ProductID, "release", func(inv domain.Inventory) (domain.Inventory, error) {
		return inv.Release(cmd.Amount())
	})
}

// Restock 补货
func (s *inventoryService) Restock(ctx context.Context, cmd domain.StockChangeCommand) (domain.Inventory, error) {
	if err := cmd.Validate(); err != nil {
		return domain.Inventory{}, err
	}
	inv, err := s.mutate(ctx, cmd.ProductID, "restock", func(inv domain.Inventory) (domain.Inventory, error) {
		return inv.IncreaseStock(cmd.Amount())
	})
	if err != nil {
		return domain.Inventory{}, err
	}
	if !inv.OutOfStock() {
		s.reopenProduct(ctx, cmd.ProductID)
	}
	return inv, nil
}

// reopenProduct 售罄商品补货后恢复 ACTIVE，失败只记录日志
func (s *inventoryService) reopenProduct(ctx context.Context, productID int64) {
	product, err := s.productRepo.FindByID(ctx, productID)
	if err != nil {
		s.logger.Warn("failed to load product for reopen", zap.Int64("product_id", productID), zap.Error(err))
		return
	}
	reopened, changed, err := product.Reopen(s.now())
	if err != nil || !changed {
		return
	}
	if _, err := s.productRepo.Save(ctx, reopened); err != nil {
		s.logger.Warn("failed to reopen sold out product", zap.Int64("product_id", productID), zap.Error(err))
		return
	}
	s.logger.Info("sold out product reopened after restock", zap.Int64("product_id", productID))
}

// UpdatePolicy 整体替换库存策略
func (s *inventoryService) UpdatePolicy(ctx context.Context, cmd domain.UpdatePolicyCommand) (domain.Inventory, error) {
	if err := cmd.Validate(); err != nil {
		return domain.Inventory{}, err
	}
	policy, err := domain.NewPolicy(cmd.SafetyStock, cmd.ReservationTimeout, cmd.MaxPurchasePerUser)
	if err != nil {
		return domain.Inventory{}, err
	}
	return s.mutate(ctx, cmd.ProductID, "update_policy", func(inv domain.Inventory) (domain.Inventory, error) {
		return inv.UpdatePolicy(policy), nil
	})
}

// mutate 加载-变更-保存，版本冲突时重新加载重试
func (s *inventoryService) mutate(ctx context.Context, productID int64, op string, fn func(domain.Inventory) (domain.Inventory, error)) (domain.Inventory, error) {
	unlock := s.locks.Lock(productID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		current, err := s.inventoryRepo.FindByProductID(ctx, productID)
		if err != nil {
			return domain.Inventory{}, err
		}

		next, err := fn(current)
		if err != nil {
			return domain.Inventory{}, err
		}

		saved, err := s.inventoryRepo.Save(ctx, next.Touch(s.now()))
		if err == nil {
			s.afterSave(ctx, op, current, saved)
			return saved, nil
		}
		if !errors.Is(err, repo.ErrVersionConflict) || attempt >= s.config.MaxRetries {
			return domain.Inventory{}, fmt.Errorf("failed to %s inventory for product %d: %w", op, productID, err)
		}

		s.logger.Debug("inventory version conflict, retrying",
			zap.Int64("product_id", productID),
			zap.String("op", op),
			zap.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			return domain.Inventory{}, ctx.Err()
		case <-time.After(s.config.RetryBackoff * time.Duration(attempt+1)):
		}
	}
}

func (s *inventoryService) afterSave(ctx context.Context, op string, before, after domain.Inventory) {
	s.updateCounter(ctx, after)

	if before.LowStock() || !after.LowStock() {
		return
	}
	stock := after.Stock()
	s.logger.Warn("inventory below safety stock",
		zap.Int64("product_id", after.ProductID()),
		zap.String("op", op),
		zap.Int64("available", stock.Available().Int64()),
		zap.Int64("safety_stock", after.Policy().SafetyStock().Int64()))

	event, err := mq.NewEvent(ctx, mq.EventInventoryLowStock, strconv.FormatInt(after.ProductID(), 10), mq.InventoryEventData{
		ProductID:   after.ProductID(),
		Available:   stock.Available().Int64(),
		Reserved:    stock.Reserved().Int64(),
		SafetyStock: after.Policy().SafetyStock().Int64(),
	}, s.now())
	if err == nil {
		err = s.publisher.Publish(ctx, event)
	}
	if err != nil {
		s.logger.Warn("failed to publish low stock event", zap.Int64("product_id", after.ProductID()), zap.Error(err))
	}
}

func (s *inventoryService) updateCounter(ctx context.Context, inv domain.Inventory) {
	if s.counter == nil {
		return
	}
	if err := s.counter.Set(ctx, inv.ProductID(), inv.Stock().Available().Int64(), inv.Version()); err != nil {
		s.logger.Warn("stock counter write failed", zap.Int64("product_id", inv.ProductID()), zap.Error(err))
	}
}
