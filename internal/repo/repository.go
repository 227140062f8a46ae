// Package repo 实现数据访问层：商品、库存、订单仓储及其缓存装饰器。
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/MorseWayne/flash_sale/internal/domain"
)

// 仓储层错误
var (
	// ErrVersionConflict 乐观锁版本冲突，调用方应重新读取后重试
	ErrVersionConflict = errors.New("version conflict")
	// ErrDuplicateKey 唯一键冲突
	ErrDuplicateKey = errors.New("duplicate key")
)

// ProductRepository 商品仓储
type ProductRepository interface {
	Create(ctx context.Context, product domain.Product) (domain.Product, error)
	// FindByID 不存在时返回 domain.ErrNotFound
	FindByID(ctx context.Context, id int64) (domain.Product, error)
	// FindByStatusBefore 返回处于 status 且下一个窗口边界不晚于 instant 的商品：
	// UPCOMING 比较 starts_at，ACTIVE 比较 ends_at
	FindByStatusBefore(ctx context.Context, status domain.DealStatus, instant time.Time) ([]domain.Product, error)
	Save(ctx context.Context, product domain.Product) (domain.Product, error)
}

// InventoryRepository 库存仓储
type InventoryRepository interface {
	Create(ctx context.Context, inventory domain.Inventory) (domain.Inventory, error)
	// FindByProductID 不存在时返回 domain.ErrNotFound
	FindByProductID(ctx context.Context, productID int64) (domain.Inventory, error)
	// Save 按读取时的版本号做乐观锁更新，冲突返回 ErrVersionConflict，成功返回递增后的版本
	Save(ctx context.Context, inventory domain.Inventory) (domain.Inventory, error)
}

// OrderRepository 订单仓储
type OrderRepository interface {
	// FindByID 不存在时返回 domain.ErrNotFound
	FindByID(ctx context.Context, id string) (domain.Order, error)
	// FindByIdempotencyKey 不存在时返回 nil, nil
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error)
	FindByStatusCreatedBefore(ctx context.Context, status domain.OrderStatus, instant time.Time, limit int) ([]domain.Order, error)
	// Create 插入订单头和订单行，幂等键冲突返回 ErrDuplicateKey
	Create(ctx context.Context, order domain.Order) (domain.Order, error)
	// UpdateStatus 仅当库中状态仍为 from 时写入 order 的状态相关字段，
	// 否则返回 ErrVersionConflict（订单不存在时返回 domain.ErrNotFound）
	UpdateStatus(ctx context.Context, order domain.Order, from domain.OrderStatus) (domain.Order, error)
}

// isDuplicateEntry 判断 MySQL 1062 唯一键冲突
func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
