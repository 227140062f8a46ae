package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MorseWayne/flash_sale/internal/domain"
)

const inventoryColumns = `id, product_id, total, reserved, available, sold,
		safety_stock, reservation_timeout_seconds, max_purchase_per_user, version, created_at, updated_at`

// inventoryRepo 基于 MySQL 的库存仓储
type inventoryRepo struct {
	db *sql.DB
}

// NewInventoryRepository 创建库存仓储实例
func NewInventoryRepository(db *sql.DB) InventoryRepository {
	return &inventoryRepo{db: db}
}

// Create 创建库存记录
func (r *inventoryRepo) Create(ctx context.Context, inventory domain.Inventory) (domain.Inventory, error) {
	query := `
		INSERT INTO inventories (product_id, total, reserved, available, sold,
			safety_stock, reservation_timeout_seconds, max_purchase_per_user, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`
	stock, policy := inventory.Stock(), inventory.Policy()
	result, err := r.db.ExecContext(ctx, query,
		inventory.ProductID(),
		stock.Total().Int64(),
		stock.Reserved().Int64(),
		stock.Available().Int64(),
		stock.Sold().Int64(),
		policy.SafetyStock().Int64(),
		int64(policy.ReservationTimeout()/time.Second),
		policy.MaxPurchasePerUser().Int64(),
		inventory.CreatedAt(),
		inventory.UpdatedAt(),
	)
	if err != nil {
		if isDuplicateEntry(err) {
			return domain.Inventory{}, fmt.Errorf("inventory for product %d: %w", inventory.ProductID(), ErrDuplicateKey)
		}
		return domain.Inventory{}, fmt.Errorf("failed to create inventory: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return domain.Inventory{}, fmt.Errorf("failed to get last insert id: %w", err)
	}

	rec := inventory.Record()
	rec.ID = id
	rec.Version = 0
	return domain.RestoreInventory(rec), nil
}

// FindByProductID 根据商品ID获取库存
func (r *inventoryRepo) FindByProductID(ctx context.Context, productID int64) (domain.Inventory, error) {
	query := `SELECT ` + inventoryColumns + ` FROM inventories WHERE product_id = ?`

	inventory, err := scanInventory(r.db.QueryRowContext(ctx, query, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Inventory{}, domain.NotFoundError("inventory for product", productID)
	}
	if err != nil {
		return domain.Inventory{}, fmt.Errorf("failed to get inventory by product id: %w", err)
	}
	return inventory, nil
}

// Save 乐观锁更新：WHERE id = ? AND version = ?
//
// 行不存在或版本已被其他写者推进时 RowsAffected 为 0，返回 ErrVersionConflict。
func (r *inventoryRepo) Save(ctx context.Context, inventory domain.Inventory) (domain.Inventory, error) {
	query := `
		UPDATE inventories
		SET total = ?, reserved = ?, available = ?, sold = ?,
			safety_stock = ?, reservation_timeout_seconds = ?, max_purchase_per_user = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`
	stock, policy := inventory.Stock(), inventory.Policy()
	result, err := r.db.ExecContext(ctx, query,
		stock.Total().Int64(),
		stock.Reserved().Int64(),
		stock.Available().Int64(),
		stock.Sold().Int64(),
		policy.SafetyStock().Int64(),
		int64(policy.ReservationTimeout()/time.Second),
		policy.MaxPurchasePerUser().Int64(),
		inventory.UpdatedAt(),
		inventory.ID(),
		inventory.Version(),
	)
	if err != nil {
		return domain.Inventory{}, fmt.Errorf("failed to update inventory: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return domain.Inventory{}, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.Inventory{}, fmt.Errorf("inventory %d at version %d: %w", inventory.ID(), inventory.Version(), ErrVersionConflict)
	}

	rec := inventory.Record()
	rec.Version++
	return domain.RestoreInventory(rec), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInventory(row rowScanner) (domain.Inventory, error) {
	var (
		rec                                 domain.InventoryRecord
		total, reserved, available, sold    int64
		safety, timeoutSeconds, maxPurchase int64
	)
	err := row.Scan(
		&rec.ID,
		&rec.ProductID,
		&total,
		&reserved,
		&available,
		&sold,
		&safety,
		&timeoutSeconds,
		&maxPurchase,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return domain.Inventory{}, err
	}

	stock, err := domain.StockFromInts(total, reserved, available, sold)
	if err != nil {
		return domain.Inventory{}, fmt.Errorf("corrupt inventory %d: %w", rec.ID, err)
	}
	policy, err := domain.NewPolicy(safety, time.Duration(timeoutSeconds)*time.Second, maxPurchase)
	if err != nil {
		return domain.Inventory{}, fmt.Errorf("corrupt inventory policy %d: %w", rec.ID, err)
	}
	rec.Stock = stock
	rec.Policy = policy
	return domain.RestoreInventory(rec), nil
}
