package domain

import (
	"encoding/json"
	"time"
)

// Inventory 库存聚合根：一个商品引用 + 一份 Stock + 一份 Policy
//
// Inventory 是库存并发控制与持久化的单位。version 记录读取时的持久化版本，
// 变更方法不修改它，由仓储在保存成功后递增。
type Inventory struct {
	id        int64
	productID int64
	stock     Stock
	policy    Policy
	version   int64
	createdAt time.Time
	updatedAt time.Time
}

// NewInventory 商品上架时创建库存
func NewInventory(productID int64, total Quantity, policy Policy, now time.Time) (Inventory, error) {
	if productID <= 0 {
		return Inventory{}, validationf("product id must be positive")
	}
	if total.IsZero() {
		return Inventory{}, validationf("total quantity must be positive")
	}
	return Inventory{
		productID: productID,
		stock:     InitialStock(total),
		policy:    policy,
		createdAt: now,
		updatedAt: now,
	}, nil
}

// InventoryRecord 库存的持久化/传输形态
type InventoryRecord struct {
	ID        int64     `json:"id"`
	ProductID int64     `json:"product_id"`
	Stock     Stock     `json:"stock"`
	Policy    Policy    `json:"policy"`
	LowStock  bool      `json:"low_stock"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RestoreInventory 从仓储记录恢复聚合
func RestoreInventory(rec InventoryRecord) Inventory {
	return Inventory{
		id:        rec.ID,
		productID: rec.ProductID,
		stock:     rec.Stock,
		policy:    rec.Policy,
		version:   rec.Version,
		createdAt: rec.CreatedAt,
		updatedAt: rec.UpdatedAt,
	}
}

// Record 导出持久化形态
func (i Inventory) Record() InventoryRecord {
	return InventoryRecord{
		ID:        i.id,
		ProductID: i.productID,
		Stock:     i.stock,
		Policy:    i.policy,
		LowStock:  i.LowStock(),
		Version:   i.version,
		CreatedAt: i.createdAt,
		UpdatedAt: i.updatedAt,
	}
}

// MarshalJSON 以记录形态输出
func (i Inventory) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.Record())
}

// UnmarshalJSON 从记录形态恢复，用于缓存
func (i *Inventory) UnmarshalJSON(data []byte) error {
	var rec InventoryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	*i = RestoreInventory(rec)
	return nil
}

func (i Inventory) ID() int64 { return i.id }
func (i Inventory) ProductID() int64 { return i.productID }
func (i Inventory) Stock() Stock { return i.stock }
func (i Inventory) Policy() Policy { return i.policy }
func (i Inventory) Version() int64 { return i.version }
func (i Inventory) CreatedAt() time.Time { return i.createdAt }
func (i Inventory) UpdatedAt() time.Time { return i.updatedAt }

// LowStock 可售低于安全库存，派生值
func (i Inventory) LowStock() bool {
	return i.policy.IsLowStock(i.stock.Available())
}

// OutOfStock 无可售库存，派生值
func (i Inventory) OutOfStock() bool {
	return i.stock.OutOfStock()
}

// Reserve 预留库存
func (i Inventory) Reserve(q Quantity) (Inventory, error) {
	return i.withStock(i.stock.Reserve(q))
}

// Confirm 预留转为已售
func (i Inventory) Confirm(q Quantity) (Inventory, error) {
	return i.withStock(i.stock.Confirm(q))
}

// Unconfirm 已售退回预留
func (i Inventory) Unconfirm(q Quantity) (Inventory, error) {
	return i.withStock(i.stock.Unconfirm(q))
}

// Release 释放预留
func (i Inventory) Release(q Quantity) (Inventory, error) {
	return i.withStock(i.stock.Release(q))
}

// IncreaseStock 补货
func (i Inventory) IncreaseStock(q Quantity) (Inventory, error) {
	return i.withStock(i.stock.Increase(q))
}

// UpdatePolicy 整体替换策略
func (i Inventory) UpdatePolicy(p Policy) Inventory {
	i.policy = p
	return i
}

// Touch 更新修改时间
func (i Inventory) Touch(now time.Time) Inventory {
	i.updatedAt = now
	return i
}

func (i Inventory) withStock(s Stock, err error) (Inventory, error) {
	if err != nil {
		return Inventory{}, err
	}
	i.stock = s
	return i, nil
}
