package domain

import (
	"encoding/json"
	"time"
)

// 默认库存策略
const (
	DefaultSafetyStock        = 10
	DefaultReservationTimeout = 600 * time.Second
	DefaultMaxPurchasePerUser = 10
)

// Policy 库存策略，挂到 Inventory 后只读
type Policy struct {
	safetyStock        Quantity
	reservationTimeout time.Duration
	maxPurchasePerUser Quantity
}

// NewPolicy 创建库存策略
// safetyStock >= 0，reservationTimeout > 0，maxPurchasePerUser > 0
func NewPolicy(safetyStock int64, reservationTimeout time.Duration, maxPurchasePerUser int64) (Policy, error) {
	safety, err := NewQuantity(safetyStock)
	if err != nil {
		return Policy{}, validationf("safety stock must not be negative")
	}
	if reservationTimeout <= 0 {
		return Policy{}, validationf("reservation timeout must be positive")
	}
	if maxPurchasePerUser <= 0 {
		return Policy{}, validationf("max purchase per user must be positive")
	}
	return Policy{
		safetyStock:        safety,
		reservationTimeout: reservationTimeout,
		maxPurchasePerUser: Quantity{value: maxPurchasePerUser},
	}, nil
}

// DefaultPolicy 默认策略 (10, 600s, 10)
func DefaultPolicy() Policy {
	return Policy{
		safetyStock:        Quantity{value: DefaultSafetyStock},
		reservationTimeout: DefaultReservationTimeout,
		maxPurchasePerUser: Quantity{value: DefaultMaxPurchasePerUser},
	}
}

func (p Policy) SafetyStock() Quantity { return p.safetyStock }
func (p Policy) ReservationTimeout() time.Duration { return p.reservationTimeout }
func (p Policy) MaxPurchasePerUser() Quantity { return p.maxPurchasePerUser }

// IsLowStock 可售低于安全库存
func (p Policy) IsLowStock(available Quantity) bool {
	return available.LessThan(p.safetyStock)
}

// IsValidPurchaseQuantity 0 < q <= maxPurchasePerUser
func (p Policy) IsValidPurchaseQuantity(q Quantity) bool {
	return !q.IsZero() && !q.GreaterThan(p.maxPurchasePerUser)
}

type policyJSON struct {
	SafetyStock               int64 `json:"safety_stock"`
	ReservationTimeoutSeconds int64 `json:"reservation_timeout_seconds"`
	MaxPurchasePerUser        int64 `json:"max_purchase_per_user"`
}

// MarshalJSON 输出策略字段
func (p Policy) MarshalJSON() ([]byte, error) {
	return json.Marshal(policyJSON{
		SafetyStock:               p.safetyStock.value,
		ReservationTimeoutSeconds: int64(p.reservationTimeout / time.Second),
		MaxPurchasePerUser:        p.maxPurchasePerUser.value,
	})
}

// UnmarshalJSON 读取并校验策略
func (p *Policy) UnmarshalJSON(data []byte) error {
	var raw policyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	policy, err := NewPolicy(raw.SafetyStock, time.Duration(raw.ReservationTimeoutSeconds)*time.Second, raw.MaxPurchasePerUser)
	if err != nil {
		return err
	}
	*p = policy
	return nil
}
