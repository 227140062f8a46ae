package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	OrderStatusShipped   OrderStatus = "SHIPPED"
	OrderStatusDelivered OrderStatus = "DELIVERED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRefunded  OrderStatus = "REFUNDED"
)

// 订单取消发起方
const (
	CancelledByUser   = "user"
	CancelledBySystem = "system"
	CancelledByAdmin  = "admin"
)

// TimeoutCancelReason 超时取消原因
const TimeoutCancelReason = "timed out"

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed: {OrderStatusShipped, OrderStatusRefunded},
	OrderStatusShipped:   {OrderStatusDelivered},
}

// CanTransitionTo 判断是否允许迁移
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal 终态没有后续迁移
func (s OrderStatus) IsTerminal() bool {
	return len(orderTransitions[s]) == 0
}

// IsValid 是否为已知状态
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// Order 订单聚合根，每次迁移返回新值，id 与 createdAt 创建后不变
type Order struct {
	id             string
	userID         int64
	items          []OrderItem
	shipping       Shipping
	pricing        Pricing
	payment        Payment
	status         OrderStatus
	cancellation   *Cancellation
	idempotencyKey string
	createdAt      time.Time
	updatedAt      time.Time
	shippedAt      *time.Time
	deliveredAt    *time.Time
	refundedAt     *time.Time
}

// NewOrderParams 创建订单参数
type NewOrderParams struct {
	ID             string
	UserID         int64
	Items          []OrderItem
	Shipping       Shipping
	Pricing        Pricing
	Payment        Payment
	IdempotencyKey string
	CreatedAt      time.Time
}

// NewOrder 创建 PENDING 订单
func NewOrder(p NewOrderParams) (Order, error) {
	if strings.TrimSpace(p.ID) == "" {
		return Order{}, validationf("order id is required")
	}
	if p.UserID <= 0 {
		return Order{}, validationf("user id must be positive")
	}
	if len(p.Items) == 0 {
		return Order{}, validationf("order must contain at least one item")
	}
	if strings.TrimSpace(p.IdempotencyKey) == "" {
		return Order{}, validationf("idempotency key is required")
	}
	if err := p.Shipping.Validate(); err != nil {
		return Order{}, err
	}
	payment := p.Payment
	if payment.status == "" {
		payment = NewPendingPayment("", "")
	}
	items := make([]OrderItem, len(p.Items))
	copy(items, p.Items)
	return Order{
		id:             p.ID,
		userID:         p.UserID,
		items:          items,
		shipping:       p.Shipping,
		pricing:        p.Pricing,
		payment:        payment,
		status:         OrderStatusPending,
		idempotencyKey: p.IdempotencyKey,
		createdAt:      p.CreatedAt,
		updatedAt:      p.CreatedAt,
	}, nil
}

// OrderRecord 订单的持久化/传输形态
type OrderRecord struct {
	ID             string        `json:"id"`
	UserID         int64         `json:"user_id"`
	Items          []OrderItem   `json:"items"`
	Shipping       Shipping      `json:"shipping"`
	Pricing        Pricing       `json:"pricing"`
	Payment        Payment       `json:"payment"`
	Status         OrderStatus   `json:"status"`
	Cancellation   *Cancellation `json:"cancellation,omitempty"`
	IdempotencyKey string        `json:"idempotency_key"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	ShippedAt      *time.Time    `json:"shipped_at,omitempty"`
	DeliveredAt    *time.Time    `json:"delivered_at,omitempty"`
	RefundedAt     *time.Time    `json:"refunded_at,omitempty"`
}

// RestoreOrder 从记录恢复订单
func RestoreOrder(rec OrderRecord) (Order, error) {
	if !rec.Status.IsValid() {
		return Order{}, validationf("unknown order status %q", rec.Status)
	}
	if rec.Status == OrderStatusCancelled && rec.Cancellation == nil {
		return Order{}, validationf("cancelled order %s has no cancellation record", rec.ID)
	}
	items := make([]OrderItem, len(rec.Items))
	copy(items, rec.Items)
	return Order{
		id:             rec.ID,
		userID:         rec.UserID,
		items:          items,
		shipping:       rec.Shipping,
		pricing:        rec.Pricing,
		payment:        rec.Payment,
		status:         rec.Status,
		cancellation:   rec.Cancellation,
		idempotencyKey: rec.IdempotencyKey,
		createdAt:      rec.CreatedAt,
		updatedAt:      rec.UpdatedAt,
		shippedAt:      rec.ShippedAt,
		deliveredAt:    rec.DeliveredAt,
		refundedAt:     rec.RefundedAt,
	}, nil
}

// Record 导出记录形态
func (o Order) Record() OrderRecord {
	return OrderRecord{
		ID:             o.id,
		UserID:         o.userID,
		Items:          o.Items(),
		Shipping:       o.shipping,
		Pricing:        o.pricing,
		Payment:        o.payment,
		Status:         o.status,
		Cancellation:   o.Cancellation(),
		IdempotencyKey: o.idempotencyKey,
		CreatedAt:      o.createdAt,
		UpdatedAt:      o.updatedAt,
		ShippedAt:      o.shippedAt,
		DeliveredAt:    o.deliveredAt,
		RefundedAt:     o.refundedAt,
	}
}

// MarshalJSON 以记录形态输出
func (o Order) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Record())
}

func (o Order) ID() string { return o.id }
func (o Order) UserID() int64 { return o.userID }
func (o Order) Shipping() Shipping { return o.shipping }
func (o Order) Pricing() Pricing { return o.pricing }
func (o Order) Payment() Payment { return o.payment }
func (o Order) Status() OrderStatus { return o.status }
func (o Order) IdempotencyKey() string { return o.idempotencyKey }
func (o Order) CreatedAt() time.Time { return o.createdAt }
func (o Order) UpdatedAt() time.Time { return o.updatedAt }

// Items 返回订单行副本
func (o Order) Items() []OrderItem {
	items := make([]OrderItem, len(o.items))
	copy(items, o.items)
	return items
}

// Cancellation 返回取消记录副本，未取消时为 nil
func (o Order) Cancellation() *Cancellation {
	if o.cancellation == nil {
		return nil
	}
	c := *o.cancellation
	c.AffectedProductIDs = append([]int64(nil), o.cancellation.AffectedProductIDs...)
	return &c
}

// ExpiresAt 预留到期时间
func (o Order) ExpiresAt(window time.Duration) time.Time {
	return o.createdAt.Add(window)
}

// CompletePayment PENDING -> CONFIRMED，支付标记为 COMPLETED
func (o Order) CompletePayment(transactionID string, now time.Time) (Order, error) {
	if err := o.requireTransition(OrderStatusConfirmed); err != nil {
		return Order{}, err
	}
	payment, err := o.payment.Complete(transactionID, now)
	if err != nil {
		return Order{}, err
	}
	o.payment = payment
	o.status = OrderStatusConfirmed
	o.updatedAt = now
	return o, nil
}

// Cancel PENDING -> CANCELLED，附带取消记录
func (o Order) Cancel(reason, cancelledBy string, now time.Time) (Order, error) {
	if err := o.requireTransition(OrderStatusCancelled); err != nil {
		return Order{}, err
	}
	affected := make([]int64, 0, len(o.items))
	for _, item := range o.items {
		affected = append(affected, item.ProductID)
	}
	o.cancellation = &Cancellation{
		Reason:             reason,
		CancelledBy:        cancelledBy,
		CancelledAt:        now,
		AffectedProductIDs: affected,
	}
	o.payment = o.payment.withStatus(PaymentStatusCancelled)
	o.status = OrderStatusCancelled
	o.updatedAt = now
	return o, nil
}

// Ship CONFIRMED -> SHIPPED
func (o Order) Ship(now time.Time) (Order, error) {
	if err := o.requireTransition(OrderStatusShipped); err != nil {
		return Order{}, err
	}
	o.status = OrderStatusShipped
	o.shippedAt = &now
	o.updatedAt = now
	return o, nil
}

// Deliver SHIPPED -> DELIVERED
func (o Order) Deliver(now time.Time) (Order, error) {
	if err := o.requireTransition(OrderStatusDelivered); err != nil {
		return Order{}, err
	}
	o.status = OrderStatusDelivered
	o.deliveredAt = &now
	o.updatedAt = now
	return o, nil
}

// Refund CONFIRMED -> REFUNDED
func (o Order) Refund(now time.Time) (Order, error) {
	if err := o.requireTransition(OrderStatusRefunded); err != nil {
		return Order{}, err
	}
	o.payment = o.payment.withStatus(PaymentStatusRefunded)
	o.status = OrderStatusRefunded
	o.refundedAt = &now
	o.updatedAt = now
	return o, nil
}

func (o Order) requireTransition(next OrderStatus) error {
	if !o.status.CanTransitionTo(next) {
		return invalidStatef("order %s cannot move from %s to %s", o.id, o.status, next)
	}
	return nil
}
