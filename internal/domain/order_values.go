package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultShippingFee 默认运费（KRW）
var DefaultShippingFee = decimal.NewFromInt(3000)

// Snapshot 下单时冻结的商品信息，之后的商品修改不会影响历史订单
type Snapshot struct {
	Title           string            `json:"title"`
	Image           string            `json:"image"`
	Price           Price             `json:"price"`
	SelectedOptions map[string]string `json:"selected_options,omitempty"`
}

// NewSnapshot 创建快照，拷贝选项
func NewSnapshot(title, image string, price Price, selectedOptions map[string]string) Snapshot {
	var opts map[string]string
	if len(selectedOptions) > 0 {
		opts = make(map[string]string, len(selectedOptions))
		for k, v := range selectedOptions {
			opts[k] = v
		}
	}
	return Snapshot{Title: title, Image: image, Price: price, SelectedOptions: opts}
}

// OrderItem 订单行
type OrderItem struct {
	ProductID int64    `json:"product_id"`
	Snapshot  Snapshot `json:"snapshot"`
	Quantity  Quantity `json:"quantity"`
}

// NewOrderItem 创建订单行，数量必须为正
func NewOrderItem(productID int64, snapshot Snapshot, quantity Quantity) (OrderItem, error) {
	if productID <= 0 {
		return OrderItem{}, validationf("product id must be positive")
	}
	if quantity.IsZero() {
		return OrderItem{}, validationf("quantity must be positive for product %d", productID)
	}
	return OrderItem{ProductID: productID, Snapshot: snapshot, Quantity: quantity}, nil
}

// Subtotal 秒杀价 x 数量
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.Snapshot.Price.LineTotal(i.Quantity)
}

// Shipping 收货信息
type Shipping struct {
	RecipientName string `json:"recipient_name"`
	Phone         string `json:"phone"`
	PostalCode    string `json:"postal_code"`
	Street        string `json:"street"`
	City          string `json:"city"`
	Country       string `json:"country"`
}

// Validate 所有字段必填
func (s Shipping) Validate() error {
	fields := []struct {
		name  string
		value string
	}{
		{"recipient_name", s.RecipientName},
		{"phone", s.Phone},
		{"postal_code", s.PostalCode},
		{"street", s.Street},
		{"city", s.City},
		{"country", s.Country},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return validationf("shipping %s is required", f.name)
		}
	}
	return nil
}

// Pricing 订单金额，total 始终由 subtotal + shipping - discount 推导
type Pricing struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Shipping decimal.Decimal `json:"shipping"`
	Discount decimal.Decimal `json:"discount"`
	Currency string          `json:"currency"`
}

// CalculatePricing 根据订单行计算金额
func CalculatePricing(items []OrderItem, shipping, discount decimal.Decimal) (Pricing, error) {
	if len(items) == 0 {
		return Pricing{}, validationf("order must contain at least one item")
	}
	if shipping.IsNegative() {
		return Pricing{}, validationf("shipping fee must not be negative")
	}
	if discount.IsNegative() {
		return Pricing{}, validationf("discount must not be negative")
	}
	currency := items[0].Snapshot.Price.Currency
	subtotal := decimal.Zero
	for _, item := range items {
		if item.Snapshot.Price.Currency != currency {
			return Pricing{}, validationf("mixed currencies %s and %s", currency, item.Snapshot.Price.Currency)
		}
		subtotal = subtotal.Add(item.Subtotal())
	}
	p := Pricing{Subtotal: subtotal, Shipping: shipping, Discount: discount, Currency: currency}
	if p.Total().IsNegative() {
		return Pricing{}, validationf("discount %s exceeds order amount", discount)
	}
	return p, nil
}

// Total subtotal + shipping - discount
func (p Pricing) Total() decimal.Decimal {
	return p.Subtotal.Add(p.Shipping).Sub(p.Discount)
}

// MarshalJSON 附带派生的 total
func (p Pricing) MarshalJSON() ([]byte, error) {
	type alias Pricing
	return json.Marshal(struct {
		alias
		Total decimal.Decimal `json:"total"`
	}{alias: alias(p), Total: p.Total()})
}

// PaymentStatus 支付状态
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)

// Payment 支付信息；COMPLETED 必须带交易号
type Payment struct {
	method        string
	status        PaymentStatus
	transactionID string
	gateway       string
	paidAt        *time.Time
}

// NewPendingPayment 下单时的待支付信息
func NewPendingPayment(method, gateway string) Payment {
	return Payment{method: method, gateway: gateway, status: PaymentStatusPending}
}

// RestorePayment 从记录恢复；COMPLETED/REFUNDED 缺少交易号视为数据损坏
func RestorePayment(method string, status PaymentStatus, transactionID, gateway string, paidAt *time.Time) (Payment, error) {
	if (status == PaymentStatusCompleted || status == PaymentStatusRefunded) && strings.TrimSpace(transactionID) == "" {
		return Payment{}, validationf("payment in status %s requires a transaction id", status)
	}
	return Payment{method: method, status: status, transactionID: transactionID, gateway: gateway, paidAt: paidAt}, nil
}

func (p Payment) Method() string { return p.method }
func (p Payment) Status() PaymentStatus { return p.status }
func (p Payment) TransactionID() string { return p.transactionID }
func (p Payment) Gateway() string { return p.gateway }
func (p Payment) PaidAt() *time.Time { return p.paidAt }

// Complete 标记支付完成
func (p Payment) Complete(transactionID string, now time.Time) (Payment, error) {
	if strings.TrimSpace(transactionID) == "" {
		return Payment{}, validationf("transaction id is required")
	}
	if p.status != PaymentStatusPending {
		return Payment{}, invalidStatef("payment is %s", p.status)
	}
	p.status = PaymentStatusCompleted
	p.transactionID = transactionID
	p.paidAt = &now
	return p, nil
}

func (p Payment) withStatus(status PaymentStatus) Payment {
	p.status = status
	return p
}

// MarshalJSON 输出支付字段
func (p Payment) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Method        string        `json:"method"`
		Status        PaymentStatus `json:"status"`
		TransactionID string        `json:"transaction_id,omitempty"`
		Gateway       string        `json:"gateway,omitempty"`
		PaidAt        *time.Time    `json:"paid_at,omitempty"`
	}{p.method, p.status, p.transactionID, p.gateway, p.paidAt})
}

// Cancellation 取消记录，订单取消后不可变
type Cancellation struct {
	Reason             string    `json:"reason"`
	CancelledBy        string    `json:"cancelled_by"`
	CancelledAt        time.Time `json:"cancelled_at"`
	AffectedProductIDs []int64   `json:"affected_product_ids"`
}
