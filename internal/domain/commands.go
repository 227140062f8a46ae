package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderLine 下单请求中的一行
type OrderLine struct {
	ProductID       int64             `json:"product_id"`
	Quantity        int64             `json:"quantity"`
	SelectedOptions map[string]string `json:"selected_options,omitempty"`
}

// CreateOrderCommand 创建订单命令
type CreateOrderCommand struct {
	UserID         int64           `json:"user_id"`
	Items          []OrderLine     `json:"items"`
	Shipping       Shipping        `json:"shipping"`
	IdempotencyKey string          `json:"idempotency_key"`
	Discount       decimal.Decimal `json:"discount"`
	PaymentMethod  string          `json:"payment_method"`
}

// Validate 在任何 I/O 之前校验命令
func (c CreateOrderCommand) Validate() error {
	if c.UserID <= 0 {
		return validationf("user id is required")
	}
	if len(c.Items) == 0 {
		return validationf("at least one item is required")
	}
	seen := make(map[int64]struct{}, len(c.Items))
	for i, line := range c.Items {
		if line.ProductID <= 0 {
			return validationf("items[%d]: product id is required", i)
		}
		if line.Quantity <= 0 {
			return validationf("items[%d]: quantity must be positive", i)
		}
		if _, dup := seen[line.ProductID]; dup {
			return validationf("items[%d]: duplicate product %d", i, line.ProductID)
		}
		seen[line.ProductID] = struct{}{}
	}
	if err := c.Shipping.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.IdempotencyKey) == "" {
		return validationf("idempotency key is required")
	}
	if c.Discount.IsNegative() {
		return validationf("discount must not be negative")
	}
	return nil
}

// CancelOrderCommand 取消订单命令
type CancelOrderCommand struct {
	OrderID     string `json:"order_id"`
	Reason      string `json:"reason,omitempty"`
	CancelledBy string `json:"cancelled_by,omitempty"`
}

// Validate 校验命令
func (c CancelOrderCommand) Validate() error {
	if strings.TrimSpace(c.OrderID) == "" {
		return validationf("order id is required")
	}
	return nil
}

// CompletePaymentCommand 支付完成命令
type CompletePaymentCommand struct {
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
}

// Validate 校验命令
func (c CompletePaymentCommand) Validate() error {
	if strings.TrimSpace(c.OrderID) == "" {
		return validationf("order id is required")
	}
	if strings.TrimSpace(c.TransactionID) == "" {
		return validationf("transaction id is required")
	}
	return nil
}

// CreateInventoryCommand 创建库存命令
type CreateInventoryCommand struct {
	ProductID          int64         `json:"product_id"`
	TotalQuantity      int64         `json:"total_quantity"`
	SafetyStock        int64         `json:"safety_stock"`
	MaxPurchasePerUser int64         `json:"max_purchase_per_user"`
	ReservationTimeout time.Duration `json:"reservation_timeout"`
}

// Validate 校验命令
func (c CreateInventoryCommand) Validate() error {
	if c.ProductID <= 0 {
		return validationf("product id is required")
	}
	if c.TotalQuantity <= 0 {
		return validationf("total quantity must be positive")
	}
	if c.SafetyStock < 0 {
		return validationf("safety stock must not be negative")
	}
	if c.MaxPurchasePerUser <= 0 {
		return validationf("max purchase per user must be positive")
	}
	if c.ReservationTimeout <= 0 {
		return validationf("reservation timeout must be positive")
	}
	return nil
}

// Policy 由命令构造策略
func (c CreateInventoryCommand) Policy() (Policy, error) {
	return NewPolicy(c.SafetyStock, c.ReservationTimeout, c.MaxPurchasePerUser)
}

// StockChangeCommand 预留/确认/释放/补货命令
type StockChangeCommand struct {
	ProductID int64 `json:"product_id"`
	Quantity  int64 `json:"quantity"`
}

// Validate 校验命令
func (c StockChangeCommand) Validate() error {
	if c.ProductID <= 0 {
		return validationf("product id is required")
	}
	if c.Quantity <= 0 {
		return validationf("quantity must be positive")
	}
	return nil
}

// Amount 转为 Quantity
func (c StockChangeCommand) Amount() Quantity {
	return Quantity{value: c.Quantity}
}

// UpdatePolicyCommand 更新库存策略命令
type UpdatePolicyCommand struct {
	ProductID          int64         `json:"product_id"`
	SafetyStock        int64         `json:"safety_stock"`
	MaxPurchasePerUser int64         `json:"max_purchase_per_user"`
	ReservationTimeout time.Duration `json:"reservation_timeout"`
}

// Validate 校验命令
func (c UpdatePolicyCommand) Validate() error {
	if c.ProductID <= 0 {
		return validationf("product id is required")
	}
	_, err := NewPolicy(c.SafetyStock, c.ReservationTimeout, c.MaxPurchasePerUser)
	return err
}

// CreateProductCommand 上架商品命令
type CreateProductCommand struct {
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	Category     string            `json:"category"`
	ImageURL     string            `json:"image_url"`
	RegularPrice decimal.Decimal   `json:"regular_price"`
	SalePrice    decimal.Decimal   `json:"sale_price"`
	Currency     string            `json:"currency"`
	StartsAt     time.Time         `json:"starts_at"`
	EndsAt       time.Time         `json:"ends_at"`
	Timezone     string            `json:"timezone"`
	Specs        map[string]string `json:"specs,omitempty"`
}

// Build 校验并构造商品
func (c CreateProductCommand) Build(now time.Time) (Product, error) {
	price, err := NewPrice(c.RegularPrice, c.SalePrice, c.Currency)
	if err != nil {
		return Product{}, err
	}
	schedule, err := NewSchedule(c.StartsAt, c.EndsAt, c.Timezone)
	if err != nil {
		return Product{}, err
	}
	return NewProduct(NewProductParams{
		Title:       c.Title,
		Description: c.Description,
		Category:    c.Category,
		ImageURL:    c.ImageURL,
		Price:       price,
		Schedule:    schedule,
		Specs:       c.Specs,
	}, now)
}
