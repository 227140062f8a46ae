package api

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MorseWayne/flash_sale/internal/domain"
)

type mockOrderService struct {
	createFunc   func(ctx context.Context, cmd domain.CreateOrderCommand) (domain.Order, error)
	cancelFunc   func(ctx context.Context, cmd domain.CancelOrderCommand) (domain.Order, error)
	payFunc      func(ctx context.Context, cmd domain.CompletePaymentCommand) (domain.Order, error)
	getFunc      func(ctx context.Context, id string) (domain.Order, error)
	transitionFn func(ctx context.Context, id string) (domain.Order, error)
}

func (m *mockOrderService) CreateOrder(ctx context.Context, cmd domain.CreateOrderCommand) (domain.Order, error) {
	return m.createFunc(ctx, cmd)
}

func (m *mockOrderService) CancelOrder(ctx context.Context, cmd domain.CancelOrderCommand) (domain.Order, error) {
	return m.cancelFunc(ctx, cmd)
}

func (m *mockOrderService) CompletePayment(ctx context.Context, cmd domain.CompletePaymentCommand) (domain.Order, error) {
	return m.payFunc(ctx, cmd)
}

func (m *mockOrderService) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return m.getFunc(ctx, id)
}

func (m *mockOrderService) ShipOrder(ctx context.Context, id string) (domain.Order, error) {
	return m.transitionFn(ctx, id)
}

func (m *mockOrderService) DeliverOrder(ctx context.Context, id string) (domain.Order, error) {
	return m.transitionFn(ctx, id)
}

func (m *mockOrderService) RefundOrder(ctx context.Context, id string) (domain.Order, error) {
	return m.transitionFn(ctx, id)
}

type mockProductService struct {
	createFunc func(ctx context.Context, cmd domain.CreateProductCommand) (domain.Product, error)
	getFunc    func(ctx context.Context, id int64) (domain.Product, error)
}

func (m *mockProductService) CreateProduct(ctx context.Context, cmd domain.CreateProductCommand) (domain.Product, error) {
	return m.createFunc(ctx, cmd)
}

func (m *mockProductService) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	return m.getFunc(ctx, id)
}

func (m *mockProductService) MarkSoldOut(context.Context, int64) (domain.Product, error) {
	return domain.Product{}, domain.ErrInvalidState
}

type mockInventoryService struct {
	createFunc  func(ctx context.Context, cmd domain.CreateInventoryCommand) (domain.Inventory, error)
	getFunc     func(ctx context.Context, productID int64) (domain.Inventory, error)
	restockFunc func(ctx context.Context, cmd domain.StockChangeCommand) (domain.Inventory, error)
	policyFunc  func(ctx context.Context, cmd domain.UpdatePolicyCommand) (domain.Inventory, error)
}

func (m *mockInventoryService) CreateInventory(ctx context.Context, cmd domain.CreateInventoryCommand) (domain.Inventory, error) {
	return m.createFunc(ctx, cmd)
}

func (m *mockInventoryService) GetInventory(ctx context.Context, productID int64) (domain.Inventory, error) {
	return m.getFunc(ctx, productID)
}

func (m *mockInventoryService) Reserve(context.Context, domain.StockChangeCommand) (domain.Inventory, error) {
	return domain.Inventory{}, domain.ErrInvalidState
}

func (m *mockInventoryService) Confirm(context.Context, domain.StockChangeCommand) (domain.Inventory, error) {
	return domain.Inventory{}, domain.ErrInvalidState
}

func (m *mockInventoryService) RevertConfirm(context.Context, domain.StockChangeCommand) (domain.Inventory, error) {
	return domain.Inventory{}, nil
}

func (m *mockInventoryService) Release(context.Context, domain.StockChangeCommand) (domain.Inventory, error) {
	return domain.Inventory{}, domain.ErrInvalidState
}

func (m *mockInventoryService) Restock(ctx context.Context, cmd domain.StockChangeCommand) (domain.Inventory, error) {
	return m.restockFunc(ctx, cmd)
}

func (m *mockInventoryService) UpdatePolicy(ctx context.Context, cmd domain.UpdatePolicyCommand) (domain.Inventory, error) {
	return m.policyFunc(ctx, cmd)
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testShipping() domain.Shipping {
	return domain.Shipping{
		RecipientName: "Kim",
		Phone:         "010-0000-0000",
		PostalCode:    "04524",
		Street:        "1 Test-ro",
		City:          "Seoul",
		Country:       "KR",
	}
}

// testOrder 构造属于 userID 的待支付订单
func testOrder(id string, userID int64) domain.Order {
	price, err := domain.NewPrice(decimal.NewFromInt(20000), decimal.NewFromInt(15000), "KRW")
	if err != nil {
		panic(err)
	}
	item, err := domain.NewOrderItem(1, domain.NewSnapshot("Keyboard", "", price, nil), domain.MustQuantity(2))
	if err != nil {
		panic(err)
	}
	items := []domain.OrderItem{item}
	pricing, err := domain.CalculatePricing(items, domain.DefaultShippingFee, decimal.Zero)
	if err != nil {
		panic(err)
	}
	order, err := domain.NewOrder(domain.NewOrderParams{
		ID:             id,
		UserID:         userID,
		Items:          items,
		Shipping:       testShipping(),
		Pricing:        pricing,
		Payment:        domain.NewPendingPayment("card", "default"),
		IdempotencyKey: "key-" + id,
		CreatedAt:      testNow,
	})
	if err != nil {
		panic(err)
	}
	return order
}

func testInventory(productID int64) domain.Inventory {
	policy, err := domain.NewPolicy(5, 10*time.Minute, 3)
	if err != nil {
		panic(err)
	}
	inv, err := domain.NewInventory(productID, domain.MustQuantity(100), policy, testNow)
	if err != nil {
		panic(err)
	}
	return inv
}
