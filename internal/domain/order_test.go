package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testShipping() Shipping {
	return Shipping{
		RecipientName: "Kim",
		Phone:         "010-0000-0000",
		PostalCode:    "04524",
		Street:        "1 Sejong-daero",
		City:          "Seoul",
		Country:       "KR",
	}
}

func testOrder(t *testing.T) Order {
	t.Helper()
	price, err := NewPrice(decimal.NewFromInt(100000), decimal.NewFromInt(80000), "KRW")
	if err != nil {
		t.Fatalf("NewPrice: %v", err)
	}
	item, err := NewOrderItem(1, NewSnapshot("Phone", "img.png", price, nil), q(2))
	if err != nil {
		t.Fatalf("NewOrderItem: %v", err)
	}
	pricing, err := CalculatePricing([]OrderItem{item}, DefaultShippingFee, decimal.Zero)
	if err != nil {
		t.Fatalf("CalculatePricing: %v", err)
	}
	o, err := NewOrder(NewOrderParams{
		ID:             "order-1",
		UserID:         7,
		Items:          []OrderItem{item},
		Shipping:       testShipping(),
		Pricing:        pricing,
		Payment:        NewPendingPayment("card", "test"),
		IdempotencyKey: "K1",
		CreatedAt:      time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	return o
}

func TestCalculatePricing(t *testing.T) {
	o := testOrder(t)
	if !o.Pricing().Subtotal.Equal(decimal.NewFromInt(160000)) {
		t.Errorf("subtotal = %s", o.Pricing().Subtotal)
	}
	if !o.Pricing().Total().Equal(decimal.NewFromInt(163000)) {
		t.Errorf("total = %s", o.Pricing().Total())
	}
	if o.Pricing().Currency != "KRW" {
		t.Errorf("currency = %s", o.Pricing().Currency)
	}

	_, err := CalculatePricing(o.Items(), decimal.Zero, decimal.NewFromInt(200000))
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected discount overflow to fail, got %v", err)
	}
}

func TestOrder_StateMachine(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 5, 0, 0, time.UTC)

	tests := []struct {
		name    string
		run     func(Order) (Order, error)
		want    OrderStatus
		wantErr bool
	}{
		{
			name: "pay pending",
			run:  func(o Order) (Order, error) { return o.CompletePayment("tx-1", now) },
			want: OrderStatusConfirmed,
		},
		{
			name: "cancel pending",
			run:  func(o Order) (Order, error) { return o.Cancel("changed mind", CancelledByUser, now) },
			want: OrderStatusCancelled,
		},
		{
			name:    "ship pending",
			run:     func(o Order) (Order, error) { return o.Ship(now) },
			wantErr: true,
		},
		{
			name: "full fulfillment",
			run: func(o Order) (Order, error) {
				o, err := o.CompletePayment("tx-1", now)
				if err != nil {
					return Order{}, err
				}
				if o, err = o.Ship(now); err != nil {
					return Order{}, err
				}
				return o.Deliver(now)
			},
			want: OrderStatusDelivered,
		},
		{
			name: "refund confirmed",
			run: func(o Order) (Order, error) {
				o, _ = o.CompletePayment("tx-1", now)
				return o.Refund(now)
			},
			want: OrderStatusRefunded,
		},
		{
			name: "cancel confirmed",
			run: func(o Order) (Order, error) {
				o, _ = o.CompletePayment("tx-1", now)
				return o.Cancel("late", CancelledByUser, now)
			},
			wantErr: true,
		},
		{
			name: "pay cancelled",
			run: func(o Order) (Order, error) {
				o, _ = o.Cancel("x", CancelledByUser, now)
				return o.CompletePayment("tx-1", now)
			},
			wantErr: true,
		},
		{
			name: "refund shipped",
			run: func(o Order) (Order, error) {
				o, _ = o.CompletePayment("tx-1", now)
				o, _ = o.Ship(now)
				return o.Refund(now)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := testOrder(t)
			got, err := tt.run(original)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidState) {
					t.Fatalf("expected ErrInvalidState, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Status() != tt.want {
				t.Errorf("status = %s, want %s", got.Status(), tt.want)
			}
			if got.ID() != original.ID() || !got.CreatedAt().Equal(original.CreatedAt()) {
				t.Errorf("identity or createdAt changed")
			}
			if original.Status() != OrderStatusPending {
				t.Errorf("original order mutated to %s", original.Status())
			}
		})
	}
}

func TestOrder_CompletePaymentRequiresTransactionID(t *testing.T) {
	o := testOrder(t)
	if _, err := o.CompletePayment("  ", time.Now()); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	paid, err := o.CompletePayment("tx-9", time.Now())
	if err != nil {
		t.Fatalf("CompletePayment: %v", err)
	}
	if paid.Payment().Status() != PaymentStatusCompleted || paid.Payment().TransactionID() != "tx-9" {
		t.Errorf("payment = %+v", paid.Payment())
	}
	if _, err := RestorePayment("card", PaymentStatusCompleted, "", "", nil); !errors.Is(err, ErrValidation) {
		t.Errorf("completed payment without transaction id must not restore, got %v", err)
	}
}

func TestOrder_CancelRecordsCancellation(t *testing.T) {
	o := testOrder(t)
	now := time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC)
	cancelled, err := o.Cancel(TimeoutCancelReason, CancelledBySystem, now)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	c := cancelled.Cancellation()
	if c == nil {
		t.Fatal("expected cancellation record")
	}
	if c.Reason != TimeoutCancelReason || c.CancelledBy != CancelledBySystem || !c.CancelledAt.Equal(now) {
		t.Errorf("unexpected cancellation %+v", c)
	}
	if len(c.AffectedProductIDs) != 1 || c.AffectedProductIDs[0] != 1 {
		t.Errorf("affected ids = %v", c.AffectedProductIDs)
	}
	c.AffectedProductIDs[0] = 99
	if cancelled.Cancellation().AffectedProductIDs[0] != 1 {
		t.Errorf("cancellation record should be immutable")
	}
	if o.Cancellation() != nil {
		t.Errorf("original order should have no cancellation")
	}
}

func TestOrderStatus_Terminal(t *testing.T) {
	for _, s := range []OrderStatus{OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []OrderStatus{OrderStatusPending, OrderStatusConfirmed, OrderStatusShipped} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestCreateOrderCommand_Validate(t *testing.T) {
	valid := CreateOrderCommand{
		UserID:         1,
		Items:          []OrderLine{{ProductID: 1, Quantity: 2}},
		Shipping:       testShipping(),
		IdempotencyKey: "K1",
	}
	tests := []struct {
		name   string
		mutate func(*CreateOrderCommand)
	}{
		{"blank key", func(c *CreateOrderCommand) { c.IdempotencyKey = " " }},
		{"no items", func(c *CreateOrderCommand) { c.Items = nil }},
		{"zero quantity", func(c *CreateOrderCommand) { c.Items = []OrderLine{{ProductID: 1}} }},
		{"negative discount", func(c *CreateOrderCommand) { c.Discount = decimal.NewFromInt(-1) }},
		{"missing recipient", func(c *CreateOrderCommand) { c.Shipping.RecipientName = "" }},
		{"duplicate product", func(c *CreateOrderCommand) {
			c.Items = []OrderLine{{ProductID: 1, Quantity: 1}, {ProductID: 1, Quantity: 1}}
		}},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid command rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := valid
			cmd.Items = append([]OrderLine(nil), valid.Items...)
			tt.mutate(&cmd)
			if err := cmd.Validate(); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}
