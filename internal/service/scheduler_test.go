package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MorseWayne/flash_sale/internal/domain"
)

func TestOrderTimeoutService_RunOnce(t *testing.T) {
	h := newTestHarness(nil)
	p1 := newActiveProduct(h.products, 80000)
	newTestInventory(h.inventories, p1.ID(), 100, 10, 10)
	ctx := context.Background()

	order, err := h.orderSvc.CreateOrder(ctx, createOrderCmd("K1", line(p1.ID(), 2)))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	sweeper := NewOrderTimeoutService(h.orders, h.orderSvc, &OrderTimeoutConfig{
		Interval:          time.Minute,
		ReservationWindow: 10 * time.Minute,
		BatchSize:         10,
	}, nil)

	n, err := sweeper.RunOnce(ctx, testNow.Add(9*time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("RunOnce(T+9m) = %d, %v", n, err)
	}
	still, _ := h.orders.FindByID(ctx, order.ID())
	if still.Status() != domain.OrderStatusPending {
		t.Fatalf("status at T+9m = %s", still.Status())
	}

	n, err = sweeper.RunOnce(ctx, testNow.Add(11*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("RunOnce(T+11m) = %d, %v", n, err)
	}
	swept, _ := h.orders.FindByID(ctx, order.ID())
	if swept.Status() != domain.OrderStatusCancelled {
		t.Fatalf("status at T+11m = %s", swept.Status())
	}
	if c := swept.Cancellation(); c.Reason != domain.TimeoutCancelReason || c.CancelledBy != domain.CancelledBySystem {
		t.Errorf("cancellation = %+v", c)
	}
	if got := h.inventories.stock(p1.ID()).Available().Int64(); got != 100 {
		t.Errorf("available = %d, want 100", got)
	}

	// 再扫一次没有待处理订单
	if n, err := sweeper.RunOnce(ctx, testNow.Add(20*time.Minute)); err != nil || n != 0 {
		t.Errorf("second sweep = %d, %v", n, err)
	}
}

func TestOrderTimeoutService_IsolatesFailures(t *testing.T) {
	h := newTestHarness(nil)
	p1 := newActiveProduct(h.products, 1000)
	newTestInventory(h.inventories, p1.ID(), 10, 0, 5)
	ctx := context.Background()

	good, err := h.orderSvc.CreateOrder(ctx, createOrderCmd("good", line(p1.ID(), 1)))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	// 引用的库存不存在，释放必然失败
	item, _ := domain.NewOrderItem(999, p1.Snapshot(nil), domain.MustQuantity(1))
	pricing, _ := domain.CalculatePricing([]domain.OrderItem{item}, domain.DefaultShippingFee, decimal.Zero)
	broken, err := domain.NewOrder(domain.NewOrderParams{
		ID:             "broken",
		UserID:         2,
		Items:          []domain.OrderItem{item},
		Shipping:       testShipping(),
		Pricing:        pricing,
		IdempotencyKey: "broken",
		CreatedAt:      testNow.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	h.orders.put(broken)

	sweeper := NewOrderTimeoutService(h.orders, h.orderSvc, nil, nil)
	n, err := sweeper.RunOnce(ctx, testNow.Add(time.Hour))
	if n != 1 {
		t.Errorf("cancelled = %d, want 1", n)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected joined NotFound error, got %v", err)
	}
	stored, _ := h.orders.FindByID(ctx, good.ID())
	if stored.Status() != domain.OrderStatusCancelled {
		t.Errorf("healthy order status = %s", stored.Status())
	}
	left, _ := h.orders.FindByID(ctx, "broken")
	if left.Status() != domain.OrderStatusPending {
		t.Errorf("broken order status = %s", left.Status())
	}
}

func TestOrderTimeoutService_RunStopsOnCancel(t *testing.T) {
	h := newTestHarness(nil)
	sweeper := NewOrderTimeoutService(h.orders, h.orderSvc, &OrderTimeoutConfig{
		Interval:          5 * time.Millisecond,
		ReservationWindow: time.Minute,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestProductStatusUpdateService_RunOnce(t *testing.T) {
	products := newMockProductRepository()
	ctx := context.Background()

	upcoming := newProductWindow(products, testNow.Add(time.Hour), testNow.Add(3*time.Hour))
	active := newProductWindow(products, testNow.Add(-time.Hour), testNow.Add(time.Hour))
	missed := newProductWindow(products, testNow.Add(10*time.Minute), testNow.Add(20*time.Minute))
	later := newProductWindow(products, testNow.Add(5*time.Hour), testNow.Add(6*time.Hour))

	svc := NewProductStatusUpdateService(products, time.Minute, nil)
	n, err := svc.RunOnce(ctx, testNow.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 3 {
		t.Errorf("changed = %d, want 3", n)
	}

	tests := []struct {
		name string
		id   int64
		want domain.DealStatus
	}{
		{"upcoming becomes active", upcoming.ID(), domain.DealStatusActive},
		{"active becomes ended", active.ID(), domain.DealStatusEnded},
		{"missed window ends", missed.ID(), domain.DealStatusEnded},
		{"future window untouched", later.ID(), domain.DealStatusUpcoming},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := products.FindByID(ctx, tt.id)
			if p.Status() != tt.want {
				t.Errorf("status = %s, want %s", p.Status(), tt.want)
			}
		})
	}
}

func TestProductStatusUpdateService_IsolatesFailures(t *testing.T) {
	products := newMockProductRepository()
	ctx := context.Background()
	failing := newProductWindow(products, testNow.Add(-time.Hour), testNow.Add(time.Minute))
	healthy := newProductWindow(products, testNow.Add(-time.Hour), testNow.Add(time.Minute))
	products.saveErr[failing.ID()] = errStoreDown

	svc := NewProductStatusUpdateService(products, time.Minute, nil)
	n, err := svc.RunOnce(ctx, testNow.Add(time.Hour))
	if !errors.Is(err, errStoreDown) {
		t.Errorf("expected store error, got %v", err)
	}
	if n != 1 {
		t.Errorf("changed = %d, want 1", n)
	}
	p, _ := products.FindByID(ctx, healthy.ID())
	if p.Status() != domain.DealStatusEnded {
		t.Errorf("healthy product status = %s", p.Status())
	}
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	locks := newKeyedMutex[int64]()
	unlockA := locks.Lock(1)
	unlockB := locks.Lock(2)
	if locks.size() != 2 {
		t.Fatalf("size = %d", locks.size())
	}

	acquired := make(chan struct{})
	go func() {
		unlock := locks.Lock(1)
		close(acquired)
		unlock()
	}()
	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	<-acquired
	unlockB()
	// 等待 goroutine 完成解锁
	deadline := time.Now().Add(time.Second)
	for locks.size() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if locks.size() != 0 {
		t.Errorf("entries leaked: %d", locks.size())
	}
}
