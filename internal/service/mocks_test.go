package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MorseWayne/flash_sale/internal/domain"
	"github.com/MorseWayne/flash_sale/internal/mq"
	"github.com/MorseWayne/flash_sale/internal/repo"
)

// Mock ProductRepository for testing
type mockProductRepository struct {
	mu       sync.RWMutex
	products map[int64]domain.Product
	nextID   int64
	saveErr  map[int64]error
}

func newMockProductRepository() *mockProductRepository {
	return &mockProductRepository{
		products: make(map[int64]domain.Product),
		nextID:   1,
		saveErr:  make(map[int64]error),
	}
}

func (m *mockProductRepository) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	product = product.WithID(m.nextID)
	m.nextID++
	m.products[product.ID()] = product
	return product, nil
}

func (m *mockProductRepository) FindByID(ctx context.Context, id int64) (domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return domain.Product{}, domain.NotFoundError("product", id)
	}
	return p, nil
}

func (m *mockProductRepository) FindByStatusBefore(ctx context.Context, status domain.DealStatus, instant time.Time) ([]domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Product
	for _, p := range m.products {
		if p.Status() != status {
			continue
		}
		boundary := p.Schedule().StartsAt()
		if status == domain.DealStatusActive {
			boundary = p.Schedule().EndsAt()
		}
		if !boundary.After(instant) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func (m *mockProductRepository) Save(ctx context.Context, product domain.Product) (domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.saveErr[product.ID()]; err != nil {
		return domain.Product{}, err
	}
	if _, ok := m.products[product.ID()]; !ok {
		return domain.Product{}, domain.NotFoundError("product", product.ID())
	}
	m.products[product.ID()] = product
	return product, nil
}

// Mock InventoryRepository，Save 按版本号做乐观锁
type mockInventoryRepository struct {
	mu          sync.RWMutex
	inventories map[int64]domain.InventoryRecord
	nextID      int64
	saves       int

	// conflicts 接下来若干次 Save 模拟其他实例抢先写入
	conflicts int
	// failSaves 指定商品接下来若干次 Save 返回 errStoreDown
	failSaves map[int64]int
}

func newMockInventoryRepository() *mockInventoryRepository {
	return &mockInventoryRepository{
		inventories: make(map[int64]domain.InventoryRecord),
		nextID:      1,
		failSaves:   make(map[int64]int),
	}
}

func (m *mockInventoryRepository) Create(ctx context.Context, inventory domain.Inventory) (domain.Inventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := inventory.Record()
	if _, exists := m.inventories[rec.ProductID]; exists {
		return domain.Inventory{}, repo.ErrDuplicateKey
	}
	rec.ID = m.nextID
	rec.Version = 1
	m.nextID++
	m.inventories[rec.ProductID] = rec
	return domain.RestoreInventory(rec), nil
}

func (m *mockInventoryRepository) FindByProductID(ctx context.Context, productID int64) (domain.Inventory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.inventories[productID]
	if !ok {
		return domain.Inventory{}, domain.NotFoundError("inventory", productID)
	}
	return domain.RestoreInventory(rec), nil
}

func (m *mockInventoryRepository) Save(ctx context.Context, inventory domain.Inventory) (domain.Inventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := inventory.Record()
	stored, ok := m.inventories[rec.ProductID]
	if !ok {
		return domain.Inventory{}, domain.NotFoundError("inventory", rec.ProductID)
	}
	if m.failSaves[rec.ProductID] > 0 {
		m.failSaves[rec.ProductID]--
		return domain.Inventory{}, errStoreDown
	}
	if m.conflicts > 0 {
		m.conflicts--
		stored.Version++
		m.inventories[rec.ProductID] = stored
		return domain.Inventory{}, repo.ErrVersionConflict
	}
	if stored.Version != rec.Version {
		return domain.Inventory{}, repo.ErrVersionConflict
	}
	rec.Version++
	m.inventories[rec.ProductID] = rec
	m.saves++
	return domain.RestoreInventory(rec), nil
}

func (m *mockInventoryRepository) stock(productID int64) domain.Stock {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inventories[productID].Stock
}

func (m *mockInventoryRepository) failNextSaves(productID int64, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSaves[productID] = n
}

func (m *mockInventoryRepository) saveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// Mock OrderRepository
type mockOrderRepository struct {
	mu        sync.RWMutex
	orders    map[string]domain.Order
	byKey     map[string]string
	saveErr   error
	updateErr error
	findErr   error
	created   int

	// onFind 在 FindByID 读到订单后调用，用于让并发调用在同一快照上交汇
	onFind func(id string)
}

func newMockOrderRepository() *mockOrderRepository {
	return &mockOrderRepository{
		orders: make(map[string]domain.Order),
		byKey:  make(map[string]string),
	}
}

func (m *mockOrderRepository) FindByID(ctx context.Context, id string) (domain.Order, error) {
	m.mu.RLock()
	o, ok := m.orders[id]
	hook := m.onFind
	m.mu.RUnlock()
	if !ok {
		return domain.Order{}, domain.NotFoundError("order", id)
	}
	if hook != nil {
		hook(id)
	}
	return o, nil
}

func (m *mockOrderRepository) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	id, ok := m.byKey[key]
	if !ok {
		return nil, nil
	}
	o := m.orders[id]
	return &o, nil
}

func (m *mockOrderRepository) FindByStatusCreatedBefore(ctx context.Context, status domain.OrderStatus, instant time.Time, limit int) ([]domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Order
	for _, o := range m.orders {
		if o.Status() == status && o.CreatedAt().Before(instant) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt().Before(out[j].CreatedAt()) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockOrderRepository) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return domain.Order{}, m.saveErr
	}
	if _, dup := m.byKey[order.IdempotencyKey()]; dup {
		return domain.Order{}, repo.ErrDuplicateKey
	}
	m.byKey[order.IdempotencyKey()] = order.ID()
	m.orders[order.ID()] = order
	m.created++
	return order, nil
}

// UpdateStatus 与 MySQL 实现一致：库中状态不是 from 时返回 ErrVersionConflict
func (m *mockOrderRepository) UpdateStatus(ctx context.Context, order domain.Order, from domain.OrderStatus) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return domain.Order{}, m.updateErr
	}
	stored, ok := m.orders[order.ID()]
	if !ok {
		return domain.Order{}, domain.NotFoundError("order", order.ID())
	}
	if stored.Status() != from {
		return domain.Order{}, fmt.Errorf("order %s is %s, expected %s: %w", order.ID(), stored.Status(), from, repo.ErrVersionConflict)
	}
	m.orders[order.ID()] = order
	return order, nil
}

func (m *mockOrderRepository) put(order domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID()] = order
	m.byKey[order.IdempotencyKey()] = order.ID()
}

// recordingPublisher 记录发布的事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []mq.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event mq.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count(t mq.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

var errStoreDown = errors.New("store unavailable")

// 测试夹具

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func testShipping() domain.Shipping {
	return domain.Shipping{
		RecipientName: "Kim Minji",
		Phone:         "010-1234-5678",
		PostalCode:    "06236",
		Street:        "Teheran-ro 152",
		City:          "Seoul",
		Country:       "KR",
	}
}

// newActiveProduct 创建一个销售窗口包含 testNow 的商品
func newActiveProduct(products *mockProductRepository, salePrice int64) domain.Product {
	price, err := domain.NewPrice(decimal.NewFromInt(salePrice*2), decimal.NewFromInt(salePrice), "KRW")
	if err != nil {
		panic(err)
	}
	schedule, err := domain.NewSchedule(testNow.Add(-time.Hour), testNow.Add(time.Hour), "Asia/Seoul")
	if err != nil {
		panic(err)
	}
	product, err := domain.NewProduct(domain.NewProductParams{
		Title:    "Limited sneakers",
		ImageURL: "https://img.example/sneakers.png",
		Price:    price,
		Schedule: schedule,
	}, testNow)
	if err != nil {
		panic(err)
	}
	created, _ := products.Create(context.Background(), product)
	return created
}

func newTestInventory(inventories *mockInventoryRepository, productID, total, safety, maxPerUser int64) {
	policy, err := domain.NewPolicy(safety, 10*time.Minute, maxPerUser)
	if err != nil {
		panic(err)
	}
	inv, err := domain.NewInventory(productID, domain.MustQuantity(total), policy, testNow)
	if err != nil {
		panic(err)
	}
	if _, err := inventories.Create(context.Background(), inv); err != nil {
		panic(err)
	}
}

// testHarness 组装订单 saga 所需的全部依赖
type testHarness struct {
	products    *mockProductRepository
	inventories *mockInventoryRepository
	orders      *mockOrderRepository
	publisher   *recordingPublisher
	inventory   *inventoryService
	productSvc  *productService
	orderSvc    *orderService
}

func newTestHarness(config *OrderServiceConfig) *testHarness {
	h := &testHarness{
		products:    newMockProductRepository(),
		inventories: newMockInventoryRepository(),
		orders:      newMockOrderRepository(),
		publisher:   &recordingPublisher{},
	}
	h.inventory = NewInventoryService(h.inventories, h.products, nil, h.publisher, nil, nil).(*inventoryService)
	h.inventory.now = fixedClock
	h.productSvc = NewProductService(h.products, h.publisher, nil).(*productService)
	h.productSvc.now = fixedClock
	h.orderSvc = NewOrderService(h.orders, h.products, h.inventory, h.productSvc, h.publisher, config, nil).(*orderService)
	h.orderSvc.now = fixedClock
	return h
}
