package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/MorseWayne/flash_sale/internal/domain"
	"github.com/MorseWayne/flash_sale/internal/mq"
	"github.com/MorseWayne/flash_sale/internal/repo"
)

var tracer = otel.Tracer("github.com/MorseWayne/flash_sale/internal/service")

// OrderService 订单 saga：预留库存 -> 支付确认 -> 履约，失败或超时时释放预留
type OrderService interface {
	// CreateOrder 同一幂等键重复调用返回首次创建的订单，不再触碰库存
	CreateOrder(ctx context.Context, cmd domain.CreateOrderCommand) (domain.Order, error)
	// CancelOrder 仅 PENDING 订单可取消，释放全部预留
	CancelOrder(ctx context.Context, cmd domain.CancelOrderCommand) (domain.Order, error)
	// CompletePayment 仅 PENDING 订单可支付，预留转为已售
	CompletePayment(ctx context.Context, cmd domain.CompletePaymentCommand) (domain.Order, error)
	GetOrder(ctx context.Context, id string) (domain.Order, error)

	ShipOrder(ctx context.Context, id string) (domain.Order, error)
	DeliverOrder(ctx context.Context, id string) (domain.Order, error)
	// RefundOrder CONFIRMED -> REFUNDED，已售库存不回补
	RefundOrder(ctx context.Context, id string) (domain.Order, error)
}

// OrderServiceConfig 订单服务配置
type OrderServiceConfig struct {
	ShippingFee    decimal.Decimal `json:"shipping_fee"`
	PaymentGateway string          `json:"payment_gateway"`
	// ReservationWindow 仅用于在事件中给出预计过期时间，实际取消由 OrderTimeoutService 执行
	ReservationWindow time.Duration `json:"reservation_window"`
	// RequireActiveProduct 下单时要求商品处于销售窗口内
	RequireActiveProduct bool `json:"require_active_product"`
	// CompensateFailedLines 为 true 时，后续订单行预留失败会立即释放前面已预留的行；
	// 为 false 时保持各行独立，遗留的预留没有归属订单
	CompensateFailedLines bool `json:"compensate_failed_lines"`
}

// DefaultOrderServiceConfig 默认配置
func DefaultOrderServiceConfig() *OrderServiceConfig {
	return &OrderServiceConfig{
		ShippingFee:          domain.DefaultShippingFee,
		PaymentGateway:       "default",
		ReservationWindow:    10 * time.Minute,
		RequireActiveProduct: true,
	}
}

// orderService 实现OrderService接口
type orderService struct {
	orderRepo   repo.OrderRepository
	productRepo repo.ProductRepository
	inventory   InventoryService
	products    ProductService
	publisher   mq.Publisher
	config      *OrderServiceConfig
	logger      *zap.Logger
	locks       *keyedMutex[string]
	now         func() time.Time
	newID       func() string
}

// NewOrderService 创建订单服务实例
func NewOrderService(
	orderRepo repo.OrderRepository,
	productRepo repo.ProductRepository,
	inventory InventoryService,
	products ProductService,
	publisher mq.Publisher,
	config *OrderServiceConfig,
	logger *zap.Logger,
) OrderService {
	if config == nil {
		config = DefaultOrderServiceConfig()
	}
	if publisher == nil {
		publisher = mq.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &orderService{
		orderRepo:   orderRepo,
		productRepo: productRepo,
		inventory:   inventory,
		products:    products,
		publisher:   publisher,
		config:      config,
		logger:      logger,
		locks:       newKeyedMutex[string](),
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// reservation 已成功预留的订单行
type reservation struct {
	productID int64
	quantity  int64
}

// CreateOrder 创建订单
func (s *orderService) CreateOrder(ctx context.Context, cmd domain.CreateOrderCommand) (order domain.Order, err error) {
	if err := cmd.Validate(); err != nil {
		return domain.Order{}, err
	}

	ctx, span := tracer.Start(ctx, "OrderService.CreateOrder", trace.WithAttributes(
		attribute.Int64("user.id", cmd.UserID),
		attribute.String("order.idempotency_key", cmd.IdempotencyKey),
		attribute.Int("order.lines", len(cmd.Items)),
	))
	defer func() { endSpan(span, err) }()
	logger := s.traceLogger(ctx).With(
		zap.Int64("user_id", cmd.UserID),
		zap.String("idempotency_key", cmd.IdempotencyKey))

	// 1. 幂等检查
	existing, err := s.orderRepo.FindByIdempotencyKey(ctx, cmd.IdempotencyKey)
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	if existing != nil {
		if existing.UserID() != cmd.UserID {
			return domain.Order{}, fmt.Errorf("%w: idempotency key already used", domain.ErrValidation)
		}
		logger.Info("idempotent replay, returning existing order", zap.String("order_id", existing.ID()))
		return *existing, nil
	}

	// 2. 冻结商品快照
	now := s.now()
	items := make([]domain.OrderItem, 0, len(cmd.Items))
	for _, line := range cmd.Items {
		product, err := s.productRepo.FindByID(ctx, line.ProductID)
		if err != nil {
			return domain.Order{}, err
		}
		if err := s.checkOnSale(product, now); err != nil {
			return domain.Order{}, err
		}
		item, err := domain.NewOrderItem(line.ProductID, product.Snapshot(line.SelectedOptions), domain.MustQuantity(line.Quantity))
		if err != nil {
			return domain.Order{}, err
		}
		items = append(items, item)
	}

	// 金额计算不依赖库存，放在预留之前，避免计算失败时遗留预留
	pricing, err := domain.CalculatePricing(items, s.config.ShippingFee, cmd.Discount)
	if err != nil {
		return domain.Order{}, err
	}

	// 3. 逐行预留
	reserved := make([]reservation, 0, len(items))
	for _, item := range items {
		inv, err := s.inventory.Reserve(ctx, domain.StockChangeCommand{
			ProductID: item.ProductID,
			Quantity:  item.Quantity.Int64(),
		})
		if err != nil {
			logger.Warn("reservation failed",
				zap.Int64("product_id", item.ProductID),
				zap.Int("reserved_lines", len(reserved)),
				zap.Error(err))
			if s.config.CompensateFailedLines {
				s.undoLines(ctx, logger, "release", reserved, s.inventory.Release)
			}
			return domain.Order{}, err
		}
		reserved = append(reserved, reservation{productID: item.ProductID, quantity: item.Quantity.Int64()})
		s.publish(ctx, logger, mq.EventInventoryReserved, fmt.Sprint(item.ProductID), mq.InventoryEventData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity.Int64(),
			Available: inv.Stock().Available().Int64(),
			Reserved:  inv.Stock().Reserved().Int64(),
		})
	}

	// 4. 持久化 PENDING 订单
	order, err = domain.NewOrder(domain.NewOrderParams{
		ID:             s.newID(),
		UserID:         cmd.UserID,
		Items:          items,
		Shipping:       cmd.Shipping,
		Pricing:        pricing,
		Payment:        domain.NewPendingPayment(cmd.PaymentMethod, s.config.PaymentGateway),
		IdempotencyKey: cmd.IdempotencyKey,
		CreatedAt:      now,
	})
	if err != nil {
		s.undoLines(ctx, logger, "release", reserved, s.inventory.Release)
		return domain.Order{}, err
	}

	saved, err := s.orderRepo.Create(ctx, order)
	if errors.Is(err, repo.ErrDuplicateKey) {
		// 并发的同键请求已先落库，本次预留全部归还
		s.undoLines(ctx, logger, "release", reserved, s.inventory.Release)
		winner, findErr := s.orderRepo.FindByIdempotencyKey(ctx, cmd.IdempotencyKey)
		if findErr != nil || winner == nil {
			return domain.Order{}, fmt.Errorf("failed to load order for idempotency key %s: %w", cmd.IdempotencyKey, errors.Join(err, findErr))
		}
		if winner.UserID() != cmd.UserID {
			return domain.Order{}, fmt.Errorf("%w: idempotency key already used", domain.ErrValidation)
		}
		logger.Info("concurrent duplicate order, returning winner", zap.String("order_id", winner.ID()))
		return *winner, nil
	}
	if err != nil {
		s.undoLines(ctx, logger, "release", reserved, s.inventory.Release)
		return domain.Order{}, fmt.Errorf("failed to save order: %w", err)
	}

	span.SetAttributes(attribute.String("order.id", saved.ID()))
	logger.Info("order created",
		zap.String("order_id", saved.ID()),
		zap.String("total", saved.Pricing().Total().String()),
		zap.String("currency", saved.Pricing().Currency))

	data := orderEventData(saved)
	expiresAt := saved.ExpiresAt(s.config.ReservationWindow)
	data.ExpiresAt = &expiresAt
	s.publish(ctx, logger, mq.EventOrderCreated, saved.ID(), data)
	return saved, nil
}

// CancelOrder 取消订单并释放预留
func (s *orderService) CancelOrder(ctx context.Context, cmd domain.CancelOrderCommand) (order domain.Order, err error) {
	if err := cmd.Validate(); err != nil {
		return domain.Order{}, err
	}
	cancelledBy := cmd.CancelledBy
	if cancelledBy == "" {
		cancelledBy = domain.CancelledByUser
	}

	ctx, span := tracer.Start(ctx, "OrderService.CancelOrder", trace.WithAttributes(
		attribute.String("order.id", cmd.OrderID),
		attribute.String("order.cancelled_by", cancelledBy),
	))
	defer func() { endSpan(span, err) }()
	logger := s.traceLogger(ctx).With(zap.String("order_id", cmd.OrderID))

	unlock := s.locks.Lock(cmd.OrderID)
	defer unlock()

	current, err := s.orderRepo.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return domain.Order{}, err
	}
	// 状态检查先于任何库存变更，非 PENDING 订单不会重复释放
	cancelled, err := current.Cancel(cmd.Reason, cancelledBy, s.now())
	if err != nil {
		return domain.Order{}, err
	}

	saved, _, err := s.settle(ctx, logger, "cancel", current, cancelled, s.inventory.Release, s.inventory.Reserve)
	if err != nil {
		return domain.Order{}, err
	}

	logger.Info("order cancelled",
		zap.String("reason", cmd.Reason),
		zap.String("cancelled_by", cancelledBy))
	data := orderEventData(saved)
	data.Reason = cmd.Reason
	data.CancelledBy = cancelledBy
	s.publish(ctx, logger, mq.EventOrderCancelled, saved.ID(), data)
	for _, item := range saved.Items() {
		s.publish(ctx, logger, mq.EventInventoryReleased, fmt.Sprint(item.ProductID), mq.InventoryEventData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity.Int64(),
			OrderID:   saved.ID(),
		})
	}
	return saved, nil
}

// CompletePayment 支付完成，确认预留
func (s *orderService) CompletePayment(ctx context.Context, cmd domain.CompletePaymentCommand) (order domain.Order, err error) {
	if err := cmd.Validate(); err != nil {
		return domain.Order{}, err
	}

	ctx, span := tracer.Start(ctx, "OrderService.CompletePayment", trace.WithAttributes(
		attribute.String("order.id", cmd.OrderID),
		attribute.String("payment.transaction_id", cmd.TransactionID),
	))
	defer func() { endSpan(span, err) }()
	logger := s.traceLogger(ctx).With(zap.String("order_id", cmd.OrderID))

	unlock := s.locks.Lock(cmd.OrderID)
	defer unlock()

	current, err := s.orderRepo.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return domain.Order{}, err
	}
	paid, err := current.CompletePayment(cmd.TransactionID, s.now())
	if err != nil {
		return domain.Order{}, err
	}

	saved, confirmed, err := s.settle(ctx, logger, "pay", current, paid, s.inventory.Confirm, s.inventory.RevertConfirm)
	if err != nil {
		return domain.Order{}, err
	}
	// 全部售出才标记售罄；仅被预留占满时，取消或超时释放后仍可继续销售
	for _, inv := range confirmed {
		if inv.Stock().Sold() == inv.Stock().Total() {
			s.markSoldOut(ctx, logger, inv.ProductID())
		}
	}

	logger.Info("payment completed", zap.String("transaction_id", cmd.TransactionID))
	data := orderEventData(saved)
	data.TransactionID = cmd.TransactionID
	s.publish(ctx, logger, mq.EventPaymentCompleted, saved.ID(), data)
	return saved, nil
}

// GetOrder 获取订单
func (s *orderService) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	if id == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", domain.ErrValidation)
	}
	return s.orderRepo.FindByID(ctx, id)
}

// ShipOrder 发货
func (s *orderService) ShipOrder(ctx context.Context, id string) (domain.Order, error) {
	return s.fulfil(ctx, id, "ship", mq.EventOrderShipped, domain.Order.Ship)
}

// DeliverOrder 签收
func (s *orderService) DeliverOrder(ctx context.Context, id string) (domain.Order, error) {
	return s.fulfil(ctx, id, "deliver", mq.EventOrderDelivered, domain.Order.Deliver)
}

// RefundOrder 退款
func (s *orderService) RefundOrder(ctx context.Context, id string) (domain.Order, error) {
	return s.fulfil(ctx, id, "refund", mq.EventOrderRefunded, domain.Order.Refund)
}

func (s *orderService) fulfil(ctx context.Context, id, op string, eventType mq.EventType, transition func(domain.Order, time.Time) (domain.Order, error)) (order domain.Order, err error) {
	if id == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", domain.ErrValidation)
	}
	ctx, span := tracer.Start(ctx, "OrderService."+op, trace.WithAttributes(attribute.String("order.id", id)))
	defer func() { endSpan(span, err) }()
	logger := s.traceLogger(ctx).With(zap.String("order_id", id))

	unlock := s.locks.Lock(id)
	defer unlock()

	current, err := s.orderRepo.FindByID(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	next, err := transition(current, s.now())
	if err != nil {
		return domain.Order{}, err
	}
	saved, err := s.orderRepo.UpdateStatus(ctx, next, current.Status())
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to %s order %s: %w", op, id, err)
	}

	logger.Info("order status changed",
		zap.String("from", string(current.Status())),
		zap.String("to", string(saved.Status())))
	s.publish(ctx, logger, eventType, saved.ID(), orderEventData(saved))
	return saved, nil
}

func (s *orderService) checkOnSale(product domain.Product, now time.Time) error {
	if product.Status() == domain.DealStatusSoldOut {
		return fmt.Errorf("%w: product %d is sold out", domain.ErrOutOfStock, product.ID())
	}
	if !s.config.RequireActiveProduct {
		return nil
	}
	// 以时间窗口为准，调度器尚未推进状态时也能正确判断
	if status := product.CalculateStatus(now); status != domain.DealStatusActive {
		return fmt.Errorf("%w: product %d is %s", domain.ErrInvalidState, product.ID(), status)
	}
	return nil
}

// lineOp 对单个订单行执行的库存操作
type lineOp func(ctx context.Context, cmd domain.StockChangeCommand) (domain.Inventory, error)

// settle 推进 PENDING 订单并变更其库存
//
// 先按状态条件写入新状态占住订单，并发的取消、支付或超时扫描只会有一个成功，
// 因此每行库存只会被处理一次。任一行失败时逆序回滚已完成的行，再把订单改回原状态，
// 之后的重试从干净状态开始。
func (s *orderService) settle(ctx context.Context, logger *zap.Logger, op string, current, next domain.Order, apply, undo lineOp) (domain.Order, []domain.Inventory, error) {
	saved, err := s.orderRepo.UpdateStatus(ctx, next, current.Status())
	if err != nil {
		return domain.Order{}, nil, fmt.Errorf("failed to %s order %s: %w", op, current.ID(), err)
	}

	done := make([]reservation, 0, len(current.Items()))
	inventories := make([]domain.Inventory, 0, len(current.Items()))
	for _, item := range current.Items() {
		inv, lineErr := apply(ctx, domain.StockChangeCommand{ProductID: item.ProductID, Quantity: item.Quantity.Int64()})
		if lineErr != nil {
			err = fmt.Errorf("failed to %s product %d for order %s: %w", op, item.ProductID, current.ID(), lineErr)
			break
		}
		done = append(done, reservation{productID: item.ProductID, quantity: item.Quantity.Int64()})
		inventories = append(inventories, inv)
	}
	if err == nil {
		return saved, inventories, nil
	}

	logger.Error("order stock change failed, rolling back",
		zap.String("op", op),
		linesField("done_lines", done),
		zap.Error(err))
	if left := s.undoLines(ctx, logger, op, done, undo); len(left) > 0 {
		logger.Error("order stock left partially changed, reconcile manually",
			zap.String("op", op),
			zap.String("status", string(next.Status())),
			linesField("unreverted_lines", left))
		return domain.Order{}, nil, err
	}
	if _, rbErr := s.orderRepo.UpdateStatus(ctx, current, next.Status()); rbErr != nil {
		logger.Error("stock rolled back but order status not restored",
			zap.String("op", op),
			zap.String("status", string(next.Status())),
			zap.Error(rbErr))
	}
	return domain.Order{}, nil, err
}

// undoLines 逆序回滚已完成的行，失败只记录日志，返回未能回滚的行
func (s *orderService) undoLines(ctx context.Context, logger *zap.Logger, op string, done []reservation, undo lineOp) []reservation {
	var left []reservation
	for i := len(done) - 1; i >= 0; i-- {
		r := done[i]
		if _, err := undo(ctx, domain.StockChangeCommand{ProductID: r.productID, Quantity: r.quantity}); err != nil {
			logger.Error("failed to undo stock change",
				zap.String("op", op),
				zap.Int64("product_id", r.productID),
				zap.Int64("quantity", r.quantity),
				zap.Error(err))
			left = append(left, r)
		}
	}
	return left
}

func linesField(key string, lines []reservation) zap.Field {
	out := make([]string, 0, len(lines))
	for _, r := range lines {
		out = append(out, fmt.Sprintf("%d:%d", r.productID, r.quantity))
	}
	return zap.Strings(key, out)
}

func (s *orderService) markSoldOut(ctx context.Context, logger *zap.Logger, productID int64) {
	if s.products == nil {
		return
	}
	if _, err := s.products.MarkSoldOut(ctx, productID); err != nil {
		logger.Warn("failed to mark product sold out", zap.Int64("product_id", productID), zap.Error(err))
	}
}

func (s *orderService) publish(ctx context.Context, logger *zap.Logger, eventType mq.EventType, key string, data interface{}) {
	event, err := mq.NewEvent(ctx, eventType, key, data, s.now())
	if err == nil {
		err = s.publisher.Publish(ctx, event)
	}
	if err != nil {
		logger.Warn("failed to publish event", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}

func (s *orderService) traceLogger(ctx context.Context) *zap.Logger {
	return s.logger.With(zap.String("trace_id", traceID(ctx)))
}

func orderEventData(o domain.Order) mq.OrderEventData {
	items := make([]mq.EventItem, 0, len(o.Items()))
	for _, item := range o.Items() {
		items = append(items, mq.EventItem{ProductID: item.ProductID, Quantity: item.Quantity.Int64()})
	}
	return mq.OrderEventData{
		OrderID:  o.ID(),
		UserID:   o.UserID(),
		Status:   string(o.Status()),
		Total:    o.Pricing().Total().String(),
		Currency: o.Pricing().Currency,
		Items:    items,
	}
}

// traceID 优先使用当前 span 的 trace id，没有时生成一个
func traceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.New().String()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
