package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MorseWayne/flash_sale/internal/domain"
	"github.com/MorseWayne/flash_sale/internal/middleware"
	"github.com/MorseWayne/flash_sale/internal/service"
)

// OrderHandler 订单API处理器
type OrderHandler struct {
	orderService service.OrderService
	logger       *zap.Logger
}

// NewOrderHandler 创建订单API处理器
func NewOrderHandler(orderService service.OrderService, logger *zap.Logger) *OrderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderHandler{orderService: orderService, logger: logger}
}

// CreateOrderRequest 下单请求体，幂等键取自 Idempotency-Key 请求头
type CreateOrderRequest struct {
	Items         []domain.OrderLine `json:"items"`
	Shipping      domain.Shipping    `json:"shipping"`
	Discount      decimal.Decimal    `json:"discount"`
	PaymentMethod string             `json:"payment_method"`
}

// CancelOrderRequest 取消订单请求体
type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

// PayOrderRequest 支付回调请求体
type PayOrderRequest struct {
	TransactionID string `json:"transaction_id"`
}

// CreateOrder 下单
// POST /api/v1/orders
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid request body", zap.String("request_id", getRequestID(c)), zap.Error(err))
		badRequest(c, "invalid request body")
		return
	}

	userID := middleware.UserIDFromContext(c.Request.Context())
	cmd := domain.CreateOrderCommand{
		UserID:         userID,
		Items:          req.Items,
		Shipping:       req.Shipping,
		IdempotencyKey: middleware.IdempotencyKeyFromContext(c.Request.Context()),
		Discount:       req.Discount,
		PaymentMethod:  req.PaymentMethod,
	}

	order, err := h.orderService.CreateOrder(c.Request.Context(), cmd)
	if err != nil {
		writeError(c, h.logger, "create order", err)
		return
	}
	respondCreated(c, order)
}

// GetOrder 查询订单，普通用户只能查看自己的订单
// GET /api/v1/orders/:id
func (h *OrderHandler) GetOrder(c *gin.Context) {
	order, ok := h.loadOwned(c)
	if !ok {
		return
	}
	respondOK(c, order)
}

// CancelOrder 用户取消待支付订单
// POST /api/v1/orders/:id/cancel
func (h *OrderHandler) CancelOrder(c *gin.Context) {
	var req CancelOrderRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}

	order, ok := h.loadOwned(c)
	if !ok {
		return
	}

	by := domain.CancelledByUser
	if claims := middleware.ClaimsFromContext(c.Request.Context()); claims != nil && claims.IsAdmin() && claims.UserID != order.UserID() {
		by = domain.CancelledByAdmin
	}
	order, err := h.orderService.CancelOrder(c.Request.Context(), domain.CancelOrderCommand{
		OrderID:     order.ID(),
		Reason:      req.Reason,
		CancelledBy: by,
	})
	if err != nil {
		writeError(c, h.logger, "cancel order", err)
		return
	}
	h.logger.Info("order cancelled",
		zap.String("order_id", order.ID()),
		zap.String("cancelled_by", by),
		zap.String("request_id", getRequestID(c)))
	respondOK(c, order)
}

// PayOrder 支付完成
// POST /api/v1/orders/:id/pay
func (h *OrderHandler) PayOrder(c *gin.Context) {
	var req PayOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	order, ok := h.loadOwned(c)
	if !ok {
		return
	}
	order, err := h.orderService.CompletePayment(c.Request.Context(), domain.CompletePaymentCommand{
		OrderID:       order.ID(),
		TransactionID: req.TransactionID,
	})
	if err != nil {
		writeError(c, h.logger, "complete payment", err)
		return
	}
	respondOK(c, order)
}

// ShipOrder 发货
// POST /api/v1/admin/orders/:id/ship
func (h *OrderHandler) ShipOrder(c *gin.Context) {
	h.fulfil(c, "ship order", h.orderService.ShipOrder)
}

// DeliverOrder 确认送达
// POST /api/v1/admin/orders/:id/deliver
func (h *OrderHandler) DeliverOrder(c *gin.Context) {
	h.fulfil(c, "deliver order", h.orderService.DeliverOrder)
}

// RefundOrder 退款
// POST /api/v1/admin/orders/:id/refund
func (h *OrderHandler) RefundOrder(c *gin.Context) {
	h.fulfil(c, "refund order", h.orderService.RefundOrder)
}

func (h *OrderHandler) fulfil(c *gin.Context, op string, fn func(context.Context, string) (domain.Order, error)) {
	id := c.Param("id")
	if id == "" {
		badRequest(c, "invalid order ID")
		return
	}
	order, err := fn(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, op, err)
		return
	}
	respondOK(c, order)
}

// loadOwned 加载订单并校验归属；他人订单按不存在处理，管理员不受限
func (h *OrderHandler) loadOwned(c *gin.Context) (domain.Order, bool) {
	id := c.Param("id")
	if id == "" {
		badRequest(c, "invalid order ID")
		return domain.Order{}, false
	}
	order, err := h.orderService.GetOrder(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, "get order", err)
		return domain.Order{}, false
	}

	claims := middleware.ClaimsFromContext(c.Request.Context())
	if claims == nil || (!claims.IsAdmin() && claims.UserID != order.UserID()) {
		writeError(c, h.logger, "get order", domain.NotFoundError("order", id))
		return domain.Order{}, false
	}
	return order, true
}
