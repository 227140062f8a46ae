package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MorseWayne/flash_sale/internal/domain"
	"github.com/MorseWayne/flash_sale/internal/service"
)

// InventoryHandler 库存相关的HTTP处理器
type InventoryHandler struct {
	inventoryService service.InventoryService
	logger           *zap.Logger
}

// NewInventoryHandler 创建库存处理器实例
func NewInventoryHandler(inventoryService service.InventoryService, logger *zap.Logger) *InventoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InventoryHandler{inventoryService: inventoryService, logger: logger}
}

// CreateInventoryRequest 创建库存请求，reservation_timeout 为 Go duration 字符串（如 "15m"）
type CreateInventoryRequest struct {
	ProductID          int64  `json:"product_id"`
	TotalQuantity      int64  `json:"total_quantity"`
	SafetyStock        int64  `json:"safety_stock"`
	MaxPurchasePerUser int64  `json:"max_purchase_per_user"`
	ReservationTimeout string `json:"reservation_timeout"`
}

// RestockRequest 补货请求
type RestockRequest struct {
	Quantity int64 `json:"quantity"`
}

// UpdatePolicyRequest 更新库存策略请求
type UpdatePolicyRequest struct {
	SafetyStock        int64  `json:"safety_stock"`
	MaxPurchasePerUser int64  `json:"max_purchase_per_user"`
	ReservationTimeout string `json:"reservation_timeout"`
}

// CreateInventory 创建库存记录
// POST /api/v1/admin/inventory
// 需要管理员权限
func (h *InventoryHandler) CreateInventory(c *gin.Context) {
	var req CreateInventoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid request body", zap.String("request_id", getRequestID(c)), zap.Error(err))
		badRequest(c, "invalid request body")
		return
	}
	timeout, ok := parseTimeout(c, req.ReservationTimeout)
	if !ok {
		return
	}

	inv, err := h.inventoryService.CreateInventory(c.Request.Context(), domain.CreateInventoryCommand{
		ProductID:          req.ProductID,
		TotalQuantity:      req.TotalQuantity,
		SafetyStock:        req.SafetyStock,
		MaxPurchasePerUser: req.MaxPurchasePerUser,
		ReservationTimeout: timeout,
	})
	if err != nil {
		writeError(c, h.logger, "create inventory", err)
		return
	}

	h.logger.Info("inventory created",
		zap.String("request_id", getRequestID(c)),
		zap.Int64("product_id", inv.ProductID()),
		zap.Int64("total", inv.Stock().Total().Int64()),
	)
	respondCreated(c, inv)
}

// GetInventory 查询商品库存
// GET /api/v1/products/:id/inventory
func (h *InventoryHandler) GetInventory(c *gin.Context) {
	productID, ok := parseIDParam(c, "id")
	if !ok {
		badRequest(c, "invalid product ID")
		return
	}
	inv, err := h.inventoryService.GetInventory(c.Request.Context(), productID)
	if err != nil {
		writeError(c, h.logger, "get inventory", err)
		return
	}
	respondOK(c, inv)
}

// Restock 补货
// POST /api/v1/admin/inventory/:productId/restock
func (h *InventoryHandler) Restock(c *gin.Context) {
	productID, ok := parseIDParam(c, "productId")
	if !ok {
		badRequest(c, "invalid product ID")
		return
	}
	var req RestockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	inv, err := h.inventoryService.Restock(c.Request.Context(), domain.StockChangeCommand{
		ProductID: productID,
		Quantity:  req.Quantity,
	})
	if err != nil {
		writeError(c, h.logger, "restock", err)
		return
	}
	h.logger.Info("inventory restocked",
		zap.String("request_id", getRequestID(c)),
		zap.Int64("product_id", productID),
		zap.Int64("quantity", req.Quantity),
	)
	respondOK(c, inv)
}

// UpdatePolicy 更新库存策略
// POST /api/v1/admin/inventory/:productId/policy
func (h *InventoryHandler) UpdatePolicy(c *gin.Context) {
	productID, ok := parseIDParam(c, "productId")
	if !ok {
		badRequest(c, "invalid product ID")
		return
	}
	var req UpdatePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	timeout, ok := parseTimeout(c, req.ReservationTimeout)
	if !ok {
		return
	}

	inv, err := h.inventoryService.UpdatePolicy(c.Request.Context(), domain.UpdatePolicyCommand{
		ProductID:          productID,
		SafetyStock:        req.SafetyStock,
		MaxPurchasePerUser: req.MaxPurchasePerUser,
		ReservationTimeout: timeout,
	})
	if err != nil {
		writeError(c, h.logger, "update policy", err)
		return
	}
	respondOK(c, inv)
}

// parseTimeout 空值使用默认预留时长
func parseTimeout(c *gin.Context, s string) (time.Duration, bool) {
	if s == "" {
		return domain.DefaultPolicy().ReservationTimeout(), true
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		badRequest(c, "invalid reservation_timeout")
		return 0, false
	}
	return d, true
}
