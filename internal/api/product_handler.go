package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MorseWayne/flash_sale/internal/domain"
	"github.com/MorseWayne/flash_sale/internal/service"
)

// ProductHandler 商品相关的HTTP处理器
type ProductHandler struct {
	productService service.ProductService
	logger         *zap.Logger
}

// NewProductHandler 创建商品处理器实例
func NewProductHandler(productService service.ProductService, logger *zap.Logger) *ProductHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProductHandler{productService: productService, logger: logger}
}

// CreateProduct 上架秒杀商品
// POST /api/v1/admin/products
// 需要管理员权限
func (h *ProductHandler) CreateProduct(c *gin.Context) {
	var cmd domain.CreateProductCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		h.logger.Warn("invalid request body", zap.String("request_id", getRequestID(c)), zap.Error(err))
		badRequest(c, "invalid request body")
		return
	}

	product, err := h.productService.CreateProduct(c.Request.Context(), cmd)
	if err != nil {
		writeError(c, h.logger, "create product", err)
		return
	}

	h.logger.Info("product created",
		zap.String("request_id", getRequestID(c)),
		zap.Int64("product_id", product.ID()),
		zap.String("title", product.Title()),
	)
	respondCreated(c, product)
}

// GetProduct 根据ID获取商品详情
// GET /api/v1/products/:id
func (h *ProductHandler) GetProduct(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		badRequest(c, "invalid product ID")
		return
	}

	product, err := h.productService.GetProduct(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, "get product", err)
		return
	}
	respondOK(c, product)
}
