// Package router 提供 HTTP 路由设置和中间件配置功能
package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MorseWayne/flash_sale/internal/api"
	"github.com/MorseWayne/flash_sale/internal/config"
	"github.com/MorseWayne/flash_sale/internal/limiter"
	"github.com/MorseWayne/flash_sale/internal/middleware"
	"github.com/MorseWayne/flash_sale/internal/resp"
	"github.com/MorseWayne/flash_sale/internal/service"
)

const healthCheckTimeout = 2 * time.Second

// Dependencies 包含路由设置所需的所有依赖
type Dependencies struct {
	OrderHandler     *api.OrderHandler
	ProductHandler   *api.ProductHandler
	InventoryHandler *api.InventoryHandler
	JWTService       service.JWTService

	// OrderLimiter 下单限流，为 nil 时不限流
	OrderLimiter limiter.Limiter

	// HealthChecks 依赖探活（数据库、Redis 等），任一失败 /healthz 返回 503
	HealthChecks map[string]func(context.Context) error
}

// GinRouter Gin路由器实现
type GinRouter struct {
	engine *gin.Engine
	deps   *Dependencies
	cfg    *config.Config
	logger *zap.Logger
}

// New 创建路由并返回 http.Handler
func New(cfg *config.Config, deps *Dependencies, lg *zap.Logger) http.Handler {
	if cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := &GinRouter{engine: gin.New(), deps: deps, cfg: cfg, logger: lg}
	r.setupMiddleware()
	r.setupRoutes()
	return r.engine
}

// setupMiddleware 设置全局中间件，顺序：请求ID -> 访问日志 -> 恢复 -> CORS -> 超时
func (r *GinRouter) setupMiddleware() {
	r.engine.Use(
		middleware.Gin(middleware.RequestID),
		middleware.AccessLog(r.logger),
		middleware.Gin(middleware.Recovery(r.logger)),
		middleware.Gin(middleware.CORS(r.cfg.CORS.AllowedOrigins, r.cfg.CORS.AllowedMethods, r.cfg.CORS.AllowedHeaders)),
		middleware.Gin(middleware.Timeout(r.cfg.App.RequestTimeout)),
	)
	r.engine.NoRoute(func(c *gin.Context) {
		resp.Error(c.Writer, http.StatusNotFound, resp.CodeNotFound, "route not found",
			middleware.RequestIDFromContext(c.Request.Context()), "")
	})
}

// setupRoutes 设置所有路由
func (r *GinRouter) setupRoutes() {
	r.engine.GET("/healthz", r.healthCheck)

	v1 := r.engine.Group("/api/v1")

	// 商品与库存查询（公开）
	products := v1.Group("/products")
	{
		products.GET("/:id", r.deps.ProductHandler.GetProduct)
		products.GET("/:id/inventory", r.deps.InventoryHandler.GetInventory)
	}

	// 订单（需要认证）
	orders := v1.Group("/orders")
	orders.Use(r.authMiddleware())
	{
		orders.POST("", r.orderLimit(), middleware.Gin(middleware.Idempotency(true)), r.deps.OrderHandler.CreateOrder)
		orders.GET("/:id", r.deps.OrderHandler.GetOrder)
		orders.POST("/:id/cancel", r.deps.OrderHandler.CancelOrder)
		orders.POST("/:id/pay", r.deps.OrderHandler.PayOrder)
	}

	// 管理员路由（需要认证+管理员权限）
	admin := v1.Group("/admin")
	admin.Use(r.authMiddleware(), r.adminMiddleware())
	{
		admin.POST("/products", r.deps.ProductHandler.CreateProduct)

		admin.POST("/inventory", r.deps.InventoryHandler.CreateInventory)
		admin.POST("/inventory/:productId/restock", r.deps.InventoryHandler.Restock)
		admin.POST("/inventory/:productId/policy", r.deps.InventoryHandler.UpdatePolicy)

		admin.POST("/orders/:id/ship", r.deps.OrderHandler.ShipOrder)
		admin.POST("/orders/:id/deliver", r.deps.OrderHandler.DeliverOrder)
		admin.POST("/orders/:id/refund", r.deps.OrderHandler.RefundOrder)
	}
}

// healthCheck 健康检查处理器
func (r *GinRouter) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	checks := make(map[string]string, len(r.deps.HealthChecks))
	healthy := true
	for name, check := range r.deps.HealthChecks {
		if err := check(ctx); err != nil {
			healthy = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	data := map[string]any{
		"status":  "ok",
		"version": r.cfg.App.Version,
		"checks":  checks,
	}
	reqID := middleware.RequestIDFromContext(c.Request.Context())
	if !healthy {
		data["status"] = "degraded"
		resp.WriteJSON(c.Writer, http.StatusServiceUnavailable, resp.CodeInternalError, "unhealthy", data, reqID, "")
		return
	}
	resp.OK(c.Writer, data, reqID, "")
}

// authMiddleware JWT 认证，声明写入请求上下文
func (r *GinRouter) authMiddleware() gin.HandlerFunc {
	return middleware.Gin(middleware.AuthMiddleware(r.deps.JWTService, r.logger))
}

// adminMiddleware 管理员权限检查
func (r *GinRouter) adminMiddleware() gin.HandlerFunc {
	return middleware.Gin(middleware.RequireAdmin(r.logger))
}

// orderLimit 按用户的下单限流
func (r *GinRouter) orderLimit() gin.HandlerFunc {
	if r.deps.OrderLimiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return limiter.PerUser(r.deps.OrderLimiter, r.logger)
}
