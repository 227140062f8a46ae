// Package api 提供订单、商品与库存的 HTTP 处理器
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MorseWayne/flash_sale/internal/domain"
	"github.com/MorseWayne/flash_sale/internal/middleware"
	"github.com/MorseWayne/flash_sale/internal/repo"
	"github.com/MorseWayne/flash_sale/internal/resp"
)

// getRequestID 获取请求ID
func getRequestID(c *gin.Context) string {
	return middleware.RequestIDFromContext(c.Request.Context())
}

// getTraceID 当前链路 ID，未采样时为空
func getTraceID(c *gin.Context) string {
	return middleware.TraceIDFromContext(c.Request.Context())
}

func parseIDParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func badRequest(c *gin.Context, msg string) {
	resp.Error(c.Writer, http.StatusBadRequest, resp.CodeInvalidParam, msg, getRequestID(c), getTraceID(c))
}

func respondOK[T any](c *gin.Context, data T) {
	resp.OK(c.Writer, data, getRequestID(c), getTraceID(c))
}

func respondCreated[T any](c *gin.Context, data T) {
	resp.WriteJSON(c.Writer, http.StatusCreated, resp.CodeOK, "success", data, getRequestID(c), getTraceID(c))
}

// writeError 将领域错误映射为统一响应，5xx 只记录详情不外泄
func writeError(c *gin.Context, logger *zap.Logger, op string, err error) {
	reqID, traceID := getRequestID(c), getTraceID(c)

	var (
		status = http.StatusInternalServerError
		code   = resp.CodeInternalError
		msg    = "internal server error"
	)
	switch {
	case errors.Is(err, domain.ErrValidation):
		status, code, msg = http.StatusBadRequest, resp.CodeInvalidParam, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		status, code, msg = http.StatusNotFound, resp.CodeNotFound, err.Error()
	case errors.Is(err, domain.ErrOutOfStock):
		status, code, msg = http.StatusConflict, resp.CodeOutOfStock, err.Error()
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, repo.ErrVersionConflict):
		status, code, msg = http.StatusConflict, resp.CodeConflict, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		status, code, msg = resp.HTTPStatusFromCode(resp.CodeTimeout), resp.CodeTimeout, "request timeout"
	}

	if status >= http.StatusInternalServerError {
		logger.Error(op+" failed", zap.String("request_id", reqID), zap.String("trace_id", traceID), zap.Error(err))
	} else {
		logger.Warn(op+" rejected", zap.String("request_id", reqID), zap.Error(err))
	}
	resp.Error(c.Writer, status, code, msg, reqID, traceID)
}
