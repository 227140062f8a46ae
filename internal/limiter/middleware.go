package limiter

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MorseWayne/flash_sale/internal/middleware"
	"github.com/MorseWayne/flash_sale/internal/resp"
)

const checkTimeout = 500 * time.Millisecond

// UserKey 优先按用户限流，未登录时按客户端 IP
func UserKey(c *gin.Context) string {
	if uid := middleware.UserIDFromContext(c.Request.Context()); uid > 0 {
		return fmt.Sprintf("user:%d", uid)
	}
	return fmt.Sprintf("ip:%s", c.ClientIP())
}

// PerUser 按用户限流的中间件，key 会带上路由模板，各接口分别计数
//
// 限流后端故障时放行，只记录日志。
func PerUser(l Limiter, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		key := UserKey(c) + ":" + c.FullPath()

		ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
		defer cancel()

		result, err := l.Allow(ctx, key)
		if err != nil {
			logger.Warn("rate limiter unavailable, request allowed",
				zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		if !result.Allowed {
			if result.RetryAfter > 0 {
				secs := int64((result.RetryAfter + time.Second - 1) / time.Second)
				c.Header("Retry-After", strconv.FormatInt(secs, 10))
			}
			reqID := middleware.RequestIDFromContext(c.Request.Context())
			logger.Info("rate limited", zap.String("key", key), zap.String("request_id", reqID))
			resp.Error(c.Writer, http.StatusTooManyRequests, resp.CodeTooManyRequests,
				"too many requests, please retry later", reqID, "")
			c.Abort()
			return
		}
		c.Next()
	}
}
