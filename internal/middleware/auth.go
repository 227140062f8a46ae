package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/MorseWayne/flash_sale/internal/resp"
	"github.com/MorseWayne/flash_sale/internal/service"
)

const bearerPrefix = "Bearer "

// AuthMiddleware JWT认证中间件
// 验证请求头中的JWT令牌，并将声明注入到请求上下文中
func AuthMiddleware(jwtService service.JWTService, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := RequestIDFromContext(r.Context())

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.Warn("missing authorization header", zap.String("request_id", reqID))
				resp.Error(w, http.StatusUnauthorized, resp.CodeUnauthorized, "authorization header required", reqID, "")
				return
			}
			if !strings.HasPrefix(authHeader, bearerPrefix) {
				logger.Warn("invalid authorization header format", zap.String("request_id", reqID))
				resp.Error(w, http.StatusUnauthorized, resp.CodeUnauthorized, "invalid authorization header format", reqID, "")
				return
			}
			tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
			if tokenString == "" {
				logger.Warn("empty token", zap.String("request_id", reqID))
				resp.Error(w, http.StatusUnauthorized, resp.CodeUnauthorized, "token required", reqID, "")
				return
			}

			claims, err := jwtService.ValidateAccessToken(tokenString)
			if err != nil {
				logger.Warn("token validation failed", zap.String("request_id", reqID), zap.Error(err))
				switch {
				case errors.Is(err, service.ErrTokenExpired):
					resp.Error(w, http.StatusUnauthorized, resp.CodeUnauthorized, "token expired", reqID, "")
				case errors.Is(err, service.ErrTokenNotReady):
					resp.Error(w, http.StatusUnauthorized, resp.CodeUnauthorized, "token not ready", reqID, "")
				default:
					resp.Error(w, http.StatusUnauthorized, resp.CodeUnauthorized, "invalid token", reqID, "")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

// RequireAdmin 管理员权限中间件，需位于 AuthMiddleware 之后
func RequireAdmin(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := RequestIDFromContext(r.Context())
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				logger.Error("claims not found in context", zap.String("request_id", reqID))
				resp.Error(w, http.StatusUnauthorized, resp.CodeUnauthorized, "authentication required", reqID, "")
				return
			}
			if !claims.IsAdmin() {
				logger.Warn("insufficient permissions",
					zap.String("request_id", reqID),
					zap.Int64("user_id", claims.UserID),
					zap.String("user_role", string(claims.Role)),
				)
				resp.Error(w, http.StatusForbidden, resp.CodeForbidden, "insufficient permissions", reqID, "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ContextWithClaims 将令牌声明写入上下文
func ContextWithClaims(ctx context.Context, claims *service.Claims) context.Context {
	return context.WithValue(ctx, contextKeyClaims, claims)
}

// ClaimsFromContext 读取令牌声明，未认证时为 nil
func ClaimsFromContext(ctx context.Context) *service.Claims {
	if c, ok := ctx.Value(contextKeyClaims).(*service.Claims); ok {
		return c
	}
	return nil
}

// UserIDFromContext 当前用户 ID，未认证时为 0
func UserIDFromContext(ctx context.Context) int64 {
	if c := ClaimsFromContext(ctx); c != nil {
		return c.UserID
	}
	return 0
}
