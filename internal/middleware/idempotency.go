package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/MorseWayne/flash_sale/internal/resp"
)

// 幂等键请求头
const (
	HeaderIdempotencyKey       = "Idempotency-Key"
	HeaderLegacyIdempotencyKey = "X-Idempotency-Key"
	maxIdempotencyKeyLen       = 128
)

const contextKeyIdempotency contextKey = "idempotency_key"

// Idempotency 读取幂等键并写入上下文，required 时缺失直接返回 400
//
// 幂等性本身由下单服务按 (幂等键 → 订单) 保证，这里只负责提取与校验。
func Idempotency(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
			if key == "" {
				key = strings.TrimSpace(r.Header.Get(HeaderLegacyIdempotencyKey))
			}

			reqID := RequestIDFromContext(r.Context())
			if key == "" && required {
				resp.Error(w, http.StatusBadRequest, resp.CodeInvalidParam, "Idempotency-Key header required", reqID, "")
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				resp.Error(w, http.StatusBadRequest, resp.CodeInvalidParam, "Idempotency-Key too long", reqID, "")
				return
			}
			if key != "" {
				r = r.WithContext(context.WithValue(r.Context(), contextKeyIdempotency, key))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdempotencyKeyFromContext 读取幂等键（可能为空）
func IdempotencyKeyFromContext(ctx context.Context) string {
	s, _ := ctx.Value(contextKeyIdempotency).(string)
	return s
}
