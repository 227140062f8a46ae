package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	HeaderRequestID = "X-Request-ID"
	HeaderTraceID   = "X-Trace-ID"

	maxRequestIDLen = 128
)

// RequestID 为请求分配请求 ID 并写入响应头和上下文
//
// 来源依次为：合法的 X-Request-ID 请求头、otelhttp 已开启 span 的 trace id、新 UUID。
// 复用 trace id 后，访问日志、响应体和链路系统可以用同一个 ID 关联。
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := TraceIDFromContext(r.Context())
		rid := sanitizeRequestID(r.Header.Get(HeaderRequestID))
		if rid == "" {
			rid = traceID
		}
		if rid == "" {
			rid = uuid.NewString()
		}

		w.Header().Set(HeaderRequestID, rid)
		if traceID != "" {
			w.Header().Set(HeaderTraceID, traceID)
		}
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), rid)))
	})
}

// sanitizeRequestID 拒绝超长或含控制字符的客户端 ID，避免污染日志
func sanitizeRequestID(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || len(v) > maxRequestIDLen {
		return ""
	}
	for _, c := range v {
		if c < 0x21 || c > 0x7e {
			return ""
		}
	}
	return v
}
