package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Gin 将 net/http 风格中间件转换为 gin 中间件
//
// 中间件未调用 next 时视为已写出响应，终止后续处理。
func Gin(mw func(http.Handler) http.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		passed := false
		mw(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			passed = true
			c.Request = r
			c.Next()
		})).ServeHTTP(c.Writer, c.Request)
		if !passed {
			c.Abort()
		}
	}
}
