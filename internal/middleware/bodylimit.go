package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// DefaultBodyLimit 与 SMTP 单封邮件上限一致，程序化接入的正文不会超过它
	DefaultBodyLimit = 10 * 1024 * 1024

	// SmallBodyLimit Webhook 配置等小请求
	SmallBodyLimit = 1 * 1024 * 1024
)

// BodySizeLimit 限制请求体大小。声明长度超限时直接返回 413，未声明长度的请求在读取时截断。
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			abort(c, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", maxBytes))
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
