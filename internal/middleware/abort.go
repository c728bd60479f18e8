package middleware

import "github.com/gin-gonic/gin"

// abort 以统一响应结构 {code, msg} 终止请求，与 HTTP 处理器的响应格式保持一致
func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code": status,
		"msg":  msg,
	})
}
