package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const requestKey = "request"

// BindJsonMiddleware 解析 JSON 请求体并存入上下文，失败时返回 400
func BindJsonMiddleware[T any](c *gin.Context) {
	var cr T
	if err := c.ShouldBindJSON(&cr); err != nil {
		FailWithError(err, c)
		c.Abort()
		return
	}
	c.Set(requestKey, cr)
}

func GetBindRequest[T any](c *gin.Context) T {
	return c.MustGet(requestKey).(T)
}

// requestLogger 把访问日志写入 zap
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
