package middleware

import (
	"strconv"
	"time"

	"github.com/GoPolymarket/accountgate/internal/pkg/metrics"
	"github.com/gin-gonic/gin"
)

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start).Seconds()

		// 使用路由模板, 避免账户 ID 撑爆 label 基数
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.LatencyBucket.WithLabelValues(endpoint, strconv.Itoa(c.Writer.Status())).Observe(duration)
	}
}
