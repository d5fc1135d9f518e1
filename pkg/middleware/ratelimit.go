package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"pegbridge.com/pkg/common"
	"pegbridge.com/pkg/logger"
	"pegbridge.com/pkg/metrics"
	"pegbridge.com/pkg/ratelimit"
	"pegbridge.com/pkg/xerr"
)

// RateLimit 按 ip + 路由限流；skip 里的路径 (探活、指标) 不限
func RateLimit(store *ratelimit.Store, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if _, ok := skipped[route]; ok {
			c.Next()
			return
		}
		key := c.ClientIP() + ":" + route

		if !store.Allow(key) {
			logger.Warn(c.Request.Context(), "http rate limited",
				zap.String("ip", c.ClientIP()),
				zap.String("route", route),
			)
			metrics.RateLimitBlockTotal.WithLabelValues("http", route, "token_bucket").Inc()
			c.Header("Retry-After", "1")
			common.Fail(c, http.StatusTooManyRequests, xerr.TooManyRequests, xerr.MapErrMsg(xerr.TooManyRequests))
			c.Abort()
			return
		}
		c.Next()
	}
}
