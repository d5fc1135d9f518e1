package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"pegbridge.com/pkg/common"
	"pegbridge.com/pkg/middleware"
	"pegbridge.com/pkg/ratelimit"
	"pegbridge.com/pkg/xerr"
)

// ResourceCreateOrder 创建订单的 sentinel 资源名
const ResourceCreateOrder = "bridge:create_order"

type RouterOptions struct {
	ServiceName string
	Orders      Orders
	// Limiter 为空时不做 ip 限流
	Limiter     *ratelimit.Store
	CorsOrigins []string
	// Sentinel 开启后创建订单走 sentinel 流控
	Sentinel bool
	// Metrics 注册 gin prometheus 中间件并暴露 /metrics
	Metrics bool
	// Health 依赖探活，返回错误时 /healthz 为 503
	Health func(ctx context.Context) error
}

func NewRouter(opts RouterOptions) *gin.Engine {
	r := gin.New()
	if opts.Metrics {
		p := ginprom.NewPrometheus("pegbridge")
		p.Use(r)
	}

	corsCfg := cors.DefaultConfig()
	if len(opts.CorsOrigins) > 0 {
		corsCfg.AllowOrigins = opts.CorsOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, common.HeaderRequestID)

	r.Use(
		otelgin.Middleware(opts.ServiceName),
		middleware.ReqId(),
		cors.New(corsCfg),
		middleware.Recover(),
	)
	if opts.Limiter != nil {
		r.Use(middleware.RateLimit(opts.Limiter, "/healthz", "/metrics"))
	}

	r.GET("/healthz", func(c *gin.Context) {
		if opts.Health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
			defer cancel()
			if err := opts.Health(ctx); err != nil {
				common.FailErr(c, xerr.Wrap(err, xerr.QueueError, "not ready"))
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := NewOrder(opts.Orders)
	create := []gin.HandlerFunc{h.CreateOrder}
	if opts.Sentinel {
		create = append([]gin.HandlerFunc{middleware.Sentinel(ResourceCreateOrder)}, create...)
	}

	v1 := r.Group("/v1")
	{
		v1.POST("/get_deposit_address", h.GetDepositAddress)
		v1.POST("/orders", create...)
		v1.GET("/orders", h.ListOrders)
		v1.GET("/orders/:id", h.GetOrder)
		v1.POST("/validate_address", h.ValidateAddress)
	}
	return r
}

// NewServer 包一层 http.Server
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}
