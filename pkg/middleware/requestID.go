package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"pegbridge.com/pkg/common"
)

// ReqId 透传或生成 X-Request-Id，同时挂到当前 span 上
func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(common.HeaderRequestID)
		if !common.ValidRequestID(rid) {
			rid = common.New()
		}
		c.Set(common.CtxKeyRequestID, rid)
		c.Header(common.HeaderRequestID, rid)

		ctx := context.WithValue(c.Request.Context(), common.CtxKeyRequestID, rid)
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("http.request_id", rid))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
