package common

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"pegbridge.com/pkg/logger"
)

const (
	HeaderRequestID = "X-Request-Id"
	CtxKeyRequestID = logger.RequestIdKey
	// MaxRequestIDLen 客户端传入的 request id 超过这个长度就重新生成
	MaxRequestIDLen = 64
)

func New() string { return uuid.NewString() }

// ValidRequestID 只接受可打印 ASCII，避免日志注入
func ValidRequestID(rid string) bool {
	if rid == "" || len(rid) > MaxRequestIDLen {
		return false
	}
	for i := 0; i < len(rid); i++ {
		if rid[i] < 0x21 || rid[i] > 0x7e {
			return false
		}
	}
	return true
}

// RequestIDFromGin 获取请求 id
func RequestIDFromGin(c *gin.Context) string {
	if v, ok := c.Get(CtxKeyRequestID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return RequestIDFromContext(c.Request.Context())
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(CtxKeyRequestID).(string)
	return s
}
