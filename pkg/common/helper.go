package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"pegbridge.com/pkg/logger"
	"pegbridge.com/pkg/xerr"
)

// 定义http返回格式，request_id 方便客户端报障时对日志
type Response struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:      http.StatusOK,
		Message:   http.StatusText(http.StatusOK),
		Data:      data,
		RequestID: RequestIDFromGin(c),
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:      code,
		Message:   message,
		Data:      nil,
		RequestID: RequestIDFromGin(c),
	})
}

// FailErr 业务错误按 xerr 码映射 HTTP 状态；对外只回文案，原始错误只进日志
func FailErr(c *gin.Context, err error) {
	code := xerr.CodeOf(err)
	httpStatus := httpStatusOf(code)
	msg := xerr.MsgOf(err)

	fields := []zap.Field{
		zap.String("request_id", RequestIDFromGin(c)),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("biz_code", code),
		zap.Error(err),
	}
	if httpStatus >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "http error", fields...)
	} else {
		logger.Warn(c.Request.Context(), "http error", fields...)
	}
	Fail(c, httpStatus, code, msg)
}

func httpStatusOf(code int) int {
	switch code {
	case xerr.RequestParamsError:
		return http.StatusBadRequest
	case xerr.RecordNotFound:
		return http.StatusNotFound
	case xerr.Conflict:
		return http.StatusConflict
	case xerr.TooManyRequests:
		return http.StatusTooManyRequests
	case xerr.ChainUnavailable:
		return http.StatusBadGateway
	case xerr.QueueError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
