package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"pegbridge.com/pkg/common"
	"pegbridge.com/pkg/logger"
	"pegbridge.com/pkg/xerr"
)

// Recover handler panic 转成 500；http.ErrAbortHandler 继续往上抛给 net/http
func Recover() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			logger.Error(c.Request.Context(), "http panic",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			if c.Writer.Written() {
				// 已经开始写响应，只能断开
				c.Abort()
				return
			}
			common.Fail(c, http.StatusInternalServerError, xerr.ServerCommonError, xerr.MapErrMsg(xerr.ServerCommonError))
			c.Abort()
		}()
		c.Next()
	}
}
