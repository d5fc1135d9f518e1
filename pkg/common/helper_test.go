package common

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pegbridge.com/pkg/xerr"
)

func TestFailErr(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name   string
		err    error
		status int
		code   int
		msg    string
	}{
		{"bad params", xerr.New(xerr.RequestParamsError, "user is required"), http.StatusBadRequest, 400, "user is required"},
		{"not found", xerr.Wrap(errors.New("record not found"), xerr.RecordNotFound, "order not found"), http.StatusNotFound, 404, "order not found"},
		{"chain", xerr.NewErrCode(xerr.ChainUnavailable), http.StatusBadGateway, 502, "链节点不可用"},
		{"plain error hides detail", errors.New("dial tcp 10.0.0.1:5432: refused"), http.StatusInternalServerError, 500, "服务器开小差了"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/v1/orders/x", nil)
			c.Set(CtxKeyRequestID, "rid-"+tc.name)

			FailErr(c, tc.err)

			assert.Equal(t, tc.status, w.Code)
			var resp Response
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tc.code, resp.Code)
			assert.Equal(t, tc.msg, resp.Message)
			assert.Nil(t, resp.Data)
			assert.Equal(t, "rid-"+tc.name, resp.RequestID)
		})
	}
}

func TestValidRequestID(t *testing.T) {
	assert.True(t, ValidRequestID("3f2c-abc_01"))
	assert.False(t, ValidRequestID(""))
	assert.False(t, ValidRequestID("has space"))
	assert.False(t, ValidRequestID("line\nbreak"))
	assert.False(t, ValidRequestID(strings.Repeat("a", MaxRequestIDLen+1)))
}
