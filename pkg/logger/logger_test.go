package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 劫持输出到内存 buffer
func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	buffer := &bytes.Buffer{}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.MessageKey = "msg"
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(buffer), zap.DebugLevel)
	old := Log
	Log = zap.New(core)
	t.Cleanup(func() { Log = old })
	return buffer
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "日志输出必须是合法的 JSON")
	return entry
}

func TestLogger_Info_WithTraceID(t *testing.T) {
	buffer := captureLogger(t)
	ctx := context.WithValue(context.Background(), TraceIdKey, "test-trace-12345")
	ctx = context.WithValue(ctx, RequestIdKey, "req-1")

	Info(ctx, "入账记录", zap.String("order_id", "o-1"), zap.Int64("confirmations", 3))

	entry := decode(t, buffer)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "入账记录", entry["msg"])
	assert.Equal(t, "o-1", entry["order_id"])
	assert.Equal(t, float64(3), entry["confirmations"])
	assert.Equal(t, "test-trace-12345", entry["trace_id"])
	assert.Equal(t, "req-1", entry["request_id"])
}

func TestLogger_TraceIDFromSpanContext(t *testing.T) {
	buffer := captureLogger(t)
	tid, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	sid, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	Warn(ctx, "rpc 超时")

	entry := decode(t, buffer)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
}

func TestLogger_Error_NoTraceID(t *testing.T) {
	buffer := captureLogger(t)

	Error(context.Background(), "数据库连接失败", zap.String("db", "mysql"))

	entry := decode(t, buffer)
	_, exists := entry["trace_id"]
	assert.False(t, exists, "没有 TraceID 的 Context 不应该输出 trace_id 字段")
	assert.Equal(t, "error", entry["level"])
}
