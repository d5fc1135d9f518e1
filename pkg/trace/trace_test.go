package trace

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitWriter(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitWriter("bridge-test", &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "order.process")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "order.process")
	assert.Contains(t, buf.String(), "bridge-test")
}
