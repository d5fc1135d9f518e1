package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClosers_ReverseOrder(t *testing.T) {
	var c Closers
	var order []string
	c.AddFunc("db", func() { order = append(order, "db") })
	c.AddFunc("redis", func() { order = append(order, "redis") })
	c.Add("http", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		order = append(order, "http")
		return nil
	})

	require.NoError(t, c.Close(time.Second))
	assert.Equal(t, []string{"http", "redis", "db"}, order)

	// 第二次 Close 什么也不做
	require.NoError(t, c.Close(time.Second))
	assert.Len(t, order, 3)
}

func TestClosers_ContinuesAfterError(t *testing.T) {
	var c Closers
	closed := false
	c.AddFunc("db", func() { closed = true })
	c.Add("etcd", func(context.Context) error { return errors.New("lease not found") })

	err := c.Close(time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease not found")
	assert.True(t, closed)
}

func TestStartPprof_EmptyAddr(t *testing.T) {
	assert.Nil(t, StartPprof(""))
}
