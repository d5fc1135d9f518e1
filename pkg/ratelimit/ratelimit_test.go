package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestStore_AllowBurst(t *testing.T) {
	s := NewStore(rate.Every(time.Hour), 2, time.Minute)
	assert.True(t, s.Allow("ip:route"))
	assert.True(t, s.Allow("ip:route"))
	assert.False(t, s.Allow("ip:route"), "超过 burst 应被拒绝")
	// 不同 key 独立计数
	assert.True(t, s.Allow("other"))
}

func TestStore_SetLimit(t *testing.T) {
	s := NewStore(rate.Every(time.Hour), 1, time.Minute)
	assert.True(t, s.Allow("k"))
	assert.False(t, s.Allow("k"))

	s.SetLimit(rate.Inf, 1)
	assert.True(t, s.Allow("k"), "已有的桶也换成新速率")
	assert.True(t, s.Allow("new"))
	assert.Equal(t, 2, s.Len())
}

func TestStore_Cleanup(t *testing.T) {
	s := NewStore(rate.Inf, 1, time.Nanosecond)
	s.Allow("a")
	time.Sleep(time.Millisecond)
	s.cleanup()
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.entries)
}

func TestStore_WaitRespectsContext(t *testing.T) {
	s := NewStore(rate.Every(time.Hour), 1, time.Minute)
	require.NoError(t, s.Wait(context.Background(), "k"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Wait(ctx, "k"))
}

var errBenign = errors.New("not found")

func TestManager_TripsOnConsecutiveFailures(t *testing.T) {
	m := NewManager("test", Rule{TripConsecutiveFailures: 2, Timeout: time.Minute}, nil,
		func(err error) bool { return errors.Is(err, errBenign) })
	boom := errors.New("rpc down")

	assert.ErrorIs(t, m.Execute("eth/GetHeight", func() error { return boom }), boom)
	assert.ErrorIs(t, m.Execute("eth/GetHeight", func() error { return boom }), boom)
	assert.ErrorIs(t, m.Execute("eth/GetHeight", func() error { return nil }), gobreaker.ErrOpenState)

	// 其他资源不受影响
	assert.NoError(t, m.Execute("eth/GetReceipt", func() error { return nil }))
}

func TestManager_BenignErrorsDoNotTrip(t *testing.T) {
	m := NewManager("test", Rule{TripConsecutiveFailures: 1, Timeout: time.Minute}, nil,
		func(err error) bool { return errors.Is(err, errBenign) })
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, m.Execute("r", func() error { return errBenign }), errBenign)
	}
	assert.Equal(t, gobreaker.StateClosed, m.Get("r").State())
}
