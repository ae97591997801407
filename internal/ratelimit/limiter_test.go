package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BurstPassesWithoutWaiting(t *testing.T) {
	l := NewLimiter(1, 3)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiter_WaitDelaysBeyondBurst(t *testing.T) {
	l := NewLimiter(50, 1)

	require.NoError(t, l.Wait(context.Background()))
	start := time.Now()
	require.NoError(t, l.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	l := NewLimiter(0.1, 1)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassifyRPCError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{errors.New("context deadline exceeded"), "timeout"},
		{errors.New("i/o timeout"), "timeout"},
		{errors.New("429 Too Many Requests"), "rate_limited"},
		{errors.New("rate limit hit"), "rate_limited"},
		{errors.New("HTTP 502 from upstream"), "server_error"},
		{errors.New("internal server error"), "server_error"},
		{errors.New("dial tcp: connection refused"), "network_error"},
		{errors.New("unexpected EOF"), "network_error"},
		{errors.New("invalid params"), "client_error"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyRPCError(tt.err), "err=%v", tt.err)
	}
}
