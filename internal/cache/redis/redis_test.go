package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "price:abc", priceKey("abc"))
	assert.Equal(t, "lock:engine", lockKey("engine"))
	assert.Equal(t, "ratelimit:1.2.3.4", rateLimitKey("1.2.3.4"))
}

func TestStreamPayload(t *testing.T) {
	b, ok := streamPayload(map[string]any{"payload": "x"})
	require.True(t, ok)
	assert.Equal(t, []byte("x"), b)

	_, ok = streamPayload(map[string]any{"payload": 3})
	assert.False(t, ok)
}

func TestHasPattern(t *testing.T) {
	assert.True(t, hasPattern("catalog.*"))
	assert.False(t, hasPattern("catalog"))
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	assert.Contains(t, slidingWindowLua, "ZREMRANGEBYSCORE")
}

func runKeepAlive(ttl time.Duration, renew func(context.Context) (bool, error)) (stop chan struct{}, lost chan struct{}, done chan struct{}) {
	stop, lost, done = make(chan struct{}), make(chan struct{}), make(chan struct{})
	go func() {
		keepAlive(ttl, renew, stop, lost)
		close(done)
	}()
	return stop, lost, done
}

func TestKeepAliveReportsTakeover(t *testing.T) {
	_, lost, done := runKeepAlive(30*time.Millisecond, func(context.Context) (bool, error) { return false, nil })
	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("lease loss not reported")
	}
	<-done
}

func TestKeepAliveReportsRenewalOutage(t *testing.T) {
	_, lost, done := runKeepAlive(30*time.Millisecond, func(context.Context) (bool, error) {
		return false, errors.New("connection refused")
	})
	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("lease loss not reported")
	}
	<-done
}

func TestKeepAliveHoldsWhileRenewed(t *testing.T) {
	stop, lost, done := runKeepAlive(30*time.Millisecond, func(context.Context) (bool, error) { return true, nil })
	select {
	case <-lost:
		t.Fatal("healthy lease reported lost")
	case <-time.After(100 * time.Millisecond):
	}
	close(stop)
	<-done
}
