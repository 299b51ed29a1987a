package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, perMinute int) (*TenantLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	l := New(Options{Addr: mr.Addr(), PerMinute: perMinute})
	require.NotNil(t, l)
	t.Cleanup(func() { _ = l.Close() })
	return l, mr
}

func TestNewDisabledReturnsNil(t *testing.T) {
	require.Nil(t, New(Options{Addr: "localhost:6379", PerMinute: 0}))
	require.Nil(t, New(Options{Addr: "localhost:6379", PerMinute: -5}))
}

func TestNilLimiterAdmitsEverything(t *testing.T) {
	var l *TenantLimiter
	allowed, retryAfter, err := l.Allow(context.Background(), "acme")
	require.NoError(t, err)
	require.True(t, allowed)
	require.Zero(t, retryAfter)
}

func TestAllowSpendsTokensUntilEmpty(t *testing.T) {
	l, _ := newLimiter(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := l.Allow(ctx, "acme")
		require.NoError(t, err)
		require.True(t, allowed, "request %d should fit the budget", i)
	}

	allowed, retryAfter, err := l.Allow(ctx, "acme")
	require.NoError(t, err)
	require.False(t, allowed)
	// 2 per minute refills a token every 30s.
	require.Greater(t, retryAfter, time.Duration(0))
	require.LessOrEqual(t, retryAfter, 31*time.Second)
}

func TestBucketsAreScopedPerTenant(t *testing.T) {
	l, mr := newLimiter(t, 1)
	ctx := context.Background()

	allowed, _, err := l.Allow(ctx, "acme")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = l.Allow(ctx, "acme")
	require.NoError(t, err)
	require.False(t, allowed, "acme budget is spent")

	allowed, _, err = l.Allow(ctx, "globex")
	require.NoError(t, err)
	require.True(t, allowed, "another tenant draws from its own bucket")

	require.True(t, mr.Exists("rate:acme"))
	require.True(t, mr.Exists("rate:globex"))
}

func TestRefillRestoresBudget(t *testing.T) {
	// 600 per minute refills 10 tokens per second, so a drained bucket
	// recovers within a short real-time sleep.
	l, _ := newLimiter(t, 600)
	ctx := context.Background()

	for i := 0; i < 600; i++ {
		allowed, _, err := l.Allow(ctx, "acme")
		require.NoError(t, err)
		require.True(t, allowed)
	}
	allowed, _, err := l.Allow(ctx, "acme")
	require.NoError(t, err)
	require.False(t, allowed)

	time.Sleep(200 * time.Millisecond)

	allowed, _, err = l.Allow(ctx, "acme")
	require.NoError(t, err)
	require.True(t, allowed, "elapsed time should have refilled at least one token")
}

func TestStoreFailureFailsOpen(t *testing.T) {
	l, mr := newLimiter(t, 1)
	mr.SetError("forced failure")
	defer mr.SetError("")

	allowed, retryAfter, err := l.Allow(context.Background(), "acme")
	require.Error(t, err)
	require.True(t, allowed, "limiter must not throttle when the store is down")
	require.Zero(t, retryAfter)
}

func TestBucketKeyCarriesTTL(t *testing.T) {
	l, mr := newLimiter(t, 5)
	_, _, err := l.Allow(context.Background(), "acme")
	require.NoError(t, err)
	require.Greater(t, mr.TTL("rate:acme"), time.Duration(0), "idle buckets must expire")
}
