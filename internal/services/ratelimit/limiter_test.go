package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ctenopoma/llm-gateway/internal/apierror"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewLimiter(client, zap.NewNop()), mr
}

func TestAllowWithinLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	key := KeyForAPIKey("k1")

	for i := 0; i < 5; i++ {
		assert.NoError(t, limiter.Allow(ctx, key, 5))
	}

	err := limiter.Allow(ctx, key, 5)
	require.Error(t, err)
	ae := apierror.From(err)
	assert.Equal(t, apierror.KindRateLimited, ae.Kind)
	assert.Greater(t, ae.RetryAfter, 0)
	assert.LessOrEqual(t, ae.RetryAfter, 61)
}

func TestWindowExpiry(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()
	key := KeyForAPIKey("k2")

	require.NoError(t, limiter.Allow(ctx, key, 1))
	require.Error(t, limiter.Allow(ctx, key, 1))

	mr.FastForward(61 * time.Second)
	assert.NoError(t, limiter.Allow(ctx, key, 1))
}

func TestRemaining(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	key := KeyForAPIKey("k3")

	remaining, err := limiter.Remaining(ctx, key, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, remaining)

	require.NoError(t, limiter.Allow(ctx, key, 10))
	require.NoError(t, limiter.Allow(ctx, key, 10))

	remaining, err = limiter.Remaining(ctx, key, 10)
	require.NoError(t, err)
	assert.Equal(t, 8, remaining)
}

func TestSeparateScopes(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	require.NoError(t, limiter.Allow(ctx, KeyForDelegation("app1", "u1"), 1))
	// Different user under the same app has its own window.
	assert.NoError(t, limiter.Allow(ctx, KeyForDelegation("app1", "u2"), 1))
	assert.Error(t, limiter.Allow(ctx, KeyForDelegation("app1", "u1"), 1))
}

func TestZeroLimitDisables(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	for i := 0; i < 100; i++ {
		assert.NoError(t, limiter.Allow(context.Background(), KeyForAPIKey("k4"), 0))
	}
}

func TestReset(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	key := KeyForAPIKey("k5")

	require.NoError(t, limiter.Allow(ctx, key, 1))
	require.Error(t, limiter.Allow(ctx, key, 1))
	require.NoError(t, limiter.Reset(ctx, key))
	assert.NoError(t, limiter.Allow(ctx, key, 1))
}
