// Package ratelimit implements a fixed 60 second window limiter on Redis
// INCR, shared across gateway replicas.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ctenopoma/llm-gateway/internal/apierror"
)

const window = 60 * time.Second

type Limiter struct {
	client *redis.Client
	logger *zap.Logger
}

func NewLimiter(client *redis.Client, logger *zap.Logger) *Limiter {
	return &Limiter{client: client, logger: logger}
}

// KeyForAPIKey scopes the window to a bearer key.
func KeyForAPIKey(keyID string) string {
	return "ratelimit:key:" + keyID
}

// KeyForDelegation scopes the window to an app and user pair so one noisy
// user cannot exhaust an app's whole allowance.
func KeyForDelegation(appID, userOID string) string {
	return fmt.Sprintf("ratelimit:app:%s:%s", appID, userOID)
}

// Allow consumes one slot in the current window. On rejection the returned
// error is rate-limited with Retry-After set from the window TTL.
func (l *Limiter) Allow(ctx context.Context, key string, limit int) error {
	if limit <= 0 {
		return nil
	}

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		// Redis loss degrades to allowing traffic; blocking everything on a
		// cache outage is the worse failure mode here.
		l.logger.Warn("rate limiter unavailable, allowing request", zap.Error(err))
		return nil
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, window).Err(); err != nil {
			l.logger.Warn("failed to set rate limit window expiry", zap.Error(err))
		}
	}

	if count > int64(limit) {
		retryAfter := int(window / time.Second)
		if ttl, err := l.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
			retryAfter = int(ttl/time.Second) + 1
		}
		rlErr := apierror.Newf(apierror.KindRateLimited,
			"rate limit of %d requests per minute exceeded", limit)
		rlErr.RetryAfter = retryAfter
		return rlErr
	}
	return nil
}

// Remaining reports how many slots are left in the current window, for
// response headers and introspection.
func (l *Limiter) Remaining(ctx context.Context, key string, limit int) (int, error) {
	count, err := l.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return limit, nil
	}
	if err != nil {
		return 0, err
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reset clears a window, used by admin tooling after limit changes.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, key).Err()
}
