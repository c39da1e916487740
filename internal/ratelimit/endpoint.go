package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/protein-classifier/protein-classifier/internal/apperrors"
	"github.com/protein-classifier/protein-classifier/internal/telemetry"
)

// EndpointLimiter throttles the unauthenticated and admin surfaces: login
// attempts per IP and audit queries per caller. These are plain
// requests-per-minute limits with no quota dimension, so GCRA via redis_rate
// fits better than the fixed-window script.
type EndpointLimiter struct {
	limiter  *redis_rate.Limiter
	fallback *localWindows
	logger   *slog.Logger
}

// NewEndpointLimiter creates a GCRA limiter on the shared Redis client.
func NewEndpointLimiter(rdb redis.UniversalClient, logger *slog.Logger) *EndpointLimiter {
	return &EndpointLimiter{
		limiter:  redis_rate.NewLimiter(rdb),
		fallback: newLocalWindows(),
		logger:   logger,
	}
}

// Close releases the fallback window sweeper.
func (e *EndpointLimiter) Close() {
	e.fallback.stop()
}

// Allow checks one request against a per-minute limit keyed by caller
// identity (IP or account ID). Redis failures degrade to the in-process
// window, same as the quota limiter.
func (e *EndpointLimiter) Allow(ctx context.Context, key string, perMinute int) Decision {
	res, err := e.limiter.Allow(ctx, "endpoint_limit:"+key, redis_rate.PerMinute(perMinute))
	if err != nil {
		e.logger.Warn("endpoint limiter falling back to in-process window",
			slog.String("key", key),
			slog.String("error", err.Error()))
		telemetry.RateLimiterFallbacksTotal.Inc()

		allowed, current, ttl := e.fallback.check("endpoint_limit:"+key, perMinute, 1, time.Minute)
		d := Decision{
			Allowed:   allowed,
			Limit:     perMinute,
			Remaining: remaining(perMinute, current),
			Reset:     time.Now().Add(ttl),
		}
		if !allowed {
			d.Code = apperrors.CodeRateLimitExceeded
			d.Err = apperrors.ErrRateLimited
			d.RetryAfter = ttl
		}
		return d
	}

	d := Decision{
		Allowed:   res.Allowed > 0,
		Limit:     perMinute,
		Remaining: res.Remaining,
		Reset:     time.Now().Add(res.ResetAfter),
	}
	if !d.Allowed {
		d.Code = apperrors.CodeRateLimitExceeded
		d.Err = apperrors.ErrRateLimited
		d.RetryAfter = res.RetryAfter
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
	}
	return d
}
