// Package ratelimit enforces the two quota dimensions gating classification
// traffic: a per-minute request cap and a per-day sequence quota, both scoped
// to an API key. Counters live in Redis so every replica sees the same
// windows; a Lua script makes the check-and-increment atomic, which is what
// keeps a batch charge all-or-nothing under concurrent requests. When Redis
// is unreachable the limiter degrades to an in-process window rather than
// rejecting traffic.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/protein-classifier/protein-classifier/internal/apperrors"
	"github.com/protein-classifier/protein-classifier/internal/config"
	"github.com/protein-classifier/protein-classifier/internal/telemetry"
)

// checkAndIncrementScript atomically checks a counter against its limit and
// increments only when the whole increment fits. A denied call leaves the
// counter untouched, so an oversized batch never consumes partial quota.
// Returns {allowed, current value, remaining TTL seconds}.
const checkAndIncrementScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local increment = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = redis.call('GET', key)
local current_value = current and tonumber(current) or 0

if current_value + increment > limit then
	local remaining_ttl = redis.call('TTL', key)
	return {0, current_value, remaining_ttl}
end

local new_value = redis.call('INCRBY', key, increment)

if current_value == 0 then
	redis.call('EXPIRE', key, ttl)
	return {1, new_value, ttl}
end

local remaining_ttl = redis.call('TTL', key)
return {1, new_value, remaining_ttl}
`

var checkAndIncrement = redis.NewScript(checkAndIncrementScript)

const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
)

// Decision is the outcome of a quota check. Limit, Remaining, and Reset
// describe the per-minute window and feed the X-RateLimit-* response headers
// even when the request is allowed. A denied decision carries both the
// response code and the matching sentinel, so callers branch with errors.Is
// without string-comparing codes.
type Decision struct {
	Allowed    bool
	Code       string // error code when denied
	Err        error  // apperrors.ErrRateLimited or apperrors.ErrQuotaExceeded when denied
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// Limiter checks request and sequence quotas against Redis, falling back to
// per-process windows when Redis is down.
type Limiter struct {
	rdb      redis.UniversalClient
	fallback *localWindows
	logger   *slog.Logger
}

// NewLimiter creates a quota limiter backed by the given Redis client.
func NewLimiter(rdb redis.UniversalClient, logger *slog.Logger) *Limiter {
	return &Limiter{
		rdb:      rdb,
		fallback: newLocalWindows(),
		logger:   logger,
	}
}

// Close releases the fallback window sweeper.
func (l *Limiter) Close() {
	l.fallback.stop()
}

// minuteKey and dayKey name the fixed windows. Embedding the window start in
// the key means an expired window simply stops being referenced; no reset
// logic runs on the hot path.
func minuteKey(keyID string, now time.Time) string {
	return fmt.Sprintf("rate_limit:minute:%s:%s", keyID, now.UTC().Format("2006-01-02-15-04"))
}

func dayKey(keyID string, now time.Time) string {
	return fmt.Sprintf("rate_limit:day:%s:%s", keyID, now.UTC().Format("2006-01-02"))
}

// Check enforces both quota dimensions for one request carrying `sequences`
// sequences. The minute counter is charged first and is not rolled back if
// the day quota then denies: a rejected request still counted as a request.
func (l *Limiter) Check(ctx context.Context, keyID string, limits config.TierLimits, sequences int) Decision {
	now := time.Now()

	minuteAllowed, minuteCurrent, minuteTTL := l.checkCounter(ctx, "minute",
		minuteKey(keyID, now), limits.RequestsPerMinute, 1, minuteWindow)
	if !minuteAllowed {
		telemetry.RateLimitDecisionsTotal.WithLabelValues("minute", "denied").Inc()
		return Decision{
			Allowed:    false,
			Code:       apperrors.CodeRateLimitExceeded,
			Err:        apperrors.ErrRateLimited,
			Limit:      limits.RequestsPerMinute,
			Remaining:  0,
			Reset:      now.Add(minuteTTL),
			RetryAfter: minuteTTL,
		}
	}
	telemetry.RateLimitDecisionsTotal.WithLabelValues("minute", "allowed").Inc()

	dayAllowed, _, dayTTL := l.checkCounter(ctx, "day",
		dayKey(keyID, now), limits.SequencesPerDay, int64(sequences), dayWindow)
	if !dayAllowed {
		telemetry.RateLimitDecisionsTotal.WithLabelValues("day", "denied").Inc()
		return Decision{
			Allowed:    false,
			Code:       apperrors.CodeQuotaExceeded,
			Err:        apperrors.ErrQuotaExceeded,
			Limit:      limits.RequestsPerMinute,
			Remaining:  remaining(limits.RequestsPerMinute, minuteCurrent),
			Reset:      now.Add(dayTTL),
			RetryAfter: dayTTL,
		}
	}
	telemetry.RateLimitDecisionsTotal.WithLabelValues("day", "allowed").Inc()

	return Decision{
		Allowed:   true,
		Limit:     limits.RequestsPerMinute,
		Remaining: remaining(limits.RequestsPerMinute, minuteCurrent),
		Reset:     now.Add(minuteTTL),
	}
}

// checkCounter runs the atomic script, degrading to the in-process window on
// any Redis failure.
func (l *Limiter) checkCounter(ctx context.Context, kind, key string, limit int, increment int64, window time.Duration) (allowed bool, current int64, ttl time.Duration) {
	result, err := checkAndIncrement.Run(ctx, l.rdb, []string{key}, limit, increment, int(window.Seconds())).Int64Slice()
	if err == nil && len(result) == 3 {
		ttlSeconds := result[2]
		if ttlSeconds < 1 {
			// TTL -1/-2 means the key vanished between calls; retry soon.
			ttlSeconds = 1
		}
		return result[0] == 1, result[1], time.Duration(ttlSeconds) * time.Second
	}

	if err != nil {
		l.logger.Warn("rate limiter falling back to in-process window",
			slog.String("kind", kind),
			slog.String("error", err.Error()))
	}
	telemetry.RateLimiterFallbacksTotal.Inc()

	return l.fallback.check(key, limit, increment, window)
}

// Usage reports the live counter values for an API key. Used by key listing;
// Redis outages report zeros rather than failing the request.
func (l *Limiter) Usage(ctx context.Context, keyID string) (requestsThisMinute, sequencesToday int64) {
	now := time.Now()
	if v, err := l.rdb.Get(ctx, minuteKey(keyID, now)).Int64(); err == nil {
		requestsThisMinute = v
	}
	if v, err := l.rdb.Get(ctx, dayKey(keyID, now)).Int64(); err == nil {
		sequencesToday = v
	}
	return requestsThisMinute, sequencesToday
}

func remaining(limit int, current int64) int {
	r := limit - int(current)
	if r < 0 {
		return 0
	}
	return r
}
