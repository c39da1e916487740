package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/protein-classifier/protein-classifier/internal/apperrors"
	"github.com/protein-classifier/protein-classifier/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLimiter(t *testing.T) (*miniredis.Miniredis, *Limiter) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	limiter := NewLimiter(rdb, discardLogger())
	t.Cleanup(limiter.Close)
	return mr, limiter
}

var testLimits = config.TierLimits{
	RequestsPerMinute: 3,
	SequencesPerDay:   10,
	MaxBatchSize:      5,
}

// ---------------------------------------------------------------------------
// Per-minute request cap
// ---------------------------------------------------------------------------

func TestCheck_MinuteLimit(t *testing.T) {
	_, limiter := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := limiter.Check(ctx, "key_a", testLimits, 1)
		if !d.Allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
		if d.Limit != 3 {
			t.Errorf("Limit = %d, want 3", d.Limit)
		}
		if want := 3 - (i + 1); d.Remaining != want {
			t.Errorf("request %d Remaining = %d, want %d", i+1, d.Remaining, want)
		}
	}

	d := limiter.Check(ctx, "key_a", testLimits, 1)
	if d.Allowed {
		t.Fatal("4th request allowed, want denied")
	}
	if d.Code != apperrors.CodeRateLimitExceeded {
		t.Errorf("Code = %q, want %q", d.Code, apperrors.CodeRateLimitExceeded)
	}
	if !errors.Is(d.Err, apperrors.ErrRateLimited) {
		t.Errorf("Err = %v, want ErrRateLimited", d.Err)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want within (0, 1m]", d.RetryAfter)
	}
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	_, limiter := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		limiter.Check(ctx, "key_a", testLimits, 1)
	}
	if d := limiter.Check(ctx, "key_b", testLimits, 1); !d.Allowed {
		t.Error("key_b denied after key_a exhausted its window")
	}
}

// ---------------------------------------------------------------------------
// Per-day sequence quota
// ---------------------------------------------------------------------------

func TestCheck_DayQuota_AllOrNothing(t *testing.T) {
	_, limiter := newTestLimiter(t)
	ctx := context.Background()
	limits := config.TierLimits{RequestsPerMinute: 100, SequencesPerDay: 10, MaxBatchSize: 50}

	if d := limiter.Check(ctx, "key_a", limits, 6); !d.Allowed {
		t.Fatal("first batch of 6 denied, want allowed")
	}

	// 6 + 5 > 10: denied without charging any of the 5.
	d := limiter.Check(ctx, "key_a", limits, 5)
	if d.Allowed {
		t.Fatal("batch of 5 allowed over quota, want denied")
	}
	if d.Code != apperrors.CodeQuotaExceeded {
		t.Errorf("Code = %q, want %q", d.Code, apperrors.CodeQuotaExceeded)
	}
	if !errors.Is(d.Err, apperrors.ErrQuotaExceeded) {
		t.Errorf("Err = %v, want ErrQuotaExceeded", d.Err)
	}

	// The denied batch left the day counter at 6, so 4 more still fit.
	if d := limiter.Check(ctx, "key_a", limits, 4); !d.Allowed {
		t.Error("batch of 4 denied, want allowed (denied batch must not consume quota)")
	}
}

func TestCheck_MinuteCounterNotRolledBackOnQuotaDenial(t *testing.T) {
	_, limiter := newTestLimiter(t)
	ctx := context.Background()
	limits := config.TierLimits{RequestsPerMinute: 100, SequencesPerDay: 5, MaxBatchSize: 50}

	limiter.Check(ctx, "key_a", limits, 5)
	limiter.Check(ctx, "key_a", limits, 5) // quota denied, request still counted

	requests, sequences := limiter.Usage(ctx, "key_a")
	if requests != 2 {
		t.Errorf("requestsThisMinute = %d, want 2 (denials still count as requests)", requests)
	}
	if sequences != 5 {
		t.Errorf("sequencesToday = %d, want 5", sequences)
	}
}

func TestCheck_SetsWindowTTLs(t *testing.T) {
	mr, limiter := newTestLimiter(t)
	ctx := context.Background()

	limiter.Check(ctx, "key_a", testLimits, 2)

	now := time.Now()
	if ttl := mr.TTL(minuteKey("key_a", now)); ttl <= 0 || ttl > time.Minute {
		t.Errorf("minute key TTL = %v, want within (0, 1m]", ttl)
	}
	if ttl := mr.TTL(dayKey("key_a", now)); ttl <= 0 || ttl > 24*time.Hour {
		t.Errorf("day key TTL = %v, want within (0, 24h]", ttl)
	}
}

// ---------------------------------------------------------------------------
// Redis outage fallback
// ---------------------------------------------------------------------------

func TestCheck_FallsBackWhenRedisDown(t *testing.T) {
	mr, limiter := newTestLimiter(t)
	ctx := context.Background()
	mr.Close()

	for i := 0; i < 3; i++ {
		if d := limiter.Check(ctx, "key_a", testLimits, 1); !d.Allowed {
			t.Fatalf("fallback request %d denied, want allowed", i+1)
		}
	}
	d := limiter.Check(ctx, "key_a", testLimits, 1)
	if d.Allowed {
		t.Error("fallback allowed past the limit, want denied")
	}
	if d.Code != apperrors.CodeRateLimitExceeded {
		t.Errorf("Code = %q, want %q", d.Code, apperrors.CodeRateLimitExceeded)
	}
}

// ---------------------------------------------------------------------------
// Local window behavior
// ---------------------------------------------------------------------------

func TestLocalWindows_ResetAfterExpiry(t *testing.T) {
	lw := newLocalWindows()
	defer lw.stop()

	allowed, _, _ := lw.check("k", 1, 1, 10*time.Millisecond)
	if !allowed {
		t.Fatal("first check denied")
	}
	if allowed, _, _ = lw.check("k", 1, 1, 10*time.Millisecond); allowed {
		t.Fatal("second check allowed within window")
	}

	time.Sleep(20 * time.Millisecond)
	if allowed, _, _ = lw.check("k", 1, 1, 10*time.Millisecond); !allowed {
		t.Error("check denied after window expired")
	}
}

// ---------------------------------------------------------------------------
// Endpoint limiter (GCRA)
// ---------------------------------------------------------------------------

func TestEndpointLimiter_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	limiter := NewEndpointLimiter(rdb, discardLogger())
	t.Cleanup(limiter.Close)

	ctx := context.Background()
	denied := false
	for i := 0; i < 12; i++ {
		d := limiter.Allow(ctx, "ip:203.0.113.7", 10)
		if !d.Allowed {
			denied = true
			if d.Code != apperrors.CodeRateLimitExceeded {
				t.Errorf("Code = %q, want %q", d.Code, apperrors.CodeRateLimitExceeded)
			}
			if d.RetryAfter < time.Second {
				t.Errorf("RetryAfter = %v, want >= 1s", d.RetryAfter)
			}
			break
		}
	}
	if !denied {
		t.Error("12 rapid requests against a 10/min limit never denied")
	}
}

func TestEndpointLimiter_FallsBackWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	limiter := NewEndpointLimiter(rdb, discardLogger())
	t.Cleanup(limiter.Close)
	mr.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if d := limiter.Allow(ctx, "ip:203.0.113.7", 2); !d.Allowed {
			t.Fatalf("fallback request %d denied, want allowed", i+1)
		}
	}
	if d := limiter.Allow(ctx, "ip:203.0.113.7", 2); d.Allowed {
		t.Error("fallback allowed past the limit, want denied")
	}
}
