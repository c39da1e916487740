// ratelimit.go provides Gin middleware enforcing per-caller request limits on
// the unauthenticated and admin surfaces: login attempts per IP and audit
// queries per account. Tier quota enforcement for classification lives in the
// classify handlers because the sequence count is only known after the body
// is parsed.
package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/protein-classifier/protein-classifier/internal/ratelimit"
)

// RateLimitKeyFunc derives the limiter key for a request.
type RateLimitKeyFunc func(c *gin.Context) string

// KeyByClientIP buckets requests by caller address. Used on the auth
// endpoints where no credential exists yet.
func KeyByClientIP(c *gin.Context) string {
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}

// KeyByAccount buckets requests by the authenticated account, falling back
// to the client IP before auth has run.
func KeyByAccount(c *gin.Context) string {
	if accountID := c.GetString(ContextAccountID); accountID != "" {
		return "account:" + accountID
	}
	return KeyByClientIP(c)
}

// EndpointRateLimitMiddleware enforces a fixed requests-per-minute limit
// keyed by keyFn, answering 429 with retry-after semantics on denial.
func EndpointRateLimitMiddleware(limiter *ratelimit.EndpointLimiter, perMinute int, keyFn RateLimitKeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := limiter.Allow(c.Request.Context(), keyFn(c), perMinute)

		SetRateLimitHeaders(c, d)
		if !d.Allowed {
			retryAfter := int(d.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"error_code":  d.Code,
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}

// SetRateLimitHeaders writes the standard limit headers from a decision.
// Also used by the classify handlers after their quota check.
func SetRateLimitHeaders(c *gin.Context, d ratelimit.Decision) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}
