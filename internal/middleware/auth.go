// Package middleware provides Gin HTTP middleware for authentication, rate
// limiting, security headers, and request telemetry.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Security → RequestID → Metrics → RateLimit → Auth → Handler
//
// Security headers run first so they appear on all responses including errors.
// Endpoint rate limiting runs before auth to blunt brute-force traffic before
// any store work. Auth populates the caller identity (account for Bearer
// endpoints, API key for classification endpoints); handlers and the audit
// recorder read from that context.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/protein-classifier/protein-classifier/internal/apperrors"
	"github.com/protein-classifier/protein-classifier/internal/auth"
	"github.com/protein-classifier/protein-classifier/internal/db/models"
	"github.com/protein-classifier/protein-classifier/internal/db/repositories"
)

// retryBackoff is the pause before the single retry against a failing store.
const retryBackoff = 100 * time.Millisecond

// Context keys populated by the auth middleware.
const (
	ContextAccountID = "account_id"
	ContextEmail     = "email"
	ContextAPIKey    = "api_key"
	ContextAPIKeyID  = "api_key_id"
	ContextMaskedKey = "masked_key"
	ContextTier      = "tier"
)

// The two middleware failure responses, built once. Each carries its sentinel
// so log lines and callers holding the APIError can still branch with
// errors.Is.
var (
	errUnauthorized = apperrors.NewAPIError(http.StatusUnauthorized,
		apperrors.CodeUnauthorized, "authentication failed", apperrors.ErrAuthentication)
	errStoreUnavailable = apperrors.NewAPIError(http.StatusServiceUnavailable,
		apperrors.CodeStoreUnavailable, "service temporarily unavailable", apperrors.ErrStoreUnavailable)
)

func abortAPIError(c *gin.Context, apiErr *apperrors.APIError) {
	c.AbortWithStatusJSON(apiErr.StatusCode, gin.H{
		"error":      apiErr.Message,
		"error_code": apiErr.Code,
	})
}

// abortUnauthorized rejects with the uniform 401 body. Every credential
// failure produces this exact response so callers cannot probe whether a key
// exists, is revoked, or is merely malformed.
func abortUnauthorized(c *gin.Context) {
	abortAPIError(c, errUnauthorized)
}

func abortStoreUnavailable(c *gin.Context) {
	abortAPIError(c, errStoreUnavailable)
}

// JWTAuthMiddleware validates the Bearer access token on account-facing
// endpoints (key management and audit queries).
func JWTAuthMiddleware(accountRepo *repositories.AccountRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			abortUnauthorized(c)
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			abortUnauthorized(c)
			return
		}

		claims, err := auth.ValidateJWT(token)
		if err != nil {
			abortUnauthorized(c)
			return
		}

		// The token is stateless but the account must still exist: deleted
		// accounts lose access immediately even with an unexpired token.
		account, err := getAccountWithRetry(c.Request.Context(), accountRepo, claims.AccountID)
		if errors.Is(err, apperrors.ErrNotFound) {
			abortUnauthorized(c)
			return
		}
		if err != nil {
			abortStoreUnavailable(c)
			return
		}

		c.Set(ContextAccountID, account.ID)
		c.Set(ContextEmail, account.Email)

		c.Next()
	}
}

// getAccountWithRetry retries the lookup once after a short backoff before
// declaring the store unavailable. A missing account is a definitive answer
// and is returned without retrying; any other failure after the retry is
// wrapped as apperrors.ErrStoreUnavailable so authorization fails closed.
func getAccountWithRetry(ctx context.Context, repo *repositories.AccountRepository, id string) (*models.Account, error) {
	account, err := repo.GetAccountByID(ctx, id)
	if err == nil || errors.Is(err, apperrors.ErrNotFound) {
		return account, err
	}
	time.Sleep(retryBackoff)
	account, err = repo.GetAccountByID(ctx, id)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("account lookup: %w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return account, err
}
