// apikey.go authorizes classification requests by API key. The lookup is a
// deterministic sha256 hash match, so one indexed query resolves the key; no
// per-request password hashing is involved. Store failures fail closed with
// a single retry: a request that cannot be authorized is never classified.
//
// Every rejection is audited here. Requests the handlers never see would
// otherwise leave no trace, and the audit contract is one event per
// classification attempt, denied attempts included.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/protein-classifier/protein-classifier/internal/apperrors"
	"github.com/protein-classifier/protein-classifier/internal/audit"
	"github.com/protein-classifier/protein-classifier/internal/auth"
	"github.com/protein-classifier/protein-classifier/internal/db/models"
	"github.com/protein-classifier/protein-classifier/internal/db/repositories"
	"github.com/protein-classifier/protein-classifier/internal/safego"
)

// APIKeyAuthMiddleware validates the X-API-Key header on classification
// endpoints and populates the key identity in the request context. Rejected
// requests emit the audit event the handler never gets the chance to write.
func APIKeyAuthMiddleware(apiKeyRepo *repositories.APIKeyRepository, recorder *audit.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawKey, err := auth.ExtractAPIKeyFromHeader(c.GetHeader("X-API-Key"))
		if err != nil || !auth.ValidateAPIKeyFormat(rawKey) {
			recordDenied(recorder, c, rawKey, apperrors.CodeUnauthorized)
			abortUnauthorized(c)
			return
		}

		key, err := getKeyWithRetry(c.Request.Context(), apiKeyRepo, auth.HashAPIKey(rawKey))
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			// Revoked and unknown keys are indistinguishable to the caller.
			recordDenied(recorder, c, rawKey, apperrors.CodeUnauthorized)
			abortUnauthorized(c)
			return
		case err != nil:
			// Fail closed. Unreachable store means we cannot know whether the
			// key is valid, and guessing "yes" would let revoked keys through.
			recordDenied(recorder, c, rawKey, apperrors.CodeStoreUnavailable)
			abortStoreUnavailable(c)
			return
		case !key.IsActive():
			recordDenied(recorder, c, rawKey, apperrors.CodeUnauthorized)
			abortUnauthorized(c)
			return
		}

		// Last-used tracking is best effort; never on the request path.
		keyID := key.ID
		safego.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = apiKeyRepo.UpdateLastUsed(ctx, keyID)
		})

		c.Set(ContextAPIKey, key)
		c.Set(ContextAPIKeyID, key.ID)
		c.Set(ContextMaskedKey, key.MaskedKey)
		c.Set(ContextTier, key.Tier)

		c.Next()
	}
}

// recordDenied audits an authorization rejection. The raw key never reaches
// the recorder; it is masked here, and an empty or unparseable header falls
// back to the recorder's anonymous identity.
func recordDenied(recorder *audit.Recorder, c *gin.Context, rawKey, errorCode string) {
	masked := ""
	if rawKey != "" {
		masked = auth.MaskAPIKey(rawKey)
	}
	recorder.Record(audit.Entry{
		MaskedAPIKey: masked,
		MaskedIP:     audit.MaskIP(c.ClientIP()),
		Endpoint:     c.FullPath(),
		Action:       "authorize",
		Status:       models.AuditStatusError,
		ErrorCode:    errorCode,
	})
}

// getKeyWithRetry performs the hash lookup with one retry after a short
// backoff. A miss is a definitive answer and comes back immediately as a
// wrapped apperrors.ErrNotFound; any other failure after the retry is wrapped
// as apperrors.ErrStoreUnavailable.
func getKeyWithRetry(ctx context.Context, repo *repositories.APIKeyRepository, secretHash string) (*models.APIKey, error) {
	key, err := repo.GetAPIKeyBySecretHash(ctx, secretHash)
	if err == nil || errors.Is(err, apperrors.ErrNotFound) {
		return key, err
	}
	time.Sleep(retryBackoff)
	key, err = repo.GetAPIKeyBySecretHash(ctx, secretHash)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("api key lookup: %w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return key, err
}

// KeyFromContext returns the authenticated API key set by
// APIKeyAuthMiddleware, or nil when the request was not key-authenticated.
func KeyFromContext(c *gin.Context) *models.APIKey {
	v, ok := c.Get(ContextAPIKey)
	if !ok {
		return nil
	}
	key, _ := v.(*models.APIKey)
	return key
}
