// Package apikeys implements the authenticated key-management endpoints:
// register, list, rotate, revoke. The plaintext key is returned exactly once
// from register and rotate; afterwards only the masked form exists anywhere
// in the system. All operations are scoped to the Bearer-authenticated
// account.
package apikeys

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/protein-classifier/protein-classifier/internal/apperrors"
	"github.com/protein-classifier/protein-classifier/internal/audit"
	"github.com/protein-classifier/protein-classifier/internal/auth"
	"github.com/protein-classifier/protein-classifier/internal/db/models"
	"github.com/protein-classifier/protein-classifier/internal/db/repositories"
	"github.com/protein-classifier/protein-classifier/internal/middleware"
	"github.com/protein-classifier/protein-classifier/internal/ratelimit"
)

// Handlers implements the /api-keys endpoints.
type Handlers struct {
	apiKeyRepo *repositories.APIKeyRepository
	limiter    *ratelimit.Limiter
	recorder   *audit.Recorder
}

// NewHandlers creates the key-management handlers. limiter may be nil in
// which case list responses omit live usage counters.
func NewHandlers(apiKeyRepo *repositories.APIKeyRepository, limiter *ratelimit.Limiter, recorder *audit.Recorder) *Handlers {
	return &Handlers{apiKeyRepo: apiKeyRepo, limiter: limiter, recorder: recorder}
}

// RegisterRequest is the body of POST /api-keys/register.
type RegisterRequest struct {
	Label string `json:"label"`
	Tier  string `json:"tier"`
}

// KeyIDRequest is the body of rotate and revoke.
type KeyIDRequest struct {
	APIKeyID string `json:"api_key_id"`
}

func bindStrict(c *gin.Context, dst any) error {
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func abortValidation(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
		"error":      msg,
		"error_code": apperrors.CodeValidation,
	})
}

func abortNotFound(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
		"error":      "api key not found",
		"error_code": apperrors.CodeNotFound,
	})
}

func abortStoreUnavailable(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
		"error":      "service temporarily unavailable",
		"error_code": apperrors.CodeStoreUnavailable,
	})
}

// record emits one audit event for a key-lifecycle action.
func (h *Handlers) record(c *gin.Context, action, maskedKey, status, errorCode string) {
	h.recorder.Record(audit.Entry{
		MaskedAPIKey: maskedKey,
		MaskedIP:     audit.MaskIP(c.ClientIP()),
		Endpoint:     c.FullPath(),
		Action:       action,
		Status:       status,
		ErrorCode:    errorCode,
	})
}

// RegisterHandler issues a new API key for the authenticated account.
// POST /api-keys/register
func (h *Handlers) RegisterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.GetString(middleware.ContextAccountID)

		var req RegisterRequest
		if err := bindStrict(c, &req); err != nil {
			abortValidation(c, "invalid request body")
			return
		}
		if req.Label == "" {
			abortValidation(c, "label is required")
			return
		}
		if req.Tier == "" {
			req.Tier = "free"
		}
		if req.Tier != "free" && req.Tier != "premium" {
			abortValidation(c, "tier must be free or premium")
			return
		}

		keyID, plaintext, hash, err := auth.GenerateAPIKey()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":      "failed to generate key material",
				"error_code": apperrors.CodeInternal,
			})
			return
		}

		key := &models.APIKey{
			ID:         keyID,
			AccountID:  accountID,
			Name:       req.Label,
			Tier:       req.Tier,
			SecretHash: hash,
			MaskedKey:  auth.MaskAPIKey(plaintext),
			Status:     models.APIKeyStatusActive,
		}
		if err := h.apiKeyRepo.CreateAPIKey(c.Request.Context(), key); err != nil {
			abortStoreUnavailable(c)
			return
		}

		h.record(c, "api_key.register", key.MaskedKey, models.AuditStatusSuccess, "")

		c.JSON(http.StatusCreated, gin.H{
			"api_key":    plaintext, // shown exactly once
			"api_key_id": key.ID,
			"label":      key.Name,
			"tier":       key.Tier,
			"created_at": key.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
}

// ListHandler returns the caller's keys, masked, newest first.
// GET /api-keys/list
func (h *Handlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.GetString(middleware.ContextAccountID)

		keys, err := h.apiKeyRepo.ListByAccount(c.Request.Context(), accountID)
		if err != nil {
			abortStoreUnavailable(c)
			return
		}

		out := make([]gin.H, 0, len(keys))
		for _, k := range keys {
			item := gin.H{
				"api_key_id": k.ID,
				"label":      k.Name,
				"tier":       k.Tier,
				"masked_key": k.MaskedKey,
				"status":     k.Status,
				"created_at": k.CreatedAt.UTC().Format(time.RFC3339),
			}
			if k.LastUsedAt != nil {
				item["last_used_at"] = k.LastUsedAt.UTC().Format(time.RFC3339)
			}
			if k.RevokedAt != nil {
				item["revoked_at"] = k.RevokedAt.UTC().Format(time.RFC3339)
			}
			if h.limiter != nil && k.IsActive() {
				requests, sequences := h.limiter.Usage(c.Request.Context(), k.ID)
				item["usage"] = gin.H{
					"requests_this_minute": requests,
					"sequences_today":      sequences,
				}
			}
			out = append(out, item)
		}

		c.JSON(http.StatusOK, gin.H{"keys": out, "total": len(out)})
	}
}

// RotateHandler replaces a key in one transaction: the new key is active and
// the old key revoked the instant the transaction commits. The old key fails
// authorization on its very next use.
// POST /api-keys/rotate
func (h *Handlers) RotateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.GetString(middleware.ContextAccountID)

		var req KeyIDRequest
		if err := bindStrict(c, &req); err != nil || req.APIKeyID == "" {
			abortValidation(c, "api_key_id is required")
			return
		}

		old, err := h.apiKeyRepo.GetAPIKeyByID(c.Request.Context(), req.APIKeyID)
		if errors.Is(err, apperrors.ErrNotFound) {
			abortNotFound(c)
			return
		}
		if err != nil {
			abortStoreUnavailable(c)
			return
		}
		if old.AccountID != accountID {
			// Another account's key answers 404, not 403: key IDs must not be
			// confirmable across accounts.
			abortNotFound(c)
			return
		}
		if !old.IsActive() {
			h.record(c, "api_key.rotate", old.MaskedKey, models.AuditStatusError, apperrors.CodeValidation)
			abortValidation(c, "key is not active")
			return
		}

		keyID, plaintext, hash, err := auth.GenerateAPIKey()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":      "failed to generate key material",
				"error_code": apperrors.CodeInternal,
			})
			return
		}

		newKey := &models.APIKey{
			ID:         keyID,
			AccountID:  accountID,
			Name:       old.Name,
			Tier:       old.Tier,
			SecretHash: hash,
			MaskedKey:  auth.MaskAPIKey(plaintext),
		}
		if err := h.apiKeyRepo.RotateAPIKey(c.Request.Context(), old.ID, accountID, newKey); err != nil {
			if errors.Is(err, apperrors.ErrInvalidTransition) {
				// A concurrent revoke or rotate won the conditional UPDATE
				// between the read above and this transaction.
				h.record(c, "api_key.rotate", old.MaskedKey, models.AuditStatusError, apperrors.CodeValidation)
				abortValidation(c, "key is not active")
				return
			}
			abortStoreUnavailable(c)
			return
		}

		h.record(c, "api_key.rotate", old.MaskedKey, models.AuditStatusSuccess, "")

		c.JSON(http.StatusOK, gin.H{
			"api_key":    plaintext, // shown exactly once
			"api_key_id": newKey.ID,
			"label":      newKey.Name,
			"tier":       newKey.Tier,
			"created_at": newKey.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
}

// RevokeHandler revokes a key. Revoked is terminal, and revoking an
// already-revoked key is an idempotent no-op.
// POST /api-keys/revoke
func (h *Handlers) RevokeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.GetString(middleware.ContextAccountID)

		var req KeyIDRequest
		if err := bindStrict(c, &req); err != nil || req.APIKeyID == "" {
			abortValidation(c, "api_key_id is required")
			return
		}

		key, err := h.apiKeyRepo.GetAPIKeyByID(c.Request.Context(), req.APIKeyID)
		if errors.Is(err, apperrors.ErrNotFound) {
			abortNotFound(c)
			return
		}
		if err != nil {
			abortStoreUnavailable(c)
			return
		}
		if key.AccountID != accountID {
			abortNotFound(c)
			return
		}

		if key.IsActive() {
			// Losing the conditional UPDATE race to a concurrent revoke is
			// fine; the end state is identical.
			if _, err := h.apiKeyRepo.RevokeAPIKey(c.Request.Context(), key.ID, accountID); err != nil {
				abortStoreUnavailable(c)
				return
			}
			h.record(c, "api_key.revoke", key.MaskedKey, models.AuditStatusSuccess, "")
		}

		c.JSON(http.StatusOK, gin.H{
			"revoked":    true,
			"api_key_id": key.ID,
		})
	}
}
