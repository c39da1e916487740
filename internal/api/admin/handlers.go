// Package admin implements the authenticated audit-log query endpoint.
package admin

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/protein-classifier/protein-classifier/internal/apperrors"
	"github.com/protein-classifier/protein-classifier/internal/auth"
	"github.com/protein-classifier/protein-classifier/internal/config"
	"github.com/protein-classifier/protein-classifier/internal/db/models"
	"github.com/protein-classifier/protein-classifier/internal/db/repositories"
)

// defaultPageSize applies when the limit parameter is absent.
const defaultPageSize = 50

// Handlers implements the /admin endpoints.
type Handlers struct {
	cfg       *config.AuditConfig
	auditRepo *repositories.AuditRepository
}

// NewHandlers creates the admin handlers.
func NewHandlers(cfg *config.AuditConfig, auditRepo *repositories.AuditRepository) *Handlers {
	return &Handlers{cfg: cfg, auditRepo: auditRepo}
}

func abortValidation(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
		"error":      msg,
		"error_code": apperrors.CodeValidation,
	})
}

func abortStoreUnavailable(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
		"error":      "service temporarily unavailable",
		"error_code": apperrors.CodeStoreUnavailable,
	})
}

// GetAuditLogsHandler returns audit events newest first with keyset
// pagination. Query parameters: start_time, end_time (RFC 3339), api_key
// (plaintext or masked; plaintext is masked before matching, so the full key
// never reaches the query), status (success|error), limit, next_token.
// GET /admin/audit-logs
func (h *Handlers) GetAuditLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var filters repositories.AuditFilters

		if raw := c.Query("start_time"); raw != "" {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				abortValidation(c, "start_time must be RFC 3339")
				return
			}
			filters.StartTime = &ts
		}
		if raw := c.Query("end_time"); raw != "" {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				abortValidation(c, "end_time must be RFC 3339")
				return
			}
			filters.EndTime = &ts
		}
		if filters.StartTime != nil && filters.EndTime != nil && filters.EndTime.Before(*filters.StartTime) {
			abortValidation(c, "end_time must not precede start_time")
			return
		}

		if raw := c.Query("api_key"); raw != "" {
			masked := raw
			if !strings.HasPrefix(raw, "****") {
				masked = auth.MaskAPIKey(raw)
			}
			filters.APIKey = &masked
		}

		if raw := c.Query("status"); raw != "" {
			if raw != models.AuditStatusSuccess && raw != models.AuditStatusError {
				abortValidation(c, "status must be success or error")
				return
			}
			filters.Status = &raw
		}

		limit := defaultPageSize
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				abortValidation(c, "limit must be a positive integer")
				return
			}
			limit = n
		}
		if limit > h.cfg.MaxPageSize {
			limit = h.cfg.MaxPageSize
		}

		var cursor *repositories.AuditCursor
		if token := c.Query("next_token"); token != "" {
			var err error
			cursor, err = repositories.DecodeAuditCursor(token)
			if err != nil {
				abortValidation(c, "next_token is not a valid cursor")
				return
			}
		}

		events, next, err := h.auditRepo.QueryEvents(c.Request.Context(), filters, limit, cursor)
		if err != nil {
			abortStoreUnavailable(c)
			return
		}
		total, err := h.auditRepo.CountEvents(c.Request.Context(), filters)
		if err != nil {
			abortStoreUnavailable(c)
			return
		}

		resp := gin.H{
			"logs":  events,
			"total": total,
		}
		if next != nil {
			resp["next_token"] = next.Encode()
		}
		c.JSON(http.StatusOK, resp)
	}
}
