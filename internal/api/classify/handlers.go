// Package classify implements the classification endpoints gated by API key
// auth and tier quotas. Quota enforcement lives here rather than in
// middleware because the daily quota is charged per sequence, and the
// sequence count is only known once the body is parsed. Every attempt emits
// exactly one audit event, whether it succeeds, fails validation, or is
// denied by quota.
package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/protein-classifier/protein-classifier/internal/apperrors"
	"github.com/protein-classifier/protein-classifier/internal/audit"
	"github.com/protein-classifier/protein-classifier/internal/classifier"
	"github.com/protein-classifier/protein-classifier/internal/config"
	"github.com/protein-classifier/protein-classifier/internal/db/models"
	"github.com/protein-classifier/protein-classifier/internal/middleware"
	"github.com/protein-classifier/protein-classifier/internal/ratelimit"
	"github.com/protein-classifier/protein-classifier/internal/telemetry"
)

// maxFASTABody caps the FASTA request body read.
const maxFASTABody = 10 << 20

// Handlers implements the /classify endpoints.
type Handlers struct {
	clf      *classifier.Classifier
	cfg      *config.Config
	limiter  *ratelimit.Limiter
	recorder *audit.Recorder
}

// NewHandlers creates the classification handlers.
func NewHandlers(clf *classifier.Classifier, cfg *config.Config, limiter *ratelimit.Limiter, recorder *audit.Recorder) *Handlers {
	return &Handlers{clf: clf, cfg: cfg, limiter: limiter, recorder: recorder}
}

// SingleRequest is the body of POST /classify.
type SingleRequest struct {
	Sequence string `json:"sequence"`
}

// BatchRequest is the body of POST /classify/batch.
type BatchRequest struct {
	Sequences []string `json:"sequences"`
}

func bindStrict(c *gin.Context, dst any) error {
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// record emits the one audit event this request owes.
func (h *Handlers) record(c *gin.Context, action, status, errorCode string, metadata map[string]any) {
	h.recorder.Record(audit.Entry{
		MaskedAPIKey: c.GetString(middleware.ContextMaskedKey),
		MaskedIP:     audit.MaskIP(c.ClientIP()),
		Endpoint:     c.FullPath(),
		Action:       action,
		Status:       status,
		ErrorCode:    errorCode,
		Metadata:     metadata,
	})
}

// abortValidation answers 422 and audits the attempt.
func (h *Handlers) abortValidation(c *gin.Context, action, msg string) {
	telemetry.ClassificationsTotal.WithLabelValues("validation_error").Inc()
	h.record(c, action, models.AuditStatusError, apperrors.CodeValidation, nil)
	c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
		"error":      msg,
		"error_code": apperrors.CodeValidation,
	})
}

// checkQuota charges the tier quota for a request carrying n sequences.
// Returns false after writing the 429 response (and its audit event).
func (h *Handlers) checkQuota(c *gin.Context, action string, sequences int) bool {
	key := middleware.KeyFromContext(c)
	limits := h.cfg.RateLimits.ForTier(key.Tier)

	d := h.limiter.Check(c.Request.Context(), key.ID, limits, sequences)
	middleware.SetRateLimitHeaders(c, d)
	if d.Allowed {
		return true
	}

	retryAfter := int(d.RetryAfter.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	c.Header("Retry-After", strconv.Itoa(retryAfter))

	msg := "rate limit exceeded"
	if errors.Is(d.Err, apperrors.ErrQuotaExceeded) {
		msg = "daily sequence quota exceeded"
	}
	h.record(c, action, models.AuditStatusError, d.Code,
		map[string]any{"sequences": sequences})
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       msg,
		"error_code":  d.Code,
		"retry_after": retryAfter,
	})
	return false
}

// validateSequence applies the length cap then the residue check.
func (h *Handlers) validateSequence(sequence string) error {
	if sequence == "" {
		return fmt.Errorf("sequence is required")
	}
	if max := h.cfg.Classifier.MaxSequenceLength; len(sequence) > max {
		return fmt.Errorf("sequence exceeds maximum length of %d", max)
	}
	return classifier.ValidateSequence(sequence)
}

// SingleHandler classifies one sequence.
// POST /classify
func (h *Handlers) SingleHandler() gin.HandlerFunc {
	const action = "classify"
	return func(c *gin.Context) {
		var req SingleRequest
		if err := bindStrict(c, &req); err != nil {
			h.abortValidation(c, action, "invalid request body")
			return
		}
		if err := h.validateSequence(req.Sequence); err != nil {
			h.abortValidation(c, action, err.Error())
			return
		}

		if !h.checkQuota(c, action, 1) {
			return
		}

		start := time.Now()
		result, err := h.clf.Classify(req.Sequence)
		if err != nil {
			h.abortValidation(c, action, err.Error())
			return
		}
		elapsed := time.Since(start)

		telemetry.ClassificationsTotal.WithLabelValues("success").Inc()
		telemetry.SequencesClassifiedTotal.Inc()
		h.record(c, action, models.AuditStatusSuccess, "", map[string]any{
			"sequences":          1,
			"processing_time_ms": elapsed.Milliseconds(),
		})

		c.JSON(http.StatusOK, result)
	}
}

// BatchHandler classifies up to the tier's batch cap of sequences. The daily
// quota is charged for the whole batch up front; a batch that does not fit is
// rejected in full with nothing charged and nothing classified.
// POST /classify/batch
func (h *Handlers) BatchHandler() gin.HandlerFunc {
	const action = "classify.batch"
	return func(c *gin.Context) {
		var req BatchRequest
		if err := bindStrict(c, &req); err != nil {
			h.abortValidation(c, action, "invalid request body")
			return
		}
		if len(req.Sequences) == 0 {
			h.abortValidation(c, action, "sequences must not be empty")
			return
		}

		key := middleware.KeyFromContext(c)
		limits := h.cfg.RateLimits.ForTier(key.Tier)
		if len(req.Sequences) > limits.MaxBatchSize {
			h.abortValidation(c, action,
				fmt.Sprintf("batch exceeds maximum of %d sequences for tier %s", limits.MaxBatchSize, key.Tier))
			return
		}

		for i, sequence := range req.Sequences {
			if err := h.validateSequence(sequence); err != nil {
				h.abortValidation(c, action, fmt.Sprintf("sequence %d: %v", i, err))
				return
			}
		}

		if !h.checkQuota(c, action, len(req.Sequences)) {
			return
		}

		h.respondBatch(c, action, req.Sequences, nil)
	}
}

// FASTAHandler accepts a FASTA text body and classifies each record.
// POST /classify/fasta
func (h *Handlers) FASTAHandler() gin.HandlerFunc {
	const action = "classify.fasta"
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFASTABody))
		if err != nil {
			h.abortValidation(c, action, "failed to read request body")
			return
		}

		records, err := classifier.ParseFASTA(string(body))
		if err != nil {
			if !errors.Is(err, apperrors.ErrValidation) {
				telemetry.ClassificationsTotal.WithLabelValues("error").Inc()
				h.record(c, action, models.AuditStatusError, apperrors.CodeInternal, nil)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":      "failed to parse FASTA input",
					"error_code": apperrors.CodeInternal,
				})
				return
			}
			h.abortValidation(c, action, err.Error())
			return
		}

		key := middleware.KeyFromContext(c)
		limits := h.cfg.RateLimits.ForTier(key.Tier)
		if len(records) > limits.MaxBatchSize {
			h.abortValidation(c, action,
				fmt.Sprintf("batch exceeds maximum of %d sequences for tier %s", limits.MaxBatchSize, key.Tier))
			return
		}

		sequences := make([]string, len(records))
		ids := make([]string, len(records))
		for i, record := range records {
			if err := h.validateSequence(record.Sequence); err != nil {
				h.abortValidation(c, action, fmt.Sprintf("record %s: %v", record.ID, err))
				return
			}
			sequences[i] = record.Sequence
			ids[i] = record.ID
		}

		if !h.checkQuota(c, action, len(sequences)) {
			return
		}

		h.respondBatch(c, action, sequences, ids)
	}
}

// respondBatch classifies already-validated, already-charged sequences. ids
// may be nil (JSON batch) or parallel to sequences (FASTA records).
func (h *Handlers) respondBatch(c *gin.Context, action string, sequences []string, ids []string) {
	start := time.Now()
	results := make([]gin.H, 0, len(sequences))
	for i, sequence := range sequences {
		result, err := h.clf.Classify(sequence)
		if err != nil {
			// Unreachable after validation; treated as internal to be safe.
			telemetry.ClassificationsTotal.WithLabelValues("error").Inc()
			h.record(c, action, models.AuditStatusError, apperrors.CodeInternal,
				map[string]any{"sequences": len(sequences)})
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":      "classification failed",
				"error_code": apperrors.CodeInternal,
			})
			return
		}

		item := gin.H{
			"classification": result.Label,
			"confidence":     result.Confidence,
			"conditions_met": result.ConditionsMet,
			"threshold":      result.Threshold,
			"features":       result.Features,
		}
		if ids != nil {
			item["id"] = ids[i]
		}
		results = append(results, item)
	}
	elapsed := time.Since(start)

	telemetry.ClassificationsTotal.WithLabelValues("success").Inc()
	telemetry.SequencesClassifiedTotal.Add(float64(len(sequences)))
	h.record(c, action, models.AuditStatusSuccess, "", map[string]any{
		"sequences":          len(sequences),
		"processing_time_ms": elapsed.Milliseconds(),
	})

	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"total":   len(results),
	})
}
