// Package audit records one event per classification attempt and admin
// action. Identifiers are masked before they reach the recorder; writes run
// on a detached goroutine so a slow or failing audit store never delays or
// fails the request being audited.
package audit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/protein-classifier/protein-classifier/internal/db/models"
	"github.com/protein-classifier/protein-classifier/internal/db/repositories"
	"github.com/protein-classifier/protein-classifier/internal/safego"
	"github.com/protein-classifier/protein-classifier/internal/telemetry"
)

const (
	writeTimeout = 5 * time.Second

	// insertRetryBackoff is the pause before the single retry of a failed
	// audit insert. After the retry the event is dropped.
	insertRetryBackoff = 100 * time.Millisecond
)

// Entry is what callers supply; the recorder fills in the event ID,
// timestamps, and retention expiry.
type Entry struct {
	MaskedAPIKey string
	MaskedIP     string
	Endpoint     string
	Action       string
	Status       string // models.AuditStatusSuccess or models.AuditStatusError
	ErrorCode    string // empty on success
	Metadata     map[string]any
}

// Recorder writes audit events asynchronously. A nil Recorder is valid and
// records nothing, which keeps test wiring small.
type Recorder struct {
	repo      *repositories.AuditRepository
	retention time.Duration
	logger    *slog.Logger
	shipper   Shipper
}

// NewRecorder creates a recorder retaining events for retentionDays.
func NewRecorder(repo *repositories.AuditRepository, retentionDays int, logger *slog.Logger) *Recorder {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Recorder{
		repo:      repo,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger,
	}
}

// WithShipper routes a copy of every recorded event to a secondary
// destination. Shipping failures are logged, never surfaced; the database
// remains the system of record.
func (r *Recorder) WithShipper(s Shipper) *Recorder {
	r.shipper = s
	return r
}

// NewEventID builds the audit event identifier: the unix timestamp plus
// 8 random bytes, hex encoded. Sortable by second, collision-safe within one.
func NewEventID(now time.Time) string {
	buf := make([]byte, 8)
	rand.Read(buf) //nolint:errcheck // crypto/rand.Read never fails
	return fmt.Sprintf("%d_%s", now.Unix(), hex.EncodeToString(buf))
}

// Record persists one event on a background goroutine. A failed insert is
// retried once and then dropped: failures are counted and logged but never
// surfaced, because the audit trail is best effort by contract and must not
// change the outcome of the audited request.
func (r *Recorder) Record(entry Entry) {
	if r == nil {
		return
	}

	now := time.Now()
	event := &models.AuditEvent{
		EventID:    NewEventID(now),
		OccurredAt: now,
		APIKey:     orDefault(entry.MaskedAPIKey, "anonymous"),
		IPAddress:  orDefault(entry.MaskedIP, "unknown"),
		Endpoint:   entry.Endpoint,
		Action:     entry.Action,
		Status:     entry.Status,
		Metadata:   entry.Metadata,
		ExpiresAt:  now.Add(r.retention),
	}
	if entry.ErrorCode != "" {
		if event.Metadata == nil {
			event.Metadata = map[string]any{}
		}
		event.Metadata["error_code"] = entry.ErrorCode
	}

	safego.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()

		err := r.repo.InsertEvent(ctx, event)
		if err != nil {
			time.Sleep(insertRetryBackoff)
			err = r.repo.InsertEvent(ctx, event)
		}
		if err != nil {
			telemetry.AuditWriteFailuresTotal.Inc()
			r.logger.Warn("audit write failed, event dropped",
				slog.String("event_id", event.EventID),
				slog.String("endpoint", event.Endpoint),
				slog.String("error", err.Error()))
		}
		if r.shipper != nil {
			if err := r.shipper.Ship(ctx, event); err != nil {
				r.logger.Warn("audit ship failed",
					slog.String("event_id", event.EventID),
					slog.String("error", err.Error()))
			}
		}
	})
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
