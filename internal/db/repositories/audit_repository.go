// audit_repository.go implements AuditRepository, providing queries for
// writing audit events and retrieving them with filters and keyset pagination.
// This repository uses sqlx: the dynamic filter set maps naturally onto
// struct-tag scanning, and keyset pages avoid OFFSET scans on a table that
// only ever grows between retention sweeps.
package repositories

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/protein-classifier/protein-classifier/internal/db/models"
)

// AuditRepository handles audit event database operations
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditFilters contains filters for querying audit events. APIKey must
// already be in masked form; callers mask plaintext input before filtering.
type AuditFilters struct {
	StartTime *time.Time
	EndTime   *time.Time
	APIKey    *string
	Status    *string
}

// AuditCursor is the keyset pagination position: the (occurred_at, event_id)
// pair of the last row on the previous page.
type AuditCursor struct {
	OccurredAt time.Time
	EventID    string
}

// Encode serializes the cursor into the opaque next_token form.
func (c *AuditCursor) Encode() string {
	raw := c.OccurredAt.UTC().Format(time.RFC3339Nano) + "|" + c.EventID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeAuditCursor parses a next_token back into a cursor.
func DecodeAuditCursor(token string) (*AuditCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	return &AuditCursor{OccurredAt: ts, EventID: parts[1]}, nil
}

// auditEventRow pairs the model with the raw JSONB metadata column for sqlx scanning.
type auditEventRow struct {
	models.AuditEvent
	RawMetadata []byte `db:"metadata"`
}

// InsertEvent persists one audit event
func (r *AuditRepository) InsertEvent(ctx context.Context, event *models.AuditEvent) error {
	var metadataJSON []byte
	var err error
	if event.Metadata != nil {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return err
		}
	}

	query := `
		INSERT INTO audit_events (event_id, occurred_at, api_key, ip_address, endpoint, action, status, metadata, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		event.EventID,
		event.OccurredAt,
		event.APIKey,
		event.IPAddress,
		event.Endpoint,
		event.Action,
		event.Status,
		metadataJSON,
		event.ExpiresAt,
	)

	return err
}

// QueryEvents retrieves audit events matching the filters, newest first, one
// page at a time. Expired events are excluded even if the retention sweeper
// has not deleted them yet. Returns the page plus the cursor for the next
// page, or nil when the result set is exhausted.
func (r *AuditRepository) QueryEvents(ctx context.Context, filters AuditFilters, limit int, cursor *AuditCursor) ([]*models.AuditEvent, *AuditCursor, error) {
	query := `
		SELECT event_id, occurred_at, api_key, ip_address, endpoint, action, status, metadata, expires_at
		FROM audit_events
		WHERE expires_at > now()
	`

	args := make([]interface{}, 0)
	paramIndex := 1

	if filters.StartTime != nil {
		query += fmt.Sprintf(` AND occurred_at >= $%d`, paramIndex)
		args = append(args, *filters.StartTime)
		paramIndex++
	}

	if filters.EndTime != nil {
		query += fmt.Sprintf(` AND occurred_at <= $%d`, paramIndex)
		args = append(args, *filters.EndTime)
		paramIndex++
	}

	if filters.APIKey != nil {
		query += fmt.Sprintf(` AND api_key = $%d`, paramIndex)
		args = append(args, *filters.APIKey)
		paramIndex++
	}

	if filters.Status != nil {
		query += fmt.Sprintf(` AND status = $%d`, paramIndex)
		args = append(args, *filters.Status)
		paramIndex++
	}

	if cursor != nil {
		// Strictly-before comparison on the (occurred_at, event_id) sort key.
		query += fmt.Sprintf(` AND (occurred_at, event_id) < ($%d, $%d)`, paramIndex, paramIndex+1)
		args = append(args, cursor.OccurredAt, cursor.EventID)
		paramIndex += 2
	}

	// Fetch one extra row to learn whether another page exists.
	query += fmt.Sprintf(` ORDER BY occurred_at DESC, event_id DESC LIMIT $%d`, paramIndex)
	args = append(args, limit+1)

	var rows []auditEventRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, nil, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	events := make([]*models.AuditEvent, 0, len(rows))
	for i := range rows {
		event := rows[i].AuditEvent
		if rows[i].RawMetadata != nil {
			if err := json.Unmarshal(rows[i].RawMetadata, &event.Metadata); err != nil {
				return nil, nil, err
			}
		}
		events = append(events, &event)
	}

	var next *AuditCursor
	if hasMore && len(events) > 0 {
		last := events[len(events)-1]
		next = &AuditCursor{OccurredAt: last.OccurredAt, EventID: last.EventID}
	}

	return events, next, nil
}

// CountEvents returns how many unexpired events match the filters, ignoring
// pagination. Feeds the total field of the query response.
func (r *AuditRepository) CountEvents(ctx context.Context, filters AuditFilters) (int, error) {
	query := `SELECT COUNT(*) FROM audit_events WHERE expires_at > now()`

	args := make([]interface{}, 0)
	paramIndex := 1

	if filters.StartTime != nil {
		query += fmt.Sprintf(` AND occurred_at >= $%d`, paramIndex)
		args = append(args, *filters.StartTime)
		paramIndex++
	}

	if filters.EndTime != nil {
		query += fmt.Sprintf(` AND occurred_at <= $%d`, paramIndex)
		args = append(args, *filters.EndTime)
		paramIndex++
	}

	if filters.APIKey != nil {
		query += fmt.Sprintf(` AND api_key = $%d`, paramIndex)
		args = append(args, *filters.APIKey)
		paramIndex++
	}

	if filters.Status != nil {
		query += fmt.Sprintf(` AND status = $%d`, paramIndex)
		args = append(args, *filters.Status)
	}

	var count int
	err := r.db.GetContext(ctx, &count, query, args...)
	return count, err
}

// DeleteExpired removes events past their retention expiry. Called by the
// retention sweeper.
func (r *AuditRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM audit_events WHERE expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
