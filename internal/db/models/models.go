// Package models defines the database model types for the classifier service.
// Each type corresponds to a database table; audit events additionally carry
// db struct tags for sqlx row scanning. Models are pure data types; business
// logic belongs in the handlers, query logic in the repositories layer.
package models

import "time"

// API key lifecycle states. Revoked is terminal: a revoked key never becomes
// active again, and rotation creates a new key rather than reviving the old one.
const (
	APIKeyStatusActive  = "active"
	APIKeyStatusRevoked = "revoked"
)

// Audit event outcome states. Denials and server errors are both "error";
// the error_code metadata field tells them apart.
const (
	AuditStatusSuccess = "success"
	AuditStatusError   = "error"
)

// Account represents a registered caller identified by email.
type Account struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// MagicLinkToken is a single-use login token delivered by email.
type MagicLinkToken struct {
	Token     string
	AccountID string
	Email     string
	Used      bool
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Session is a refresh-token session. Only the sha256 hash of the opaque
// token is stored; the raw sess_ token is returned to the caller once.
type Session struct {
	ID        string
	AccountID string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// APIKey represents an issued API key. The plaintext key is never stored;
// SecretHash is its sha256 hex digest and MaskedKey the ****-prefixed display
// form shown in list responses and audit events.
type APIKey struct {
	ID         string
	AccountID  string
	Name       string // Friendly name (e.g., "CI pipeline key")
	Tier       string // "free" or "premium"
	SecretHash string
	MaskedKey  string
	Status     string
	LastUsedAt *time.Time
	RevokedAt  *time.Time
	CreatedAt  time.Time
}

// IsActive reports whether the key may authorize requests.
func (k *APIKey) IsActive() bool {
	return k.Status == APIKeyStatusActive
}

// AuditEvent is one recorded classification attempt or admin action.
// APIKey and IPAddress are stored pre-masked; raw identifiers never reach
// this table.
type AuditEvent struct {
	EventID    string         `db:"event_id" json:"event_id"`
	OccurredAt time.Time      `db:"occurred_at" json:"timestamp"`
	APIKey     string         `db:"api_key" json:"api_key"`
	IPAddress  string         `db:"ip_address" json:"ip_address"`
	Endpoint   string         `db:"endpoint" json:"endpoint"`
	Action     string         `db:"action" json:"action"`
	Status     string         `db:"status" json:"status"`
	Metadata   map[string]any `db:"-" json:"metadata,omitempty"`
	ExpiresAt  time.Time      `db:"expires_at" json:"-"`
}
