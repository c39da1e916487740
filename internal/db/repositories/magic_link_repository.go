// magic_link_repository.go implements MagicLinkRepository, providing database
// queries for creating and atomically consuming single-use login tokens.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/protein-classifier/protein-classifier/internal/apperrors"
	"github.com/protein-classifier/protein-classifier/internal/db/models"
)

// MagicLinkRepository handles magic-link token database operations
type MagicLinkRepository struct {
	db *sql.DB
}

// NewMagicLinkRepository creates a new MagicLinkRepository
func NewMagicLinkRepository(db *sql.DB) *MagicLinkRepository {
	return &MagicLinkRepository{db: db}
}

// CreateToken stores a new single-use login token
func (r *MagicLinkRepository) CreateToken(ctx context.Context, token *models.MagicLinkToken) error {
	token.CreatedAt = time.Now()

	query := `
		INSERT INTO magic_link_tokens (token, account_id, email, used, expires_at, created_at)
		VALUES ($1, $2, $3, false, $4, $5)
	`

	_, err := r.db.ExecContext(ctx, query,
		token.Token,
		token.AccountID,
		token.Email,
		token.ExpiresAt,
		token.CreatedAt,
	)

	return err
}

// ConsumeToken atomically marks a token used and returns it. The conditional
// UPDATE is the single-use guarantee: of two concurrent verify attempts with
// the same token, exactly one matches used=false and wins. A token that does
// not exist, was already used, or has expired is reported as a wrapped
// apperrors.ErrNotFound; callers treat all three identically.
func (r *MagicLinkRepository) ConsumeToken(ctx context.Context, token string) (*models.MagicLinkToken, error) {
	query := `
		UPDATE magic_link_tokens
		SET used = true
		WHERE token = $1 AND used = false AND expires_at > now()
		RETURNING token, account_id, email, used, expires_at, created_at
	`

	mlt := &models.MagicLinkToken{}
	err := r.db.QueryRowContext(ctx, query, token).Scan(
		&mlt.Token,
		&mlt.AccountID,
		&mlt.Email,
		&mlt.Used,
		&mlt.ExpiresAt,
		&mlt.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("magic link token: %w", apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return mlt, nil
}

// DeleteExpired removes tokens past their expiry. Called by the retention
// sweeper; expired tokens are already unusable, this is table hygiene.
func (r *MagicLinkRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM magic_link_tokens WHERE expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
