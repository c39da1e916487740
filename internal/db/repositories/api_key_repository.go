// api_key_repository.go implements APIKeyRepository, providing database queries
// for API key creation, hash lookup, revocation, atomic rotation, and last-used
// timestamp updates.
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

// APIKeyRepository handles API key database operations
type APIKeyRepository struct {
	db *sql.DB
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(db *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

const apiKeyColumns = `id, account_id, name, tier, secret_hash, masked_key, status, last_used_at, revoked_at, created_at`

func scanAPIKey(row interface{ Scan(...any) error }) (*models.APIKey, error) {
	key := &models.APIKey{}
	err := row.Scan(
		&key.ID,
		&key.AccountID,
		&key.Name,
		&key.Tier,
		&key.SecretHash,
		&key.MaskedKey,
		&key.Status,
		&key.LastUsedAt,
		&key.RevokedAt,
		&key.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// CreateAPIKey creates a new API key record
func (r *APIKeyRepository) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	key.CreatedAt = time.Now()
	if key.Status == "" {
		key.Status = models.APIKeyStatusActive
	}

	query := `
		INSERT INTO api_keys (id, account_id, name, tier, secret_hash, masked_key, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		key.ID,
		key.AccountID,
		key.Name,
		key.Tier,
		key.SecretHash,
		key.MaskedKey,
		key.Status,
		key.CreatedAt,
	)

	return err
}

// GetAPIKeyBySecretHash retrieves an API key by its sha256 hash. This is the
// hot-path authorization lookup; status is NOT filtered here so the caller can
// distinguish a revoked key (deny) from a store error (retry then 503). An
// unknown hash is a wrapped apperrors.ErrNotFound, never a store error.
func (r *APIKeyRepository) GetAPIKeyBySecretHash(ctx context.Context, secretHash string) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE secret_hash = $1`

	key, err := scanAPIKey(r.db.QueryRowContext(ctx, query, secretHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("api key by hash: %w", apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// GetAPIKeyByID retrieves an API key by its identifier
func (r *APIKeyRepository) GetAPIKeyByID(ctx context.Context, id string) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = $1`

	key, err := scanAPIKey(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("api key %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// ListByAccount returns all keys owned by an account, newest first
func (r *APIKeyRepository) ListByAccount(ctx context.Context, accountID string) ([]*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE account_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]*models.APIKey, 0)
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

// RevokeAPIKey transitions an active key to revoked. Revoked is terminal:
// the conditional UPDATE refuses to touch a key that is not active, so a
// second revoke reports false rather than silently succeeding.
func (r *APIKeyRepository) RevokeAPIKey(ctx context.Context, id, accountID string) (bool, error) {
	query := `
		UPDATE api_keys
		SET status = $1, revoked_at = now()
		WHERE id = $2 AND account_id = $3 AND status = $4
	`

	result, err := r.db.ExecContext(ctx, query, models.APIKeyStatusRevoked, id, accountID, models.APIKeyStatusActive)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// RotateAPIKey atomically creates the replacement key and revokes the old one
// in a single transaction. There is no moment where both keys are active or
// where the caller has neither: either the whole rotation commits or the old
// key keeps working.
func (r *APIKeyRepository) RotateAPIKey(ctx context.Context, oldID, accountID string, newKey *models.APIKey) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	revoke := `
		UPDATE api_keys
		SET status = $1, revoked_at = now()
		WHERE id = $2 AND account_id = $3 AND status = $4
	`
	result, err := tx.ExecContext(ctx, revoke, models.APIKeyStatusRevoked, oldID, accountID, models.APIKeyStatusActive)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("key %s is not active: %w", oldID, apperrors.ErrInvalidTransition)
	}

	newKey.CreatedAt = time.Now()
	newKey.Status = models.APIKeyStatusActive

	insert := `
		INSERT INTO api_keys (id, account_id, name, tier, secret_hash, masked_key, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.ExecContext(ctx, insert,
		newKey.ID,
		newKey.AccountID,
		newKey.Name,
		newKey.Tier,
		newKey.SecretHash,
		newKey.MaskedKey,
		newKey.Status,
		newKey.CreatedAt,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateLastUsed updates the last-used timestamp for an API key
func (r *APIKeyRepository) UpdateLastUsed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id)
	return err
}

// CountByAccount returns how many keys (any status) an account owns
func (r *APIKeyRepository) CountByAccount(ctx context.Context, accountID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys WHERE account_id = $1`, accountID).Scan(&count)
	return count, err
}
