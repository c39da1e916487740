// account_repository.go implements AccountRepository, providing database
// queries for account lookup and first-login auto-provisioning.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/protein-classifier/protein-classifier/internal/apperrors"
	"github.com/protein-classifier/protein-classifier/internal/db/models"
)

// AccountRepository handles account database operations
type AccountRepository struct {
	db *sql.DB
}

// NewAccountRepository creates a new AccountRepository
func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// GetOrCreateByEmail returns the account for the given email, creating it on
// first login. Emails are stored lowercased so the same mailbox never
// provisions twice. The upsert makes concurrent first logins race-safe.
func (r *AccountRepository) GetOrCreateByEmail(ctx context.Context, email string) (*models.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	query := `
		INSERT INTO accounts (id, email, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, email, created_at
	`

	account := &models.Account{}
	err := r.db.QueryRowContext(ctx, query, uuid.New().String(), email, time.Now()).Scan(
		&account.ID,
		&account.Email,
		&account.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return account, nil
}

// GetAccountByID retrieves an account by its identifier. A missing row is
// reported as a wrapped apperrors.ErrNotFound so callers branch with errors.Is
// instead of comparing against sql.ErrNoRows.
func (r *AccountRepository) GetAccountByID(ctx context.Context, id string) (*models.Account, error) {
	query := `
		SELECT id, email, created_at
		FROM accounts
		WHERE id = $1
	`

	account := &models.Account{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&account.ID,
		&account.Email,
		&account.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return account, nil
}

// GetAccountByEmail retrieves an account by email (lowercased)
func (r *AccountRepository) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	query := `
		SELECT id, email, created_at
		FROM accounts
		WHERE email = $1
	`

	account := &models.Account{}
	err := r.db.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(email))).Scan(
		&account.ID,
		&account.Email,
		&account.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account for email: %w", apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return account, nil
}
