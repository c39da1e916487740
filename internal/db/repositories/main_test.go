package repositories

import (
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

// errDB is the generic database failure injected by tests.
var errDB = errors.New("db connection lost")

// newMock returns a sqlmock-backed *sql.DB with cleanup registered.
func newMock(t *testing.T) (*testing.T, sqlmock.Sqlmock, *APIKeyRepository, *AccountRepository, *MagicLinkRepository, *SessionRepository) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return t, mock,
		NewAPIKeyRepository(db),
		NewAccountRepository(db),
		NewMagicLinkRepository(db),
		NewSessionRepository(db)
}

// expectationsMet fails the test if any declared expectation went unmatched.
func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}
