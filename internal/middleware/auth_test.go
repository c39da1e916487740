package middleware

import (
	"net/http"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/protein-classifier/protein-classifier/internal/auth"
)

var accountCols = []string{"id", "email", "created_at"}

func bearerToken(t *testing.T) string {
	t.Helper()
	token, err := auth.GenerateJWT("acct-1", "a@example.com", time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	return token
}

func TestJWTAuth_ValidToken(t *testing.T) {
	mock, accountRepo, _ := newAuthMocks(t)
	token := bearerToken(t)

	mock.ExpectQuery("FROM accounts").
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow("acct-1", "a@example.com", time.Now()))

	w, c, reached := perform(JWTAuthMiddleware(accountRepo), func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})

	if !reached {
		t.Fatalf("handler not reached, status %d body %s", w.Code, w.Body.String())
	}
	if got := c.GetString(ContextAccountID); got != "acct-1" {
		t.Errorf("account_id in context = %q, want acct-1", got)
	}
	if got := c.GetString(ContextEmail); got != "a@example.com" {
		t.Errorf("email in context = %q, want a@example.com", got)
	}
}

func TestJWTAuth_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		header func(t *testing.T) string
	}{
		{"missing header", func(t *testing.T) string { return "" }},
		{"not bearer", func(t *testing.T) string { return "Basic abc" }},
		{"empty token", func(t *testing.T) string { return "Bearer   " }},
		{"garbage token", func(t *testing.T) string { return "Bearer not.a.jwt" }},
		{"expired token", func(t *testing.T) string {
			token, err := auth.GenerateJWT("acct-1", "a@example.com", -time.Hour)
			if err != nil {
				t.Fatalf("GenerateJWT: %v", err)
			}
			return "Bearer " + token
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, accountRepo, _ := newAuthMocks(t)

			w, _, reached := perform(JWTAuthMiddleware(accountRepo), func(r *http.Request) {
				if h := tt.header(t); h != "" {
					r.Header.Set("Authorization", h)
				}
			})

			if reached {
				t.Fatal("handler reached with invalid credentials")
			}
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
			// The body never distinguishes the failure cause.
			if !strings.Contains(w.Body.String(), "ERR_UNAUTHORIZED") {
				t.Errorf("body = %s, want uniform ERR_UNAUTHORIZED", w.Body.String())
			}
		})
	}
}

func TestJWTAuth_AccountDeleted(t *testing.T) {
	mock, accountRepo, _ := newAuthMocks(t)
	token := bearerToken(t)

	mock.ExpectQuery("FROM accounts").
		WillReturnRows(sqlmock.NewRows(accountCols))

	w, _, reached := perform(JWTAuthMiddleware(accountRepo), func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})

	if reached {
		t.Fatal("handler reached for deleted account")
	}
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestJWTAuth_StoreDown_FailsClosed(t *testing.T) {
	mock, accountRepo, _ := newAuthMocks(t)
	token := bearerToken(t)

	// Both the first attempt and the retry fail.
	mock.ExpectQuery("FROM accounts").WillReturnError(errDB)
	mock.ExpectQuery("FROM accounts").WillReturnError(errDB)

	w, _, reached := perform(JWTAuthMiddleware(accountRepo), func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})

	if reached {
		t.Fatal("handler reached while store unavailable")
	}
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ERR_STORE_UNAVAILABLE") {
		t.Errorf("body = %s, want ERR_STORE_UNAVAILABLE", w.Body.String())
	}
}

func TestJWTAuth_RetrySucceeds(t *testing.T) {
	mock, accountRepo, _ := newAuthMocks(t)
	token := bearerToken(t)

	mock.ExpectQuery("FROM accounts").WillReturnError(errDB)
	mock.ExpectQuery("FROM accounts").
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow("acct-1", "a@example.com", time.Now()))

	w, _, reached := perform(JWTAuthMiddleware(accountRepo), func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})

	if !reached {
		t.Fatalf("handler not reached after successful retry, status %d", w.Code)
	}
}
