package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/protein-classifier/protein-classifier/internal/apperrors"
)

// setTestSecret forces a known JWT secret for the duration of the test.
// The package-level sync.Once means we cannot rely on env vars once any test
// has triggered initialization, so tests write the var directly.
func setTestSecret(t *testing.T) {
	t.Helper()
	old := jwtSecret
	jwtSecret = "test-secret-0123456789abcdef0123456789abcdef"
	t.Cleanup(func() { jwtSecret = old })
}

// ---------------------------------------------------------------------------
// GenerateJWT / ValidateJWT round trip
// ---------------------------------------------------------------------------

func TestGenerateAndValidateJWT(t *testing.T) {
	setTestSecret(t)

	token, err := GenerateJWT("acct-1", "researcher@example.com", time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT() error: %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Errorf("token %q is not a three-part JWT", token)
	}

	claims, err := ValidateJWT(token)
	if err != nil {
		t.Fatalf("ValidateJWT() error: %v", err)
	}
	if claims.AccountID != "acct-1" {
		t.Errorf("AccountID = %q, want acct-1", claims.AccountID)
	}
	if claims.Email != "researcher@example.com" {
		t.Errorf("Email = %q, want researcher@example.com", claims.Email)
	}
	if claims.Issuer != "protein-classifier" {
		t.Errorf("Issuer = %q, want protein-classifier", claims.Issuer)
	}
	if claims.Subject != "acct-1" {
		t.Errorf("Subject = %q, want acct-1", claims.Subject)
	}
}

func TestGenerateJWT_DefaultExpiry(t *testing.T) {
	setTestSecret(t)

	token, err := GenerateJWT("acct-1", "a@example.com", 0)
	if err != nil {
		t.Fatalf("GenerateJWT() error: %v", err)
	}
	claims, err := ValidateJWT(token)
	if err != nil {
		t.Fatalf("ValidateJWT() error: %v", err)
	}

	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl < 59*time.Minute || ttl > 61*time.Minute {
		t.Errorf("default expiry %v, want about 1h", ttl)
	}
}

// ---------------------------------------------------------------------------
// ValidateJWT failure modes
// ---------------------------------------------------------------------------

func TestValidateJWT_Expired(t *testing.T) {
	setTestSecret(t)

	token, err := GenerateJWT("acct-1", "a@example.com", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateJWT() error: %v", err)
	}
	if _, err := ValidateJWT(token); err == nil {
		t.Error("ValidateJWT() accepted an expired token")
	}
}

func TestValidateJWT_Garbage(t *testing.T) {
	setTestSecret(t)

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := ValidateJWT(token)
		if err == nil {
			t.Errorf("ValidateJWT(%q) accepted garbage", token)
			continue
		}
		if !errors.Is(err, apperrors.ErrAuthentication) {
			t.Errorf("ValidateJWT(%q) error = %v, want wrapped ErrAuthentication", token, err)
		}
	}
}

func TestValidateJWT_WrongSecret(t *testing.T) {
	setTestSecret(t)

	token, err := GenerateJWT("acct-1", "a@example.com", time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT() error: %v", err)
	}

	jwtSecret = "a-completely-different-secret-0123456789abcd"
	_, err = ValidateJWT(token)
	if err == nil {
		t.Fatal("ValidateJWT() accepted token signed with a different secret")
	}
	if !errors.Is(err, apperrors.ErrAuthentication) {
		t.Errorf("error = %v, want wrapped ErrAuthentication", err)
	}
}

func TestValidateJWT_RejectsNoneAlgorithm(t *testing.T) {
	setTestSecret(t)

	// Craft an unsigned token claiming alg=none
	claims := &Claims{AccountID: "acct-1"}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	unsigned, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing with none: %v", err)
	}

	if _, err := ValidateJWT(unsigned); err == nil {
		t.Error("ValidateJWT() accepted an alg=none token")
	}
}
