// Package auth - jwt.go handles JWT access token creation, signing, and
// verification using a shared secret loaded once at startup.
package auth

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/protein-classifier/protein-classifier/internal/apperrors"
)

// minSecretLength rejects secrets too short to resist brute force. 32 bytes
// matches `openssl rand -hex 32` truncated to hex pairs.
const minSecretLength = 32

var (
	// jwtSecret holds the validated JWT secret
	jwtSecret     string
	jwtSecretOnce sync.Once
	jwtSecretErr  error
)

// Claims represents the JWT claims structure for access tokens
type Claims struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	jwt.RegisteredClaims
}

// ValidateJWTSecret loads PCL_JWT_SECRET and fails fast when it is missing or
// too short. There is no auto-generated fallback: a secret the operator never
// saw means sessions silently invalidate on every restart, which is worse
// than refusing to boot. Call this at application startup.
func ValidateJWTSecret() error {
	jwtSecretOnce.Do(func() {
		secret := os.Getenv("PCL_JWT_SECRET")
		if secret == "" {
			jwtSecretErr = errors.New("PCL_JWT_SECRET environment variable is required; generate one with: openssl rand -hex 32")
			return
		}
		if len(secret) < minSecretLength {
			jwtSecretErr = fmt.Errorf("PCL_JWT_SECRET must be at least %d characters", minSecretLength)
			return
		}
		jwtSecret = secret
	})

	return jwtSecretErr
}

// GetJWTSecret retrieves the validated JWT secret.
// Panics if ValidateJWTSecret() hasn't been called or failed.
func GetJWTSecret() string {
	if jwtSecret == "" {
		// If ValidateJWTSecret wasn't called, try to validate now
		if err := ValidateJWTSecret(); err != nil {
			panic(err)
		}
	}
	return jwtSecret
}

// GenerateJWT creates a JWT access token for an authenticated account
func GenerateJWT(accountID, email string, expiresIn time.Duration) (string, error) {
	if expiresIn == 0 {
		expiresIn = 1 * time.Hour // Default to 1 hour
	}

	claims := &Claims{
		AccountID: accountID,
		Email:     email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "protein-classifier",
			Subject:   accountID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString([]byte(GetJWTSecret()))
}

// ValidateJWT parses and validates a JWT access token. All failures, from
// malformed input to a wrong signature, wrap apperrors.ErrAuthentication so
// callers collapse them into one uniform rejection.
func ValidateJWT(tokenString string) (*Claims, error) {
	secret := GetJWTSecret()

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})

	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrAuthentication, err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", apperrors.ErrAuthentication)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", apperrors.ErrAuthentication)
	}

	return claims, nil
}
