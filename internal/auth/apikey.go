// Package auth provides authentication primitives for the classifier service:
// API key generation/validation, JWT creation/verification, and the opaque
// token helpers used by magic-link login and refresh sessions.
// See internal/middleware for the request-time authentication logic that uses
// these primitives.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// APIKeySecretBytes is the length of the random part of the API key in bytes
	APIKeySecretBytes = 32

	// APIKeyIDBytes is the length of the random part of the key identifier in bytes
	APIKeyIDBytes = 16

	// APIKeyPrefix is the fixed prefix of every issued key
	APIKeyPrefix = "pk_live_"

	// APIKeyIDPrefix is the fixed prefix of every key identifier
	APIKeyIDPrefix = "key_"
)

// GenerateAPIKey creates a new random API key.
// Returns: key ID (stable identifier), full key (to show once), and the
// sha256 hex hash of the full key (to store).
//
// The hash is an unsalted sha256 rather than bcrypt because request-time
// authorization looks the key up by hash with a single indexed query. The
// secret carries 256 bits of entropy, so offline guessing against a leaked
// hash table is not a realistic attack the way it is for passwords.
func GenerateAPIKey() (keyID string, key string, hash string, err error) {
	idBytes := make([]byte, APIKeyIDBytes)
	if _, err = rand.Read(idBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate key id: %w", err)
	}

	secretBytes := make([]byte, APIKeySecretBytes)
	if _, err = rand.Read(secretBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate key secret: %w", err)
	}

	keyID = APIKeyIDPrefix + base64.RawURLEncoding.EncodeToString(idBytes)
	key = APIKeyPrefix + base64.RawURLEncoding.EncodeToString(secretBytes)
	return keyID, key, HashAPIKey(key), nil
}

// HashAPIKey returns the sha256 hex digest of the full key string. This is the
// value stored in the database and used for the authorization lookup.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ValidateAPIKeyFormat reports whether a presented credential is shaped like
// one of our keys. Used to short-circuit obviously bogus input before any
// store lookup.
func ValidateAPIKeyFormat(key string) bool {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return false
	}
	secret := strings.TrimPrefix(key, APIKeyPrefix)
	if len(secret) != base64.RawURLEncoding.EncodedLen(APIKeySecretBytes) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(secret)
	return err == nil
}

// MaskAPIKey returns the masked display form of a key or key hash: four
// asterisks followed by the last four characters. Keys shorter than four
// characters mask entirely. This is the ONLY form that may appear in audit
// events, logs, and list responses.
func MaskAPIKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// SecureCompare performs a constant-time comparison of two strings.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ExtractAPIKeyFromHeader extracts the API key from an X-API-Key header value.
func ExtractAPIKeyFromHeader(header string) (string, error) {
	key := strings.TrimSpace(header)
	if key == "" {
		return "", errors.New("API key header is empty")
	}
	return key, nil
}
