// tokens.go generates the opaque tokens used outside the JWT path: single-use
// magic-link tokens and long-lived refresh session tokens. Both are stored
// hashed; the raw value leaves the process exactly once (email or response).
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

const (
	// SessionTokenPrefix is the fixed prefix of every refresh token
	SessionTokenPrefix = "sess_"

	// sessionTokenBytes is the entropy of the refresh token secret
	sessionTokenBytes = 32
)

// GenerateMagicLinkToken returns a new single-use login token. UUIDv4 gives
// 122 bits of entropy and a format that is safe to embed in a URL query
// parameter without encoding.
func GenerateMagicLinkToken() string {
	return uuid.New().String()
}

// GenerateSessionToken creates a new opaque refresh token.
// Returns the raw token (returned to the caller once) and its sha256 hex hash
// (the stored form, looked up on refresh).
func GenerateSessionToken() (token string, hash string, err error) {
	secret := make([]byte, sessionTokenBytes)
	if _, err = rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("failed to generate session token: %w", err)
	}
	token = SessionTokenPrefix + base64.RawURLEncoding.EncodeToString(secret)
	return token, HashAPIKey(token), nil
}

// NewSessionID returns a stable identifier for a refresh session.
func NewSessionID() string {
	return SessionTokenPrefix + uuid.New().String()
}
