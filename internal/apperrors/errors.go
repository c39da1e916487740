// Package apperrors defines the sentinel error values shared across the service
// and the APIError carrier used to attach an HTTP status and stable error code.
// Handlers map errors to responses at the edge; lower layers only wrap and
// return these sentinels with %w so callers can branch with errors.Is.
package apperrors

import "errors"

var (
	// Authentication errors. All credential failures collapse into
	// ErrAuthentication so responses never reveal whether a key exists,
	// is revoked, or is malformed.
	ErrAuthentication = errors.New("authentication failed")

	// Rate limiting errors
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrQuotaExceeded = errors.New("daily quota exceeded")

	// Input errors
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("resource not found")

	// Lifecycle errors
	ErrInvalidTransition = errors.New("invalid state transition")

	// Infrastructure errors. ErrStoreUnavailable means a backing store
	// (Postgres or Redis) could not be reached after retry; it is the only
	// error that maps to 503.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Stable machine-readable codes returned in error response bodies.
const (
	CodeRateLimitExceeded = "ERR_RATE_LIMIT_EXCEEDED"
	CodeQuotaExceeded     = "ERR_QUOTA_EXCEEDED"
	CodeUnauthorized      = "ERR_UNAUTHORIZED"
	CodeValidation        = "ERR_VALIDATION"
	CodeNotFound          = "ERR_NOT_FOUND"
	CodeStoreUnavailable  = "ERR_STORE_UNAVAILABLE"
	CodeInternal          = "ERR_INTERNAL"
)

// APIError carries an HTTP status code and stable error code alongside the
// underlying error. Constructed by handlers or middleware; never by
// repositories or services.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError creates a new API error
func NewAPIError(statusCode int, code, message string, err error) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Err:        err,
	}
}
