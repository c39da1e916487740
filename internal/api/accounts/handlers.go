// Package accounts implements the passwordless login endpoints: magic-link
// request, magic-link verification, and access-token refresh. No passwords
// exist anywhere in the system; possession of the emailed token is the only
// login proof, and possession of the opaque refresh token is the only way to
// extend a session.
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/protein-classifier/protein-classifier/internal/apperrors"
	"github.com/protein-classifier/protein-classifier/internal/auth"
	"github.com/protein-classifier/protein-classifier/internal/config"
	"github.com/protein-classifier/protein-classifier/internal/db/models"
	"github.com/protein-classifier/protein-classifier/internal/db/repositories"
	"github.com/protein-classifier/protein-classifier/internal/email"
	"github.com/protein-classifier/protein-classifier/internal/safego"
)

// retryBackoff is the pause before the single retry against a failing store.
const retryBackoff = 100 * time.Millisecond

// Handlers implements the /auth endpoints.
type Handlers struct {
	cfg         *config.AuthConfig
	accountRepo *repositories.AccountRepository
	mlRepo      *repositories.MagicLinkRepository
	sessionRepo *repositories.SessionRepository
	emailer     email.Emailer
}

// NewHandlers creates the auth handlers.
func NewHandlers(
	cfg *config.AuthConfig,
	accountRepo *repositories.AccountRepository,
	mlRepo *repositories.MagicLinkRepository,
	sessionRepo *repositories.SessionRepository,
	emailer email.Emailer,
) *Handlers {
	return &Handlers{
		cfg:         cfg,
		accountRepo: accountRepo,
		mlRepo:      mlRepo,
		sessionRepo: sessionRepo,
		emailer:     emailer,
	}
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email string `json:"email"`
}

// VerifyRequest is the body of POST /auth/verify.
type VerifyRequest struct {
	Token string `json:"token"`
}

// bindStrict decodes a JSON body rejecting unknown fields.
func bindStrict(c *gin.Context, dst any) error {
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func abortValidation(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
		"error":      msg,
		"error_code": apperrors.CodeValidation,
	})
}

func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":      "authentication failed",
		"error_code": apperrors.CodeUnauthorized,
	})
}

func abortStoreUnavailable(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
		"error":      "service temporarily unavailable",
		"error_code": apperrors.CodeStoreUnavailable,
	})
}

// LoginHandler starts a magic-link login.
// POST /auth/login
//
// The response is 202 whether or not the address has been seen before, so the
// endpoint cannot be used to probe which emails have accounts. The account row
// is provisioned on first login.
func (h *Handlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := bindStrict(c, &req); err != nil {
			abortValidation(c, "invalid request body")
			return
		}
		if _, err := mail.ParseAddress(req.Email); err != nil {
			abortValidation(c, "invalid email address")
			return
		}

		account, err := h.getOrCreateWithRetry(c.Request.Context(), req.Email)
		if err != nil {
			abortStoreUnavailable(c)
			return
		}

		token := auth.GenerateMagicLinkToken()
		mlt := &models.MagicLinkToken{
			Token:     token,
			AccountID: account.ID,
			Email:     account.Email,
			ExpiresAt: time.Now().Add(h.cfg.MagicLinkTTL),
		}
		if err := h.mlRepo.CreateToken(c.Request.Context(), mlt); err != nil {
			abortStoreUnavailable(c)
			return
		}

		// Delivery is asynchronous so response timing carries no signal about
		// the mail backend either.
		toEmail := account.Email
		safego.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = h.emailer.SendMagicLink(ctx, toEmail, token)
		})

		c.JSON(http.StatusAccepted, gin.H{
			"message": "if the address is valid, a sign-in link has been sent",
			"email":   account.Email,
		})
	}
}

// VerifyHandler exchanges a magic-link token for a session.
// POST /auth/verify
//
// Token consumption is a conditional UPDATE, so of two concurrent attempts
// with the same token exactly one succeeds. Unknown, expired, and already-used
// tokens all answer the same 401.
func (h *Handlers) VerifyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req VerifyRequest
		if err := bindStrict(c, &req); err != nil || req.Token == "" {
			abortValidation(c, "token is required")
			return
		}

		mlt, err := h.consumeWithRetry(c.Request.Context(), req.Token)
		if errors.Is(err, apperrors.ErrNotFound) {
			abortUnauthorized(c)
			return
		}
		if err != nil {
			abortStoreUnavailable(c)
			return
		}

		accessToken, err := auth.GenerateJWT(mlt.AccountID, mlt.Email, h.cfg.AccessTokenTTL)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":      "failed to issue access token",
				"error_code": apperrors.CodeInternal,
			})
			return
		}

		refreshToken, tokenHash, err := auth.GenerateSessionToken()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":      "failed to issue refresh token",
				"error_code": apperrors.CodeInternal,
			})
			return
		}

		session := &models.Session{
			ID:        auth.NewSessionID(),
			AccountID: mlt.AccountID,
			TokenHash: tokenHash,
			ExpiresAt: time.Now().Add(h.cfg.RefreshTokenTTL),
		}
		if err := h.sessionRepo.CreateSession(c.Request.Context(), session); err != nil {
			abortStoreUnavailable(c)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"token_type":    "bearer",
			"expires_in":    int(h.cfg.AccessTokenTTL.Seconds()),
		})
	}
}

// RefreshHandler mints a new access token from a refresh session.
// POST /auth/refresh
//
// The refresh token itself is not rotated: one opaque token serves the whole
// 30-day session.
func (h *Handlers) RefreshHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		refreshToken := c.GetHeader("X-Refresh-Token")
		if refreshToken == "" {
			abortUnauthorized(c)
			return
		}

		session, err := h.sessionWithRetry(c.Request.Context(), auth.HashAPIKey(refreshToken))
		if errors.Is(err, apperrors.ErrNotFound) {
			abortUnauthorized(c)
			return
		}
		if err != nil {
			abortStoreUnavailable(c)
			return
		}

		account, err := h.accountWithRetry(c.Request.Context(), session.AccountID)
		if errors.Is(err, apperrors.ErrNotFound) {
			// The session outlived its account; it is no longer valid.
			abortUnauthorized(c)
			return
		}
		if err != nil {
			abortStoreUnavailable(c)
			return
		}

		accessToken, err := auth.GenerateJWT(account.ID, account.Email, h.cfg.AccessTokenTTL)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":      "failed to issue access token",
				"error_code": apperrors.CodeInternal,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"access_token": accessToken,
			"token_type":   "bearer",
			"expires_in":   int(h.cfg.AccessTokenTTL.Seconds()),
		})
	}
}

// Store calls on the login path fail closed: one retry after a short backoff,
// then 503. A store outage must never mint or refuse credentials incorrectly.
// A wrapped apperrors.ErrNotFound is a definitive answer, not a store failure,
// and comes back without a retry; anything else failing twice is wrapped as
// apperrors.ErrStoreUnavailable.

func retriable(err error) bool {
	return err != nil && !errors.Is(err, apperrors.ErrNotFound)
}

func (h *Handlers) getOrCreateWithRetry(ctx context.Context, email string) (*models.Account, error) {
	account, err := h.accountRepo.GetOrCreateByEmail(ctx, email)
	if !retriable(err) {
		return account, err
	}
	time.Sleep(retryBackoff)
	account, err = h.accountRepo.GetOrCreateByEmail(ctx, email)
	if retriable(err) {
		return nil, fmt.Errorf("account provisioning: %w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return account, err
}

func (h *Handlers) consumeWithRetry(ctx context.Context, token string) (*models.MagicLinkToken, error) {
	mlt, err := h.mlRepo.ConsumeToken(ctx, token)
	if !retriable(err) {
		return mlt, err
	}
	time.Sleep(retryBackoff)
	mlt, err = h.mlRepo.ConsumeToken(ctx, token)
	if retriable(err) {
		return nil, fmt.Errorf("token consumption: %w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return mlt, err
}

func (h *Handlers) sessionWithRetry(ctx context.Context, tokenHash string) (*models.Session, error) {
	session, err := h.sessionRepo.GetSessionByTokenHash(ctx, tokenHash)
	if !retriable(err) {
		return session, err
	}
	time.Sleep(retryBackoff)
	session, err = h.sessionRepo.GetSessionByTokenHash(ctx, tokenHash)
	if retriable(err) {
		return nil, fmt.Errorf("session lookup: %w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return session, err
}

func (h *Handlers) accountWithRetry(ctx context.Context, id string) (*models.Account, error) {
	account, err := h.accountRepo.GetAccountByID(ctx, id)
	if !retriable(err) {
		return account, err
	}
	time.Sleep(retryBackoff)
	account, err = h.accountRepo.GetAccountByID(ctx, id)
	if retriable(err) {
		return nil, fmt.Errorf("account lookup: %w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return account, err
}
