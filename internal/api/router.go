// router.go wires configuration, repositories, middleware, and handlers into
// the HTTP surface. Route groups carry their own auth: /auth is public behind
// a per-IP limit, /api-keys and /admin require a Bearer access token, and
// /classify requires an API key. Background goroutines started here are
// returned to the caller for graceful shutdown.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/protein-classifier/protein-classifier/internal/api/accounts"
	"github.com/protein-classifier/protein-classifier/internal/api/admin"
	"github.com/protein-classifier/protein-classifier/internal/api/apikeys"
	"github.com/protein-classifier/protein-classifier/internal/api/classify"
	"github.com/protein-classifier/protein-classifier/internal/audit"
	"github.com/protein-classifier/protein-classifier/internal/classifier"
	"github.com/protein-classifier/protein-classifier/internal/config"
	"github.com/protein-classifier/protein-classifier/internal/db/repositories"
	"github.com/protein-classifier/protein-classifier/internal/email"
	"github.com/protein-classifier/protein-classifier/internal/jobs"
	"github.com/protein-classifier/protein-classifier/internal/middleware"
	"github.com/protein-classifier/protein-classifier/internal/ratelimit"
	"github.com/protein-classifier/protein-classifier/internal/safego"
)

// BackgroundServices holds references to background goroutines and pooled
// resources that must be stopped during graceful shutdown. The caller
// (cmd/server) is responsible for calling Shutdown() when the process
// receives a termination signal.
type BackgroundServices struct {
	retentionSweeper *jobs.RetentionSweeper
	limiter          *ratelimit.Limiter
	endpointLimiter  *ratelimit.EndpointLimiter
	auditShipper     *audit.MultiShipper
}

// Shutdown stops all background goroutines. It should be called after the
// HTTP server has been shut down so that in-flight requests drain first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.retentionSweeper != nil {
		bg.retentionSweeper.Stop()
	}
	if bg.limiter != nil {
		bg.limiter.Close()
	}
	if bg.endpointLimiter != nil {
		bg.endpointLimiter.Close()
	}
	if bg.auditShipper != nil {
		if err := bg.auditShipper.Close(); err != nil {
			slog.Warn("audit shipper close", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg *config.Config, db *sql.DB, rdb redis.UniversalClient) (*gin.Engine, *BackgroundServices) {
	router := gin.New()

	// Repositories. The audit repository rides sqlx for its dynamic filters.
	accountRepo := repositories.NewAccountRepository(db)
	apiKeyRepo := repositories.NewAPIKeyRepository(db)
	mlRepo := repositories.NewMagicLinkRepository(db)
	sessionRepo := repositories.NewSessionRepository(db)
	auditRepo := repositories.NewAuditRepository(sqlx.NewDb(db, "postgres"))

	limiter := ratelimit.NewLimiter(rdb, slog.Default())
	endpointLimiter := ratelimit.NewEndpointLimiter(rdb, slog.Default())

	var recorder *audit.Recorder
	var auditShipper *audit.MultiShipper
	if cfg.Audit.Enabled {
		recorder = audit.NewRecorder(auditRepo, cfg.Audit.RetentionDays, slog.Default())
		if len(cfg.Audit.Shippers) > 0 {
			ms, err := audit.NewMultiShipper(cfg.Audit.Shippers)
			if err != nil {
				// A broken secondary destination must not take down the API.
				slog.Warn("audit shippers disabled", "error", err)
			} else {
				recorder = recorder.WithShipper(ms)
				auditShipper = ms
			}
		}
	}

	emailer := email.New(cfg, slog.Default())
	clf := classifier.New(cfg.Classifier.VoteThreshold)

	// Expired rows are filtered at query time; the sweeper only reclaims
	// space, so it runs regardless of audit.enabled.
	sweeper := jobs.NewRetentionSweeper(auditRepo, mlRepo, sessionRepo, &cfg.Audit, slog.Default())
	safego.Go(func() { sweeper.Start(context.Background()) })

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	router.GET("/health", healthCheckHandler(db, rdb))
	router.GET("/version", versionHandler())

	accountHandlers := accounts.NewHandlers(&cfg.Auth, accountRepo, mlRepo, sessionRepo, emailer)
	apiKeyHandlers := apikeys.NewHandlers(apiKeyRepo, limiter, recorder)
	classifyHandlers := classify.NewHandlers(clf, cfg, limiter, recorder)
	adminHandlers := admin.NewHandlers(&cfg.Audit, auditRepo)

	// Passwordless login. Public, so the only guard is a per-IP limit.
	auth := router.Group("/auth")
	auth.Use(middleware.EndpointRateLimitMiddleware(endpointLimiter, cfg.RateLimits.AuthPerMinute, middleware.KeyByClientIP))
	{
		auth.POST("/login", accountHandlers.LoginHandler())
		auth.POST("/verify", accountHandlers.VerifyHandler())
		auth.POST("/refresh", accountHandlers.RefreshHandler())
	}

	// Key management. Bearer access token only; an API key cannot manage keys.
	keys := router.Group("/api-keys")
	keys.Use(middleware.JWTAuthMiddleware(accountRepo))
	{
		keys.POST("/register", apiKeyHandlers.RegisterHandler())
		keys.GET("/list", apiKeyHandlers.ListHandler())
		keys.POST("/rotate", apiKeyHandlers.RotateHandler())
		keys.POST("/revoke", apiKeyHandlers.RevokeHandler())
	}

	// Classification. API key only; tier quotas are enforced in the handlers
	// because the charge depends on the parsed sequence count. The middleware
	// carries the recorder so denied attempts are audited too.
	cls := router.Group("/classify")
	cls.Use(middleware.APIKeyAuthMiddleware(apiKeyRepo, recorder))
	{
		cls.POST("", classifyHandlers.SingleHandler())
		cls.POST("/batch", classifyHandlers.BatchHandler())
		cls.POST("/fasta", classifyHandlers.FASTAHandler())
	}

	// Audit queries. Bearer token plus a per-account limit; audit scans are
	// the most expensive reads in the system.
	adm := router.Group("/admin")
	adm.Use(middleware.JWTAuthMiddleware(accountRepo))
	adm.Use(middleware.EndpointRateLimitMiddleware(endpointLimiter, cfg.RateLimits.AuditQueriesPerMinute, middleware.KeyByAccount))
	{
		adm.GET("/audit-logs", adminHandlers.GetAuditLogsHandler())
	}

	bg := &BackgroundServices{
		retentionSweeper: sweeper,
		limiter:          limiter,
		endpointLimiter:  endpointLimiter,
		auditShipper:     auditShipper,
	}
	return router, bg
}

// healthCheckHandler reports liveness. A database outage is fatal for every
// endpoint, so it answers 503; a Redis outage drops rate limiting to
// per-process windows but authentication still works, so the service
// reports degraded at 200.
func healthCheckHandler(db *sql.DB, rdb redis.UniversalClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"checks": checks,
			})
			return
		}
		checks["database"] = "healthy"

		status := "ok"
		if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
			checks["redis"] = "unhealthy"
			status = "degraded"
		} else {
			checks["redis"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"status": status,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version.
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     "0.1.0",
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware provides structured request logging.
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		requestID, _ := c.Get(middleware.RequestIDKey)
		slog.LogAttrs(
			c.Request.Context(),
			slog.LevelInfo,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", latency),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", fmt.Sprintf("%v", requestID)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}
