// Package main is the entry point for the protein classifier server binary.
// It dispatches three subcommands (serve, migrate, and version) via a simple
// switch on os.Args so the binary's full CLI surface is readable in one place
// without requiring a cobra dependency. The serve command runs auto-migration
// on startup so freshly deployed containers never need a separate migration
// step.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/protein-classifier/protein-classifier/internal/api"
	"github.com/protein-classifier/protein-classifier/internal/auth"
	"github.com/protein-classifier/protein-classifier/internal/config"
	"github.com/protein-classifier/protein-classifier/internal/db"
	"github.com/protein-classifier/protein-classifier/internal/db/models"
	"github.com/protein-classifier/protein-classifier/internal/db/repositories"
	"github.com/protein-classifier/protein-classifier/internal/telemetry"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "version":
		fmt.Printf("Protein Classifier v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(cfg *config.Config) error {
	// Initialise structured logging as early as possible so all subsequent
	// output uses the configured format (json / text) and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Token issuance must never start on a missing or weak signing secret.
	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

	telemetry.StartDBStatsCollector(database)

	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if schemaVersion, dirty, err := db.GetMigrationVersion(database); err != nil {
		slog.Warn("failed to read migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", schemaVersion, "dirty", dirty)
	}

	rdb := redis.NewClient(cfg.Redis.ClientOptions())
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		// Rate limiting degrades to per-process windows while Redis is
		// down; a cold Redis at boot is survivable and retried per request.
		slog.Warn("redis unreachable at startup", "addr", cfg.Redis.Addr, "error", err)
	}

	if cfg.Auth.BootstrapDemoKey {
		if err := bootstrapDemoKey(database); err != nil {
			slog.Warn("demo key bootstrap failed", "error", err)
		}
	}

	// Prometheus metrics are served on a dedicated port so the scrape path
	// stays off the public ingress and outside the rate-limit middleware.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	router, bgServices := api.NewRouter(cfg, database, rdb)

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Server.GetAddress(), "base_url", cfg.Server.BaseURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Stop background jobs after in-flight requests have drained.
	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

// bootstrapDemoKey provisions a demo account with one free-tier API key on
// first boot, printing the plaintext key to the log exactly once. Subsequent
// boots see the existing key row and do nothing, so restarting the container
// never rotates the demo key.
func bootstrapDemoKey(database *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accountRepo := repositories.NewAccountRepository(database)
	apiKeyRepo := repositories.NewAPIKeyRepository(database)

	account, err := accountRepo.GetOrCreateByEmail(ctx, "demo@localhost")
	if err != nil {
		return fmt.Errorf("provision demo account: %w", err)
	}

	existing, err := apiKeyRepo.ListByAccount(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("list demo keys: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	keyID, plaintext, hash, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generate demo key: %w", err)
	}
	key := &models.APIKey{
		ID:         keyID,
		AccountID:  account.ID,
		Name:       "demo",
		Tier:       "free",
		SecretHash: hash,
		MaskedKey:  auth.MaskAPIKey(plaintext),
		Status:     models.APIKeyStatusActive,
	}
	if err := apiKeyRepo.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("store demo key: %w", err)
	}

	// The plaintext exists only in this log line; the database holds the hash.
	log.Printf("Demo API key (shown once): %s", plaintext)
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	schemaVersion, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", schemaVersion, dirty)
	return nil
}
