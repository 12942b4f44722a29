// cmd/harvester/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github-metadata-harvester/internal/api"
	"github-metadata-harvester/internal/config"
	"github-metadata-harvester/internal/credentials"
	"github-metadata-harvester/internal/github"
	"github-metadata-harvester/internal/harvester"
	"github-metadata-harvester/internal/input"
	"github-metadata-harvester/internal/loader"
	"github-metadata-harvester/internal/model"
	"github-metadata-harvester/internal/retry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully", "credentials", len(cfg.GithubTokens))

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Read the work list
	items, err := input.LoadWorkItems(cfg.ReposCSV, logger)
	if err != nil {
		return fmt.Errorf("failed to load work list: %w", err)
	}
	if len(items) == 0 {
		return fmt.Errorf("work list %s contains no repositories", cfg.ReposCSV)
	}

	// 5. Initialize database connection and ensure the schema
	dbpool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbpool.Close()
	logger.Info("Database connection established")

	if err := loader.EnsureSchema(cfg.DBURL); err != nil {
		return fmt.Errorf("failed to ensure database schema: %w", err)
	}
	logger.Info("Database schema ensured")

	// 6. Initialize application components
	pool, err := credentials.NewPool(cfg.GithubTokens, cfg.RequestsPerSecond)
	if err != nil {
		return fmt.Errorf("failed to build credential pool: %w", err)
	}
	ghClient := github.NewClient(cfg.GithubAPIURL, pool, logger, cfg.FetchTimeout, cfg.DefaultRetryAfter)
	policy := retry.NewPolicy(pool, ghClient, logger, cfg.MaxAttempts, cfg.BaseBackoff, cfg.MaxCredentialWait)

	status := api.NewStatus()
	var h *harvester.Harvester
	batchLoader := loader.NewBatchLoader(dbpool, logger, cfg.BatchSize, cfg.FlushRetries, cfg.FlushBackoff,
		func(records []model.ProjectRecord, err error) {
			h.NoteBatchFailure(records, err)
		})
	h = harvester.New(policy, batchLoader, nil, logger, cfg.Concurrency, pool.Usable(), status.SetProgress)

	// 7. Optionally expose the status endpoint while the run progresses
	if cfg.ListenAddr != "" {
		srv := &http.Server{Addr: cfg.ListenAddr, Handler: api.NewRouter(status, logger)}
		go func() {
			logger.Info("Status endpoint listening", "addr", cfg.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Status endpoint error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// 8. Run the pipeline once and report
	report := h.Run(ctx, items)
	status.SetReport(report)

	if err := appendFailureLog(cfg.FailureLogFile, report); err != nil {
		logger.Error("Failed to write failure log", "error", err)
	}

	logger.Info("Harvest complete",
		"run_id", report.RunID,
		"total", report.Total,
		"loaded", report.Loaded,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"cancelled", report.Cancelled)

	return nil
}

// appendFailureLog appends the run's failures to the persistent failure
// log so they survive individual runs.
func appendFailureLog(path string, report model.RunReport) error {
	if len(report.Failures) == 0 {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, failure := range report.Failures {
		line := fmt.Sprintf("%s run=%s item=%s cause=%s\n",
			report.FinishedAt.Format(time.RFC3339), report.RunID, failure.Item, failure.Cause)
		if _, err := f.WriteString(line); err != nil {
			return err
		}
	}
	return nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
