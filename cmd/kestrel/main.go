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

	"github.com/shopspring/decimal"

	"github.com/opensource-compliance/kestrel/internal/api"
	"github.com/opensource-compliance/kestrel/internal/batch"
	"github.com/opensource-compliance/kestrel/internal/bus"
	"github.com/opensource-compliance/kestrel/internal/cache"
	"github.com/opensource-compliance/kestrel/internal/domain"
	"github.com/opensource-compliance/kestrel/internal/explain"
	"github.com/opensource-compliance/kestrel/internal/monthly"
	"github.com/opensource-compliance/kestrel/internal/repository"
	"github.com/opensource-compliance/kestrel/internal/rulebook"
	"github.com/opensource-compliance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	if endpoint := os.Getenv("KESTREL_EXPLAIN_ENDPOINT"); endpoint != "" {
		cfg.Explain.Endpoint = endpoint
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Rulebook with configured thresholds
	params, err := matchingParams(cfg.Matching)
	if err != nil {
		slog.Error("invalid matching thresholds", "error", err)
		os.Exit(1)
	}
	book, err := rulebook.New(repo, params)
	if err != nil {
		slog.Error("failed to initialize rulebook", "error", err)
		os.Exit(1)
	}
	slog.Info("rulebook initialized", "builtin_rules", book.BuiltinCount())

	// Initialize Monthly Totals Service
	totals := monthly.NewService(repo, cacheImpl)
	slog.Info("monthly totals service initialized")

	// Initialize Explainer
	var explainer explain.Explainer = explain.Template{}
	if cfg.Explain.Endpoint != "" {
		explainer = explain.NewRemote(cfg.Explain.Endpoint, time.Duration(cfg.Explain.TimeoutSecs)*time.Second)
		slog.Info("remote explainer initialized", "endpoint", cfg.Explain.Endpoint)
	}

	// Initialize Batch Pipeline
	pipeline := batch.NewPipeline(book, totals.Getter(), explainer, cacheImpl, batch.Config{
		Workers: cfg.Matching.Workers,
	})
	slog.Info("batch pipeline initialized", "workers", cfg.Matching.Workers)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, pipeline, totals)

		// Get tenant IDs to process (from environment or default)
		tenantIDs := []string{}
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			tenantIDs = []string{envTenants}
		}

		workerCfg := worker.Config{
			TenantIDs: tenantIDs,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, book, pipeline, totals, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// matchingParams parses the configured threshold strings into rulebook
// parameters. Empty strings fall through to the regulatory defaults.
func matchingParams(cfg domain.MatchingConfig) (rulebook.Params, error) {
	var params rulebook.Params
	var err error

	if cfg.HighValueThreshold != "" {
		if params.HighValueThreshold, err = decimal.NewFromString(cfg.HighValueThreshold); err != nil {
			return params, fmt.Errorf("invalid high value threshold %q: %w", cfg.HighValueThreshold, err)
		}
	}
	if cfg.ReportingThreshold != "" {
		if params.ReportingThreshold, err = decimal.NewFromString(cfg.ReportingThreshold); err != nil {
			return params, fmt.Errorf("invalid reporting threshold %q: %w", cfg.ReportingThreshold, err)
		}
	}
	if cfg.MonthlyDepositLimit != "" {
		if params.MonthlyDepositLimit, err = decimal.NewFromString(cfg.MonthlyDepositLimit); err != nil {
			return params, fmt.Errorf("invalid monthly deposit limit %q: %w", cfg.MonthlyDepositLimit, err)
		}
	}

	return params, nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  Kestrel - Regulatory Violation Matching Engine")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /batches/evaluate  - Evaluate a batch of records")
	fmt.Println("    GET  /batches/{id}      - Get batch result by ID")
	fmt.Println("    GET  /records/{id}      - Get normalized record by ID")
	fmt.Println("    GET  /rules             - List the effective rulebook")
	fmt.Println("    POST /rules             - Create a new rule")
	fmt.Println("    POST /rules/reload      - Reload rules from the store")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println()
}
