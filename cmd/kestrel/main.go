package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/clickguard/kestrel/internal/actions"
	"github.com/clickguard/kestrel/internal/api"
	"github.com/clickguard/kestrel/internal/bulk"
	"github.com/clickguard/kestrel/internal/bus"
	"github.com/clickguard/kestrel/internal/cache"
	"github.com/clickguard/kestrel/internal/domain"
	"github.com/clickguard/kestrel/internal/features"
	"github.com/clickguard/kestrel/internal/notify"
	"github.com/clickguard/kestrel/internal/repository"
	"github.com/clickguard/kestrel/internal/rules"
	"github.com/clickguard/kestrel/internal/scoring"
	"github.com/clickguard/kestrel/internal/velocity"
	"github.com/clickguard/kestrel/internal/webhook"
	"github.com/clickguard/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// defaultTenantID is used when no KESTREL_TENANTS list is configured.
const defaultTenantID = "default"

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

	// Tenants served by the async workers and startup rule loading.
	tenantIDs := tenantList()

	// Initialize Rule Engine
	engine, err := rules.NewEngine()
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}

	// Load rules from database (no hardcoded defaults - configure via API)
	loadRulesFromDatabase(ctx, repo, engine, tenantIDs)
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Initialize Scorer and load the active model, if any
	scorer := scoring.NewScorer(repo, cacheImpl)
	for _, tenantID := range tenantIDs {
		if err := scorer.LoadActive(ctx, tenantID); err != nil {
			slog.Warn("no active model loaded", "tenant_id", tenantID, "error", err)
		}
	}

	// Initialize supporting services
	velocitySvc := velocity.NewService(repo, cacheImpl)
	executor := actions.NewExecutor(repo, logger)

	router := notify.NewRouter(repo, cacheImpl, logger,
		time.Duration(cfg.Pipeline.NotifyDrainMs)*time.Millisecond)
	router.Start(ctx)

	// Webhook deliveries ride the bus; the workers consume them below.
	webhookMgr := webhook.NewManager(repo, busImpl, logger,
		time.Duration(cfg.Pipeline.WebhookDrainMs)*time.Millisecond)

	// Assemble the evaluation pipeline shared by the API and the workers
	pipeline := worker.NewPipeline(
		repo, engine, features.NewExtractor(), velocitySvc,
		scorer, executor, router, webhookMgr, logger,
	)

	// Start async workers
	asyncWorker := worker.NewWorker(busImpl, repo, pipeline, cfg.Pipeline, logger)
	if err := asyncWorker.Start(tenantIDs); err != nil {
		slog.Error("failed to start workers", "error", err)
		os.Exit(1)
	}
	slog.Info("workers started",
		"tenant_count", len(tenantIDs),
		"fraud_workers", cfg.Pipeline.FraudWorkers,
		"postback_workers", cfg.Pipeline.PostbackWorkers,
	)

	// Bulk operations report through the notification router
	coordinator := bulk.NewCoordinator(repo, router, logger)

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:        repo,
		Cache:       cacheImpl,
		Bus:         busImpl,
		Engine:      engine,
		Pipeline:    pipeline,
		Scorer:      scorer,
		Executor:    executor,
		Coordinator: coordinator,
		Version:     Version,
	})

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

	// Stop consumers first so in-flight work drains before the queues close
	if err := asyncWorker.Stop(); err != nil {
		slog.Error("failed to stop workers", "error", err)
	}
	router.Stop()
	webhookMgr.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// tenantList reads the comma-separated KESTREL_TENANTS list, falling back
// to the single default tenant.
func tenantList() []string {
	env := os.Getenv("KESTREL_TENANTS")
	if env == "" {
		return []string{defaultTenantID}
	}
	var tenants []string
	for _, t := range strings.Split(env, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tenants = append(tenants, t)
		}
	}
	if len(tenants) == 0 {
		return []string{defaultTenantID}
	}
	return tenants
}

// loadRulesFromDatabase loads each tenant's active rules into the engine.
// All rules must be configured via POST /rules API - no hardcoded defaults.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine, tenantIDs []string) {
	for _, tenantID := range tenantIDs {
		dbRules, err := repo.ListRules(ctx, tenantID, true)
		if err != nil {
			// Start with empty rules - they can be added via API
			slog.Warn("failed to list rules from database", "tenant_id", tenantID, "error", err)
			continue
		}
		for _, rule := range dbRules {
			if err := engine.LoadRule(rule); err != nil {
				slog.Warn("skipping invalid rule", "rule_id", rule.ID, "error", err)
			}
		}
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║              🦅 KESTREL                   ║")
	fmt.Println("  ║      Click Fraud Decision Engine          ║")
	fmt.Println("  ║       Eyes on every click.                ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /events              - Ingest and evaluate a traffic event")
	fmt.Println("    GET  /events/{id}         - Get event by ID")
	fmt.Println("    GET  /rules               - List fraud rules")
	fmt.Println("    POST /rules               - Create a fraud rule")
	fmt.Println("    POST /rules/test          - Dry-run a rule against test cases")
	fmt.Println("    POST /rules/{id}/apply    - Replay a rule over recent events")
	fmt.Println("    POST /blocks              - Block an IP or user")
	fmt.Println("    POST /models/train        - Train a scoring model")
	fmt.Println("    POST /bulk/block-ips      - Bulk block IPs")
	fmt.Println("    GET  /alerts              - List monitoring alerts")
	fmt.Println("    GET  /health              - Health check")
	fmt.Println()
}
