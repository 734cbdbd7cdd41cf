// Tern - Interbank settlement engine.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

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

	"github.com/opensource-finance/tern/internal/api"
	"github.com/opensource-finance/tern/internal/audit"
	"github.com/opensource-finance/tern/internal/bus"
	"github.com/opensource-finance/tern/internal/cache"
	"github.com/opensource-finance/tern/internal/consumer"
	"github.com/opensource-finance/tern/internal/domain"
	"github.com/opensource-finance/tern/internal/ledger"
	"github.com/opensource-finance/tern/internal/repository"
	"github.com/opensource-finance/tern/internal/settlement"
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
	if os.Getenv("TERN_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting tern",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("TERN_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"ledger", cfg.Ledger.Type,
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

	// Currency reference data is injected, never read from globals
	currencies := domain.NewCurrencyList(domain.DefaultCurrencies())

	// Initialize Ledger adapter
	ledgerImpl, err := ledger.New(cfg.Ledger, busImpl, currencies)
	if err != nil {
		slog.Error("failed to initialize ledger adapter", "error", err)
		os.Exit(1)
	}
	slog.Info("ledger adapter initialized", "type", cfg.Ledger.Type)

	// The embedded ledger also answers bus requests so sidecar tools can
	// share it
	if cfg.Ledger.Type == "memory" {
		ledgerSvc := ledger.NewService(busImpl, ledgerImpl, logger)
		if err := ledgerSvc.Start(ctx); err != nil {
			slog.Error("failed to start ledger service", "error", err)
			os.Exit(1)
		}
		defer ledgerSvc.Stop()
	}

	// Initialize Audit client
	auditClient := audit.NewBusClient(busImpl, logger)

	// Initialize Settlement Aggregate
	aggregate, err := settlement.NewAggregate(repo.Repositories(), ledgerImpl, busImpl, auditClient, currencies)
	if err != nil {
		slog.Error("failed to initialize settlement aggregate", "error", err)
		os.Exit(1)
	}
	slog.Info("settlement aggregate initialized")

	// Initialize bus Consumer
	cons := consumer.New(busImpl, aggregate, logger)
	if err := cons.Start(ctx); err != nil {
		slog.Error("failed to start consumer", "error", err)
		os.Exit(1)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, aggregate, repo.Repositories(), cacheImpl, busImpl, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("tern is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop the consumer first so in-flight commands drain
	if err := cons.Stop(); err != nil {
		slog.Error("failed to stop consumer", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("tern shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🐦 TERN                     ║")
	fmt.Println("  ║      Interbank Settlement Engine          ║")
	fmt.Println("  ║      Every transfer finds its batch.      ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /api/v1/transfers                  - Ingest a fund transfer")
	fmt.Println("    POST /api/v1/models                     - Create a settlement model")
	fmt.Println("    GET  /api/v1/models/{name}              - Get a settlement model")
	fmt.Println("    POST /api/v1/matrices                   - Create a settlement matrix")
	fmt.Println("    GET  /api/v1/matrices/{id}              - Get a settlement matrix")
	fmt.Println("    POST /api/v1/matrices/{id}/recalculate  - Recalculate balances")
	fmt.Println("    POST /api/v1/matrices/{id}/lock         - Lock for settlement")
	fmt.Println("    POST /api/v1/matrices/{id}/settle       - Settle locked batches")
	fmt.Println("    POST /api/v1/matrices/{id}/dispute      - Dispute batches")
	fmt.Println("    POST /api/v1/matrices/{id}/close        - Close batches")
	fmt.Println("    GET  /api/v1/batches                    - Search batches")
	fmt.Println("    GET  /api/v1/batches/{id}/transfers     - List batch transfers")
	fmt.Println("    GET  /health                            - Health check")
	fmt.Println()
}
