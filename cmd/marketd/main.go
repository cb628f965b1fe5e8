package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tokenbay/marketd/internal/api"
	"github.com/tokenbay/marketd/internal/bank"
	"github.com/tokenbay/marketd/internal/clock"
	"github.com/tokenbay/marketd/internal/config"
	"github.com/tokenbay/marketd/internal/health"
	"github.com/tokenbay/marketd/internal/leader"
	"github.com/tokenbay/marketd/internal/market"
	"github.com/tokenbay/marketd/internal/store"
	"github.com/tokenbay/marketd/internal/telemetry"
	"github.com/tokenbay/marketd/internal/token"

	// Register store drivers so they are available via store.Open.
	_ "github.com/tokenbay/marketd/internal/store/memory"
	_ "github.com/tokenbay/marketd/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup telemetry.
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	// Open store using the configured driver (postgres or memory).
	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	// Token contracts and the settlement ledger run in-process.
	tokens := token.NewMemory()
	if cfg.Market.TemplateHash != "" {
		tokens.RegisterCode(cfg.Market.TemplateHash)
	}
	funds := bank.NewMemory()

	engine := market.New(cfg.Market, tokens, tokens, funds, repos, logger, tp.TracerProvider, clk)

	// Setup health checks.
	healthHandler := health.NewHandler(clk,
		health.Checker{
			Name:  "database",
			Check: repos.Ping,
		},
		health.Checker{
			Name:  "engine",
			Check: engine.Ready,
		},
	)

	// The HTTP server runs on all replicas; mutating requests only succeed
	// on the replica that recovered engine state and reports ready.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler())
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler())
	mux.Handle("/v1/", api.New(engine, logger, tp.TracerProvider))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
		}
	}()

	// startEngine is the core work that only the leader should run.
	startEngine := func(ctx context.Context) {
		// Rebuild collections, items and admin settings from the store
		// so that open listings survive leader failover.
		if recoverErr := engine.Recover(ctx); recoverErr != nil {
			logger.ErrorContext(ctx, "engine recovery failed", slog.Any("error", recoverErr))
			return
		}

		healthHandler.SetReady(true)
		logger.InfoContext(ctx, "marketd is running (leader)", slog.String("version", version))

		// Block until leadership is lost or process is shutting down.
		<-ctx.Done()

		healthHandler.SetReady(false)
	}

	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, waiting for leadership...")

		if leaderErr := leader.Run(ctx, leader.Config(cfg.LeaderElection), logger, startEngine, func() {
			logger.Info("lost leadership, shutting down...")
			cancel()
		}); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else {
		// No leader election — run directly.
		if recoverErr := engine.Recover(ctx); recoverErr != nil {
			return fmt.Errorf("engine recovery: %w", recoverErr)
		}

		healthHandler.SetReady(true)
		logger.InfoContext(ctx, "marketd is running", slog.String("version", version))

		// Wait for shutdown signal.
		<-ctx.Done()
		logger.Info("shutting down...")

		healthHandler.SetReady(false)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
