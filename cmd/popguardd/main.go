// Popguardd is the popup decision daemon.
//
// It serves the pattern-learning engine over HTTP: browser clients
// report popup observations, receive automatic suggestions for
// confidently matched patterns, and submit user decisions that train
// the engine. Learned patterns persist in a local SQLite database.
//
// Configuration comes from a YAML file plus POPGUARD_* environment
// overrides. See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	popguardd
//
//	# Start with a config file
//	popguardd -config /etc/popguard/config.yaml
//
//	# Configure via environment
//	POPGUARD_SERVER_PORT=9090 popguardd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/popguard/popguard/internal/config"
	"github.com/popguard/popguard/internal/decision"
	"github.com/popguard/popguard/internal/httpapi"
	"github.com/popguard/popguard/internal/patterns"
	"github.com/popguard/popguard/internal/storage"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  popguardd           Start the popup decision daemon\n")
			fmt.Fprintf(os.Stderr, "  popguardd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("popguardd\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the daemon together and blocks until ctx is cancelled.
//
//  1. Load and validate configuration
//  2. Initialize logger
//  3. Open SQLite storage
//  4. Start the pattern bank (snapshot load + maintenance)
//  5. Start the decision coordinator and recover orphaned pendings
//  6. Watch the config file for engine tuning changes
//  7. Serve HTTP until shutdown
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting popguardd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_path", cfg.Storage.Path))

	store, err := storage.Open(cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage failed", zap.Error(err))
		}
	}()

	bank, err := patterns.NewBank(store, bankConfig(cfg.Engine), logger)
	if err != nil {
		return fmt.Errorf("creating pattern bank: %w", err)
	}
	if err := bank.Init(ctx); err != nil {
		return fmt.Errorf("initializing pattern bank: %w", err)
	}

	coord, err := decision.NewCoordinator(bank, logger,
		decision.WithTimeout(cfg.Engine.DecisionTimeout.Duration()),
		decision.WithMaxPendingAge(cfg.Engine.PendingMaxAge.Duration()),
		decision.WithSweepInterval(cfg.Engine.PendingSweep.Duration()),
		decision.WithJournal(store),
	)
	if err != nil {
		return fmt.Errorf("creating coordinator: %w", err)
	}

	recoverPending(ctx, store, logger)

	var watcher *config.Watcher
	if configPath != "" {
		watcher, err = config.NewWatcher(configPath, func(next *config.Config) {
			bank.ApplyConfig(bankConfig(next.Engine))
		}, logger)
		if err != nil {
			logger.Warn("config watcher unavailable", zap.Error(err))
		} else if err := watcher.Start(); err != nil {
			logger.Warn("starting config watcher failed", zap.Error(err))
		}
	}

	srv, err := httpapi.NewServer(bank, coord, logger, &httpapi.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("Server ready",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	// Shutdown order: stop taking requests, stop reacting to config,
	// drain the coordinator, then persist the final snapshot.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	if watcher != nil {
		watcher.Stop()
	}
	coord.Shutdown()
	bank.Shutdown(shutdownCtx)

	return nil
}

// bankConfig maps engine settings onto the pattern bank's knobs.
func bankConfig(e config.EngineConfig) patterns.BankConfig {
	return patterns.BankConfig{
		MatchThreshold:      e.MatchThreshold,
		MaxPatterns:         e.MaxPatterns,
		MaxPatternAge:       e.MaxPatternAge.Duration(),
		DecayHalfLife:       e.DecayHalfLife.Duration(),
		MaintenanceInterval: e.MaintenanceInterval.Duration(),
	}
}

// recoverPending handles journal entries left over from a crash.
// Decisions in flight when the previous process died never resolved,
// so their records are logged and discarded rather than replayed.
func recoverPending(ctx context.Context, store *storage.Store, logger *zap.Logger) {
	pending, err := store.LoadPending(ctx)
	if err != nil {
		logger.Warn("loading pending decision journal failed", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}
	for _, rec := range pending {
		logger.Info("discarding orphaned pending decision",
			zap.String("popup_id", rec.PopupID),
			zap.String("domain", rec.Domain),
			zap.Time("submitted_at", rec.SubmittedAt))
	}
	if err := store.ClearPending(ctx); err != nil {
		logger.Warn("clearing pending decision journal failed", zap.Error(err))
	}
}

// initLogger builds the process logger from logging config.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	return zcfg.Build()
}
