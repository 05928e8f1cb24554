package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sandwichfarm/negsync/internal/config"
	"github.com/sandwichfarm/negsync/internal/eventstore"
	"github.com/sandwichfarm/negsync/internal/ops"
	"github.com/sandwichfarm/negsync/internal/relaywire"
	"github.com/sandwichfarm/negsync/internal/syncengine"
	"github.com/sandwichfarm/negsync/internal/syncstate"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
	builtBy = "manual"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		handleInit()
		return
	}

	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", "", "Path to configuration file")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("negsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		fmt.Printf("  by:     %s\n", builtBy)
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("negsync - Nostr relay synchronization engine")
		fmt.Println()
		fmt.Println("No configuration file specified. Use --config <path> to specify config.")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  negsync init              Generate example configuration")
		fmt.Println("  negsync --version         Show version information")
		fmt.Println("  negsync --config <path>   Start with configuration file")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Starting negsync %s\n", version)
	fmt.Printf("  Relays configured: %d\n", len(cfg.Relays.Fleet))
	fmt.Println()

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := ops.NewLogger(&cfg.Logging)
	ops.SetDefault(logger)
	logger.LogStartup(version, commit, nil)

	fmt.Println("Initializing event store...")
	store, err := eventstore.New(ctx, &cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize event store: %w", err)
	}
	defer store.Close()
	fmt.Printf("  Event store: %s initialized\n", cfg.Storage.Driver)

	fmt.Println("Initializing sync state repository...")
	states, err := syncstate.NewRepository(ctx, cfg.Storage.SQLitePath+".state")
	if err != nil {
		return fmt.Errorf("failed to initialize sync state repository: %w", err)
	}
	defer states.Close()
	fmt.Println("  Sync state repository ready")

	fmt.Println("Initializing relay connection manager...")
	policy := relaywire.ReconnectPolicy{
		Delay:       time.Duration(cfg.Sync.ReconnectDelaySeconds) * time.Second,
		MaxAttempts: cfg.Sync.MaxReconnectAttempts,
	}
	relays := relaywire.NewManager(policy, logger)
	defer relays.Close()
	fmt.Println("  Relay connection manager ready")

	broadcaster, err := syncengine.NewBroadcaster(cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize event broadcaster: %w", err)
	}
	if broadcaster != nil {
		defer broadcaster.Close()
		fmt.Println("  Event broadcast enabled")
	}

	fmt.Println("Initializing sync orchestrator...")
	orchestrator := syncengine.NewOrchestrator(cfg, states, store, relays, broadcaster, logger)
	defer orchestrator.Stop()
	fmt.Println("  Sync orchestrator ready")

	startDispatchLoop(ctx, orchestrator, logger)

	fmt.Println()
	fmt.Println("All services started successfully!")
	fmt.Println()
	fmt.Println("Press Ctrl+C to shutdown gracefully...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println()
	fmt.Println("Shutting down gracefully...")
	logger.LogShutdown("signal received")
	cancel()

	fmt.Println("Shutdown complete")
	return nil
}

// startDispatchLoop runs one timer loop per dispatch mode plus a recovery
// loop. Each tick fans out across the whole configured fleet.
func startDispatchLoop(ctx context.Context, orchestrator *syncengine.Orchestrator, logger *ops.Logger) {
	realtimeInterval := 30 * time.Second
	backfillInterval := time.Minute
	uploadInterval := 30 * time.Second
	recoveryInterval := time.Minute

	dispatch := func(mode syncengine.Mode, interval time.Duration) {
		ticker := time.NewTicker(interval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := orchestrator.DispatchSyncJobs(ctx, mode, ""); err != nil && logger != nil {
						logger.Warn("dispatch failed", "mode", mode, "error", err)
					}
				}
			}
		}()
	}

	dispatch(syncengine.ModeRealtime, realtimeInterval)
	dispatch(syncengine.ModeBackfill, backfillInterval)
	dispatch(syncengine.ModeUpload, uploadInterval)

	go func() {
		ticker := time.NewTicker(recoveryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := orchestrator.RecoverStale(ctx); err != nil && logger != nil {
					logger.Warn("recovery pass failed", "error", err)
				}
			}
		}
	}()
}

func handleInit() {
	exampleConfig, err := config.GetExampleConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading example config: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(exampleConfig))
}
