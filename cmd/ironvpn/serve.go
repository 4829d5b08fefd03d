package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/sashakarcz/ironvpn/internal/api"
	"github.com/sashakarcz/ironvpn/internal/events"
	"github.com/sashakarcz/ironvpn/internal/gitops"
	"github.com/sashakarcz/ironvpn/internal/logger"
	"github.com/sashakarcz/ironvpn/internal/maintenance"
	"github.com/sashakarcz/ironvpn/internal/metrics"
)

const banner = `
  _                __   _____  _  _
 (_)_ _ ___ _ _    \ \ / / _ \| \| |
 | | '_/ _ \ ' \    \ V /|  _/| .' |
 |_|_| \___/_||_|    \_/ |_|  |_|\_|

  WireGuard and Outline access provisioning
`

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the provisioning API, sweeper and pool sync",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	fmt.Fprint(cmd.OutOrStdout(), banner)

	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Info().
		Str("config", configFile).
		Str("version", Version).
		Msg("Starting ironVPN server")

	// Create main context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var m *metrics.Metrics
	if cfg.Observability.MetricsEnabled {
		m = metrics.New(reg)
		logger.Info().Msg("Initialized Prometheus metrics")
	}

	// Initialize event broadcaster for activity log
	broadcaster := events.NewBroadcaster()
	broadcaster.Start(ctx)

	// Connect to database and build the provisioning core
	svc, err := buildServices(ctx, cfg, m, broadcaster)
	if err != nil {
		return err
	}
	defer svc.Close()

	if m != nil {
		metrics.RegisterDatabasePool(reg, func() int32 { return svc.store.Stats().AcquiredConns() })
	}

	// Seed pools from local config
	if err := importConfigPools(ctx, cfg, svc.allocator); err != nil {
		return err
	}

	// Initialize GitOps (if enabled)
	var gitPoller *gitops.Poller
	if cfg.Git.Enabled {
		logger.Info().
			Str("repository", cfg.Git.Repository).
			Str("branch", cfg.Git.Branch).
			Msg("Initializing pool inventory GitOps")

		// Create Git repository manager
		repo := newRepository(cfg)
		if err := repo.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize Git repository: %w", err)
		}

		// Create sync service and poller
		syncService := gitops.NewSyncService(repo, svc.store, svc.allocator, m)
		syncService.SetNotifier(broadcaster)
		gitPoller = gitops.NewPoller(syncService, cfg.Git.PollInterval, cfg.Git.SyncTimeout)

		if err := gitPoller.Start(ctx); err != nil {
			return fmt.Errorf("failed to start pool poller: %w", err)
		}
	} else {
		logger.Info().Msg("GitOps disabled")
	}

	// Start maintenance sweeper
	var sweeper *maintenance.Sweeper
	if cfg.Maintenance.Enabled {
		sweeper = maintenance.NewSweeper(svc.coordinator, svc.allocator, maintenance.Config{
			Interval:     cfg.Maintenance.Interval,
			ReleaseAfter: cfg.Maintenance.ReleaseAfter,
			BatchSize:    cfg.Maintenance.BatchSize,
		}, m)
		sweeper.SetNotifier(broadcaster)

		if err := sweeper.Start(ctx); err != nil {
			return fmt.Errorf("failed to start maintenance sweeper: %w", err)
		}
	}

	// Compare recorded resources with live backend state
	if report, err := svc.coordinator.Reconcile(ctx); err != nil {
		logger.Warn().Err(err).Msg("Startup reconcile failed")
	} else if !report.InSync() {
		logger.Warn().
			Interface("report", report).
			Msg("Recorded resources disagree with live backend state")
	}

	// Create and start API server (if enabled)
	var apiServer *api.Server
	if cfg.Observability.WebEnabled {
		deps := api.Deps{
			Coordinator: svc.coordinator,
			Pools:       svc.allocator,
			Store:       svc.store,
			Broadcaster: broadcaster,
			Gatherer:    reg,
		}
		// typed nils would defeat the handlers' nil checks
		if sweeper != nil {
			deps.Sweeper = sweeper
		}
		if gitPoller != nil {
			deps.Poller = gitPoller
		}

		apiServer = api.New(api.Config{
			Port:    cfg.Observability.WebPort,
			Enabled: cfg.Observability.WebEnabled,
			WebAuth: &cfg.Observability.WebAuth,
		}, deps)

		if err := apiServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info().Msg("ironVPN server is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info().Msg("Shutdown signal received, stopping server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop API server
	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error stopping API server")
		}
	}

	// Stop GitOps poller
	if gitPoller != nil {
		if err := gitPoller.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error stopping pool poller")
		}
	}

	// Stop maintenance sweeper
	if sweeper != nil {
		if err := sweeper.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error stopping maintenance sweeper")
		}
	}

	logger.Info().Msg("Server stopped. Goodbye!")
	return nil
}
