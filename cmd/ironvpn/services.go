package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashakarcz/ironvpn/internal/config"
	"github.com/sashakarcz/ironvpn/internal/gitops"
	"github.com/sashakarcz/ironvpn/internal/logger"
	"github.com/sashakarcz/ironvpn/internal/metrics"
	"github.com/sashakarcz/ironvpn/internal/outline"
	"github.com/sashakarcz/ironvpn/internal/pool"
	"github.com/sashakarcz/ironvpn/internal/provision"
	"github.com/sashakarcz/ironvpn/internal/storage"
	"github.com/sashakarcz/ironvpn/internal/wireguard"
)

// loadConfig reads the configuration file and sets up logging
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Setup(logger.Config{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	}); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	return cfg, nil
}

// openStore runs migrations and connects to the database
func openStore(ctx context.Context, cfg *config.Config) (*storage.Store, error) {
	logger.Info().Msg("Initializing database")
	if err := storage.EnsureDatabase(ctx, cfg.Database.Connection); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	store, err := storage.New(ctx, storage.Config{
		ConnectionString: cfg.Database.Connection,
		MaxConnections:   cfg.Database.MaxConnections,
		MinConnections:   cfg.Database.MinConnections,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info().Msg("Database connection established")
	return store, nil
}

// services holds the provisioning components shared by the commands
type services struct {
	store       *storage.Store
	allocator   *pool.Allocator
	coordinator *provision.Coordinator
	closers     []func() error
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Warn().Err(err).Msg("Failed to close component")
		}
	}
	s.store.Close()
}

// buildServices wires the allocator, the enabled backends and the coordinator.
// m and notifier may be nil.
func buildServices(ctx context.Context, cfg *config.Config, m *metrics.Metrics, notifier provision.Notifier) (*services, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	svc := &services{
		store:     store,
		allocator: pool.NewAllocator(store, m, cfg.Server.ServerID),
	}

	var backends []provision.Backend

	if cfg.WireGuard.Enabled {
		backend, closer, err := newWireGuardBackend(cfg, svc.allocator, m)
		if err != nil {
			svc.Close()
			return nil, err
		}
		if closer != nil {
			svc.closers = append(svc.closers, closer)
		}
		backends = append(backends, backend)
	}

	if cfg.Outline.Enabled {
		client, err := outline.NewClient(outline.Config{
			APIURL:     cfg.Outline.APIURL,
			CertSHA256: cfg.Outline.CertSHA256,
			Timeout:    cfg.Outline.RequestTimeout,
		})
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("failed to create outline client: %w", err)
		}
		backends = append(backends, provision.NewOutlineBackend(client, m))
		logger.Info().Str("api_url", cfg.Outline.APIURL).Msg("Outline backend enabled")
	}

	svc.coordinator = provision.NewCoordinator(store, provision.Options{
		Metrics:  m,
		Notifier: notifier,
		ServerID: cfg.Server.ServerID,
	}, backends...)

	return svc, nil
}

func newWireGuardBackend(cfg *config.Config, allocator *pool.Allocator, m *metrics.Metrics) (provision.Backend, func() error, error) {
	wg := cfg.WireGuard
	runner := wireguard.NewExecRunner(wg.ToolTimeout)

	var (
		controller wireguard.PeerController
		closer     func() error
	)
	switch wg.Control {
	case "netlink":
		nl, err := wireguard.NewNetlinkController()
		if err != nil {
			return nil, nil, err
		}
		controller = nl
		closer = nl.Close
	case "tool":
		controller = wireguard.NewToolController(runner, wg.WGBinary)
	default:
		return nil, nil, errors.New("unknown wireguard control mode " + wg.Control)
	}

	var keys wireguard.KeyGenerator
	if wg.KeyGen == "native" {
		keys = wireguard.NativeKeyGenerator{}
	} else {
		keys = wireguard.NewToolKeyGenerator(runner, wg.WGBinary)
	}

	mutator := wireguard.NewMutator(wireguard.MutatorConfig{
		Interface:  wg.Interface,
		ConfigPath: wg.ConfigPath,
		ClientsDir: wg.ClientsDir,
	}, controller)

	logger.Info().
		Str("interface", wg.Interface).
		Str("control", wg.Control).
		Str("keygen", wg.KeyGen).
		Msg("WireGuard backend enabled")

	return provision.NewWireGuardBackend(keys, allocator, mutator, provision.WireGuardSettings{
		ServerPublicKey:     wg.ServerPublicKey,
		Endpoint:            wg.Endpoint,
		DNS:                 wg.DNS,
		PersistentKeepalive: wg.PersistentKeepalive,
	}, m), closer, nil
}

// importConfigPools registers the pools listed in the main config file
func importConfigPools(ctx context.Context, cfg *config.Config, allocator *pool.Allocator) error {
	if len(cfg.Pools) == 0 {
		return nil
	}

	result, err := allocator.Import(ctx, cfg.Pools, "config")
	if err != nil {
		return fmt.Errorf("failed to import configured pools: %w", err)
	}

	logger.Info().
		Int("blocks", len(cfg.Pools)).
		Int64("added", result.TotalAdded()).
		Msg("Imported configured pools")
	return nil
}

// newRepository builds the pool inventory checkout from the git section
func newRepository(cfg *config.Config) *gitops.Repository {
	repoConfig := &gitops.RepositoryConfig{
		URL:       cfg.Git.Repository,
		Branch:    cfg.Git.Branch,
		LocalPath: cfg.Git.LocalPath,
		PoolsFile: cfg.Git.PoolsPath,
		Depth:     cfg.Git.Depth,
	}
	if cfg.Git.Auth.Type == "token" {
		repoConfig.Token = cfg.Git.Auth.Token
	}
	return gitops.NewRepository(repoConfig)
}
