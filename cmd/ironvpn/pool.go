package main

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sashakarcz/ironvpn/internal/config"
	"github.com/sashakarcz/ironvpn/internal/gitops"
	"github.com/sashakarcz/ironvpn/internal/pool"
	"github.com/sashakarcz/ironvpn/internal/storage"
)

func newPoolCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Manage the address pool",
	}

	cmd.AddCommand(
		newPoolImportCommand(),
		newPoolReleaseCommand(),
		newPoolSyncCommand(),
		newPoolStatsCommand(),
	)

	return cmd
}

// withAllocator opens the store and runs fn with an allocator over it
func withAllocator(fn func(ctx context.Context, cfg *config.Config, store *storage.Store, a *pool.Allocator) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(ctx, cfg, store, pool.NewAllocator(store, nil, cfg.Server.ServerID))
}

func newPoolImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import [pools.yaml]",
		Short: "Register pool addresses from a pool file or the config's pools section",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAllocator(func(ctx context.Context, cfg *config.Config, _ *storage.Store, a *pool.Allocator) error {
				blocks := cfg.Pools
				source := "config"
				if len(args) == 1 {
					pf, err := config.LoadPoolFile(args[0])
					if err != nil {
						return err
					}
					blocks = pf.Pools
					source = "file:" + args[0]
				}
				if len(blocks) == 0 {
					return fmt.Errorf("no pools to import")
				}

				result, err := a.Import(ctx, blocks, source)
				if err != nil {
					return err
				}

				types := make([]string, 0, len(result.Expanded))
				for t := range result.Expanded {
					types = append(types, t)
				}
				sort.Strings(types)

				out := cmd.OutOrStdout()
				for _, t := range types {
					fmt.Fprintf(out, "%s: %d addresses, %d new\n", t, result.Expanded[t], result.Added[t])
				}
				return nil
			})
		},
	}
}

func newPoolReleaseCommand() *cobra.Command {
	var (
		stale     bool
		olderThan time.Duration
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "release [address]",
		Short: "Return a revoked address to the pool",
		Long: `Release one revoked address immediately, or with --stale every address
revoked for longer than --older-than.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if stale == (len(args) == 1) {
				return fmt.Errorf("pass either an address or --stale")
			}

			return withAllocator(func(ctx context.Context, cfg *config.Config, _ *storage.Store, a *pool.Allocator) error {
				if stale {
					if olderThan == 0 {
						olderThan = cfg.Maintenance.ReleaseAfter
					}
					n, err := a.ReleaseStale(ctx, olderThan, limit)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "released %d addresses\n", n)
					return nil
				}

				released, err := a.Release(ctx, args[0])
				if err != nil {
					return err
				}
				if !released {
					return fmt.Errorf("%s is not a revoked pool address", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&stale, "stale", false, "Release every address revoked for longer than --older-than")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Minimum revocation age (defaults to maintenance.release_after)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of addresses to release (0 for no limit)")

	return cmd
}

func newPoolSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Pull the pool inventory repository and register new addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAllocator(func(ctx context.Context, cfg *config.Config, store *storage.Store, a *pool.Allocator) error {
				if !cfg.Git.Enabled {
					return fmt.Errorf("git is not enabled in the configuration")
				}

				repo := newRepository(cfg)
				if err := repo.Initialize(ctx); err != nil {
					return err
				}

				syncCtx, cancel := context.WithTimeout(ctx, cfg.Git.SyncTimeout)
				defer cancel()

				result, err := gitops.NewSyncService(repo, store, a, nil).Sync(syncCtx, storage.PoolSyncTriggerManual, "cli")
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "commit %s: %v addresses added\n",
					result.CommitInfo.Hash, result.ChangesApplied["total_added"])
				return nil
			})
		},
	}
}

func newPoolStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show address counts per pool type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAllocator(func(ctx context.Context, _ *config.Config, _ *storage.Store, a *pool.Allocator) error {
				stats, err := a.Stats(ctx)
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "POOL\tTOTAL\tAVAILABLE\tASSIGNED\tREVOKED")
				for _, s := range stats {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", s.PoolType, s.Total, s.Available, s.Assigned, s.Revoked)
				}
				return tw.Flush()
			})
		},
	}
}
