package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sashakarcz/ironvpn/internal/maintenance"
)

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire due resources and release aged addresses once",
		Long:  `Run a single maintenance pass, for use from cron when the server's own sweeper is disabled.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			svc, err := buildServices(ctx, cfg, nil, nil)
			if err != nil {
				return err
			}
			defer svc.Close()

			sweeper := maintenance.NewSweeper(svc.coordinator, svc.allocator, maintenance.Config{
				Interval:     cfg.Maintenance.Interval,
				ReleaseAfter: cfg.Maintenance.ReleaseAfter,
				BatchSize:    cfg.Maintenance.BatchSize,
			}, nil)

			result, err := sweeper.RunOnce(ctx)
			if result != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "expired: %d\nreleased: %d\n", result.Expired, result.Released)
			}
			return err
		},
	}
}
