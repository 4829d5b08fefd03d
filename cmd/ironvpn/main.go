package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "ironvpn",
		Short:         "ironVPN - WireGuard and Outline access provisioning",
		Long:          `ironVPN allocates pool addresses, applies WireGuard peers and Outline access keys, and keeps the database in step with both.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "Path to configuration file")

	rootCmd.AddCommand(
		newServeCommand(),
		newSweepCommand(),
		newPoolCommand(),
		newHashpwCommand(),
		newVersionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ironVPN %s\n", Version)
		},
	}
}
