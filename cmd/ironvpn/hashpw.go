package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sashakarcz/ironvpn/internal/api"
)

func newHashpwCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "hashpw <password>",
		Short:   "Print a bcrypt hash for web_auth.password_hash",
		Example: "  ironvpn hashpw mypassword",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := api.HashPassword(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "bcrypt hash: %s\n", hash)
			fmt.Fprintln(out, "\nAdd this to your config:")
			fmt.Fprintf(out, "  web_auth:\n")
			fmt.Fprintf(out, "    enabled: true\n")
			fmt.Fprintf(out, "    username: admin\n")
			fmt.Fprintf(out, "    password_hash: \"%s\"\n", hash)
			return nil
		},
	}
}
