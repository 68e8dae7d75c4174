package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"go.olrik.dev/steward/internal/contract"
)

func NewReloadCommand(g *globals) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Make the User Service re-read its configuration",
		Long: `Make the User Service re-read steward.hcl.

Log level, poll interval and rate limits change without a restart. A
configuration that does not parse is rejected and the previous one stays in
effect. The Root Service reloads on SIGHUP.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := g.client()
			defer client.Close()
			ctx, cancel := g.context(cmd)
			defer cancel()

			if _, err := client.Call(ctx, contract.ManagerInterface, "ReloadConfig"); err != nil {
				return err
			}
			if !quiet {
				slog.Info("Configuration reloaded")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress output")

	return cmd
}
