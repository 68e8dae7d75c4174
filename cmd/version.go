package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/steward/internal/contract"
	"go.olrik.dev/steward/internal/core"
)

func NewVersionCommand(g *globals) *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Long:  `Show version of both client and daemon (if running)`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			clientFormatted := core.FormatVersion(core.Version)
			fmt.Fprintf(os.Stderr, "Client version: %s (API %d)\n", clientFormatted, contract.APIVersion)

			client := g.client()
			defer client.Close()
			ctx, cancel := g.context(cmd)
			defer cancel()

			v, err := client.Get(ctx, contract.ManagerInterface, "DaemonVersion")
			if err != nil {
				fmt.Fprintln(os.Stderr, "Daemon: not running")
				return
			}
			daemonFormatted := formatValue(v)
			fmt.Fprintf(os.Stderr, "Daemon version: %s\n", daemonFormatted)

			if api, err := client.Get(ctx, contract.ManagerInterface, "Version"); err == nil {
				if n, ok := api.Value().(uint32); ok && n != contract.APIVersion {
					slog.Warn(fmt.Sprintf("Daemon speaks API version %d, client was built for %d", n, contract.APIVersion))
				}
			}

			if daemonFormatted != clientFormatted {
				slog.Warn(fmt.Sprintf("Version mismatch! Client %s and daemon %s versions differ. Consider restarting the daemon.", clientFormatted, daemonFormatted))
			}
		},
	}

	return versionCmd
}
