package cmd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/steward/internal/bridge"
	"go.olrik.dev/steward/internal/core"
)

// callTimeout bounds a single CLI call including bridge retries
const callTimeout = 30 * time.Second

// globals are the persistent flags and what PersistentPreRunE derives from
// them
type globals struct {
	configDir string
	verbose   int

	cfg    *core.Configuration
	logger *slog.Logger
}

// client connects to the User Service on the session bus
func (g *globals) client() *bridge.ManagerClient {
	return bridge.NewManagerClient(nil, bridge.PolicyFrom(g.cfg.Bridge), g.logger)
}

func (g *globals) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), callTimeout)
}

func NewRootCommand() *cobra.Command {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:           "steward",
		Short:         "Steward - device hardware control",
		Long:          `Steward exposes device hardware controls to the desktop session over D-Bus.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := core.LoadConfigDir(g.configDir)
			if err != nil {
				return err
			}
			g.cfg = cfg
			g.logger = core.SetupLogging(os.Stderr, core.VerbosityLevel(g.verbose, cfg.LogLevel))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&g.configDir, "config-dir", core.DefaultConfigDir, "configuration directory")
	rootCmd.PersistentFlags().CountVarP(&g.verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewRootDaemonCommand(g),
		NewUserDaemonCommand(g),
		NewStatusCommand(g),
		NewIntrospectCommand(g),
		NewGetCommand(g),
		NewSetCommand(g),
		NewOperationsCommand(g),
		NewFormatCommand(g),
		NewTrimCommand(g),
		NewUpdateCommand(g),
		NewFactoryResetCommand(g),
		NewReloadCommand(g),
		NewVersionCommand(g),
	)

	return rootCmd
}
