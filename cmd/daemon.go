package cmd

import (
	"github.com/spf13/cobra"

	"go.olrik.dev/steward/internal/daemon"
)

func (g *globals) daemonOptions(sysfsRoot string) daemon.Options {
	return daemon.Options{
		ConfigDir: g.configDir,
		Verbose:   g.verbose,
		SysfsRoot: sysfsRoot,
	}
}

func NewRootDaemonCommand(g *globals) *cobra.Command {
	var sysfsRoot string

	daemonCmd := &cobra.Command{
		Use:   "root-daemon",
		Short: "Run the privileged Root Service on the system bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.RunRoot(g.daemonOptions(sysfsRoot), g.logger)
		},
	}
	daemonCmd.Flags().StringVar(&sysfsRoot, "sysfs-root", "", "prefix for sysfs paths")
	_ = daemonCmd.Flags().MarkHidden("sysfs-root")

	return daemonCmd
}

func NewUserDaemonCommand(g *globals) *cobra.Command {
	var sysfsRoot string

	daemonCmd := &cobra.Command{
		Use:   "user-daemon",
		Short: "Run the User Service on the session bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.RunUser(g.daemonOptions(sysfsRoot), g.logger)
		},
	}
	daemonCmd.Flags().StringVar(&sysfsRoot, "sysfs-root", "", "prefix for sysfs paths")
	_ = daemonCmd.Flags().MarkHidden("sysfs-root")

	return daemonCmd
}
