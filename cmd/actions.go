package cmd

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"go.olrik.dev/steward/internal/contract"
)

// startOperation calls a method that returns an operation id and either
// prints the id or follows the operation to its end
func (g *globals) startOperation(cmd *cobra.Command, wait bool, iface, method string, args ...interface{}) error {
	client := g.client()
	defer client.Close()

	ctx, cancel := g.context(cmd)
	reply, err := client.Call(ctx, iface, method, args...)
	cancel()
	if err != nil {
		return err
	}
	var id string
	if err := dbus.Store(reply, &id); err != nil {
		return fmt.Errorf("unexpected reply to %s: %w", method, err)
	}

	if !wait {
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	}
	return waitOperation(cmd.Context(), client, id, cmd.OutOrStdout())
}

func NewFormatCommand(g *globals) *cobra.Command {
	var label string
	var noValidate, wait bool

	formatCmd := &cobra.Command{
		Use:   "format DEVICE",
		Short: "Format a block device",
		Long: `Format a block device. This destroys all data on DEVICE.

The operation id is printed unless --wait is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			options := map[string]dbus.Variant{
				"validate": dbus.MakeVariant(!noValidate),
			}
			if label != "" {
				options["label"] = dbus.MakeVariant(label)
			}
			return g.startOperation(cmd, wait, contract.StorageInterface, "FormatDeviceWithOptions", args[0], options)
		},
	}
	formatCmd.Flags().StringVarP(&label, "label", "l", "", "filesystem label")
	formatCmd.Flags().BoolVar(&noValidate, "no-validate", false, "skip the surface check")
	formatCmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the operation to finish")

	return formatCmd
}

func NewTrimCommand(g *globals) *cobra.Command {
	var wait bool

	trimCmd := &cobra.Command{
		Use:   "trim",
		Short: "Trim all mounted filesystems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.startOperation(cmd, wait, contract.StorageInterface, "TrimDevices")
		},
	}
	trimCmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the operation to finish")

	return trimCmd
}

func NewUpdateCommand(g *globals) *cobra.Command {
	var wait bool

	targets := map[string]struct{ iface, method string }{
		"bios": {contract.UpdateBiosInterface, "UpdateBios"},
		"dock": {contract.UpdateDockInterface, "UpdateDock"},
	}

	updateCmd := &cobra.Command{
		Use:       "update bios|dock",
		Short:     "Update device firmware",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"bios", "dock"},
		RunE: func(cmd *cobra.Command, args []string) error {
			t := targets[args[0]]
			return g.startOperation(cmd, wait, t.iface, t.method)
		},
	}
	updateCmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the operation to finish")

	return updateCmd
}

func NewFactoryResetCommand(g *globals) *cobra.Command {
	var wait bool

	kinds := map[string]uint32{
		"user": contract.FactoryResetUser,
		"os":   contract.FactoryResetOS,
		"all":  contract.FactoryResetAll,
	}

	resetCmd := &cobra.Command{
		Use:   "factory-reset user|os|all",
		Short: "Prepare a factory reset",
		Long: `Prepare a factory reset of user data, the operating system or both.

The reset itself happens on the next boot. A prepared reset cannot be
cancelled.`,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"user", "os", "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.startOperation(cmd, wait, contract.FactoryResetInterface, "PrepareFactoryReset", kinds[args[0]])
		},
	}
	resetCmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the operation to finish")

	return resetCmd
}
