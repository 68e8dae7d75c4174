package cmd

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/godbus/dbus/v5/introspect"
	"github.com/spf13/cobra"

	"go.olrik.dev/steward/internal/contract"
)

// Status is what the status command reports
type Status struct {
	DaemonVersion string   `json:"daemon_version"`
	APIVersion    uint32   `json:"api_version"`
	Device        string   `json:"device"`
	Features      []string `json:"features"`
	Interfaces    []string `json:"interfaces"`
}

// publishedInterfaces parses introspection XML and returns the catalog
// interfaces it lists. Standard freedesktop interfaces are skipped.
func publishedInterfaces(data string) ([]contract.Interface, error) {
	var node introspect.Node
	if err := xml.Unmarshal([]byte(data), &node); err != nil {
		return nil, fmt.Errorf("failed to parse introspection: %w", err)
	}
	var out []contract.Interface
	for _, i := range node.Interfaces {
		if iface, ok := contract.Lookup(i.Name); ok {
			out = append(out, iface)
		}
	}
	return out, nil
}

// statusFrom collects the feature and interface lists
func statusFrom(ifaces []contract.Interface) Status {
	var st Status
	seen := map[string]bool{}
	for _, iface := range ifaces {
		st.Interfaces = append(st.Interfaces, iface.Short())
		if !seen[iface.Feature] {
			seen[iface.Feature] = true
			st.Features = append(st.Features, iface.Feature)
		}
	}
	sort.Strings(st.Interfaces)
	sort.Strings(st.Features)
	return st
}

func printStatus(w io.Writer, st Status) {
	fmt.Fprintf(w, "Daemon version: %s\n", st.DaemonVersion)
	fmt.Fprintf(w, "API version:    %d\n", st.APIVersion)
	if st.Device != "" {
		fmt.Fprintf(w, "Device:         %s\n", st.Device)
	}
	fmt.Fprintln(w, "Features:")
	for _, f := range st.Features {
		fmt.Fprintf(w, "  - %s\n", f)
	}
}

func NewStatusCommand(g *globals) *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the daemon version and the features this device supports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := g.client()
			defer client.Close()
			ctx, cancel := g.context(cmd)
			defer cancel()

			data, err := client.Introspect(ctx)
			if err != nil {
				slog.Warn("User service is not running")
				return err
			}
			ifaces, err := publishedInterfaces(data)
			if err != nil {
				return err
			}
			st := statusFrom(ifaces)

			props, err := client.GetAll(ctx, contract.ManagerInterface)
			if err != nil {
				return err
			}
			st.DaemonVersion = formatValue(props["DaemonVersion"])
			if v, ok := props["Version"].Value().(uint32); ok {
				st.APIVersion = v
			}
			st.Device = formatValue(props["DeviceModel"])

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				printStatus(cmd.OutOrStdout(), st)
			case "json":
				out, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
			default:
				return fmt.Errorf("unknown format %q", format)
			}
			return nil
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return statusCmd
}

func NewIntrospectCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "introspect",
		Short: "Print the introspection XML the User Service publishes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := g.client()
			defer client.Close()
			ctx, cancel := g.context(cmd)
			defer cancel()

			data, err := client.Introspect(ctx)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), data)
			return nil
		},
	}
}
