package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"go.olrik.dev/steward/internal/bridge"
	"go.olrik.dev/steward/internal/contract"
	"go.olrik.dev/steward/internal/operation"
)

// waitInterval is how often wait polls an operation
const waitInterval = 500 * time.Millisecond

// fetchOperation reads the full snapshot of id from the JobManager
func fetchOperation(ctx context.Context, client *bridge.ManagerClient, id string) (operation.Snapshot, error) {
	reply, err := client.Call(ctx, contract.JobManagerInterface, "GetOperationDetails", id)
	if err != nil {
		return operation.Snapshot{}, err
	}
	if len(reply) != 1 {
		return operation.Snapshot{}, fmt.Errorf("unexpected reply to GetOperationDetails: %v", reply)
	}
	details, ok := reply[0].(map[string]dbus.Variant)
	if !ok {
		return operation.Snapshot{}, fmt.Errorf("unexpected reply to GetOperationDetails: %T", reply[0])
	}
	return operation.SnapshotFromDetails(details)
}

// formatSnapshot renders an operation on one line
func formatSnapshot(snap operation.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s %d%%", snap.ID, snap.Kind, snap.State, snap.Progress)
	if snap.Resource != "" {
		fmt.Fprintf(&b, " [%s]", snap.Resource)
	}
	if snap.Error != "" {
		fmt.Fprintf(&b, ": %s", snap.Error)
	}
	if snap.Recovery != operation.RecoveryNone {
		fmt.Fprintf(&b, " (%s)", snap.Recovery)
	}
	return b.String()
}

// operationError turns an unsuccessful terminal snapshot into an error
func operationError(snap operation.Snapshot) error {
	switch snap.State {
	case operation.Succeeded:
		return nil
	case operation.Cancelled:
		return fmt.Errorf("operation %s was cancelled", snap.ID)
	}
	msg := snap.Error
	if msg == "" {
		msg = "no reason given"
	}
	if snap.Recovery != operation.RecoveryNone {
		return fmt.Errorf("operation %s failed: %s (%s)", snap.ID, msg, snap.Recovery)
	}
	return fmt.Errorf("operation %s failed: %s", snap.ID, msg)
}

// waitOperation polls id until it is terminal, printing every change
func waitOperation(ctx context.Context, client *bridge.ManagerClient, id string, out io.Writer) error {
	var last operation.Snapshot
	ticker := time.NewTicker(waitInterval)
	defer ticker.Stop()

	for {
		snap, err := fetchOperation(ctx, client, id)
		if err != nil {
			return err
		}
		if snap.State != last.State || snap.Progress != last.Progress {
			fmt.Fprintln(out, formatSnapshot(snap))
			last = snap
		}
		if snap.State.Terminal() {
			return operationError(snap)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func NewOperationsCommand(g *globals) *cobra.Command {
	opsCmd := &cobra.Command{
		Use:     "operations",
		Aliases: []string{"ops"},
		Short:   "Inspect and control long-running operations",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List known operations, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := g.client()
			defer client.Close()
			ctx, cancel := g.context(cmd)
			defer cancel()

			reply, err := client.Call(ctx, contract.JobManagerInterface, "ListOperations")
			if err != nil {
				return err
			}
			var ids []string
			if err := dbus.Store(reply, &ids); err != nil {
				return err
			}
			for _, id := range ids {
				snap, err := fetchOperation(ctx, client, id)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", id, err)
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), formatSnapshot(snap))
			}
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get ID",
		Short: "Show one operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := g.client()
			defer client.Close()
			ctx, cancel := g.context(cmd)
			defer cancel()

			snap, err := fetchOperation(ctx, client, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatSnapshot(snap))
			return nil
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Request cancellation of an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := g.client()
			defer client.Close()
			ctx, cancel := g.context(cmd)
			defer cancel()

			_, err := client.Call(ctx, contract.JobManagerInterface, "CancelOperation", args[0])
			return err
		},
	}

	waitCmd := &cobra.Command{
		Use:   "wait ID",
		Short: "Wait until an operation finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := g.client()
			defer client.Close()
			return waitOperation(cmd.Context(), client, args[0], cmd.OutOrStdout())
		},
	}

	opsCmd.AddCommand(listCmd, getCmd, cancelCmd, waitCmd)
	return opsCmd
}
