package bridge

import (
	"context"
	"log/slog"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"go.olrik.dev/steward/internal/contract"
	"go.olrik.dev/steward/internal/fault"
	"go.olrik.dev/steward/internal/operation"
)

// RootClientConfig configures a RootClient
type RootClientConfig struct {
	Dial   DialFunc // defaults to DialSystemBus
	Retry  RetryPolicy
	Logger *slog.Logger
}

// RootClient calls the Root Service. It forwards the normalized action
// arguments only, the Root Service learns who is calling from the bus.
type RootClient struct {
	ep *endpoint
}

// NewRootClient creates a client. The connection is opened on first use.
func NewRootClient(cfg RootClientConfig) *RootClient {
	if cfg.Dial == nil {
		cfg.Dial = DialSystemBus
	}
	return &RootClient{ep: newEndpoint(contract.RootBusName, cfg.Dial, cfg.Retry, cfg.Logger)}
}

func (c *RootClient) call(ctx context.Context, method string, idempotent bool, args []interface{}, out ...interface{}) error {
	return c.ep.call(ctx, contract.RootBusName, contract.RootObjectPath, contract.RootInterface+"."+method, idempotent, args, out...)
}

// Execute runs a short action and returns the value the Root Service read
// back from the hardware.
func (c *RootClient) Execute(ctx context.Context, action string, args map[string]any) (dbus.Variant, error) {
	def, ok := contract.LookupAction(action)
	if !ok {
		return dbus.Variant{}, fault.New(fault.InvalidArgument, "unknown action %q", action)
	}
	var result map[string]dbus.Variant
	if err := c.call(ctx, "Execute", def.Idempotent, []interface{}{action, def.Encode(args)}, &result); err != nil {
		return dbus.Variant{}, err
	}
	value, ok := result["value"]
	if !ok {
		return dbus.Variant{}, fault.New(fault.InternalError, "%s: reply carries no value", action)
	}
	return value, nil
}

// Start submits a long action. The request key makes retries of the same
// submission return the same operation instead of starting a second one.
func (c *RootClient) Start(ctx context.Context, action string, args map[string]any) (operation.ID, error) {
	def, ok := contract.LookupAction(action)
	if !ok {
		return "", fault.New(fault.InvalidArgument, "unknown action %q", action)
	}
	requestKey := uuid.NewString()
	var id string
	if err := c.call(ctx, "Start", true, []interface{}{action, def.Encode(args), requestKey}, &id); err != nil {
		return "", err
	}
	return operation.ID(id), nil
}

// GetOperation fetches the authoritative snapshot of an operation
func (c *RootClient) GetOperation(ctx context.Context, id operation.ID) (operation.Snapshot, error) {
	var details map[string]dbus.Variant
	if err := c.call(ctx, "GetOperation", true, []interface{}{string(id)}, &details); err != nil {
		return operation.Snapshot{}, err
	}
	return operation.SnapshotFromDetails(details)
}

// CancelOperation asks the Root Service to cancel an operation
func (c *RootClient) CancelOperation(ctx context.Context, id operation.ID) error {
	return c.call(ctx, "CancelOperation", true, []interface{}{string(id)})
}

// ListOperations returns the ids the Root Service still retains
func (c *RootClient) ListOperations(ctx context.Context) ([]operation.ID, error) {
	var ids []string
	if err := c.call(ctx, "ListOperations", true, nil, &ids); err != nil {
		return nil, err
	}
	out := make([]operation.ID, len(ids))
	for i, id := range ids {
		out[i] = operation.ID(id)
	}
	return out, nil
}

// Close drops the connection
func (c *RootClient) Close() error {
	return c.ep.close()
}
