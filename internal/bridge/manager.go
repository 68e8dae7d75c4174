package bridge

import (
	"context"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"go.olrik.dev/steward/internal/contract"
)

// ManagerClient is the CLI's view of the User Service
type ManagerClient struct {
	ep *endpoint
}

// NewManagerClient creates a client. dial defaults to the session bus.
func NewManagerClient(dial DialFunc, retry RetryPolicy, logger *slog.Logger) *ManagerClient {
	if dial == nil {
		dial = DialSessionBus
	}
	return &ManagerClient{ep: newEndpoint(contract.BusName, dial, retry, logger)}
}

// Get reads one property
func (c *ManagerClient) Get(ctx context.Context, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant
	err := c.ep.call(ctx, contract.BusName, contract.ObjectPath, propertiesGet, true, []interface{}{iface, name}, &v)
	return v, err
}

// GetAll reads every property of an interface
func (c *ManagerClient) GetAll(ctx context.Context, iface string) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	err := c.ep.call(ctx, contract.BusName, contract.ObjectPath, "org.freedesktop.DBus.Properties.GetAll", true, []interface{}{iface}, &props)
	return props, err
}

// Set writes one property
func (c *ManagerClient) Set(ctx context.Context, iface, name string, value dbus.Variant) error {
	return c.ep.call(ctx, contract.BusName, contract.ObjectPath, propertiesSet, true, []interface{}{iface, name, value})
}

// Call invokes a method and returns the reply body. Methods are not
// assumed to be idempotent.
func (c *ManagerClient) Call(ctx context.Context, iface, method string, args ...interface{}) ([]interface{}, error) {
	return c.ep.invoke(ctx, contract.BusName, contract.ObjectPath, iface+"."+method, false, args)
}

// Introspect returns the published introspection XML
func (c *ManagerClient) Introspect(ctx context.Context) (string, error) {
	var xml string
	err := c.ep.call(ctx, contract.BusName, contract.ObjectPath, "org.freedesktop.DBus.Introspectable.Introspect", true, nil, &xml)
	return xml, err
}

// Close drops the connection
func (c *ManagerClient) Close() error {
	return c.ep.close()
}
