package bridge

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/godbus/dbus/v5"

	"go.olrik.dev/steward/internal/fault"
)

const (
	bluezBusName          = "org.bluez"
	BluezAdapterInterface = "org.bluez.Adapter1"

	propertiesGet = "org.freedesktop.DBus.Properties.Get"
	propertiesSet = "org.freedesktop.DBus.Properties.Set"
)

// Bluetooth reads and toggles the power state of the first BlueZ adapter
type Bluetooth struct {
	ep *endpoint

	mu      sync.Mutex
	adapter dbus.ObjectPath
}

// NewBluetooth creates a BlueZ client on the system bus
func NewBluetooth(dial DialFunc, retry RetryPolicy, logger *slog.Logger) *Bluetooth {
	if dial == nil {
		dial = DialSystemBus
	}
	return &Bluetooth{ep: newEndpoint(bluezBusName, dial, retry, logger)}
}

// findAdapter returns the first adapter object in path order
func (b *Bluetooth) findAdapter(ctx context.Context) (dbus.ObjectPath, error) {
	var objects managedObjects
	if err := b.ep.call(ctx, bluezBusName, "/", objectManagerGetManagedObjects, true, nil, &objects); err != nil {
		return "", err
	}
	var adapters []string
	for path, ifaces := range objects {
		if _, ok := ifaces[BluezAdapterInterface]; ok {
			adapters = append(adapters, string(path))
		}
	}
	if len(adapters) == 0 {
		return "", nil
	}
	sort.Strings(adapters)
	return dbus.ObjectPath(adapters[0]), nil
}

// AdapterPresent reports whether BlueZ knows an adapter. It is the
// detection predicate of the bluetooth feature.
func (b *Bluetooth) AdapterPresent(ctx context.Context) (bool, error) {
	path, err := b.findAdapter(ctx)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	b.adapter = path
	b.mu.Unlock()
	return path != "", nil
}

// AdapterPath returns the adapter in use, looking it up if needed
func (b *Bluetooth) AdapterPath(ctx context.Context) (dbus.ObjectPath, error) {
	b.mu.Lock()
	path := b.adapter
	b.mu.Unlock()
	if path != "" {
		return path, nil
	}
	if _, err := b.AdapterPresent(ctx); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.adapter == "" {
		return "", fault.New(fault.HardwareFault, "Bluetooth adapter unavailable")
	}
	return b.adapter, nil
}

func (b *Bluetooth) property(ctx context.Context, name string) (dbus.Variant, error) {
	path, err := b.AdapterPath(ctx)
	if err != nil {
		return dbus.Variant{}, err
	}
	var v dbus.Variant
	if err := b.ep.call(ctx, bluezBusName, path, propertiesGet, true, []interface{}{BluezAdapterInterface, name}, &v); err != nil {
		b.forgetOnUnknownObject(err)
		return dbus.Variant{}, err
	}
	return v, nil
}

// forgetOnUnknownObject clears the cached adapter when it was unplugged,
// a new one is looked up on the next call.
func (b *Bluetooth) forgetOnUnknownObject(err error) {
	if fault.CodeOf(err) != fault.HardwareFault {
		return
	}
	b.mu.Lock()
	b.adapter = ""
	b.mu.Unlock()
}

// Powered reads the adapter power state
func (b *Bluetooth) Powered(ctx context.Context) (bool, error) {
	v, err := b.property(ctx, "Powered")
	if err != nil {
		return false, err
	}
	on, ok := v.Value().(bool)
	if !ok {
		return false, fault.New(fault.InternalError, "Powered has type %s", v.Signature())
	}
	return on, nil
}

// SetPowered switches the adapter on or off
func (b *Bluetooth) SetPowered(ctx context.Context, on bool) error {
	path, err := b.AdapterPath(ctx)
	if err != nil {
		return err
	}
	err = b.ep.call(ctx, bluezBusName, path, propertiesSet, true, []interface{}{BluezAdapterInterface, "Powered", dbus.MakeVariant(on)})
	b.forgetOnUnknownObject(err)
	return err
}

// Address reads the adapter's Bluetooth address
func (b *Bluetooth) Address(ctx context.Context) (string, error) {
	v, err := b.property(ctx, "Address")
	if err != nil {
		return "", err
	}
	addr, ok := v.Value().(string)
	if !ok {
		return "", fault.New(fault.InternalError, "Address has type %s", v.Signature())
	}
	return addr, nil
}

// Close drops the connection
func (b *Bluetooth) Close() error {
	return b.ep.close()
}
