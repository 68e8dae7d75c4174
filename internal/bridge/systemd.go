package bridge

import (
	"context"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"go.olrik.dev/steward/internal/fault"
)

const (
	systemdBusName     = "org.freedesktop.systemd1"
	systemdPath        = dbus.ObjectPath("/org/freedesktop/systemd1")
	systemdManager     = "org.freedesktop.systemd1.Manager"
	systemdUnitIface   = "org.freedesktop.systemd1.Unit"
	systemdReplaceMode = "replace"
)

// Systemd starts, stops and inspects units of the system manager
type Systemd struct {
	ep *endpoint
}

// NewSystemd creates a systemd client on the system bus
func NewSystemd(dial DialFunc, retry RetryPolicy, logger *slog.Logger) *Systemd {
	if dial == nil {
		dial = DialSystemBus
	}
	return &Systemd{ep: newEndpoint(systemdBusName, dial, retry, logger)}
}

// unitProperty loads unit and reads one of its Unit properties. LoadUnit
// succeeds for units that do not exist, LoadState tells them apart.
func (s *Systemd) unitProperty(ctx context.Context, unit, name string) (string, error) {
	var path dbus.ObjectPath
	if err := s.ep.call(ctx, systemdBusName, systemdPath, systemdManager+".LoadUnit", true, []interface{}{unit}, &path); err != nil {
		return "", err
	}
	var v dbus.Variant
	if err := s.ep.call(ctx, systemdBusName, path, propertiesGet, true, []interface{}{systemdUnitIface, name}, &v); err != nil {
		return "", err
	}
	str, ok := v.Value().(string)
	if !ok {
		return "", fault.New(fault.InternalError, "%s of %s has type %s", name, unit, v.Signature())
	}
	return str, nil
}

// UnitLoaded reports whether unit is installed
func (s *Systemd) UnitLoaded(ctx context.Context, unit string) (bool, error) {
	state, err := s.unitProperty(ctx, unit, "LoadState")
	if err != nil {
		return false, err
	}
	return state == "loaded", nil
}

// UnitActive reports whether unit is running
func (s *Systemd) UnitActive(ctx context.Context, unit string) (bool, error) {
	state, err := s.unitProperty(ctx, unit, "ActiveState")
	if err != nil {
		return false, err
	}
	return state == "active", nil
}

// StartUnit queues a start job for unit. Starting a running unit is a no-op.
func (s *Systemd) StartUnit(ctx context.Context, unit string) error {
	var job dbus.ObjectPath
	return s.ep.call(ctx, systemdBusName, systemdPath, systemdManager+".StartUnit", true, []interface{}{unit, systemdReplaceMode}, &job)
}

// StopUnit queues a stop job for unit
func (s *Systemd) StopUnit(ctx context.Context, unit string) error {
	var job dbus.ObjectPath
	return s.ep.call(ctx, systemdBusName, systemdPath, systemdManager+".StopUnit", true, []interface{}{unit, systemdReplaceMode}, &job)
}

// Close drops the connection
func (s *Systemd) Close() error {
	return s.ep.close()
}
