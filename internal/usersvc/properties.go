package usersvc

import (
	"context"

	"github.com/godbus/dbus/v5"

	"go.olrik.dev/steward/internal/contract"
	"go.olrik.dev/steward/internal/core"
	"go.olrik.dev/steward/internal/fault"
	"go.olrik.dev/steward/internal/hardware"
	"go.olrik.dev/steward/internal/notify"
)

// bluetoothResource serializes writes to the adapter
const bluetoothResource = "bluetooth"

// DeviceModel is the (ss) value of Manager.DeviceModel
type DeviceModel struct {
	Vendor  string
	Product string
}

// binding connects one contract property to where its value lives
type binding struct {
	resource string // lock held while writing, and while polling a writable property
	get      func(ctx context.Context) (any, error)
	set      func(ctx context.Context, value any) (readback any, err error)
	polled   bool
}

func constant(v any) binding {
	return binding{get: func(context.Context) (any, error) { return v, nil }}
}

func read[T any](fn func() (T, error)) func(context.Context) (any, error) {
	return func(context.Context) (any, error) {
		v, err := fn()
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}

func readCtx[T any](fn func(context.Context) (T, error)) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}

func rangeMin(fn func() (hardware.Range, error)) func(context.Context) (any, error) {
	return func(context.Context) (any, error) {
		r, err := fn()
		if err != nil {
			return nil, err
		}
		return r.Min, nil
	}
}

func rangeMax(fn func() (hardware.Range, error)) func(context.Context) (any, error) {
	return func(context.Context) (any, error) {
		r, err := fn()
		if err != nil {
			return nil, err
		}
		return r.Max, nil
	}
}

// privileged binds a writable property whose writes go to the Root Service
// as action with the new value in arg. The Root Service reads the value back
// after writing and that is what gets published.
func (s *Service) privileged(get func(context.Context) (any, error), action, arg string) binding {
	b := binding{get: get, polled: true}
	def, ok := contract.LookupAction(action)
	if !ok || s.root == nil {
		return b
	}
	b.resource = def.Resource
	b.set = func(ctx context.Context, value any) (any, error) {
		v, err := s.root.Execute(ctx, action, map[string]any{arg: value})
		if err != nil {
			return nil, err
		}
		return v.Value(), nil
	}
	return b
}

func polled(get func(context.Context) (any, error)) binding {
	return binding{get: get, polled: true}
}

// propertyBindings binds the properties whose backend exists. Interfaces of
// absent backends are left without bindings and dropped by bindFeatures.
func (s *Service) propertyBindings() map[string]map[string]binding {
	b := s.backends
	out := map[string]map[string]binding{
		contract.ManagerInterface: {
			"Version":       constant(uint32(contract.APIVersion)),
			"DeviceModel":   constant(DeviceModel{Vendor: b.DMI.SysVendor, Product: b.DMI.ProductName}),
			"DaemonVersion": constant(core.FormatVersion(core.Version)),
		},
	}

	if b.Tdp != nil {
		out[contract.TdpLimitInterface] = map[string]binding{
			"TdpLimit":    s.privileged(read(b.Tdp.TdpLimit), contract.ActionSetTdpLimit, "limit"),
			"TdpLimitMin": {get: rangeMin(b.Tdp.TdpLimitRange)},
			"TdpLimitMax": {get: rangeMax(b.Tdp.TdpLimitRange)},
		}
	}
	if b.Gpu != nil {
		out[contract.GpuPerformanceLevelInterface] = map[string]binding{
			"AvailableGpuPerformanceLevels": {get: read(b.Gpu.PerformanceLevels)},
			"GpuPerformanceLevel":           s.privileged(read(b.Gpu.PerformanceLevel), contract.ActionSetGpuPerformanceLevel, "level"),
			"ManualGpuClock":                s.privileged(read(b.Gpu.ManualClock), contract.ActionSetManualGpuClock, "clock"),
			"ManualGpuClockMin":             {get: rangeMin(b.Gpu.ClockRange)},
			"ManualGpuClockMax":             {get: rangeMax(b.Gpu.ClockRange)},
		}
	}
	if b.GpuProfiles != nil {
		out[contract.GpuPowerProfileInterface] = map[string]binding{
			"AvailableGpuPowerProfiles": {get: read(b.GpuProfiles.PowerProfiles)},
			"GpuPowerProfile":           s.privileged(read(b.GpuProfiles.PowerProfile), contract.ActionSetGpuPowerProfile, "profile"),
		}
	}
	if b.Cpu != nil {
		out[contract.CpuScalingInterface] = map[string]binding{
			"AvailableCpuScalingGovernors": {get: read(b.Cpu.Governors)},
			"CpuScalingGovernor":           s.privileged(read(b.Cpu.Governor), contract.ActionSetCpuScalingGovernor, "governor"),
		}
	}
	if b.Boost != nil {
		out[contract.CpuBoostInterface] = map[string]binding{
			"CpuBoostState": s.privileged(read(b.Boost.CpuBoostState), contract.ActionSetCpuBoostState, "state"),
		}
	}
	if b.Profile != nil {
		profile := b.Profile
		out[contract.PerformanceProfileInterface] = map[string]binding{
			"AvailablePerformanceProfiles": {get: read(profile.PerformanceProfiles)},
			"PerformanceProfile":           s.privileged(read(profile.PerformanceProfile), contract.ActionSetPerformanceProfile, "profile"),
			"SuggestedDefaultPerformanceProfile": {get: func(context.Context) (any, error) {
				return profile.SuggestedDefaultPerformanceProfile(), nil
			}},
		}
	}
	if b.Fan != nil {
		out[contract.FanControlInterface] = map[string]binding{
			"FanControlState": s.privileged(readCtx(b.Fan.FanControlState), contract.ActionSetFanControlState, "state"),
		}
	}
	if b.Battery != nil {
		battery := b.Battery
		out[contract.BatteryChargeLimitInterface] = map[string]binding{
			"MaxChargeLevel": s.privileged(read(battery.MaxChargeLevel), contract.ActionSetMaxChargeLevel, "limit"),
			"SuggestedMinimumLimit": {get: func(context.Context) (any, error) {
				return battery.SuggestedMinimumLimit(), nil
			}},
		}
	}
	if s.bluetooth != nil {
		bt := s.bluetooth
		out[contract.BluetoothInterface] = map[string]binding{
			// Powered follows the adapter's PropertiesChanged signal
			"Powered": {
				resource: bluetoothResource,
				get:      readCtx(bt.Powered),
				set: func(ctx context.Context, value any) (any, error) {
					if err := bt.SetPowered(ctx, value.(bool)); err != nil {
						return nil, err
					}
					return bt.Powered(ctx)
				},
			},
			"AdapterAddress": {get: readCtx(bt.Address)},
		}
	}
	return out
}

// lookupProperty finds the binding of a published property
func (s *Service) lookupProperty(iface, name string) (binding, contract.Member, error) {
	if !s.published.Publishes(iface) {
		return binding{}, contract.Member{}, fault.New(fault.UnsupportedFeature, "interface %s is not available on this device", iface)
	}
	i, _ := contract.Lookup(iface)
	m, ok := i.Member(name)
	if !ok || m.Kind != contract.Property {
		return binding{}, contract.Member{}, fault.New(fault.InvalidArgument, "%s has no property %s", iface, name)
	}
	return s.props[iface][name], m, nil
}

// Get reads a property from its source. A source that vanished after
// detection is a hardware fault, the member stays published.
func (s *Service) Get(ctx context.Context, iface, name string) (any, error) {
	b, _, err := s.lookupProperty(iface, name)
	if err != nil {
		return nil, err
	}
	v, err := b.get(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.HardwareFault, err, "%s.%s is unavailable", iface, name)
	}
	return v, nil
}

// GetAll reads every property of iface. A property that can not be read
// right now is served from the notification cache while the cached value
// is not stale, otherwise it is left out.
func (s *Service) GetAll(ctx context.Context, iface string) (map[string]dbus.Variant, error) {
	if !s.published.Publishes(iface) {
		return nil, fault.New(fault.UnsupportedFeature, "interface %s is not available on this device", iface)
	}
	i, _ := contract.Lookup(iface)
	out := make(map[string]dbus.Variant)
	for _, m := range i.MembersOf(contract.Property) {
		v, err := s.props[iface][m.Name].get(ctx)
		if err != nil {
			cached, ok := s.hub.Value(iface, m.Name)
			if !ok {
				s.logger.Debug("Property unreadable", "interface", iface, "property", m.Name, "error", err)
				continue
			}
			v = cached
		}
		out[m.Name] = dbus.MakeVariant(v)
	}
	return out, nil
}

// Set writes a property. Writes to the same resource apply one at a time in
// arrival order, the value read back afterwards is published so every
// distinct result raises exactly one PropertiesChanged.
func (s *Service) Set(ctx context.Context, sender dbus.Sender, iface, name string, value dbus.Variant) error {
	b, m, err := s.lookupProperty(iface, name)
	if err != nil {
		return err
	}
	if m.Access != contract.ReadWrite {
		return fault.New(fault.InvalidArgument, "%s.%s is read-only", iface, name)
	}
	if sig := value.Signature().String(); sig != m.Type {
		return fault.New(fault.InvalidArgument, "%s.%s has type %s, got %s", iface, name, m.Type, sig)
	}
	if err := s.admit(sender); err != nil {
		return err
	}

	release, err := s.locks.Acquire(ctx, b.resource)
	if err != nil {
		return fault.Wrap(fault.InternalError, err, "call abandoned while waiting for %s", b.resource)
	}
	defer release()

	readback, err := b.set(ctx, value.Value())
	if err != nil {
		s.hub.MarkDirty(iface, name)
		s.logger.Warn("Property write failed", "property", iface+"."+name, "sender", sender, "error", err)
		return fault.Wrap(fault.HardwareFault, err, "failed to set %s.%s", iface, name)
	}
	s.hub.Publish(iface, name, readback, notify.OriginSelf)
	return nil
}
