package feature

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.olrik.dev/steward/internal/contract"
	"go.olrik.dev/steward/internal/hardware"
)

// AdapterFinder reports whether a Bluetooth adapter exists
type AdapterFinder interface {
	AdapterPresent(ctx context.Context) (bool, error)
}

// present turns a backend read into a detection result. A missing
// node is an absent feature, anything else is a detection error.
func present(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, hardware.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// scriptPresent needs every named script, a feature publishes all of
// its methods at once
func scriptPresent(b *hardware.Backends, names ...string) DetectFunc {
	return func(context.Context) (bool, error) {
		for _, name := range names {
			if s, ok := b.Script(name); !ok || !s.Valid() {
				return false, nil
			}
		}
		return len(names) > 0, nil
	}
}

// Standard returns the feature set of a host. bt may be nil when no system
// bus is available, Bluetooth is then absent.
func Standard(b *hardware.Backends, bt AdapterFinder) []Feature {
	return []Feature{
		{
			ID:        contract.FeatureManager,
			Privilege: PrivilegeUser,
			Detect:    func(context.Context) (bool, error) { return true, nil },
		},
		{
			ID:        contract.FeatureTdpLimit,
			Privilege: PrivilegeRoot,
			Detect: func(context.Context) (bool, error) {
				if b.Tdp == nil {
					return false, nil
				}
				if _, err := b.Tdp.TdpLimit(); err != nil {
					return present(err)
				}
				r, err := b.Tdp.TdpLimitRange()
				if err != nil {
					return present(err)
				}
				if r.Max == 0 {
					return false, fmt.Errorf("TDP limit range %s is empty", r)
				}
				return true, nil
			},
		},
		{
			ID:        contract.FeatureGpuPerformanceLevel,
			Privilege: PrivilegeRoot,
			Detect: func(context.Context) (bool, error) {
				if b.Gpu == nil {
					return false, nil
				}
				_, err := b.Gpu.PerformanceLevel()
				return present(err)
			},
		},
		{
			ID:        contract.FeatureGpuPowerProfile,
			Privilege: PrivilegeRoot,
			Detect: func(context.Context) (bool, error) {
				if b.GpuProfiles == nil {
					return false, nil
				}
				profiles, err := b.GpuProfiles.PowerProfiles()
				if err != nil {
					return present(err)
				}
				return len(profiles) > 0, nil
			},
		},
		{
			ID:        contract.FeatureCpuScaling,
			Privilege: PrivilegeRoot,
			Detect: func(context.Context) (bool, error) {
				if b.Cpu == nil {
					return false, nil
				}
				governors, err := b.Cpu.Governors()
				if err != nil {
					return present(err)
				}
				return len(governors) > 0, nil
			},
		},
		{
			ID:        contract.FeatureCpuBoost,
			Privilege: PrivilegeRoot,
			Detect: func(context.Context) (bool, error) {
				if b.Boost == nil {
					return false, nil
				}
				_, err := b.Boost.CpuBoostState()
				return present(err)
			},
		},
		{
			ID:        contract.FeaturePerformanceProfile,
			Privilege: PrivilegeRoot,
			Detect: func(context.Context) (bool, error) {
				if b.Profile == nil {
					return false, nil
				}
				profiles, err := b.Profile.PerformanceProfiles()
				if err != nil {
					return present(err)
				}
				return len(profiles) > 0, nil
			},
		},
		{
			ID:        contract.FeatureFanControl,
			Privilege: PrivilegeRoot,
			Detect: func(ctx context.Context) (bool, error) {
				if b.Fan == nil {
					return false, nil
				}
				return b.Fan.Available(ctx)
			},
		},
		{
			ID:        contract.FeatureBatteryChargeLimit,
			Privilege: PrivilegeRoot,
			Detect: func(context.Context) (bool, error) {
				if b.Battery == nil {
					return false, nil
				}
				_, err := b.Battery.MaxChargeLevel()
				return present(err)
			},
		},
		{
			ID:        contract.FeatureStorage,
			Privilege: PrivilegeRoot,
			Detect:    scriptPresent(b, hardware.ScriptFormatDevice, hardware.ScriptTrimDevices),
		},
		{
			ID:        contract.FeatureUpdateBios,
			Privilege: PrivilegeRoot,
			Detect:    scriptPresent(b, hardware.ScriptUpdateBios),
		},
		{
			ID:        contract.FeatureUpdateDock,
			Privilege: PrivilegeRoot,
			Detect:    scriptPresent(b, hardware.ScriptUpdateDock),
		},
		{
			ID:        contract.FeatureFactoryReset,
			Privilege: PrivilegeRoot,
			Detect:    scriptPresent(b, hardware.ScriptFactoryResetUser, hardware.ScriptFactoryResetOS, hardware.ScriptFactoryResetAll),
		},
		{
			ID:        contract.FeatureBluetooth,
			Privilege: PrivilegeUser,
			Detect: func(ctx context.Context) (bool, error) {
				if bt == nil {
					return false, nil
				}
				return bt.AdapterPresent(ctx)
			},
		},
	}
}

// NewStandardRegistry registers the standard features
func NewStandardRegistry(b *hardware.Backends, bt AdapterFinder, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	for _, f := range Standard(b, bt) {
		if err := r.Register(f); err != nil {
			return nil, err
		}
	}
	return r, nil
}
