package hardware

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"go.olrik.dev/steward/internal/core"
)

// Backends bundles everything a daemon knows about the local hardware. A
// nil field means the machine has no such backend at all, whether it works
// is for the feature registry to decide.
type Backends struct {
	Sysfs       Sysfs
	DMI         DMI
	Device      *DeviceConfig
	Tdp         TdpLimiter
	Gpu         GpuPerformance
	GpuProfiles GpuPowerProfiles
	Cpu         CpuScaling
	Boost       CpuBooster
	Profile     PerformanceProfiles
	Battery     ChargeLimiter
	Fan         FanController
}

// Load reads the DMI identity and the matching device config from
// configDir/devices and wires the sysfs backends.
func Load(fs Sysfs, configDir string, logger *slog.Logger) (*Backends, error) {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Backends{Sysfs: fs}

	dmi, err := ReadDMI(fs)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to read DMI identity: %w", err)
	}
	b.DMI = dmi

	device, err := LoadDeviceConfig(filepath.Join(configDir, core.DevicesDirName), dmi)
	if err != nil {
		return nil, err
	}
	b.Device = device
	if device != nil {
		logger.Info("Device config matched", "device", device.Name, "vendor", dmi.SysVendor, "product", dmi.ProductName)
	} else {
		logger.Info("No device config matched", "vendor", dmi.SysVendor, "board", dmi.BoardName, "product", dmi.ProductName)
	}

	gpu := NewAMDGPU(fs, device)
	b.Tdp = gpu
	b.Gpu = gpu
	b.GpuProfiles = gpu
	cpu := NewCPUFreq(fs)
	b.Cpu = cpu
	b.Boost = cpu
	if device != nil && device.Battery != nil {
		b.Battery = NewBattery(fs, *device.Battery)
	}
	if device != nil && device.PerformanceProfile != nil {
		b.Profile = NewPlatformProfile(fs, *device.PerformanceProfile)
	}

	return b, nil
}

// UseUnits wires the backends that are system services rather than sysfs
// nodes. Without a unit manager they stay absent.
func (b *Backends) UseUnits(units UnitManager) {
	if units == nil || b.Device == nil || b.Device.FanControl == nil {
		return
	}
	b.Fan = NewFanService(units, *b.Device.FanControl)
}

// Script returns a configured script, or false when the device config does
// not declare it.
func (b *Backends) Script(name string) (ScriptConfig, bool) {
	return b.Device.Script(name)
}
