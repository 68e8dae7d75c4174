package hardware

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"golang.org/x/sys/unix"
)

// Script names a device config may declare
const (
	ScriptUpdateBios   = "update_bios"
	ScriptUpdateDock   = "update_dock"
	ScriptFormatDevice = "format_device"
	ScriptTrimDevices  = "trim_devices"

	ScriptFactoryResetUser = "factory_reset_user"
	ScriptFactoryResetOS   = "factory_reset_os"
	ScriptFactoryResetAll  = "factory_reset_all"
)

var knownScripts = []string{
	ScriptUpdateBios, ScriptUpdateDock, ScriptFormatDevice, ScriptTrimDevices,
	ScriptFactoryResetUser, ScriptFactoryResetOS, ScriptFactoryResetAll,
}

// DMI identifies the machine
type DMI struct {
	SysVendor   string
	BoardName   string
	ProductName string
}

// ReadDMI reads the identity attributes from /sys/class/dmi/id
func ReadDMI(fs Sysfs) (DMI, error) {
	var dmi DMI
	var err error
	if dmi.SysVendor, err = fs.ReadString(dmiPrefix + "/sys_vendor"); err != nil {
		return dmi, err
	}
	// Board and product are optional on some firmware
	dmi.BoardName, _ = fs.ReadString(dmiPrefix + "/board_name")
	dmi.ProductName, _ = fs.ReadString(dmiPrefix + "/product_name")
	return dmi, nil
}

// ScriptConfig is an external helper the Root Service may run
type ScriptConfig struct {
	Path string
	Args []string
}

// Valid reports whether the script exists, is a regular file and is
// executable by the calling process.
func (s ScriptConfig) Valid() bool {
	if s.Path == "" {
		return false
	}
	info, err := os.Stat(s.Path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return unix.Access(s.Path, unix.X_OK) == nil
}

// BatteryConfig points at the charge limit attribute
type BatteryConfig struct {
	HwmonName             string
	Attribute             string
	SuggestedMinimumLimit int32
}

// PerformanceProfileConfig names the platform-profile device
type PerformanceProfileConfig struct {
	PlatformProfileName string
	SuggestedDefault    string
}

// FanControlConfig names the unit that runs OS fan control
type FanControlConfig struct {
	SystemdUnit string
}

// DeviceConfig is the per-model configuration matched by DMI
type DeviceConfig struct {
	Name               string
	TdpLimit           *Range
	GpuClocks          *Range
	Battery            *BatteryConfig
	PerformanceProfile *PerformanceProfileConfig
	FanControl         *FanControlConfig
	Scripts            map[string]ScriptConfig
}

// Script returns the configured script of that name
func (d *DeviceConfig) Script(name string) (ScriptConfig, bool) {
	if d == nil {
		return ScriptConfig{}, false
	}
	s, ok := d.Scripts[name]
	return s, ok
}

// HCL parsing structs

type hclDeviceFile struct {
	Devices []hclDevice `hcl:"device,block"`
}

type hclDevice struct {
	Name               string                 `hcl:"name,label"`
	Match              *hclMatch              `hcl:"match,block"`
	TdpLimit           *hclRange              `hcl:"tdp_limit,block"`
	GpuClocks          *hclRange              `hcl:"gpu_clocks,block"`
	Battery            *hclBattery            `hcl:"battery_charge_limit,block"`
	PerformanceProfile *hclPerformanceProfile `hcl:"performance_profile,block"`
	FanControl         *hclFanControl         `hcl:"fan_control,block"`
	Scripts            []hclScript            `hcl:"script,block"`
}

type hclMatch struct {
	SysVendor   []string `hcl:"sys_vendor,optional"`
	BoardName   []string `hcl:"board_name,optional"`
	ProductName []string `hcl:"product_name,optional"`
}

type hclRange struct {
	Min int `hcl:"min"`
	Max int `hcl:"max"`
}

type hclBattery struct {
	HwmonName             string `hcl:"hwmon_name"`
	Attribute             string `hcl:"attribute"`
	SuggestedMinimumLimit *int   `hcl:"suggested_minimum_limit,optional"`
}

type hclPerformanceProfile struct {
	PlatformProfileName string `hcl:"platform_profile_name"`
	SuggestedDefault    string `hcl:"suggested_default,optional"`
}

type hclFanControl struct {
	SystemdUnit string `hcl:"systemd_unit"`
}

type hclScript struct {
	Name string   `hcl:"name,label"`
	Path string   `hcl:"path"`
	Args []string `hcl:"args,optional"`
}

func (m *hclMatch) matches(dmi DMI) bool {
	if m == nil {
		return true
	}
	check := func(allowed []string, got string) bool {
		return len(allowed) == 0 || slices.Contains(allowed, got)
	}
	return check(m.SysVendor, dmi.SysVendor) &&
		check(m.BoardName, dmi.BoardName) &&
		check(m.ProductName, dmi.ProductName)
}

func (m *hclMatch) specificity() int {
	if m == nil {
		return 0
	}
	n := 0
	for _, l := range [][]string{m.SysVendor, m.BoardName, m.ProductName} {
		if len(l) > 0 {
			n++
		}
	}
	return n
}

// LoadDeviceConfig reads every *.hcl file in dir and returns the device
// block matching dmi. The most specific match wins, a block without a match
// block is the fallback. Returns nil without error when nothing matches.
func LoadDeviceConfig(dir string, dmi DMI) (*DeviceConfig, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.hcl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list device configs: %w", err)
	}
	sort.Strings(files)

	var best *hclDevice
	bestScore := -1
	for _, file := range files {
		var f hclDeviceFile
		if err := hclsimple.DecodeFile(file, nil, &f); err != nil {
			return nil, fmt.Errorf("failed to parse device config %s: %w", file, err)
		}
		for i := range f.Devices {
			dev := &f.Devices[i]
			if !dev.Match.matches(dmi) {
				continue
			}
			if score := dev.Match.specificity(); score > bestScore {
				best, bestScore = dev, score
			}
		}
	}
	if best == nil {
		return nil, nil
	}
	return convertDevice(best)
}

func convertDevice(dev *hclDevice) (*DeviceConfig, error) {
	cfg := &DeviceConfig{Name: dev.Name, Scripts: make(map[string]ScriptConfig)}

	toRange := func(field string, r *hclRange) (*Range, error) {
		if r == nil {
			return nil, nil
		}
		if r.Min < 0 || r.Max < r.Min {
			return nil, fmt.Errorf("device %s: invalid %s range %d..%d", dev.Name, field, r.Min, r.Max)
		}
		return &Range{Min: uint32(r.Min), Max: uint32(r.Max)}, nil
	}

	var err error
	if cfg.TdpLimit, err = toRange("tdp_limit", dev.TdpLimit); err != nil {
		return nil, err
	}
	if cfg.GpuClocks, err = toRange("gpu_clocks", dev.GpuClocks); err != nil {
		return nil, err
	}

	if b := dev.Battery; b != nil {
		cfg.Battery = &BatteryConfig{
			HwmonName:             b.HwmonName,
			Attribute:             b.Attribute,
			SuggestedMinimumLimit: 10,
		}
		if b.SuggestedMinimumLimit != nil {
			cfg.Battery.SuggestedMinimumLimit = int32(*b.SuggestedMinimumLimit)
		}
	}

	if p := dev.PerformanceProfile; p != nil {
		if p.PlatformProfileName == "" {
			return nil, fmt.Errorf("device %s: performance_profile needs a platform_profile_name", dev.Name)
		}
		cfg.PerformanceProfile = &PerformanceProfileConfig{
			PlatformProfileName: p.PlatformProfileName,
			SuggestedDefault:    p.SuggestedDefault,
		}
	}

	if f := dev.FanControl; f != nil {
		if f.SystemdUnit == "" {
			return nil, fmt.Errorf("device %s: fan_control needs a systemd_unit", dev.Name)
		}
		cfg.FanControl = &FanControlConfig{SystemdUnit: f.SystemdUnit}
	}

	for _, s := range dev.Scripts {
		if !slices.Contains(knownScripts, s.Name) {
			return nil, fmt.Errorf("device %s: unknown script %q", dev.Name, s.Name)
		}
		cfg.Scripts[s.Name] = ScriptConfig{Path: s.Path, Args: s.Args}
	}

	return cfg, nil
}
