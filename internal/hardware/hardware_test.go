package hardware

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.olrik.dev/steward/internal/operation"
)

// fakeSysfs builds a sysfs tree below a temporary root
func fakeSysfs(t *testing.T, files map[string]string) Sysfs {
	t.Helper()
	root := t.TempDir()
	for p, content := range files {
		full := filepath.Join(root, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("Failed to create %s: %v", filepath.Dir(full), err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", full, err)
		}
	}
	return Sysfs{Root: root}
}

const powerProfileModeContent = `NUM        MODE_NAME     SCLK_UP_HYST   SCLK_DOWN_HYST SCLK_ACTIVE_LEVEL
  0 BOOTUP_DEFAULT*:        -                -                -
  1 3D_FULL_SCREEN :        0              100               30
  2   POWER_SAVING :       10                0                0
  3          VIDEO :        -                -                -
`

func amdgpuTree() map[string]string {
	return map[string]string{
		"/sys/class/hwmon/hwmon0/name":                                     "acpitz\n",
		"/sys/class/hwmon/hwmon3/name":                                     "amdgpu\n",
		"/sys/class/hwmon/hwmon3/power1_cap":                               "15000000\n",
		"/sys/class/hwmon/hwmon3/power2_cap":                               "15000000\n",
		"/sys/class/hwmon/hwmon3/device/power_dpm_force_performance_level": "auto\n",
		"/sys/class/hwmon/hwmon3/device/pp_dpm_sclk":                       "0: 200Mhz\n1: 1000Mhz *\n2: 1600Mhz\n",
		"/sys/class/hwmon/hwmon3/device/pp_od_clk_voltage":                 "OD_SCLK:\n0:        1100Mhz\n1:        1100Mhz\nOD_RANGE:\nSCLK:     200Mhz       1600Mhz\n",
		"/sys/class/hwmon/hwmon3/device/pp_power_profile_mode":             powerProfileModeContent,
	}
}

func TestFindHwmon(t *testing.T) {
	fs := fakeSysfs(t, amdgpuTree())

	dir, err := fs.FindHwmon("amdgpu")
	if err != nil {
		t.Fatalf("FindHwmon failed: %v", err)
	}
	if dir != "/sys/class/hwmon/hwmon3" {
		t.Errorf("Expected hwmon3, got %s", dir)
	}

	if _, err := fs.FindHwmon("k10temp"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestReadMissingNode(t *testing.T) {
	fs := fakeSysfs(t, nil)
	if _, err := fs.ReadString("/sys/class/dmi/id/sys_vendor"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRange(t *testing.T) {
	r := Range{Min: 3, Max: 15}
	tests := []struct {
		v    uint32
		want bool
	}{
		{2, false},
		{3, true},
		{10, true},
		{15, true},
		{16, false},
	}
	for _, tt := range tests {
		if got := r.Contains(tt.v); got != tt.want {
			t.Errorf("Contains(%d) = %v, want %v", tt.v, got, tt.want)
		}
	}
	if r.String() != "3..15" {
		t.Errorf("Unexpected String(): %s", r.String())
	}
}

func TestAMDGPUTdpLimit(t *testing.T) {
	fs := fakeSysfs(t, amdgpuTree())
	gpu := NewAMDGPU(fs, &DeviceConfig{TdpLimit: &Range{Min: 3, Max: 15}})

	got, err := gpu.TdpLimit()
	if err != nil {
		t.Fatalf("TdpLimit failed: %v", err)
	}
	if got != 15 {
		t.Errorf("Expected 15 W, got %d", got)
	}

	if err := gpu.SetTdpLimit(12); err != nil {
		t.Fatalf("SetTdpLimit failed: %v", err)
	}
	for _, node := range []string{"power1_cap", "power2_cap"} {
		v, err := fs.ReadString("/sys/class/hwmon/hwmon3/" + node)
		if err != nil {
			t.Fatal(err)
		}
		if v != "12000000" {
			t.Errorf("Expected %s to be 12000000, got %s", node, v)
		}
	}

	r, err := gpu.TdpLimitRange()
	if err != nil {
		t.Fatalf("TdpLimitRange failed: %v", err)
	}
	if r != (Range{Min: 3, Max: 15}) {
		t.Errorf("Unexpected range %v", r)
	}
}

func TestAMDGPUTdpLimitRangeWithoutDevice(t *testing.T) {
	gpu := NewAMDGPU(fakeSysfs(t, amdgpuTree()), nil)
	if _, err := gpu.TdpLimitRange(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestAMDGPUClocks(t *testing.T) {
	fs := fakeSysfs(t, amdgpuTree())
	gpu := NewAMDGPU(fs, nil)

	r, err := gpu.ClockRange()
	if err != nil {
		t.Fatalf("ClockRange failed: %v", err)
	}
	if r != (Range{Min: 200, Max: 1600}) {
		t.Errorf("Unexpected clock range %v", r)
	}

	clock, err := gpu.ManualClock()
	if err != nil {
		t.Fatalf("ManualClock failed: %v", err)
	}
	if clock != 1100 {
		t.Errorf("Expected 1100 MHz, got %d", clock)
	}

	if err := gpu.SetManualClock(800); err != nil {
		t.Fatalf("SetManualClock failed: %v", err)
	}
	written, _ := os.ReadFile(fs.Path("/sys/class/hwmon/hwmon3/device/pp_od_clk_voltage"))
	if string(written) != "s 0 800\ns 1 800\nc\n" {
		t.Errorf("Unexpected pp_od_clk_voltage write %q", written)
	}
}

func TestAMDGPUClockRangeFromDevice(t *testing.T) {
	gpu := NewAMDGPU(fakeSysfs(t, amdgpuTree()), &DeviceConfig{GpuClocks: &Range{Min: 400, Max: 1200}})
	r, err := gpu.ClockRange()
	if err != nil {
		t.Fatal(err)
	}
	if r != (Range{Min: 400, Max: 1200}) {
		t.Errorf("Expected device config range, got %v", r)
	}
}

func TestParseODClockWithoutEntry(t *testing.T) {
	v, err := parseODClock("OD_RANGE:\nSCLK: 200Mhz 1600Mhz\n")
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Errorf("Expected 0, got %d", v)
	}
}

func TestParseClockLevelsEmpty(t *testing.T) {
	if _, err := parseClockLevels("garbage\n"); err == nil {
		t.Error("Expected an error for a file without levels")
	}
}

func TestAMDGPUPowerProfiles(t *testing.T) {
	fs := fakeSysfs(t, amdgpuTree())
	gpu := NewAMDGPU(fs, nil)

	profiles, err := gpu.PowerProfiles()
	if err != nil {
		t.Fatalf("PowerProfiles failed: %v", err)
	}
	want := []string{"bootup_default", "3d_full_screen", "power_saving", "video"}
	if strings.Join(profiles, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, profiles)
	}

	active, err := gpu.PowerProfile()
	if err != nil {
		t.Fatalf("PowerProfile failed: %v", err)
	}
	if active != "bootup_default" {
		t.Errorf("Expected bootup_default, got %s", active)
	}

	if err := gpu.SetPowerProfile("power_saving"); err != nil {
		t.Fatalf("SetPowerProfile failed: %v", err)
	}
	written, _ := fs.ReadString("/sys/class/hwmon/hwmon3/device/pp_power_profile_mode")
	if written != "2" {
		t.Errorf("Expected profile index 2, got %q", written)
	}

	// The fake node now holds the index, restore it before the negative case
	_ = fs.Write("/sys/class/hwmon/hwmon3/device/pp_power_profile_mode", powerProfileModeContent)
	if err := gpu.SetPowerProfile("turbo"); err == nil {
		t.Error("Expected an error for an unknown profile")
	}
}

func TestAMDGPUPerformanceLevel(t *testing.T) {
	fs := fakeSysfs(t, amdgpuTree())
	gpu := NewAMDGPU(fs, nil)

	levels, err := gpu.PerformanceLevels()
	if err != nil {
		t.Fatal(err)
	}
	if len(levels) != len(PerformanceLevels) {
		t.Errorf("Expected %d levels, got %v", len(PerformanceLevels), levels)
	}

	if err := gpu.SetPerformanceLevel("manual"); err != nil {
		t.Fatal(err)
	}
	level, err := gpu.PerformanceLevel()
	if err != nil {
		t.Fatal(err)
	}
	if level != "manual" {
		t.Errorf("Expected manual, got %s", level)
	}
}

func TestAMDGPUWithoutHwmon(t *testing.T) {
	gpu := NewAMDGPU(fakeSysfs(t, nil), nil)
	if _, err := gpu.TdpLimit(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCPUFreq(t *testing.T) {
	fs := fakeSysfs(t, map[string]string{
		"/sys/devices/system/cpu/cpufreq/policy0/scaling_available_governors": "performance powersave schedutil\n",
		"/sys/devices/system/cpu/cpufreq/policy0/scaling_governor":            "schedutil\n",
		"/sys/devices/system/cpu/cpufreq/policy1/scaling_governor":            "schedutil\n",
		"/sys/devices/system/cpu/cpufreq/boost":                               "1\n",
	})
	cpu := NewCPUFreq(fs)

	governors, err := cpu.Governors()
	if err != nil {
		t.Fatal(err)
	}
	if len(governors) != 3 || governors[1] != "powersave" {
		t.Errorf("Unexpected governors %v", governors)
	}

	if err := cpu.SetGovernor("powersave"); err != nil {
		t.Fatalf("SetGovernor failed: %v", err)
	}
	for _, policy := range []string{"policy0", "policy1"} {
		v, _ := fs.ReadString("/sys/devices/system/cpu/cpufreq/" + policy + "/scaling_governor")
		if v != "powersave" {
			t.Errorf("Expected %s to be powersave, got %s", policy, v)
		}
	}

	current, err := cpu.Governor()
	if err != nil {
		t.Fatal(err)
	}
	if current != "powersave" {
		t.Errorf("Expected powersave, got %s", current)
	}
}

func TestBattery(t *testing.T) {
	fs := fakeSysfs(t, map[string]string{
		"/sys/class/hwmon/hwmon5/name":                     "steamdeck_hwmon\n",
		"/sys/class/hwmon/hwmon5/max_battery_charge_level": "80\n",
	})
	battery := NewBattery(fs, BatteryConfig{
		HwmonName:             "steamdeck_hwmon",
		Attribute:             "max_battery_charge_level",
		SuggestedMinimumLimit: 10,
	})

	v, err := battery.MaxChargeLevel()
	if err != nil {
		t.Fatal(err)
	}
	if v != 80 {
		t.Errorf("Expected 80, got %d", v)
	}

	if err := battery.SetMaxChargeLevel(-1); err != nil {
		t.Fatalf("SetMaxChargeLevel(-1) failed: %v", err)
	}
	if v, _ := battery.MaxChargeLevel(); v != 100 {
		t.Errorf("Expected reset to 100, got %d", v)
	}

	if err := battery.SetMaxChargeLevel(101); err == nil {
		t.Error("Expected an error above 100")
	}
	if battery.SuggestedMinimumLimit() != 10 {
		t.Errorf("Unexpected suggested minimum %d", battery.SuggestedMinimumLimit())
	}
}

const deviceConfigContent = `
device "generic-amd" {
  tdp_limit {
    min = 5
    max = 25
  }
}

device "jupiter" {
  match {
    sys_vendor   = ["Valve"]
    product_name = ["Jupiter", "Galileo"]
  }

  tdp_limit {
    min = 3
    max = 15
  }

  gpu_clocks {
    min = 200
    max = 1600
  }

  battery_charge_limit {
    hwmon_name = "steamdeck_hwmon"
    attribute  = "max_battery_charge_level"
  }

  performance_profile {
    platform_profile_name = "power-slider"
    suggested_default     = "balanced"
  }

  fan_control {
    systemd_unit = "jupiter-fan-control.service"
  }

  script "update_bios" {
    path = "/usr/libexec/steward/jupiter-biosupdate"
    args = ["--auto"]
  }
}

device "other-vendor" {
  match {
    sys_vendor = ["ACME"]
  }
}
`

func writeDeviceConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "devices.hcl"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadDeviceConfig(t *testing.T) {
	dir := writeDeviceConfig(t, deviceConfigContent)

	tests := []struct {
		name string
		dmi  DMI
		want string
	}{
		{"specific match", DMI{SysVendor: "Valve", ProductName: "Galileo"}, "jupiter"},
		{"fallback", DMI{SysVendor: "Framework", ProductName: "Laptop"}, "generic-amd"},
		{"vendor match beats fallback", DMI{SysVendor: "ACME"}, "other-vendor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, err := LoadDeviceConfig(dir, tt.dmi)
			if err != nil {
				t.Fatalf("LoadDeviceConfig failed: %v", err)
			}
			if dev == nil || dev.Name != tt.want {
				t.Fatalf("Expected %s, got %+v", tt.want, dev)
			}
		})
	}

	dev, _ := LoadDeviceConfig(dir, DMI{SysVendor: "Valve", ProductName: "Jupiter"})
	if dev.Battery == nil || dev.Battery.SuggestedMinimumLimit != 10 {
		t.Errorf("Expected battery config with default minimum, got %+v", dev.Battery)
	}
	script, ok := dev.Script(ScriptUpdateBios)
	if !ok || script.Path != "/usr/libexec/steward/jupiter-biosupdate" || len(script.Args) != 1 {
		t.Errorf("Unexpected update_bios script %+v", script)
	}
	if _, ok := dev.Script(ScriptUpdateDock); ok {
		t.Error("update_dock must not be configured")
	}
	if dev.PerformanceProfile == nil || dev.PerformanceProfile.PlatformProfileName != "power-slider" || dev.PerformanceProfile.SuggestedDefault != "balanced" {
		t.Errorf("Unexpected performance profile config %+v", dev.PerformanceProfile)
	}
	if dev.FanControl == nil || dev.FanControl.SystemdUnit != "jupiter-fan-control.service" {
		t.Errorf("Unexpected fan control config %+v", dev.FanControl)
	}
}

func TestLoadDeviceConfigNoMatch(t *testing.T) {
	dir := writeDeviceConfig(t, `device "acme" {
  match {
    sys_vendor = ["ACME"]
  }
}
`)
	dev, err := LoadDeviceConfig(dir, DMI{SysVendor: "Valve"})
	if err != nil {
		t.Fatal(err)
	}
	if dev != nil {
		t.Errorf("Expected no match, got %+v", dev)
	}

	// A nil device config has no scripts
	if _, ok := dev.Script(ScriptUpdateBios); ok {
		t.Error("nil device config must not have scripts")
	}
}

func TestLoadDeviceConfigRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"inverted range": `device "x" {
  tdp_limit {
    min = 20
    max = 10
  }
}
`,
		"unknown script": `device "x" {
  script "reboot" {
    path = "/sbin/reboot"
  }
}
`,
		"fan control without unit": `device "x" {
  fan_control {
    systemd_unit = ""
  }
}
`,
		"profile without name": `device "x" {
  performance_profile {
    platform_profile_name = ""
  }
}
`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadDeviceConfig(writeDeviceConfig(t, content), DMI{}); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestLoadBackends(t *testing.T) {
	files := amdgpuTree()
	files["/sys/class/dmi/id/sys_vendor"] = "Valve\n"
	files["/sys/class/dmi/id/product_name"] = "Jupiter\n"
	fs := fakeSysfs(t, files)

	configDir := t.TempDir()
	devicesDir := filepath.Join(configDir, "devices")
	if err := os.MkdirAll(devicesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(devicesDir, "jupiter.hcl"), []byte(deviceConfigContent), 0o644); err != nil {
		t.Fatal(err)
	}

	b, err := Load(fs, configDir, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if b.Device == nil || b.Device.Name != "jupiter" {
		t.Fatalf("Expected jupiter device, got %+v", b.Device)
	}
	if b.Battery == nil {
		t.Error("Expected a battery backend")
	}
	r, err := b.Tdp.TdpLimitRange()
	if err != nil || r.Max != 15 {
		t.Errorf("Unexpected TDP range %v (%v)", r, err)
	}
	if _, ok := b.Script(ScriptUpdateBios); !ok {
		t.Error("Expected update_bios script")
	}
	if b.Profile == nil || b.Boost == nil {
		t.Error("Expected platform profile and CPU boost backends")
	}
	if b.Fan != nil {
		t.Error("Fan control needs a unit manager")
	}
	b.UseUnits(newFakeUnits())
	if b.Fan == nil {
		t.Error("Expected a fan backend once units are available")
	}
}

func TestCpuBoost(t *testing.T) {
	tests := []struct {
		name    string
		node    string
		initial string
		want    uint32
		written string // node content after disabling
	}{
		{"cpufreq", "/sys/devices/system/cpu/cpufreq/boost", "1\n", 1, "0"},
		{"intel_pstate inverted", "/sys/devices/system/cpu/intel_pstate/no_turbo", "0\n", 1, "1"},
		{"cpufreq disabled", "/sys/devices/system/cpu/cpufreq/boost", "0\n", 0, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := fakeSysfs(t, map[string]string{tt.node: tt.initial})
			cpu := NewCPUFreq(fs)

			got, err := cpu.CpuBoostState()
			if err != nil {
				t.Fatalf("CpuBoostState failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}

			if err := cpu.SetCpuBoostState(0); err != nil {
				t.Fatalf("SetCpuBoostState failed: %v", err)
			}
			if v, _ := fs.ReadString(tt.node); v != tt.written {
				t.Errorf("Expected %s to hold %q, got %q", tt.node, tt.written, v)
			}
			if got, _ := cpu.CpuBoostState(); got != 0 {
				t.Errorf("Expected boost disabled, got %d", got)
			}
			if err := cpu.SetCpuBoostState(2); err == nil {
				t.Error("Expected an error for state 2")
			}
		})
	}
}

func TestCpuBoostMissing(t *testing.T) {
	cpu := NewCPUFreq(fakeSysfs(t, map[string]string{
		"/sys/devices/system/cpu/cpufreq/policy0/scaling_governor": "schedutil\n",
	}))
	if _, err := cpu.CpuBoostState(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	cpu = NewCPUFreq(fakeSysfs(t, map[string]string{"/sys/devices/system/cpu/cpufreq/boost": "7\n"}))
	if _, err := cpu.CpuBoostState(); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Expected an invalid state error, got %v", err)
	}
}

func TestPlatformProfile(t *testing.T) {
	fs := fakeSysfs(t, map[string]string{
		"/sys/class/platform-profile/platform-profile0/name":    "thinkpad-acpi\n",
		"/sys/class/platform-profile/platform-profile1/name":    "power-slider\n",
		"/sys/class/platform-profile/platform-profile1/choices": "low-power balanced performance\n",
		"/sys/class/platform-profile/platform-profile1/profile": "balanced\n",
	})
	p := NewPlatformProfile(fs, PerformanceProfileConfig{PlatformProfileName: "power-slider", SuggestedDefault: "balanced"})

	choices, err := p.PerformanceProfiles()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(choices, ",") != "low-power,balanced,performance" {
		t.Errorf("Unexpected choices %v", choices)
	}
	if err := p.SetPerformanceProfile("performance"); err != nil {
		t.Fatalf("SetPerformanceProfile failed: %v", err)
	}
	if got, _ := p.PerformanceProfile(); got != "performance" {
		t.Errorf("Expected performance, got %s", got)
	}
	if p.SuggestedDefaultPerformanceProfile() != "balanced" {
		t.Errorf("Unexpected suggested default %s", p.SuggestedDefaultPerformanceProfile())
	}

	missing := NewPlatformProfile(fs, PerformanceProfileConfig{PlatformProfileName: "asus"})
	if _, err := missing.PerformanceProfile(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

// fakeUnits is a systemd that knows one unit
type fakeUnits struct {
	loaded map[string]bool
	active map[string]bool
}

func newFakeUnits() *fakeUnits {
	return &fakeUnits{
		loaded: map[string]bool{"jupiter-fan-control.service": true},
		active: map[string]bool{},
	}
}

func (u *fakeUnits) UnitLoaded(_ context.Context, unit string) (bool, error) {
	return u.loaded[unit], nil
}

func (u *fakeUnits) UnitActive(_ context.Context, unit string) (bool, error) {
	return u.active[unit], nil
}

func (u *fakeUnits) StartUnit(_ context.Context, unit string) error {
	if !u.loaded[unit] {
		return ErrNotFound
	}
	u.active[unit] = true
	return nil
}

func (u *fakeUnits) StopUnit(_ context.Context, unit string) error {
	u.active[unit] = false
	return nil
}

func TestFanService(t *testing.T) {
	ctx := context.Background()
	units := newFakeUnits()
	fan := NewFanService(units, FanControlConfig{SystemdUnit: "jupiter-fan-control.service"})

	if ok, _ := fan.Available(ctx); !ok {
		t.Error("Expected the unit to be available")
	}
	if state, _ := fan.FanControlState(ctx); state != 0 {
		t.Errorf("Expected firmware control while the unit is stopped, got %d", state)
	}
	if err := fan.SetFanControlState(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if state, _ := fan.FanControlState(ctx); state != 1 || !units.active["jupiter-fan-control.service"] {
		t.Errorf("Expected OS control, got %d", state)
	}
	if err := fan.SetFanControlState(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if units.active["jupiter-fan-control.service"] {
		t.Error("Expected the unit to be stopped")
	}
	if err := fan.SetFanControlState(ctx, 5); err == nil {
		t.Error("Expected an error for state 5")
	}

	other := NewFanService(units, FanControlConfig{SystemdUnit: "missing.service"})
	if ok, _ := other.Available(ctx); ok {
		t.Error("An unknown unit is not available")
	}
}

func TestScriptValid(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "run.sh")
	plain := filepath.Join(dir, "plain.txt")
	_ = os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755)
	_ = os.WriteFile(plain, []byte("x"), 0o644)

	tests := []struct {
		path string
		want bool
	}{
		{exe, true},
		{plain, false},
		{dir, false},
		{filepath.Join(dir, "missing"), false},
		{"", false},
	}
	for _, tt := range tests {
		if got := (ScriptConfig{Path: tt.path}).Valid(); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		line string
		want uint32
		ok   bool
	}{
		{"42%", 42, true},
		{"Flashing... 73% done", 73, true},
		{"100%", 100, true},
		{"150%", 0, false},
		{"version1%", 0, false},
		{"no progress here", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseProgress(tt.line)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseProgress(%q) = %d, %v; want %d, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}
}

func TestScanLinesOrCR(t *testing.T) {
	scanner := bufio.NewScanner(strings.NewReader("STAGE erase\r\n10%\r20%\rdone\nlast"))
	scanner.Split(scanLinesOrCR)

	var got []string
	for scanner.Scan() {
		got = append(got, scanner.Text())
	}
	want := []string{"STAGE erase", "10%", "20%", "done", "last"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestReadLinesSurvivesLongOutput(t *testing.T) {
	// A progress bar redrawn with backspaces never ends its line
	bar := strings.Repeat("#\b", 100*1024)
	lines := make(chan string, 1)
	go readLines(strings.NewReader(bar+"\n42%\nSTAGE done\n"), lines, slog.Default())

	var got []string
	timeout := time.After(10 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				if len(got) < 2 || got[len(got)-2] != "42%" || got[len(got)-1] != "STAGE done" {
					t.Errorf("Expected the lines after the long one, got %d lines", len(got))
				}
				for _, l := range got {
					if len(l) > maxScriptLine {
						t.Errorf("Line of %d bytes exceeds the cap", len(l))
					}
				}
				return
			}
			got = append(got, line)
		case <-timeout:
			t.Fatal("Output was not read to the end")
		}
	}
}

func writeScript(t *testing.T, body string) ScriptConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "helper.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return ScriptConfig{Path: path}
}

func TestScriptRunnerSuccess(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	tracker := operation.New(operation.Config{})
	snap, err := tracker.Create("update_bios", "firmware:bios", "test", false)
	if err != nil {
		t.Fatal(err)
	}

	script := writeScript(t, "echo 'STAGE flash'\necho '50%'\necho '100%'\nexit 0\n")
	runner := NewScriptRunner(nil)
	err = tracker.Launch(context.Background(), snap.ID, func(task *operation.Task) error {
		return runner.Run(task, ScriptJob{Script: script})
	})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := tracker.Get(snap.ID)
		if got.State.Terminal() {
			if got.State != operation.Succeeded || got.Progress != 100 {
				t.Fatalf("Expected success at 100%%, got %s at %d (%s)", got.State, got.Progress, got.Error)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("Script did not finish in time")
}

func TestScriptRunnerFailureRecovery(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	script := writeScript(t, "echo 'STAGE write'\nexit 3\n")
	runner := NewScriptRunner(nil)
	task := operation.NewTask(context.Background(), new(atomic.Bool))

	err := runner.Run(task, ScriptJob{
		Script: script,
		Recover: func(stage string) operation.Recovery {
			if stage == "write" {
				return operation.RecoveryNeedsReformat
			}
			return operation.RecoveryUntouched
		},
	})
	if err == nil {
		t.Fatal("Expected the failing script to return an error")
	}
	if got := operation.RecoveryOf(err); got != operation.RecoveryNeedsReformat {
		t.Errorf("Expected needs_reformat, got %s", got)
	}
	if !strings.Contains(err.Error(), `stage "write"`) {
		t.Errorf("Expected the stage in the error, got %v", err)
	}
}

func TestScriptRunnerInvalidScript(t *testing.T) {
	task := operation.NewTask(context.Background(), new(atomic.Bool))
	err := NewScriptRunner(nil).Run(task, ScriptJob{Script: ScriptConfig{Path: "/nonexistent/helper"}})
	if got := operation.RecoveryOf(err); got != operation.RecoveryUntouched {
		t.Errorf("Expected untouched, got %s (%v)", got, err)
	}
}

func TestScriptRunnerCancelBeforeStart(t *testing.T) {
	script := writeScript(t, "exit 0\n")
	flag := new(atomic.Bool)
	flag.Store(true)
	task := operation.NewTask(context.Background(), flag)

	err := NewScriptRunner(nil).Run(task, ScriptJob{Script: script})
	if !errors.Is(err, operation.ErrCancelled) {
		t.Fatalf("Expected ErrCancelled, got %v", err)
	}
	if got := operation.RecoveryOf(err); got != operation.RecoveryUntouched {
		t.Errorf("Expected untouched, got %s", got)
	}
}

func TestScriptRunnerCancelAtSafePoint(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	script := writeScript(t, "echo 'STAGE prepare'\nsleep 30\n")
	flag := new(atomic.Bool)
	task := operation.NewTask(context.Background(), flag)

	done := make(chan error, 1)
	go func() {
		done <- NewScriptRunner(nil).Run(task, ScriptJob{
			Script:       script,
			SafeToCancel: func(stage string) bool { return stage == "prepare" },
			Recover:      func(string) operation.Recovery { return operation.RecoveryUntouched },
		})
	}()

	flag.Store(true)
	err := <-done
	if !errors.Is(err, operation.ErrCancelled) {
		t.Fatalf("Expected ErrCancelled, got %v", err)
	}
}
