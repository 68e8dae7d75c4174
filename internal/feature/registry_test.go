package feature

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"go.olrik.dev/steward/internal/contract"
	"go.olrik.dev/steward/internal/hardware"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for p, content := range files {
		full := filepath.Join(root, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

const jupiterDevice = `device "jupiter" {
  match {
    sys_vendor = ["Valve"]
  }

  tdp_limit {
    min = 3
    max = 15
  }
}
`

// hostFixture lays out a sysfs root and a config dir for a Valve handheld
// with an amdgpu hwmon and cpufreq.
func hostFixture(t *testing.T) (sysRoot, configDir string) {
	t.Helper()
	sysRoot = t.TempDir()
	writeTree(t, sysRoot, map[string]string{
		"/sys/class/dmi/id/sys_vendor":                                     "Valve\n",
		"/sys/class/hwmon/hwmon2/name":                                     "amdgpu\n",
		"/sys/class/hwmon/hwmon2/power1_cap":                               "15000000\n",
		"/sys/class/hwmon/hwmon2/device/power_dpm_force_performance_level": "auto\n",
		"/sys/devices/system/cpu/cpufreq/policy0/scaling_available_governors": "performance powersave\n",
		"/sys/devices/system/cpu/cpufreq/policy0/scaling_governor":            "powersave\n",
	})
	configDir = t.TempDir()
	writeTree(t, configDir, map[string]string{"devices/jupiter.hcl": jupiterDevice})
	return sysRoot, configDir
}

func detect(t *testing.T, sysRoot, configDir string, bt AdapterFinder) Set {
	t.Helper()
	backends, err := hardware.Load(hardware.Sysfs{Root: sysRoot}, configDir, nil)
	if err != nil {
		t.Fatalf("hardware.Load failed: %v", err)
	}
	registry, err := NewStandardRegistry(backends, bt, nil)
	if err != nil {
		t.Fatalf("NewStandardRegistry failed: %v", err)
	}
	return registry.Detect(context.Background())
}

func TestStandardDetection(t *testing.T) {
	sysRoot, configDir := hostFixture(t)
	set := detect(t, sysRoot, configDir, nil)

	want := []string{
		contract.FeatureCpuScaling,
		contract.FeatureGpuPerformanceLevel,
		contract.FeatureManager,
		contract.FeatureTdpLimit,
	}
	if !slices.Equal(set.IDs(), want) {
		t.Errorf("Expected %v, got %v", want, set.IDs())
	}
	if set.Privilege(contract.FeatureTdpLimit) != PrivilegeRoot {
		t.Error("tdp_limit should need root")
	}
	if !set.Publishes(contract.TdpLimitInterface) {
		t.Error("TdpLimit1 should be published")
	}
	if set.Publishes(contract.StorageInterface) {
		t.Error("Storage1 must not be published without scripts")
	}
}

// Restarting after the GPU driver went away drops its interfaces from the
// introspection document entirely.
func TestRemovedModuleIsAbsentAfterRestart(t *testing.T) {
	sysRoot, configDir := hostFixture(t)

	before := detect(t, sysRoot, configDir, nil)
	if !before.Enabled(contract.FeatureTdpLimit) {
		t.Fatal("tdp_limit should be detected while amdgpu is loaded")
	}

	if err := os.RemoveAll(filepath.Join(sysRoot, "/sys/class/hwmon/hwmon2")); err != nil {
		t.Fatal(err)
	}

	after := detect(t, sysRoot, configDir, nil)
	for _, id := range []string{contract.FeatureTdpLimit, contract.FeatureGpuPerformanceLevel} {
		if after.Enabled(id) {
			t.Errorf("%s should be absent after the module was removed", id)
		}
	}

	node := contract.Node(after.Enabled)
	for _, iface := range node.Interfaces {
		if iface.Name == contract.TdpLimitInterface || iface.Name == contract.GpuPerformanceLevelInterface {
			t.Errorf("%s must not be introspectable", iface.Name)
		}
	}
	if !after.Enabled(contract.FeatureCpuScaling) {
		t.Error("cpu_scaling is unaffected and should still be present")
	}
}

func TestScriptFeatures(t *testing.T) {
	sysRoot, configDir := hostFixture(t)
	scriptDir := t.TempDir()
	bios := filepath.Join(scriptDir, "bios.sh")
	if err := os.WriteFile(bios, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeTree(t, configDir, map[string]string{"devices/jupiter.hcl": jupiterDevice[:len(jupiterDevice)-2] + `
  script "update_bios" {
    path = "` + bios + `"
  }

  script "update_dock" {
    path = "` + filepath.Join(scriptDir, "missing.sh") + `"
  }
}
`})

	set := detect(t, sysRoot, configDir, nil)
	if !set.Enabled(contract.FeatureUpdateBios) {
		t.Error("update_bios should be present with an executable script")
	}
	if set.Enabled(contract.FeatureUpdateDock) {
		t.Error("update_dock must be absent when its script does not exist")
	}
}

func TestStorageNeedsBothScripts(t *testing.T) {
	scriptDir := t.TempDir()
	trim := filepath.Join(scriptDir, "trim.sh")
	format := filepath.Join(scriptDir, "format.sh")
	for _, p := range []string{trim, format} {
		if err := os.WriteFile(p, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	block := func(name, path string) string {
		return "\n  script \"" + name + "\" {\n    path = \"" + path + "\"\n  }\n"
	}

	tests := []struct {
		name    string
		scripts string
		want    bool
	}{
		{"trim only", block(hardware.ScriptTrimDevices, trim), false},
		{"format only", block(hardware.ScriptFormatDevice, format), false},
		{"format with missing trim", block(hardware.ScriptFormatDevice, format) + block(hardware.ScriptTrimDevices, filepath.Join(scriptDir, "missing.sh")), false},
		{"both", block(hardware.ScriptFormatDevice, format) + block(hardware.ScriptTrimDevices, trim), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sysRoot, configDir := hostFixture(t)
			writeTree(t, configDir, map[string]string{"devices/jupiter.hcl": jupiterDevice[:len(jupiterDevice)-2] + tt.scripts + "}\n"})

			set := detect(t, sysRoot, configDir, nil)
			if got := set.Enabled(contract.FeatureStorage); got != tt.want {
				t.Errorf("Expected storage=%v, got %v", tt.want, got)
			}
			if got := set.Publishes(contract.StorageInterface); got != tt.want {
				t.Errorf("Expected Storage1 published=%v, got %v", tt.want, got)
			}
		})
	}
}

func TestBoostAndProfileDetection(t *testing.T) {
	sysRoot, configDir := hostFixture(t)
	if set := detect(t, sysRoot, configDir, nil); set.Enabled(contract.FeatureCpuBoost) || set.Enabled(contract.FeaturePerformanceProfile) {
		t.Fatalf("Boost and profiles must be absent without their nodes, got %v", set.IDs())
	}

	writeTree(t, sysRoot, map[string]string{
		"/sys/devices/system/cpu/intel_pstate/no_turbo":          "0\n",
		"/sys/class/platform-profile/platform-profile0/name":    "power-slider\n",
		"/sys/class/platform-profile/platform-profile0/choices": "low-power balanced\n",
		"/sys/class/platform-profile/platform-profile0/profile": "balanced\n",
	})
	writeTree(t, configDir, map[string]string{"devices/jupiter.hcl": jupiterDevice[:len(jupiterDevice)-2] + `
  performance_profile {
    platform_profile_name = "power-slider"
  }
}
`})

	set := detect(t, sysRoot, configDir, nil)
	for _, id := range []string{contract.FeatureCpuBoost, contract.FeaturePerformanceProfile} {
		if !set.Enabled(id) {
			t.Errorf("%s should be detected", id)
		}
	}
	if set.Enabled(contract.FeatureFanControl) {
		t.Error("fan_control needs a unit manager")
	}
}

type fakeUnits struct{ loaded bool }

func (u fakeUnits) UnitLoaded(context.Context, string) (bool, error) { return u.loaded, nil }
func (u fakeUnits) UnitActive(context.Context, string) (bool, error) { return false, nil }
func (u fakeUnits) StartUnit(context.Context, string) error          { return nil }
func (u fakeUnits) StopUnit(context.Context, string) error           { return nil }

func TestFanControlDetection(t *testing.T) {
	sysRoot, configDir := hostFixture(t)
	writeTree(t, configDir, map[string]string{"devices/jupiter.hcl": jupiterDevice[:len(jupiterDevice)-2] + `
  fan_control {
    systemd_unit = "jupiter-fan-control.service"
  }
}
`})

	for _, loaded := range []bool{true, false} {
		backends, err := hardware.Load(hardware.Sysfs{Root: sysRoot}, configDir, nil)
		if err != nil {
			t.Fatal(err)
		}
		backends.UseUnits(fakeUnits{loaded: loaded})
		registry, err := NewStandardRegistry(backends, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		if got := registry.Detect(context.Background()).Enabled(contract.FeatureFanControl); got != loaded {
			t.Errorf("Expected fan_control=%v with the unit loaded=%v, got %v", loaded, loaded, got)
		}
	}
}

func TestFactoryResetNeedsEveryScript(t *testing.T) {
	scriptDir := t.TempDir()
	block := ""
	for i, name := range []string{hardware.ScriptFactoryResetUser, hardware.ScriptFactoryResetOS, hardware.ScriptFactoryResetAll} {
		p := filepath.Join(scriptDir, name+".sh")
		if err := os.WriteFile(p, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
			t.Fatal(err)
		}
		block += "\n  script \"" + name + "\" {\n    path = \"" + p + "\"\n  }\n"

		sysRoot, configDir := hostFixture(t)
		writeTree(t, configDir, map[string]string{"devices/jupiter.hcl": jupiterDevice[:len(jupiterDevice)-2] + block + "}\n"})
		want := i == 2
		if got := detect(t, sysRoot, configDir, nil).Enabled(contract.FeatureFactoryReset); got != want {
			t.Errorf("With %d of 3 scripts expected factory_reset=%v, got %v", i+1, want, got)
		}
	}
}

type fakeAdapters struct {
	present bool
	err     error
}

func (f fakeAdapters) AdapterPresent(context.Context) (bool, error) {
	return f.present, f.err
}

func TestBluetoothDetection(t *testing.T) {
	sysRoot, configDir := hostFixture(t)

	tests := []struct {
		name string
		bt   AdapterFinder
		want bool
	}{
		{"no bus", nil, false},
		{"adapter", fakeAdapters{present: true}, true},
		{"no adapter", fakeAdapters{}, false},
		{"bluez error", fakeAdapters{present: true, err: errors.New("bluez not running")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := detect(t, sysRoot, configDir, tt.bt)
			if got := set.Enabled(contract.FeatureBluetooth); got != tt.want {
				t.Errorf("Expected bluetooth=%v, got %v", tt.want, got)
			}
		})
	}
}

func TestDetectorPanicIsAbsent(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register(Feature{
		ID: contract.FeatureTdpLimit,
		Detect: func(context.Context) (bool, error) {
			panic("driver exploded")
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Register(Feature{ID: contract.FeatureManager, Detect: func(context.Context) (bool, error) { return true, nil }}); err != nil {
		t.Fatal(err)
	}

	set := r.Detect(context.Background())
	if set.Enabled(contract.FeatureTdpLimit) {
		t.Error("A panicking detector must count as absent")
	}
	if !set.Enabled(contract.FeatureManager) {
		t.Error("Other features must still be detected")
	}
}

func TestRegisterRejects(t *testing.T) {
	r := NewRegistry(nil)
	always := func(context.Context) (bool, error) { return true, nil }

	if err := r.Register(Feature{ID: "teleport", Detect: always}); err == nil {
		t.Error("Expected an error for a feature without interfaces")
	}
	if err := r.Register(Feature{ID: contract.FeatureStorage}); err == nil {
		t.Error("Expected an error for a feature without detector")
	}
	if err := r.Register(Feature{ID: contract.FeatureStorage, Detect: always}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(Feature{ID: contract.FeatureStorage, Detect: always}); err == nil {
		t.Error("Expected an error for a duplicate feature")
	}
}

func TestSetInterfacesAllOrNothing(t *testing.T) {
	set := NewSet(contract.FeatureManager)
	var names []string
	for _, iface := range set.Interfaces() {
		names = append(names, iface.Name)
	}
	want := []string{contract.ManagerInterface, contract.JobManagerInterface}
	if !slices.Equal(names, want) {
		t.Errorf("Expected %v, got %v", want, names)
	}
}

func TestSetWithout(t *testing.T) {
	set := NewSet(contract.FeatureManager, contract.FeatureBluetooth)
	reduced := set.Without(contract.FeatureBluetooth)

	if reduced.Enabled(contract.FeatureBluetooth) || reduced.Publishes(contract.BluetoothInterface) {
		t.Error("Bluetooth should be gone")
	}
	if !reduced.Enabled(contract.FeatureManager) {
		t.Error("Manager should remain")
	}
	if !set.Enabled(contract.FeatureBluetooth) {
		t.Error("The original set must not change")
	}
}
