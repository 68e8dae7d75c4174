package hardware

import (
	"bufio"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const (
	amdgpuHwmonName = "amdgpu"

	tdpLimit1        = "power1_cap"
	tdpLimit2        = "power2_cap"
	performanceLevel = "device/power_dpm_force_performance_level"
	clockVoltage     = "device/pp_od_clk_voltage"
	clockLevels      = "device/pp_dpm_sclk"
	powerProfileMode = "device/pp_power_profile_mode"
)

var (
	clockLevelRegex   = regexp.MustCompile(`^\s*([0-9]+): ([0-9]+)Mhz`)
	powerProfileRegex = regexp.MustCompile(`^\s*([0-9]+)\s+([0-9A-Za-z_]+)(\*)?`)
)

// PerformanceLevels the amdgpu driver accepts
var PerformanceLevels = []string{"auto", "low", "high", "manual", "profile_peak"}

// TdpLimiter controls the package power limit, in watts
type TdpLimiter interface {
	TdpLimit() (uint32, error)
	SetTdpLimit(watts uint32) error
	TdpLimitRange() (Range, error)
}

// GpuPerformance controls the GPU performance level and manual clock
type GpuPerformance interface {
	PerformanceLevels() ([]string, error)
	PerformanceLevel() (string, error)
	SetPerformanceLevel(level string) error
	ClockRange() (Range, error)
	ManualClock() (uint32, error)
	SetManualClock(mhz uint32) error
}

// GpuPowerProfiles controls the GPU power profile
type GpuPowerProfiles interface {
	PowerProfiles() ([]string, error)
	PowerProfile() (string, error)
	SetPowerProfile(name string) error
}

// AMDGPU drives the amdgpu hwmon and device attributes
type AMDGPU struct {
	fs     Sysfs
	device *DeviceConfig
}

// NewAMDGPU creates the backend. device may be nil.
func NewAMDGPU(fs Sysfs, device *DeviceConfig) *AMDGPU {
	return &AMDGPU{fs: fs, device: device}
}

func (g *AMDGPU) node(name string) (string, error) {
	dir, err := g.fs.FindHwmon(amdgpuHwmonName)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func (g *AMDGPU) read(name string) (string, error) {
	p, err := g.node(name)
	if err != nil {
		return "", err
	}
	return g.fs.ReadString(p)
}

func (g *AMDGPU) write(name, data string) error {
	p, err := g.node(name)
	if err != nil {
		return err
	}
	return g.fs.Write(p, data)
}

// TdpLimit reads power1_cap, which the driver reports in microwatts
func (g *AMDGPU) TdpLimit() (uint32, error) {
	p, err := g.node(tdpLimit1)
	if err != nil {
		return 0, err
	}
	uw, err := g.fs.ReadUint(p)
	if err != nil {
		return 0, err
	}
	return uint32(uw / 1_000_000), nil
}

// SetTdpLimit writes both the sustained and the fast limit. power2_cap is
// optional, older firmware only exposes power1_cap.
func (g *AMDGPU) SetTdpLimit(watts uint32) error {
	data := fmt.Sprintf("%d000000", watts)
	if err := g.write(tdpLimit1, data); err != nil {
		return err
	}
	p2, err := g.node(tdpLimit2)
	if err != nil {
		return err
	}
	if g.fs.Exists(p2) {
		return g.fs.Write(p2, data)
	}
	return nil
}

// TdpLimitRange comes from the device config, the driver does not declare
// a usable one.
func (g *AMDGPU) TdpLimitRange() (Range, error) {
	if g.device == nil || g.device.TdpLimit == nil {
		return Range{}, fmt.Errorf("no TDP limit range configured: %w", ErrNotFound)
	}
	return *g.device.TdpLimit, nil
}

func (g *AMDGPU) PerformanceLevels() ([]string, error) {
	if _, err := g.read(performanceLevel); err != nil {
		return nil, err
	}
	return append([]string(nil), PerformanceLevels...), nil
}

func (g *AMDGPU) PerformanceLevel() (string, error) {
	return g.read(performanceLevel)
}

func (g *AMDGPU) SetPerformanceLevel(level string) error {
	return g.write(performanceLevel, level)
}

// ClockRange prefers the device config and falls back to the DPM levels
func (g *AMDGPU) ClockRange() (Range, error) {
	if g.device != nil && g.device.GpuClocks != nil {
		return *g.device.GpuClocks, nil
	}
	contents, err := g.read(clockLevels)
	if err != nil {
		return Range{}, err
	}
	return parseClockLevels(contents)
}

func parseClockLevels(contents string) (Range, error) {
	r := Range{Min: ^uint32(0)}
	found := false
	for _, line := range strings.Split(contents, "\n") {
		m := clockLevelRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		v, err := strconv.ParseUint(m[2], 10, 32)
		if err != nil {
			return Range{}, fmt.Errorf("failed to parse clock level %q: %w", line, err)
		}
		found = true
		r.Min = min(r.Min, uint32(v))
		r.Max = max(r.Max, uint32(v))
	}
	if !found {
		return Range{}, fmt.Errorf("no clock levels in %s", clockLevels)
	}
	return r, nil
}

// ManualClock reads the first OD_SCLK entry, 0 when none is set
func (g *AMDGPU) ManualClock() (uint32, error) {
	contents, err := g.read(clockVoltage)
	if err != nil {
		return 0, err
	}
	return parseODClock(contents)
}

func parseODClock(contents string) (uint32, error) {
	scanner := bufio.NewScanner(strings.NewReader(contents))
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "OD_SCLK:" {
			continue
		}
		if !scanner.Scan() {
			break
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || !strings.HasSuffix(fields[1], "Mhz") {
			break
		}
		v, err := strconv.ParseUint(strings.TrimSuffix(fields[1], "Mhz"), 10, 32)
		if err != nil {
			return 0, fmt.Errorf("failed to parse OD_SCLK: %w", err)
		}
		return uint32(v), nil
	}
	return 0, nil
}

// SetManualClock pins both sclk levels and commits. The value only takes
// effect in the manual performance level but is written regardless.
func (g *AMDGPU) SetManualClock(mhz uint32) error {
	return g.write(clockVoltage, fmt.Sprintf("s 0 %d\ns 1 %d\nc\n", mhz, mhz))
}

func (g *AMDGPU) PowerProfiles() ([]string, error) {
	contents, err := g.read(powerProfileMode)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(contents, "\n") {
		if m := powerProfileRegex.FindStringSubmatch(line); m != nil {
			names = append(names, strings.ToLower(m[2]))
		}
	}
	return names, nil
}

func (g *AMDGPU) PowerProfile() (string, error) {
	contents, err := g.read(powerProfileMode)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(contents, "\n") {
		if m := powerProfileRegex.FindStringSubmatch(line); m != nil && m[3] == "*" {
			return strings.ToLower(m[2]), nil
		}
	}
	return "", fmt.Errorf("no active profile in %s", powerProfileMode)
}

// SetPowerProfile writes the numeric index of the named profile
func (g *AMDGPU) SetPowerProfile(name string) error {
	contents, err := g.read(powerProfileMode)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(contents, "\n") {
		if m := powerProfileRegex.FindStringSubmatch(line); m != nil && strings.EqualFold(m[2], name) {
			return g.write(powerProfileMode, m[1])
		}
	}
	return fmt.Errorf("unknown GPU power profile %q", name)
}
