package hardware

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.olrik.dev/steward/internal/contract"
)

const (
	cpufreqPrefix     = "/sys/devices/system/cpu/cpufreq"
	intelPstatePrefix = "/sys/devices/system/cpu/intel_pstate"
)

// CpuScaling controls the cpufreq scaling governor of every policy
type CpuScaling interface {
	Governors() ([]string, error)
	Governor() (string, error)
	SetGovernor(name string) error
}

// CpuBooster toggles opportunistic CPU boost. States are
// contract.CpuBoostDisabled and contract.CpuBoostEnabled.
type CpuBooster interface {
	CpuBoostState() (uint32, error)
	SetCpuBoostState(state uint32) error
}

// CPUFreq drives /sys/devices/system/cpu/cpufreq
type CPUFreq struct {
	fs Sysfs
}

// NewCPUFreq creates the backend
func NewCPUFreq(fs Sysfs) *CPUFreq {
	return &CPUFreq{fs: fs}
}

// Governors reads the available governors of policy0
func (c *CPUFreq) Governors() ([]string, error) {
	v, err := c.fs.ReadString(cpufreqPrefix + "/policy0/scaling_available_governors")
	if err != nil {
		return nil, err
	}
	return strings.Fields(v), nil
}

// Governor reads the governor of policy0
func (c *CPUFreq) Governor() (string, error) {
	return c.fs.ReadString(cpufreqPrefix + "/policy0/scaling_governor")
}

// SetGovernor writes the governor to every policyN
func (c *CPUFreq) SetGovernor(name string) error {
	entries, err := os.ReadDir(c.fs.Path(cpufreqPrefix))
	if err != nil {
		return fmt.Errorf("failed to list cpufreq policies: %w", err)
	}
	written := 0
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "policy") {
			continue
		}
		if err := c.fs.Write(filepath.Join(cpufreqPrefix, e.Name(), "scaling_governor"), name); err != nil {
			return err
		}
		written++
	}
	if written == 0 {
		return fmt.Errorf("no cpufreq policy found: %w", ErrNotFound)
	}
	return nil
}

// boostNode finds the boost switch. intel_pstate exposes no_turbo instead,
// which is inverted.
func (c *CPUFreq) boostNode() (node string, inverted bool, err error) {
	if p := cpufreqPrefix + "/boost"; c.fs.Exists(p) {
		return p, false, nil
	}
	if p := intelPstatePrefix + "/no_turbo"; c.fs.Exists(p) {
		return p, true, nil
	}
	return "", false, fmt.Errorf("cpu boost: %w", ErrNotFound)
}

func (c *CPUFreq) CpuBoostState() (uint32, error) {
	node, inverted, err := c.boostNode()
	if err != nil {
		return 0, err
	}
	v, err := c.fs.ReadUint(node)
	if err != nil {
		return 0, err
	}
	if v > 1 {
		return 0, fmt.Errorf("invalid boost state %d in %s", v, node)
	}
	on := v == 1
	if inverted {
		on = !on
	}
	if on {
		return contract.CpuBoostEnabled, nil
	}
	return contract.CpuBoostDisabled, nil
}

func (c *CPUFreq) SetCpuBoostState(state uint32) error {
	if state != contract.CpuBoostDisabled && state != contract.CpuBoostEnabled {
		return fmt.Errorf("invalid boost state %d", state)
	}
	node, inverted, err := c.boostNode()
	if err != nil {
		return err
	}
	on := state == contract.CpuBoostEnabled
	if inverted {
		on = !on
	}
	if on {
		return c.fs.Write(node, "1")
	}
	return c.fs.Write(node, "0")
}
