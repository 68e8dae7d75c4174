package contract

import (
	"fmt"
	"sort"

	"github.com/godbus/dbus/v5"

	"go.olrik.dev/steward/internal/fault"
)

// Privileged action names, shared by the User Service (which forwards them)
// and the Root Service (which authorizes and executes them).
const (
	ActionSetTdpLimit            = "set_tdp_limit"
	ActionSetGpuPerformanceLevel = "set_gpu_performance_level"
	ActionSetManualGpuClock      = "set_manual_gpu_clock"
	ActionSetGpuPowerProfile     = "set_gpu_power_profile"
	ActionSetCpuScalingGovernor  = "set_cpu_scaling_governor"
	ActionSetMaxChargeLevel      = "set_max_charge_level"
	ActionUpdateBios             = "update_bios"
	ActionUpdateDock             = "update_dock"
	ActionFormatDevice           = "format_device"
	ActionTrimDevices            = "trim_devices"
	ActionSetCpuBoostState       = "set_cpu_boost_state"
	ActionSetPerformanceProfile  = "set_performance_profile"
	ActionSetFanControlState     = "set_fan_control_state"
	ActionPrepareFactoryReset    = "prepare_factory_reset"
)

// CpuBoostState values
const (
	CpuBoostDisabled uint32 = 0
	CpuBoostEnabled  uint32 = 1
)

// FanControlState values
const (
	FanControlBios uint32 = 0 // firmware curve
	FanControlOS   uint32 = 1 // the configured fan service drives the fan
)

// FactoryReset kinds
const (
	FactoryResetUser uint32 = 1 // user data only
	FactoryResetOS   uint32 = 2 // operating system only
	FactoryResetAll  uint32 = 3
)

// ArgSpec describes one named argument of an action
type ArgSpec struct {
	Name     string
	Type     string // D-Bus signature of the value
	Optional bool
}

// Action is one entry of the privileged operation-definition table
type Action struct {
	Name    string
	Feature string

	// Resource is the serialization key. When ResourceArg is set the value of
	// that argument is appended, so different devices do not block each other.
	Resource    string
	ResourceArg string

	Async       bool // long running, tracked as an operation
	Cancellable bool // operation honours cancellation at safe points
	Idempotent  bool // repeating the call has no additional effect
	Args        []ArgSpec
}

var actions = map[string]Action{
	ActionSetTdpLimit: {
		Name: ActionSetTdpLimit, Feature: FeatureTdpLimit, Resource: "tdp_limit", Idempotent: true,
		Args: []ArgSpec{{Name: "limit", Type: "u"}},
	},
	ActionSetGpuPerformanceLevel: {
		Name: ActionSetGpuPerformanceLevel, Feature: FeatureGpuPerformanceLevel, Resource: "gpu_performance_level", Idempotent: true,
		Args: []ArgSpec{{Name: "level", Type: "s"}},
	},
	ActionSetManualGpuClock: {
		Name: ActionSetManualGpuClock, Feature: FeatureGpuPerformanceLevel, Resource: "gpu_clock", Idempotent: true,
		Args: []ArgSpec{{Name: "clock", Type: "u"}},
	},
	ActionSetGpuPowerProfile: {
		Name: ActionSetGpuPowerProfile, Feature: FeatureGpuPowerProfile, Resource: "gpu_power_profile", Idempotent: true,
		Args: []ArgSpec{{Name: "profile", Type: "s"}},
	},
	ActionSetCpuScalingGovernor: {
		Name: ActionSetCpuScalingGovernor, Feature: FeatureCpuScaling, Resource: "cpu_governor", Idempotent: true,
		Args: []ArgSpec{{Name: "governor", Type: "s"}},
	},
	ActionSetMaxChargeLevel: {
		Name: ActionSetMaxChargeLevel, Feature: FeatureBatteryChargeLimit, Resource: "battery_charge_limit", Idempotent: true,
		Args: []ArgSpec{{Name: "limit", Type: "i"}},
	},
	ActionUpdateBios: {
		Name: ActionUpdateBios, Feature: FeatureUpdateBios, Resource: "firmware:bios", Async: true,
	},
	ActionUpdateDock: {
		Name: ActionUpdateDock, Feature: FeatureUpdateDock, Resource: "firmware:dock", Async: true,
	},
	ActionFormatDevice: {
		Name: ActionFormatDevice, Feature: FeatureStorage, Resource: "block", ResourceArg: "device", Async: true, Cancellable: true,
		Args: []ArgSpec{
			{Name: "device", Type: "s"},
			{Name: "label", Type: "s", Optional: true},
			{Name: "validate", Type: "b", Optional: true},
		},
	},
	ActionTrimDevices: {
		Name: ActionTrimDevices, Feature: FeatureStorage, Resource: "block:trim", Async: true, Cancellable: true,
	},
	ActionSetCpuBoostState: {
		Name: ActionSetCpuBoostState, Feature: FeatureCpuBoost, Resource: "cpu_boost", Idempotent: true,
		Args: []ArgSpec{{Name: "state", Type: "u"}},
	},
	ActionSetPerformanceProfile: {
		Name: ActionSetPerformanceProfile, Feature: FeaturePerformanceProfile, Resource: "performance_profile", Idempotent: true,
		Args: []ArgSpec{{Name: "profile", Type: "s"}},
	},
	ActionSetFanControlState: {
		Name: ActionSetFanControlState, Feature: FeatureFanControl, Resource: "fan_control", Idempotent: true,
		Args: []ArgSpec{{Name: "state", Type: "u"}},
	},
	ActionPrepareFactoryReset: {
		Name: ActionPrepareFactoryReset, Feature: FeatureFactoryReset, Resource: "factory_reset", Async: true,
		Args: []ArgSpec{{Name: "kind", Type: "u"}},
	},
}

// LookupAction finds an action definition
func LookupAction(name string) (Action, bool) {
	a, ok := actions[name]
	return a, ok
}

// Actions returns all action names, sorted
func Actions() []string {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResourceFor returns the serialization key for one invocation
func (a Action) ResourceFor(args map[string]any) string {
	if a.ResourceArg == "" {
		return a.Resource
	}
	return fmt.Sprintf("%s:%v", a.Resource, args[a.ResourceArg])
}

// Decode checks wire arguments against the schema and unwraps the variants.
// Unknown keys are rejected, so nothing outside the schema (such as a
// self-asserted capability claim) ever reaches a handler.
func (a Action) Decode(in map[string]dbus.Variant) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for key, v := range in {
		spec, ok := a.arg(key)
		if !ok {
			return nil, fault.New(fault.InvalidArgument, "%s: unexpected argument %q", a.Name, key)
		}
		if sig := v.Signature().String(); sig != spec.Type {
			return nil, fault.New(fault.InvalidArgument, "%s: argument %q has type %s, want %s", a.Name, key, sig, spec.Type)
		}
		out[key] = v.Value()
	}
	for _, spec := range a.Args {
		if _, ok := out[spec.Name]; !ok && !spec.Optional {
			return nil, fault.New(fault.InvalidArgument, "%s: missing argument %q", a.Name, spec.Name)
		}
	}
	return out, nil
}

// Encode wraps normalized arguments for the wire
func (a Action) Encode(args map[string]any) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(args))
	for key, v := range args {
		out[key] = dbus.MakeVariant(v)
	}
	return out
}

func (a Action) arg(name string) (ArgSpec, bool) {
	for _, spec := range a.Args {
		if spec.Name == name {
			return spec, true
		}
	}
	return ArgSpec{}, false
}
