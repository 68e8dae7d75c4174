package rootsvc

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.olrik.dev/steward/internal/contract"
	"go.olrik.dev/steward/internal/fault"
	"go.olrik.dev/steward/internal/hardware"
	"go.olrik.dev/steward/internal/operation"
)

// syncHandler validates against hardware limits, then applies and reads
// back. validate never writes.
type syncHandler struct {
	validate func(s *Service, args map[string]any) error
	apply    func(ctx context.Context, s *Service, args map[string]any) (any, error)
}

// asyncHandler turns a validated request into a script job
type asyncHandler struct {
	validate func(s *Service, args map[string]any) error
	job      func(s *Service, args map[string]any) (hardware.ScriptJob, error)
}

var syncHandlers = map[string]syncHandler{
	contract.ActionSetTdpLimit: {
		validate: func(s *Service, args map[string]any) error {
			limit := args["limit"].(uint32)
			r, err := s.backends.Tdp.TdpLimitRange()
			if err != nil {
				return hardwareFault(err, "TDP limit range unavailable")
			}
			if !r.Contains(limit) {
				return fault.New(fault.InvalidArgument, "TDP limit %d outside %s", limit, r)
			}
			return nil
		},
		apply: func(_ context.Context, s *Service, args map[string]any) (any, error) {
			if err := s.backends.Tdp.SetTdpLimit(args["limit"].(uint32)); err != nil {
				return nil, err
			}
			return s.backends.Tdp.TdpLimit()
		},
	},
	contract.ActionSetGpuPerformanceLevel: {
		validate: func(s *Service, args map[string]any) error {
			levels, err := s.backends.Gpu.PerformanceLevels()
			if err != nil {
				return hardwareFault(err, "GPU performance levels unavailable")
			}
			return oneOf("GPU performance level", args["level"].(string), levels)
		},
		apply: func(_ context.Context, s *Service, args map[string]any) (any, error) {
			if err := s.backends.Gpu.SetPerformanceLevel(args["level"].(string)); err != nil {
				return nil, err
			}
			return s.backends.Gpu.PerformanceLevel()
		},
	},
	contract.ActionSetManualGpuClock: {
		validate: func(s *Service, args map[string]any) error {
			clock := args["clock"].(uint32)
			r, err := s.backends.Gpu.ClockRange()
			if err != nil {
				return hardwareFault(err, "GPU clock range unavailable")
			}
			if !r.Contains(clock) {
				return fault.New(fault.InvalidArgument, "GPU clock %d MHz outside %s", clock, r)
			}
			return nil
		},
		apply: func(_ context.Context, s *Service, args map[string]any) (any, error) {
			if err := s.backends.Gpu.SetManualClock(args["clock"].(uint32)); err != nil {
				return nil, err
			}
			return s.backends.Gpu.ManualClock()
		},
	},
	contract.ActionSetGpuPowerProfile: {
		validate: func(s *Service, args map[string]any) error {
			profiles, err := s.backends.GpuProfiles.PowerProfiles()
			if err != nil {
				return hardwareFault(err, "GPU power profiles unavailable")
			}
			return oneOf("GPU power profile", args["profile"].(string), profiles)
		},
		apply: func(_ context.Context, s *Service, args map[string]any) (any, error) {
			if err := s.backends.GpuProfiles.SetPowerProfile(args["profile"].(string)); err != nil {
				return nil, err
			}
			return s.backends.GpuProfiles.PowerProfile()
		},
	},
	contract.ActionSetCpuScalingGovernor: {
		validate: func(s *Service, args map[string]any) error {
			governors, err := s.backends.Cpu.Governors()
			if err != nil {
				return hardwareFault(err, "CPU scaling governors unavailable")
			}
			return oneOf("CPU scaling governor", args["governor"].(string), governors)
		},
		apply: func(_ context.Context, s *Service, args map[string]any) (any, error) {
			if err := s.backends.Cpu.SetGovernor(args["governor"].(string)); err != nil {
				return nil, err
			}
			return s.backends.Cpu.Governor()
		},
	},
	contract.ActionSetMaxChargeLevel: {
		validate: func(s *Service, args map[string]any) error {
			if s.backends.Battery == nil {
				return fault.New(fault.HardwareFault, "battery charge limit unavailable")
			}
			limit := args["limit"].(int32)
			if limit != -1 && (limit < 0 || limit > 100) {
				return fault.New(fault.InvalidArgument, "charge limit %d outside 0..100 (or -1 to reset)", limit)
			}
			return nil
		},
		apply: func(_ context.Context, s *Service, args map[string]any) (any, error) {
			if err := s.backends.Battery.SetMaxChargeLevel(args["limit"].(int32)); err != nil {
				return nil, err
			}
			return s.backends.Battery.MaxChargeLevel()
		},
	},
	contract.ActionSetCpuBoostState: {
		validate: func(s *Service, args map[string]any) error {
			if s.backends.Boost == nil {
				return fault.New(fault.HardwareFault, "CPU boost unavailable")
			}
			return binaryState("CPU boost state", args["state"].(uint32))
		},
		apply: func(_ context.Context, s *Service, args map[string]any) (any, error) {
			if err := s.backends.Boost.SetCpuBoostState(args["state"].(uint32)); err != nil {
				return nil, err
			}
			return s.backends.Boost.CpuBoostState()
		},
	},
	contract.ActionSetPerformanceProfile: {
		validate: func(s *Service, args map[string]any) error {
			if s.backends.Profile == nil {
				return fault.New(fault.HardwareFault, "performance profiles unavailable")
			}
			profiles, err := s.backends.Profile.PerformanceProfiles()
			if err != nil {
				return hardwareFault(err, "performance profiles unavailable")
			}
			return oneOf("performance profile", args["profile"].(string), profiles)
		},
		apply: func(_ context.Context, s *Service, args map[string]any) (any, error) {
			if err := s.backends.Profile.SetPerformanceProfile(args["profile"].(string)); err != nil {
				return nil, err
			}
			return s.backends.Profile.PerformanceProfile()
		},
	},
	contract.ActionSetFanControlState: {
		validate: func(s *Service, args map[string]any) error {
			if s.backends.Fan == nil {
				return fault.New(fault.HardwareFault, "fan control unavailable")
			}
			return binaryState("fan control state", args["state"].(uint32))
		},
		apply: func(ctx context.Context, s *Service, args map[string]any) (any, error) {
			if err := s.backends.Fan.SetFanControlState(ctx, args["state"].(uint32)); err != nil {
				return nil, err
			}
			return s.backends.Fan.FanControlState(ctx)
		},
	},
}

var asyncHandlers = map[string]asyncHandler{
	contract.ActionUpdateBios: {
		validate: noValidation,
		job:      firmwareJob(hardware.ScriptUpdateBios),
	},
	contract.ActionUpdateDock: {
		validate: noValidation,
		job:      firmwareJob(hardware.ScriptUpdateDock),
	},
	contract.ActionFormatDevice: {
		validate: func(s *Service, args map[string]any) error {
			// Aliases of one disk must share a resource key
			node, err := s.blockDevice(args["device"].(string))
			if err != nil {
				return err
			}
			args["device"] = node
			return nil
		},
		job: func(s *Service, args map[string]any) (hardware.ScriptJob, error) {
			script, err := s.script(hardware.ScriptFormatDevice)
			if err != nil {
				return hardware.ScriptJob{}, err
			}
			jobArgs := []string{args["device"].(string)}
			if label, ok := args["label"].(string); ok && label != "" {
				jobArgs = append(jobArgs, "--label", label)
			}
			if validate, ok := args["validate"].(bool); ok && !validate {
				jobArgs = append(jobArgs, "--skip-validation")
			}
			return hardware.ScriptJob{
				Script:       script,
				Args:         jobArgs,
				SafeToCancel: formatSafeToCancel,
				Recover:      formatRecovery,
			}, nil
		},
	},
	contract.ActionPrepareFactoryReset: {
		validate: func(s *Service, args map[string]any) error {
			if _, ok := factoryResetScripts[args["kind"].(uint32)]; !ok {
				return fault.New(fault.InvalidArgument, "factory reset kind %d not one of 1 (user), 2 (os), 3 (all)", args["kind"].(uint32))
			}
			return nil
		},
		job: func(s *Service, args map[string]any) (hardware.ScriptJob, error) {
			script, err := s.script(factoryResetScripts[args["kind"].(uint32)])
			if err != nil {
				return hardware.ScriptJob{}, err
			}
			return hardware.ScriptJob{Script: script, Recover: factoryResetRecovery}, nil
		},
	},
	contract.ActionTrimDevices: {
		validate: noValidation,
		job: func(s *Service, args map[string]any) (hardware.ScriptJob, error) {
			script, err := s.script(hardware.ScriptTrimDevices)
			if err != nil {
				return hardware.ScriptJob{}, err
			}
			// Discarding unused blocks never touches live data
			return hardware.ScriptJob{
				Script:       script,
				SafeToCancel: func(string) bool { return true },
				Recover:      func(string) operation.Recovery { return operation.RecoveryUntouched },
			}, nil
		},
	},
}

func noValidation(*Service, map[string]any) error { return nil }

var factoryResetScripts = map[uint32]string{
	contract.FactoryResetUser: hardware.ScriptFactoryResetUser,
	contract.FactoryResetOS:   hardware.ScriptFactoryResetOS,
	contract.FactoryResetAll:  hardware.ScriptFactoryResetAll,
}

// binaryState accepts 0 and 1
func binaryState(what string, v uint32) error {
	if v > 1 {
		return fault.New(fault.InvalidArgument, "%s %d not 0 or 1", what, v)
	}
	return nil
}

func oneOf(what, value string, allowed []string) error {
	if !slices.Contains(allowed, value) {
		return fault.New(fault.InvalidArgument, "%s %q not one of %s", what, value, strings.Join(allowed, ", "))
	}
	return nil
}

func (s *Service) script(name string) (hardware.ScriptConfig, error) {
	script, ok := s.backends.Script(name)
	if !ok || !script.Valid() {
		return hardware.ScriptConfig{}, fault.New(fault.HardwareFault, "%s script unavailable", name)
	}
	return script, nil
}

func firmwareJob(name string) func(*Service, map[string]any) (hardware.ScriptJob, error) {
	return func(s *Service, _ map[string]any) (hardware.ScriptJob, error) {
		script, err := s.script(name)
		if err != nil {
			return hardware.ScriptJob{}, err
		}
		return hardware.ScriptJob{Script: script, Recover: firmwareRecovery}, nil
	}
}

// Format scripts report "prepare" while checking the device and "write" once
// the partition table is being replaced.
func formatSafeToCancel(stage string) bool {
	return stage == "" || stage == "prepare"
}

func formatRecovery(stage string) operation.Recovery {
	if formatSafeToCancel(stage) {
		return operation.RecoveryUntouched
	}
	return operation.RecoveryNeedsReformat
}

// Firmware scripts report "download" and "verify" before "flash", and
// "rollback" once they restored the previous image.
func firmwareRecovery(stage string) operation.Recovery {
	switch stage {
	case "", "download", "verify":
		return operation.RecoveryUntouched
	case "rollback":
		return operation.RecoveryRolledBack
	default:
		return operation.RecoveryNeedsRetry
	}
}

// Reset scripts stage the reset for the next boot and report "prepare"
// before they touch anything.
func factoryResetRecovery(stage string) operation.Recovery {
	if stage == "" || stage == "prepare" {
		return operation.RecoveryUntouched
	}
	return operation.RecoveryNeedsRetry
}

// checkBlockDevice accepts only existing block device nodes below /dev and
// returns the node with every symlink resolved.
func checkBlockDevice(path string) (string, error) {
	clean := filepath.Clean(path)
	if !strings.HasPrefix(clean, "/dev/") {
		return "", fault.New(fault.InvalidArgument, "%q is not a device path", path)
	}
	node, err := filepath.EvalSymlinks(clean)
	if err != nil {
		return "", fault.New(fault.InvalidArgument, "device %s does not exist", clean)
	}
	if !strings.HasPrefix(node, "/dev/") {
		return "", fault.New(fault.InvalidArgument, "%s points outside /dev", clean)
	}
	info, err := os.Stat(node)
	if err != nil {
		return "", fault.New(fault.InvalidArgument, "device %s does not exist", node)
	}
	if info.Mode()&os.ModeDevice == 0 || info.Mode()&os.ModeCharDevice != 0 {
		return "", fault.New(fault.InvalidArgument, "%s is not a block device", node)
	}
	return node, nil
}
