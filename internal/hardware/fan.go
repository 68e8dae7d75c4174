package hardware

import (
	"context"
	"fmt"

	"go.olrik.dev/steward/internal/contract"
)

// UnitManager starts and stops system services
type UnitManager interface {
	UnitLoaded(ctx context.Context, unit string) (bool, error)
	UnitActive(ctx context.Context, unit string) (bool, error)
	StartUnit(ctx context.Context, unit string) error
	StopUnit(ctx context.Context, unit string) error
}

// FanController hands fan control to the firmware or to an OS service.
// States are contract.FanControlBios and contract.FanControlOS.
type FanController interface {
	Available(ctx context.Context) (bool, error)
	FanControlState(ctx context.Context) (uint32, error)
	SetFanControlState(ctx context.Context, state uint32) error
}

// FanService is OS fan control by a systemd unit. The firmware curve is in
// charge whenever the unit is not running.
type FanService struct {
	units UnitManager
	unit  string
}

// NewFanService creates the backend
func NewFanService(units UnitManager, cfg FanControlConfig) *FanService {
	return &FanService{units: units, unit: cfg.SystemdUnit}
}

// Available reports whether the unit is installed
func (f *FanService) Available(ctx context.Context) (bool, error) {
	return f.units.UnitLoaded(ctx, f.unit)
}

func (f *FanService) FanControlState(ctx context.Context) (uint32, error) {
	active, err := f.units.UnitActive(ctx, f.unit)
	if err != nil {
		return 0, err
	}
	if active {
		return contract.FanControlOS, nil
	}
	return contract.FanControlBios, nil
}

func (f *FanService) SetFanControlState(ctx context.Context, state uint32) error {
	switch state {
	case contract.FanControlOS:
		return f.units.StartUnit(ctx, f.unit)
	case contract.FanControlBios:
		return f.units.StopUnit(ctx, f.unit)
	}
	return fmt.Errorf("invalid fan control state %d", state)
}
