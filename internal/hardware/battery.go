package hardware

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// ChargeLimiter controls the maximum battery charge level, in percent
type ChargeLimiter interface {
	MaxChargeLevel() (int32, error)
	SetMaxChargeLevel(limit int32) error
	SuggestedMinimumLimit() int32
}

// Battery drives the hwmon attribute named in the device config
type Battery struct {
	fs  Sysfs
	cfg BatteryConfig
}

// NewBattery creates the backend
func NewBattery(fs Sysfs, cfg BatteryConfig) *Battery {
	return &Battery{fs: fs, cfg: cfg}
}

func (b *Battery) node() (string, error) {
	dir, err := b.fs.FindHwmon(b.cfg.HwmonName)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, b.cfg.Attribute), nil
}

func (b *Battery) MaxChargeLevel() (int32, error) {
	p, err := b.node()
	if err != nil {
		return 0, err
	}
	v, err := b.fs.ReadInt(p)
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}

// SetMaxChargeLevel writes limit. -1 resets to a full charge.
func (b *Battery) SetMaxChargeLevel(limit int32) error {
	if limit == -1 {
		limit = 100
	}
	if limit < 0 || limit > 100 {
		return fmt.Errorf("charge limit %d out of range", limit)
	}
	p, err := b.node()
	if err != nil {
		return err
	}
	return b.fs.Write(p, strconv.Itoa(int(limit)))
}

func (b *Battery) SuggestedMinimumLimit() int32 {
	return b.cfg.SuggestedMinimumLimit
}
