package hardware

import (
	"path/filepath"
	"strings"
)

const platformProfilePrefix = "/sys/class/platform-profile"

// PerformanceProfiles selects the firmware platform profile
type PerformanceProfiles interface {
	PerformanceProfiles() ([]string, error)
	PerformanceProfile() (string, error)
	SetPerformanceProfile(name string) error
	SuggestedDefaultPerformanceProfile() string
}

// PlatformProfile drives the platform-profile class device named in the
// device config
type PlatformProfile struct {
	fs  Sysfs
	cfg PerformanceProfileConfig
}

// NewPlatformProfile creates the backend
func NewPlatformProfile(fs Sysfs, cfg PerformanceProfileConfig) *PlatformProfile {
	return &PlatformProfile{fs: fs, cfg: cfg}
}

func (p *PlatformProfile) node(attr string) (string, error) {
	dir, err := p.fs.findNamed(platformProfilePrefix, "platform profile", p.cfg.PlatformProfileName)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, attr), nil
}

func (p *PlatformProfile) PerformanceProfiles() ([]string, error) {
	node, err := p.node("choices")
	if err != nil {
		return nil, err
	}
	v, err := p.fs.ReadString(node)
	if err != nil {
		return nil, err
	}
	return strings.Fields(v), nil
}

func (p *PlatformProfile) PerformanceProfile() (string, error) {
	node, err := p.node("profile")
	if err != nil {
		return "", err
	}
	return p.fs.ReadString(node)
}

func (p *PlatformProfile) SetPerformanceProfile(name string) error {
	node, err := p.node("profile")
	if err != nil {
		return err
	}
	return p.fs.Write(node, name)
}

func (p *PlatformProfile) SuggestedDefaultPerformanceProfile() string {
	return p.cfg.SuggestedDefault
}
