package core

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	// DefaultConfigDir holds steward.hcl and the devices/ directory
	DefaultConfigDir = "/etc/steward"
	// ConfigFileName is the daemon configuration file inside the config dir
	ConfigFileName = "steward.hcl"
	// DevicesDirName holds per-device HCL files matched by DMI
	DevicesDirName = "devices"
)

// Configuration is the daemon configuration shared by both services.
// Each daemon only reads the block that concerns it.
type Configuration struct {
	ConfigDir string     // Directory the configuration was loaded from
	LogLevel  slog.Level // Minimum level written by the tint handler
	Root      RootConfig
	User      UserConfig
	Bridge    BridgeConfig
}

// RootConfig controls the privileged service
type RootConfig struct {
	AllowedUIDs        []uint32      // Peers that may call the Root Service (root is always allowed)
	AllowedExecutables []string      // Executables allowed to call the Root Service, empty allows any
	OperationRetention time.Duration // How long terminal operations stay queryable
	RequestKeyTTL      time.Duration // How long Start request keys are remembered
}

// UserConfig controls the session service
type UserConfig struct {
	PollInterval   time.Duration // Interval for polling sysfs-backed properties
	RateLimit      float64       // Mutating calls per second allowed per sender
	RateLimitBurst int
}

// BridgeConfig controls how the IPC bridge retries transport failures
type BridgeConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// HCL parsing structs

type hclConfig struct {
	LogLevel string     `hcl:"log_level,optional"`
	Root     *hclRoot   `hcl:"root,block"`
	User     *hclUser   `hcl:"user,block"`
	Bridge   *hclBridge `hcl:"bridge,block"`
}

type hclRoot struct {
	AllowedUIDs        []int    `hcl:"allowed_uids,optional"`
	AllowedExecutables []string `hcl:"allowed_executables,optional"`
	OperationRetention string   `hcl:"operation_retention,optional"`
	RequestKeyTTL      string   `hcl:"request_key_ttl,optional"`
}

type hclUser struct {
	PollInterval   string  `hcl:"poll_interval,optional"`
	RateLimit      *float64 `hcl:"rate_limit,optional"`
	RateLimitBurst *int     `hcl:"rate_limit_burst,optional"`
}

type hclBridge struct {
	MaxRetries     *int   `hcl:"max_retries,optional"`
	InitialBackoff string `hcl:"initial_backoff,optional"`
	MaxBackoff     string `hcl:"max_backoff,optional"`
}

// LoadConfig loads the HCL configuration file and returns a Configuration
// with defaults applied for everything the file leaves out.
func LoadConfig(filename string) (*Configuration, error) {
	var hclCfg hclConfig

	if err := hclsimple.DecodeFile(filename, nil, &hclCfg); err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	cfg := GetDefaultConfig()
	cfg.ConfigDir = filepath.Dir(filename)

	if hclCfg.LogLevel != "" {
		level, err := ParseLogLevel(hclCfg.LogLevel)
		if err != nil {
			return nil, err
		}
		cfg.LogLevel = level
	}

	if r := hclCfg.Root; r != nil {
		for _, uid := range r.AllowedUIDs {
			if uid < 0 {
				return nil, fmt.Errorf("root.allowed_uids: negative uid %d", uid)
			}
			cfg.Root.AllowedUIDs = append(cfg.Root.AllowedUIDs, uint32(uid))
		}
		cfg.Root.AllowedExecutables = r.AllowedExecutables
		if err := parseDuration("root.operation_retention", r.OperationRetention, &cfg.Root.OperationRetention); err != nil {
			return nil, err
		}
		if err := parseDuration("root.request_key_ttl", r.RequestKeyTTL, &cfg.Root.RequestKeyTTL); err != nil {
			return nil, err
		}
	}

	if u := hclCfg.User; u != nil {
		if err := parseDuration("user.poll_interval", u.PollInterval, &cfg.User.PollInterval); err != nil {
			return nil, err
		}
		// An explicit 0 turns rate limiting off
		if u.RateLimit != nil {
			if *u.RateLimit < 0 {
				return nil, fmt.Errorf("user.rate_limit: negative rate %v", *u.RateLimit)
			}
			cfg.User.RateLimit = *u.RateLimit
		}
		if u.RateLimitBurst != nil {
			if *u.RateLimitBurst < 0 {
				return nil, fmt.Errorf("user.rate_limit_burst: negative burst %d", *u.RateLimitBurst)
			}
			cfg.User.RateLimitBurst = *u.RateLimitBurst
		}
	}

	if b := hclCfg.Bridge; b != nil {
		if b.MaxRetries != nil {
			if *b.MaxRetries < 0 {
				return nil, fmt.Errorf("bridge.max_retries: negative count %d", *b.MaxRetries)
			}
			cfg.Bridge.MaxRetries = *b.MaxRetries
		}
		if err := parseDuration("bridge.initial_backoff", b.InitialBackoff, &cfg.Bridge.InitialBackoff); err != nil {
			return nil, err
		}
		if err := parseDuration("bridge.max_backoff", b.MaxBackoff, &cfg.Bridge.MaxBackoff); err != nil {
			return nil, err
		}
	}

	// Polling faster than once a second hammers sysfs for no benefit
	if cfg.User.PollInterval < time.Second {
		cfg.User.PollInterval = time.Second
	}
	if cfg.Bridge.MaxBackoff < cfg.Bridge.InitialBackoff {
		cfg.Bridge.MaxBackoff = cfg.Bridge.InitialBackoff
	}

	return cfg, nil
}

// LoadConfigDir loads steward.hcl from dir, falling back to defaults when the
// file does not exist.
func LoadConfigDir(dir string) (*Configuration, error) {
	path := filepath.Join(dir, ConfigFileName)
	if !ConfigExists(path) {
		cfg := GetDefaultConfig()
		cfg.ConfigDir = dir
		return cfg, nil
	}
	return LoadConfig(path)
}

func parseDuration(field, value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s: duration must be positive, got %s", field, value)
	}
	*dst = d
	return nil
}

// ParseLogLevel accepts debug, info, warn and error
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// GetDefaultConfig returns a Configuration with default values
func GetDefaultConfig() *Configuration {
	return &Configuration{
		ConfigDir: DefaultConfigDir,
		LogLevel:  slog.LevelInfo,
		Root: RootConfig{
			OperationRetention: 10 * time.Minute,
			RequestKeyTTL:      5 * time.Minute,
		},
		User: UserConfig{
			PollInterval:   5 * time.Second,
			RateLimit:      20,
			RateLimitBurst: 40,
		},
		Bridge: BridgeConfig{
			MaxRetries:     4,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
	}
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}
