// Package config holds the gateway configuration: YAML-backed settings for
// the store, session registry, auto-response engine, and maintenance jobs,
// with secrets resolved from the OS keyring and environment.
package config

import (
	"fmt"
	"time"

	"github.com/nvallejos/wagateway/pkg/wagateway/autoresponse"
	"github.com/nvallejos/wagateway/pkg/wagateway/maintenance"
	"github.com/nvallejos/wagateway/pkg/wagateway/registry"
)

// Version is the current configuration schema version.
const Version = 1

// Config is the root configuration of the gateway.
type Config struct {
	// Version identifies the config schema. Unknown versions are rejected.
	Version int `yaml:"version"`

	// Database is the path to the gateway's SQLite database.
	Database string `yaml:"database"`

	// SessionsDir is where per-account session databases live.
	SessionsDir string `yaml:"sessions_dir"`

	// DeviceName is the name shown on the paired phone.
	DeviceName string `yaml:"device_name"`

	// API configures the LLM endpoint used by responders.
	API APIConfig `yaml:"api"`

	// Registry configures session supervision.
	Registry RegistryConfig `yaml:"registry"`

	// AutoResponse configures the response engine.
	AutoResponse autoresponse.Config `yaml:"auto_response"`

	// Maintenance configures recurring housekeeping jobs.
	Maintenance maintenance.Config `yaml:"maintenance"`

	// Log configures the logger.
	Log LogConfig `yaml:"log"`
}

// APIConfig holds the LLM credential. The key is normally resolved from the
// keyring or environment, not stored here.
type APIConfig struct {
	APIKey string `yaml:"api_key"`
}

// RegistryConfig mirrors registry.Config with YAML-friendly fields.
type RegistryConfig struct {
	ProbeInterval         time.Duration `yaml:"probe_interval"`
	ProbeTimeout          time.Duration `yaml:"probe_timeout"`
	ProbeFailureThreshold int           `yaml:"probe_failure_threshold"`

	ReconnectEnabled     bool          `yaml:"reconnect_enabled"`
	ReconnectBackoff     time.Duration `yaml:"reconnect_backoff"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`

	QRRotation   time.Duration `yaml:"qr_rotation"`
	PhoneCodeTTL time.Duration `yaml:"phone_code_ttl"`
}

// LogConfig controls logger output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	reg := registry.DefaultConfig()
	return &Config{
		Version:     Version,
		Database:    "wagateway.db",
		SessionsDir: "sessions",
		DeviceName:  "wagateway",
		Registry: RegistryConfig{
			ProbeInterval:         reg.Probe.Interval,
			ProbeTimeout:          reg.Probe.Timeout,
			ProbeFailureThreshold: reg.Probe.FailureThreshold,
			ReconnectEnabled:      reg.Reconnect.Enabled,
			ReconnectBackoff:      reg.Reconnect.Backoff,
			ReconnectMaxAttempts:  reg.Reconnect.MaxAttempts,
			QRRotation:            reg.QRRotation,
			PhoneCodeTTL:          reg.PhoneCodeTTL,
		},
		AutoResponse: autoresponse.DefaultConfig(),
		Maintenance:  maintenance.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks structural invariants.
func (c *Config) Validate() error {
	if c.Version != Version {
		return fmt.Errorf("unsupported config version %d (expected %d)", c.Version, Version)
	}
	if c.Database == "" {
		return fmt.Errorf("database path is required")
	}
	if c.SessionsDir == "" {
		return fmt.Errorf("sessions_dir is required")
	}
	return nil
}

// ToRegistryConfig converts the YAML shape into the registry's own config.
func (c *Config) ToRegistryConfig() registry.Config {
	cfg := registry.DefaultConfig()
	cfg.SessionsDir = c.SessionsDir
	cfg.DeviceName = c.DeviceName
	if c.Registry.ProbeInterval > 0 {
		cfg.Probe.Interval = c.Registry.ProbeInterval
	}
	if c.Registry.ProbeTimeout > 0 {
		cfg.Probe.Timeout = c.Registry.ProbeTimeout
	}
	if c.Registry.ProbeFailureThreshold > 0 {
		cfg.Probe.FailureThreshold = c.Registry.ProbeFailureThreshold
	}
	cfg.Reconnect.Enabled = c.Registry.ReconnectEnabled
	if c.Registry.ReconnectBackoff > 0 {
		cfg.Reconnect.Backoff = c.Registry.ReconnectBackoff
	}
	if c.Registry.ReconnectMaxAttempts > 0 {
		cfg.Reconnect.MaxAttempts = c.Registry.ReconnectMaxAttempts
	}
	if c.Registry.QRRotation > 0 {
		cfg.QRRotation = c.Registry.QRRotation
	}
	if c.Registry.PhoneCodeTTL > 0 {
		cfg.PhoneCodeTTL = c.Registry.PhoneCodeTTL
	}
	return cfg
}
