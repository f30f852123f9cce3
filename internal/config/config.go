// Package config holds templatefs's own application configuration,
// separate from the hierarchical configstore the render engine consumes.
// Shape and loading conventions follow the teacher's YAML configuration
// layer (gopkg.in/yaml.v2), trimmed to this filesystem's concerns.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/paul-chambers/templatefs/internal/fserrors"
)

// MountConfig controls the kernel-facing cache timeouts and threading
// model. The timeouts must be zero: Validate rejects any other value,
// and the mount passes zero to the kernel without reading these fields.
type MountConfig struct {
	ReadAheadKB       int  `yaml:"read_ahead_kb"`
	AttrTimeoutSec    int  `yaml:"attr_timeout_sec"`
	EntryTimeoutSec   int  `yaml:"entry_timeout_sec"`
	NegativeTimeout   int  `yaml:"negative_timeout_sec"`
	SingleThreaded    bool `yaml:"single_threaded"`
	AllowOther        bool `yaml:"allow_other"`
}

// LogDestinationConfig names one priority level's destination, matching
// internal/logging's Destination/Mode enums by string name so the YAML
// file stays human-editable.
type LogDestinationConfig struct {
	Level       string `yaml:"level"`
	Destination string `yaml:"destination"`
	WithLocation bool  `yaml:"with_location"`
}

// LoggingConfig configures the logging façade.
type LoggingConfig struct {
	FilePath     string                 `yaml:"file_path"`
	Destinations []LogDestinationConfig `yaml:"destinations"`
	FunctionTrace bool                  `yaml:"function_trace"`
}

// ExecTemplateConfig configures the executable-template driver's pipe
// drain buffers and wait behavior.
type ExecTemplateConfig struct {
	InitialBufferKB int           `yaml:"initial_buffer_kb"`
	HeadroomKB      int           `yaml:"headroom_kb"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// HealthConfig configures the anchor-reachability health endpoint.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Configuration is templatefs's top-level application configuration.
type Configuration struct {
	Mount    MountConfig        `yaml:"mount"`
	Logging  LoggingConfig      `yaml:"logging"`
	Exec     ExecTemplateConfig `yaml:"exec_template"`
	Metrics  MetricsConfig      `yaml:"metrics"`
	Health   HealthConfig       `yaml:"health"`
	// ConfigStorePath is the HCL file backing the hierarchical
	// "system:/config" key-set the render engine consumes.
	ConfigStorePath string `yaml:"config_store_path"`
}

// NewDefault returns a Configuration with sane defaults: no mount-time
// caching (per §4.E), a 16 KiB/2 KiB pipe-drain buffer (per §4.D), a 10s
// drain timeout, warnings and above to stderr, metrics and health off.
func NewDefault() *Configuration {
	return &Configuration{
		Mount: MountConfig{
			ReadAheadKB:     0,
			AttrTimeoutSec:  0,
			EntryTimeoutSec: 0,
			NegativeTimeout: 0,
			SingleThreaded:  false,
			AllowOther:      false,
		},
		Logging: LoggingConfig{
			Destinations: []LogDestinationConfig{
				{Level: "WARNING", Destination: "stderr", WithLocation: false},
				{Level: "ERROR", Destination: "stderr", WithLocation: true},
				{Level: "CRITICAL", Destination: "stderr", WithLocation: true},
				{Level: "ALERT", Destination: "stderr", WithLocation: true},
				{Level: "EMERGENCY", Destination: "stderr", WithLocation: true},
			},
			FunctionTrace: false,
		},
		Exec: ExecTemplateConfig{
			InitialBufferKB: 16,
			HeadroomKB:      2,
			DrainTimeout:    10 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: false, Address: ":9153"},
		Health:  HealthConfig{Enabled: false, Address: ":9154"},
	}
}

// LoadFromFile reads and parses a YAML configuration file, starting from
// defaults so unset fields keep their default value.
func LoadFromFile(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fserrors.New(fserrors.CodeConfigOpen, "cannot read configuration file").
			WithComponent("config").WithOperation("LoadFromFile").
			WithCause(err).WithDetail("path", path)
	}

	cfg := NewDefault()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fserrors.New(fserrors.CodeConfigOpen, "cannot parse configuration file").
			WithComponent("config").WithOperation("LoadFromFile").
			WithCause(err).WithDetail("path", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// env-var overrides, following the teacher's TEMPLATEFS_* convention.
const envPrefix = "TEMPLATEFS_"

// LoadFromEnv applies environment-variable overrides on top of cfg,
// following the teacher's flat ALL_CAPS prefix convention.
func (c *Configuration) LoadFromEnv() error {
	if v, ok := os.LookupEnv(envPrefix + "METRICS_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fserrors.New(fserrors.CodeConfigOpen, "invalid boolean in environment").
				WithComponent("config").WithOperation("LoadFromEnv").
				WithCause(err).WithDetail("var", envPrefix+"METRICS_ENABLED")
		}
		c.Metrics.Enabled = b
	}
	if v, ok := os.LookupEnv(envPrefix + "METRICS_ADDRESS"); ok {
		c.Metrics.Address = v
	}
	if v, ok := os.LookupEnv(envPrefix + "HEALTH_ADDRESS"); ok {
		c.Health.Address = v
	}
	if v, ok := os.LookupEnv(envPrefix + "LOG_FILE"); ok {
		c.Logging.FilePath = v
	}
	return nil
}

// Validate checks invariants the rest of the system depends on: the
// mount-time cache timeouts must be zero (§4.E's init contract is not
// negotiable), and the drain buffer sizes must be positive.
func (c *Configuration) Validate() error {
	if c.Mount.AttrTimeoutSec != 0 || c.Mount.EntryTimeoutSec != 0 || c.Mount.NegativeTimeout != 0 {
		return fserrors.New(fserrors.CodeOptionParseFailed, "cache timeouts must be zero").
			WithComponent("config").WithOperation("Validate")
	}
	if c.Exec.InitialBufferKB <= 0 || c.Exec.HeadroomKB <= 0 {
		return fserrors.New(fserrors.CodeOptionParseFailed, "exec_template buffer sizes must be positive").
			WithComponent("config").WithOperation("Validate")
	}
	for _, d := range c.Logging.Destinations {
		if d.Level == "" || d.Destination == "" {
			return fserrors.New(fserrors.CodeOptionParseFailed, "logging destination entry missing level or destination").
				WithComponent("config").WithOperation("Validate")
		}
	}
	return nil
}

// SaveToFile writes cfg back out as YAML, mirroring the teacher's
// round-trippable configuration files.
func (c *Configuration) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}
