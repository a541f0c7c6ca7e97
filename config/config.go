// Package config manages Relink configuration loading and validation.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where Relink operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Retry configures the retry engine's budget and backoff shape.
type Retry struct {
	MaxRetries        int           `yaml:"maxRetries"`
	InitialDelay      time.Duration `yaml:"initialDelay"`
	MaxDelay          time.Duration `yaml:"maxDelay"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier"`
	UseJitter         bool          `yaml:"useJitter"`
	JitterMin         float64       `yaml:"jitterMin"`
	JitterMax         float64       `yaml:"jitterMax"`
}

// DefaultRetry returns the standard retry configuration.
func DefaultRetry() Retry {
	return Retry{
		MaxRetries:        5,
		InitialDelay:      2 * time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		UseJitter:         true,
		JitterMin:         0.8,
		JitterMax:         1.2,
	}
}

// AggressiveRetry retries more often with shorter delays.
func AggressiveRetry() Retry {
	return Retry{
		MaxRetries:        10,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 1.5,
		UseJitter:         true,
		JitterMin:         0.8,
		JitterMax:         1.2,
	}
}

// ConservativeRetry retries less often with longer delays.
func ConservativeRetry() Retry {
	return Retry{
		MaxRetries:        3,
		InitialDelay:      5 * time.Second,
		MaxDelay:          120 * time.Second,
		BackoffMultiplier: 3.0,
		UseJitter:         true,
		JitterMin:         0.8,
		JitterMax:         1.2,
	}
}

// NoRetry disables retries entirely.
func NoRetry() Retry {
	return Retry{
		MaxRetries:        0,
		InitialDelay:      0,
		MaxDelay:          0,
		BackoffMultiplier: 1.0,
		UseJitter:         false,
		JitterMin:         1.0,
		JitterMax:         1.0,
	}
}

// Preset resolves a named retry preset; unknown names fall back to the default.
func Preset(name string) Retry {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "aggressive":
		return AggressiveRetry()
	case "conservative":
		return ConservativeRetry()
	case "noretry", "no_retry", "none":
		return NoRetry()
	default:
		return DefaultRetry()
	}
}

func (r Retry) normalise() Retry {
	if r.MaxRetries < 0 {
		r.MaxRetries = 0
	}
	if r.BackoffMultiplier <= 0 {
		r.BackoffMultiplier = 1.0
	}
	if r.JitterMin <= 0 {
		r.JitterMin = 0.8
	}
	if r.JitterMax <= 0 {
		r.JitterMax = 1.2
	}
	if r.JitterMax < r.JitterMin {
		r.JitterMin, r.JitterMax = r.JitterMax, r.JitterMin
	}
	return r
}

// Pending configures the pending-request queue bounds and journal.
type Pending struct {
	MaxQueueSize  int           `yaml:"maxQueueSize"`
	MaxRequestAge time.Duration `yaml:"maxRequestAge"`
	JournalPath   string        `yaml:"journalPath"`
}

// DefaultPending returns the standard pending-queue configuration.
func DefaultPending() Pending {
	return Pending{MaxQueueSize: 100, MaxRequestAge: 300 * time.Second, JournalPath: ""}
}

func (p Pending) normalise() Pending {
	if p.MaxQueueSize <= 0 {
		p.MaxQueueSize = 100
	}
	if p.MaxRequestAge <= 0 {
		p.MaxRequestAge = 300 * time.Second
	}
	p.JournalPath = strings.TrimSpace(p.JournalPath)
	return p
}

// Probe configures the reachability and server-health producers.
type Probe struct {
	Target    string        `yaml:"target"`
	Interval  time.Duration `yaml:"interval"`
	HealthURL string        `yaml:"healthURL"`
}

// DefaultProbe returns the standard probe configuration.
func DefaultProbe() Probe {
	return Probe{Target: "1.1.1.1:443", Interval: 15 * time.Second, HealthURL: ""}
}

func (p Probe) normalise() Probe {
	p.Target = strings.TrimSpace(p.Target)
	p.HealthURL = strings.TrimSpace(p.HealthURL)
	if p.Target == "" {
		p.Target = "1.1.1.1:443"
	}
	if p.Interval <= 0 {
		p.Interval = 15 * time.Second
	}
	return p
}

// Telemetry configures OTLP exporters.
type Telemetry struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
}

// Bus configures the in-memory message bus buffers.
type Bus struct {
	BufferSize int `yaml:"bufferSize"`
}

// App is the unified Relink configuration sourced from YAML.
type App struct {
	Environment Environment `yaml:"environment"`
	Retry       Retry       `yaml:"retry"`
	RetryPreset string      `yaml:"retryPreset"`
	Pending     Pending     `yaml:"pending"`
	Probe       Probe       `yaml:"probe"`
	Bus         Bus         `yaml:"bus"`
	Telemetry   Telemetry   `yaml:"telemetry"`
}

// Default returns the default Relink configuration.
func Default() App {
	return App{
		Environment: EnvProd,
		Retry:       DefaultRetry(),
		RetryPreset: "",
		Pending:     DefaultPending(),
		Probe:       DefaultProbe(),
		Bus:         Bus{BufferSize: 16},
		Telemetry:   Telemetry{OTLPEndpoint: "", ServiceName: "relink", OTLPInsecure: false},
	}
}

// FromEnv loads configuration overrides from environment variables.
func FromEnv() App {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("RELINK_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if preset := strings.TrimSpace(os.Getenv("RELINK_RETRY_PRESET")); preset != "" {
		cfg.RetryPreset = preset
		cfg.Retry = Preset(preset)
	}
	if endpoint := strings.TrimSpace(os.Getenv("RELINK_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Telemetry.OTLPEndpoint = endpoint
	}
	return cfg
}

// Load reads and validates an App configuration from the provided YAML file.
func Load(path string) (App, error) {
	candidate := filepath.Clean(strings.TrimSpace(path))
	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return App{}, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = file.Close() }()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return App{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return App{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return App{}, err
	}
	return cfg, nil
}

func (c *App) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.RetryPreset != "" {
		c.Retry = Preset(c.RetryPreset)
	}
	c.Retry = c.Retry.normalise()
	c.Pending = c.Pending.normalise()
	c.Probe = c.Probe.normalise()
	if c.Bus.BufferSize <= 0 {
		c.Bus.BufferSize = 16
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "relink"
	}
}

// Validate performs semantic validation on the configuration.
func (c App) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry maxRetries must be >= 0")
	}
	if c.Retry.MaxRetries > 0 && c.Retry.InitialDelay <= 0 {
		return fmt.Errorf("retry initialDelay must be > 0 when retries are enabled")
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry maxDelay must be >= initialDelay")
	}
	if c.Pending.MaxQueueSize <= 0 {
		return fmt.Errorf("pending maxQueueSize must be > 0")
	}
	if c.Pending.MaxRequestAge <= 0 {
		return fmt.Errorf("pending maxRequestAge must be > 0")
	}
	if c.Probe.Interval <= 0 {
		return fmt.Errorf("probe interval must be > 0")
	}
	return nil
}
