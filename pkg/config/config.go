package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Defaults for the orchestration loops.
const (
	DefaultListenAddr    = ":8080"
	DefaultPollInterval  = 15 * time.Second
	DefaultClaimTTL      = 120 * time.Second
	DefaultClaimBatch    = 10
	DefaultBackoff       = 60 * time.Second
	DefaultStaleness     = 5 * time.Minute
	DefaultHealthPeriod  = 60 * time.Second
	DefaultHealthTimeout = 5 * time.Second
	DefaultJobTimeout    = 10 * time.Minute
	DefaultWorkerMemory  = "4g"
	DefaultSSHPortMin    = 10000
	DefaultSSHPortMax    = 20000
)

// Config holds the full orchestrator configuration, loaded from an optional
// YAML file with environment overrides applied on top.
type Config struct {
	ListenAddr   string `yaml:"listen_addr"`
	DatabaseURL  string `yaml:"database_url"`
	ArtifactRoot string `yaml:"artifact_root"`
	UploadRoot   string `yaml:"upload_root"`

	LogLevel   string `yaml:"log_level"`
	LogJSON    bool   `yaml:"log_json"`
	RedactLogs bool   `yaml:"redact_logs"`

	PollInterval Duration `yaml:"poll_interval"`
	ClaimTTL     Duration `yaml:"claim_ttl"`
	ClaimBatch   int      `yaml:"claim_batch"`
	Backoff      Duration `yaml:"backoff"`

	StalenessThreshold Duration `yaml:"staleness_threshold"`
	HealthPeriod       Duration `yaml:"health_period"`
	HealthTimeout      Duration `yaml:"health_timeout"`

	JobTimeout   Duration `yaml:"job_timeout"`
	WorkerMemory string   `yaml:"worker_memory"`

	SSHPortMin int `yaml:"ssh_port_min"`
	SSHPortMax int `yaml:"ssh_port_max"`

	// ModelCosts maps a model id to USD per 1000 total tokens, used by the
	// cost-report endpoint.
	ModelCosts map[string]float64 `yaml:"model_costs"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("failed to parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns a config with every knob at its default.
func Default() *Config {
	return &Config{
		ListenAddr:         DefaultListenAddr,
		ArtifactRoot:       "/var/lib/drydock/logs",
		LogLevel:           "info",
		LogJSON:            true,
		RedactLogs:         true,
		PollInterval:       Duration(DefaultPollInterval),
		ClaimTTL:           Duration(DefaultClaimTTL),
		ClaimBatch:         DefaultClaimBatch,
		Backoff:            Duration(DefaultBackoff),
		StalenessThreshold: Duration(DefaultStaleness),
		HealthPeriod:       Duration(DefaultHealthPeriod),
		HealthTimeout:      Duration(DefaultHealthTimeout),
		JobTimeout:         Duration(DefaultJobTimeout),
		WorkerMemory:       DefaultWorkerMemory,
		SSHPortMin:         DefaultSSHPortMin,
		SSHPortMax:         DefaultSSHPortMax,
	}
}

// Load reads the YAML file at path (when non-empty), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DRYDOCK_DB_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("DRYDOCK_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("DRYDOCK_ARTIFACT_ROOT"); v != "" {
		c.ArtifactRoot = v
	}
	if v := os.Getenv("DRYDOCK_UPLOAD_ROOT"); v != "" {
		c.UploadRoot = v
	}
	if v := os.Getenv("DRYDOCK_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DEBUG_REDACTED_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.RedactLogs = b
		}
	}
	if v := os.Getenv("DRYDOCK_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PollInterval = Duration(d)
		}
	}
	if v := os.Getenv("DRYDOCK_CLAIM_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ClaimTTL = Duration(d)
		}
	}
	if v := os.Getenv("DRYDOCK_WORKER_MEMORY"); v != "" {
		c.WorkerMemory = v
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.ArtifactRoot == "" {
		return fmt.Errorf("artifact_root must be set")
	}
	if c.ClaimTTL.Std() <= c.PollInterval.Std() {
		return fmt.Errorf("claim_ttl (%s) must exceed poll_interval (%s)",
			c.ClaimTTL.Std(), c.PollInterval.Std())
	}
	if c.SSHPortMin >= c.SSHPortMax {
		return fmt.Errorf("ssh_port_min must be below ssh_port_max")
	}
	if _, err := c.WorkerMemoryBytes(); err != nil {
		return err
	}
	return nil
}

// WorkerMemoryBytes parses the human-readable worker memory limit.
func (c *Config) WorkerMemoryBytes() (int64, error) {
	n, err := units.RAMInBytes(c.WorkerMemory)
	if err != nil {
		return 0, fmt.Errorf("failed to parse worker_memory %q: %w", c.WorkerMemory, err)
	}
	return n, nil
}
