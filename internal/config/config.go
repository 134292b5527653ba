// Package config loads coordcore's configuration from a YAML file with
// environment variable overrides, in the shape of the coursework
// microservice's internal/config: Load parses and validates, env vars
// win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Workers     WorkersConfig     `yaml:"workers"`
	Quorum      QuorumConfig      `yaml:"quorum"`
	Replication ReplicationConfig `yaml:"replication"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// CoordinatorConfig holds the two listening addresses the coordinator
// binds: the client-facing line protocol and the operator admin surface.
type CoordinatorConfig struct {
	ClientAddr string `yaml:"client_addr"`
	AdminAddr  string `yaml:"admin_addr"`
}

// WorkersConfig describes the simulated worker fleet. K is derived as
// len implied by Count/2, never configured directly, matching the
// specification's 2K invariant.
type WorkersConfig struct {
	BasePort    int         `yaml:"base_port"`
	Count       int         `yaml:"count"` // must be even; fleet is 2K
	DefaultRate FaultConfig `yaml:"default_rate"`
}

// FaultConfig is the default per-worker fault policy applied at
// registry startup; each worker's rates can be changed afterward via the
// admin surface.
type FaultConfig struct {
	DropPct  int `yaml:"drop_pct"`
	DelayPct int `yaml:"delay_pct"`
	WrongPct int `yaml:"wrong_pct"`
	MinMs    int `yaml:"min_ms"`
	MaxMs    int `yaml:"max_ms"`
}

// QuorumConfig holds the quorum engine's timeouts.
type QuorumConfig struct {
	CallTimeout  time.Duration `yaml:"call_timeout"`
	RoundTimeout time.Duration `yaml:"round_timeout"`
}

// ReplicationConfig holds the replication engine's per-phase timeout.
type ReplicationConfig struct {
	PhaseTimeout time.Duration `yaml:"phase_timeout"`
}

// LoggingConfig controls zerolog's level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// K returns half the configured worker fleet size, the specification's
// quorum-engine parameter.
func (w WorkersConfig) K() int { return w.Count / 2 }

// Load reads path as YAML, applies environment variable overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file overrides a
// section, and the baseline Load starts from before applying the YAML
// file on top.
func Default() Config {
	return Config{
		Coordinator: CoordinatorConfig{
			ClientAddr: ":8080",
			AdminAddr:  ":9090",
		},
		Workers: WorkersConfig{
			BasePort: 8100,
			Count:    6,
			DefaultRate: FaultConfig{
				DropPct: 0, DelayPct: 0, WrongPct: 0, MinMs: 0, MaxMs: 0,
			},
		},
		Quorum: QuorumConfig{
			CallTimeout:  35 * time.Second,
			RoundTimeout: 35 * time.Second,
		},
		Replication: ReplicationConfig{
			PhaseTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COORDCORE_CLIENT_ADDR"); v != "" {
		cfg.Coordinator.ClientAddr = v
	}
	if v := os.Getenv("COORDCORE_ADMIN_ADDR"); v != "" {
		cfg.Coordinator.AdminAddr = v
	}
	if v := os.Getenv("COORDCORE_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers.Count = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// Validate checks the invariants Load depends on: a non-empty client
// address, an even non-negative worker count (the 2K fleet shape), and
// fault percentages within [0,100].
func (c *Config) Validate() error {
	if c.Coordinator.ClientAddr == "" {
		return fmt.Errorf("coordinator.client_addr is required")
	}
	if c.Workers.Count < 0 || c.Workers.Count%2 != 0 {
		return fmt.Errorf("workers.count must be a non-negative even number (fleet is 2K), got %d", c.Workers.Count)
	}
	r := c.Workers.DefaultRate
	for name, pct := range map[string]int{"drop_pct": r.DropPct, "delay_pct": r.DelayPct, "wrong_pct": r.WrongPct} {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("workers.default_rate.%s must be in [0,100], got %d", name, pct)
		}
	}
	if r.MaxMs < r.MinMs {
		return fmt.Errorf("workers.default_rate.max_ms must be >= min_ms")
	}
	return nil
}
