package app

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/torobias/torobias/internal/domain/factor"
	"github.com/torobias/torobias/internal/domain/outcome"
	httpx "github.com/torobias/torobias/internal/interfaces/http"
	"github.com/torobias/torobias/internal/provider"
	"github.com/torobias/torobias/internal/scheduler"
)

// RedisConfig locates the cache and append log.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
	// StreamMaxLen bounds each broadcast journal stream.
	StreamMaxLen int64 `yaml:"stream_max_len"`
}

// PostgresConfig locates the record store.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
}

// ProviderConfig extends the client config with yaml-friendly durations.
type ProviderConfig struct {
	provider.Config `yaml:",inline"`
	Timeout         scheduler.Duration `yaml:"timeout"`
	CacheTTL        scheduler.Duration `yaml:"cache_ttl"`
}

func (p ProviderConfig) Build() provider.Config {
	cfg := p.Config
	cfg.Timeout = p.Timeout.Std()
	cfg.CacheTTL = p.CacheTTL.Std()
	return cfg
}

// OutcomeConfig tunes the nightly replay.
type OutcomeConfig struct {
	MaxAgeDays     int                    `yaml:"max_age_days"`
	IntrabarPolicy outcome.IntrabarPolicy `yaml:"intrabar_policy"`
}

// Config is the root configuration.
type Config struct {
	Server   httpx.Config   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Provider ProviderConfig `yaml:"provider"`
	Outcome  OutcomeConfig  `yaml:"outcome"`

	// Registry and Jobs are paths to the factor registry and job schedule
	// yaml files, relative to the working directory.
	Registry string `yaml:"registry"`
	Jobs     string `yaml:"jobs"`

	// Timezone is the exchange timezone schedules evaluate in.
	Timezone string `yaml:"timezone"`

	// Sectors maps symbols onto sector ETFs for the wind check.
	Sectors map[string]string `yaml:"sectors"`
}

// LoadConfig reads and validates the root config file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, factor.Reject(factor.ReasonConfigInvalid, "read config: %v", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, factor.Reject(factor.ReasonConfigInvalid, "parse config: %v", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Timezone == "" {
		c.Timezone = "America/New_York"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Redis.StreamMaxLen <= 0 {
		c.Redis.StreamMaxLen = 10000
	}
	if c.Postgres.MaxConns <= 0 {
		c.Postgres.MaxConns = 10
	}
	if c.Registry == "" {
		c.Registry = "config/factors.yaml"
	}
	if c.Jobs == "" {
		c.Jobs = "config/jobs.yaml"
	}
	if c.Outcome.MaxAgeDays <= 0 {
		c.Outcome.MaxAgeDays = outcome.DefaultMaxAgeDays
	}
	if c.Outcome.IntrabarPolicy == "" {
		c.Outcome.IntrabarPolicy = outcome.StopFirst
	}
}

func (c *Config) validate() error {
	if c.Postgres.DSN == "" {
		return factor.Reject(factor.ReasonConfigInvalid, "postgres.dsn is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return factor.Reject(factor.ReasonConfigInvalid, "unknown timezone %q", c.Timezone)
	}
	switch c.Outcome.IntrabarPolicy {
	case outcome.StopFirst, outcome.TargetFirst:
	default:
		return factor.Reject(factor.ReasonConfigInvalid,
			"outcome.intrabar_policy must be stop_first or target_first, got %q", c.Outcome.IntrabarPolicy)
	}
	return nil
}
