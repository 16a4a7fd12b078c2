package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"pulseline/internal/domain"
)

// Config models pulseline.yml.
type Config struct {
	Timezone string `yaml:"timezone" json:"timezone"`
	Seed     uint64 `yaml:"seed" json:"seed,omitempty"`
	Scan     struct {
		Lookback Duration `yaml:"lookback" json:"lookback"`
		Batch    int      `yaml:"batch" json:"batch"`
	} `yaml:"scan" json:"scan"`
	Dispatch struct {
		BatchSize     int      `yaml:"batch_size" json:"batch_size"`
		Workers       int      `yaml:"workers" json:"workers"`
		ActionTimeout Duration `yaml:"action_timeout" json:"action_timeout"`
		ClaimTTL      Duration `yaml:"claim_ttl" json:"claim_ttl"`
		RatePerSecond float64  `yaml:"rate_per_second" json:"rate_per_second"`
		Burst         int      `yaml:"burst" json:"burst"`
	} `yaml:"dispatch" json:"dispatch"`
	Platform struct {
		URL   string `yaml:"url" json:"url,omitempty"`
		Token string `yaml:"token" json:"-"`
	} `yaml:"platform" json:"platform"`
	TextGen struct {
		URL      string   `yaml:"url" json:"url,omitempty"`
		Token    string   `yaml:"token" json:"-"`
		RetryMax int      `yaml:"retry_max" json:"retry_max"`
		Timeout  Duration `yaml:"timeout" json:"timeout"`
	} `yaml:"textgen" json:"textgen"`
	Settings domain.Settings `yaml:"settings" json:"settings"`
}

// Duration is a time.Duration that reads "30s"-style strings from YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Location resolves the reference timezone for bot hours and days.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config.timezone: %w", err)
	}
	return loc, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Scan.Lookback.Duration <= 0 {
		return fmt.Errorf("config.scan.lookback must be positive")
	}
	if c.Scan.Batch <= 0 {
		return fmt.Errorf("config.scan.batch must be positive")
	}
	if c.Dispatch.BatchSize <= 0 {
		return fmt.Errorf("config.dispatch.batch_size must be positive")
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("config.dispatch.workers must be positive")
	}
	if c.Dispatch.ActionTimeout.Duration <= 0 {
		return fmt.Errorf("config.dispatch.action_timeout must be positive")
	}
	if c.Dispatch.ClaimTTL.Duration <= c.Dispatch.ActionTimeout.Duration {
		return fmt.Errorf("config.dispatch.claim_ttl must be longer than action_timeout")
	}
	if c.Dispatch.RatePerSecond < 0 {
		return fmt.Errorf("config.dispatch.rate_per_second must be >= 0")
	}
	if c.Dispatch.RatePerSecond > 0 && c.Dispatch.Burst <= 0 {
		return fmt.Errorf("config.dispatch.burst must be positive when rate_per_second is set")
	}
	if c.TextGen.RetryMax < 0 {
		return fmt.Errorf("config.textgen.retry_max must be >= 0")
	}
	if err := c.Settings.Validate(); err != nil {
		return fmt.Errorf("config.%w", err)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pulseline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// LoadOptional returns the default config if the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `timezone: UTC

scan:
  lookback: 24h
  batch: 100

dispatch:
  batch_size: 50
  workers: 4
  action_timeout: 30s
  claim_ttl: 5m
  rate_per_second: 5
  burst: 5

platform:
  url: ""
  token: ""

textgen:
  url: ""
  token: ""
  retry_max: 2
  timeout: 10s

settings:
  enabled: true
  intensity: medium
  bot_posts_enabled: false
  bot_post_frequency: 0
  bot_projects_enabled: false
  bot_project_frequency: 0
`
