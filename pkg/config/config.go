package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/kansas/pkg/maintenance"
	"github.com/pario-ai/kansas/pkg/models"
	"github.com/pario-ai/kansas/pkg/store"
)

// Config holds all Kansas configuration.
type Config struct {
	Redis       store.Config         `yaml:"redis"`
	Policies    []models.Policy      `yaml:"policies"`
	Tokens      TokensConfig         `yaml:"tokens"`
	Prepopulate PrepopulateConfig    `yaml:"prepopulate"`
	Journal     models.JournalConfig `yaml:"journal"`
	API         APIConfig            `yaml:"api"`
	Metrics     MetricsConfig        `yaml:"metrics"`
	Log         LogConfig            `yaml:"log"`
}

// TokensConfig controls token creation.
type TokensConfig struct {
	StrictMaxTokens bool `yaml:"strict_max_tokens"`
	MaxRetries      int  `yaml:"max_retries"`
}

// PrepopulateConfig controls the pre-population scanner.
type PrepopulateConfig struct {
	OnStart     bool   `yaml:"on_start"`
	Schedule    string `yaml:"schedule"`
	Concurrency int    `yaml:"concurrency"`
	ScanCount   int64  `yaml:"scan_count"`
}

// APIConfig controls the HTTP API. An empty Listen disables it.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Redis: store.Config{
			Addr:        "localhost:6379",
			DialTimeout: 5 * time.Second,
		},
		Prepopulate: PrepopulateConfig{
			OnStart:     true,
			Schedule:    maintenance.DefaultSchedule,
			Concurrency: maintenance.DefaultConcurrency,
			ScanCount:   maintenance.DefaultScanCount,
		},
		API: APIConfig{
			Listen: ":8080",
		},
		Journal: models.JournalConfig{
			Enabled:       false,
			DBPath:        "kansas.db",
			RetentionDays: 30,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, p := range c.Policies {
		if p.Name == "" {
			return fmt.Errorf("validate config: policy %d has no name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("validate config: policy %q declared twice", p.Name)
		}
		seen[p.Name] = true
		if p.Period != "" && !p.Period.Valid() {
			return fmt.Errorf("validate config: policy %q: unsupported period %q", p.Name, p.Period)
		}
	}
	if c.Prepopulate.Concurrency < 0 {
		return fmt.Errorf("validate config: prepopulate concurrency must not be negative")
	}
	if hclog.LevelFromString(c.Log.Level) == hclog.NoLevel {
		return fmt.Errorf("validate config: unknown log level %q", c.Log.Level)
	}
	return nil
}

// NewLogger builds the root logger described by c.
func (c LogConfig) NewLogger(w io.Writer) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "kansas",
		Level:      hclog.LevelFromString(c.Level),
		JSONFormat: c.JSON,
		Output:     w,
	})
}
