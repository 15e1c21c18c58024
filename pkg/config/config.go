// Package config loads and saves the scanpipe YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/user/scanpipe/pkg/dedupe"
	"github.com/user/scanpipe/pkg/retry"
)

// AnalyzerConfig tunes one scanner adapter.
type AnalyzerConfig struct {
	Enabled   *bool         `yaml:"enabled,omitempty"` // nil = enabled
	Binary    string        `yaml:"binary,omitempty"`
	ExtraArgs []string      `yaml:"extra_args,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	// Image applies to the container analyzer only.
	Image string `yaml:"image,omitempty"`
}

// IsEnabled treats a missing flag as enabled.
func (a AnalyzerConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// EnrichmentConfig selects the explanation provider.
type EnrichmentConfig struct {
	Provider string            `yaml:"provider,omitempty"` // "", "none", "gemini", "openai", "anthropic"
	Model    string            `yaml:"model,omitempty"`
	APIKeys  map[string]string `yaml:"api_keys,omitempty"`
}

// APIKey returns the key configured for the selected provider.
func (e EnrichmentConfig) APIKey() string {
	return e.APIKeys[e.Provider]
}

// Config is the full scanpipe configuration.
type Config struct {
	Concurrency int                       `yaml:"concurrency,omitempty"`
	Mode        string                    `yaml:"dedupe_mode,omitempty"` // exact | summary
	MaxDropRate float64                   `yaml:"max_drop_rate,omitempty"`
	Dedupe      dedupe.Config             `yaml:"dedupe,omitempty"`
	Analyzers   map[string]AnalyzerConfig `yaml:"analyzers,omitempty"`
	Enrichment  EnrichmentConfig          `yaml:"enrichment,omitempty"`
	Retry       retry.Config              `yaml:"retry,omitempty"`
	// PostgresDSN selects the postgres store when set; empty runs
	// against the in-memory store.
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Concurrency: 3,
		Mode:        string(dedupe.ModeExact),
		MaxDropRate: 0.9,
		Dedupe:      dedupe.DefaultConfig(),
		Analyzers:   make(map[string]AnalyzerConfig),
		Retry:       retry.DefaultConfig(),
	}
}

// Path returns the config file location, creating its directory.
func Path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".scanpipe")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the config file, returning defaults when it is missing.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads one specific config file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Analyzers == nil {
		cfg.Analyzers = make(map[string]AnalyzerConfig)
	}
	return cfg, nil
}

// Save writes the config with owner-only permissions, since it may
// hold API keys.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// SetAPIKey stores an enrichment API key for a provider.
func (c *Config) SetAPIKey(provider, key string) {
	if c.Enrichment.APIKeys == nil {
		c.Enrichment.APIKeys = make(map[string]string)
	}
	c.Enrichment.APIKeys[provider] = key
}
