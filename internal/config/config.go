// Loads the medscribe YAML configuration file.

// Package config holds the settings shared by the medscribe subcommands.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the content of the configuration file.
type Config struct {
	BaseURL    string        `yaml:"base_url"`
	ProviderID string        `yaml:"provider_id"`
	Token      string        `yaml:"token,omitempty"`
	Timeout    time.Duration `yaml:"timeout"`
	Poll       PollConfig    `yaml:"poll"`
	InboxDir   string        `yaml:"inbox_dir,omitempty"`
	DataDir    string        `yaml:"data_dir"`
	Server     ServerConfig  `yaml:"server"`
}

// PollConfig paces the fetches that finalize a report.
type PollConfig struct {
	Attempts int           `yaml:"attempts"`
	Interval time.Duration `yaml:"interval"`
}

// ServerConfig configures the development backend.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		BaseURL: "http://localhost:8080",
		Timeout: 5 * time.Minute,
		Poll: PollConfig{
			Attempts: 20,
			Interval: 4 * time.Second,
		},
		DataDir: "./data",
		Server: ServerConfig{
			Addr: "localhost:8080",
		},
	}
}

// Load reads the file at path over the defaults. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // User-specified config path
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute http(s) URL, got %q", c.BaseURL)
	}
	if c.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	if c.Poll.Attempts < 0 {
		return errors.New("poll.attempts must not be negative")
	}
	if c.Poll.Interval < 0 {
		return errors.New("poll.interval must not be negative")
	}
	return nil
}

// Save writes the configuration to path, readable only by the owner since it
// may hold a token and the server secret.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
