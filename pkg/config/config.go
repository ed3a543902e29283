// Package config loads rpkid's on-disk and environment configuration:
// the data directory layout, the admin API bind address and bearer
// token, and logging options. Flags set on the command line win over
// environment variables, which win over the YAML config file, which
// wins over built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Env var names honored verbatim alongside their flag/file equivalents.
const (
	EnvAuthToken = "KRILL_AUTH_TOKEN"
	EnvDataDir   = "KRILL_DATA_DIR"
	EnvLogLevel  = "KRILL_LOG"
)

// Config is rpkid's full runtime configuration.
type Config struct {
	// DataDir is the root of the event store, key store, and
	// published repository trees.
	DataDir string `yaml:"data_dir"`

	// AdminAddr is the bind address of the plain-HTTP listener serving
	// the admin, up-down, publication and RRDP endpoints.
	AdminAddr string `yaml:"admin_addr"`

	// AuthToken authenticates admin API requests via a bearer token.
	// An empty token disables authentication, which is only
	// acceptable for local development.
	AuthToken string `yaml:"auth_token"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogJSON selects structured JSON log output over the console
	// writer.
	LogJSON bool `yaml:"log_json"`

	// RepositoryBaseURI is the rsync base URI this daemon publishes
	// under, e.g. rsync://repo.example.net/repo/.
	RepositoryBaseURI string `yaml:"repository_base_uri"`

	// RRDPBaseURL is the HTTPS base URL serving notification.xml,
	// snapshot.xml, and delta files.
	RRDPBaseURL string `yaml:"rrdp_base_url"`
}

// Default returns a Config suitable for local development.
func Default() *Config {
	return &Config{
		DataDir:   "./data",
		AdminAddr: "127.0.0.1:3000",
		LogLevel:  "info",
		LogJSON:   false,
	}
}

// Load reads a YAML config file (if path is non-empty and exists),
// then applies KRILL_* environment variable overrides on top.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAuthToken); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

// Validate checks that the configuration is usable, creating DataDir
// if it does not yet exist.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data directory must not be empty")
	}
	abs, err := filepath.Abs(c.DataDir)
	if err != nil {
		return fmt.Errorf("resolve data directory %s: %w", c.DataDir, err)
	}
	c.DataDir = abs

	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data directory %s: %w", c.DataDir, err)
	}
	if c.AdminAddr == "" {
		return fmt.Errorf("admin address must not be empty")
	}
	return nil
}

// EventStoreDir is the subdirectory holding the bbolt event store.
func (c *Config) EventStoreDir() string {
	return filepath.Join(c.DataDir, "store")
}

// KeysDir is the subdirectory holding encrypted key material.
func (c *Config) KeysDir() string {
	return filepath.Join(c.DataDir, "keys")
}

// RepositoryDir is the subdirectory holding the published rsync and
// RRDP trees.
func (c *Config) RepositoryDir() string {
	return filepath.Join(c.DataDir, "repo")
}
