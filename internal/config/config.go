// Package config loads the fzone node configuration from YAML.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up inside a repository.
const FileName = "fzone.yaml"

// Config is the node configuration. Relative paths are resolved against
// the repository directory.
type Config struct {
	Repository string `yaml:"repository"`

	// Identity is the Ed25519 identity used to sign published entries.
	Identity string `yaml:"identity"`

	// VerifySignatures rejects channel entries whose signature does not
	// match their did:key channel key.
	VerifySignatures bool `yaml:"verify_signatures"`

	Server       ServerConfig  `yaml:"server"`
	Client       ClientConfig  `yaml:"client"`
	Peers        []string      `yaml:"peers,omitempty"`
	PullInterval time.Duration `yaml:"pull_interval"`

	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the SSH listener.
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	HostKey string `yaml:"host_key"`

	// AuthorizedKeys is an authorized_keys file. Empty allows any client.
	AuthorizedKeys string `yaml:"authorized_keys"`
}

// ClientConfig configures outgoing connections.
type ClientConfig struct {
	User string `yaml:"user"`
	Key  string `yaml:"key"`

	// KnownHosts is a known_hosts file. Empty accepts any host key.
	KnownHosts string        `yaml:"known_hosts"`
	Timeout    time.Duration `yaml:"timeout"`
}

// LogConfig selects the logrus level and formatter.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig enables the prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration for a repository at root.
func Default(root string) *Config {
	cfg := &Config{Repository: root}
	cfg.applyDefaults()
	return cfg
}

// Load reads path and applies defaults. The repository defaults to the
// directory holding the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Repository == "" {
		cfg.Repository = filepath.Dir(path)
	} else if !filepath.IsAbs(cfg.Repository) {
		cfg.Repository = filepath.Join(filepath.Dir(path), cfg.Repository)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads root/fzone.yaml if it exists, else the defaults.
func LoadOrDefault(root string) (*Config, error) {
	path := filepath.Join(root, FileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(root), nil
	}
	return Load(path)
}

func (c *Config) applyDefaults() {
	if c.Identity == "" {
		c.Identity = "identity.json"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:2722"
	}
	if c.Server.HostKey == "" {
		c.Server.HostKey = "ssh_host_ed25519_key"
	}
	if c.Client.User == "" {
		c.Client.User = "fzone"
	}
	if c.Client.Key == "" {
		c.Client.Key = "id_ed25519"
	}
	if c.Client.Timeout == 0 {
		c.Client.Timeout = 30 * time.Second
	}
	if c.PullInterval == 0 {
		c.PullInterval = 5 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	c.Identity = c.resolve(c.Identity)
	c.Server.HostKey = c.resolve(c.Server.HostKey)
	c.Server.AuthorizedKeys = c.resolve(c.Server.AuthorizedKeys)
	c.Client.Key = c.resolve(c.Client.Key)
	c.Client.KnownHosts = c.resolve(c.Client.KnownHosts)
}

func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Repository, path)
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Repository == "" {
		return fmt.Errorf("config: repository is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("config: server.listen: %w", err)
	}
	for _, p := range c.Peers {
		if _, _, err := net.SplitHostPort(p); err != nil {
			return fmt.Errorf("config: peer %q: %w", p, err)
		}
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("config: metrics.listen: %w", err)
		}
	}
	if c.PullInterval < time.Second {
		return fmt.Errorf("config: pull_interval %s is below 1s", c.PullInterval)
	}
	if c.Client.Timeout < 0 {
		return fmt.Errorf("config: client.timeout is negative")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("config: log.format %q, want text or json", c.Log.Format)
	}
	return nil
}

// NewLogger builds a logrus logger from the log section.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(level)
	if c.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// Save writes the configuration as YAML to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
