// Package config reads the global ~/.nova/config.toml and layers the
// environment on top of it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override, e.g. NOVA_API_TOKEN.
const EnvPrefix = "NOVA_"

// Config represents the global ~/.nova/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile" env:"DEFAULT_PROFILE"`

	API    API    `toml:"api" envPrefix:"API_"`
	Pusher Pusher `toml:"pusher" envPrefix:"PUSHER_"`
	Relay  Relay  `toml:"relay" envPrefix:"RELAY_"`
	Ops    Ops    `toml:"ops" envPrefix:"OPS_"`
	Dev    Dev    `toml:"dev" envPrefix:"DEV_"`
}

// API locates the persistence service.
type API struct {
	BaseURL string        `toml:"base_url,omitempty" env:"BASE_URL"`
	Token   string        `toml:"token,omitempty" env:"TOKEN"`
	Timeout time.Duration `toml:"timeout,omitempty" env:"TIMEOUT"`
}

// Pusher selects the hosted event channel.
type Pusher struct {
	Key     string `toml:"key,omitempty" env:"KEY"`
	Cluster string `toml:"cluster,omitempty" env:"CLUSTER"`
	URL     string `toml:"url,omitempty" env:"URL"`
}

// Relay locates the socket.io signaling relay.
type Relay struct {
	URL  string `toml:"url,omitempty" env:"URL"`
	Path string `toml:"path,omitempty" env:"PATH"`
}

// Ops configures the local metrics and health listener. An empty Addr
// disables it.
type Ops struct {
	Addr string `toml:"addr,omitempty" env:"ADDR"`
}

// Dev configures the offline backend used when no API is configured.
type Dev struct {
	User string `toml:"user,omitempty" env:"USER"`
	Seed bool   `toml:"seed,omitempty" env:"SEED"`
}

// Remote reports whether a persistence service is configured.
func (c *Config) Remote() bool { return c.API.BaseURL != "" }

// HasPusher reports whether the hosted event channel is configured.
func (c *Config) HasPusher() bool { return c.Pusher.Key != "" || c.Pusher.URL != "" }

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Effective returns the configuration the daemon runs with: the TOML file at
// path when present, then variables from the dotenv file (which never
// override the real environment), then NOVA_* overrides, then defaults.
func Effective(path, dotenv string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", dotenv, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.API.Timeout <= 0 {
		c.API.Timeout = 15 * time.Second
	}
	if c.Relay.Path == "" {
		c.Relay.Path = "/socket.io"
	}
	if c.Dev.User == "" {
		c.Dev.User = "me"
	}
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
