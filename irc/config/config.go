// Package config loads the gateway configuration from YAML, TOML or JSON
// files, with environment variable overrides on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration.
type Config struct {
	IRC struct {
		Host string `yaml:"host" toml:"host" json:"host" validate:"required"`
		Port int    `yaml:"port" toml:"port" json:"port" validate:"gte=0,lte=65535"`
		// Password guards the IRC listener. When GeneratePassword is set
		// and Password is empty, the daemon generates one at startup and
		// prints it in the connect hint.
		Password         string `yaml:"password" toml:"password" json:"password"`
		GeneratePassword bool   `yaml:"generate_password" toml:"generate_password" json:"generate_password"`
		// Debug enables wire-level logging of every IRC line.
		Debug bool `yaml:"debug" toml:"debug" json:"debug"`
	} `yaml:"irc" toml:"irc" json:"irc"`

	Control struct {
		Nick    string `yaml:"nick" toml:"nick" json:"nick" validate:"required"`
		Channel string `yaml:"channel" toml:"channel" json:"channel" validate:"required,startswith=#"`
	} `yaml:"control" toml:"control" json:"control"`

	Backend struct {
		// DataFile is the SQLite database holding contacts, requests and
		// queued messages.
		DataFile string `yaml:"data_file" toml:"data_file" json:"data_file" validate:"required"`
	} `yaml:"backend" toml:"backend" json:"backend"`

	Status struct {
		Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
		Host    string `yaml:"host" toml:"host" json:"host"`
		Port    int    `yaml:"port" toml:"port" json:"port" validate:"gte=0,lte=65535"`
	} `yaml:"status" toml:"status" json:"status"`

	// Source is the path the configuration was loaded from, kept for
	// reloads.
	Source string `yaml:"-" toml:"-" json:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.IRC.Host = "127.0.0.1"
	cfg.IRC.Port = 6667
	cfg.IRC.GeneratePassword = true
	cfg.Control.Nick = "ricochet"
	cfg.Control.Channel = "#ricochet"
	cfg.Backend.DataFile = "gateway.db"
	cfg.Status.Host = "127.0.0.1"
	cfg.Status.Port = 9680
	return cfg
}

// Load reads the configuration file at path, applies environment overrides
// and validates the result. An empty path yields the defaults, still subject
// to overrides and validation.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reload re-reads the original source. The receiver is only replaced when
// the new configuration loads and validates cleanly.
func (c *Config) Reload() error {
	fresh, err := Load(c.Source)
	if err != nil {
		return err
	}
	*c = *fresh
	return nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	switch {
	case strings.HasSuffix(path, ".toml"):
		err = toml.Unmarshal(data, c)
	case strings.HasSuffix(path, ".json"):
		err = json.Unmarshal(data, c)
	default:
		// YAML is the default format.
		err = yaml.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	c.Source = path
	return nil
}

var validate = validator.New()

// Validate checks the structural constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// applyEnv overlays GATEWAY_* environment variables onto the configuration.
func applyEnv(cfg *Config) {
	envString("GATEWAY_IRC_HOST", &cfg.IRC.Host)
	envInt("GATEWAY_IRC_PORT", &cfg.IRC.Port)
	envString("GATEWAY_IRC_PASSWORD", &cfg.IRC.Password)
	envBool("GATEWAY_IRC_GENERATE_PASSWORD", &cfg.IRC.GeneratePassword)
	envBool("GATEWAY_IRC_DEBUG", &cfg.IRC.Debug)
	envString("GATEWAY_CONTROL_NICK", &cfg.Control.Nick)
	envString("GATEWAY_CONTROL_CHANNEL", &cfg.Control.Channel)
	envString("GATEWAY_DATA_FILE", &cfg.Backend.DataFile)
	envBool("GATEWAY_STATUS_ENABLED", &cfg.Status.Enabled)
	envString("GATEWAY_STATUS_HOST", &cfg.Status.Host)
	envInt("GATEWAY_STATUS_PORT", &cfg.Status.Port)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "true", "1", "yes", "y":
			*dst = true
		default:
			*dst = false
		}
	}
}

// ListenAddress is the IRC listener address in host:port form.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.IRC.Host, c.IRC.Port)
}

// StatusAddress is the status HTTP listener address.
func (c *Config) StatusAddress() string {
	return fmt.Sprintf("%s:%d", c.Status.Host, c.Status.Port)
}
