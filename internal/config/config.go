// Package config loads CLI configuration: defaults, then an optional YAML
// file, then WISDOMPROMPT_* environment variables. Flags are bound on top by
// the command layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Protocol selects which backend surface the CLI drives.
const (
	ProtocolWorkflow = "workflow" // legacy single-stream /api/v1/workflow/*
	ProtocolRuns     = "runs"     // run lifecycle with event channel /api/runs/*
)

// Config is the effective CLI configuration.
type Config struct {
	APIBase        string        `mapstructure:"api_base" yaml:"api_base"`
	Protocol       string        `mapstructure:"protocol" yaml:"protocol"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	NoColor        bool          `mapstructure:"no_color" yaml:"no_color"`
	Verbose        bool          `mapstructure:"verbose" yaml:"verbose"`
}

// Default returns the built-in configuration. Streams carry no timeout; the
// request timeout only bounds point operations.
func Default() Config {
	return Config{
		APIBase:        "http://localhost:8000",
		Protocol:       ProtocolWorkflow,
		RequestTimeout: 30 * time.Second,
	}
}

// DefaultPath returns ~/.wisdomprompt/config.yaml, or "" when the home
// directory cannot be resolved.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".wisdomprompt", "config.yaml")
}

// Load reads configuration from path (or the default path when empty). A
// missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults := Default()
	v.SetDefault("api_base", defaults.APIBase)
	v.SetDefault("protocol", defaults.Protocol)
	v.SetDefault("request_timeout", defaults.RequestTimeout)

	v.SetEnvPrefix("WISDOMPROMPT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = DefaultPath()
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Protocol != ProtocolWorkflow && cfg.Protocol != ProtocolRuns {
		return Config{}, fmt.Errorf("unknown protocol %q", cfg.Protocol)
	}
	return cfg, nil
}

// Save writes cfg as YAML, creating the parent directory when needed.
func (c Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if path == "" {
		return fmt.Errorf("no config path available")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
