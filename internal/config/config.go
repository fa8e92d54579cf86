// Package config loads ldrop settings. LDROP_* environment variables win over
// ldrop.toml, which wins over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultPort is the TCP and UDP port used for transfers and discovery.
const DefaultPort = 9900

// Config holds all ldrop settings.
type Config struct {
	// Identity announced to peers
	Name string `mapstructure:"name"`

	// Network
	Port          int           `mapstructure:"port"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	DiscoveryWait time.Duration `mapstructure:"discovery_wait"`
	Linger        time.Duration `mapstructure:"linger"`

	// Receive directory
	Dir string `mapstructure:"dir"`

	// Logging
	Log LogConfig `mapstructure:"log"`

	// Metrics (optional, e.g. ":9091")
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration. path may name an explicit config file; when
// empty, ldrop.toml is searched in the working directory and ~/.ldrop.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LDROP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ldrop")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".ldrop"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("name", hostname())
	v.SetDefault("port", DefaultPort)
	v.SetDefault("dial_timeout", 15*time.Second)
	v.SetDefault("discovery_wait", 3*time.Second)
	v.SetDefault("linger", 5*time.Second)
	v.SetDefault("dir", "./received")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("metrics_addr", "")
}

// Validate checks ranges that viper cannot express.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive")
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "ldrop"
	}
	return h
}
