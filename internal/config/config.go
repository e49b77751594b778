package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Runner names
const (
	RunnerInline = "inline"
	RunnerFSM    = "fsm"
)

// Config holds all application configuration
type Config struct {
	// Backend API
	APIBaseURL     string        `mapstructure:"api-base-url"`
	APIToken       string        `mapstructure:"api-token"`
	RequestTimeout time.Duration `mapstructure:"request-timeout"`

	// Object storage transfer
	TransferTimeout time.Duration `mapstructure:"transfer-timeout"`

	// Upload policy
	MaxImages    int      `mapstructure:"max-images"`
	MaxFileSize  int64    `mapstructure:"max-file-size"`
	AllowedTypes []string `mapstructure:"allowed-types"`

	// Previews
	SignedURLCacheSize int    `mapstructure:"signed-url-cache-size"`
	PlaceholderURL     string `mapstructure:"placeholder-url"`

	// Local state
	JournalPath string `mapstructure:"journal-path"`
	FSMDBPath   string `mapstructure:"fsm-db-path"`

	// Pipeline behaviour
	Runner        string `mapstructure:"runner"`
	KeepCancelled bool   `mapstructure:"keep-cancelled"`

	// Metrics listen address, empty to disable
	MetricsAddr string `mapstructure:"metrics-addr"`
}

// SetDefaults registers the default value of every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("api-base-url", "http://localhost:3000")
	v.SetDefault("api-token", "")
	v.SetDefault("request-timeout", 30*time.Second)
	v.SetDefault("transfer-timeout", 2*time.Minute)
	v.SetDefault("max-images", 5)
	v.SetDefault("max-file-size", 5*1024*1024)
	v.SetDefault("allowed-types", []string{"image/jpeg", "image/jpg", "image/png", "image/webp"})
	v.SetDefault("signed-url-cache-size", 256)
	v.SetDefault("placeholder-url", "/placeholder.svg")
	v.SetDefault("journal-path", ".artifacts/uploads.db")
	v.SetDefault("fsm-db-path", ".artifacts/fsm")
	v.SetDefault("runner", RunnerInline)
	v.SetDefault("keep-cancelled", false)
	v.SetDefault("metrics-addr", "")
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration through v
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// Environment variables (will be MENU_UPLOADER_API_BASE_URL, etc.)
	v.SetEnvPrefix("MENU_UPLOADER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.menu-uploader")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api-base-url cannot be empty")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request-timeout must be positive")
	}
	if c.TransferTimeout <= 0 {
		return fmt.Errorf("transfer-timeout must be positive")
	}
	if c.MaxImages <= 0 {
		return fmt.Errorf("max-images must be positive")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if len(c.AllowedTypes) == 0 {
		return fmt.Errorf("allowed-types cannot be empty")
	}
	if c.SignedURLCacheSize <= 0 {
		return fmt.Errorf("signed-url-cache-size must be positive")
	}
	if c.JournalPath == "" {
		return fmt.Errorf("journal-path cannot be empty")
	}
	switch c.Runner {
	case RunnerInline:
	case RunnerFSM:
		if c.FSMDBPath == "" {
			return fmt.Errorf("fsm-db-path cannot be empty when runner is %s", RunnerFSM)
		}
	default:
		return fmt.Errorf("runner must be %q or %q, got %q", RunnerInline, RunnerFSM, c.Runner)
	}
	return nil
}
