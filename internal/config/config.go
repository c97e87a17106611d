// Package config loads and validates application configuration.
// Precedence: environment > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Ollama    OllamaConfig    `mapstructure:"ollama" yaml:"ollama"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Retrieval RetrievalConfig `mapstructure:"retrieval" yaml:"retrieval"`
	Sweep     SweepConfig     `mapstructure:"sweep" yaml:"sweep"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// ServerConfig holds HTTP gateway settings.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// OllamaConfig holds settings for the Ollama backend.
type OllamaConfig struct {
	Endpoint       string        `mapstructure:"endpoint" yaml:"endpoint"`
	Model          string        `mapstructure:"model" yaml:"model"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`                 // proxied chat calls
	SummaryTimeout time.Duration `mapstructure:"summary_timeout" yaml:"summary_timeout"` // summarizer calls
	KeepAlive      string        `mapstructure:"keep_alive" yaml:"keep_alive"`
}

// CacheConfig holds context-cache settings.
type CacheConfig struct {
	Enabled          bool    `mapstructure:"enabled" yaml:"enabled"`
	Dir              string  `mapstructure:"dir" yaml:"dir"`
	AutoSession      bool    `mapstructure:"auto_session" yaml:"auto_session"`
	MaxActiveTokens  int     `mapstructure:"max_active_tokens" yaml:"max_active_tokens"`
	MaxTotalTokens   int     `mapstructure:"max_total_tokens" yaml:"max_total_tokens"`
	TargetFillRatio  float64 `mapstructure:"target_fill_ratio" yaml:"target_fill_ratio"`
	PreserveRecent   int     `mapstructure:"preserve_recent" yaml:"preserve_recent"`
	SummaryRatio     float64 `mapstructure:"summary_ratio" yaml:"summary_ratio"`
	MinSummaryTokens int     `mapstructure:"min_summary_tokens" yaml:"min_summary_tokens"`
	MaxSummaryTokens int     `mapstructure:"max_summary_tokens" yaml:"max_summary_tokens"`
}

// RetrievalConfig holds smart-retrieval settings.
type RetrievalConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Threshold  float64 `mapstructure:"threshold" yaml:"threshold"`
	MaxResults int     `mapstructure:"max_results" yaml:"max_results"`
}

// SweepConfig holds scheduled session cleanup settings.
type SweepConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Schedule   string `mapstructure:"schedule" yaml:"schedule"` // cron expression
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

var (
	globalConfig *Config
	mu           sync.RWMutex
)

// Load loads configuration from the given path, falling back to defaults
// when the file does not exist.
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CTXPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		expanded, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		v.SetConfigFile(expanded)
		if err := v.ReadInConfig(); err != nil {
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("parse config %s: %w", expanded, err)
			}
			if !os.IsNotExist(err) {
				var pathErr *os.PathError
				if !errors.As(err, &pathErr) {
					return nil, fmt.Errorf("read config %s: %w", expanded, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// Get returns the last loaded configuration, or defaults if Load was
// never called.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if globalConfig == nil {
		return Default()
	}
	return globalConfig
}

// ErrInvalidConfig indicates a malformed configuration value.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	if c.Cache.MaxActiveTokens <= 0 {
		return fmt.Errorf("%w: cache.max_active_tokens must be positive", ErrInvalidConfig)
	}
	if c.Cache.MaxTotalTokens < c.Cache.MaxActiveTokens {
		return fmt.Errorf("%w: cache.max_total_tokens below cache.max_active_tokens", ErrInvalidConfig)
	}
	if c.Cache.TargetFillRatio <= 0 || c.Cache.TargetFillRatio >= 1 {
		return fmt.Errorf("%w: cache.target_fill_ratio must be in (0,1)", ErrInvalidConfig)
	}
	if c.Cache.SummaryRatio <= 0 || c.Cache.SummaryRatio > 1 {
		return fmt.Errorf("%w: cache.summary_ratio must be in (0,1]", ErrInvalidConfig)
	}
	if c.Cache.PreserveRecent < 0 {
		return fmt.Errorf("%w: cache.preserve_recent must be >= 0", ErrInvalidConfig)
	}
	if c.Cache.MinSummaryTokens > c.Cache.MaxSummaryTokens {
		return fmt.Errorf("%w: cache.min_summary_tokens above cache.max_summary_tokens", ErrInvalidConfig)
	}
	if c.Retrieval.Threshold < 0 || c.Retrieval.Threshold > 1 {
		return fmt.Errorf("%w: retrieval.threshold must be in [0,1]", ErrInvalidConfig)
	}
	return nil
}
