package config

import (
	"time"

	"github.com/spf13/viper"
)

// Default values mirror the reference deployment: an Ollama instance on
// localhost serving a coder model, with an 8k active-token window.
const (
	DefaultOllamaEndpoint = "http://localhost:11434"
	DefaultOllamaModel    = "qwen2.5-coder:7b"

	DefaultMaxActiveTokens  = 8000
	DefaultMaxTotalTokens   = 100000
	DefaultTargetFillRatio  = 0.5
	DefaultPreserveRecent   = 5
	DefaultSummaryRatio     = 0.2
	DefaultMinSummaryTokens = 100
	DefaultMaxSummaryTokens = 2000

	DefaultRetrievalThreshold = 0.6
	DefaultRetrievalResults   = 3

	DefaultSweepMaxAgeDays = 30
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)

	v.SetDefault("ollama.endpoint", DefaultOllamaEndpoint)
	v.SetDefault("ollama.model", DefaultOllamaModel)
	v.SetDefault("ollama.timeout", 300*time.Second)
	v.SetDefault("ollama.summary_timeout", 120*time.Second)
	v.SetDefault("ollama.keep_alive", "5m")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.dir", "~/.ctxproxy/cache")
	v.SetDefault("cache.auto_session", true)
	v.SetDefault("cache.max_active_tokens", DefaultMaxActiveTokens)
	v.SetDefault("cache.max_total_tokens", DefaultMaxTotalTokens)
	v.SetDefault("cache.target_fill_ratio", DefaultTargetFillRatio)
	v.SetDefault("cache.preserve_recent", DefaultPreserveRecent)
	v.SetDefault("cache.summary_ratio", DefaultSummaryRatio)
	v.SetDefault("cache.min_summary_tokens", DefaultMinSummaryTokens)
	v.SetDefault("cache.max_summary_tokens", DefaultMaxSummaryTokens)

	v.SetDefault("retrieval.enabled", true)
	v.SetDefault("retrieval.threshold", DefaultRetrievalThreshold)
	v.SetDefault("retrieval.max_results", DefaultRetrievalResults)

	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.schedule", "@hourly")
	v.SetDefault("sweep.max_age_days", DefaultSweepMaxAgeDays)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
}

// Default returns a Config populated with default values.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}
