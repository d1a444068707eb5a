package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/inkstonelab/koma/pkg/dotdir"
)

// InitViper creates and returns a configured *viper.Viper.
// It sets defaults from NewDefaultConfig(), reads the config.toml file
// (if found via dotdir resolution), and binds environment variables
// with the KOMA_ prefix.
//
// Config precedence (highest to lowest):
//  1. CLI flags (once bound via BindRegisteredFlags)
//  2. Environment variables (KOMA_API_LISTEN, KOMA_STORAGE_PROVIDER, etc.)
//  3. config.toml file values
//  4. Defaults from NewDefaultConfig()
func InitViper(configDir string) (*viper.Viper, error) {
	v := viper.New()

	// 1. Register all defaults from NewDefaultConfig().
	setViperDefaults(v)

	// 2. Config file discovery via dotdir resolution.
	v.SetConfigName("config")
	v.SetConfigType("toml")

	ddm := dotdir.NewManager()
	target, err := ddm.Target(configDir)
	if err != nil {
		return nil, fmt.Errorf("resolving config dir: %w", err)
	}

	if target != "" {
		v.AddConfigPath(target)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found errors are fine, defaults will apply.
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// 3. Environment variables: KOMA_API_LISTEN, KOMA_STORAGE_SQLITE_PATH, etc.
	v.SetEnvPrefix("KOMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// setViperDefaults registers defaults from NewDefaultConfig() into viper
// using dotted-key notation. This keeps defaults.go as the single source of truth.
func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("version", d.Version)

	// Storage
	v.SetDefault("storage.provider", d.Storage.Provider)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)
	v.SetDefault("storage.postgres_dsn", d.Storage.PostgresDSN)

	// API
	v.SetDefault("api.listen", d.API.Listen)

	// Extraction
	v.SetDefault("extraction.provider", d.Extraction.Provider)
	v.SetDefault("extraction.target", d.Extraction.Target)
	v.SetDefault("extraction.model", d.Extraction.Model)

	// Resolver
	v.SetDefault("resolver.proximity_window", d.Resolver.ProximityWindow)
	v.SetDefault("resolver.verb_patterns", d.Resolver.VerbPatterns)
	v.SetDefault("resolver.last_speaker", d.Resolver.LastSpeaker)
	v.SetDefault("resolver.min_confidence", d.Resolver.MinConfidence)

	// Memory
	v.SetDefault("memory.max_summary_len", d.Memory.MaxSummaryLen)
	v.SetDefault("memory.prompt_memory_limit", d.Memory.PromptMemoryLimit)

	// Pipeline
	v.SetDefault("pipeline.max_attempts", d.Pipeline.MaxAttempts)
	v.SetDefault("pipeline.retry_backoff_ms", d.Pipeline.RetryBackoffMS)
	v.SetDefault("pipeline.workers", d.Pipeline.Workers)

	// Events
	v.SetDefault("events.provider", d.Events.Provider)
	v.SetDefault("events.brokers", d.Events.Brokers)
	v.SetDefault("events.topic", d.Events.Topic)
}
