package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Config represents the persistent koma configuration stored as config.toml
// in the .koma/ directory. The TOML layout uses sections for logical grouping.
type Config struct {
	Version    int              `toml:"version"`
	Storage    StorageConfig    `toml:"storage"`
	API        APIConfig        `toml:"api"`
	Extraction ExtractionConfig `toml:"extraction"`
	Resolver   ResolverConfig   `toml:"resolver"`
	Memory     MemoryConfig     `toml:"memory"`
	Pipeline   PipelineConfig   `toml:"pipeline"`
	Events     EventsConfig     `toml:"events"`
}

// StorageConfig holds memory store settings shared by the server and the
// memory subcommands.
type StorageConfig struct {
	Provider    string `toml:"provider,omitempty"`
	SQLitePath  string `toml:"sqlite_path,omitempty"`
	PostgresDSN string `toml:"postgres_dsn,omitempty"`
}

// APIConfig holds API server settings.
type APIConfig struct {
	Listen string `toml:"listen,omitempty"`
}

// ExtractionConfig holds extraction provider settings.
type ExtractionConfig struct {
	Provider string `toml:"provider,omitempty"`
	Target   string `toml:"target,omitempty"`
	Model    string `toml:"model,omitempty"`
}

// ResolverConfig holds speaker resolver tuning.
type ResolverConfig struct {
	ProximityWindow uint    `toml:"proximity_window,omitempty"`
	VerbPatterns    bool    `toml:"verb_patterns"`
	LastSpeaker     bool    `toml:"last_speaker"`
	MinConfidence   float64 `toml:"min_confidence,omitempty"`
}

// MemoryConfig holds memory bounding settings.
type MemoryConfig struct {
	MaxSummaryLen     uint `toml:"max_summary_len,omitempty"`
	PromptMemoryLimit uint `toml:"prompt_memory_limit,omitempty"`
}

// PipelineConfig holds chunk processing settings.
type PipelineConfig struct {
	MaxAttempts    uint `toml:"max_attempts,omitempty"`
	RetryBackoffMS uint `toml:"retry_backoff_ms,omitempty"`
	Workers        uint `toml:"workers,omitempty"`
}

// EventsConfig holds event stream publisher settings.
type EventsConfig struct {
	Provider string   `toml:"provider,omitempty"`
	Brokers  []string `toml:"brokers,omitempty"`
	Topic    string   `toml:"topic,omitempty"`
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter on *Config.
type configKeyInfo struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

// configKeys is the authoritative map of all supported config keys.
// Keys use dotted notation matching the TOML section structure.
var configKeys = map[string]configKeyInfo{
	"storage.provider": {
		get: func(c *Config) string { return c.Storage.Provider },
		set: func(c *Config, v string) error { c.Storage.Provider = v; return nil },
	},
	"storage.sqlite_path": {
		get: func(c *Config) string { return c.Storage.SQLitePath },
		set: func(c *Config, v string) error { c.Storage.SQLitePath = v; return nil },
	},
	"storage.postgres_dsn": {
		get: func(c *Config) string { return c.Storage.PostgresDSN },
		set: func(c *Config, v string) error { c.Storage.PostgresDSN = v; return nil },
	},
	"api.listen": {
		get: func(c *Config) string { return c.API.Listen },
		set: func(c *Config, v string) error { c.API.Listen = v; return nil },
	},
	"extraction.provider": {
		get: func(c *Config) string { return c.Extraction.Provider },
		set: func(c *Config, v string) error { c.Extraction.Provider = v; return nil },
	},
	"extraction.target": {
		get: func(c *Config) string { return c.Extraction.Target },
		set: func(c *Config, v string) error { c.Extraction.Target = v; return nil },
	},
	"extraction.model": {
		get: func(c *Config) string { return c.Extraction.Model },
		set: func(c *Config, v string) error { c.Extraction.Model = v; return nil },
	},
	"resolver.proximity_window": {
		get: func(c *Config) string { return formatUint(c.Resolver.ProximityWindow) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for resolver.proximity_window: %w", err)
			}
			c.Resolver.ProximityWindow = uint(n)
			return nil
		},
	},
	"resolver.verb_patterns": {
		get: func(c *Config) string { return strconv.FormatBool(c.Resolver.VerbPatterns) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid value for resolver.verb_patterns: %w", err)
			}
			c.Resolver.VerbPatterns = b
			return nil
		},
	},
	"resolver.last_speaker": {
		get: func(c *Config) string { return strconv.FormatBool(c.Resolver.LastSpeaker) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid value for resolver.last_speaker: %w", err)
			}
			c.Resolver.LastSpeaker = b
			return nil
		},
	},
	"resolver.min_confidence": {
		get: func(c *Config) string {
			if c.Resolver.MinConfidence == 0 {
				return ""
			}
			return strconv.FormatFloat(c.Resolver.MinConfidence, 'f', -1, 64)
		},
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid value for resolver.min_confidence: %w", err)
			}
			if f < 0 || f > 1 {
				return fmt.Errorf("resolver.min_confidence must be in [0, 1], got %v", f)
			}
			c.Resolver.MinConfidence = f
			return nil
		},
	},
	"memory.max_summary_len": {
		get: func(c *Config) string { return formatUint(c.Memory.MaxSummaryLen) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for memory.max_summary_len: %w", err)
			}
			c.Memory.MaxSummaryLen = uint(n)
			return nil
		},
	},
	"memory.prompt_memory_limit": {
		get: func(c *Config) string { return formatUint(c.Memory.PromptMemoryLimit) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for memory.prompt_memory_limit: %w", err)
			}
			c.Memory.PromptMemoryLimit = uint(n)
			return nil
		},
	},
	"pipeline.max_attempts": {
		get: func(c *Config) string { return formatUint(c.Pipeline.MaxAttempts) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for pipeline.max_attempts: %w", err)
			}
			c.Pipeline.MaxAttempts = uint(n)
			return nil
		},
	},
	"pipeline.retry_backoff_ms": {
		get: func(c *Config) string { return formatUint(c.Pipeline.RetryBackoffMS) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for pipeline.retry_backoff_ms: %w", err)
			}
			c.Pipeline.RetryBackoffMS = uint(n)
			return nil
		},
	},
	"pipeline.workers": {
		get: func(c *Config) string { return formatUint(c.Pipeline.Workers) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for pipeline.workers: %w", err)
			}
			c.Pipeline.Workers = uint(n)
			return nil
		},
	},
	"events.provider": {
		get: func(c *Config) string { return c.Events.Provider },
		set: func(c *Config, v string) error { c.Events.Provider = v; return nil },
	},
	"events.brokers": {
		get: func(c *Config) string { return strings.Join(c.Events.Brokers, ",") },
		set: func(c *Config, v string) error {
			c.Events.Brokers = nil
			for _, b := range strings.Split(v, ",") {
				if b = strings.TrimSpace(b); b != "" {
					c.Events.Brokers = append(c.Events.Brokers, b)
				}
			}
			return nil
		},
	},
	"events.topic": {
		get: func(c *Config) string { return c.Events.Topic },
		set: func(c *Config, v string) error { c.Events.Topic = v; return nil },
	},
}

func formatUint(n uint) string {
	if n == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(n), 10)
}
