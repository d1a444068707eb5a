package config

const (
	defaultStorageProvider = "sqlite"
	defaultSQLitePath      = "koma.db"

	defaultAPIListen = ":8090"

	defaultExtractionProvider = "ollama"
	defaultExtractionTarget   = "http://localhost:11434"
	defaultExtractionModel    = "llama3.1"

	defaultProximityWindow = 200
	defaultMinConfidence   = 0.55

	defaultMaxSummaryLen     = 500
	defaultPromptMemoryLimit = 2000

	defaultMaxAttempts    = 3
	defaultRetryBackoffMS = 500
	defaultWorkers        = 3

	defaultEventsProvider = "none"
	defaultEventsTopic    = "koma.chunks"
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Storage: StorageConfig{
			Provider:   defaultStorageProvider,
			SQLitePath: defaultSQLitePath,
		},
		API: APIConfig{
			Listen: defaultAPIListen,
		},
		Extraction: ExtractionConfig{
			Provider: defaultExtractionProvider,
			Target:   defaultExtractionTarget,
			Model:    defaultExtractionModel,
		},
		Resolver: ResolverConfig{
			ProximityWindow: defaultProximityWindow,
			VerbPatterns:    true,
			LastSpeaker:     true,
			MinConfidence:   defaultMinConfidence,
		},
		Memory: MemoryConfig{
			MaxSummaryLen:     defaultMaxSummaryLen,
			PromptMemoryLimit: defaultPromptMemoryLimit,
		},
		Pipeline: PipelineConfig{
			MaxAttempts:    defaultMaxAttempts,
			RetryBackoffMS: defaultRetryBackoffMS,
			Workers:        defaultWorkers,
		},
		Events: EventsConfig{
			Provider: defaultEventsProvider,
			Topic:    defaultEventsTopic,
		},
	}
}
