// Package runcmder provides the run command for processing a document
// synchronously from the command line.
package runcmder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/inkstonelab/koma/pkg/chunk"
	"github.com/inkstonelab/koma/pkg/config"
	"github.com/inkstonelab/koma/pkg/extract/llm"
	"github.com/inkstonelab/koma/pkg/logger"
	"github.com/inkstonelab/koma/pkg/memorystore"
	"github.com/inkstonelab/koma/pkg/memorystore/inmemory"
	"github.com/inkstonelab/koma/pkg/memorystore/postgres"
	"github.com/inkstonelab/koma/pkg/memorystore/sqlite"
	"github.com/inkstonelab/koma/pkg/pipeline"
	"github.com/inkstonelab/koma/pkg/speaker"
)

type runCommander struct {
	jobID string
	debug bool
	v     *viper.Viper
	log   *zap.Logger
}

const runLongDesc string = `Process a prose document and print the job result as JSON.

The document is split into chunks and processed sequentially. With a
persistent store configured (--sqlite or --postgres-dsn) and an explicit
--job id, an interrupted run picks up where it left off: already-processed
chunks replay from cache and character identities stay stable.`

const runShortDesc string = "Process a document and print the result"

var runFlags = config.FlagSet{
	config.FlagStorageProvider: {
		Name: "storage-provider", ViperKey: "storage.provider",
		Description: "Memory store backend (sqlite, postgres, inmemory)",
	},
	config.FlagSQLite: {
		Name: "sqlite", Shorthand: "s", ViperKey: "storage.sqlite_path",
		Description: "Path to SQLite database",
	},
	config.FlagPostgresDSN: {
		Name: "postgres-dsn", ViperKey: "storage.postgres_dsn",
		Description: "PostgreSQL connection string",
	},
	config.FlagExtractionProvider: {
		Name: "extraction-provider", ViperKey: "extraction.provider",
		Description: "Extraction LLM provider (openai, anthropic, ollama)",
	},
	config.FlagExtractionTarget: {
		Name: "extraction-target", ViperKey: "extraction.target",
		Description: "Extraction provider base URL",
	},
	config.FlagExtractionModel: {
		Name: "extraction-model", ViperKey: "extraction.model",
		Description: "Extraction model name",
	},
}

var runFlagKeys = []string{
	config.FlagStorageProvider,
	config.FlagSQLite,
	config.FlagPostgresDSN,
	config.FlagExtractionProvider,
	config.FlagExtractionTarget,
	config.FlagExtractionModel,
}

func NewRunCmd() *cobra.Command {
	cmder := &runCommander{}

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: runShortDesc,
		Long:  runLongDesc,
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")

			v, err := config.InitViper(configDir)
			if err != nil {
				return err
			}
			config.BindRegisteredFlags(v, cmd, runFlags, runFlagKeys)
			cmder.v = v

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %v", err)
			}

			return cmder.run(args[0])
		},
	}

	cmd.Flags().StringVarP(&cmder.jobID, "job", "j", "", "Job id (reuse to resume an interrupted run)")

	var sink string
	for _, key := range runFlagKeys {
		config.AddStringFlag(cmd, runFlags, key, &sink)
	}

	return cmd
}

func (c *runCommander) run(path string) error {
	c.log = logger.NewLogger(c.debug)
	defer c.log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading document: %w", err)
	}

	chunks := chunk.Split(string(data), chunk.DefaultOptions())
	if len(chunks) == 0 {
		return fmt.Errorf("document is empty")
	}

	store, err := c.newStoreDriver()
	if err != nil {
		return err
	}
	defer store.Close()

	caller, err := llm.NewCaller(llm.CallerConfig{
		Provider: c.v.GetString("extraction.provider"),
		Model:    c.v.GetString("extraction.model"),
		BaseURL:  c.v.GetString("extraction.target"),
	})
	if err != nil {
		return fmt.Errorf("creating extraction caller: %w", err)
	}

	pipe, err := pipeline.New(pipeline.Config{
		Store:     store,
		Extractor: llm.NewExtractor(caller),
		Logger:    c.log,
		Speaker: speaker.Config{
			ProximityWindow:        c.v.GetInt("resolver.proximity_window"),
			EnableVerbPatterns:     c.v.GetBool("resolver.verb_patterns"),
			EnableLastSpeaker:      c.v.GetBool("resolver.last_speaker"),
			MinConfidenceThreshold: c.v.GetFloat64("resolver.min_confidence"),
		},
		MaxSummaryLen:     c.v.GetInt("memory.max_summary_len"),
		PromptMemoryLimit: c.v.GetInt("memory.prompt_memory_limit"),
		MaxAttempts:       c.v.GetInt("pipeline.max_attempts"),
		RetryBackoff:      time.Duration(c.v.GetInt("pipeline.retry_backoff_ms")) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("creating pipeline: %w", err)
	}

	jobID := c.jobID
	if jobID == "" {
		jobID = ulid.Make().String()
	}

	c.log.Info("processing document",
		zap.String("job_id", jobID),
		zap.String("file", path),
		zap.Int("chunks", len(chunks)),
	)

	result, err := pipe.Run(context.Background(), jobID, chunks)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Println(string(out))

	return nil
}

func (c *runCommander) newStoreDriver() (memorystore.Driver, error) {
	switch c.v.GetString("storage.provider") {
	case "sqlite":
		path := c.v.GetString("storage.sqlite_path")
		driver, err := sqlite.NewDriver(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite memory store: %w", err)
		}
		return driver, nil

	case "postgres":
		driver, err := postgres.NewDriver(context.Background(), c.v.GetString("storage.postgres_dsn"))
		if err != nil {
			return nil, fmt.Errorf("failed to create PostgreSQL memory store: %w", err)
		}
		return driver, nil

	case "inmemory", "":
		return inmemory.NewDriver(), nil

	default:
		return nil, fmt.Errorf("unknown storage provider: %q", c.v.GetString("storage.provider"))
	}
}
