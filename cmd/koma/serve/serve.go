// Package servecmder provides the serve command for running the koma API server.
package servecmder

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/inkstonelab/koma/api"
	"github.com/inkstonelab/koma/pkg/config"
	"github.com/inkstonelab/koma/pkg/eventstream"
	"github.com/inkstonelab/koma/pkg/eventstream/kafka"
	"github.com/inkstonelab/koma/pkg/eventstream/nop"
	"github.com/inkstonelab/koma/pkg/extract/llm"
	"github.com/inkstonelab/koma/pkg/jobs"
	"github.com/inkstonelab/koma/pkg/logger"
	"github.com/inkstonelab/koma/pkg/memorystore"
	"github.com/inkstonelab/koma/pkg/memorystore/inmemory"
	"github.com/inkstonelab/koma/pkg/memorystore/postgres"
	"github.com/inkstonelab/koma/pkg/memorystore/sqlite"
	"github.com/inkstonelab/koma/pkg/pipeline"
	"github.com/inkstonelab/koma/pkg/speaker"
)

type serveCommander struct {
	listen string
	debug  bool
	v      *viper.Viper
	logger *zap.Logger
}

const serveLongDesc string = `Run the koma API server.

Documents submitted via POST /jobs are chunked and processed asynchronously
by a worker pool. Job status, results, and persisted character memory are
available while jobs run and after they finish.`

const serveShortDesc string = "Run the koma API server"

var serveFlags = config.FlagSet{
	config.FlagAPIListen: {
		Name: "listen", Shorthand: "l", ViperKey: "api.listen",
		Description: "Address for API server to listen on",
	},
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
	config.FlagWorkers: {
		Name: "workers", Shorthand: "w", ViperKey: "pipeline.workers",
		Description: "Number of concurrent job workers",
	},
	config.FlagEventsProvider: {
		Name: "events-provider", ViperKey: "events.provider",
		Description: "Event stream backend (kafka, none)",
	},
	config.FlagEventsTopic: {
		Name: "events-topic", ViperKey: "events.topic",
		Description: "Event stream topic",
	},
}

var serveFlagKeys = []string{
	config.FlagAPIListen,
	config.FlagStorageProvider,
	config.FlagSQLite,
	config.FlagPostgresDSN,
	config.FlagExtractionProvider,
	config.FlagExtractionTarget,
	config.FlagExtractionModel,
	config.FlagWorkers,
	config.FlagEventsProvider,
	config.FlagEventsTopic,
}

func NewServeCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")

			v, err := config.InitViper(configDir)
			if err != nil {
				return err
			}
			config.BindRegisteredFlags(v, cmd, serveFlags, serveFlagKeys)
			cmder.v = v

			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %v", err)
			}

			return cmder.run()
		},
	}

	var sink string
	var sinkUint uint
	for _, key := range serveFlagKeys {
		switch key {
		case config.FlagWorkers:
			config.AddUintFlag(cmd, serveFlags, key, &sinkUint)
		default:
			config.AddStringFlag(cmd, serveFlags, key, &sink)
		}
	}

	return cmd
}

func (c *serveCommander) run() error {
	c.logger = logger.NewLogger(c.debug)
	defer c.logger.Sync()

	c.listen = c.v.GetString("api.listen")

	store, err := c.newStoreDriver()
	if err != nil {
		return err
	}
	defer store.Close()

	publisher, err := c.newPublisher()
	if err != nil {
		return err
	}
	defer publisher.Close()

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
		Events:    publisher,
		Logger:    c.logger,
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

	runner, err := jobs.NewRunner(&jobs.Config{
		Pipeline:   pipe,
		NumWorkers: c.v.GetUint("pipeline.workers"),
		Logger:     c.logger,
	})
	if err != nil {
		return fmt.Errorf("creating job runner: %w", err)
	}

	server := api.NewServer(api.Config{ListenAddr: c.listen}, runner, store, c.logger)

	// Channel to capture errors from goroutines
	errChan := make(chan error, 1)

	go func() {
		if err := server.Run(); err != nil {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	// Wait for interrupt signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		runner.Close()
		return err
	case sig := <-sigChan:
		c.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		if err := server.Shutdown(); err != nil {
			c.logger.Warn("API server shutdown", zap.Error(err))
		}
		// Drain in-flight jobs before closing the store.
		runner.Close()
		return nil
	}
}

func (c *serveCommander) newStoreDriver() (memorystore.Driver, error) {
	switch c.v.GetString("storage.provider") {
	case "sqlite":
		path := c.v.GetString("storage.sqlite_path")
		driver, err := sqlite.NewDriver(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite memory store: %w", err)
		}
		c.logger.Info("using SQLite memory store", zap.String("path", path))
		return driver, nil

	case "postgres":
		dsn := c.v.GetString("storage.postgres_dsn")
		driver, err := postgres.NewDriver(context.Background(), dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to create PostgreSQL memory store: %w", err)
		}
		c.logger.Info("using PostgreSQL memory store")
		return driver, nil

	case "inmemory", "":
		c.logger.Info("using in-memory memory store")
		return inmemory.NewDriver(), nil

	default:
		return nil, fmt.Errorf("unknown storage provider: %q", c.v.GetString("storage.provider"))
	}
}

func (c *serveCommander) newPublisher() (eventstream.Publisher, error) {
	switch c.v.GetString("events.provider") {
	case "kafka":
		publisher, err := kafka.NewPublisher(kafka.Config{
			Brokers: c.v.GetStringSlice("events.brokers"),
			Topic:   c.v.GetString("events.topic"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka publisher: %w", err)
		}
		c.logger.Info("publishing chunk events to Kafka",
			zap.Strings("brokers", c.v.GetStringSlice("events.brokers")),
			zap.String("topic", c.v.GetString("events.topic")),
		)
		return publisher, nil

	case "none", "":
		return nop.NewPublisher(), nil

	default:
		return nil, fmt.Errorf("unknown events provider: %q", c.v.GetString("events.provider"))
	}
}
