// Package memorycmder provides commands for inspecting and clearing the
// persisted character memory of a job.
package memorycmder

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inkstonelab/koma/pkg/config"
	"github.com/inkstonelab/koma/pkg/memorystore"
	"github.com/inkstonelab/koma/pkg/memorystore/postgres"
	"github.com/inkstonelab/koma/pkg/memorystore/sqlite"
)

const memoryLongDesc string = `Inspect and manage persisted character memory.

Character memory survives process restarts when a persistent store is
configured, so these commands work on jobs that are finished, interrupted,
or still running in another process.

  koma memory dump <job-id>     Print a job's character roster
  koma memory reset <job-id>    Delete all memory state for a job`

const memoryShortDesc string = "Inspect and manage character memory"

func NewMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: memoryShortDesc,
		Long:  memoryLongDesc,
	}

	cmd.AddCommand(newDumpCmd())
	cmd.AddCommand(newResetCmd())

	return cmd
}

// initStore resolves config for a memory subcommand and opens the
// persistent store. In-memory stores hold no state across processes, so
// memory commands require sqlite or postgres.
func initStore(cmd *cobra.Command, fs config.FlagSet, keys []string) (memorystore.Driver, *viper.Viper, error) {
	configDir, _ := cmd.Flags().GetString("config-dir")

	v, err := config.InitViper(configDir)
	if err != nil {
		return nil, nil, err
	}
	config.BindRegisteredFlags(v, cmd, fs, keys)

	switch v.GetString("storage.provider") {
	case "sqlite":
		driver, err := sqlite.NewDriver(v.GetString("storage.sqlite_path"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create SQLite memory store: %w", err)
		}
		return driver, v, nil

	case "postgres":
		driver, err := postgres.NewDriver(context.Background(), v.GetString("storage.postgres_dsn"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create PostgreSQL memory store: %w", err)
		}
		return driver, v, nil

	default:
		return nil, nil, fmt.Errorf("memory commands require a persistent store (storage.provider sqlite or postgres), got %q",
			v.GetString("storage.provider"))
	}
}

var storeFlags = config.FlagSet{
	config.FlagStorageProvider: {
		Name: "storage-provider", ViperKey: "storage.provider",
		Description: "Memory store backend (sqlite, postgres)",
	},
	config.FlagSQLite: {
		Name: "sqlite", Shorthand: "s", ViperKey: "storage.sqlite_path",
		Description: "Path to SQLite database",
	},
	config.FlagPostgresDSN: {
		Name: "postgres-dsn", ViperKey: "storage.postgres_dsn",
		Description: "PostgreSQL connection string",
	},
}

var storeFlagKeys = []string{
	config.FlagStorageProvider,
	config.FlagSQLite,
	config.FlagPostgresDSN,
}

func addStoreFlags(cmd *cobra.Command) {
	var sink string
	for _, key := range storeFlagKeys {
		config.AddStringFlag(cmd, storeFlags, key, &sink)
	}
}
