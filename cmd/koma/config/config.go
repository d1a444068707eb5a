// Package configcmder provides the config command for managing persistent
// koma configuration stored in the .koma/ directory.
package configcmder

import (
	"github.com/spf13/cobra"
)

const configLongDesc string = `Manage persistent koma configuration.

Configuration is stored as config.toml in the .koma/ directory and provides
default values for command flags. CLI flags always take precedence over
config file values.

Keys use dotted notation matching the TOML section structure:
  storage.provider, storage.sqlite_path, storage.postgres_dsn,
  api.listen,
  extraction.provider, extraction.target, extraction.model,
  resolver.proximity_window, resolver.verb_patterns,
  resolver.last_speaker, resolver.min_confidence,
  memory.max_summary_len, memory.prompt_memory_limit,
  pipeline.max_attempts, pipeline.retry_backoff_ms, pipeline.workers,
  events.provider, events.brokers, events.topic

Use subcommands to get, set, or list configuration values:
  koma config set <key> <value>    Set a configuration value
  koma config get <key>            Get a configuration value
  koma config list                 List all configuration values

Examples:
  koma config set extraction.provider anthropic
  koma config set resolver.min_confidence 0.6
  koma config get storage.sqlite_path
  koma config list`

const configShortDesc string = "Manage persistent koma configuration"

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: configShortDesc,
		Long:  configLongDesc,
	}

	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newListCmd())

	return cmd
}
