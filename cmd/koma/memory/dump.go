package memorycmder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inkstonelab/koma/pkg/memorystore"
)

const dumpLongDesc string = `Print the full character memory of a job as JSON.

The dump includes every character's stable id, all observed aliases,
first and last appearance chunks, the event timeline, and the compacted
summary.

Examples:
  koma memory dump 01JF8Z3N9GQ4 --sqlite koma.db
  koma memory dump 01JF8Z3N9GQ4 --roster`

const dumpShortDesc string = "Print a job's character memory"

func newDumpCmd() *cobra.Command {
	var rosterOnly bool

	cmd := &cobra.Command{
		Use:   "dump <job-id>",
		Short: dumpShortDesc,
		Long:  dumpLongDesc,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := initStore(cmd, storeFlags, storeFlagKeys)
			if err != nil {
				return err
			}
			defer store.Close()

			return runDump(store, args[0], rosterOnly)
		},
	}

	addStoreFlags(cmd)
	cmd.Flags().BoolVar(&rosterOnly, "roster", false, "Print the roster summary instead of full records")

	return cmd
}

func runDump(store memorystore.Driver, jobID string, rosterOnly bool) error {
	index, err := store.LoadCharacterMemory(context.Background(), jobID)
	if err != nil {
		var notFound memorystore.ErrNotFound
		if errors.As(err, &notFound) {
			return fmt.Errorf("no memory found for job %q", jobID)
		}
		return fmt.Errorf("loading character memory: %w", err)
	}

	var payload any = index
	if rosterOnly {
		payload = index.Roster()
	}

	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding memory: %w", err)
	}
	fmt.Println(string(out))

	return nil
}
