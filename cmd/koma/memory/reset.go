package memorycmder

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inkstonelab/koma/pkg/memorystore"
)

const resetLongDesc string = `Delete all persisted memory state for a job.

Removes the job's character memory, prompt memory projection, and cached
chunk extractions. A subsequent run with the same job id starts from
scratch with fresh character ids.

Examples:
  koma memory reset 01JF8Z3N9GQ4 --sqlite koma.db`

const resetShortDesc string = "Delete a job's memory state"

func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset <job-id>",
		Short: resetShortDesc,
		Long:  resetLongDesc,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := initStore(cmd, storeFlags, storeFlagKeys)
			if err != nil {
				return err
			}
			defer store.Close()

			return runReset(store, args[0])
		},
	}

	addStoreFlags(cmd)

	return cmd
}

func runReset(store memorystore.Driver, jobID string) error {
	if err := store.Reset(context.Background(), jobID); err != nil {
		return fmt.Errorf("resetting memory for job %q: %w", jobID, err)
	}

	fmt.Printf("Memory for job %s reset.\n", jobID)

	return nil
}
