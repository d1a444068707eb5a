// Package komacmder
package komacmder

import (
	"github.com/spf13/cobra"

	configcmder "github.com/inkstonelab/koma/cmd/koma/config"
	memorycmder "github.com/inkstonelab/koma/cmd/koma/memory"
	runcmder "github.com/inkstonelab/koma/cmd/koma/run"
	servecmder "github.com/inkstonelab/koma/cmd/koma/serve"
	versioncmder "github.com/inkstonelab/koma/cmd/koma/version"
)

const komaLongDesc string = `Koma turns long prose into storyboard-ready structure with stable
character identities across the whole document.

Process documents using:
  koma run <file>      Process a document and print the result
  koma serve           Run the API server for async job submission
  koma memory dump     Inspect persisted character memory for a job`

const komaShortDesc string = "Koma - prose to storyboard structure"

func NewKomaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "koma",
		Short: komaShortDesc,
		Long:  komaLongDesc,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Override the .koma/ config directory")

	// Add subcommands
	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(runcmder.NewRunCmd())
	cmd.AddCommand(memorycmder.NewMemoryCmd())
	cmd.AddCommand(configcmder.NewConfigCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
