package crop

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/organoidlab/orgseg/internal/conf"
	"github.com/organoidlab/orgseg/internal/events"
	"github.com/organoidlab/orgseg/internal/workflow"
)

// Command creates the crop command, which exports masked images with the
// background blanked to white.
func Command(settings *conf.Settings) *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "crop <experiment> [date...]",
		Short: "Export labeled images with background removed",
		Long: `Exports every labeled image in the scope to the Cropped tree as PNG, with
all pixels outside the mask set to white. Unlabeled images are skipped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine := workflow.NewEngine(settings, events.NewBus())
			defer engine.Close()

			if err := engine.SelectScope(args[0], args[1:]); err != nil {
				return err
			}

			engine.Cropper.Overwrite = overwrite
			exported, skipped, err := engine.Cropper.CropAll()
			if err != nil {
				return err
			}
			fmt.Printf("exported %d images, skipped %d\n", exported, skipped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", true, "Replace existing exports")
	return cmd
}
