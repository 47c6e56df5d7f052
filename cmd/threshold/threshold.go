package threshold

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/organoidlab/orgseg/internal/conf"
	"github.com/organoidlab/orgseg/internal/events"
	"github.com/organoidlab/orgseg/internal/strategy"
	"github.com/organoidlab/orgseg/internal/workflow"
)

// Command creates the threshold command, which annotates unlabeled images
// by intensity thresholding.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threshold <experiment> [date...]",
		Short: "Annotate unlabeled images by intensity threshold",
		Long: `Segments every unlabeled image in the scope by marking pixels at or above
the threshold as foreground, then dropping connected components smaller than
the minimum area. No model is loaded.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine := workflow.NewEngine(settings, events.NewBus())
			defer engine.Close()

			if err := engine.SelectScope(args[0], args[1:]); err != nil {
				return err
			}

			in := strategy.Input{Threshold: uint8(settings.Segmentation.Threshold)} //nolint:gosec // G115: range validated in [0,255]
			annotated, skipped, err := engine.Coordinator.AnnotateAll(
				cmd.Context(), engine.Threshold(), in)
			if err != nil {
				return err
			}
			fmt.Printf("annotated %d images, empty result on %d\n", annotated, skipped)
			return nil
		},
	}

	setupFlags(cmd, settings)
	return cmd
}

func setupFlags(cmd *cobra.Command, settings *conf.Settings) {
	cmd.Flags().IntVarP(&settings.Segmentation.Threshold, "threshold", "t", settings.Segmentation.Threshold, "Foreground intensity cutoff, 0-255")
	cmd.Flags().IntVar(&settings.Segmentation.MinComponentArea, "min-area", settings.Segmentation.MinComponentArea, "Minimum connected component area in pixels")
}
