package auto

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/organoidlab/orgseg/internal/conf"
	"github.com/organoidlab/orgseg/internal/events"
	"github.com/organoidlab/orgseg/internal/strategy"
	"github.com/organoidlab/orgseg/internal/workflow"
)

// Command creates the auto command, which runs model-based whole-image
// segmentation over every unlabeled image in the scope.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auto <experiment> [date...]",
		Short: "Annotate unlabeled images with the segmentation model",
		Long: `Runs the segmentation model over every unlabeled image in the scope and
keeps the largest proposed object as the mask. Images where the model finds
no object get an empty mask and stay unlabeled.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine := workflow.NewEngine(settings, events.NewBus())
			defer engine.Close()

			if err := engine.SelectScope(args[0], args[1:]); err != nil {
				return err
			}

			annotated, skipped, err := engine.Coordinator.AnnotateAll(
				cmd.Context(), engine.AutoLargest(), strategy.Input{})
			if err != nil {
				return err
			}
			fmt.Printf("annotated %d images, no object found in %d\n", annotated, skipped)
			return nil
		},
	}

	setupFlags(cmd, settings)
	return cmd
}

func setupFlags(cmd *cobra.Command, settings *conf.Settings) {
	cmd.Flags().StringVar(&settings.Segmentation.TiePolicy, "tie", settings.Segmentation.TiePolicy, "Equal-area tie policy: first or last")
	cmd.Flags().IntVar(&settings.Model.PointsPerSide, "points", settings.Model.PointsPerSide, "Prompt grid points per side")
}
