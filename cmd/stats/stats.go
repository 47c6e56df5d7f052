package stats

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/organoidlab/orgseg/internal/conf"
	"github.com/organoidlab/orgseg/internal/events"
	"github.com/organoidlab/orgseg/internal/workflow"
)

// Command creates the stats command, which lists experiments or reports the
// labeled/unlabeled partition of a selected scope.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats [experiment] [date...]",
		Short: "Show annotation progress",
		Long: `Without arguments, lists all experiments and their date folders.
With an experiment (and optional date folders), reports how many images are
labeled and unlabeled in that scope.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine := workflow.NewEngine(settings, events.NewBus())
			defer engine.Close()

			if len(args) == 0 {
				return listExperiments(engine)
			}
			if err := engine.SelectScope(args[0], args[1:]); err != nil {
				return err
			}
			labeled, unlabeled := engine.Pool.Stats()
			fmt.Printf("%s: %d labeled, %d unlabeled\n", engine.Pool.Scope(), labeled, unlabeled)
			return nil
		},
	}
	return cmd
}

func listExperiments(engine *workflow.Engine) error {
	experiments, err := engine.Pool.DiscoverExperiments()
	if err != nil {
		return err
	}
	if len(experiments) == 0 {
		fmt.Println("no experiments found")
		return nil
	}
	for _, exp := range experiments {
		fmt.Println(exp.Name)
		for _, folder := range exp.Folders {
			labelMark := ""
			if folder.HasLabels {
				labelMark = " (labels)"
			}
			fmt.Printf("  %s: %d images%s\n", folder.Date, folder.ImageCount, labelMark)
		}
	}
	return nil
}
