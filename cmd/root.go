package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/organoidlab/orgseg/cmd/auto"
	"github.com/organoidlab/orgseg/cmd/crop"
	"github.com/organoidlab/orgseg/cmd/stats"
	"github.com/organoidlab/orgseg/cmd/threshold"
	"github.com/organoidlab/orgseg/internal/conf"
	"github.com/organoidlab/orgseg/internal/logging"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orgseg",
		Short: "Organoid segmentation annotation CLI",
	}

	// Set up the global flags for the root command.
	setupFlags(rootCmd, settings)

	subcommands := []*cobra.Command{
		stats.Command(settings),
		auto.Command(settings),
		threshold.Command(settings),
		crop.Command(settings),
	}
	rootCmd.AddCommand(subcommands...)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := cmd.Flags().Parse(args); err != nil {
			return err
		}
		if settings.Debug {
			logging.SetLevel(slog.LevelDebug)
		}
		return conf.ValidateSettings(settings)
	}

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) error {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&settings.Project.BasePath, "basepath", viper.GetString("project.basepath"), "Project base directory holding the Data and Labels trees")
	rootCmd.PersistentFlags().StringVar(&settings.Model.Device, "device", viper.GetString("model.device"), "Model execution device: auto or cpu")
	rootCmd.PersistentFlags().IntVar(&settings.Model.Threads, "threads", viper.GetInt("model.threads"), "Interpreter thread count, 0 for all cores")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %v", err)
	}

	return nil
}
