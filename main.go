package main

import (
	"fmt"
	"os"

	"github.com/organoidlab/orgseg/cmd"
	"github.com/organoidlab/orgseg/internal/conf"
	"github.com/organoidlab/orgseg/internal/logging"
)

func main() {
	logging.Init()

	settings, err := conf.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		os.Exit(1)
	}

	rootCmd := cmd.RootCommand(settings)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "command error: %v\n", err)
		os.Exit(1)
	}
}
