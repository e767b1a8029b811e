// Package main provides the entry point for the surveyforge CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/surveyforge/cmd/surveyforge/commands"
	"github.com/Sumatoshi-tech/surveyforge/pkg/version"
)

func main() {
	version.InitBinaryVersion()

	rootCmd := &cobra.Command{
		Use:   "surveyforge",
		Short: "Surveyforge - automated literature survey generation",
		Long: `Surveyforge generates structured literature surveys through a
staged dataflow pipeline.

Commands:
  serve     Run the HTTP API and the generation pipeline
  submit    Submit a topic or payload file to a running server
  tasks     List, inspect, and delete tasks
  output    Fetch the generated survey for a completed task`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add commands.
	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(commands.NewSubmitCommand())
	rootCmd.AddCommand(commands.NewTasksCommand())
	rootCmd.AddCommand(commands.NewOutputCommand())
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "surveyforge %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
