package commands

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// outputFileMode is the permission set for fetched result files.
const outputFileMode = 0o644

// NewOutputCommand creates the output command.
func NewOutputCommand() *cobra.Command {
	var (
		serverURL string
		token     string
		outPath   string
	)

	cmd := &cobra.Command{
		Use:           "output <task-id>",
		Short:         "Fetch the generated survey for a completed task",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, args []string) error {
			client := NewClient(serverURL, token)

			data, err := client.Output(cobraCmd.Context(), args[0])
			if err != nil {
				return err
			}

			if outPath == "" {
				_, err = os.Stdout.Write(data)

				return err
			}

			err = os.WriteFile(outPath, data, outputFileMode)
			if err != nil {
				return fmt.Errorf("write output: %w", err)
			}

			fmt.Fprintf(os.Stdout, "%s %s\n", color.GreenString("Saved:"), outPath)

			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server base URL")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write the survey to a file instead of stdout")

	return cmd
}
