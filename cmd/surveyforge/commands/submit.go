package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/surveyforge/internal/manager"
)

// ErrNothingToSubmit is returned when neither a topic nor an input file is
// given.
var ErrNothingToSubmit = errors.New("provide a topic argument or --input-file")

// NewSubmitCommand creates the submit command.
func NewSubmitCommand() *cobra.Command {
	var (
		serverURL string
		token     string
		inputFile string
		userID    string
	)

	cmd := &cobra.Command{
		Use:   "submit [topic]",
		Short: "Submit a survey generation task to a running server",
		Long: `Submit a topic or a prepared payload file to a running server.

A topic submission runs reference search and outline generation on the
server; an --input-file submission uploads an existing payload.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, args []string) error {
			topic := ""
			if len(args) == 1 {
				topic = args[0]
			}

			if topic == "" && inputFile == "" {
				return ErrNothingToSubmit
			}

			params := map[string]any{}
			if topic != "" {
				params[manager.ParamTopic] = topic
			}

			if inputFile != "" {
				params[manager.ParamInputFile] = inputFile
			}

			if userID != "" {
				params[manager.ParamUserID] = userID
			}

			client := NewClient(serverURL, token)

			acc, err := client.Submit(cobraCmd.Context(), params)
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stdout, "%s %s\n", color.GreenString("Submitted:"), acc.TaskID)

			if acc.OutputFile != "" {
				fmt.Fprintf(os.Stdout, "Output file: %s\n", acc.OutputFile)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server base URL")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token for submission auth")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "Path to a prepared payload JSON file on the server host")
	cmd.Flags().StringVar(&userID, "user", "", "User id to record on the task")

	return cmd
}
