package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/surveyforge/internal/task"
)

// NewTasksCommand creates the tasks command group: list, show, delete, and
// the pipeline status view.
func NewTasksCommand() *cobra.Command {
	var (
		serverURL string
		token     string
	)

	cmd := &cobra.Command{
		Use:           "tasks",
		Short:         "Inspect and manage tasks on a running server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server base URL")
	cmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token for mutating operations")

	cmd.AddCommand(newTasksListCommand(&serverURL, &token))
	cmd.AddCommand(newTasksShowCommand(&serverURL, &token))
	cmd.AddCommand(newTasksDeleteCommand(&serverURL, &token))
	cmd.AddCommand(newTasksStatusCommand(&serverURL, &token))

	return cmd
}

func newTasksListCommand(serverURL, token *string) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			client := NewClient(*serverURL, *token)

			records, err := client.Tasks(cobraCmd.Context(), status, limit)
			if err != nil {
				return err
			}

			renderTaskTable(records)

			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (e.g. PROCESSING, COMPLETED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of tasks to list")

	return cmd
}

func newTasksShowCommand(serverURL, token *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show the full record of one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cobraCmd *cobra.Command, args []string) error {
			client := NewClient(*serverURL, *token)

			rec, err := client.Task(cobraCmd.Context(), args[0])
			if err != nil {
				return err
			}

			out, err := yaml.Marshal(rec)
			if err != nil {
				return fmt.Errorf("render task record: %w", err)
			}

			fmt.Fprint(os.Stdout, string(out))

			return nil
		},
	}
}

func newTasksDeleteCommand(serverURL, token *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task record and its stored result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cobraCmd *cobra.Command, args []string) error {
			client := NewClient(*serverURL, *token)

			err := client.Delete(cobraCmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stdout, "%s %s\n", color.YellowString("Deleted:"), args[0])

			return nil
		},
	}
}

func newTasksStatusCommand(serverURL, token *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the pipeline status snapshot",
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			client := NewClient(*serverURL, *token)

			status, err := client.GlobalStatus(cobraCmd.Context())
			if err != nil {
				return err
			}

			running := color.RedString("stopped")
			if status.Running {
				running = color.GreenString("running")
			}

			fmt.Fprintf(os.Stdout, "Pipeline %s, %d active tasks, %d surveys in flight\n",
				running, status.ActiveTasks, status.Inflight)

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Node", "Running", "Queue", "Executing", "Workers"})

			for _, node := range status.Nodes {
				tw.AppendRow(table.Row{
					node.Name,
					node.IsRunning,
					fmt.Sprintf("%d/%d", node.QueueSize, node.MaxQueueSize),
					node.ExecutingCount,
					node.WorkerCount,
				})
			}

			tw.Render()

			return nil
		},
	}
}

// renderTaskTable prints the records as a terminal table.
func renderTaskTable(records []*task.Record) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Status", "Topic", "Created", "Took"})

	for _, rec := range records {
		tw.AppendRow(table.Row{
			rec.ID,
			colorStatus(rec.Status),
			rec.OriginalTopic,
			humanize.Time(rec.CreatedAt),
			formatExecution(rec),
		})
	}

	tw.Render()
}

// colorStatus renders a status with the conventional severity colors.
func colorStatus(st task.Status) string {
	switch st {
	case task.StatusCompleted:
		return color.GreenString(string(st))
	case task.StatusFailed, task.StatusTimeout:
		return color.RedString(string(st))
	case task.StatusPending:
		return color.WhiteString(string(st))
	default:
		return color.CyanString(string(st))
	}
}

// formatExecution renders the task runtime, or a dash while it has none.
func formatExecution(rec *task.Record) string {
	if rec.ExecutionSeconds <= 0 {
		return "-"
	}

	d := time.Duration(rec.ExecutionSeconds * float64(time.Second))

	return d.Round(100 * time.Millisecond).String()
}
