package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/connorprovines-code/headless-crm/internal/store"
	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

func newRunsCommand(root *rootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect workflow runs",
	}
	cmd.AddCommand(newRunsListCommand(root), newRunsShowCommand(root))
	return cmd
}

func newRunsListCommand(root *rootCommand) *cobra.Command {
	var (
		filter store.RunFilter
		status string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List runs, newest first",
		Example: "  crmd runs list --status failed --limit 20",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = schema.RunStatus(status)
			switch filter.Status {
			case "", schema.RunStatusRunning, schema.RunStatusCompleted, schema.RunStatusStopped, schema.RunStatusFailed:
			default:
				return fmt.Errorf("unknown status %q", status)
			}
			return root.withApp(cmd, func(a *app) error {
				runs, err := a.store.ListRuns(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if asJSON {
					if runs == nil {
						runs = []*store.WorkflowRun{}
					}
					return printJSON(cmd.OutOrStdout(), runs)
				}
				return printRunTable(cmd.OutOrStdout(), runs)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", "", "running, completed, stopped or failed")
	f.StringVar(&filter.WorkflowSlug, "workflow", "", "workflow slug")
	f.StringVar(&filter.EntityID, "entity-id", "", "entity id")
	f.StringVar(&filter.TriggeredBy, "event-id", "", "triggering event id")
	f.IntVar(&filter.Limit, "limit", 50, "maximum runs")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printRunTable(w io.Writer, runs []*store.WorkflowRun) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tWORKFLOW\tSTATUS\tENTITY\tSTARTED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.WorkflowSlug, r.Status, r.EntityID,
			r.StartedAt.Local().Format(time.DateTime), r.ErrorMessage)
	}
	return tw.Flush()
}

func newRunsShowCommand(root *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run with its step log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withApp(cmd, func(a *app) error {
				run, err := a.store.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				logs, err := a.store.ListRunLogs(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if logs == nil {
					logs = []*store.RunLog{}
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"run": run, "logs": logs})
			})
		},
	}
}
