package main

import (
	"github.com/spf13/cobra"

	"github.com/connorprovines-code/headless-crm/internal/dispatch"
)

func newSweepCommand(root *rootCommand) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Dispatch unprocessed events once",
		Long:  "sweep dispatches one batch of unprocessed events, or keeps going with --all until the backlog is drained.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withApp(cmd, func(a *app) error {
				sweeper, err := a.newSweeper()
				if err != nil {
					return err
				}
				var stats *dispatch.SweepStats
				if all {
					stats, err = sweeper.RecoverBacklog(cmd.Context())
				} else {
					stats, err = sweeper.SweepOnce(cmd.Context())
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "sweep until the backlog is drained")
	return cmd
}
