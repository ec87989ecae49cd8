package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/connorprovines-code/headless-crm/internal/seed"
	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

func newSeedCommand(root *rootCommand) *cobra.Command {
	var noDefaults bool
	cmd := &cobra.Command{
		Use:   "seed [file.yaml...]",
		Short: "Install the default agents and any extra workflow files",
		Long: `seed validates and upserts the embedded intake, SDR and contact agents
plus every workflow definition file given as an argument. Nothing is written
unless every definition is valid.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var defs []*schema.WorkflowDefinition
			if !noDefaults {
				agents, err := seed.Agents()
				if err != nil {
					return fmt.Errorf("load default agents: %w", err)
				}
				defs = append(defs, agents...)
			}
			for _, name := range args {
				def, err := seed.LoadFile(name)
				if err != nil {
					return err
				}
				defs = append(defs, def)
			}
			if len(defs) == 0 {
				return fmt.Errorf("nothing to seed")
			}

			return root.withApp(cmd, func(a *app) error {
				installed, err := seed.Install(cmd.Context(), a.store, a.validator, defs)
				if err != nil {
					return err
				}
				for _, in := range installed {
					root.logger.Info("workflow installed", "slug", in.Slug, "id", in.ID, "warnings", len(in.Warnings))
				}
				return printJSON(cmd.OutOrStdout(), installed)
			})
		},
	}
	cmd.Flags().BoolVar(&noDefaults, "no-defaults", false, "skip the embedded default agents")
	return cmd
}
