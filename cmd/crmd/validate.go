package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/connorprovines-code/headless-crm/internal/seed"
	"github.com/connorprovines-code/headless-crm/internal/store"
	"github.com/connorprovines-code/headless-crm/internal/tools"
	"github.com/connorprovines-code/headless-crm/internal/validation"
	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// fileReport is the validation outcome of one definition file.
type fileReport struct {
	File     string                   `json:"file"`
	Slug     string                   `json:"slug,omitempty"`
	Valid    bool                     `json:"valid"`
	Errors   []schema.ValidationIssue `json:"errors,omitempty"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

func newValidateCommand(root *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "validate file.yaml...",
		Short: "Validate workflow definition files without storing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Tool existence is checked against the builtins and the
			// configured providers; no database is opened.
			cat := tools.NewCatalog()
			if err := tools.RegisterBuiltins(cat, tools.BuiltinConfig{
				Records:   store.NewMemoryStore(),
				Providers: root.cfg.Enrichment.Providers,
			}); err != nil {
				return fmt.Errorf("register tools: %w", err)
			}
			validator, err := validation.NewWorkflowValidator(cat)
			if err != nil {
				return err
			}

			reports, failed := validateFiles(validator, args)
			if err := printJSON(cmd.OutOrStdout(), reports); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions invalid", failed, len(args))
			}
			return nil
		},
	}
}

func validateFiles(v seed.Validator, files []string) ([]fileReport, int) {
	reports := make([]fileReport, 0, len(files))
	failed := 0
	for _, name := range files {
		rep := fileReport{File: name}
		def, err := seed.LoadFile(name)
		if err != nil {
			rep.Errors = []schema.ValidationIssue{{
				Code:     schema.ErrCodeValidation,
				Message:  err.Error(),
				Severity: schema.SeverityError,
			}}
		} else {
			rep.Slug = def.Slug
			result := v.Validate(def)
			rep.Errors, rep.Warnings = result.Errors, result.Warnings
		}
		rep.Valid = len(rep.Errors) == 0
		if !rep.Valid {
			failed++
		}
		reports = append(reports, rep)
	}
	return reports, failed
}
