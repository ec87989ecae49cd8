package main

import (
	"fmt"

	"github.com/spf13/cobra"

	crmmcp "github.com/connorprovines-code/headless-crm/pkg/mcp"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/crmd/
var version = "dev"

func init() {
	crmmcp.Version = version
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the crmd version",
		Args:  cobra.NoArgs,
		// Needs no config.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
