package main

import (
	"github.com/spf13/cobra"

	crmmcp "github.com/connorprovines-code/headless-crm/pkg/mcp"
)

func newMCPCommand(root *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the CRM tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withApp(cmd, func(a *app) error {
				srv := crmmcp.NewCRMServer(crmmcp.CRMServerDeps{
					Store:      a.store,
					Dispatcher: a.dispatcher,
					Logger:     a.logger,
				})
				return srv.Serve(cmd.Context())
			})
		},
	}
}
