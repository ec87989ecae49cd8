package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/connorprovines-code/headless-crm/internal/dispatch"
	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

func newDispatchCommand(root *rootCommand) *cobra.Command {
	var (
		file       string
		evt        schema.Event
		payloadRaw string
		mode       string
	)
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch one event and print the result",
		Example: `  crmd dispatch --type contact.created --entity-type contact --entity-id C1 --payload '{"email":"ana@acme.io"}'
  crmd dispatch --file envelope.json
  cat envelope.json | crmd dispatch --file -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target := &evt
			if file != "" {
				in, err := readIntake(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
				if in.Ignored {
					return printJSON(cmd.OutOrStdout(), map[string]any{"ignored": true, "reason": in.Reason})
				}
				target = in.Event
			} else {
				if evt.Type == "" {
					return fmt.Errorf("--type or --file is required")
				}
				evt.Payload = map[string]any{}
				if payloadRaw != "" {
					if err := json.Unmarshal([]byte(payloadRaw), &evt.Payload); err != nil {
						return fmt.Errorf("--payload must be a JSON object: %w", err)
					}
				}
			}
			if mode != "" {
				root.cfg.Dispatch.EmitMode = mode
			}

			return root.withApp(cmd, func(a *app) error {
				res, err := a.dispatcher.Dispatch(cmd.Context(), target)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&file, "file", "f", "", "event object or webhook envelope JSON file (- for stdin)")
	f.StringVar(&evt.ID, "id", "", "event id (default: generated)")
	f.StringVar(&evt.Type, "type", "", "event type, e.g. contact.created")
	f.StringVar(&evt.EntityType, "entity-type", "", "entity type")
	f.StringVar(&evt.EntityID, "entity-id", "", "entity id")
	f.StringVar(&evt.TeamID, "team-id", "", "owning team")
	f.StringVar(&payloadRaw, "payload", "", "payload JSON object")
	f.StringVar(&mode, "emit-mode", "", "override dispatch.emit_mode: queue or inline")
	return cmd
}

func readIntake(stdin io.Reader, file string) (*dispatch.Intake, error) {
	var (
		body []byte
		err  error
	)
	if file == "-" {
		body, err = io.ReadAll(stdin)
	} else {
		body, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("read event: %w", err)
	}
	return dispatch.NormalizeEnvelope(body)
}
