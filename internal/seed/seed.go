// Package seed ships the default agents (intake, SDR and contact) and loads
// workflow definition files.
package seed

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/connorprovines-code/headless-crm/internal/store"
	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

//go:embed agents/*.yaml
var agentFS embed.FS

// Validator checks a definition before it is installed.
type Validator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
}

// Parse decodes a YAML (or JSON) workflow definition. The document passes
// through JSON so the definition's json tags are the single source of field
// names.
func Parse(data []byte) (*schema.WorkflowDefinition, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "parse workflow yaml").WithCause(err)
	}
	if doc == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow document is empty")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow document is not JSON compatible").WithCause(err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode workflow definition").WithCause(err)
	}
	return &def, nil
}

// LoadFile parses one definition file.
func LoadFile(name string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return def, nil
}

// Agents returns the embedded default agents ordered by file name.
func Agents() ([]*schema.WorkflowDefinition, error) {
	entries, err := fs.ReadDir(agentFS, "agents")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	defs := make([]*schema.WorkflowDefinition, 0, len(names))
	for _, name := range names {
		data, err := agentFS.ReadFile(path.Join("agents", name))
		if err != nil {
			return nil, err
		}
		def, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Installed reports one upserted definition.
type Installed struct {
	Slug     string                   `json:"slug"`
	ID       string                   `json:"id"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

// Install validates every definition and upserts them by slug. Nothing is
// written when any definition is invalid. v may be nil to skip validation.
func Install(ctx context.Context, ws store.WorkflowStore, v Validator, defs []*schema.WorkflowDefinition) ([]Installed, error) {
	out := make([]Installed, len(defs))
	if v != nil {
		for i, def := range defs {
			res := v.Validate(def)
			if err := res.ToError(); err != nil {
				return nil, fmt.Errorf("workflow %q: %w", def.Slug, err)
			}
			out[i].Warnings = res.Warnings
		}
	}
	for i, def := range defs {
		if err := ws.UpsertWorkflow(ctx, def); err != nil {
			return nil, fmt.Errorf("upsert workflow %q: %w", def.Slug, err)
		}
		out[i].Slug, out[i].ID = def.Slug, def.ID
	}
	return out, nil
}
