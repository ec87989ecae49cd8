package validation

import (
	"encoding/json"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// Validator checks workflow definitions before they are stored, and tool
// inputs before they are executed. Schemas use JSON Schema Draft 2020-12.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(tool string, inputSchema json.RawMessage, input map[string]any) error
}

// ToolLookup reports whether a tool name resolves in the catalog.
type ToolLookup interface {
	Has(name string) bool
}
