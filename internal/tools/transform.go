package tools

import (
	"context"
	"encoding/json"

	"github.com/connorprovines-code/headless-crm/internal/expressions"
)

const transformInputSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1},
    "data": {"type": "object"}
  },
  "required": ["query", "data"]
}`

// TransformTool implements "data.transform": a jq program applied to an
// object, typically to reshape an enrichment payload before scoring.
type TransformTool struct {
	engine *expressions.GoJQEngine
}

// NewTransformTool creates the data.transform tool.
func NewTransformTool(engine *expressions.GoJQEngine) *TransformTool {
	if engine == nil {
		engine = expressions.NewGoJQEngine()
	}
	return &TransformTool{engine: engine}
}

func (t *TransformTool) Name() string { return "data.transform" }

func (t *TransformTool) Schema() Schema {
	return Schema{
		Description: "Reshape an object with a jq program.",
		InputSchema: json.RawMessage(transformInputSchema),
	}
}

func (t *TransformTool) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	query := stringParam(input, "query", "")
	if query == "" {
		return Fail("query is required"), nil
	}
	data := mapParam(input, "data")
	if data == nil {
		return Fail("data must be an object"), nil
	}
	out, err := t.engine.Evaluate(ctx, query, data)
	if err != nil {
		// A bad program is a definition problem, not a transient failure.
		return Fail("%s", err.Error()), nil
	}
	return OK(out), nil
}
