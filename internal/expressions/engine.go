package expressions

import "context"

// Engine evaluates an expression against a data document. ExprEngine serves
// step conditions and GoJQEngine serves the data.transform tool.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
