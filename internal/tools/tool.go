package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// EmitEventTool is the reserved pseudo-tool name handled by the engine.
const EmitEventTool = "emit_event"

// Tool is a named capability invoked by tool_call steps and branch actions.
// Provider-level failures are reported through Result; a returned error means
// the call itself broke (transport, timeout, bad input).
type Tool interface {
	Name() string
	Schema() Schema
	Execute(ctx context.Context, input map[string]any) (*Result, error)
}

// Availability is implemented by tools that depend on optional credentials.
type Availability interface {
	Available() bool
}

// Schema describes a tool for listings and input validation.
type Schema struct {
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Result is the capability contract: {success, data?, error?}.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK wraps data in a successful Result.
func OK(data any) *Result {
	return &Result{Success: true, Data: data}
}

// Fail builds an unsuccessful Result.
func Fail(format string, args ...any) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Kind tells which registry a tool was found in.
type Kind string

const (
	KindEnrichment Kind = "enrichment"
	KindTool       Kind = "tool"
)

// Info is a summary of a registered tool for listing.
type Info struct {
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	Description string `json:"description,omitempty"`
	Available   bool   `json:"available"`
}

// IsAvailable reports whether t can run; tools without credentials to check
// are always available.
func IsAvailable(t Tool) bool {
	if a, ok := t.(Availability); ok {
		return a.Available()
	}
	return true
}

// Param helpers shared by the builtin tools.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return strings.TrimSpace(s)
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func mapParam(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}
