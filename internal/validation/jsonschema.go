package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

const workflowSchemaURL = "https://headless-crm.dev/schemas/workflow.json"

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition documents.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://headless-crm.dev/schemas/workflow.json",
  "type": "object",
  "required": ["slug", "name", "trigger_event", "steps"],
  "properties": {
    "id": { "type": "string" },
    "slug": {
      "type": "string",
      "pattern": "^[a-z0-9][a-z0-9_-]*$"
    },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "trigger_event": {
      "type": "string",
      "pattern": "^[a-z0-9_]+(\\.[a-z0-9_]+)+$"
    },
    "is_active": { "type": "boolean" },
    "timeout": { "$ref": "#/$defs/duration" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "step": {
      "type": "object",
      "required": ["step_order", "action_type", "action_config"],
      "properties": {
        "step_order": { "type": "integer", "minimum": 1 },
        "name": { "type": "string" },
        "action_type": {
          "type": "string",
          "enum": ["tool_call", "ai_prompt", "condition_check", "branch"]
        },
        "action_config": { "type": "object" },
        "run_conditions": {
          "type": "array",
          "items": { "$ref": "#/$defs/condition" }
        },
        "output_variable": {
          "type": "string",
          "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"
        },
        "on_error": { "type": "string", "enum": ["stop", "continue"] },
        "parallel_group": { "type": "string" }
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "action_type": { "const": "tool_call" } } },
          "then": { "properties": { "action_config": { "$ref": "#/$defs/tool_call" } } }
        },
        {
          "if": { "properties": { "action_type": { "const": "ai_prompt" } } },
          "then": { "properties": { "action_config": { "$ref": "#/$defs/ai_prompt" } } }
        },
        {
          "if": { "properties": { "action_type": { "const": "condition_check" } } },
          "then": { "properties": { "action_config": { "required": ["condition"] } } }
        },
        {
          "if": { "properties": { "action_type": { "const": "branch" } } },
          "then": { "properties": { "action_config": { "required": ["branches"], "properties": { "branches": { "type": "array" } } } } }
        }
      ]
    },
    "tool_call": {
      "type": "object",
      "required": ["tool"],
      "properties": {
        "tool": { "type": "string", "minLength": 1 },
        "input_mapping": { "type": "object" },
        "retry": { "$ref": "#/$defs/retry" }
      }
    },
    "ai_prompt": {
      "type": "object",
      "required": ["prompt_template"],
      "properties": {
        "prompt_template": { "type": "string", "minLength": 1 },
        "output_type": { "type": "string", "enum": ["text", "json"] },
        "max_tokens": { "type": "integer", "minimum": 1 },
        "model_tier": { "type": "string", "enum": ["fast", "standard", "deep"] }
      }
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 1, "maximum": 10 },
        "backoff": { "type": "string", "enum": ["none", "fixed", "exponential"] },
        "delay": { "$ref": "#/$defs/duration" },
        "max_delay": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["field", "operator"],
      "properties": {
        "field": { "type": "string", "minLength": 1 },
        "operator": {
          "type": "string",
          "enum": ["equals", "not_equals", "is_empty", "is_not_empty", "contains", "greater_than", "less_than"]
        },
        "value": {}
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates definitions against the workflow schema and
// tool inputs against per-tool schemas. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards cache.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{
		workflowSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition checks def against the workflow schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toCRMError(err)
	}
	return nil
}

// ValidateInput checks a tool input against the tool's schema. An empty
// schema accepts anything.
func (v *JSONSchemaValidator) ValidateInput(tool string, inputSchema json.RawMessage, input map[string]any) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}
	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid input schema for tool %q", tool).WithCause(err)
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "failed to serialize input for tool %q", tool).WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		ce := toCRMError(err)
		ce.Message = fmt.Sprintf("tool %q input: %s", tool, ce.Message)
		return ce
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(raw []byte) (*jsonschema.Schema, error) {
	key := string(raw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("crm://tool-input/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number, as
// the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toCRMError flattens a jsonschema.ValidationError into one CRMError whose
// details list every leaf violation.
func toCRMError(err error) *schema.CRMError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
