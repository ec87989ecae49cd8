package validation

import (
	"encoding/json"
	"errors"

	"github.com/connorprovines-code/headless-crm/internal/expressions"
	"github.com/connorprovines-code/headless-crm/internal/tools"
	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// WorkflowValidator runs the three-stage pipeline:
// 1. Structural (JSON Schema)
// 2. Ordering (step_order positive and unique)
// 3. Semantic (typed configs, conditions, tool references)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	tools      ToolLookup
	exprs      *expressions.ExprEngine
}

// NewWorkflowValidator creates a WorkflowValidator. lookup may be nil to skip
// tool existence checks.
func NewWorkflowValidator(lookup ToolLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		tools:      lookup,
		exprs:      expressions.NewExprEngine(),
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}
	result.Merge(validateOrder(def))
	result.Merge(validateSemantic(def, wv.tools, wv.exprs))
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(tool string, inputSchema json.RawMessage, input map[string]any) error {
	return wv.jsonSchema.ValidateInput(tool, inputSchema, input)
}

func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var ce *schema.CRMError
	if !errors.As(err, &ce) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := ce.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, ce.Message)
	return result
}

var (
	_ Validator            = (*WorkflowValidator)(nil)
	_ tools.InputValidator = (*WorkflowValidator)(nil)
)
