package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// WorkflowDefinition is a stored, declarative agent: an ordered list of steps
// fired by one event type. The engine treats it as read-only.
type WorkflowDefinition struct {
	ID           string         `json:"id,omitempty"`
	Slug         string         `json:"slug"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	TriggerEvent string         `json:"trigger_event"`
	IsActive     bool           `json:"is_active"`
	Steps        []WorkflowStep `json:"steps"`
	Timeout      string         `json:"timeout,omitempty"` // run wall-clock budget, e.g. "2m"
	CreatedAt    time.Time      `json:"created_at,omitzero"`
	UpdatedAt    time.Time      `json:"updated_at,omitzero"`
}

// OrderedSteps returns a copy of the steps sorted by ascending step_order.
func (d *WorkflowDefinition) OrderedSteps() []WorkflowStep {
	steps := make([]WorkflowStep, len(d.Steps))
	copy(steps, d.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
	return steps
}

// RunTimeout parses Timeout, returning 0 when unset or malformed.
func (d *WorkflowDefinition) RunTimeout() time.Duration {
	if d.Timeout == "" {
		return 0
	}
	dur, err := time.ParseDuration(d.Timeout)
	if err != nil || dur < 0 {
		return 0
	}
	return dur
}

// ActionType enumerates the closed set of step kinds.
type ActionType string

const (
	ActionToolCall       ActionType = "tool_call"
	ActionAIPrompt       ActionType = "ai_prompt"
	ActionConditionCheck ActionType = "condition_check"
	ActionBranch         ActionType = "branch"
)

// OnErrorPolicy decides what a failed step does to the run.
type OnErrorPolicy string

const (
	OnErrorStop     OnErrorPolicy = "stop"
	OnErrorContinue OnErrorPolicy = "continue"
)

// WorkflowStep describes a single step. ActionConfig is decoded into the
// typed config matching ActionType when the step is built.
type WorkflowStep struct {
	StepOrder      int            `json:"step_order"`
	Name           string         `json:"name"`
	ActionType     ActionType     `json:"action_type"`
	ActionConfig   map[string]any `json:"action_config"`
	RunConditions  []Condition    `json:"run_conditions,omitempty"`
	OutputVariable string         `json:"output_variable,omitempty"`
	OnError        OnErrorPolicy  `json:"on_error,omitempty"`
	ParallelGroup  string         `json:"parallel_group,omitempty"` // advisory only, never changes execution order
}

// ContinueOnError reports whether a failure of this step is absorbed.
func (s *WorkflowStep) ContinueOnError() bool {
	return s.OnError == OnErrorContinue
}

// ErrorVariable is the context key that receives the error marker when the
// step fails under on_error=continue.
func (s *WorkflowStep) ErrorVariable() string {
	if s.OutputVariable != "" {
		return s.OutputVariable
	}
	return fmt.Sprintf("step_%d_error", s.StepOrder)
}

// DisplayName returns Name, or a synthesized label when Name is empty.
func (s *WorkflowStep) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("%s_%d", s.ActionType, s.StepOrder)
}

// ConditionOperator enumerates run-guard comparison operators.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "not_equals"
	OpIsEmpty     ConditionOperator = "is_empty"
	OpIsNotEmpty  ConditionOperator = "is_not_empty"
	OpContains    ConditionOperator = "contains"
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
)

// Condition is one structured run-guard entry.
type Condition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    any               `json:"value,omitempty"`
}

// RetryPolicy configures retries of a tool call above the capability contract.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`
	Backoff     string `json:"backoff,omitempty"`   // none | fixed | exponential (default: exponential)
	Delay       string `json:"delay,omitempty"`     // initial delay, e.g. "500ms"
	MaxDelay    string `json:"max_delay,omitempty"` // cap for exponential backoff
}

// ToolCallConfig is the action_config of a tool_call step.
type ToolCallConfig struct {
	Tool         string         `json:"tool"`
	InputMapping map[string]any `json:"input_mapping,omitempty"`
	Retry        *RetryPolicy   `json:"retry,omitempty"`
}

// Prompt output types.
const (
	OutputText = "text"
	OutputJSON = "json"
)

// PromptConfig is the action_config of an ai_prompt step.
type PromptConfig struct {
	PromptTemplate string `json:"prompt_template"`
	OutputType     string `json:"output_type,omitempty"`
	MaxTokens      int    `json:"max_tokens,omitempty"`
	ModelTier      string `json:"model_tier,omitempty"`
}

// ConditionConfig is the action_config of a condition_check step.
type ConditionConfig struct {
	Condition string        `json:"condition"`
	OnTrue    *BranchAction `json:"on_true,omitempty"`
	OnFalse   *BranchAction `json:"on_false,omitempty"`
}

// BranchCase is one arm of a branch step.
type BranchCase struct {
	Name      string       `json:"name,omitempty"`
	Condition string       `json:"condition"`
	Action    BranchAction `json:"-"`
}

// UnmarshalJSON reads the arm's action from "action" or legacy "then",
// accepting either a full descriptor or the descriptor fields inlined in the
// arm itself.
func (c *BranchCase) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["name"]; ok {
		if err := json.Unmarshal(v, &c.Name); err != nil {
			return fmt.Errorf("branch name: %w", err)
		}
	}
	if v, ok := raw["condition"]; ok {
		if err := json.Unmarshal(v, &c.Condition); err != nil {
			return fmt.Errorf("branch condition: %w", err)
		}
	}
	delete(raw, "name")
	delete(raw, "condition")

	for _, key := range []string{"action", "then"} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		// {"then": {...descriptor...}} or {"action": "stop", "reason": ...}
		if len(v) > 0 && v[0] == '{' {
			return json.Unmarshal(v, &c.Action)
		}
	}
	rest, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(rest, &c.Action)
}

// MarshalJSON writes the arm in the canonical "action" shape.
func (c BranchCase) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name      string       `json:"name,omitempty"`
		Condition string       `json:"condition"`
		Action    BranchAction `json:"action"`
	}{c.Name, c.Condition, c.Action})
}

// BranchConfig is the action_config of a branch step.
type BranchConfig struct {
	Branches []BranchCase `json:"branches"`
}

// BranchActionKind is the control effect of a branch action.
type BranchActionKind string

const (
	BranchContinue  BranchActionKind = "continue"
	BranchStop      BranchActionKind = "stop"
	BranchEmitEvent BranchActionKind = "emit_event"
)

// BranchAction is the canonical branch-action descriptor shared by
// condition_check and branch steps. Tool, when set, is invoked with Input
// before the control effect applies.
type BranchAction struct {
	Kind       BranchActionKind `json:"action"`
	Reason     string           `json:"reason,omitempty"`
	EventType  string           `json:"event_type,omitempty"`
	EntityType string           `json:"entity_type,omitempty"`
	EntityID   string           `json:"entity_id,omitempty"`
	Payload    map[string]any   `json:"payload,omitempty"`
	Tool       string           `json:"tool,omitempty"`
	Input      map[string]any   `json:"input,omitempty"`
}

// UnmarshalJSON normalizes the "action"-keyed, legacy "then"-keyed and bare
// string shapes into one BranchAction.
func (a *BranchAction) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		*a = BranchAction{Kind: BranchActionKind(strings.TrimSpace(bare))}
		return a.check()
	}

	var raw struct {
		Action     string         `json:"action"`
		Then       string         `json:"then"`
		Reason     string         `json:"reason"`
		EventType  string         `json:"event_type"`
		Event      string         `json:"event"`
		EntityType string         `json:"entity_type"`
		EntityID   string         `json:"entity_id"`
		Payload    map[string]any `json:"payload"`
		Tool       string         `json:"tool"`
		Input      map[string]any `json:"input"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("branch action: %w", err)
	}

	kind := raw.Action
	if kind == "" {
		kind = raw.Then
	}
	eventType := raw.EventType
	if eventType == "" {
		eventType = raw.Event
	}
	if kind == "" && eventType != "" {
		kind = string(BranchEmitEvent)
	}
	if kind == "" {
		kind = string(BranchContinue)
	}

	*a = BranchAction{
		Kind:       BranchActionKind(strings.TrimSpace(kind)),
		Reason:     raw.Reason,
		EventType:  eventType,
		EntityType: raw.EntityType,
		EntityID:   raw.EntityID,
		Payload:    raw.Payload,
		Tool:       raw.Tool,
		Input:      raw.Input,
	}
	return a.check()
}

func (a *BranchAction) check() error {
	switch a.Kind {
	case BranchContinue, BranchStop:
		return nil
	case BranchEmitEvent:
		if a.EventType == "" {
			return fmt.Errorf("branch action emit_event requires event_type")
		}
		return nil
	default:
		return fmt.Errorf("unknown branch action %q", a.Kind)
	}
}

// DecodeConfig decodes a step's loosely typed action_config into out.
func DecodeConfig(cfg map[string]any, out any) error {
	if cfg == nil {
		cfg = map[string]any{}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode action_config: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode action_config: %w", err)
	}
	return nil
}
