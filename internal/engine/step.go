package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/connorprovines-code/headless-crm/internal/expressions"
	"github.com/connorprovines-code/headless-crm/internal/llm"
	"github.com/connorprovines-code/headless-crm/internal/logging"
	"github.com/connorprovines-code/headless-crm/internal/tools"
	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// StepResult is the uniform outcome of one step invocation.
type StepResult struct {
	Success    bool
	Output     any
	Error      string
	Stop       bool
	StopReason string
	Emit       *schema.EmitEvent

	// Unavailable marks a step whose capability was not configured. It is
	// set on failed tool calls and on skipped (successful) prompts alike.
	Unavailable bool

	// Input is the resolved input recorded in the run log.
	Input any
}

func failed(input any, format string, args ...any) *StepResult {
	return &StepResult{Input: input, Error: fmt.Sprintf(format, args...)}
}

// ToolInvoker runs named capabilities. *tools.Catalog implements it.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, input map[string]any, opts ...tools.InvokeOption) (*tools.Result, error)
}

// stepEnv carries the collaborators a step needs. It is shared by all runs
// and holds no per-run state.
type stepEnv struct {
	tools       ToolInvoker
	completer   llm.Completer
	exprs       *expressions.ExprEngine
	callTimeout time.Duration
	logger      *slog.Logger
}

func (env *stepEnv) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if env.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, env.callTimeout)
}

// Step is one of the four step kinds. The set is closed.
type Step interface {
	Kind() schema.ActionType
	Execute(ctx context.Context, env *stepEnv, vars map[string]any) *StepResult
	sealed()
}

// BuildStep decodes the step's action_config into its typed step.
func BuildStep(def schema.WorkflowStep) (Step, error) {
	switch def.ActionType {
	case schema.ActionToolCall:
		s := &ToolCallStep{}
		if err := schema.DecodeConfig(def.ActionConfig, &s.Config); err != nil {
			return nil, err
		}
		if s.Config.Tool == "" {
			return nil, fmt.Errorf("tool_call requires action_config.tool")
		}
		return s, nil
	case schema.ActionAIPrompt:
		s := &PromptStep{}
		if err := schema.DecodeConfig(def.ActionConfig, &s.Config); err != nil {
			return nil, err
		}
		if s.Config.PromptTemplate == "" {
			return nil, fmt.Errorf("ai_prompt requires action_config.prompt_template")
		}
		return s, nil
	case schema.ActionConditionCheck:
		s := &ConditionStep{}
		if err := schema.DecodeConfig(def.ActionConfig, &s.Config); err != nil {
			return nil, err
		}
		return s, nil
	case schema.ActionBranch:
		s := &BranchStep{}
		if err := schema.DecodeConfig(def.ActionConfig, &s.Config); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown action_type %q", def.ActionType)
	}
}

// --- tool_call ---

// ToolCallStep invokes a named capability with a resolved input mapping.
type ToolCallStep struct {
	Config schema.ToolCallConfig
}

func (*ToolCallStep) Kind() schema.ActionType { return schema.ActionToolCall }
func (*ToolCallStep) sealed()                 {}

func (s *ToolCallStep) Execute(ctx context.Context, env *stepEnv, vars map[string]any) *StepResult {
	input := expressions.ResolveMap(s.Config.InputMapping, vars)
	if input == nil {
		input = map[string]any{}
	}

	// emit_event never performs the emission itself; the executor does.
	if s.Config.Tool == tools.EmitEventTool {
		emit, err := emitFromInput(input)
		if err != nil {
			return failed(input, "%s", err.Error())
		}
		return &StepResult{Success: true, Input: input, Output: emitOutput(emit), Emit: emit}
	}

	var opts []tools.InvokeOption
	if s.Config.Retry != nil {
		opts = append(opts, tools.Retry(s.Config.Retry))
	}
	return invokeTool(ctx, env, s.Config.Tool, input, opts...)
}

// invokeTool calls name with the per-call budget applied to each attempt;
// the run context still bounds the call as a whole.
func invokeTool(ctx context.Context, env *stepEnv, name string, input map[string]any, opts ...tools.InvokeOption) *StepResult {
	if env.callTimeout > 0 {
		opts = append(opts, tools.Timeout(env.callTimeout))
	}
	res, err := env.tools.Invoke(ctx, name, input, opts...)
	if err != nil {
		r := failed(input, "%s", err.Error())
		if schema.ErrorCode(err) == schema.ErrCodeToolUnavailable {
			r.Unavailable = true
			logging.LogWith(ctx, env.logger).Warn("tool unavailable", "tool", name)
		}
		return r
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = fmt.Sprintf("tool %q reported failure", name)
		}
		return &StepResult{Input: input, Output: res.Data, Error: msg}
	}
	return &StepResult{Success: true, Input: input, Output: res.Data}
}

func emitFromInput(input map[string]any) (*schema.EmitEvent, error) {
	eventType, _ := input["event_type"].(string)
	if strings.TrimSpace(eventType) == "" {
		return nil, fmt.Errorf("emit_event requires event_type")
	}
	emit := &schema.EmitEvent{EventType: eventType}
	emit.EntityType, _ = input["entity_type"].(string)
	emit.EntityID, _ = input["entity_id"].(string)
	emit.Payload, _ = input["payload"].(map[string]any)
	return emit, nil
}

func emitOutput(e *schema.EmitEvent) map[string]any {
	out := map[string]any{"emitted": true, "event_type": e.EventType}
	if e.EntityType != "" {
		out["entity_type"] = e.EntityType
	}
	if e.EntityID != "" {
		out["entity_id"] = e.EntityID
	}
	return out
}

// --- ai_prompt ---

// PromptStep renders a prompt and asks the language model for a completion.
type PromptStep struct {
	Config schema.PromptConfig
}

func (*PromptStep) Kind() schema.ActionType { return schema.ActionAIPrompt }
func (*PromptStep) sealed()                 {}

var jsonFence = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

func skippedPrompt(input any) *StepResult {
	return &StepResult{
		Success:     true,
		Unavailable: true,
		Input:       input,
		Output:      map[string]any{"skipped": true, "reason": "No API key"},
	}
}

func (s *PromptStep) Execute(ctx context.Context, env *stepEnv, vars map[string]any) *StepResult {
	prompt := expressions.Resolve(s.Config.PromptTemplate, vars)
	req := llm.Request{
		Prompt:    prompt,
		MaxTokens: s.Config.MaxTokens,
		Tier:      s.Config.ModelTier,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = llm.DefaultMaxTokens
	}
	if req.Tier == "" {
		req.Tier = llm.TierStandard
	}
	input := map[string]any{"prompt": prompt, "max_tokens": req.MaxTokens, "model_tier": req.Tier}

	if env.completer == nil || !env.completer.Available() {
		logging.LogWith(ctx, env.logger).Warn("language model unavailable, prompt skipped")
		return skippedPrompt(input)
	}

	callCtx, cancel := env.callContext(ctx)
	defer cancel()
	comp, err := env.completer.Complete(callCtx, req)
	if err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeLLMUnavailable {
			return skippedPrompt(input)
		}
		return failed(input, "completion failed: %s", err.Error())
	}

	if s.Config.OutputType != schema.OutputJSON {
		return &StepResult{Success: true, Input: input, Output: comp.Text}
	}
	parsed, err := ParseJSONOutput(comp.Text)
	if err != nil {
		r := failed(input, "parse JSON response: %s", err.Error())
		r.Output = map[string]any{"raw": comp.Text}
		return r
	}
	return &StepResult{Success: true, Input: input, Output: parsed}
}

// ParseJSONOutput extracts a fenced ```json block if present, else parses the
// whole text.
func ParseJSONOutput(text string) (any, error) {
	body := text
	if m := jsonFence.FindStringSubmatch(text); m != nil {
		body = m[1]
	}
	var v any
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// --- condition_check ---

// ConditionStep evaluates one expression and routes to on_true or on_false.
type ConditionStep struct {
	Config schema.ConditionConfig
}

func (*ConditionStep) Kind() schema.ActionType { return schema.ActionConditionCheck }
func (*ConditionStep) sealed()                 {}

func (s *ConditionStep) Execute(ctx context.Context, env *stepEnv, vars map[string]any) *StepResult {
	input := map[string]any{"condition": s.Config.Condition}
	result, err := env.exprs.EvaluateBool(ctx, s.Config.Condition, vars)
	if err != nil {
		logging.LogWith(ctx, env.logger).Debug("condition evaluation failed, treating as false",
			"condition", s.Config.Condition, "error", err)
		result = false
	}

	action := s.Config.OnFalse
	if result {
		action = s.Config.OnTrue
	}
	out := map[string]any{"result": result}
	if action == nil {
		return &StepResult{Success: true, Input: input, Output: out}
	}
	return applyBranchAction(ctx, env, action, vars, input, out)
}

// --- branch ---

// BranchStep runs the action of the first branch whose condition holds.
type BranchStep struct {
	Config schema.BranchConfig
}

func (*BranchStep) Kind() schema.ActionType { return schema.ActionBranch }
func (*BranchStep) sealed()                 {}

func (s *BranchStep) Execute(ctx context.Context, env *stepEnv, vars map[string]any) *StepResult {
	input := map[string]any{"branches": len(s.Config.Branches)}
	for i := range s.Config.Branches {
		b := &s.Config.Branches[i]
		ok, err := env.exprs.EvaluateBool(ctx, b.Condition, vars)
		if err != nil {
			logging.LogWith(ctx, env.logger).Debug("branch condition failed, skipping",
				"branch", i, "condition", b.Condition, "error", err)
			continue
		}
		if !ok {
			continue
		}
		out := map[string]any{"matched": true, "branch": i}
		if b.Name != "" {
			out["name"] = b.Name
		}
		return applyBranchAction(ctx, env, &b.Action, vars, input, out)
	}
	return &StepResult{Success: true, Input: input, Output: map[string]any{"no_match": true}}
}

// applyBranchAction runs the optional side-effect tool, then applies the
// control effect. out is extended and becomes the step output.
func applyBranchAction(ctx context.Context, env *stepEnv, a *schema.BranchAction, vars map[string]any, input, out map[string]any) *StepResult {
	out["action"] = string(a.Kind)

	// Resolved up front so an unresolvable emission fails before any side
	// effect runs.
	var emit *schema.EmitEvent
	if a.Kind == schema.BranchEmitEvent {
		eventType, ok := resolveField(a.EventType, vars)
		if !ok {
			return failed(input, "emit_event: event_type %q did not resolve", a.EventType)
		}
		emit = &schema.EmitEvent{EventType: eventType, Payload: expressions.ResolveMap(a.Payload, vars)}
		emit.EntityType, _ = resolveField(a.EntityType, vars)
		emit.EntityID, _ = resolveField(a.EntityID, vars)
	}

	if a.Tool != "" {
		toolInput := expressions.ResolveMap(a.Input, vars)
		r := invokeTool(ctx, env, a.Tool, toolInput)
		if !r.Success {
			r.Input = input
			r.Error = fmt.Sprintf("branch tool %q: %s", a.Tool, r.Error)
			return r
		}
		out["tool_result"] = r.Output
	}

	res := &StepResult{Success: true, Input: input, Output: out}
	switch a.Kind {
	case schema.BranchStop:
		res.Stop = true
		res.StopReason = expressions.Resolve(a.Reason, vars)
		if res.StopReason != "" {
			out["reason"] = res.StopReason
		}
	case schema.BranchEmitEvent:
		res.Emit = emit
		out["event_type"] = emit.EventType
	}
	return res
}

// resolveField renders a single-valued template. A field whose placeholders
// miss, or that resolves to null or blank, is unset.
func resolveField(tmpl string, vars map[string]any) (string, bool) {
	v, ok := expressions.ResolveValue(tmpl, vars)
	if !ok || v == nil {
		return "", false
	}
	s := strings.TrimSpace(expressions.Stringify(v))
	return s, s != ""
}
