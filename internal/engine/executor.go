package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/connorprovines-code/headless-crm/internal/expressions"
	"github.com/connorprovines-code/headless-crm/internal/llm"
	"github.com/connorprovines-code/headless-crm/internal/logging"
	"github.com/connorprovines-code/headless-crm/internal/store"
	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// Default budgets.
const (
	DefaultRunTimeout  = 5 * time.Minute
	DefaultCallTimeout = 30 * time.Second
)

// Emitter receives follow-up events requested by steps. Entity fields of
// emit are already defaulted from the triggering event.
type Emitter interface {
	Emit(ctx context.Context, parent *schema.Event, emit schema.EmitEvent) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, parent *schema.Event, emit schema.EmitEvent) error

func (f EmitterFunc) Emit(ctx context.Context, parent *schema.Event, emit schema.EmitEvent) error {
	return f(ctx, parent, emit)
}

// RunOutcome summarizes one workflow run.
type RunOutcome struct {
	RunID        string             `json:"run_id,omitempty"`
	WorkflowID   string             `json:"workflow_id"`
	WorkflowSlug string             `json:"workflow_slug"`
	Status       schema.RunStatus   `json:"status"`
	StopReason   string             `json:"stop_reason,omitempty"`
	Error        string             `json:"error,omitempty"`
	StepsRun     int                `json:"steps_run"`
	StepsSkipped int                `json:"steps_skipped"`
	Emitted      []schema.EmitEvent `json:"emitted,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	CompletedAt  time.Time          `json:"completed_at"`

	// Context is the final execution context.
	Context map[string]any `json:"-"`
}

// Config holds executor budgets.
type Config struct {
	RunTimeout  time.Duration // default wall-clock budget per run
	CallTimeout time.Duration // budget per tool or completion call
}

// Executor interprets workflow definitions. It keeps no per-run state, so a
// single Executor serves concurrent runs.
type Executor struct {
	runs   store.RunStore
	env    *stepEnv
	fsm    *RunFSM
	cfg    Config
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithCompleter sets the language-model client used by ai_prompt steps.
func WithCompleter(c llm.Completer) Option {
	return func(e *Executor) { e.env.completer = c }
}

// WithFSM replaces the run state machine, e.g. to register hooks.
func WithFSM(f *RunFSM) Option {
	return func(e *Executor) { e.fsm = f }
}

// NewExecutor creates an Executor persisting to runs and invoking tools.
func NewExecutor(runs store.RunStore, tools ToolInvoker, cfg Config, opts ...Option) *Executor {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	e := &Executor{
		runs: runs,
		env: &stepEnv{
			tools:       tools,
			completer:   llm.Unavailable{},
			exprs:       expressions.NewExprEngine(),
			callTimeout: cfg.CallTimeout,
		},
		fsm:    NewRunFSM(),
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.env.logger = e.logger
	return e
}

// runState is owned by exactly one Run call.
type runState struct {
	runID   string
	vars    map[string]any
	current *schema.WorkflowStep
	logged  bool // current step already has its run-log row

	status     schema.RunStatus
	stop       bool
	stopReason string
	err        error

	stepsRun     int
	stepsSkipped int
	emitted      []schema.EmitEvent
}

func (st *runState) fail(err error) {
	st.err = err
	st.stop = true
}

// Run executes def against a context seeded from evt. Workflow-level
// failures are reported in the outcome, never as a panic or error.
func (e *Executor) Run(ctx context.Context, def *schema.WorkflowDefinition, evt *schema.Event, emitter Emitter) *RunOutcome {
	ctx = logging.WithWorkflow(logging.WithEventID(ctx, evt.ID), def.Slug)
	startedAt := time.Now().UTC()
	outcome := &RunOutcome{
		WorkflowID:   def.ID,
		WorkflowSlug: def.Slug,
		StartedAt:    startedAt,
	}

	st := &runState{vars: evt.Seed(), status: schema.RunStatusRunning}
	run := &store.WorkflowRun{
		WorkflowID:   def.ID,
		WorkflowSlug: def.Slug,
		TriggeredBy:  evt.ID,
		EntityType:   evt.EntityType,
		EntityID:     evt.EntityID,
		Status:       schema.RunStatusRunning,
		StartedAt:    startedAt,
		Context:      evt.Seed(),
	}
	if err := e.runs.InsertRun(ctx, run); err != nil {
		logging.LogWith(ctx, e.logger).Error("insert run failed", "error", err)
		outcome.Status = schema.RunStatusFailed
		outcome.Error = fmt.Sprintf("insert run: %s", err)
		outcome.CompletedAt = time.Now().UTC()
		return outcome
	}
	st.runID = run.ID
	outcome.RunID = run.ID
	ctx = logging.WithRunID(ctx, run.ID)

	timeout := def.RunTimeout()
	if timeout <= 0 {
		timeout = e.cfg.RunTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logging.LogWith(ctx, e.logger).Info("run started", "steps", len(def.Steps), "timeout", timeout)
	e.execute(runCtx, def, evt, emitter, st, timeout)
	e.finalize(context.WithoutCancel(ctx), st, outcome)
	return outcome
}

// execute runs the step loop. A panic anywhere inside is converted into a
// run failure so the run row never stays at running.
func (e *Executor) execute(ctx context.Context, def *schema.WorkflowDefinition, evt *schema.Event, emitter Emitter, st *runState, timeout time.Duration) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		perr := schema.NewErrorf(schema.ErrCodeRunPanic, "unexpected panic: %v", r)
		if st.current != nil {
			perr = perr.WithStep(st.current.StepOrder)
			if !st.logged {
				e.writeLog(context.WithoutCancel(ctx), st, st.current, schema.StepStatusFailed, nil, nil, perr.Message)
			}
		}
		logging.LogWith(ctx, e.logger).Error("run panicked", "panic", r)
		st.fail(perr)
	}()

	steps := def.OrderedSteps()
	for i := range steps {
		if st.stop {
			break
		}
		step := &steps[i]
		if ctx.Err() != nil {
			st.fail(runTimeoutError(ctx, timeout))
			break
		}
		st.current, st.logged = step, false
		stepCtx := logging.WithStep(ctx, step.StepOrder)

		if len(step.RunConditions) > 0 && !expressions.EvaluateConditions(step.RunConditions, st.vars) {
			logging.LogWith(stepCtx, e.logger).Debug("step guard false, skipping", "step", step.DisplayName())
			e.writeLog(stepCtx, st, step, schema.StepStatusSkipped, nil, nil, "")
			st.stepsSkipped++
			continue
		}

		res := e.executeStep(stepCtx, step, st.vars)
		st.stepsRun++

		status := schema.StepStatusCompleted
		if !res.Success {
			status = schema.StepStatusFailed
		}
		e.writeLog(stepCtx, st, step, status, res.Input, res.Output, res.Error)

		if ctx.Err() != nil {
			st.fail(runTimeoutError(ctx, timeout))
			break
		}

		if !res.Success {
			logging.LogWith(stepCtx, e.logger).Warn("step failed", "step", step.DisplayName(), "error", res.Error)
			decision := HandleStepError(step, res.Error)
			if decision.Handled {
				st.vars[decision.Variable] = decision.Marker
				continue
			}
			st.fail(schema.NewErrorf(schema.ErrCodeStepFailed, "step %d (%s) failed: %s",
				step.StepOrder, step.DisplayName(), res.Error).WithStep(step.StepOrder))
			break
		}

		if step.OutputVariable != "" && res.Output != nil {
			st.vars[step.OutputVariable] = res.Output
		}
		if res.Stop {
			st.stop = true
			st.stopReason = res.StopReason
			logging.LogWith(stepCtx, e.logger).Info("run stopped by step", "step", step.DisplayName(), "reason", res.StopReason)
		}
		if res.Emit != nil {
			emit := *res.Emit
			if emit.EntityType == "" {
				emit.EntityType = evt.EntityType
			}
			if emit.EntityID == "" {
				emit.EntityID = evt.EntityID
			}
			if emitter != nil {
				if err := emitter.Emit(stepCtx, evt, emit); err != nil {
					st.fail(schema.NewErrorf(schema.ErrCodeExecution, "emit %s: %s", emit.EventType, err).
						WithStep(step.StepOrder).WithCause(err))
					break
				}
			}
			st.emitted = append(st.emitted, emit)
		}
	}
	st.current = nil
}

func (e *Executor) executeStep(ctx context.Context, def *schema.WorkflowStep, vars map[string]any) *StepResult {
	step, err := BuildStep(*def)
	if err != nil {
		return failed(nil, "invalid step config: %s", err.Error())
	}
	return step.Execute(ctx, e.env, vars)
}

func runTimeoutError(ctx context.Context, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "run timed out after %s", timeout)
	}
	return schema.NewError(schema.ErrCodeExecution, "run cancelled").WithCause(ctx.Err())
}

// writeLog appends one run-log row. A failed write is logged and does not
// affect the run.
func (e *Executor) writeLog(ctx context.Context, st *runState, step *schema.WorkflowStep, status schema.StepStatus, input, output any, msg string) {
	st.logged = true
	row := &store.RunLog{
		RunID:        st.runID,
		StepOrder:    step.StepOrder,
		StepName:     step.DisplayName(),
		Status:       status,
		Input:        input,
		Output:       output,
		ErrorMessage: msg,
	}
	if err := e.runs.InsertRunLog(context.WithoutCancel(ctx), row); err != nil {
		logging.LogWith(ctx, e.logger).Error("insert run log failed", "step", step.StepOrder, "error", err)
	}
}

func (e *Executor) finalize(ctx context.Context, st *runState, outcome *RunOutcome) {
	final := schema.RunStatusCompleted
	switch {
	case st.err != nil:
		final = schema.RunStatusFailed
	case st.stop:
		final = schema.RunStatusStopped
	}

	var errMsg string
	if st.err != nil {
		errMsg = st.err.Error()
		var ce *schema.CRMError
		if errors.As(st.err, &ce) {
			errMsg = ce.Message
		}
	}

	if err := e.fsm.Transition(ctx, st.runID, st.status, final); err != nil {
		logging.LogWith(ctx, e.logger).Error("run transition rejected", "error", err)
	}
	st.status = final

	completedAt := time.Now().UTC()
	if err := e.runs.UpdateRun(ctx, st.runID, store.RunUpdate{
		Status:       final,
		CompletedAt:  completedAt,
		FinalContext: st.vars,
		ErrorMessage: errMsg,
	}); err != nil {
		logging.LogWith(ctx, e.logger).Error("finalize run failed", "error", err)
	}

	outcome.Status = final
	outcome.StopReason = st.stopReason
	outcome.Error = errMsg
	outcome.StepsRun = st.stepsRun
	outcome.StepsSkipped = st.stepsSkipped
	outcome.Emitted = st.emitted
	outcome.CompletedAt = completedAt
	outcome.Context = st.vars

	log := logging.LogWith(ctx, e.logger)
	if final == schema.RunStatusFailed {
		log.Warn("run failed", "error", errMsg, "steps_run", st.stepsRun)
		return
	}
	log.Info("run finished", "status", final, "steps_run", st.stepsRun, "steps_skipped", st.stepsSkipped)
}
