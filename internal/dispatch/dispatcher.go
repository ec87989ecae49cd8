package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/connorprovines-code/headless-crm/internal/engine"
	"github.com/connorprovines-code/headless-crm/internal/logging"
	"github.com/connorprovines-code/headless-crm/internal/store"
	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// EmitMode selects how follow-up events requested by steps are processed.
type EmitMode string

const (
	// EmitQueue stores the event unprocessed; the webhook trigger or the
	// sweeper picks it up later.
	EmitQueue EmitMode = "queue"
	// EmitInline stores the event and dispatches it before the emitting step
	// returns, up to MaxEmitDepth levels deep.
	EmitInline EmitMode = "inline"
)

// DefaultMaxEmitDepth bounds inline recursion.
const DefaultMaxEmitDepth = 3

// ParseEmitMode accepts "queue" (or empty) and "inline".
func ParseEmitMode(s string) (EmitMode, error) {
	switch EmitMode(s) {
	case "", EmitQueue:
		return EmitQueue, nil
	case EmitInline:
		return EmitInline, nil
	}
	return "", fmt.Errorf("unknown emit mode %q (want queue or inline)", s)
}

// Config configures a Dispatcher.
type Config struct {
	EmitMode     EmitMode
	MaxEmitDepth int
}

// Runner executes one workflow for one event. *engine.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, def *schema.WorkflowDefinition, evt *schema.Event, emitter engine.Emitter) *engine.RunOutcome
}

// Skip reasons reported in DispatchResult.Reason.
const (
	ReasonProcessed = "already processed"
	ReasonInFlight  = "already in flight"
)

// DispatchResult summarizes one dispatch call.
type DispatchResult struct {
	EventID      string               `json:"event_id"`
	EventType    string               `json:"event_type"`
	WorkflowsRun int                  `json:"workflows_run"`
	Results      []*engine.RunOutcome `json:"results"`
	Skipped      bool                 `json:"skipped,omitempty"`
	Reason       string               `json:"reason,omitempty"`
}

// Dispatcher matches events to active workflows and runs them. Workflow
// failures are reported in the result; only store failures surface as errors,
// and those leave the event unprocessed so a later sweep retries it.
type Dispatcher struct {
	events    store.EventStore
	workflows store.WorkflowStore
	runner    Runner
	cfg       Config
	logger    *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock replaces the wall clock and the delay_until wait. Tests use it to
// observe delays without sleeping.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
		if sleep != nil {
			d.sleep = sleep
		}
	}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(events store.EventStore, workflows store.WorkflowStore, runner Runner, cfg Config, opts ...Option) *Dispatcher {
	if cfg.EmitMode == "" {
		cfg.EmitMode = EmitQueue
	}
	if cfg.MaxEmitDepth <= 0 {
		cfg.MaxEmitDepth = DefaultMaxEmitDepth
	}
	d := &Dispatcher{
		events:    events,
		workflows: workflows,
		runner:    runner,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
		sleep:     sleepContext,
		inflight:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch processes evt: it is refreshed from the store (or stored when
// new), waits out any delay_until, runs every matching active workflow in
// turn and finally marks the event processed.
func (d *Dispatcher) Dispatch(ctx context.Context, evt *schema.Event) (*DispatchResult, error) {
	return d.dispatch(ctx, evt, 0)
}

func (d *Dispatcher) dispatch(ctx context.Context, evt *schema.Event, depth int) (*DispatchResult, error) {
	if evt == nil || evt.Type == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event type is required")
	}

	evt, err := d.refresh(ctx, evt)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithEventID(ctx, evt.ID)
	log := logging.LogWith(ctx, d.logger)
	result := &DispatchResult{EventID: evt.ID, EventType: evt.Type, Results: []*engine.RunOutcome{}}

	if evt.Processed {
		log.Debug("event already processed", "type", evt.Type)
		result.Skipped, result.Reason = true, ReasonProcessed
		return result, nil
	}
	if !d.tryAcquire(evt.ID) {
		log.Debug("event already in flight", "type", evt.Type)
		result.Skipped, result.Reason = true, ReasonInFlight
		return result, nil
	}
	defer d.release(evt.ID)

	if until, ok := evt.DelayUntil(); ok {
		if wait := until.Sub(d.now()); wait > 0 {
			log.Info("delaying event", "type", evt.Type, "until", until, "wait", wait)
			if err := d.sleep(ctx, wait); err != nil {
				return nil, fmt.Errorf("wait for delay_until: %w", err)
			}
		}
	}

	defs, err := d.workflows.FindActiveWorkflowsByTrigger(ctx, evt.Type)
	if err != nil {
		return nil, fmt.Errorf("find workflows for %q: %w", evt.Type, err)
	}
	log.Info("dispatching event", "type", evt.Type, "workflows", len(defs), "depth", depth)

	emitter := d.emitter(depth)
	for _, def := range defs {
		outcome := d.runner.Run(ctx, def, evt, emitter)
		result.Results = append(result.Results, outcome)
		result.WorkflowsRun++
		log.Info("workflow finished",
			"workflow", def.Slug,
			"run_id", outcome.RunID,
			"status", outcome.Status,
		)
	}

	// Marked after every run, whatever the outcomes; the run rows carry
	// the failures.
	if err := d.events.MarkEventProcessed(context.WithoutCancel(ctx), evt.ID); err != nil {
		log.Error("mark event processed failed", "error", err)
		return result, fmt.Errorf("mark event %s processed: %w", evt.ID, err)
	}
	return result, nil
}

// refresh returns the stored copy of evt, inserting it first when it has no
// id or is not stored yet.
func (d *Dispatcher) refresh(ctx context.Context, evt *schema.Event) (*schema.Event, error) {
	if evt.ID != "" {
		stored, err := d.events.GetEvent(ctx, evt.ID)
		if err == nil {
			return stored, nil
		}
		if !schema.IsNotFound(err) {
			return nil, fmt.Errorf("read event %s: %w", evt.ID, err)
		}
	}
	fresh := *evt
	if err := d.events.InsertEvent(ctx, &fresh); err != nil {
		return nil, fmt.Errorf("store event: %w", err)
	}
	return &fresh, nil
}

// emitter builds the emit path for runs dispatched at depth.
func (d *Dispatcher) emitter(depth int) engine.Emitter {
	return engine.EmitterFunc(func(ctx context.Context, parent *schema.Event, emit schema.EmitEvent) error {
		evt := &schema.Event{
			Type:       emit.EventType,
			EntityType: emit.EntityType,
			EntityID:   emit.EntityID,
			Payload:    emit.Payload,
			TeamID:     parent.TeamID,
		}
		if err := d.events.InsertEvent(ctx, evt); err != nil {
			return fmt.Errorf("store emitted event: %w", err)
		}
		log := logging.LogWith(ctx, d.logger)
		log.Info("event emitted", "emitted_id", evt.ID, "type", evt.Type, "parent", parent.ID)

		if d.cfg.EmitMode != EmitInline || depth+1 > d.cfg.MaxEmitDepth {
			return nil
		}
		if until, ok := evt.DelayUntil(); ok && until.After(d.now()) {
			return nil
		}
		if _, err := d.dispatch(ctx, evt, depth+1); err != nil {
			log.Warn("inline dispatch failed, event left for sweep", "emitted_id", evt.ID, "error", err)
		}
		return nil
	})
}

func (d *Dispatcher) tryAcquire(id string) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	if _, ok := d.inflight[id]; ok {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string) {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	delete(d.inflight, id)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
