package engine

import (
	"context"
	"sync"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// TransitionHook is called after a run state transition.
type TransitionHook func(ctx context.Context, runID string, from, to schema.RunStatus)

// ValidRunTransitions defines the allowed run state transitions. A run only
// ever leaves running, and only once.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusRunning:   {schema.RunStatusCompleted, schema.RunStatusStopped, schema.RunStatusFailed},
	schema.RunStatusCompleted: {},
	schema.RunStatusStopped:   {},
	schema.RunStatusFailed:    {},
}

// RunFSM validates run lifecycle transitions and notifies hooks.
type RunFSM struct {
	mu    sync.RWMutex
	after map[schema.RunStatus][]TransitionHook
}

// NewRunFSM creates a RunFSM with no hooks.
func NewRunFSM() *RunFSM {
	return &RunFSM{after: make(map[schema.RunStatus][]TransitionHook)}
}

// OnAfter registers a hook called after any transition into to.
func (f *RunFSM) OnAfter(to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after[to] = append(f.after[to], hook)
}

// Transition validates from -> to and runs the after hooks. The caller
// persists the new state.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	f.mu.RLock()
	hooks := append([]TransitionHook(nil), f.after[to]...)
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, runID, from, to)
	}
	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
