package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

func TestRunFSM_ValidTransitions(t *testing.T) {
	fsm := NewRunFSM()
	ctx := context.Background()
	for _, to := range []schema.RunStatus{schema.RunStatusCompleted, schema.RunStatusStopped, schema.RunStatusFailed} {
		require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStatusRunning, to))
	}
}

func TestRunFSM_InvalidTransitions(t *testing.T) {
	fsm := NewRunFSM()
	ctx := context.Background()

	cases := []struct{ from, to schema.RunStatus }{
		{schema.RunStatusCompleted, schema.RunStatusFailed},
		{schema.RunStatusFailed, schema.RunStatusRunning},
		{schema.RunStatusStopped, schema.RunStatusCompleted},
		{schema.RunStatusRunning, schema.RunStatusRunning},
		{"", schema.RunStatusCompleted},
	}
	for _, tc := range cases {
		err := fsm.Transition(ctx, "run-1", tc.from, tc.to)
		require.Error(t, err, "%s -> %s", tc.from, tc.to)
		assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	}
}

func TestRunFSM_AfterHooks(t *testing.T) {
	fsm := NewRunFSM()
	var (
		mu   sync.Mutex
		seen []string
	)
	fsm.OnAfter(schema.RunStatusFailed, func(_ context.Context, runID string, from, to schema.RunStatus) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, runID+":"+string(from)+"->"+string(to))
	})

	ctx := context.Background()
	require.NoError(t, fsm.Transition(ctx, "r1", schema.RunStatusRunning, schema.RunStatusCompleted))
	require.NoError(t, fsm.Transition(ctx, "r2", schema.RunStatusRunning, schema.RunStatusFailed))
	assert.Equal(t, []string{"r2:running->failed"}, seen)
}
