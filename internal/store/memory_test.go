package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	payload := map[string]any{"email": "a@corp.com"}
	require.NoError(t, s.InsertEvent(ctx, &schema.Event{ID: "e1", Type: "contact.created", Payload: payload}))
	payload["email"] = "mutated"

	got, err := s.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "a@corp.com", got.Payload["email"])

	got.Payload["email"] = "mutated again"
	again, err := s.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "a@corp.com", again.Payload["email"])
}

func TestMemoryStore_RejectsUnencodableValues(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.InsertRun(ctx, &WorkflowRun{ID: "r1", WorkflowID: "w"}))

	err := s.UpdateRun(ctx, "r1", RunUpdate{
		Status:       schema.RunStatusCompleted,
		FinalContext: map[string]any{"ch": make(chan int)},
	})
	assert.Equal(t, schema.ErrCodeStore, schema.ErrorCode(err))
}

func TestMemoryStore_RunLogRequiresRun(t *testing.T) {
	s := NewMemoryStore()
	err := s.InsertRunLog(context.Background(), &RunLog{RunID: "ghost", StepOrder: 1})
	assert.True(t, schema.IsNotFound(err))
}
