package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

func TestNewGoJQEngine(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())
}

func TestGoJQ_SelectField(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), ".contact.email", map[string]any{
		"contact": map[string]any{"email": "a@corp.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "a@corp.com", out)
}

func TestGoJQ_MissingIsNull(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), ".missing", map[string]any{"name": "x"})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_ReshapeEnrichment(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{
		"company": map[string]any{
			"name":      "Acme",
			"metrics":   map[string]any{"employees": int64(42)},
			"tech":      []any{"go", "postgres", "go"},
			"locations": []any{map[string]any{"country": "US"}, map[string]any{"country": "DE"}},
		},
	}
	out, err := e.Evaluate(context.Background(),
		`{name: .company.name, size: .company.metrics.employees, tech: (.company.tech | unique), countries: [.company.locations[].country]}`,
		data)
	require.NoError(t, err)

	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Acme", m["name"])
	assert.Equal(t, float64(42), m["size"])
	assert.Equal(t, []any{"go", "postgres"}, m["tech"])
	assert.Equal(t, []any{"US", "DE"}, m["countries"])
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"tags": []any{"a", "b"}}

	out, err := e.Evaluate(context.Background(), ".tags[]", data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)

	all, err := e.EvaluateAll(context.Background(), "empty", data)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "", nil)
	assert.Equal(t, schema.ErrCodeExpression, schema.ErrorCode(err))

	_, err = e.Evaluate(ctx, ".[", nil)
	assert.Equal(t, schema.ErrCodeExpression, schema.ErrorCode(err))

	_, err = e.Evaluate(ctx, `error("boom")`, map[string]any{})
	assert.Equal(t, schema.ErrCodeExpression, schema.ErrorCode(err))
}

func TestGoJQ_NoEnvAccess(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), "$ENV", map[string]any{})
	require.NoError(t, err)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Empty(t, m)
}

func TestGoJQ_Concurrent(t *testing.T) {
	e := NewGoJQEngine()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), ".n + 1", map[string]any{"n": 1.0})
			assert.NoError(t, err)
			assert.Equal(t, 2.0, out)
		}()
	}
	wg.Wait()
	assert.Len(t, e.cache, 1)
}
