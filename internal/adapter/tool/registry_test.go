package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wave-agent/internal/domain"
)

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry(nopLogger(), false)
	require.NoError(t, r.Register(&stubTool{name: "a"}))

	err := r.Register(&stubTool{name: "a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicate)
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := NewRegistry(nopLogger(), false)
	_, err := r.Get("missing")
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestRegistry_SchemasSorted(t *testing.T) {
	r := NewRegistry(nopLogger(), false)
	for _, n := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(&stubTool{name: n}))
	}
	var names []string
	for _, s := range r.Schemas() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestRegistry_ExecuteUnknownTool(t *testing.T) {
	r := NewRegistry(nopLogger(), false)
	res := r.Execute(context.Background(), "ghost", nil, domain.ToolContext{})
	assert.False(t, res.Success)
	assert.Equal(t, `unknown tool "ghost"`, res.Error)
}

func TestRegistry_ExecutePassesArgsAndContext(t *testing.T) {
	var gotArgs map[string]any
	var gotCtx domain.ToolContext
	var gotSession string
	r := NewRegistry(nopLogger(), false)
	require.NoError(t, r.Register(&stubTool{
		name: "inspect",
		exec: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
			require.NoError(t, json.Unmarshal(params, &gotArgs))
			gotCtx, _ = domain.ToolContextFrom(ctx)
			gotSession = domain.SessionIDFromContext(ctx)
			return TextResult("ok"), nil
		},
	}))

	tctx := domain.ToolContext{Workdir: "/work", SessionID: "s1"}
	res := r.Execute(context.Background(), "inspect", map[string]any{"path": "a.txt", "n": float64(2)}, tctx)

	assert.True(t, res.Success)
	assert.Equal(t, "ok", res.Content)
	assert.Equal(t, map[string]any{"path": "a.txt", "n": float64(2)}, gotArgs)
	assert.Equal(t, tctx, gotCtx)
	assert.Equal(t, "s1", gotSession)
}

func TestRegistry_ExecuteNilArgs(t *testing.T) {
	r := NewRegistry(nopLogger(), false)
	require.NoError(t, r.Register(&stubTool{name: "echo"}))

	res := r.Execute(context.Background(), "echo", nil, domain.ToolContext{})
	assert.True(t, res.Success)
	assert.Equal(t, "{}", res.Content)
}

func TestRegistry_ExecuteToolError(t *testing.T) {
	r := NewRegistry(nopLogger(), false)
	require.NoError(t, r.Register(&stubTool{
		name: "boom",
		exec: func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
			return nil, errors.New("disk on fire")
		},
	}))

	res := r.Execute(context.Background(), "boom", nil, domain.ToolContext{})
	assert.False(t, res.Success)
	assert.Equal(t, "disk on fire", res.Error)
}

func TestRegistry_ExecuteNilResult(t *testing.T) {
	r := NewRegistry(nopLogger(), false)
	require.NoError(t, r.Register(&stubTool{
		name: "empty",
		exec: func(context.Context, json.RawMessage) (*domain.ToolResult, error) { return nil, nil },
	}))

	res := r.Execute(context.Background(), "empty", nil, domain.ToolContext{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "returned no result")
}

func TestRegistry_ExecuteRecoversPanic(t *testing.T) {
	r := NewRegistry(nopLogger(), false)
	require.NoError(t, r.Register(&stubTool{
		name: "panicky",
		exec: func(context.Context, json.RawMessage) (*domain.ToolResult, error) { panic("kaboom") },
	}))

	var res domain.ToolResult
	assert.NotPanics(t, func() {
		res = r.Execute(context.Background(), "panicky", nil, domain.ToolContext{})
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "kaboom")
}

func TestRegistry_SchemaValidation(t *testing.T) {
	calls := 0
	r := NewRegistry(nopLogger(), true)
	require.NoError(t, r.Register(&stubTool{
		name:   "strict",
		schema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		exec: func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
			calls++
			return TextResult("ran"), nil
		},
	}))

	res := r.Execute(context.Background(), "strict", map[string]any{"path": 3}, domain.ToolContext{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "schema validation failed")

	res = r.Execute(context.Background(), "strict", map[string]any{}, domain.ToolContext{})
	assert.False(t, res.Success)
	assert.Equal(t, 0, calls)

	res = r.Execute(context.Background(), "strict", map[string]any{"path": "x"}, domain.ToolContext{})
	assert.True(t, res.Success)
	assert.Equal(t, 1, calls)
}

func TestWithSchemaValidation_BadSchema(t *testing.T) {
	_, err := WithSchemaValidation(&stubTool{name: "bad", schema: json.RawMessage(`{"type": 12}`)})
	require.Error(t, err)

	r := NewRegistry(nopLogger(), true)
	require.NoError(t, r.Register(&stubTool{name: "bad", schema: json.RawMessage(`{"type": 12}`)}))
	got, err := r.Get("bad")
	require.NoError(t, err)
	_, wrapped := got.(*SchemaValidatingTool)
	assert.False(t, wrapped)
}

func TestWithSchemaValidation_NoSchema(t *testing.T) {
	st := &stubTool{name: "plain"}
	got, err := WithSchemaValidation(st)
	require.NoError(t, err)
	assert.Same(t, st, got)
}
