package tool

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"wave-agent/internal/domain"
	"wave-agent/internal/security"
)

// nopLogger returns a logger that discards output.
func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSandbox(t *testing.T) *security.Sandbox {
	t.Helper()
	sb, err := security.NewSandbox(t.TempDir())
	require.NoError(t, err)
	return sb
}

// stubTool is a configurable domain.Tool.
type stubTool struct {
	name   string
	schema json.RawMessage
	exec   func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error)
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub " + s.name }
func (s *stubTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: s.name, Description: s.Description(), Parameters: s.schema}
}

func (s *stubTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	if s.exec == nil {
		return TextResult(string(params)), nil
	}
	return s.exec(ctx, params)
}

// fakeTasks records TaskManager calls without running anything.
type fakeTasks struct {
	mu        sync.Mutex
	started   []string
	subagents []func(ctx context.Context) (string, error)
	snapshots []domain.TaskSnapshot
	outputs   map[string]domain.TaskOutput
	stopped   []string
	removed   []string
	err       error
}

func (f *fakeTasks) StartShell(_ context.Context, command, _ string, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.started = append(f.started, command)
	return "task-shell", nil
}

func (f *fakeTasks) StartSubagent(_ context.Context, descriptor string, fn func(ctx context.Context) (string, error)) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.started = append(f.started, descriptor)
	f.subagents = append(f.subagents, fn)
	return "task-sub", nil
}

func (f *fakeTasks) List() []domain.TaskSnapshot { return f.snapshots }

func (f *fakeTasks) Output(id string) (domain.TaskOutput, error) {
	out, ok := f.outputs[id]
	if !ok {
		return domain.TaskOutput{}, domain.NewSubSystemError("task", "Supervisor.Output", domain.ErrNotFound, id)
	}
	return out, nil
}

func (f *fakeTasks) Poll(id string) (domain.TaskOutput, error) { return f.Output(id) }

func (f *fakeTasks) Stop(_ context.Context, id string) error {
	if _, ok := f.outputs[id]; !ok {
		return domain.NewSubSystemError("task", "Supervisor.Stop", domain.ErrNotFound, id)
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeTasks) Remove(_ context.Context, id string) error {
	if _, ok := f.outputs[id]; !ok {
		return domain.NewSubSystemError("task", "Supervisor.Remove", domain.ErrNotFound, id)
	}
	f.removed = append(f.removed, id)
	return nil
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
