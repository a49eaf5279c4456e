package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"wave-agent/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX shell commands")
	}
}

type llmStep func(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error)

// scriptedLLM answers each CallAgent with the next step and records requests.
type scriptedLLM struct {
	mu    sync.Mutex
	steps []llmStep
	reqs  []domain.AgentRequest
}

func newScriptedLLM(steps ...llmStep) *scriptedLLM {
	return &scriptedLLM{steps: steps}
}

func (s *scriptedLLM) CallAgent(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error) {
	s.mu.Lock()
	i := len(s.reqs)
	s.reqs = append(s.reqs, req)
	var step llmStep
	if i < len(s.steps) {
		step = s.steps[i]
	}
	s.mu.Unlock()

	if step == nil {
		return nil, errors.New("unexpected llm call")
	}
	return step(ctx, req)
}

func (s *scriptedLLM) Requests() []domain.AgentRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AgentRequest(nil), s.reqs...)
}

func reply(content string, calls ...domain.ToolCall) llmStep {
	return func(context.Context, domain.AgentRequest) (*domain.AgentResponse, error) {
		return &domain.AgentResponse{
			Content:   content,
			ToolCalls: calls,
			Usage:     domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}, nil
	}
}

func call(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: args}
}

type toolInvocation struct {
	Name string
	Args map[string]any
	Ctx  domain.ToolContext
}

// fakeTools is a scripted domain.ToolInvoker.
type fakeTools struct {
	mu    sync.Mutex
	calls []toolInvocation
	exec  func(ctx context.Context, name string, args map[string]any) domain.ToolResult
}

func (f *fakeTools) Execute(ctx context.Context, name string, args map[string]any, tctx domain.ToolContext) domain.ToolResult {
	f.mu.Lock()
	f.calls = append(f.calls, toolInvocation{Name: name, Args: args, Ctx: tctx})
	exec := f.exec
	f.mu.Unlock()
	if exec == nil {
		return domain.ToolResult{Success: true, Content: "ok:" + name}
	}
	return exec(ctx, name, args)
}

func (f *fakeTools) Schemas() []domain.ToolSchema {
	return []domain.ToolSchema{{Name: "bash", Description: "run"}}
}

func (f *fakeTools) Calls() []toolInvocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]toolInvocation(nil), f.calls...)
}

// memStore is an in-memory domain.SessionStore.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]domain.SessionData
	saves    int
	err      error
	gate     chan struct{} // when set, SaveSession waits for it to close
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]domain.SessionData)}
}

func (m *memStore) SaveSession(_ context.Context, data domain.SessionData) error {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.err != nil {
		return m.err
	}
	m.sessions[data.ID] = data
	return nil
}

func (m *memStore) LoadSession(_ context.Context, id string) (*domain.SessionData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.sessions[id]
	if !ok {
		return nil, domain.NewSubSystemError("session", "memStore.LoadSession", domain.ErrSessionNotFound, id)
	}
	return &data, nil
}

func (m *memStore) ListSessions(context.Context) ([]domain.SessionInfo, error) { return nil, nil }

func (m *memStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

type staticMemory struct {
	project, user string
	added         []string
}

func (s *staticMemory) ProjectMemory(context.Context) (string, error) { return s.project, nil }
func (s *staticMemory) UserMemory(context.Context) (string, error)    { return s.user, nil }
func (s *staticMemory) Add(_ context.Context, scope domain.MemoryScope, text string) error {
	s.added = append(s.added, string(scope)+":"+text)
	return nil
}

// recorder captures observer callbacks.
type recorder struct {
	mu        sync.Mutex
	snapshots [][]domain.Message
	loading   []bool
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnMessagesChange: func(msgs []domain.Message) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.snapshots = append(r.snapshots, msgs)
		},
		OnLoadingChange: func(v bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.loading = append(r.loading, v)
		},
	}
}

func (r *recorder) Snapshots() [][]domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]domain.Message(nil), r.snapshots...)
}

func (r *recorder) Loading() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.loading...)
}

func newTestEngine(t *testing.T, deps Deps) *Engine {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = newTestLogger()
	}
	if deps.Tools == nil {
		deps.Tools = &fakeTools{}
	}
	e, err := New(deps)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func blocksOfType(msgs []domain.Message, typ domain.BlockType) []domain.Block {
	var out []domain.Block
	for _, m := range msgs {
		for _, b := range m.Blocks {
			if b.Type == typ {
				out = append(out, b)
			}
		}
	}
	return out
}
