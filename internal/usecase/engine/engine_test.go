package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wave-agent/internal/domain"
	"wave-agent/internal/usecase/eventbus"
	"wave-agent/internal/usecase/process"
)

func TestNew_Validation(t *testing.T) {
	_, err := New(Deps{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = New(Deps{LLM: newScriptedLLM(), Tools: &fakeTools{}, MaxIterations: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSendMessage_FinalAnswer(t *testing.T) {
	llm := newScriptedLLM(reply("hello there"))
	store := newMemStore()
	rec := &recorder{}
	e := newTestEngine(t, Deps{LLM: llm, Store: store, Workdir: "/work", Callbacks: rec.callbacks()})

	require.NoError(t, e.SendMessage(context.Background(), "hi"))

	msgs := e.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Text())
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "hello there", msgs[1].Text())
	require.NotNil(t, msgs[1].Usage)
	assert.Equal(t, 15, msgs[1].Usage.TotalTokens)

	assert.Equal(t, StateIdle, e.State())
	assert.Equal(t, []bool{true, false}, rec.Loading())
	assert.NotEmpty(t, rec.Snapshots())
	assert.Equal(t, 1, store.Saves())

	saved, err := store.LoadSession(context.Background(), e.SessionID())
	require.NoError(t, err)
	assert.Equal(t, "/work", saved.Workdir)
	assert.Len(t, saved.Messages, 2)
}

func TestSendMessage_RequestCarriesHistoryToolsAndMemory(t *testing.T) {
	llm := newScriptedLLM(reply("one"), reply("two"))
	e := newTestEngine(t, Deps{
		LLM:          llm,
		Memory:       &staticMemory{project: "use tabs", user: "be brief"},
		SystemPrompt: "you are wave",
	})

	require.NoError(t, e.SendMessage(context.Background(), "first"))
	require.NoError(t, e.SendMessage(context.Background(), "second"))

	reqs := llm.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "use tabs\n\nbe brief", reqs[0].Memory)
	assert.Equal(t, "you are wave", reqs[0].SystemPrompt)
	assert.Equal(t, []domain.ToolSchema{{Name: "bash", Description: "run"}}, reqs[0].Tools)
	require.Len(t, reqs[1].Messages, 3)
	assert.Equal(t, "first", reqs[1].Messages[0].Text())
	assert.Equal(t, "one", reqs[1].Messages[1].Text())
	assert.Equal(t, "second", reqs[1].Messages[2].Text())
}

func TestSendMessage_ToolRoundTrip(t *testing.T) {
	streamed := func(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error) {
		req.OnContentUpdate("Let me look")
		for _, s := range []string{`{"command":"l`, `{"command":"ls",`, `{"command":"ls","description":"list"}`} {
			req.OnToolCallUpdate(domain.ToolCallDelta{ID: "c1", Name: "bash", ArgumentsSoFar: s})
		}
		return reply("Let me look.", call("c1", "bash", `{"command":"ls","description":"list"}`))(ctx, req)
	}
	llm := newScriptedLLM(streamed, reply("There are two files."))
	tools := &fakeTools{exec: func(_ context.Context, name string, args map[string]any) domain.ToolResult {
		return domain.ToolResult{Success: true, Content: "a.go\nb.go"}
	}}
	rec := &recorder{}
	e := newTestEngine(t, Deps{LLM: llm, Tools: tools, Workdir: "/work", Callbacks: rec.callbacks()})

	require.NoError(t, e.SendMessage(context.Background(), "what files?"))

	calls := tools.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "bash", calls[0].Name)
	assert.Equal(t, map[string]any{"command": "ls", "description": "list"}, calls[0].Args)
	assert.Equal(t, "/work", calls[0].Ctx.Workdir)
	assert.Equal(t, e.SessionID(), calls[0].Ctx.SessionID)

	msgs := e.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "Let me look.", msgs[1].Text())
	toolBlocks := msgs[1].ToolBlocks()
	require.Len(t, toolBlocks, 1)
	tb := toolBlocks[0]
	assert.Equal(t, domain.ToolStageEnd, tb.Stage)
	require.NotNil(t, tb.Success)
	assert.True(t, *tb.Success)
	assert.Equal(t, "a.go\nb.go", tb.Result)
	assert.Equal(t, "There are two files.", msgs[2].Text())

	// The second call sees the tool result.
	reqs := llm.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1].Messages, 2)
	assert.Equal(t, "a.go\nb.go", reqs[1].Messages[1].ToolBlocks()[0].Result)

	// Observers saw one immutable partial snapshot per delta, in order.
	var partials []map[string]any
	for _, snap := range rec.Snapshots() {
		if len(snap) < 2 {
			continue
		}
		tbs := snap[1].ToolBlocks()
		if len(tbs) == 0 || tbs[0].Stage != domain.ToolStageRunning {
			continue
		}
		if n := len(partials); n == 0 || len(partials[n-1]) != len(tbs[0].Partial) {
			partials = append(partials, tbs[0].Partial)
		}
	}
	require.Len(t, partials, 3)
	assert.Empty(t, partials[0])
	assert.Equal(t, map[string]any{"command": "ls"}, partials[1])
	assert.Equal(t, map[string]any{"command": "ls", "description": "list"}, partials[2])
}

func TestSendMessage_RejectsReentrantTurn(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	llm := newScriptedLLM(func(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error) {
		close(started)
		<-release
		return reply("done")(ctx, req)
	})
	e := newTestEngine(t, Deps{LLM: llm})

	done := make(chan error, 1)
	go func() { done <- e.SendMessage(context.Background(), "first") }()
	<-started

	err := e.SendMessage(context.Background(), "second")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTurnInProgress)
	assert.Equal(t, domain.CodeTurnInProgress, domain.ErrorCodeOf(err))
	assert.Equal(t, StateSending, e.State())

	close(release)
	require.NoError(t, <-done)

	msgs := e.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Text())
	assert.Equal(t, "done", msgs[1].Text())
	assert.Len(t, llm.Requests(), 1)
}

func TestAbort_MidStream(t *testing.T) {
	started := make(chan struct{})
	llm := newScriptedLLM(func(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error) {
		req.OnToolCallUpdate(domain.ToolCallDelta{ID: "c1", Name: "bash", ArgumentsSoFar: `{"command":"rm -`})
		close(started)
		<-ctx.Done()
		// A provider that keeps going after cancellation.
		req.OnToolCallUpdate(domain.ToolCallDelta{ID: "c1", Name: "bash", ArgumentsSoFar: `{"command":"rm -rf`})
		return &domain.AgentResponse{ToolCalls: []domain.ToolCall{call("c1", "bash", `{"command":"rm -rf`)}}, nil
	})
	tools := &fakeTools{}
	store := newMemStore()
	rec := &recorder{}
	e := newTestEngine(t, Deps{LLM: llm, Tools: tools, Store: store, Callbacks: rec.callbacks()})

	done := make(chan error, 1)
	go func() { done <- e.SendMessage(context.Background(), "clean up") }()
	<-started

	e.Abort()
	assert.Equal(t, StateAborted, e.State())
	require.NoError(t, <-done)

	assert.Empty(t, tools.Calls())
	msgs := e.Messages()
	assert.Empty(t, blocksOfType(msgs, domain.BlockError))
	require.Len(t, msgs, 2)
	tbs := msgs[1].ToolBlocks()
	require.Len(t, tbs, 1)
	assert.Equal(t, domain.ToolStageEnd, tbs[0].Stage)
	assert.Nil(t, tbs[0].Success)
	assert.Equal(t, `{"command":"rm -`, tbs[0].Arguments)
	assert.Empty(t, tbs[0].Partial)

	assert.Equal(t, StateAborted, e.State())
	assert.Equal(t, 1, store.Saves())
	assert.Equal(t, []bool{true, false}, rec.Loading())
}

func TestAbort_DoesNotWaitForSave(t *testing.T) {
	started := make(chan struct{})
	llm := newScriptedLLM(func(ctx context.Context, _ domain.AgentRequest) (*domain.AgentResponse, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	store := newMemStore()
	store.gate = make(chan struct{})
	e := newTestEngine(t, Deps{LLM: llm, Tools: &fakeTools{}, Store: store})

	done := make(chan error, 1)
	go func() { done <- e.SendMessage(context.Background(), "slow disk") }()
	<-started

	aborted := make(chan struct{})
	go func() {
		e.Abort()
		close(aborted)
	}()
	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("Abort blocked on the session store")
	}
	assert.Equal(t, StateAborted, e.State())

	// The turn goroutine is the one waiting on the store.
	select {
	case <-done:
		t.Fatal("SendMessage returned before the save finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(store.gate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, store.Saves())
}

func TestAbort_DuringToolExecutionDiscardsResult(t *testing.T) {
	toolStarted := make(chan struct{})
	llm := newScriptedLLM(reply("", call("c1", "bash", `{"command":"sleep 100"}`)))
	tools := &fakeTools{exec: func(ctx context.Context, _ string, _ map[string]any) domain.ToolResult {
		close(toolStarted)
		<-ctx.Done()
		return domain.ToolResult{Success: true, Content: "late"}
	}}
	e := newTestEngine(t, Deps{LLM: llm, Tools: tools})

	done := make(chan error, 1)
	go func() { done <- e.SendMessage(context.Background(), "wait") }()
	<-toolStarted
	assert.Equal(t, StateToolExecuting, e.State())

	e.Abort()
	require.NoError(t, <-done)

	assert.Len(t, llm.Requests(), 1)
	tb := e.Messages()[1].ToolBlocks()[0]
	assert.Equal(t, domain.ToolStageEnd, tb.Stage)
	assert.Nil(t, tb.Success)
	assert.Empty(t, tb.Result)
	assert.Equal(t, StateAborted, e.State())
}

func TestAbort_TruncatedCallAfterCancelIsSwallowed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	llm := newScriptedLLM(func(context.Context, domain.AgentRequest) (*domain.AgentResponse, error) {
		cancel()
		return &domain.AgentResponse{ToolCalls: []domain.ToolCall{call("c1", "bash", `{"command":`)}}, nil
	})
	tools := &fakeTools{}
	e := newTestEngine(t, Deps{LLM: llm, Tools: tools})

	require.NoError(t, e.SendMessage(ctx, "go"))

	assert.Equal(t, StateAborted, e.State())
	assert.Empty(t, tools.Calls())
	assert.Empty(t, blocksOfType(e.Messages(), domain.BlockError))
}

func TestExecuteTool_ParseErrorSuppressedAfterAbort(t *testing.T) {
	tools := &fakeTools{}
	e := newTestEngine(t, Deps{LLM: newScriptedLLM(), Tools: tools})

	ctx, cancel := context.WithCancel(context.Background())
	tr := &turn{id: 1, ctx: ctx, cancel: cancel}
	e.turn = tr
	e.messages = []domain.Message{{
		Role:   domain.RoleAssistant,
		Blocks: []domain.Block{{Type: domain.BlockTool, Tool: &domain.ToolBlock{ID: "c1", Name: "bash", Stage: domain.ToolStageRunning}}},
	}}
	cancel()

	assert.False(t, e.executeTool(tr, call("c1", "bash", `{"command":`), domain.ToolContext{}))
	assert.False(t, e.executeTool(tr, call("c1", "bash", `{"command":"ls"}`), domain.ToolContext{}))

	assert.Empty(t, tools.Calls())
	assert.Empty(t, blocksOfType(e.Messages(), domain.BlockError))
	assert.Nil(t, e.Messages()[0].Blocks[0].Tool.Success)
}

func TestSendMessage_AllowedAfterAbort(t *testing.T) {
	started := make(chan struct{})
	llm := newScriptedLLM(
		func(ctx context.Context, _ domain.AgentRequest) (*domain.AgentResponse, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
		reply("second answer"),
	)
	e := newTestEngine(t, Deps{LLM: llm})

	done := make(chan error, 1)
	go func() { done <- e.SendMessage(context.Background(), "first") }()
	<-started
	e.Abort()
	require.NoError(t, <-done)
	assert.Empty(t, blocksOfType(e.Messages(), domain.BlockError))

	require.NoError(t, e.SendMessage(context.Background(), "again"))
	assert.Equal(t, StateIdle, e.State())
	msgs := e.Messages()
	assert.Equal(t, "second answer", msgs[len(msgs)-1].Text())
}

func TestSendMessage_ParseErrorAddsErrorBlock(t *testing.T) {
	llm := newScriptedLLM(reply("", call("c1", "bash", `{"command": "ls"`)))
	tools := &fakeTools{}
	e := newTestEngine(t, Deps{LLM: llm, Tools: tools})

	require.NoError(t, e.SendMessage(context.Background(), "list"))

	assert.Empty(t, tools.Calls())
	assert.Len(t, llm.Requests(), 1)
	errs := blocksOfType(e.Messages(), domain.BlockError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Text, `tool "bash"`)

	tb := e.Messages()[1].ToolBlocks()[0]
	assert.Equal(t, domain.ToolStageEnd, tb.Stage)
	require.NotNil(t, tb.Success)
	assert.False(t, *tb.Success)
	assert.Equal(t, StateIdle, e.State())
}

func TestSendMessage_NonObjectArguments(t *testing.T) {
	llm := newScriptedLLM(reply("", call("c1", "bash", `[1,2]`)))
	e := newTestEngine(t, Deps{LLM: llm})

	require.NoError(t, e.SendMessage(context.Background(), "x"))
	errs := blocksOfType(e.Messages(), domain.BlockError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Text, "expected a JSON object")
}

func TestSendMessage_EmptyArgumentsAreEmptyObject(t *testing.T) {
	llm := newScriptedLLM(reply("", call("c1", "bash", "")), reply("ok"))
	tools := &fakeTools{}
	e := newTestEngine(t, Deps{LLM: llm, Tools: tools})

	require.NoError(t, e.SendMessage(context.Background(), "x"))
	calls := tools.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{}, calls[0].Args)
}

func TestSendMessage_ToolFailureIsInline(t *testing.T) {
	llm := newScriptedLLM(reply("", call("c1", "bash", `{}`)), reply("it failed"))
	tools := &fakeTools{exec: func(context.Context, string, map[string]any) domain.ToolResult {
		return domain.ToolResult{Error: "exit 2"}
	}}
	e := newTestEngine(t, Deps{LLM: llm, Tools: tools})

	require.NoError(t, e.SendMessage(context.Background(), "x"))
	tb := e.Messages()[1].ToolBlocks()[0]
	assert.False(t, *tb.Success)
	assert.Equal(t, "exit 2", tb.Error)
	assert.Empty(t, blocksOfType(e.Messages(), domain.BlockError))
	assert.Len(t, llm.Requests(), 2)
}

func TestSendMessage_ToolPanicRecovered(t *testing.T) {
	llm := newScriptedLLM(reply("", call("c1", "bash", `{}`)), reply("recovered"))
	tools := &fakeTools{exec: func(context.Context, string, map[string]any) domain.ToolResult {
		panic("tool exploded")
	}}
	e := newTestEngine(t, Deps{LLM: llm, Tools: tools})

	require.NoError(t, e.SendMessage(context.Background(), "x"))
	tb := e.Messages()[1].ToolBlocks()[0]
	assert.Contains(t, tb.Error, "tool exploded")
	assert.Equal(t, StateIdle, e.State())
}

func TestSendMessage_LLMErrorAddsErrorBlock(t *testing.T) {
	llm := newScriptedLLM(func(context.Context, domain.AgentRequest) (*domain.AgentResponse, error) {
		return nil, errors.New("503 service unavailable")
	})
	store := newMemStore()
	e := newTestEngine(t, Deps{LLM: llm, Store: store})

	require.NoError(t, e.SendMessage(context.Background(), "x"))
	errs := blocksOfType(e.Messages(), domain.BlockError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Error: 503 service unavailable", errs[0].Text)
	assert.Equal(t, StateIdle, e.State())
	assert.Equal(t, 1, store.Saves())
}

func TestSendMessage_LLMPanicAddsErrorBlock(t *testing.T) {
	llm := newScriptedLLM(func(context.Context, domain.AgentRequest) (*domain.AgentResponse, error) {
		panic("decoder bug")
	})
	e := newTestEngine(t, Deps{LLM: llm})

	require.NoError(t, e.SendMessage(context.Background(), "x"))
	errs := blocksOfType(e.Messages(), domain.BlockError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Text, "decoder bug")
}

func TestSendMessage_MaxIterations(t *testing.T) {
	loop := reply("", call("c1", "bash", `{}`))
	llm := newScriptedLLM(loop, loop, loop)
	e := newTestEngine(t, Deps{LLM: llm, MaxIterations: 2})

	require.NoError(t, e.SendMessage(context.Background(), "x"))
	assert.Len(t, llm.Requests(), 2)
	errs := blocksOfType(e.Messages(), domain.BlockError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Text, domain.ErrMaxIterations.Error())
}

func TestSendMessage_LargeIntegerArgumentsKeepPrecision(t *testing.T) {
	llm := newScriptedLLM(
		reply("", call("c1", "bash", `{"pid":9007199254740993,"ratio":0.5}`)),
		reply("done"),
	)
	var got map[string]any
	tools := &fakeTools{exec: func(_ context.Context, _ string, args map[string]any) domain.ToolResult {
		got = args
		return domain.ToolResult{Success: true}
	}}
	e := newTestEngine(t, Deps{LLM: llm, Tools: tools})

	require.NoError(t, e.SendMessage(context.Background(), "x"))
	require.NotNil(t, got)
	assert.Equal(t, json.Number("9007199254740993"), got["pid"])

	raw, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pid":9007199254740993,"ratio":0.5}`, string(raw))
}

func TestParseArguments(t *testing.T) {
	tests := []struct {
		raw     string
		want    map[string]any
		wantErr bool
	}{
		{"", map[string]any{}, false},
		{"null", map[string]any{}, false},
		{`{"a":"b"}`, map[string]any{"a": "b"}, false},
		{`{"n":12}`, map[string]any{"n": json.Number("12")}, false},
		{`[1]`, nil, true},
		{`{"a":1} {}`, nil, true},
		{`{"a":`, nil, true},
	}
	for _, tt := range tests {
		got, err := parseArguments(tt.raw)
		if tt.wantErr {
			assert.ErrorIs(t, err, domain.ErrInvalidArguments, "raw %q", tt.raw)
			continue
		}
		require.NoError(t, err, "raw %q", tt.raw)
		assert.Equal(t, tt.want, got, "raw %q", tt.raw)
	}
}

func TestSendMessage_ParallelToolCalls(t *testing.T) {
	llm := newScriptedLLM(
		reply("", call("a", "bash", `{"n":1}`), call("b", "bash", `{"n":2}`)),
		reply("both done"),
	)
	var arrived sync.WaitGroup
	arrived.Add(2)
	tools := &fakeTools{exec: func(_ context.Context, _ string, args map[string]any) domain.ToolResult {
		arrived.Done()
		arrived.Wait() // both calls must be in flight together
		return domain.ToolResult{Success: true, Content: "n=" + args["n"].(json.Number).String()}
	}}
	e := newTestEngine(t, Deps{LLM: llm, Tools: tools})

	require.NoError(t, e.SendMessage(context.Background(), "x"))
	tbs := e.Messages()[1].ToolBlocks()
	require.Len(t, tbs, 2)
	assert.Equal(t, "a", tbs[0].ID)
	assert.Equal(t, "n=1", tbs[0].Result)
	assert.Equal(t, "b", tbs[1].ID)
	assert.Equal(t, "n=2", tbs[1].Result)
}

func TestSendMessage_MissingCallIDIsSynthesized(t *testing.T) {
	llm := newScriptedLLM(reply("", call("", "bash", `{}`)), reply("ok"))
	e := newTestEngine(t, Deps{LLM: llm})

	require.NoError(t, e.SendMessage(context.Background(), "x"))
	tb := e.Messages()[1].ToolBlocks()[0]
	assert.Regexp(t, `^call_[0-9a-f-]{36}$`, tb.ID)
	assert.True(t, *tb.Success)
}

func TestSendMessage_DropsUnconfirmedStreamedCalls(t *testing.T) {
	llm := newScriptedLLM(func(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error) {
		req.OnToolCallUpdate(domain.ToolCallDelta{ID: "ghost", Name: "bash", ArgumentsSoFar: `{`})
		return reply("no tools after all")(ctx, req)
	})
	e := newTestEngine(t, Deps{LLM: llm})

	require.NoError(t, e.SendMessage(context.Background(), "x"))
	assert.Empty(t, e.Messages()[1].ToolBlocks())
}

func TestSendMessage_SaveFailureIsNotFatal(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("disk full")
	e := newTestEngine(t, Deps{LLM: newScriptedLLM(reply("a"), reply("b")), Store: store})

	require.NoError(t, e.SendMessage(context.Background(), "one"))
	require.NoError(t, e.SendMessage(context.Background(), "two"))
	assert.Len(t, e.Messages(), 4)
	assert.Equal(t, 2, store.Saves())
}

func TestSendCustomCommand(t *testing.T) {
	llm := newScriptedLLM(reply("reviewed"))
	e := newTestEngine(t, Deps{LLM: llm})

	require.NoError(t, e.SendCustomCommand(context.Background(), "review", "Review the diff"))
	msgs := e.Messages()
	require.Len(t, msgs, 2)
	cc := msgs[0].Blocks[0].CustomCommand
	require.NotNil(t, cc)
	assert.Equal(t, "review", cc.Name)
	assert.Equal(t, "Review the diff", cc.Content)
}

func TestRestore(t *testing.T) {
	store := newMemStore()
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store.sessions["01OLD"] = domain.SessionData{
		ID:        "01OLD",
		CreatedAt: created,
		Messages: []domain.Message{
			{Role: domain.RoleUser, Blocks: []domain.Block{domain.NewTextBlock("earlier")}},
			{Role: domain.RoleAssistant, Blocks: []domain.Block{domain.NewTextBlock("reply")}, Usage: &domain.Usage{TotalTokens: 42}},
		},
	}
	llm := newScriptedLLM(reply("continued"))
	e := newTestEngine(t, Deps{LLM: llm, Store: store})

	require.NoError(t, e.Restore(context.Background(), "01OLD"))
	assert.Equal(t, "01OLD", e.SessionID())
	assert.Equal(t, 42, e.Usage().TotalTokens)
	require.Len(t, e.Messages(), 2)

	require.NoError(t, e.SendMessage(context.Background(), "more"))
	require.Len(t, llm.Requests()[0].Messages, 3)
	assert.Equal(t, created, store.sessions["01OLD"].CreatedAt)
	assert.Len(t, store.sessions["01OLD"].Messages, 4)

	err := e.Restore(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestRestore_NoStore(t *testing.T) {
	e := newTestEngine(t, Deps{LLM: newScriptedLLM()})
	assert.ErrorIs(t, e.Restore(context.Background(), "x"), domain.ErrInvalidInput)
}

func TestAddMemory(t *testing.T) {
	mem := &staticMemory{}
	e := newTestEngine(t, Deps{LLM: newScriptedLLM(), Memory: mem})

	require.NoError(t, e.AddMemory(context.Background(), domain.MemoryProject, "run make test"))
	assert.Equal(t, []string{"project:run make test"}, mem.added)

	noMem := newTestEngine(t, Deps{LLM: newScriptedLLM()})
	assert.ErrorIs(t, noMem.AddMemory(context.Background(), domain.MemoryUser, "x"), domain.ErrInvalidInput)
}

func TestOnTasksChange(t *testing.T) {
	skipOnWindows(t)
	bus := eventbus.New(newTestLogger())
	defer bus.Close()
	sup, err := process.NewSupervisor(process.SupervisorConfig{}, bus, newTestLogger())
	require.NoError(t, err)
	defer sup.Shutdown(context.Background())

	updates := make(chan []domain.TaskSnapshot, 16)
	newTestEngine(t, Deps{
		LLM:       newScriptedLLM(),
		Bus:       bus,
		Tasks:     sup,
		Callbacks: Callbacks{OnTasksChange: func(ts []domain.TaskSnapshot) { updates <- ts }},
	})

	id, err := sup.StartShell(context.Background(), "true", "", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case ts := <-updates:
			return len(ts) == 1 && ts[0].ID == id && ts[0].Status == domain.TaskCompleted
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestParentContextCancellationAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	llm := newScriptedLLM(func(callCtx context.Context, _ domain.AgentRequest) (*domain.AgentResponse, error) {
		cancel()
		<-callCtx.Done()
		return nil, callCtx.Err()
	})
	e := newTestEngine(t, Deps{LLM: llm})

	require.NoError(t, e.SendMessage(ctx, "x"))
	assert.Equal(t, StateAborted, e.State())
	assert.Empty(t, blocksOfType(e.Messages(), domain.BlockError))
}

func TestEventsPublished(t *testing.T) {
	bus := eventbus.New(newTestLogger())
	var mu sync.Mutex
	var types []domain.EventType
	bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, ev.Type)
	})
	llm := newScriptedLLM(reply("", call("c1", "bash", `{}`)), reply("done"))
	e := newTestEngine(t, Deps{LLM: llm, Bus: bus, Store: newMemStore()})

	require.NoError(t, e.SendMessage(context.Background(), "x"))
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.EventType{
		domain.EventTurnStarted,
		domain.EventLLMCallStarted,
		domain.EventLLMCallCompleted,
		domain.EventToolCallStarted,
		domain.EventToolCallCompleted,
		domain.EventLLMCallStarted,
		domain.EventLLMCallCompleted,
		domain.EventTurnCompleted,
		domain.EventSessionSaved,
	}, types)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "tool_executing", StateToolExecuting.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, StateRunningCommand.Busy())
	assert.False(t, StateAborted.Busy())
}
