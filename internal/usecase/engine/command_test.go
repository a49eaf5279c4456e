package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wave-agent/internal/domain"
)

func TestExecuteCommand(t *testing.T) {
	skipOnWindows(t)
	store := newMemStore()
	rec := &recorder{}
	e := newTestEngine(t, Deps{LLM: newScriptedLLM(), Store: store, Workdir: t.TempDir(), Callbacks: rec.callbacks()})

	code, err := e.ExecuteCommand(context.Background(), "echo hi; echo oops >&2; exit 4")
	require.NoError(t, err)
	assert.Equal(t, 4, code)

	msgs := e.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	cb := msgs[0].Blocks[0].Command
	require.NotNil(t, cb)
	assert.Equal(t, "echo hi; echo oops >&2; exit 4", cb.Command)
	assert.Equal(t, "hi\noops\n", cb.Output)
	assert.False(t, cb.IsRunning)
	require.NotNil(t, cb.ExitCode)
	assert.Equal(t, 4, *cb.ExitCode)

	assert.Equal(t, StateIdle, e.State())
	assert.Equal(t, 1, store.Saves())
	assert.Equal(t, []bool{true, false}, rec.Loading())

	// Observers saw the block while it was running.
	first := rec.Snapshots()[0]
	assert.True(t, first[0].Blocks[0].Command.IsRunning)
}

func TestExecuteCommand_AbortAndExclusion(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, Deps{LLM: newScriptedLLM(reply("unused"))})

	type result struct {
		code int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		code, err := e.ExecuteCommand(context.Background(), "sleep 10")
		done <- result{code, err}
	}()
	require.Eventually(t, e.runner.IsRunning, 5*time.Second, 5*time.Millisecond)

	err := e.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, domain.ErrCommandRunning)
	_, err = e.ExecuteCommand(context.Background(), "echo again")
	assert.ErrorIs(t, err, domain.ErrCommandRunning)

	e.AbortCommand()
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, 130, r.code)
	case <-time.After(5 * time.Second):
		t.Fatal("aborted command did not return")
	}

	cb := e.Messages()[0].Blocks[0].Command
	assert.False(t, cb.IsRunning)
	assert.Equal(t, 130, *cb.ExitCode)
	assert.Equal(t, StateIdle, e.State())
}

func TestExecuteCommand_RejectedDuringTurn(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	llm := newScriptedLLM(func(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error) {
		close(started)
		<-release
		return reply("ok")(ctx, req)
	})
	e := newTestEngine(t, Deps{LLM: llm})

	done := make(chan error, 1)
	go func() { done <- e.SendMessage(context.Background(), "x") }()
	<-started

	_, err := e.ExecuteCommand(context.Background(), "ls")
	assert.ErrorIs(t, err, domain.ErrTurnInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestAbort_StopsCommand(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, Deps{LLM: newScriptedLLM()})

	done := make(chan int, 1)
	go func() {
		code, _ := e.ExecuteCommand(context.Background(), "sleep 10")
		done <- code
	}()
	require.Eventually(t, e.runner.IsRunning, 5*time.Second, 5*time.Millisecond)

	e.Abort()
	select {
	case code := <-done:
		assert.Equal(t, 130, code)
	case <-time.After(5 * time.Second):
		t.Fatal("abort did not stop the command")
	}
}
