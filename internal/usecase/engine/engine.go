// Package engine runs the foreground conversation: it owns the message
// history, drives LLM round-trips and tool executions, and persists the
// session after every terminal transition.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"wave-agent/internal/domain"
	"wave-agent/internal/infra/tracer"
	"wave-agent/internal/usecase/process"
)

// TaskLister exposes the background task table. *process.Supervisor
// implements it.
type TaskLister interface {
	List() []domain.TaskSnapshot
}

// Callbacks are invoked on every state mutation. They are called one at a
// time, in mutation order, and must not call mutating Engine methods
// synchronously.
type Callbacks struct {
	OnMessagesChange func(messages []domain.Message)
	OnLoadingChange  func(loading bool)
	OnTasksChange    func(tasks []domain.TaskSnapshot)
}

// Deps holds injected dependencies for the engine.
type Deps struct {
	LLM          domain.AgentCaller
	Tools        domain.ToolInvoker
	Memory       domain.MemorySource      // optional, nil = no memory
	Store        domain.SessionStore      // optional, nil = no persistence
	Bus          domain.EventBus          // optional, nil = no events
	Tasks        TaskLister               // optional, feeds OnTasksChange
	Files        func() []domain.FileInfo // optional project file metadata for tools
	Logger       *slog.Logger
	Workdir      string
	SystemPrompt string
	// MaxIterations bounds LLM calls per turn. 0 = unbounded.
	MaxIterations    int
	Compression      CompressionConfig
	MaxCommandOutput int
	Callbacks        Callbacks
}

// Engine is the conversation engine. All methods are safe for concurrent
// use; at most one foreground turn or command runs at a time.
type Engine struct {
	deps       Deps
	compressor *Compressor
	runner     *process.Runner
	now        func() time.Time

	notifyMu sync.Mutex // serializes observer callbacks

	mu        sync.Mutex
	state     State
	messages  []domain.Message
	sessionID string
	createdAt time.Time
	usage     domain.Usage
	turn      *turn
	seq       uint64

	unsubscribe []func()
}

// turn is one foreground user-message-to-final-answer cycle.
type turn struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an engine with a fresh session.
func New(deps Deps) (*Engine, error) {
	if deps.LLM == nil || deps.Tools == nil {
		return nil, domain.NewDomainError("engine.New", domain.ErrInvalidInput, "LLM and Tools are required")
	}
	if deps.MaxIterations < 0 {
		return nil, domain.NewDomainError("engine.New", domain.ErrInvalidInput, "max iterations must not be negative")
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	e := &Engine{
		deps:       deps,
		compressor: NewCompressor(deps.LLM, deps.Compression, deps.Logger),
		runner:     process.NewRunner(deps.Logger, deps.MaxCommandOutput),
		now:        time.Now,
		sessionID:  ulid.Make().String(),
	}
	e.createdAt = e.now()
	e.subscribeTasks()
	return e, nil
}

// SessionID returns the id of the current session.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// State returns the current run state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Messages returns a snapshot of the history.
func (e *Engine) Messages() []domain.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.CloneMessages(e.messages)
}

// Usage returns the token usage reported by the most recent LLM call.
func (e *Engine) Usage() domain.Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usage
}

// SendMessage appends a user message and runs a turn until the model gives
// a final answer, the turn is aborted, or an LLM error ends it. It returns
// a typed error only when the turn could not start; everything that goes
// wrong inside the turn is recorded in the history.
func (e *Engine) SendMessage(ctx context.Context, content string) error {
	return e.send(ctx, "Engine.SendMessage", domain.Message{
		Role:   domain.RoleUser,
		Blocks: []domain.Block{domain.NewTextBlock(content)},
	})
}

// SendCustomCommand runs a turn whose user message is the expanded body of
// a named custom command.
func (e *Engine) SendCustomCommand(ctx context.Context, name, content string) error {
	return e.send(ctx, "Engine.SendCustomCommand", domain.Message{
		Role: domain.RoleUser,
		Blocks: []domain.Block{{
			Type:          domain.BlockCustomCommand,
			CustomCommand: &domain.CustomCommandBlock{Name: name, Content: content},
		}},
	})
}

func (e *Engine) send(ctx context.Context, op string, msg domain.Message) error {
	ctx, span := tracer.StartSpan(ctx, "engine.turn")
	defer span.End()

	var t *turn
	var err error
	e.update(func() bool {
		if err = e.checkIdleLocked(op); err != nil {
			return false
		}
		turnCtx, cancel := context.WithCancel(ctx)
		e.seq++
		t = &turn{id: e.seq, ctx: turnCtx, cancel: cancel}
		e.turn = t
		e.state = StateSending
		msg.Timestamp = e.now()
		e.messages = append(e.messages, msg)
		return true
	})
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}

	e.setLoading(true)
	e.publish(ctx, domain.EventTurnStarted, nil)
	e.deps.Logger.Debug("turn started", "session_id", e.SessionID(), "turn", t.id)

	e.runTurn(t)
	// The turn has ended, by itself or through Abort; state is already
	// idle or aborted here.
	e.save(context.WithoutCancel(t.ctx))
	tracer.SetOK(span)
	return nil
}

// Abort cancels the foreground turn or command. The engine stops issuing
// new work at once; underlying I/O is cancelled best-effort.
func (e *Engine) Abort() {
	e.mu.Lock()
	t := e.turn
	command := e.state == StateRunningCommand
	e.mu.Unlock()

	if command {
		e.runner.Abort()
	}
	if t != nil {
		e.endTurn(t, true)
	}
}

// Restore replaces the history with a stored session.
func (e *Engine) Restore(ctx context.Context, sessionID string) error {
	if e.deps.Store == nil {
		return domain.NewDomainError("Engine.Restore", domain.ErrInvalidInput, "no session store configured")
	}
	data, err := e.deps.Store.LoadSession(ctx, sessionID)
	if err != nil {
		return domain.WrapOp("Engine.Restore", err)
	}

	e.update(func() bool {
		if err = e.checkIdleLocked("Engine.Restore"); err != nil {
			return false
		}
		e.sessionID = data.ID
		e.createdAt = data.CreatedAt
		e.messages = domain.CloneMessages(data.Messages)
		e.usage = domain.Usage{}
		for i := len(e.messages) - 1; i >= 0; i-- {
			if u := e.messages[i].Usage; u != nil {
				e.usage = *u
				break
			}
		}
		e.state = StateIdle
		return true
	})
	if err == nil {
		e.deps.Logger.Info("session restored", "session_id", data.ID, "messages", len(data.Messages))
	}
	return err
}

// AddMemory appends an entry to project or user memory.
func (e *Engine) AddMemory(ctx context.Context, scope domain.MemoryScope, text string) error {
	if e.deps.Memory == nil {
		return domain.NewSubSystemError("memory", "Engine.AddMemory", domain.ErrInvalidInput, "no memory configured")
	}
	return e.deps.Memory.Add(ctx, scope, text)
}

// Close aborts foreground work and detaches from the event bus.
func (e *Engine) Close() {
	e.Abort()
	e.mu.Lock()
	unsub := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	for _, fn := range unsub {
		fn()
	}
}

// checkIdleLocked rejects foreground work while another is in flight.
func (e *Engine) checkIdleLocked(op string) error {
	switch {
	case e.state == StateRunningCommand:
		return domain.NewDomainError(op, domain.ErrCommandRunning, "")
	case e.state.Busy():
		return domain.NewDomainError(op, domain.ErrTurnInProgress, e.state.String())
	}
	return nil
}

// ownsLocked reports whether t is still the live turn.
func (e *Engine) ownsLocked(t *turn) bool {
	return e.turn == t && t.ctx.Err() == nil
}

// endTurn performs the terminal transition for t once. Later calls, and
// calls for a turn that was superseded, are no-ops. Persistence is left to
// the turn goroutine so Abort never waits on the store.
func (e *Engine) endTurn(t *turn, aborted bool) {
	t.cancel()

	ended := false
	e.update(func() bool {
		if e.turn != t {
			return false
		}
		ended = true
		e.closeRunningToolsLocked()
		e.turn = nil
		if aborted {
			e.state = StateAborted
		} else {
			e.state = StateIdle
		}
		return true
	})
	if !ended {
		return
	}

	e.setLoading(false)
	ctx := context.WithoutCancel(t.ctx)
	if aborted {
		e.deps.Logger.Info("turn aborted", "session_id", e.SessionID(), "turn", t.id)
		e.publish(ctx, domain.EventTurnAborted, nil)
	} else {
		e.publish(ctx, domain.EventTurnCompleted, nil)
	}
}

// closeRunningToolsLocked ends every tool block of the last message that
// never received a result.
func (e *Engine) closeRunningToolsLocked() {
	if len(e.messages) == 0 {
		return
	}
	for _, b := range e.messages[len(e.messages)-1].ToolBlocks() {
		if b.Stage == domain.ToolStageRunning {
			b.Stage = domain.ToolStageEnd
		}
	}
}

func (e *Engine) setStateFor(t *turn, s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ownsLocked(t) {
		e.state = s
	}
}

// update applies fn under the state lock and, when fn reports a change,
// hands a history snapshot to OnMessagesChange.
func (e *Engine) update(fn func() bool) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	changed := fn()
	cb := e.deps.Callbacks.OnMessagesChange
	var snap []domain.Message
	if changed && cb != nil {
		snap = domain.CloneMessages(e.messages)
	}
	e.mu.Unlock()

	if changed && cb != nil {
		cb(snap)
	}
}

func (e *Engine) setLoading(loading bool) {
	cb := e.deps.Callbacks.OnLoadingChange
	if cb == nil {
		return
	}
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	cb(loading)
}

// lastMessageLocked returns the message currently being built.
func (e *Engine) lastMessageLocked() *domain.Message {
	return &e.messages[len(e.messages)-1]
}

// save persists the session. Failures are logged only.
func (e *Engine) save(ctx context.Context) {
	if e.deps.Store == nil {
		return
	}
	e.mu.Lock()
	data := domain.SessionData{
		ID:        e.sessionID,
		Workdir:   e.deps.Workdir,
		Messages:  domain.CloneMessages(e.messages),
		CreatedAt: e.createdAt,
		UpdatedAt: e.now(),
	}
	e.mu.Unlock()

	ctx, span := tracer.StartSpan(ctx, "engine.save_session")
	defer span.End()

	if err := e.deps.Store.SaveSession(ctx, data); err != nil {
		tracer.RecordError(span, err)
		e.deps.Logger.Warn("session save failed", "session_id", data.ID, "error", err)
		return
	}
	tracer.SetOK(span)
	e.publish(ctx, domain.EventSessionSaved, nil)
}

// publish sends an event on the bus if one is configured.
func (e *Engine) publish(ctx context.Context, eventType domain.EventType, payload any) {
	if e.deps.Bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			e.deps.Logger.Warn("marshal event payload", "type", eventType, "error", err)
		} else {
			raw = data
		}
	}
	e.deps.Bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: e.now(),
		SessionID: e.SessionID(),
		Payload:   raw,
	})
}

var taskEventTypes = []domain.EventType{
	domain.EventTaskStarted,
	domain.EventTaskCompleted,
	domain.EventTaskFailed,
	domain.EventTaskKilled,
	domain.EventTaskRemoved,
}

// subscribeTasks forwards task table changes to OnTasksChange.
func (e *Engine) subscribeTasks() {
	cb := e.deps.Callbacks.OnTasksChange
	if e.deps.Bus == nil || e.deps.Tasks == nil || cb == nil {
		return
	}
	handler := func(context.Context, domain.Event) {
		cb(e.deps.Tasks.List())
	}
	for _, t := range taskEventTypes {
		e.unsubscribe = append(e.unsubscribe, e.deps.Bus.Subscribe(t, handler))
	}
}

// errorText renders an error for an error block.
func errorText(err error) string {
	var de *domain.DomainError
	if errors.As(err, &de) && de.Detail != "" {
		return fmt.Sprintf("Error: %s (%s)", de.Err, de.Detail)
	}
	return "Error: " + err.Error()
}
