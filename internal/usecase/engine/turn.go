package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"wave-agent/internal/domain"
	"wave-agent/internal/infra/tracer"
	"wave-agent/internal/usecase/partialjson"
)

// runTurn loops LLM call -> tool execution until the model stops asking for
// tools or the turn ends some other way.
func (e *Engine) runTurn(t *turn) {
	for iter := 0; ; iter++ {
		if limit := e.deps.MaxIterations; limit > 0 && iter >= limit {
			e.appendBlock(t, domain.NewErrorBlock(fmt.Sprintf("Error: %v (%d)", domain.ErrMaxIterations, limit)))
			e.endTurn(t, false)
			return
		}

		resp, err := e.callLLM(t, iter)
		if t.ctx.Err() != nil {
			e.endTurn(t, true)
			return
		}
		if err != nil {
			e.deps.Logger.Warn("llm call failed", "session_id", e.SessionID(), "iteration", iter, "error", err)
			e.appendBlock(t, domain.NewErrorBlock(errorText(err)))
			e.endTurn(t, false)
			return
		}

		calls := e.resolveResponse(t, resp)
		e.deps.Logger.Debug("llm response",
			"iteration", iter,
			"tool_calls", len(calls),
			"tokens", resp.Usage.TotalTokens,
		)
		if len(calls) == 0 {
			e.maybeCompress(t)
			e.endTurn(t, t.ctx.Err() != nil)
			return
		}

		e.setStateFor(t, StateToolExecuting)
		executed := e.executeTools(t, calls)
		if t.ctx.Err() != nil {
			e.endTurn(t, true)
			return
		}
		if executed == 0 {
			e.endTurn(t, false)
			return
		}
		e.setStateFor(t, StateSending)
	}
}

// callLLM opens a new assistant message and streams one completion into it.
func (e *Engine) callLLM(t *turn, iter int) (*domain.AgentResponse, error) {
	ctx, span := tracer.StartSpan(t.ctx, "engine.llm_call",
		trace.WithAttributes(tracer.IntAttr("iteration", iter)),
	)
	defer span.End()

	var history []domain.Message
	owned := false
	e.update(func() bool {
		if !e.ownsLocked(t) {
			return false
		}
		owned = true
		history = domain.CloneMessages(e.messages)
		e.messages = append(e.messages, domain.Message{Role: domain.RoleAssistant, Timestamp: e.now()})
		return true
	})
	if !owned {
		return nil, context.Cause(t.ctx)
	}

	req := domain.AgentRequest{
		Messages:         history,
		Tools:            e.deps.Tools.Schemas(),
		Memory:           e.loadMemory(ctx),
		SystemPrompt:     e.deps.SystemPrompt,
		OnToolCallUpdate: e.onToolCallDelta(t),
		OnContentUpdate:  e.onContentUpdate(t),
	}

	e.publish(ctx, domain.EventLLMCallStarted, nil)
	resp, err := safeCallAgent(ctx, e.deps.LLM, req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	e.publish(ctx, domain.EventLLMCallCompleted, resp.Usage)
	tracer.SetOK(span)
	return resp, nil
}

// safeCallAgent turns a panicking or empty LLM call into an error.
func safeCallAgent(ctx context.Context, llm domain.AgentCaller, req domain.AgentRequest) (resp *domain.AgentResponse, err error) {
	defer func() {
		if p := recover(); p != nil {
			resp, err = nil, domain.NewSubSystemError("llm", "CallAgent", domain.ErrProviderError, fmt.Sprintf("panic: %v", p))
		}
	}()
	resp, err = llm.CallAgent(ctx, req)
	if err == nil && resp == nil {
		err = domain.NewSubSystemError("llm", "CallAgent", domain.ErrProviderError, "empty response")
	}
	return resp, err
}

// onToolCallDelta updates the matching tool block with a fresh extraction
// snapshot. Deltas arriving after the turn ended are ignored.
func (e *Engine) onToolCallDelta(t *turn) func(domain.ToolCallDelta) {
	return func(d domain.ToolCallDelta) {
		if d.ID == "" || t.ctx.Err() != nil {
			return
		}
		partial := partialjson.Extract(d.ArgumentsSoFar)
		e.update(func() bool {
			if !e.ownsLocked(t) {
				return false
			}
			b := ensureToolBlock(e.lastMessageLocked(), d.ID, d.Name)
			if d.Name != "" {
				b.Name = d.Name
			}
			b.Arguments = d.ArgumentsSoFar
			b.Partial = partial
			return true
		})
	}
}

func (e *Engine) onContentUpdate(t *turn) func(string) {
	return func(content string) {
		if t.ctx.Err() != nil {
			return
		}
		e.update(func() bool {
			if !e.ownsLocked(t) {
				return false
			}
			setText(e.lastMessageLocked(), content)
			return true
		})
	}
}

// resolveResponse writes the final content, tool calls and usage into the
// assistant message and returns the calls to execute.
func (e *Engine) resolveResponse(t *turn, resp *domain.AgentResponse) []domain.ToolCall {
	calls := make([]domain.ToolCall, 0, len(resp.ToolCalls))
	for _, c := range resp.ToolCalls {
		if c.ID == "" {
			c.ID = "call_" + uuid.NewString()
		}
		calls = append(calls, c)
	}

	owned := false
	e.update(func() bool {
		if !e.ownsLocked(t) {
			return false
		}
		owned = true
		msg := e.lastMessageLocked()
		if resp.Content != "" {
			setText(msg, resp.Content)
		}

		keep := make(map[string]bool, len(calls))
		for _, c := range calls {
			keep[c.ID] = true
			b := ensureToolBlock(msg, c.ID, c.Name)
			b.Name = c.Name
			b.Arguments = c.Arguments
			b.Partial = partialjson.Extract(c.Arguments)
		}
		// Drop streamed calls the final response does not confirm.
		msg.Blocks = slices.DeleteFunc(msg.Blocks, func(b domain.Block) bool {
			return b.Type == domain.BlockTool && (b.Tool == nil || !keep[b.Tool.ID])
		})

		usage := resp.Usage
		msg.Usage = &usage
		e.usage = usage
		return true
	})
	if !owned {
		return nil
	}
	return calls
}

// executeTools runs the calls of one response concurrently and reports how
// many reached the tool invoker.
func (e *Engine) executeTools(t *turn, calls []domain.ToolCall) int {
	tctx := domain.ToolContext{Workdir: e.deps.Workdir, SessionID: e.SessionID()}
	if e.deps.Files != nil {
		tctx.Files = e.deps.Files()
	}

	var executed atomic.Int32
	var g errgroup.Group
	for _, call := range calls {
		g.Go(func() error {
			if e.executeTool(t, call, tctx) {
				executed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(executed.Load())
}

// executeTool parses and runs one call. It returns false when the tool was
// never invoked.
func (e *Engine) executeTool(t *turn, call domain.ToolCall, tctx domain.ToolContext) bool {
	args, err := parseArguments(call.Arguments)
	if err != nil {
		// Cancellation takes precedence over error reporting.
		if t.ctx.Err() != nil {
			return false
		}
		e.deps.Logger.Warn("tool arguments rejected", "tool", call.Name, "error", err)
		e.update(func() bool {
			if !e.ownsLocked(t) {
				return false
			}
			msg := e.lastMessageLocked()
			if b := findToolBlock(msg, call.ID); b != nil {
				b.Stage = domain.ToolStageEnd
				b.Success = new(false)
				b.Error = err.Error()
			}
			msg.Blocks = append(msg.Blocks, domain.NewErrorBlock(
				fmt.Sprintf("Failed to parse arguments for tool %q: %v", call.Name, err)))
			return true
		})
		return false
	}
	if t.ctx.Err() != nil {
		return false
	}

	ctx, span := tracer.StartSpan(t.ctx, "engine.tool_call",
		trace.WithAttributes(
			tracer.StringAttr("tool.name", call.Name),
			tracer.StringAttr("tool.call_id", call.ID),
		),
	)
	defer span.End()

	e.publish(ctx, domain.EventToolCallStarted, domain.ToolEventPayload{ToolCallID: call.ID, Name: call.Name})
	res := safeExecute(ctx, e.deps.Tools, call.Name, args, tctx)
	e.publish(ctx, domain.EventToolCallCompleted, domain.ToolEventPayload{ToolCallID: call.ID, Name: call.Name, Success: res.Success})

	if res.Success {
		tracer.SetOK(span)
	} else {
		tracer.RecordError(span, fmt.Errorf("%s", res.Error))
	}

	e.update(func() bool {
		if !e.ownsLocked(t) {
			return false
		}
		b := findToolBlock(e.lastMessageLocked(), call.ID)
		if b == nil {
			return false
		}
		b.Stage = domain.ToolStageEnd
		b.Success = new(res.Success)
		b.Result = res.Content
		b.Error = res.Error
		return true
	})
	return true
}

func safeExecute(ctx context.Context, tools domain.ToolInvoker, name string, args map[string]any, tctx domain.ToolContext) (res domain.ToolResult) {
	defer func() {
		if p := recover(); p != nil {
			res = domain.ToolResult{Error: fmt.Sprintf("tool %q panicked: %v", name, p)}
		}
	}()
	return tools.Execute(ctx, name, args, tctx)
}

// parseArguments fully parses a completed argument string. An empty string
// or null is an empty object. Numbers stay json.Number so integers beyond
// 2^53 reach tools unrounded.
func parseArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArguments, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after JSON value", domain.ErrInvalidArguments)
	}
	switch m := v.(type) {
	case map[string]any:
		return m, nil
	case nil:
		return map[string]any{}, nil
	default:
		return nil, fmt.Errorf("%w: expected a JSON object, got %T", domain.ErrInvalidArguments, v)
	}
}

// appendBlock adds a block to the message being built by t.
func (e *Engine) appendBlock(t *turn, b domain.Block) {
	e.update(func() bool {
		if e.turn != t || len(e.messages) == 0 {
			return false
		}
		msg := e.lastMessageLocked()
		msg.Blocks = append(msg.Blocks, b)
		return true
	})
}

// setText keeps the assistant text as the first block of the message.
func setText(msg *domain.Message, content string) {
	if len(msg.Blocks) > 0 && msg.Blocks[0].Type == domain.BlockText {
		msg.Blocks[0].Text = content
		return
	}
	msg.Blocks = slices.Insert(msg.Blocks, 0, domain.NewTextBlock(content))
}

func findToolBlock(msg *domain.Message, id string) *domain.ToolBlock {
	for _, b := range msg.Blocks {
		if b.Type == domain.BlockTool && b.Tool != nil && b.Tool.ID == id {
			return b.Tool
		}
	}
	return nil
}

func ensureToolBlock(msg *domain.Message, id, name string) *domain.ToolBlock {
	if b := findToolBlock(msg, id); b != nil {
		return b
	}
	b := &domain.ToolBlock{ID: id, Name: name, Stage: domain.ToolStageRunning}
	msg.Blocks = append(msg.Blocks, domain.Block{Type: domain.BlockTool, Tool: b})
	return b
}
