package engine

import (
	"context"
	"errors"
	"strings"

	"wave-agent/internal/domain"
)

// SubagentRunner runs delegated prompts, each in a fresh engine that shares
// the parent's LLM and tools but keeps its own history and is never
// persisted.
type SubagentRunner struct {
	deps Deps
}

// NewSubagentRunner creates a runner from the parent's dependencies. The
// tool invoker passed here should not expose delegation itself.
func NewSubagentRunner(deps Deps) *SubagentRunner {
	deps.Store = nil
	deps.Tasks = nil
	deps.Callbacks = Callbacks{}
	return &SubagentRunner{deps: deps}
}

// RunSubagent runs prompt to completion and returns the final answer.
func (r *SubagentRunner) RunSubagent(ctx context.Context, prompt string) (string, error) {
	eng, err := New(r.deps)
	if err != nil {
		return "", err
	}
	defer eng.Close()

	eng.deps.Logger.Debug("subagent started", "session_id", eng.SessionID())
	if err := eng.SendMessage(ctx, prompt); err != nil {
		return "", err
	}
	if eng.State() == StateAborted {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "", context.Canceled
	}
	return finalAnswer(eng.Messages())
}

// finalAnswer extracts the text of the last assistant message. Error blocks
// in that message become the returned error.
func finalAnswer(msgs []domain.Message) (string, error) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role != domain.RoleAssistant {
			continue
		}
		var errs []string
		for _, b := range m.Blocks {
			if b.Type == domain.BlockError {
				errs = append(errs, b.Text)
			}
		}
		text := m.Text()
		if len(errs) > 0 {
			return text, errors.New(strings.Join(errs, "; "))
		}
		return text, nil
	}
	return "", errors.New("subagent produced no answer")
}
