package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"wave-agent/internal/domain"
)

// maxPromptSize bounds a delegated prompt.
const maxPromptSize = 1 << 20

// SubagentRunner runs a prompt in an independent conversation and returns
// the final answer.
type SubagentRunner interface {
	RunSubagent(ctx context.Context, prompt string) (string, error)
}

// DelegateTool hands a self-contained task to a subagent, in the foreground
// or as a background task.
type DelegateTool struct {
	runner SubagentRunner
	tasks  TaskManager // nil = foreground only
	logger *slog.Logger
}

// NewDelegateTool creates the delegate tool.
func NewDelegateTool(runner SubagentRunner, tasks TaskManager, logger *slog.Logger) *DelegateTool {
	return &DelegateTool{runner: runner, tasks: tasks, logger: logger}
}

func (t *DelegateTool) Name() string { return "delegate" }
func (t *DelegateTool) Description() string {
	return "Delegate a self-contained task to a subagent that works in its own conversation and reports back"
}

func (t *DelegateTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"description": {"type": "string", "description": "Three to five word summary of the task"},
				"prompt": {"type": "string", "description": "Complete instructions for the subagent"},
				"run_in_background": {"type": "boolean", "description": "Run as a background task and return its id"}
			},
			"required": ["description", "prompt"]
		}`),
	}
}

type delegateParams struct {
	Description     string `json:"description"`
	Prompt          string `json:"prompt"`
	RunInBackground bool   `json:"run_in_background,omitempty"`
}

func (t *DelegateTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.delegate", t.logger, params,
		func(ctx context.Context, _ trace.Span, p delegateParams) (any, error) {
			if strings.TrimSpace(p.Prompt) == "" {
				return Failure("prompt is required"), nil
			}
			if len(p.Prompt) > maxPromptSize {
				return Failure("prompt too large: %d bytes (max %d)", len(p.Prompt), maxPromptSize), nil
			}
			descriptor := p.Description
			if descriptor == "" {
				descriptor = firstLine(p.Prompt)
			}

			if p.RunInBackground {
				if t.tasks == nil {
					return Failure("background execution is not enabled"), nil
				}
				prompt := p.Prompt
				id, err := t.tasks.StartSubagent(ctx, descriptor, func(jobCtx context.Context) (string, error) {
					return t.runner.RunSubagent(jobCtx, prompt)
				})
				if err != nil {
					return nil, err
				}
				return map[string]string{"status": "running", "task_id": id}, nil
			}

			answer, err := t.runner.RunSubagent(ctx, p.Prompt)
			if err != nil {
				return nil, fmt.Errorf("subagent %q: %w", descriptor, err)
			}
			return answer, nil
		},
	)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	if len(line) > 60 {
		line = line[:60] + "..."
	}
	return line
}
