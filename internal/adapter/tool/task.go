package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wave-agent/internal/domain"
)

// TaskTool lets the model inspect and control background tasks.
type TaskTool struct {
	tasks  TaskManager
	logger *slog.Logger
	now    func() time.Time
}

// NewTaskTool creates the task tool.
func NewTaskTool(tasks TaskManager, logger *slog.Logger) *TaskTool {
	return &TaskTool{tasks: tasks, logger: logger, now: time.Now}
}

func (t *TaskTool) Name() string { return "task" }
func (t *TaskTool) Description() string {
	return "Manage background tasks: list them, read their output, or stop them"
}

func (t *TaskTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "enum": ["list", "output", "poll", "stop", "remove"], "description": "Operation to perform"},
				"task_id": {"type": "string", "description": "Task id (all actions except list)"}
			},
			"required": ["action"]
		}`),
	}
}

type taskParams struct {
	Action string `json:"action"`
	TaskID string `json:"task_id,omitempty"`
}

func (t *TaskTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.task", t.logger, params,
		Dispatch(func(p taskParams) string { return p.Action }, ActionMap[taskParams]{
			"list":   t.handleList,
			"output": t.handleOutput,
			"poll":   t.handlePoll,
			"stop":   t.handleStop,
			"remove": t.handleRemove,
		}),
	)
}

type taskListEntry struct {
	ID         string            `json:"id"`
	Kind       domain.TaskKind   `json:"kind"`
	Descriptor string            `json:"descriptor"`
	Status     domain.TaskStatus `json:"status"`
	Runtime    string            `json:"runtime"`
	ExitCode   *int              `json:"exit_code,omitempty"`
}

func (t *TaskTool) handleList(_ context.Context, _ taskParams) (any, error) {
	snaps := t.tasks.List()
	if len(snaps) == 0 {
		return "no background tasks", nil
	}
	now := t.now()
	out := make([]taskListEntry, len(snaps))
	for i, s := range snaps {
		out[i] = taskListEntry{
			ID:         s.ID,
			Kind:       s.Kind,
			Descriptor: s.Descriptor,
			Status:     s.Status,
			Runtime:    s.Runtime(now).Round(time.Millisecond).String(),
			ExitCode:   s.ExitCode,
		}
	}
	return out, nil
}

func (t *TaskTool) handleOutput(_ context.Context, p taskParams) (any, error) {
	if p.TaskID == "" {
		return Failure("task_id is required"), nil
	}
	out, err := t.tasks.Output(p.TaskID)
	if err != nil {
		return nil, err
	}
	return formatTaskOutput(out), nil
}

func (t *TaskTool) handlePoll(_ context.Context, p taskParams) (any, error) {
	if p.TaskID == "" {
		return Failure("task_id is required"), nil
	}
	out, err := t.tasks.Poll(p.TaskID)
	if err != nil {
		return nil, err
	}
	return formatTaskOutput(out), nil
}

func (t *TaskTool) handleStop(ctx context.Context, p taskParams) (any, error) {
	if p.TaskID == "" {
		return Failure("task_id is required"), nil
	}
	if err := t.tasks.Stop(ctx, p.TaskID); err != nil {
		return nil, err
	}
	return fmt.Sprintf("task %s stopped", p.TaskID), nil
}

func (t *TaskTool) handleRemove(ctx context.Context, p taskParams) (any, error) {
	if p.TaskID == "" {
		return Failure("task_id is required"), nil
	}
	if err := t.tasks.Remove(ctx, p.TaskID); err != nil {
		return nil, err
	}
	return fmt.Sprintf("task %s removed", p.TaskID), nil
}

func formatTaskOutput(out domain.TaskOutput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "status: %s", out.Status)
	if out.ExitCode != nil {
		fmt.Fprintf(&sb, " (exit code %d)", *out.ExitCode)
	}
	sb.WriteString("\n")
	if out.Stdout != "" {
		sb.WriteString(out.Stdout)
		if !strings.HasSuffix(out.Stdout, "\n") {
			sb.WriteString("\n")
		}
	}
	if out.Stderr != "" {
		sb.WriteString("STDERR:\n")
		sb.WriteString(out.Stderr)
	}
	return strings.TrimRight(sb.String(), "\n")
}
