package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"wave-agent/internal/domain"
	"wave-agent/internal/infra/tracer"
	"wave-agent/internal/security"
	"wave-agent/internal/usecase/process"
)

// TaskManager is the background task surface used by tools.
// *process.Supervisor implements it.
type TaskManager interface {
	StartShell(ctx context.Context, command, dir string, env map[string]string) (string, error)
	StartSubagent(ctx context.Context, descriptor string, fn func(ctx context.Context) (string, error)) (string, error)
	List() []domain.TaskSnapshot
	Output(id string) (domain.TaskOutput, error)
	Poll(id string) (domain.TaskOutput, error)
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

// BashTool runs shell commands in the workspace, in the foreground or as a
// background task.
type BashTool struct {
	tasks     TaskManager // nil = no background support
	sandbox   *security.Sandbox
	env       map[string]string
	maxOutput int
	logger    *slog.Logger
}

// BashToolOption configures optional BashTool features.
type BashToolOption func(*BashTool)

// WithTaskManager enables run_in_background through the task supervisor.
func WithTaskManager(tm TaskManager) BashToolOption {
	return func(t *BashTool) { t.tasks = tm }
}

// WithEnv adds environment overrides to every command.
func WithEnv(env map[string]string) BashToolOption {
	return func(t *BashTool) { t.env = env }
}

// WithMaxOutput caps the foreground output kept per stream, in bytes.
func WithMaxOutput(n int) BashToolOption {
	return func(t *BashTool) { t.maxOutput = n }
}

// NewBashTool creates the bash tool.
func NewBashTool(sandbox *security.Sandbox, logger *slog.Logger, opts ...BashToolOption) *BashTool {
	t := &BashTool{sandbox: sandbox, logger: logger}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *BashTool) Name() string { return "bash" }
func (t *BashTool) Description() string {
	return "Run a shell command in the project directory. Set run_in_background for long-running commands; use the task tool to inspect or stop them."
}

func (t *BashTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "The command to execute"},
				"description": {"type": "string", "description": "Short description of what the command does"},
				"workdir": {"type": "string", "description": "Working directory relative to the project root"},
				"run_in_background": {"type": "boolean", "description": "Start as a background task and return its id"}
			},
			"required": ["command"]
		}`),
	}
}

type bashParams struct {
	Command         string `json:"command"`
	Description     string `json:"description,omitempty"`
	WorkDir         string `json:"workdir,omitempty"`
	RunInBackground bool   `json:"run_in_background,omitempty"`
}

func (t *BashTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.bash", t.logger, params,
		func(ctx context.Context, span trace.Span, p bashParams) (any, error) {
			if strings.TrimSpace(p.Command) == "" {
				return Failure("command is required"), nil
			}
			dir, err := t.workDir(ctx, p.WorkDir)
			if err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.StringAttr("bash.command", p.Command))

			if p.RunInBackground {
				if t.tasks == nil {
					return Failure("background execution is not enabled"), nil
				}
				id, err := t.tasks.StartShell(ctx, p.Command, dir, t.env)
				if err != nil {
					return nil, err
				}
				t.logger.Debug("bash command backgrounded", "command", p.Command, "task_id", id)
				return map[string]string{"status": "running", "task_id": id}, nil
			}

			runner := process.NewRunner(t.logger, t.maxOutput)
			res, err := runner.Run(ctx, process.Command{Command: p.Command, Dir: dir, Env: t.env}, nil)
			if err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.IntAttr("bash.exit_code", res.ExitCode))
			return formatRun(res), nil
		},
	)
}

func (t *BashTool) workDir(ctx context.Context, requested string) (string, error) {
	if requested != "" {
		return t.sandbox.Resolve(requested)
	}
	if tctx := toolContext(ctx); tctx.Workdir != "" {
		return tctx.Workdir, nil
	}
	return t.sandbox.Root(), nil
}

func formatRun(res *process.RunResult) *domain.ToolResult {
	var sb strings.Builder
	sb.WriteString(res.Stdout)
	if res.Stderr != "" {
		if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString("STDERR:\n")
		sb.WriteString(res.Stderr)
	}
	out := sb.String()

	switch {
	case res.Aborted:
		return &domain.ToolResult{Content: out, Error: "command was aborted"}
	case res.ExitCode != 0:
		return &domain.ToolResult{Content: out, Error: fmt.Sprintf("command exited with code %d", res.ExitCode)}
	}
	return &domain.ToolResult{Success: true, Content: out}
}
