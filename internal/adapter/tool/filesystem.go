package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"wave-agent/internal/domain"
	"wave-agent/internal/security"
)

// maxReadSize bounds a single file read.
const maxReadSize = 10 * 1024 * 1024

// FilesystemTool provides sandboxed file read/write/list operations.
type FilesystemTool struct {
	sandbox *security.Sandbox
	logger  *slog.Logger
}

// NewFilesystemTool creates a filesystem tool confined to the sandbox.
func NewFilesystemTool(sandbox *security.Sandbox, logger *slog.Logger) *FilesystemTool {
	return &FilesystemTool{sandbox: sandbox, logger: logger}
}

func (t *FilesystemTool) Name() string { return "filesystem" }
func (t *FilesystemTool) Description() string {
	return "Read, write, and list files within the project directory"
}

func (t *FilesystemTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "enum": ["read", "write", "list"], "description": "The file operation to perform"},
				"path": {"type": "string", "description": "File or directory path relative to the project root"},
				"content": {"type": "string", "description": "Content to write (only for write action)"}
			},
			"required": ["action"]
		}`),
	}
}

type filesystemParams struct {
	Action  string `json:"action"`
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

func (t *FilesystemTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.filesystem", t.logger, params,
		Dispatch(func(p filesystemParams) string { return p.Action }, ActionMap[filesystemParams]{
			"read":  t.readFile,
			"write": t.writeFile,
			"list":  t.listDir,
		}),
	)
}

func (t *FilesystemTool) readFile(_ context.Context, p filesystemParams) (any, error) {
	resolved, err := t.sandbox.Resolve(p.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.Path, err)
	}
	if info.IsDir() {
		return Failure("%s is a directory; use the list action", p.Path), nil
	}
	if info.Size() > maxReadSize {
		return Failure("%s is too large: %d bytes (max %d)", p.Path, info.Size(), maxReadSize), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.Path, err)
	}
	return string(data), nil
}

func (t *FilesystemTool) writeFile(_ context.Context, p filesystemParams) (any, error) {
	if p.Path == "" {
		return Failure("path is required for write"), nil
	}
	resolved, err := t.sandbox.Resolve(p.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, fmt.Errorf("create parent of %s: %w", p.Path, err)
	}
	if err := os.WriteFile(resolved, []byte(p.Content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", p.Path, err)
	}
	t.logger.Debug("file written", "path", resolved, "bytes", len(p.Content))
	return fmt.Sprintf("wrote %d bytes to %s", len(p.Content), t.sandbox.Rel(resolved)), nil
}

func (t *FilesystemTool) listDir(_ context.Context, p filesystemParams) (any, error) {
	resolved, err := t.sandbox.Resolve(p.Path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", p.Path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}
