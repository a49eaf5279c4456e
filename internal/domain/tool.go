package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is a fully streamed request from the model to invoke a tool.
// Arguments is the raw JSON text as produced by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult is the outcome of executing a tool.
type ToolResult struct {
	Success     bool   `json:"success"`
	Content     string `json:"content"`
	Error       string `json:"error,omitempty"`
	IsRetryable bool   `json:"is_retryable,omitempty"`
}

// FileInfo is read-only metadata about a project file.
type FileInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ToolContext is the execution context handed to every tool call.
type ToolContext struct {
	Workdir   string
	SessionID string
	Files     []FileInfo
}

// Tool is the interface every tool must implement. The ToolContext of the
// current call is available through ToolContextFrom(ctx).
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolInvoker dispatches fully parsed tool calls. Execute never panics and
// reports unknown tools as a failed result.
type ToolInvoker interface {
	Execute(ctx context.Context, name string, args map[string]any, tctx ToolContext) ToolResult
	Schemas() []ToolSchema
}
