package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"wave-agent/internal/domain"
	"wave-agent/internal/infra/tracer"
)

// Registry holds named tools and implements domain.ToolInvoker.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]domain.Tool
	logger   *slog.Logger
	validate bool
}

// NewRegistry creates an empty tool registry. When validate is set, tools
// are wrapped with JSON-Schema validation on Register; a schema that fails
// to compile is logged and the tool is registered unwrapped.
func NewRegistry(logger *slog.Logger, validate bool) *Registry {
	return &Registry{
		tools:    make(map[string]domain.Tool),
		logger:   logger,
		validate: validate,
	}
}

// Register adds a tool. Returns error if name already registered.
func (r *Registry) Register(t domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, fmt.Sprintf("tool %q", name))
	}

	if r.validate {
		wrapped, err := WithSchemaValidation(t)
		if err != nil {
			r.logger.Warn("schema validation disabled for tool", "tool", name, "error", err)
		} else {
			t = wrapped
		}
	}

	r.tools[name] = t
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []domain.Tool {
	r.mu.RLock()
	tools := make([]domain.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	r.mu.RUnlock()

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// Schemas returns all tool schemas for LLM function-calling, sorted by name
// so the request is stable across calls.
func (r *Registry) Schemas() []domain.ToolSchema {
	tools := r.List()
	schemas := make([]domain.ToolSchema, 0, len(tools))
	for _, t := range tools {
		schemas = append(schemas, t.Schema())
	}
	return schemas
}

// Execute runs the named tool with fully parsed arguments. It never panics
// and never returns a Go error: unknown tools, tool errors and tool panics
// all become a failed ToolResult.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, tctx domain.ToolContext) (res domain.ToolResult) {
	ctx, span := tracer.StartSpan(ctx, "registry.execute",
		trace.WithAttributes(tracer.StringAttr("tool.name", name)),
	)
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", p)
			tracer.RecordError(span, fmt.Errorf("panic: %v", p))
			res = domain.ToolResult{Error: fmt.Sprintf("tool %q panicked: %v", name, p)}
		}
	}()

	t, err := r.Get(name)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.ToolResult{Error: fmt.Sprintf("unknown tool %q", name)}
	}

	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.ToolResult{Error: fmt.Sprintf("encode arguments for %q: %v", name, err)}
	}

	ctx = domain.ContextWithToolContext(ctx, tctx)
	if tctx.SessionID != "" {
		ctx = domain.ContextWithSessionID(ctx, tctx.SessionID)
	}

	out, err := t.Execute(ctx, raw)
	switch {
	case err != nil:
		tracer.RecordError(span, err)
		r.logger.Warn("tool returned error", "tool", name, "error", err)
		return domain.ToolResult{Error: err.Error(), IsRetryable: classifyToolError(err)}
	case out == nil:
		return domain.ToolResult{Error: fmt.Sprintf("tool %q returned no result", name)}
	}
	if out.Success {
		tracer.SetOK(span)
	}
	return *out
}
