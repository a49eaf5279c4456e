package tool

import (
	"context"
	"maps"
	"slices"

	"go.opentelemetry.io/otel/trace"

	"wave-agent/internal/infra/tracer"
)

// ActionHandler handles one action of a multi-action tool such as task or
// filesystem.
type ActionHandler[P any] func(ctx context.Context, p P) (any, error)

// ActionMap maps action names to handlers.
type ActionMap[P any] map[string]ActionHandler[P]

// Dispatch returns an Execute handler that routes on the action named by
// getAction. Unknown actions fail with the sorted list of valid ones.
func Dispatch[P any](
	getAction func(P) string,
	actions ActionMap[P],
) func(ctx context.Context, span trace.Span, p P) (any, error) {
	valid := slices.Sorted(maps.Keys(actions))

	return func(ctx context.Context, span trace.Span, p P) (any, error) {
		action := getAction(p)
		span.SetAttributes(tracer.StringAttr("tool.action", action))
		if handler, ok := actions[action]; ok {
			return handler(ctx, p)
		}
		return nil, BadAction(action, valid...)
	}
}
