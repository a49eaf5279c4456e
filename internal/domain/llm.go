package domain

import "context"

// ToolCallDelta is an incremental view of a tool call while the model is
// still streaming it. ArgumentsSoFar is cumulative, not a fragment.
type ToolCallDelta struct {
	ID             string
	Name           string
	ArgumentsSoFar string
	IsComplete     bool
}

// AgentRequest is one LLM round-trip carrying the full history.
type AgentRequest struct {
	Messages     []Message
	Tools        []ToolSchema
	Memory       string
	SystemPrompt string

	// OnToolCallUpdate is invoked for every streamed tool-call delta, in
	// arrival order per call id.
	OnToolCallUpdate func(ToolCallDelta)
	// OnContentUpdate receives the cumulative assistant text.
	OnContentUpdate func(content string)
}

// AgentResponse is the final result of one LLM round-trip.
type AgentResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// AgentCaller is the opaque streaming completion function consumed by the
// conversation engine. Cancellation is carried by ctx.
type AgentCaller interface {
	CallAgent(ctx context.Context, req AgentRequest) (*AgentResponse, error)
}

// AgentCallerFunc adapts a function to AgentCaller.
type AgentCallerFunc func(ctx context.Context, req AgentRequest) (*AgentResponse, error)

// CallAgent implements AgentCaller.
func (f AgentCallerFunc) CallAgent(ctx context.Context, req AgentRequest) (*AgentResponse, error) {
	return f(ctx, req)
}
