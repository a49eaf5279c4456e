package llm

import (
	"strings"

	"github.com/google/uuid"

	"wave-agent/internal/domain"
)

type toolCallState struct {
	id   string
	name string
	args strings.Builder
}

// streamAccumulator folds streamed chunks into the final response and
// reports cumulative progress to the request callbacks.
type streamAccumulator struct {
	content strings.Builder
	calls   []*toolCallState
	byIndex map[int]*toolCallState
	usage   domain.Usage

	onTool    func(domain.ToolCallDelta)
	onContent func(string)
	newID     func() string
}

func newStreamAccumulator(req domain.AgentRequest) *streamAccumulator {
	return &streamAccumulator{
		byIndex:   make(map[int]*toolCallState),
		onTool:    req.OnToolCallUpdate,
		onContent: req.OnContentUpdate,
		newID:     func() string { return "call_" + uuid.NewString() },
	}
}

func (a *streamAccumulator) add(chunk openaiStreamChunk) {
	if chunk.Usage != nil {
		a.usage = domain.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}

	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		if choice.Delta.Content != "" {
			a.content.WriteString(choice.Delta.Content)
			if a.onContent != nil {
				a.onContent(a.content.String())
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			st := a.callFor(tc)
			if st.id == "" {
				st.id = tc.ID
			}
			if st.name == "" {
				st.name = tc.Function.Name
			}
			st.args.WriteString(tc.Function.Arguments)
			a.emit(st, false)
		}
	}
}

// callFor finds the call a fragment belongs to. Fragments carry an index;
// for servers that omit it, a fragment continues the call with the same id,
// or the last call when it has no id, and an unseen id starts a new call.
func (a *streamAccumulator) callFor(tc openaiToolCall) *toolCallState {
	idx := len(a.calls)
	switch {
	case tc.Index != nil:
		idx = *tc.Index
	case tc.ID == "" && len(a.calls) > 0:
		return a.calls[len(a.calls)-1]
	case tc.ID != "":
		for _, st := range a.calls {
			if st.id == tc.ID {
				return st
			}
		}
	}

	st, ok := a.byIndex[idx]
	if !ok {
		st = &toolCallState{}
		a.byIndex[idx] = st
		a.calls = append(a.calls, st)
	}
	return st
}

// emit reports the cumulative view of st. A call whose id has not arrived
// yet gets a synthesized one, which sticks.
func (a *streamAccumulator) emit(st *toolCallState, complete bool) {
	if st.id == "" {
		st.id = a.newID()
	}
	if a.onTool == nil {
		return
	}
	a.onTool(domain.ToolCallDelta{
		ID:             st.id,
		Name:           st.name,
		ArgumentsSoFar: st.args.String(),
		IsComplete:     complete,
	})
}

// finish marks every call complete and builds the response.
func (a *streamAccumulator) finish() *domain.AgentResponse {
	resp := &domain.AgentResponse{
		Content: a.content.String(),
		Usage:   a.usage,
	}
	for _, st := range a.calls {
		a.emit(st, true)
		resp.ToolCalls = append(resp.ToolCalls, domain.ToolCall{
			ID:        st.id,
			Name:      st.name,
			Arguments: st.args.String(),
		})
	}
	return resp
}
