package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"wave-agent/internal/domain"
)

// --- OpenAI chat-completions wire types ---

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	Tools         []openaiTool         `json:"tools,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	Stream        bool                 `json:"stream"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiToolCall struct {
	// Index is only present in streamed deltas.
	Index    *int                   `json:"index,omitempty"`
	ID       string                 `json:"id,omitempty"`
	Type     string                 `json:"type,omitempty"`
	Function openaiToolCallFunction `json:"function"`
}

type openaiToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiStreamChunk struct {
	ID      string               `json:"id"`
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
	Error   *openaiError         `json:"error,omitempty"`
}

type openaiStreamChoice struct {
	Index        int               `json:"index"`
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// toOpenAIRequest converts an agent request into a streaming
// chat-completions request.
func (c *Client) toOpenAIRequest(req domain.AgentRequest) openaiRequest {
	oaiReq := openaiRequest{
		Model:         c.model,
		Messages:      toOpenAIMessages(req),
		MaxTokens:     c.maxTokens,
		Temperature:   c.temperature,
		Stream:        true,
		StreamOptions: &openaiStreamOptions{IncludeUsage: true},
	}

	if len(req.Tools) > 0 {
		oaiReq.Tools = make([]openaiTool, len(req.Tools))
		for i, t := range req.Tools {
			params := t.Parameters
			if len(params) == 0 {
				params = emptyObjectSchema
			}
			oaiReq.Tools[i] = openaiTool{
				Type: "function",
				Function: openaiToolFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  params,
				},
			}
		}
	}
	return oaiReq
}

// toOpenAIMessages flattens the block history. Tool blocks become an
// assistant tool_calls entry followed by one tool message per call; error
// blocks are UI-only and never sent.
func toOpenAIMessages(req domain.AgentRequest) []openaiMessage {
	msgs := make([]openaiMessage, 0, len(req.Messages)+1)
	if sys := systemContent(req.SystemPrompt, req.Memory); sys != "" {
		msgs = append(msgs, openaiMessage{Role: "system", Content: sys})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleUser:
			if text := userContent(m); text != "" {
				msgs = append(msgs, openaiMessage{Role: "user", Content: text})
			}
		case domain.RoleAssistant:
			msgs = append(msgs, assistantMessages(m)...)
		}
	}
	return msgs
}

func systemContent(prompt, memory string) string {
	memory = strings.TrimSpace(memory)
	switch {
	case memory == "":
		return prompt
	case prompt == "":
		return "# Memory\n\n" + memory
	default:
		return prompt + "\n\n# Memory\n\n" + memory
	}
}

func userContent(m domain.Message) string {
	var parts []string
	for _, b := range m.Blocks {
		switch b.Type {
		case domain.BlockText:
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case domain.BlockCustomCommand:
			if b.CustomCommand != nil {
				parts = append(parts, b.CustomCommand.Content)
			}
		case domain.BlockCommandOutput:
			if b.Command != nil {
				parts = append(parts, commandContent(b.Command))
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

func commandContent(c *domain.CommandBlock) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "I ran the shell command `%s`", c.Command)
	if c.ExitCode != nil {
		fmt.Fprintf(&sb, " (exit code %d)", *c.ExitCode)
	}
	sb.WriteString(". Output:\n")
	sb.WriteString(c.Output)
	return sb.String()
}

func assistantMessages(m domain.Message) []openaiMessage {
	var text []string
	var calls []openaiToolCall
	var results []openaiMessage

	for _, b := range m.Blocks {
		switch b.Type {
		case domain.BlockText:
			if b.Text != "" {
				text = append(text, b.Text)
			}
		case domain.BlockCompress:
			text = append(text, "Summary of the earlier conversation:\n"+b.Text)
		case domain.BlockTool:
			if b.Tool == nil || b.Tool.ID == "" {
				continue
			}
			args := b.Tool.Arguments
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			calls = append(calls, openaiToolCall{
				ID:       b.Tool.ID,
				Type:     "function",
				Function: openaiToolCallFunction{Name: b.Tool.Name, Arguments: args},
			})
			results = append(results, openaiMessage{
				Role:       "tool",
				ToolCallID: b.Tool.ID,
				Content:    toolResultContent(b.Tool),
			})
		}
	}

	if len(text) == 0 && len(calls) == 0 {
		return nil
	}
	out := []openaiMessage{{Role: "assistant", Content: strings.Join(text, "\n\n"), ToolCalls: calls}}
	return append(out, results...)
}

func toolResultContent(t *domain.ToolBlock) string {
	if t.Stage != domain.ToolStageEnd {
		return "Error: tool call did not complete"
	}
	if t.Success != nil && !*t.Success {
		msg := t.Error
		if msg == "" {
			msg = t.Result
		}
		return "Error: " + msg
	}
	if t.Result == "" {
		return "(no output)"
	}
	return t.Result
}
