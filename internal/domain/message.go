package domain

import (
	"maps"
	"strings"
	"time"
)

// Role constants for message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// BlockType tags the variant held by a Block.
type BlockType string

const (
	BlockText          BlockType = "text"
	BlockTool          BlockType = "tool"
	BlockCommandOutput BlockType = "command_output"
	BlockError         BlockType = "error"
	BlockCompress      BlockType = "compress"
	BlockCustomCommand BlockType = "custom_command"
)

// ToolStage is the lifecycle stage of a tool block.
type ToolStage string

const (
	ToolStageRunning ToolStage = "running"
	ToolStageEnd     ToolStage = "end"
)

// Message is one entry of the conversation history. Only the last block of
// the last message is ever updated in place.
type Message struct {
	Role      string    `json:"role"`
	Blocks    []Block   `json:"blocks"`
	Usage     *Usage    `json:"usage,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Block is a tagged union; exactly one payload matches Type.
// Text carries the body of text, error and compress blocks.
type Block struct {
	Type          BlockType           `json:"type"`
	Text          string              `json:"text,omitempty"`
	Tool          *ToolBlock          `json:"tool,omitempty"`
	Command       *CommandBlock       `json:"command,omitempty"`
	CustomCommand *CustomCommandBlock `json:"custom_command,omitempty"`
}

// ToolBlock tracks one tool call from its first streamed delta to its result.
// Partial is replaced wholesale on every delta and never mutated.
type ToolBlock struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments string         `json:"arguments"`
	Partial   map[string]any `json:"partial,omitempty"`
	Stage     ToolStage      `json:"stage"`
	Success   *bool          `json:"success,omitempty"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// CommandBlock is the output of a user-issued shell command.
type CommandBlock struct {
	Command   string `json:"command"`
	Output    string `json:"output"`
	IsRunning bool   `json:"is_running"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}

// CustomCommandBlock records which custom command produced a user message.
type CustomCommandBlock struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewTextBlock returns a text block.
func NewTextBlock(text string) Block { return Block{Type: BlockText, Text: text} }

// NewErrorBlock returns an error block.
func NewErrorBlock(text string) Block { return Block{Type: BlockError, Text: text} }

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Blocks {
		if b.Type == BlockText || b.Type == BlockCompress {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolBlocks returns the tool payloads in block order.
func (m Message) ToolBlocks() []*ToolBlock {
	var out []*ToolBlock
	for _, b := range m.Blocks {
		if b.Type == BlockTool && b.Tool != nil {
			out = append(out, b.Tool)
		}
	}
	return out
}

// Clone returns a deep copy so snapshots handed to observers cannot be
// changed by later engine updates.
func (m Message) Clone() Message {
	out := m
	if m.Usage != nil {
		u := *m.Usage
		out.Usage = &u
	}
	out.Blocks = make([]Block, len(m.Blocks))
	for i, b := range m.Blocks {
		out.Blocks[i] = b.Clone()
	}
	return out
}

// Clone returns a deep copy of the block. Partial maps are shared because
// they are immutable once published.
func (b Block) Clone() Block {
	out := b
	if b.Tool != nil {
		t := *b.Tool
		if b.Tool.Success != nil {
			s := *b.Tool.Success
			t.Success = &s
		}
		out.Tool = &t
	}
	if b.Command != nil {
		c := *b.Command
		if b.Command.ExitCode != nil {
			e := *b.Command.ExitCode
			c.ExitCode = &e
		}
		out.Command = &c
	}
	if b.CustomCommand != nil {
		c := *b.CustomCommand
		out.CustomCommand = &c
	}
	return out
}

// CloneMessages deep-copies a history slice.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// CopyArgs returns a shallow copy of an argument map.
func CopyArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	return maps.Clone(args)
}
