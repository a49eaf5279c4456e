package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"wave-agent/internal/domain"
	"wave-agent/internal/infra/tracer"
)

const compressSystemPrompt = `You are a conversation summarizer for a coding assistant. Given a conversation history, produce a concise summary that preserves:
- Files, commands and code locations that were discussed or changed
- Decisions, conclusions and user requirements
- Any pending tasks or open questions

Output ONLY the summary, no preamble.`

// maxToolResultInTranscript bounds each tool result rendered for the summarizer.
const maxToolResultInTranscript = 2000

// CompressionConfig controls history compression.
type CompressionConfig struct {
	// Threshold is the prompt size, in total tokens of the last call, above
	// which older messages are summarized. 0 disables compression.
	Threshold  int
	KeepRecent int
}

// Compressor summarizes old conversation messages to reduce token usage.
type Compressor struct {
	llm    domain.AgentCaller
	config CompressionConfig
	logger *slog.Logger
}

// NewCompressor creates a compressor with the given config.
func NewCompressor(llm domain.AgentCaller, cfg CompressionConfig, logger *slog.Logger) *Compressor {
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = 10
	}
	return &Compressor{llm: llm, config: cfg, logger: logger}
}

// ShouldCompress reports whether the last call's usage crossed the threshold.
func (c *Compressor) ShouldCompress(usage domain.Usage) bool {
	return c.config.Threshold > 0 && usage.TotalTokens > c.config.Threshold
}

// Split returns how many leading messages would be summarized. 0 means
// the history is too short to compress.
func (c *Compressor) Split(msgs []domain.Message) int {
	if len(msgs) <= c.config.KeepRecent {
		return 0
	}
	return len(msgs) - c.config.KeepRecent
}

// Summarize asks the LLM for a summary of msgs.
func (c *Compressor) Summarize(ctx context.Context, msgs []domain.Message) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "engine.compress")
	defer span.End()

	transcript := renderTranscript(msgs)
	if strings.TrimSpace(transcript) == "" {
		return "", nil
	}

	resp, err := safeCallAgent(ctx, c.llm, domain.AgentRequest{
		SystemPrompt: compressSystemPrompt,
		Messages: []domain.Message{{
			Role:   domain.RoleUser,
			Blocks: []domain.Block{domain.NewTextBlock(transcript)},
		}},
	})
	if err != nil {
		tracer.RecordError(span, err)
		return "", domain.WrapOp("compress", err)
	}
	tracer.SetOK(span)
	return strings.TrimSpace(resp.Content), nil
}

// renderTranscript flattens messages into plain text for summarization.
func renderTranscript(msgs []domain.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		for _, b := range m.Blocks {
			switch b.Type {
			case domain.BlockText, domain.BlockCompress:
				fmt.Fprintf(&sb, "%s: %s\n", m.Role, b.Text)
			case domain.BlockCustomCommand:
				fmt.Fprintf(&sb, "%s: /%s %s\n", m.Role, b.CustomCommand.Name, b.CustomCommand.Content)
			case domain.BlockTool:
				result := b.Tool.Result
				if b.Tool.Error != "" {
					result = "error: " + b.Tool.Error
				}
				if len(result) > maxToolResultInTranscript {
					result = result[:maxToolResultInTranscript] + "..."
				}
				fmt.Fprintf(&sb, "tool %s(%s) -> %s\n", b.Tool.Name, b.Tool.Arguments, result)
			case domain.BlockCommandOutput:
				fmt.Fprintf(&sb, "$ %s\n%s\n", b.Command.Command, b.Command.Output)
			case domain.BlockError:
				fmt.Fprintf(&sb, "error: %s\n", b.Text)
			}
		}
	}
	return sb.String()
}

// maybeCompress replaces the older part of the history with a summary once
// the last call crossed the threshold. Failures are logged and ignored.
func (e *Engine) maybeCompress(t *turn) {
	e.mu.Lock()
	if !e.ownsLocked(t) || !e.compressor.ShouldCompress(e.usage) {
		e.mu.Unlock()
		return
	}
	n := e.compressor.Split(e.messages)
	older := domain.CloneMessages(e.messages[:n])
	total := len(e.messages)
	e.mu.Unlock()
	if n == 0 {
		return
	}

	summary, err := e.compressor.Summarize(t.ctx, older)
	if err != nil {
		e.deps.Logger.Warn("compression failed, continuing without compression", "error", err)
		return
	}
	if summary == "" {
		return
	}

	swapped := false
	e.update(func() bool {
		if !e.ownsLocked(t) || len(e.messages) != total {
			return false
		}
		swapped = true
		compressed := domain.Message{
			Role:      domain.RoleAssistant,
			Blocks:    []domain.Block{{Type: domain.BlockCompress, Text: summary}},
			Timestamp: e.now(),
		}
		e.messages = append([]domain.Message{compressed}, e.messages[n:]...)
		return true
	})
	if !swapped {
		e.deps.Logger.Debug("compression discarded, turn ended or history changed during summarization")
		return
	}
	e.deps.Logger.Info("conversation compressed",
		"original_count", total,
		"kept_recent", total-n,
	)
}
