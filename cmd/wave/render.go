package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"wave-agent/internal/domain"
)

const summaryWidth = 60

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	toolStyle  = lipgloss.NewStyle().Bold(true)
	faintStyle = lipgloss.NewStyle().Faint(true)
)

// printer turns message snapshots into terminal output. Assistant text is
// printed once complete; tool calls are printed as they finish.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer
	md     *glamour.TermRenderer // nil prints raw markdown

	skip      int // messages that existed before this run
	last      []domain.Message
	textDone  map[int]bool
	toolsDone map[string]bool
	errsDone  map[string]bool
}

func newPrinter(out, errOut io.Writer, markdown bool) *printer {
	p := &printer{
		out:       out,
		errOut:    errOut,
		textDone:  make(map[int]bool),
		toolsDone: make(map[string]bool),
		errsDone:  make(map[string]bool),
	}
	if markdown {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
		if err == nil {
			p.md = r
		}
	}
	return p
}

// skipExisting hides the n messages already shown in an earlier run.
func (p *printer) skipExisting(n int) {
	p.mu.Lock()
	p.skip = n
	p.mu.Unlock()
}

// onMessages is an engine OnMessagesChange callback.
func (p *printer) onMessages(msgs []domain.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = msgs

	for i := p.skip; i < len(msgs); i++ {
		m := msgs[i]
		if m.Role != domain.RoleAssistant {
			continue
		}
		hasTool := len(m.ToolBlocks()) > 0
		if (hasTool || i < len(msgs)-1) && !p.textDone[i] {
			p.printTextLocked(i, m.Text())
		}
		for j, b := range m.Blocks {
			switch b.Type {
			case domain.BlockTool:
				p.printToolLocked(b.Tool)
			case domain.BlockError:
				key := fmt.Sprintf("%d:%d", i, j)
				if !p.errsDone[key] {
					p.errsDone[key] = true
					fmt.Fprintln(p.errOut, failStyle.Render("error: "+b.Text))
				}
			}
		}
	}
}

// flush prints text of the final message, which has no successor to mark
// it complete.
func (p *printer) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := len(p.last) - 1
	if i < p.skip || p.last[i].Role != domain.RoleAssistant || p.textDone[i] {
		return
	}
	p.printTextLocked(i, p.last[i].Text())
}

func (p *printer) printTextLocked(i int, text string) {
	p.textDone[i] = true
	if strings.TrimSpace(text) == "" {
		return
	}
	if p.md != nil {
		if rendered, err := p.md.Render(text); err == nil {
			fmt.Fprint(p.out, rendered)
			return
		}
	}
	fmt.Fprintln(p.out, text)
}

func (p *printer) printToolLocked(tb *domain.ToolBlock) {
	if tb == nil || tb.Stage != domain.ToolStageEnd || p.toolsDone[tb.ID] {
		return
	}
	p.toolsDone[tb.ID] = true

	mark := okStyle.Render("✓")
	if tb.Success == nil || !*tb.Success {
		mark = failStyle.Render("✗")
	}
	line := fmt.Sprintf("● %s(%s) %s", toolStyle.Render(tb.Name), summarizeArgs(tb.Partial), mark)
	fmt.Fprintln(p.out, line)
	if tb.Error != "" {
		fmt.Fprintln(p.out, faintStyle.Render("  "+truncate(tb.Error, summaryWidth)))
	}
}

// summarizeArgs picks the most telling argument for the status line.
func summarizeArgs(args map[string]any) string {
	for _, key := range []string{"command", "path", "prompt", "task_id", "action"} {
		if s, ok := args[key].(string); ok && s != "" {
			return truncate(s, summaryWidth)
		}
	}
	return ""
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
