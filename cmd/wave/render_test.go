package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wave-agent/internal/domain"
)

func assistant(blocks ...domain.Block) domain.Message {
	return domain.Message{Role: domain.RoleAssistant, Blocks: blocks}
}

func toolBlock(id string, stage domain.ToolStage, ok bool) domain.Block {
	return domain.Block{Type: domain.BlockTool, Tool: &domain.ToolBlock{
		ID: id, Name: "bash", Partial: map[string]any{"command": "go test ./..."},
		Stage: stage, Success: new(ok),
	}}
}

func TestPrinterPrintsTextOnceBeforeTools(t *testing.T) {
	var out, errOut bytes.Buffer
	p := newPrinter(&out, &errOut, false)
	user := domain.Message{Role: domain.RoleUser, Blocks: []domain.Block{domain.NewTextBlock("go")}}

	p.onMessages([]domain.Message{user, assistant(domain.NewTextBlock("Run"))})
	assert.Empty(t, out.String(), "text still streaming")

	p.onMessages([]domain.Message{user, assistant(domain.NewTextBlock("Running tests"), toolBlock("c1", domain.ToolStageRunning, true))})
	p.onMessages([]domain.Message{user, assistant(domain.NewTextBlock("Running tests"), toolBlock("c1", domain.ToolStageEnd, true))})
	p.onMessages([]domain.Message{user, assistant(domain.NewTextBlock("Running tests"), toolBlock("c1", domain.ToolStageEnd, true))})

	got := out.String()
	assert.Equal(t, 1, bytes.Count(out.Bytes(), []byte("Running tests")))
	assert.Equal(t, 1, bytes.Count(out.Bytes(), []byte("bash")))
	assert.Contains(t, got, "go test ./...")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("Running tests")), bytes.Index(out.Bytes(), []byte("bash")))
}

func TestPrinterFlushFinalAnswer(t *testing.T) {
	var out, errOut bytes.Buffer
	p := newPrinter(&out, &errOut, false)
	p.onMessages([]domain.Message{assistant(domain.NewTextBlock("done"))})
	p.flush()
	p.flush()
	assert.Equal(t, "done\n", out.String())
}

func TestPrinterErrorsGoToErrOut(t *testing.T) {
	var out, errOut bytes.Buffer
	p := newPrinter(&out, &errOut, false)
	msgs := []domain.Message{assistant(domain.NewErrorBlock("rate limited"))}
	p.onMessages(msgs)
	p.onMessages(msgs)
	assert.Equal(t, 1, bytes.Count(errOut.Bytes(), []byte("rate limited")))
}

func TestPrinterSkipsRestoredMessages(t *testing.T) {
	var out, errOut bytes.Buffer
	p := newPrinter(&out, &errOut, false)
	old := assistant(domain.NewTextBlock("old answer"))
	p.skipExisting(1)
	p.onMessages([]domain.Message{old, {Role: domain.RoleUser}, assistant(domain.NewTextBlock("new answer"))})
	p.flush()
	assert.NotContains(t, out.String(), "old answer")
	assert.Contains(t, out.String(), "new answer")
}

func TestSummarizeArgsAndTruncate(t *testing.T) {
	assert.Equal(t, "ls -la", summarizeArgs(map[string]any{"command": "ls   -la"}))
	assert.Equal(t, "a.go", summarizeArgs(map[string]any{"path": "a.go", "content": "x"}))
	assert.Empty(t, summarizeArgs(nil))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

func TestParseSlash(t *testing.T) {
	name, args, ok := parseSlash("/review  main.go")
	require.True(t, ok)
	assert.Equal(t, "review", name)
	assert.Equal(t, "main.go", args)

	_, _, ok = parseSlash("/../etc")
	assert.False(t, ok)
	_, _, ok = parseSlash("review")
	assert.False(t, ok)
}

func TestLoadCustomCommand(t *testing.T) {
	project := t.TempDir()
	user := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(user, "review.md"), []byte("Review $ARGUMENTS carefully."), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(project, "fix.md"), []byte("Fix the build.\n"), 0644))
	dirs := []string{project, user}

	cc, err := loadCustomCommand(dirs, "review", "main.go")
	require.NoError(t, err)
	require.NotNil(t, cc)
	assert.Equal(t, "Review main.go carefully.", cc.Content)

	cc, err = loadCustomCommand(dirs, "fix", "in pkg/a")
	require.NoError(t, err)
	assert.Equal(t, "Fix the build.\n\nin pkg/a", cc.Content)

	cc, err = loadCustomCommand(dirs, "missing", "")
	require.NoError(t, err)
	assert.Nil(t, cc)
}
