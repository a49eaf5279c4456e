// Package memory reads and appends the AGENTS.md memory files that are
// combined into every LLM call.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"wave-agent/internal/domain"
)

// DefaultFileName is the memory file looked up in the project and user dirs.
const DefaultFileName = "AGENTS.md"

const newFileHeader = "# Memory\n\n"

// FileMemory implements domain.MemorySource over two markdown files: one in
// the project directory and one in the user's wave directory. Files are read
// fresh on every call so edits made outside the agent are picked up.
type FileMemory struct {
	mu          sync.Mutex
	projectPath string
	userPath    string
}

// NewFileMemory creates a memory source for workdir and userDir. An empty
// fileName selects DefaultFileName.
func NewFileMemory(workdir, userDir, fileName string) *FileMemory {
	if fileName == "" {
		fileName = DefaultFileName
	}
	return &FileMemory{
		projectPath: filepath.Join(workdir, fileName),
		userPath:    filepath.Join(userDir, fileName),
	}
}

// ProjectMemory returns the project memory file, or "" when absent.
func (m *FileMemory) ProjectMemory(_ context.Context) (string, error) {
	return readOptional(m.projectPath)
}

// UserMemory returns the user memory file, or "" when absent.
func (m *FileMemory) UserMemory(_ context.Context) (string, error) {
	return readOptional(m.userPath)
}

// Add appends text as a bullet to the file for scope, creating it when
// needed. A leading "#" (the quick-memory prefix) is stripped.
func (m *FileMemory) Add(_ context.Context, scope domain.MemoryScope, text string) error {
	var path string
	switch scope {
	case domain.MemoryProject:
		path = m.projectPath
	case domain.MemoryUser:
		path = m.userPath
	default:
		return domain.NewSubSystemError("memory", "FileMemory.Add", domain.ErrInvalidInput,
			fmt.Sprintf("unknown scope %q", scope))
	}

	text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "#"))
	if text == "" {
		return domain.NewSubSystemError("memory", "FileMemory.Add", domain.ErrInvalidInput, "empty memory entry")
	}
	// One bullet per entry.
	text = strings.Join(strings.Fields(text), " ")

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := readOptional(path)
	if err != nil {
		return err
	}

	var sb strings.Builder
	switch {
	case existing == "":
		sb.WriteString(newFileHeader)
	case !strings.HasSuffix(existing, "\n"):
		sb.WriteString("\n")
	}
	sb.WriteString("- " + text + "\n")

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open memory file: %w", err)
	}
	if _, err := f.WriteString(sb.String()); err != nil {
		f.Close()
		return fmt.Errorf("append memory: %w", err)
	}
	return f.Close()
}

func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read memory %s: %w", path, err)
	}
	return string(data), nil
}

var _ domain.MemorySource = (*FileMemory)(nil)
