// Package session persists conversations for later restore.
package session

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"wave-agent/internal/domain"
)

// FileStore keeps one JSON document per session in a directory.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates a store rooted at dir. The directory is created on
// first save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// validateID checks a session id is safe to use as a file name.
func validateID(id string) error {
	switch {
	case id == "":
		return errors.New("session ID cannot be empty")
	case strings.ContainsAny(id, "/\\\x00"):
		return fmt.Errorf("session ID contains path characters: %q", id)
	case strings.Contains(id, ".."):
		return fmt.Errorf("session ID contains parent directory reference: %q", id)
	}
	return nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// SaveSession writes data atomically: readers never observe a partial file.
func (s *FileStore) SaveSession(_ context.Context, data domain.SessionData) error {
	if err := validateID(data.ID); err != nil {
		return domain.NewSubSystemError("session", "FileStore.SaveSession", domain.ErrInvalidInput, err.Error())
	}

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+data.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(data.ID)); err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	return nil
}

// LoadSession reads a stored session.
func (s *FileStore) LoadSession(_ context.Context, id string) (*domain.SessionData, error) {
	if err := validateID(id); err != nil {
		return nil, domain.NewSubSystemError("session", "FileStore.LoadSession", domain.ErrInvalidInput, err.Error())
	}

	raw, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.NewSubSystemError("session", "FileStore.LoadSession", domain.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	var data domain.SessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &data, nil
}

// ListSessions returns stored sessions, most recently updated first.
// Unreadable files are skipped.
func (s *FileStore) ListSessions(_ context.Context) ([]domain.SessionInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}

	var infos []domain.SessionInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var data domain.SessionData
		if err := json.Unmarshal(raw, &data); err != nil {
			continue
		}
		infos = append(infos, infoOf(data))
	}
	sortInfos(infos)
	return infos, nil
}

func infoOf(data domain.SessionData) domain.SessionInfo {
	return domain.SessionInfo{
		ID:           data.ID,
		Workdir:      data.Workdir,
		MessageCount: len(data.Messages),
		UpdatedAt:    data.UpdatedAt,
	}
}

func sortInfos(infos []domain.SessionInfo) {
	slices.SortFunc(infos, func(a, b domain.SessionInfo) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

var _ domain.SessionStore = (*FileStore)(nil)
