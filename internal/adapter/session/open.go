package session

import (
	"fmt"
	"io"

	"wave-agent/internal/domain"
	"wave-agent/internal/infra/config"
)

// Store is a SessionStore that holds resources until closed.
type Store interface {
	domain.SessionStore
	io.Closer
}

type fileCloser struct{ *FileStore }

func (fileCloser) Close() error { return nil }

// Open builds the store selected by cfg. The "none" backend returns nil:
// conversations are not persisted.
func Open(cfg config.SessionConfig) (Store, error) {
	switch cfg.Backend {
	case "none":
		return nil, nil
	case "file", "":
		return fileCloser{NewFileStore(cfg.Dir)}, nil
	case "sqlite":
		s, err := NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}
