package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"wave-agent/internal/domain"
)

// SQLiteStore keeps sessions in a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs the
// schema migration. ":memory:" is accepted for tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
			return nil, fmt.Errorf("create session db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			workdir       TEXT NOT NULL,
			messages      TEXT NOT NULL,
			message_count INTEGER NOT NULL,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveSession inserts or replaces a session.
func (s *SQLiteStore) SaveSession(ctx context.Context, data domain.SessionData) error {
	if err := validateID(data.ID); err != nil {
		return domain.NewSubSystemError("session", "SQLiteStore.SaveSession", domain.ErrInvalidInput, err.Error())
	}
	msgs, err := json.Marshal(data.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, workdir, messages, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workdir = excluded.workdir,
			messages = excluded.messages,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`,
		data.ID, data.Workdir, string(msgs), len(data.Messages),
		formatTime(data.CreatedAt), formatTime(data.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSession reads a stored session.
func (s *SQLiteStore) LoadSession(ctx context.Context, id string) (*domain.SessionData, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, workdir, messages, created_at, updated_at FROM sessions WHERE id = ?", id)

	var data domain.SessionData
	var msgs, created, updated string
	err := row.Scan(&data.ID, &data.Workdir, &msgs, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewSubSystemError("session", "SQLiteStore.LoadSession", domain.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if err := json.Unmarshal([]byte(msgs), &data.Messages); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	data.CreatedAt = parseTime(created)
	data.UpdatedAt = parseTime(updated)
	return &data, nil
}

// ListSessions returns stored sessions, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]domain.SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, workdir, message_count, updated_at FROM sessions")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var infos []domain.SessionInfo
	for rows.Next() {
		var info domain.SessionInfo
		var updated string
		if err := rows.Scan(&info.ID, &info.Workdir, &info.MessageCount, &updated); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.UpdatedAt = parseTime(updated)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sortInfos(infos)
	return infos, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

var _ domain.SessionStore = (*SQLiteStore)(nil)
