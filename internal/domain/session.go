package domain

import (
	"context"
	"time"
)

// SessionData is the persisted form of a conversation.
type SessionData struct {
	ID        string    `json:"id"`
	Workdir   string    `json:"workdir"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionInfo is the listing view of a stored session.
type SessionInfo struct {
	ID           string    `json:"id"`
	Workdir      string    `json:"workdir"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SessionStore persists conversations. Save is best-effort from the
// engine's point of view.
type SessionStore interface {
	SaveSession(ctx context.Context, data SessionData) error
	LoadSession(ctx context.Context, id string) (*SessionData, error)
	ListSessions(ctx context.Context) ([]SessionInfo, error)
}

// MemoryScope selects which memory file an entry is written to.
type MemoryScope string

const (
	MemoryProject MemoryScope = "project"
	MemoryUser    MemoryScope = "user"
)

// MemorySource provides the two memory texts combined into each LLM call.
type MemorySource interface {
	ProjectMemory(ctx context.Context) (string, error)
	UserMemory(ctx context.Context) (string, error)
	Add(ctx context.Context, scope MemoryScope, text string) error
}
