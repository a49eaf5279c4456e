package engine

import (
	"context"
	"strings"
)

// CombineMemory joins project and user memory with a blank line. A blank
// side contributes nothing, so a single side is returned verbatim.
func CombineMemory(project, user string) string {
	switch {
	case strings.TrimSpace(project) == "" && strings.TrimSpace(user) == "":
		return ""
	case strings.TrimSpace(project) == "":
		return user
	case strings.TrimSpace(user) == "":
		return project
	}
	return project + "\n\n" + user
}

// loadMemory reads both memory scopes. Read failures are logged and treated
// as empty.
func (e *Engine) loadMemory(ctx context.Context) string {
	if e.deps.Memory == nil {
		return ""
	}
	project, err := e.deps.Memory.ProjectMemory(ctx)
	if err != nil {
		e.deps.Logger.Warn("project memory unavailable", "error", err)
		project = ""
	}
	user, err := e.deps.Memory.UserMemory(ctx)
	if err != nil {
		e.deps.Logger.Warn("user memory unavailable", "error", err)
		user = ""
	}
	return CombineMemory(project, user)
}
