package session

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PendingMarker is what renderers show for a pending turn that has no content yet
const PendingMarker = "Just a moment..."

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Turn represents a single chat message
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Pending   bool      `json:"pending,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTurn creates a turn stamped with the current time
func NewTurn(role Role, content string) Turn {
	return Turn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// Display returns the text a renderer should show for the turn
func (t Turn) Display() string {
	if t.Pending && t.Content == "" {
		return PendingMarker
	}
	return t.Content
}

// Context holds per-session state that is fixed for the session lifetime
type Context struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Backend   string    `json:"backend"`
	StartTime time.Time `json:"start_time"`
}

// NewContext creates a session context with a fresh random ID
func NewContext(backend, model string) Context {
	return Context{
		ID:        uuid.NewString(),
		Model:     model,
		Backend:   backend,
		StartTime: time.Now(),
	}
}
