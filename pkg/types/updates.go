package types

import "time"

// Update is a decoded backend event ready for registry absorption.
// The concrete types below form a closed set.
type Update interface {
	UpdateSessionID() string
}

// SessionUpdate records an observed session status change
type SessionUpdate struct {
	SessionID  string
	NewStatus  SessionStatus
	ObservedAt time.Time
}

// MessageArrived records that a message exists on the backend.
// Content may be empty; a session-detail fetch fills it in later.
type MessageArrived struct {
	SessionID string
	MessageID string
	Timestamp time.Time
	Role      MessageRole
	Type      MessageType
	Content   string
}

// PermissionRequested records a pending permission prompt.
// It also implies the session is now waiting for permission.
type PermissionRequested struct {
	SessionID    string
	PermissionID string
	ToolName     string
	Description  string
}

// UpdateSessionID returns the session the update applies to
func (u SessionUpdate) UpdateSessionID() string { return u.SessionID }

// UpdateSessionID returns the session the update applies to
func (u MessageArrived) UpdateSessionID() string { return u.SessionID }

// UpdateSessionID returns the session the update applies to
func (u PermissionRequested) UpdateSessionID() string { return u.SessionID }
