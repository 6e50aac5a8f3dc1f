package collab

import (
	"fmt"
	"time"
)

// Role is a member's authorization level within a room.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

// ParseRole validates a role string from the wire.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return Role(s), nil
	default:
		return "", fmt.Errorf("%w: invalid role %q", ErrCapabilityDenied, s)
	}
}

// PresenceStatus is a member's liveness state.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

// Sender delivers an encoded frame to one connection. Send must never
// block; it reports false when the connection cannot keep up, in which
// case the room schedules the member for disconnect cleanup.
type Sender interface {
	Send(frame []byte) bool
}

// Member is a user's live participation record in a room. All fields are
// owned by the room loop; nothing outside it reads or writes a Member.
type Member struct {
	UserID       string
	Username     string
	Role         Role
	Status       PresenceStatus
	ConnID       string
	LastActivity time.Time
	JoinedAt     time.Time

	sender Sender

	// Last known cursor position, kept only so cleanup can tell other
	// clients which cursor to remove.
	cursorX, cursorY float64
	hasCursor        bool
}

func (m *Member) touch(now time.Time) (cameBack bool) {
	m.LastActivity = now
	if m.Status == StatusAway {
		m.Status = StatusOnline
		return true
	}
	return false
}

func (m *Member) rosterEntry(locked string) RosterEntry {
	return RosterEntry{
		UserID:        m.UserID,
		Username:      m.Username,
		Role:          string(m.Role),
		Status:        string(m.Status),
		LockedElement: locked,
	}
}
