package collab

import "errors"

var (
	// ErrCapabilityDenied is returned when a role does not permit the
	// attempted operation. It is surfaced to the caller only and never
	// broadcast.
	ErrCapabilityDenied = errors.New("capability denied")

	// ErrRoomNotFound is returned for queries against a room that does
	// not exist.
	ErrRoomNotFound = errors.New("room not found")

	// ErrNotMember is returned when an event references a room the
	// caller has not joined.
	ErrNotMember = errors.New("not a member of room")

	// ErrIdentityMismatch is returned when a connection's token subject
	// does not match the user id it claims.
	ErrIdentityMismatch = errors.New("identity mismatch")

	// ErrLockHeld is returned when an element is already locked by
	// another member.
	ErrLockHeld = errors.New("element locked by another user")

	// ErrRoomClosed is returned when an event races with room teardown.
	// Callers retry against a fresh room or give up.
	ErrRoomClosed = errors.New("room closed")
)
