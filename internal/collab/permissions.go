package collab

// The permission gate is a pure predicate over (role, event type). It runs
// before any mutating event reaches the resolver; a denied event is
// answered to the sender only and never broadcast.

var mutatingEvents = map[string]bool{
	EventOperation:     true,
	EventDiagramUpdate: true,
	EventShapeCreated:  true,
	EventElementEdit:   true,
	EventShapeDeleted:  true,
	EventLockElement:   true,
	EventUnlockElement: true,
}

// IsMutating reports whether an event type changes shared diagram state.
func IsMutating(eventType string) bool {
	return mutatingEvents[eventType]
}

// Allowed reports whether a role may perform the given event type.
// Viewers get read-only access; editors and admins may mutate.
func Allowed(role Role, eventType string) bool {
	if !IsMutating(eventType) {
		return true
	}
	switch role {
	case RoleEditor, RoleAdmin:
		return true
	default:
		return false
	}
}
