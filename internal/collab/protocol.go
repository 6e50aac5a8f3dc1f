package collab

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client event type tags. Every frame a client sends carries one of these
// in its "type" field; anything else is rejected at decode time.
const (
	EventJoinRoom       = "join_room"
	EventLeaveRoom      = "leave_room"
	EventCursorMove     = "cursor_move"
	EventPresenceUpdate = "presence_update"
	EventAnnotationDraw = "annotation_draw"
	EventGetUsers       = "get_users"
	EventOperation      = "operation"
	EventDiagramUpdate  = "diagram_update"
	EventShapeCreated   = "shape_created"
	EventElementEdit    = "element_edit"
	EventShapeDeleted   = "shape_deleted"
	EventLockElement    = "lock_element"
	EventUnlockElement  = "unlock_element"
)

// Server event type tags.
const (
	EventRoomJoined       = "room_joined"
	EventUserJoined       = "user_joined"
	EventUserLeft         = "user_left"
	EventCursorUpdate     = "cursor_update"
	EventCursorRemoved    = "cursor_removed"
	EventElementLocked    = "element_locked"
	EventElementUnlocked  = "element_unlocked"
	EventAnnotationNew    = "annotation_created"
	EventAnnotationGone   = "annotation_expired"
	EventOperationApplied = "operation_applied"
	EventPermissionDenied = "permission_denied"
)

var ErrUnknownEvent = errors.New("unknown event type")

// ClientEvent is the closed set of inbound messages. Decoding produces
// exactly one variant; handlers switch over the concrete types.
type ClientEvent interface {
	clientEvent()
}

type JoinRoomEvent struct {
	Room     string `json:"room"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type LeaveRoomEvent struct {
	Room   string `json:"room"`
	UserID string `json:"user_id"`
}

type CursorMoveEvent struct {
	Room   string  `json:"room"`
	UserID string  `json:"user_id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

type PresenceUpdateEvent struct {
	Room   string `json:"room"`
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// OperationEvent covers all mutating edit events; Kind retains the wire
// tag (diagram_update, shape_created, ...) the client used.
type OperationEvent struct {
	Kind          string                 `json:"-"`
	Room          string                 `json:"room"`
	UserID        string                 `json:"user_id"`
	ElementID     string                 `json:"element_id"`
	OperationType string                 `json:"operation_type"`
	OldValue      map[string]interface{} `json:"old_value"`
	NewValue      map[string]interface{} `json:"new_value"`
	Timestamp     int64                  `json:"timestamp"`
}

type LockElementEvent struct {
	Room      string `json:"room"`
	UserID    string `json:"user_id"`
	ElementID string `json:"element_id"`
	// Unlock is true for unlock_element frames.
	Unlock bool `json:"-"`
}

type AnnotationDrawEvent struct {
	Room           string             `json:"room"`
	UserID         string             `json:"user_id"`
	AnnotationType string             `json:"annotation_type"`
	Coordinates    map[string]float64 `json:"coordinates"`
}

type GetUsersEvent struct {
	Room string `json:"room"`
}

func (JoinRoomEvent) clientEvent()       {}
func (LeaveRoomEvent) clientEvent()      {}
func (CursorMoveEvent) clientEvent()     {}
func (PresenceUpdateEvent) clientEvent() {}
func (OperationEvent) clientEvent()      {}
func (LockElementEvent) clientEvent()    {}
func (AnnotationDrawEvent) clientEvent() {}
func (GetUsersEvent) clientEvent()       {}

// DecodeClientEvent parses a raw frame into its typed variant. Unknown or
// malformed frames are an error, never a silent default.
func DecodeClientEvent(data []byte) (ClientEvent, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch env.Type {
	case EventJoinRoom:
		var ev JoinRoomEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", env.Type, err)
		}
		return ev, nil
	case EventLeaveRoom:
		var ev LeaveRoomEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", env.Type, err)
		}
		return ev, nil
	case EventCursorMove:
		var ev CursorMoveEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", env.Type, err)
		}
		return ev, nil
	case EventPresenceUpdate:
		var ev PresenceUpdateEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", env.Type, err)
		}
		return ev, nil
	case EventOperation, EventDiagramUpdate, EventShapeCreated, EventElementEdit, EventShapeDeleted:
		var ev OperationEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", env.Type, err)
		}
		ev.Kind = env.Type
		return ev, nil
	case EventLockElement, EventUnlockElement:
		var ev LockElementEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", env.Type, err)
		}
		ev.Unlock = env.Type == EventUnlockElement
		return ev, nil
	case EventAnnotationDraw:
		var ev AnnotationDrawEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", env.Type, err)
		}
		return ev, nil
	case EventGetUsers:
		var ev GetUsersEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", env.Type, err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

// Outbound events. Each carries its own type tag so a single Marshal
// produces the complete frame.

type UserJoinedEvent struct {
	Type        string `json:"type"`
	Room        string `json:"room"`
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	Role        string `json:"role"`
	Reconnected bool   `json:"reconnected,omitempty"`
}

func NewUserJoinedEvent(room, userID, username, role string, reconnected bool) UserJoinedEvent {
	return UserJoinedEvent{Type: EventUserJoined, Room: room, UserID: userID, Username: username, Role: role, Reconnected: reconnected}
}

type UserLeftEvent struct {
	Type   string `json:"type"`
	Room   string `json:"room"`
	UserID string `json:"user_id"`
}

func NewUserLeftEvent(room, userID string) UserLeftEvent {
	return UserLeftEvent{Type: EventUserLeft, Room: room, UserID: userID}
}

type CursorUpdateEvent struct {
	Type   string  `json:"type"`
	Room   string  `json:"room"`
	UserID string  `json:"user_id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

func NewCursorUpdateEvent(room, userID string, x, y float64) CursorUpdateEvent {
	return CursorUpdateEvent{Type: EventCursorUpdate, Room: room, UserID: userID, X: x, Y: y}
}

type CursorRemovedEvent struct {
	Type   string `json:"type"`
	Room   string `json:"room"`
	UserID string `json:"user_id"`
}

func NewCursorRemovedEvent(room, userID string) CursorRemovedEvent {
	return CursorRemovedEvent{Type: EventCursorRemoved, Room: room, UserID: userID}
}

type ElementLockEvent struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	ElementID string `json:"element_id"`
	UserID    string `json:"user_id"`
}

func NewElementLockedEvent(room, elementID, userID string) ElementLockEvent {
	return ElementLockEvent{Type: EventElementLocked, Room: room, ElementID: elementID, UserID: userID}
}

func NewElementUnlockedEvent(room, elementID, userID string) ElementLockEvent {
	return ElementLockEvent{Type: EventElementUnlocked, Room: room, ElementID: elementID, UserID: userID}
}

type PresenceBroadcastEvent struct {
	Type   string `json:"type"`
	Room   string `json:"room"`
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

func NewPresenceBroadcastEvent(room, userID string, status PresenceStatus) PresenceBroadcastEvent {
	return PresenceBroadcastEvent{Type: EventPresenceUpdate, Room: room, UserID: userID, Status: string(status)}
}

type AnnotationCreatedEvent struct {
	Type       string      `json:"type"`
	Room       string      `json:"room"`
	Annotation *Annotation `json:"annotation"`
}

func NewAnnotationCreatedEvent(room string, a *Annotation) AnnotationCreatedEvent {
	return AnnotationCreatedEvent{Type: EventAnnotationNew, Room: room, Annotation: a}
}

type AnnotationExpiredEvent struct {
	Type         string `json:"type"`
	Room         string `json:"room"`
	AnnotationID string `json:"annotation_id"`
}

func NewAnnotationExpiredEvent(room, annotationID string) AnnotationExpiredEvent {
	return AnnotationExpiredEvent{Type: EventAnnotationGone, Room: room, AnnotationID: annotationID}
}

// OperationAppliedEvent carries the converged element state after
// resolution so every client lands on the identical value.
type OperationAppliedEvent struct {
	Type         string                 `json:"type"`
	Room         string                 `json:"room"`
	ElementID    string                 `json:"element_id"`
	Operation    Operation              `json:"operation"`
	Strategy     string                 `json:"strategy"`
	ElementState map[string]interface{} `json:"element_state"`
	Deleted      bool                   `json:"deleted,omitempty"`
}

func NewOperationAppliedEvent(room string, res Resolution, state map[string]interface{}, deleted bool) OperationAppliedEvent {
	return OperationAppliedEvent{
		Type:         EventOperationApplied,
		Room:         room,
		ElementID:    res.Op.ElementID,
		Operation:    res.Op,
		Strategy:     res.Strategy,
		ElementState: state,
		Deleted:      deleted,
	}
}

type PermissionDeniedEvent struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	UserID    string `json:"user_id"`
	Attempted string `json:"attempted"`
	Reason    string `json:"reason"`
}

func NewPermissionDeniedEvent(room, userID, attempted, reason string) PermissionDeniedEvent {
	return PermissionDeniedEvent{Type: EventPermissionDenied, Room: room, UserID: userID, Attempted: attempted, Reason: reason}
}

// RoomJoinedAck is the acknowledgment returned to a joining client. It
// carries the roster and the authoritative element states, which is how a
// reconnecting client resynchronizes without replaying operations.
type RoomJoinedAck struct {
	Type        string                            `json:"type"`
	Success     bool                              `json:"success"`
	Room        string                            `json:"room"`
	Users       []RosterEntry                     `json:"users"`
	Elements    map[string]map[string]interface{} `json:"elements"`
	Reconnected bool                              `json:"reconnected,omitempty"`
}

// RosterEntry is one member's externally visible state.
type RosterEntry struct {
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	Role          string `json:"role"`
	Status        string `json:"status"`
	LockedElement string `json:"locked_element,omitempty"`
}

func marshalEvent(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// All outbound events are plain structs; marshal cannot fail at
		// runtime unless a caller smuggles in an unmarshalable value.
		panic(fmt.Sprintf("collab: marshal event: %v", err))
	}
	return data
}
