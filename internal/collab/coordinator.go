// Package collab implements the real-time collaborative editing core for
// AutoGraph diagrams: room sessions, presence, element locks, ephemeral
// annotations and deterministic conflict resolution over concurrent edits.
package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gitlab.com/autograph/services/collab/internal/audit"
	"gitlab.com/autograph/services/collab/internal/auth"
)

// Config carries the core's tunables. Durations observed from the product
// are the defaults; tests shrink them.
type Config struct {
	// ConflictWindow is how long an operation stays in flight for
	// conflict detection. Not observable from the outside; 250ms is the
	// documented choice for this class of system.
	ConflictWindow time.Duration

	AnnotationTTL           time.Duration
	AnnotationSweepInterval time.Duration
	PresenceAwayAfter       time.Duration
	PresenceSweepInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConflictWindow:          250 * time.Millisecond,
		AnnotationTTL:           10 * time.Second,
		AnnotationSweepInterval: time.Second,
		PresenceAwayAfter:       5 * time.Minute,
		PresenceSweepInterval:   60 * time.Second,
	}
}

// Publisher forwards room broadcasts to other service instances.
type Publisher interface {
	Publish(roomID string, frame []byte)
}

// Coordinator is the single entry point into the collaboration core. It
// owns the rooms map; everything inside a room is owned by that room's
// goroutine.
type Coordinator struct {
	cfg       Config
	conflicts audit.Store
	relay     Publisher

	mu    sync.RWMutex
	rooms map[string]*room
}

func NewCoordinator(cfg Config, conflicts audit.Store, relay Publisher) *Coordinator {
	if conflicts == nil {
		conflicts = audit.NewMemoryStore()
	}
	return &Coordinator{
		cfg:       cfg,
		conflicts: conflicts,
		relay:     relay,
		rooms:     make(map[string]*room),
	}
}

// SetRelay wires the cross-instance publisher. Call before serving
// traffic; rooms capture it at creation.
func (c *Coordinator) SetRelay(relay Publisher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relay = relay
}

// Close stops every room loop. Used on service shutdown.
func (c *Coordinator) Close() {
	c.mu.Lock()
	rooms := c.rooms
	c.rooms = make(map[string]*room)
	c.mu.Unlock()

	for _, r := range rooms {
		r.stop()
	}
}

func (c *Coordinator) getRoom(roomID string) (*room, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rooms[roomID]
	return r, ok
}

func (c *Coordinator) getOrCreateRoom(roomID string) *room {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rooms[roomID]; ok {
		return r
	}

	var publish func(string, []byte)
	if c.relay != nil {
		publish = c.relay.Publish
	}
	r := newRoom(roomID, c.cfg, c.conflicts, publish, c.dropRoom)
	c.rooms[roomID] = r
	return r
}

// dropRoom is called by a room loop as its final act. Only the exact
// pointer is removed; a newer room under the same id stays.
func (c *Coordinator) dropRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rooms[roomID]; ok {
		select {
		case <-r.done:
			delete(c.rooms, roomID)
		default:
		}
	}
}

// postExisting posts to a room that must already exist. Only join creates
// rooms; for everything else a dead or missing room is ErrRoomNotFound.
func (c *Coordinator) postExisting(roomID string, cmd interface{}) (roomReply, error) {
	r, ok := c.getRoom(roomID)
	if !ok {
		return roomReply{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	rep, err := r.post(cmd)
	if err != nil {
		return roomReply{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	return rep, nil
}

// Join registers a member in a room, creating the room on first join. The
// identity's subject must match the claimed user id: session restore only
// works for the same identity/token pair that joined originally.
func (c *Coordinator) Join(ident auth.Identity, ev JoinRoomEvent, connID string, sender Sender) (RoomJoinedAck, error) {
	if ident.UserID != ev.UserID {
		return RoomJoinedAck{}, fmt.Errorf("%w: token subject %q, claimed %q", ErrIdentityMismatch, ident.UserID, ev.UserID)
	}
	username := ev.Username
	if username == "" {
		username = ident.Username
	}
	role := ev.Role
	if role == "" {
		role = ident.Role
	}

	cmd := cmdJoin{userID: ev.UserID, username: username, role: role, connID: connID, sender: sender}
	for {
		r := c.getOrCreateRoom(ev.Room)
		rep, err := r.post(cmd)
		if err != nil {
			// Lost the race against room teardown; start over.
			continue
		}
		if rep.err != nil {
			return RoomJoinedAck{}, rep.err
		}
		return rep.val.(RoomJoinedAck), nil
	}
}

// Leave handles an explicit leave_room.
func (c *Coordinator) Leave(roomID, userID string) error {
	rep, err := c.postExisting(roomID, cmdLeave{userID: userID})
	if err != nil {
		return err
	}
	return rep.err
}

// Disconnect runs cleanup for a dropped transport connection. connID
// guards against tearing down a session that a reconnect has already
// replaced. Cleanup is best effort; there is no client left to answer.
func (c *Coordinator) Disconnect(roomID, userID, connID string) {
	c.postExisting(roomID, cmdLeave{userID: userID, connID: connID}) //nolint:errcheck
}

// GetUsers returns the room roster with presence and lock state.
func (c *Coordinator) GetUsers(roomID string) ([]RosterEntry, error) {
	rep, err := c.postExisting(roomID, cmdGetUsers{})
	if err != nil {
		return nil, err
	}
	return rep.val.([]RosterEntry), rep.err
}

// Annotations returns the room's unexpired ephemeral annotations.
func (c *Coordinator) Annotations(roomID string) ([]*Annotation, error) {
	rep, err := c.postExisting(roomID, cmdListAnnots{})
	if err != nil {
		return nil, err
	}
	return rep.val.([]*Annotation), rep.err
}

// CursorMove relays a cursor position; fire and forget.
func (c *Coordinator) CursorMove(ev CursorMoveEvent) error {
	rep, err := c.postExisting(ev.Room, cmdCursor{userID: ev.UserID, x: ev.X, y: ev.Y})
	if err != nil {
		return err
	}
	return rep.err
}

// PresenceUpdate applies an explicit presence change.
func (c *Coordinator) PresenceUpdate(ev PresenceUpdateEvent) error {
	rep, err := c.postExisting(ev.Room, cmdPresence{userID: ev.UserID, status: ev.Status})
	if err != nil {
		return err
	}
	return rep.err
}

// ApplyOperation authorizes and resolves a mutating edit. The returned
// Resolution reports the converged operation and strategy.
func (c *Coordinator) ApplyOperation(ev OperationEvent) (Resolution, error) {
	op := Operation{
		RoomID:        ev.Room,
		ElementID:     ev.ElementID,
		OperationType: ev.OperationType,
		OldValue:      ev.OldValue,
		NewValue:      ev.NewValue,
		UserID:        ev.UserID,
		Timestamp:     ev.Timestamp,
	}
	kind := ev.Kind
	if kind == "" {
		kind = EventOperation
	}
	rep, err := c.postExisting(ev.Room, cmdOperation{kind: kind, op: op})
	if err != nil {
		return Resolution{}, err
	}
	if rep.err != nil {
		return Resolution{}, rep.err
	}
	return rep.val.(Resolution), nil
}

// Lock acquires or releases an element lock.
func (c *Coordinator) Lock(ev LockElementEvent) error {
	rep, err := c.postExisting(ev.Room, cmdLock{userID: ev.UserID, elementID: ev.ElementID, unlock: ev.Unlock})
	if err != nil {
		return err
	}
	return rep.err
}

// DrawAnnotation creates an ephemeral annotation and returns it so the
// caller can ack with its id and expiry.
func (c *Coordinator) DrawAnnotation(ev AnnotationDrawEvent) (*Annotation, error) {
	rep, err := c.postExisting(ev.Room, cmdAnnotation{userID: ev.UserID, shape: ev.AnnotationType, coords: ev.Coordinates})
	if err != nil {
		return nil, err
	}
	if rep.err != nil {
		return nil, rep.err
	}
	return rep.val.(*Annotation), nil
}

// DeliverRemote injects a frame published by another instance into local
// members of the room, if the room exists here.
func (c *Coordinator) DeliverRemote(roomID string, frame []byte) {
	if r, ok := c.getRoom(roomID); ok {
		r.post(cmdRemoteFrame{frame: frame}) //nolint:errcheck // best effort
	}
}

// ListConflicts returns the room's conflict log.
func (c *Coordinator) ListConflicts(ctx context.Context, roomID string) ([]audit.Entry, error) {
	return c.conflicts.ListByRoom(ctx, roomID)
}
