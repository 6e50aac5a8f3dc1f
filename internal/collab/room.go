package collab

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"gitlab.com/autograph/services/collab/internal/audit"
)

// roomRequest is one message in a room's mailbox. All room state is owned
// by the room goroutine; callers post a command and wait on reply.
type roomRequest struct {
	cmd   interface{}
	reply chan roomReply
}

type roomReply struct {
	val interface{}
	err error
}

// Mailbox commands. One struct per inbound concern keeps handling
// exhaustive; the room loop switches over these.
type (
	cmdJoin struct {
		userID   string
		username string
		role     string
		connID   string
		sender   Sender
	}
	cmdLeave struct {
		userID string
		connID string // empty for explicit leave_room, set for transport disconnects
	}
	cmdGetUsers    struct{}
	cmdListAnnots  struct{}
	cmdRemoteFrame struct{ frame []byte }
	cmdCursor      struct {
		userID string
		x, y   float64
	}
	cmdPresence struct {
		userID string
		status string
	}
	cmdOperation struct {
		kind string
		op   Operation
	}
	cmdLock struct {
		userID    string
		elementID string
		unlock    bool
	}
	cmdAnnotation struct {
		userID string
		shape  string
		coords map[string]float64
	}
)

// room owns one collaborative session. Members, locks, element values,
// the conflict window and the annotation set all live inside its loop;
// the only concurrency is the mailbox.
type room struct {
	id  string
	cfg Config

	conflicts audit.Store
	publish   func(roomID string, frame []byte)
	onEmpty   func(roomID string)

	members     map[string]*Member
	locks       map[string]string // element id -> holder user id
	elements    map[string]map[string]interface{}
	annotations map[string]*Annotation
	res         *resolver

	mailbox chan roomRequest
	done    chan struct{}
	stopc   chan struct{}
	stopped sync.Once
}

func newRoom(id string, cfg Config, conflicts audit.Store, publish func(string, []byte), onEmpty func(string)) *room {
	r := &room{
		id:          id,
		cfg:         cfg,
		conflicts:   conflicts,
		publish:     publish,
		onEmpty:     onEmpty,
		members:     make(map[string]*Member),
		locks:       make(map[string]string),
		elements:    make(map[string]map[string]interface{}),
		annotations: make(map[string]*Annotation),
		res:         newResolver(cfg.ConflictWindow),
		mailbox:     make(chan roomRequest),
		done:        make(chan struct{}),
		stopc:       make(chan struct{}),
	}
	go r.run()
	return r
}

// stop shuts the room loop down regardless of remaining state. Used on
// service shutdown; normal teardown is the empty-room check in run.
func (r *room) stop() {
	r.stopped.Do(func() { close(r.stopc) })
}

// post submits a request unless the room has already shut down.
func (r *room) post(cmd interface{}) (roomReply, error) {
	req := roomRequest{cmd: cmd, reply: make(chan roomReply, 1)}
	select {
	case r.mailbox <- req:
	case <-r.done:
		return roomReply{}, ErrRoomClosed
	}
	select {
	case rep := <-req.reply:
		return rep, nil
	case <-r.done:
		return roomReply{}, ErrRoomClosed
	}
}

func (r *room) run() {
	presenceTick := time.NewTicker(r.cfg.PresenceSweepInterval)
	annotationTick := time.NewTicker(r.cfg.AnnotationSweepInterval)
	defer presenceTick.Stop()
	defer annotationTick.Stop()

	for {
		select {
		case req := <-r.mailbox:
			req.reply <- r.handle(req.cmd)
		case now := <-presenceTick.C:
			r.sweepPresence(now)
		case now := <-annotationTick.C:
			r.sweepAnnotations(now)
			r.res.purge(now)
		case <-r.stopc:
			close(r.done)
			return
		}

		// The room dissolves once no member, lock or annotation state
		// remains. A racing post sees the closed done channel and the
		// coordinator starts over with a fresh room.
		if len(r.members) == 0 && len(r.annotations) == 0 {
			close(r.done)
			r.onEmpty(r.id)
			log.Printf("[Collab] Room %s dissolved", r.id)
			return
		}
	}
}

func (r *room) handle(cmd interface{}) roomReply {
	now := time.Now()
	switch c := cmd.(type) {
	case cmdJoin:
		return r.handleJoin(c, now)
	case cmdLeave:
		return r.handleLeave(c)
	case cmdGetUsers:
		return roomReply{val: r.roster()}
	case cmdListAnnots:
		return roomReply{val: r.activeAnnotations(now)}
	case cmdRemoteFrame:
		r.deliver(c.frame, "")
		return roomReply{}
	case cmdCursor:
		return r.handleCursor(c, now)
	case cmdPresence:
		return r.handlePresence(c, now)
	case cmdOperation:
		return r.handleOperation(c, now)
	case cmdLock:
		return r.handleLock(c, now)
	case cmdAnnotation:
		return r.handleAnnotation(c, now)
	default:
		return roomReply{err: fmt.Errorf("room %s: unhandled command %T", r.id, cmd)}
	}
}

func (r *room) handleJoin(c cmdJoin, now time.Time) roomReply {
	role, err := ParseRole(c.role)
	if err != nil {
		return roomReply{err: err}
	}

	_, reconnected := r.members[c.userID]
	m := &Member{
		UserID:       c.userID,
		Username:     c.username,
		Role:         role,
		Status:       StatusOnline,
		ConnID:       c.connID,
		LastActivity: now,
		JoinedAt:     now,
		sender:       c.sender,
	}
	// Reconnection replaces the member record; locks are keyed by user
	// id and survive untouched, which is what restores the session.
	r.members[c.userID] = m

	r.broadcast(marshalEvent(NewUserJoinedEvent(r.id, c.userID, c.username, c.role, reconnected)), c.userID)

	ack := RoomJoinedAck{
		Type:        EventRoomJoined,
		Success:     true,
		Room:        r.id,
		Users:       r.roster(),
		Elements:    r.elementsSnapshot(),
		Reconnected: reconnected,
	}
	log.Printf("[Collab] User %s joined room %s (role=%s reconnected=%v)", c.userID, r.id, role, reconnected)
	return roomReply{val: ack}
}

func (r *room) handleLeave(c cmdLeave) roomReply {
	m, ok := r.members[c.userID]
	if !ok {
		return roomReply{err: ErrNotMember}
	}
	// A disconnect notification for a connection that was already
	// replaced by a reconnect must not tear down the live session.
	if c.connID != "" && m.ConnID != c.connID {
		return roomReply{}
	}
	r.removeMember(m)
	return roomReply{}
}

// removeMember runs the full disconnect cleanup: locks, cursor, presence,
// membership. It executes inside the room loop, so it is atomic with
// respect to every other join, leave and sweep.
func (r *room) removeMember(m *Member) {
	delete(r.members, m.UserID)
	m.Status = StatusOffline

	for elementID, holder := range r.locks {
		if holder == m.UserID {
			delete(r.locks, elementID)
			r.broadcast(marshalEvent(NewElementUnlockedEvent(r.id, elementID, m.UserID)), "")
		}
	}
	if m.hasCursor {
		r.broadcast(marshalEvent(NewCursorRemovedEvent(r.id, m.UserID)), "")
	}
	r.broadcast(marshalEvent(NewUserLeftEvent(r.id, m.UserID)), "")
	log.Printf("[Collab] User %s left room %s", m.UserID, r.id)
}

func (r *room) handleCursor(c cmdCursor, now time.Time) roomReply {
	m, ok := r.members[c.userID]
	if !ok {
		return roomReply{err: ErrNotMember}
	}
	m.cursorX, m.cursorY = c.x, c.y
	m.hasCursor = true
	r.markActive(m, now)

	r.broadcast(marshalEvent(NewCursorUpdateEvent(r.id, c.userID, c.x, c.y)), c.userID)
	return roomReply{}
}

func (r *room) handlePresence(c cmdPresence, now time.Time) roomReply {
	m, ok := r.members[c.userID]
	if !ok {
		return roomReply{err: ErrNotMember}
	}
	m.LastActivity = now

	// Clients may declare themselves away; anything else counts as
	// activity and lands on online. Offline is never client-settable.
	status := StatusOnline
	if c.status == string(StatusAway) {
		status = StatusAway
	}
	if m.Status != status {
		m.Status = status
		r.broadcast(marshalEvent(NewPresenceBroadcastEvent(r.id, c.userID, status)), c.userID)
	}
	return roomReply{}
}

func (r *room) handleOperation(c cmdOperation, now time.Time) roomReply {
	m, ok := r.members[c.op.UserID]
	if !ok {
		return roomReply{err: ErrNotMember}
	}
	if !Allowed(m.Role, c.kind) {
		return roomReply{err: fmt.Errorf("%w: role %s may not %s", ErrCapabilityDenied, m.Role, c.kind)}
	}
	r.markActive(m, now)

	op := c.op
	op.RoomID = r.id
	if op.Timestamp == 0 {
		op.Timestamp = now.UnixMilli()
	}
	if op.OperationType == "" && c.kind == EventShapeDeleted {
		op.OperationType = OpDelete
	}

	res := r.res.fold(op, now)
	deleted := res.Op.OperationType == OpDelete
	if deleted {
		delete(r.elements, res.Op.ElementID)
	} else {
		// Inner maps are replaced, never mutated, so element snapshots
		// handed to joining clients stay stable.
		r.elements[res.Op.ElementID] = unionValues(r.elements[res.Op.ElementID], res.Op.NewValue)
	}

	if res.Entry != nil {
		if err := r.conflicts.Append(context.Background(), *res.Entry); err != nil {
			log.Printf("[Collab] Room %s: conflict log append failed: %v", r.id, err)
		}
		log.Printf("[Resolver] Room %s element %s resolved via %s (winner=%s)",
			r.id, res.Op.ElementID, res.Strategy, res.Entry.Winner.UserID)
	}

	state := r.elements[res.Op.ElementID]
	r.broadcast(marshalEvent(NewOperationAppliedEvent(r.id, res, state, deleted)), "")
	return roomReply{val: res}
}

func (r *room) handleLock(c cmdLock, now time.Time) roomReply {
	m, ok := r.members[c.userID]
	if !ok {
		return roomReply{err: ErrNotMember}
	}
	kind := EventLockElement
	if c.unlock {
		kind = EventUnlockElement
	}
	if !Allowed(m.Role, kind) {
		return roomReply{err: fmt.Errorf("%w: role %s may not %s", ErrCapabilityDenied, m.Role, kind)}
	}
	r.markActive(m, now)

	holder, held := r.locks[c.elementID]
	if c.unlock {
		if !held || (holder != c.userID && m.Role != RoleAdmin) {
			return roomReply{err: fmt.Errorf("%w: %s", ErrLockHeld, c.elementID)}
		}
		delete(r.locks, c.elementID)
		r.broadcast(marshalEvent(NewElementUnlockedEvent(r.id, c.elementID, holder)), "")
		return roomReply{}
	}

	if held && holder != c.userID {
		return roomReply{err: fmt.Errorf("%w: %s held by %s", ErrLockHeld, c.elementID, holder)}
	}
	r.locks[c.elementID] = c.userID
	r.broadcast(marshalEvent(NewElementLockedEvent(r.id, c.elementID, c.userID)), "")
	return roomReply{}
}

func (r *room) handleAnnotation(c cmdAnnotation, now time.Time) roomReply {
	m, ok := r.members[c.userID]
	if !ok {
		return roomReply{err: ErrNotMember}
	}
	r.markActive(m, now)

	a, err := newAnnotation(r.id, c.userID, c.shape, c.coords, r.cfg.AnnotationTTL, now)
	if err != nil {
		return roomReply{err: err}
	}
	r.annotations[a.ID] = a

	// Everyone sees the annotation, including the author's own other
	// connections; the ack carries id and expiry separately.
	r.broadcast(marshalEvent(NewAnnotationCreatedEvent(r.id, a)), "")
	return roomReply{val: a}
}

// markActive records activity and, when the member was away, brings them
// back online with a broadcast.
func (r *room) markActive(m *Member, now time.Time) {
	if m.touch(now) {
		r.broadcast(marshalEvent(NewPresenceBroadcastEvent(r.id, m.UserID, StatusOnline)), m.UserID)
	}
}

func (r *room) sweepPresence(now time.Time) {
	for _, m := range r.members {
		if m.Status == StatusOnline && now.Sub(m.LastActivity) >= r.cfg.PresenceAwayAfter {
			m.Status = StatusAway
			r.broadcast(marshalEvent(NewPresenceBroadcastEvent(r.id, m.UserID, StatusAway)), m.UserID)
		}
	}
}

func (r *room) sweepAnnotations(now time.Time) {
	for id, a := range r.annotations {
		if !now.Before(a.ExpiresAt) {
			delete(r.annotations, id)
			r.broadcast(marshalEvent(NewAnnotationExpiredEvent(r.id, id)), "")
		}
	}
}

func (r *room) activeAnnotations(now time.Time) []*Annotation {
	out := make([]*Annotation, 0, len(r.annotations))
	for _, a := range r.annotations {
		if now.Before(a.ExpiresAt) {
			out = append(out, a)
		}
	}
	return out
}

func (r *room) roster() []RosterEntry {
	lockedBy := make(map[string]string, len(r.locks))
	for elementID, holder := range r.locks {
		lockedBy[holder] = elementID
	}
	out := make([]RosterEntry, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.rosterEntry(lockedBy[m.UserID]))
	}
	return out
}

func (r *room) elementsSnapshot() map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(r.elements))
	for id, state := range r.elements {
		out[id] = state
	}
	return out
}

// broadcast fans a frame out to every member except the excluded user and
// publishes it for other instances. Sends never block; a member whose
// connection cannot keep up is cleaned out like any dead socket.
func (r *room) broadcast(frame []byte, excludeUserID string) {
	var dead []*Member
	for _, m := range r.members {
		if m.UserID == excludeUserID {
			continue
		}
		if !m.sender.Send(frame) {
			dead = append(dead, m)
		}
	}
	for _, m := range dead {
		log.Printf("[Collab] Room %s: dropping unresponsive connection for user %s", r.id, m.UserID)
		// Still present? A previous removal in this batch may have
		// cleaned it out already.
		if cur, ok := r.members[m.UserID]; ok && cur.ConnID == m.ConnID {
			r.removeMember(cur)
		}
	}
	if r.publish != nil {
		r.publish(r.id, frame)
	}
}

// deliver sends a frame that originated on another instance to local
// members only, without republishing it.
func (r *room) deliver(frame []byte, excludeUserID string) {
	for _, m := range r.members {
		if m.UserID == excludeUserID {
			continue
		}
		m.sender.Send(frame)
	}
}
