package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/autograph/services/collab/internal/auth"
)

// fakeSender records every frame a member would have received.
type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool // simulate a dead connection when set
}

func (f *fakeSender) Send(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

// typed returns the decoded frames carrying the given type tag.
func (f *fakeSender) typed(eventType string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]interface{}
	for _, frame := range f.frames {
		var m map[string]interface{}
		if err := json.Unmarshal(frame, &m); err != nil {
			continue
		}
		if m["type"] == eventType {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSender) count(eventType string) int {
	return len(f.typed(eventType))
}

func testConfig() Config {
	return Config{
		ConflictWindow:          200 * time.Millisecond,
		AnnotationTTL:           60 * time.Millisecond,
		AnnotationSweepInterval: 10 * time.Millisecond,
		PresenceAwayAfter:       10 * time.Second,
		PresenceSweepInterval:   10 * time.Millisecond,
	}
}

func ident(userID string) auth.Identity {
	return auth.Identity{UserID: userID, Username: userID}
}

func join(t *testing.T, c *Coordinator, room, userID, role, connID string) (*fakeSender, RoomJoinedAck) {
	t.Helper()
	s := &fakeSender{}
	ack, err := c.Join(ident(userID), JoinRoomEvent{Room: room, UserID: userID, Username: userID, Role: role}, connID, s)
	require.NoError(t, err)
	require.True(t, ack.Success)
	return s, ack
}

func TestJoinAndRoster(t *testing.T) {
	c := NewCoordinator(testConfig(), nil, nil)
	defer c.Close()

	alice, ack := join(t, c, "r1", "alice", "editor", "c1")
	assert.Len(t, ack.Users, 1)
	assert.False(t, ack.Reconnected)

	_, ack2 := join(t, c, "r1", "bob", "viewer", "c2")
	assert.Len(t, ack2.Users, 2)

	// Existing member saw the newcomer.
	joined := alice.typed(EventUserJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "bob", joined[0]["user_id"])

	users, err := c.GetUsers("r1")
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestJoinRejectsBadRoleAndMismatchedIdentity(t *testing.T) {
	c := NewCoordinator(testConfig(), nil, nil)
	defer c.Close()

	_, err := c.Join(ident("alice"), JoinRoomEvent{Room: "r1", UserID: "alice", Role: "superuser"}, "c1", &fakeSender{})
	assert.ErrorIs(t, err, ErrCapabilityDenied)

	_, err = c.Join(ident("mallory"), JoinRoomEvent{Room: "r1", UserID: "alice", Role: "editor"}, "c1", &fakeSender{})
	assert.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestViewerMutationDeniedAndInvisible(t *testing.T) {
	c := NewCoordinator(testConfig(), nil, nil)
	defer c.Close()

	join(t, c, "r1", "viewer1", "viewer", "c1")
	editorSender, _ := join(t, c, "r1", "editor1", "editor", "c2")

	_, err := c.ApplyOperation(OperationEvent{
		Kind: EventShapeDeleted, Room: "r1", UserID: "viewer1", ElementID: "s1",
	})
	assert.ErrorIs(t, err, ErrCapabilityDenied)

	// The denied write must be invisible to everyone else.
	assert.Zero(t, editorSender.count(EventOperationApplied))

	err = c.Lock(LockElementEvent{Room: "r1", UserID: "viewer1", ElementID: "s1"})
	assert.ErrorIs(t, err, ErrCapabilityDenied)
	assert.Zero(t, editorSender.count(EventElementLocked))
}

func TestOperationAppliedAndBroadcast(t *testing.T) {
	c := NewCoordinator(testConfig(), nil, nil)
	defer c.Close()

	alice, _ := join(t, c, "r1", "alice", "editor", "c1")
	bob, _ := join(t, c, "r1", "bob", "editor", "c2")

	res, err := c.ApplyOperation(OperationEvent{
		Kind: EventElementEdit, Room: "r1", UserID: "alice", ElementID: "s1",
		OperationType: "style", NewValue: map[string]interface{}{"color": "red"}, Timestamp: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyApplied, res.Strategy)

	// Resolved state goes to all members, sender included.
	require.Equal(t, 1, alice.count(EventOperationApplied))
	require.Equal(t, 1, bob.count(EventOperationApplied))
	frame := bob.typed(EventOperationApplied)[0]
	state := frame["element_state"].(map[string]interface{})
	assert.Equal(t, "red", state["color"])
}

func TestConcurrentConflictConvergesAndLogs(t *testing.T) {
	c := NewCoordinator(testConfig(), nil, nil)
	defer c.Close()

	join(t, c, "r1", "alice", "editor", "c1")
	bob, _ := join(t, c, "r1", "bob", "editor", "c2")

	_, err := c.ApplyOperation(OperationEvent{
		Kind: EventElementEdit, Room: "r1", UserID: "alice", ElementID: "s1",
		OperationType: "style", NewValue: map[string]interface{}{"color": "red"}, Timestamp: 100,
	})
	require.NoError(t, err)

	res, err := c.ApplyOperation(OperationEvent{
		Kind: EventElementEdit, Room: "r1", UserID: "bob", ElementID: "s1",
		OperationType: "style", NewValue: map[string]interface{}{"color": "blue"}, Timestamp: 150,
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyLastWriteWins, res.Strategy)
	assert.Equal(t, "blue", res.Op.NewValue["color"])

	entries, err := c.ListConflicts(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, entries, 1, "exactly one conflict log entry per collision")
	assert.Equal(t, "bob", entries[0].Winner.UserID)
	assert.Equal(t, "alice", entries[0].Losers[0].UserID)
	assert.Equal(t, StrategyLastWriteWins, entries[0].Strategy)

	// Both broadcasts carried, and the final one converged on blue.
	applied := bob.typed(EventOperationApplied)
	require.Len(t, applied, 2)
	state := applied[1]["element_state"].(map[string]interface{})
	assert.Equal(t, "blue", state["color"])
}

func TestConcurrentMoveResizeMerges(t *testing.T) {
	c := NewCoordinator(testConfig(), nil, nil)
	defer c.Close()

	join(t, c, "r1", "alice", "editor", "c1")
	join(t, c, "r1", "bob", "editor", "c2")

	_, err := c.ApplyOperation(OperationEvent{
		Kind: EventElementEdit, Room: "r1", UserID: "alice", ElementID: "shape_123",
		OperationType: "move", NewValue: map[string]interface{}{"x": 100.0, "y": 100.0}, Timestamp: 100,
	})
	require.NoError(t, err)

	res, err := c.ApplyOperation(OperationEvent{
		Kind: EventElementEdit, Room: "r1", UserID: "bob", ElementID: "shape_123",
		OperationType: "resize", NewValue: map[string]interface{}{"width": 200.0, "height": 150.0}, Timestamp: 110,
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyMerged, res.Strategy)
	assert.Equal(t, map[string]interface{}{
		"x": 100.0, "y": 100.0, "width": 200.0, "height": 150.0,
	}, res.Op.NewValue)

	entries, err := c.ListConflicts(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StrategyMerged, entries[0].Strategy, "disjoint fields log as merge, not conflict")
}

func TestDisconnectCleanup(t *testing.T) {
	c := NewCoordinator(testConfig(), nil, nil)
	defer c.Close()

	join(t, c, "r1", "alice", "editor", "c1")
	bob, _ := join(t, c, "r1", "bob", "editor", "c2")

	require.NoError(t, c.Lock(LockElementEvent{Room: "r1", UserID: "alice", ElementID: "el_1"}))
	require.NoError(t, c.CursorMove(CursorMoveEvent{Room: "r1", UserID: "alice", X: 5, Y: 5}))

	// Abrupt transport loss: no leave_room was ever sent.
	c.Disconnect("r1", "alice", "c1")

	unlocked := bob.typed(EventElementUnlocked)
	require.Len(t, unlocked, 1)
	assert.Equal(t, "el_1", unlocked[0]["element_id"])
	assert.Equal(t, "alice", unlocked[0]["user_id"])

	require.Equal(t, 1, bob.count(EventCursorRemoved))
	require.Equal(t, 1, bob.count(EventUserLeft))

	users, err := c.GetUsers("r1")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "bob", users[0].UserID)
}

func TestReconnectRestoresSession(t *testing.T) {
	c := NewCoordinator(testConfig(), nil, nil)
	defer c.Close()

	join(t, c, "r1", "alice", "editor", "c1")
	require.NoError(t, c.Lock(LockElementEvent{Room: "r1", UserID: "alice", ElementID: "el_1"}))

	_, err := c.ApplyOperation(OperationEvent{
		Kind: EventShapeCreated, Room: "r1", UserID: "alice", ElementID: "s1",
		OperationType: "create", NewValue: map[string]interface{}{"color": "red"}, Timestamp: 100,
	})
	require.NoError(t, err)

	// Same user joins again on a new connection.
	_, ack := join(t, c, "r1", "alice", "editor", "c2")
	assert.True(t, ack.Reconnected)
	require.Len(t, ack.Users, 1, "reconnection replaces, never duplicates")
	assert.Equal(t, "el_1", ack.Users[0].LockedElement, "held locks survive reconnection")

	// The ack resyncs authoritative element state instead of replaying ops.
	require.Contains(t, ack.Elements, "s1")
	assert.Equal(t, "red", ack.Elements["s1"]["color"])

	// Stale disconnect from the old connection must not tear down the
	// restored session.
	c.Disconnect("r1", "alice", "c1")
	users, err := c.GetUsers("r1")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, string(StatusOnline), users[0].Status)
}

func TestRoomDissolvesWhenEmpty(t *testing.T) {
	c := NewCoordinator(testConfig(), nil, nil)
	defer c.Close()

	join(t, c, "r1", "alice", "editor", "c1")
	require.NoError(t, c.Leave("r1", "alice"))

	assert.Eventually(t, func() bool {
		_, err := c.GetUsers("r1")
		return err != nil
	}, time.Second, 10*time.Millisecond, "empty room should be garbage collected")
}

func TestAnnotationLifecycle(t *testing.T) {
	c := NewCoordinator(testConfig(), nil, nil)
	defer c.Close()

	alice, _ := join(t, c, "r1", "alice", "viewer", "c1")
	bob, _ := join(t, c, "r1", "bob", "editor", "c2")

	a, err := c.DrawAnnotation(AnnotationDrawEvent{
		Room: "r1", UserID: "alice", AnnotationType: AnnotationCircle,
		Coordinates: map[string]float64{"x": 10, "y": 20, "radius": 5},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.True(t, a.ExpiresAt.After(a.CreatedAt))

	// Everyone sees it, the author included.
	assert.Equal(t, 1, alice.count(EventAnnotationNew))
	assert.Equal(t, 1, bob.count(EventAnnotationNew))

	active, err := c.Annotations("r1")
	require.NoError(t, err)
	assert.Len(t, active, 1)

	assert.Eventually(t, func() bool {
		active, err := c.Annotations("r1")
		return err == nil && len(active) == 0 && bob.count(EventAnnotationGone) == 1
	}, time.Second, 10*time.Millisecond, "annotation should expire after its TTL")
}

func TestAnnotationValidation(t *testing.T) {
	c := NewCoordinator(testConfig(), nil, nil)
	defer c.Close()
	join(t, c, "r1", "alice", "editor", "c1")

	_, err := c.DrawAnnotation(AnnotationDrawEvent{
		Room: "r1", UserID: "alice", AnnotationType: "scribble",
		Coordinates: map[string]float64{"x": 1},
	})
	assert.Error(t, err)

	_, err = c.DrawAnnotation(AnnotationDrawEvent{
		Room: "r1", UserID: "alice", AnnotationType: AnnotationLine,
		Coordinates: map[string]float64{"x1": 1, "y1": 2},
	})
	assert.Error(t, err, "line requires both endpoints")
}

func TestPresenceAwayAndBack(t *testing.T) {
	cfg := testConfig()
	cfg.PresenceAwayAfter = 40 * time.Millisecond
	c := NewCoordinator(cfg, nil, nil)
	defer c.Close()

	join(t, c, "r1", "alice", "editor", "c1")
	bob, _ := join(t, c, "r1", "bob", "editor", "c2")

	// Alice goes quiet; bob is kept active.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, c.CursorMove(CursorMoveEvent{Room: "r1", UserID: "bob", X: 1, Y: 1}))
		updates := bob.typed(EventPresenceUpdate)
		if len(updates) > 0 {
			assert.Equal(t, "alice", updates[0]["user_id"])
			assert.Equal(t, string(StatusAway), updates[0]["status"])
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotZero(t, bob.count(EventPresenceUpdate), "expected an away transition")

	// Any activity brings alice back online with a broadcast.
	require.NoError(t, c.CursorMove(CursorMoveEvent{Room: "r1", UserID: "alice", X: 2, Y: 2}))
	assert.Eventually(t, func() bool {
		for _, u := range bob.typed(EventPresenceUpdate) {
			if u["user_id"] == "alice" && u["status"] == string(StatusOnline) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestLockContention(t *testing.T) {
	c := NewCoordinator(testConfig(), nil, nil)
	defer c.Close()

	join(t, c, "r1", "alice", "editor", "c1")
	join(t, c, "r1", "bob", "editor", "c2")

	require.NoError(t, c.Lock(LockElementEvent{Room: "r1", UserID: "alice", ElementID: "el_1"}))
	err := c.Lock(LockElementEvent{Room: "r1", UserID: "bob", ElementID: "el_1"})
	assert.ErrorIs(t, err, ErrLockHeld)

	// Bob cannot release alice's lock, an admin can.
	err = c.Lock(LockElementEvent{Room: "r1", UserID: "bob", ElementID: "el_1", Unlock: true})
	assert.ErrorIs(t, err, ErrLockHeld)

	join(t, c, "r1", "root", "admin", "c3")
	require.NoError(t, c.Lock(LockElementEvent{Room: "r1", UserID: "root", ElementID: "el_1", Unlock: true}))
	require.NoError(t, c.Lock(LockElementEvent{Room: "r1", UserID: "bob", ElementID: "el_1"}))
}

func TestDeadConnectionIsCleanedOut(t *testing.T) {
	c := NewCoordinator(testConfig(), nil, nil)
	defer c.Close()

	join(t, c, "r1", "alice", "editor", "c1")

	dead := &fakeSender{full: true}
	_, err := c.Join(ident("bob"), JoinRoomEvent{Room: "r1", UserID: "bob", Role: "editor"}, "c2", dead)
	require.NoError(t, err)

	// Any broadcast discovers the unresponsive member and removes it.
	_, err = c.ApplyOperation(OperationEvent{
		Kind: EventElementEdit, Room: "r1", UserID: "alice", ElementID: "s1",
		OperationType: "style", NewValue: map[string]interface{}{"color": "red"}, Timestamp: 100,
	})
	require.NoError(t, err)

	users, err := c.GetUsers("r1")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].UserID)
}

func TestOperationsAcrossRoomsAreIsolated(t *testing.T) {
	c := NewCoordinator(testConfig(), nil, nil)
	defer c.Close()

	join(t, c, "r1", "alice", "editor", "c1")
	other, _ := join(t, c, "r2", "bob", "editor", "c2")

	_, err := c.ApplyOperation(OperationEvent{
		Kind: EventElementEdit, Room: "r1", UserID: "alice", ElementID: "s1",
		OperationType: "style", NewValue: map[string]interface{}{"color": "red"}, Timestamp: 100,
	})
	require.NoError(t, err)

	assert.Zero(t, other.count(EventOperationApplied), "broadcasts never cross rooms")
}

func TestManyRoomsInParallel(t *testing.T) {
	c := NewCoordinator(testConfig(), nil, nil)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room := fmt.Sprintf("room-%d", i)
			user := fmt.Sprintf("user-%d", i)
			s := &fakeSender{}
			_, err := c.Join(ident(user), JoinRoomEvent{Room: room, UserID: user, Role: "editor"}, "c", s)
			assert.NoError(t, err)
			for j := 0; j < 10; j++ {
				_, err := c.ApplyOperation(OperationEvent{
					Kind: EventElementEdit, Room: room, UserID: user, ElementID: "s1",
					OperationType: "move", NewValue: map[string]interface{}{"x": float64(j)},
					Timestamp: int64(100 + j),
				})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()
}
