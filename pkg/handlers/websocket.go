package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gitlab.com/autograph/services/collab/internal/auth"
	"gitlab.com/autograph/services/collab/internal/collab"
	"gitlab.com/autograph/services/collab/internal/ratelimit"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client is one WebSocket connection. It implements collab.Sender via its
// buffered send channel; the room never blocks on a slow socket.
type Client struct {
	connID  string
	ident   auth.Identity
	conn    *websocket.Conn
	send    chan []byte
	coord   *collab.Coordinator
	limiter *ratelimit.Limiter

	// Rooms this connection has joined, for disconnect cleanup. Only the
	// read pump touches it.
	rooms map[string]bool
}

// Send queues a frame without blocking. False means the connection cannot
// keep up and should be cleaned out.
func (c *Client) Send(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// ServeWS authenticates the bearer token and upgrades the connection.
func ServeWS(coord *collab.Coordinator, verifier *auth.Verifier, limiter *ratelimit.Limiter, upgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	ident, err := verifier.Verify(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed: %v", err)
		return
	}

	client := &Client{
		connID:  uuid.New().String(),
		ident:   ident,
		conn:    conn,
		send:    make(chan []byte, 256),
		coord:   coord,
		limiter: limiter,
		rooms:   make(map[string]bool),
	}
	log.Printf("[WS] Connection %s established for user %s", client.connID[:8], ident.UserID)

	go client.writePump()
	client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		// Transport-level disconnect drives the same cleanup as an
		// explicit leave; client cooperation is not required.
		for roomID := range c.rooms {
			c.coord.Disconnect(roomID, c.ident.UserID, c.connID)
		}
		close(c.send)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Connection %s error: %v", c.connID[:8], err)
			}
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one decoded frame. Authorization failures are answered
// to this connection only; nothing reaches the room.
func (c *Client) dispatch(frame []byte) {
	ev, err := collab.DecodeClientEvent(frame)
	if err != nil {
		c.sendError("", err)
		return
	}

	switch ev := ev.(type) {
	case collab.JoinRoomEvent:
		c.handleJoin(ev)
	case collab.LeaveRoomEvent:
		if !c.claimIdentity(&ev.UserID, ev.Room) {
			return
		}
		if err := c.coord.Leave(ev.Room, ev.UserID); err == nil {
			delete(c.rooms, ev.Room)
		}
	case collab.CursorMoveEvent:
		if !c.claimIdentity(&ev.UserID, ev.Room) {
			return
		}
		if err := c.limiter.CheckCursor(context.Background(), c.connID); err != nil {
			return // silently shed cursor floods
		}
		c.coord.CursorMove(ev) //nolint:errcheck // fire and forget
	case collab.PresenceUpdateEvent:
		if !c.claimIdentity(&ev.UserID, ev.Room) {
			return
		}
		if err := c.coord.PresenceUpdate(ev); err != nil {
			c.sendError(ev.Room, err)
		}
	case collab.OperationEvent:
		if !c.claimIdentity(&ev.UserID, ev.Room) {
			return
		}
		if err := c.limiter.CheckOperation(context.Background(), c.connID); err != nil {
			c.sendError(ev.Room, err)
			return
		}
		if _, err := c.coord.ApplyOperation(ev); err != nil {
			c.answerOperationError(ev.Room, ev.Kind, err)
		}
	case collab.LockElementEvent:
		if !c.claimIdentity(&ev.UserID, ev.Room) {
			return
		}
		kind := collab.EventLockElement
		if ev.Unlock {
			kind = collab.EventUnlockElement
		}
		if err := c.coord.Lock(ev); err != nil {
			c.answerOperationError(ev.Room, kind, err)
		}
	case collab.AnnotationDrawEvent:
		if !c.claimIdentity(&ev.UserID, ev.Room) {
			return
		}
		a, err := c.coord.DrawAnnotation(ev)
		if err != nil {
			c.sendError(ev.Room, err)
			return
		}
		c.sendJSON(annotationAck{
			Type:         "annotation_ack",
			Success:      true,
			AnnotationID: a.ID,
			ExpiresAt:    a.ExpiresAt.UnixMilli(),
		})
	case collab.GetUsersEvent:
		users, err := c.coord.GetUsers(ev.Room)
		if err != nil {
			c.sendError(ev.Room, err)
			return
		}
		c.sendJSON(usersAck{Type: "users", Success: true, Room: ev.Room, Users: users})
	}
}

func (c *Client) handleJoin(ev collab.JoinRoomEvent) {
	ack, err := c.coord.Join(c.ident, ev, c.connID, c)
	if err != nil {
		c.sendError(ev.Room, err)
		return
	}
	c.rooms[ev.Room] = true
	c.sendJSON(ack)
}

// claimIdentity fills an omitted user id with the connection's verified
// identity and rejects a mismatched one.
func (c *Client) claimIdentity(userID *string, room string) bool {
	if *userID == "" {
		*userID = c.ident.UserID
		return true
	}
	if *userID != c.ident.UserID {
		c.sendError(room, collab.ErrIdentityMismatch)
		return false
	}
	return true
}

// answerOperationError maps a denied mutation to a permission_denied
// frame for the sender only; other members never see it.
func (c *Client) answerOperationError(room, attempted string, err error) {
	if errors.Is(err, collab.ErrCapabilityDenied) || errors.Is(err, collab.ErrLockHeld) {
		c.sendJSON(collab.NewPermissionDeniedEvent(room, c.ident.UserID, attempted, err.Error()))
		return
	}
	c.sendError(room, err)
}

type annotationAck struct {
	Type         string `json:"type"`
	Success      bool   `json:"success"`
	AnnotationID string `json:"annotation_id"`
	ExpiresAt    int64  `json:"expires_at"`
}

type usersAck struct {
	Type    string               `json:"type"`
	Success bool                 `json:"success"`
	Room    string               `json:"room"`
	Users   []collab.RosterEntry `json:"users"`
}

type errorAck struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Room    string `json:"room,omitempty"`
	Error   string `json:"error"`
}

func (c *Client) sendError(room string, err error) {
	c.sendJSON(errorAck{Type: "error", Room: room, Error: err.Error()})
}

func (c *Client) sendJSON(v interface{}) {
	frame, err := json.Marshal(v)
	if err != nil {
		log.Printf("[WS] Marshal ack: %v", err)
		return
	}
	c.Send(frame)
}
