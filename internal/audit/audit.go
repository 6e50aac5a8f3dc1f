// Package audit implements the append-only conflict log. Every resolved
// collision between concurrent operations produces exactly one entry,
// queryable per room for debugging and post-hoc analysis. The log is not
// part of any diagram's persisted content.
package audit

import (
	"context"
	"sync"
	"time"
)

// OpRecord captures one side of a resolved collision.
type OpRecord struct {
	UserID        string                 `json:"user_id"`
	OperationType string                 `json:"operation_type"`
	Value         map[string]interface{} `json:"value"`
	Timestamp     int64                  `json:"timestamp"`
}

// Entry records a single resolution.
type Entry struct {
	RoomID     string     `json:"room_id"`
	ElementID  string     `json:"element_id"`
	Strategy   string     `json:"strategy"` // last-write-wins | merged | stale-discarded
	Winner     OpRecord   `json:"winner"`
	Losers     []OpRecord `json:"losers"`
	ResolvedAt time.Time  `json:"resolved_at"`
}

// Store is the conflict log backend.
type Store interface {
	Append(ctx context.Context, e Entry) error
	ListByRoom(ctx context.Context, roomID string) ([]Entry, error)
}

// MemoryStore keeps entries in process memory, scoped per room. It is the
// default backend and the one tests use.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]Entry)}
}

func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.RoomID] = append(s.entries[e.RoomID], e)
	return nil
}

func (s *MemoryStore) ListByRoom(_ context.Context, roomID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.entries[roomID]
	out := make([]Entry, len(src))
	copy(out, src)
	return out, nil
}
