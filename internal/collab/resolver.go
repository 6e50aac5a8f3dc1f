package collab

import (
	"time"

	"gitlab.com/autograph/services/collab/internal/audit"
)

// Resolution strategies, recorded on broadcasts and conflict log entries.
const (
	StrategyApplied        = "applied"
	StrategyLastWriteWins  = "last-write-wins"
	StrategyMerged         = "merged"
	StrategyStaleDiscarded = "stale-discarded"
)

// OpDelete marks an element removal; it beats any concurrent edit.
const OpDelete = "delete"

// OpMerged is the type of an operation produced by folding concurrent
// operations with disjoint field sets.
const OpMerged = "merged"

// Operation is a single proposed mutation of one diagram element.
// Timestamps are client-recorded UnixMilli; resolution compares recorded
// timestamps, never arrival order, so the outcome is identical on every
// replica regardless of delivery order.
type Operation struct {
	RoomID        string                 `json:"room"`
	ElementID     string                 `json:"element_id"`
	OperationType string                 `json:"operation_type"`
	OldValue      map[string]interface{} `json:"old_value,omitempty"`
	NewValue      map[string]interface{} `json:"new_value"`
	UserID        string                 `json:"user_id"`
	Timestamp     int64                  `json:"timestamp"`
}

// Resolution is the outcome of folding an operation into the element's
// in-flight state. Entry is nil when there was no collision.
type Resolution struct {
	Op       Operation
	Strategy string
	Entry    *audit.Entry
}

// laterOp picks the operation that wins under last-write-wins: the later
// recorded timestamp, ties broken by the lexicographically smaller user id.
func laterOp(a, b Operation) (winner, loser Operation) {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp > b.Timestamp {
			return a, b
		}
		return b, a
	}
	if a.UserID < b.UserID {
		return a, b
	}
	return b, a
}

func fieldsOverlap(a, b map[string]interface{}) bool {
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

func unionValues(base, add map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(add))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range add {
		out[k] = v
	}
	return out
}

func opRecord(op Operation) audit.OpRecord {
	return audit.OpRecord{
		UserID:        op.UserID,
		OperationType: op.OperationType,
		Value:         op.NewValue,
		Timestamp:     op.Timestamp,
	}
}

// resolvePair folds two concurrent operations on the same element into one.
// The function is total and symmetric: resolvePair(a, b) and
// resolvePair(b, a) produce the same converged operation.
func resolvePair(roomID string, a, b Operation, now time.Time) Resolution {
	// A delete beats any concurrent edit: an edit against a removed
	// element is discarded, never resurrects it.
	aDel, bDel := a.OperationType == OpDelete, b.OperationType == OpDelete
	if aDel || bDel {
		winner, loser := a, b
		if bDel && !aDel {
			winner, loser = b, a
		} else if aDel && bDel {
			winner, loser = laterOp(a, b)
		}
		strategy := StrategyLastWriteWins
		if !aDel || !bDel {
			strategy = StrategyStaleDiscarded
		}
		return Resolution{
			Op:       winner,
			Strategy: strategy,
			Entry: &audit.Entry{
				RoomID:     roomID,
				ElementID:  winner.ElementID,
				Strategy:   strategy,
				Winner:     opRecord(winner),
				Losers:     []audit.OpRecord{opRecord(loser)},
				ResolvedAt: now,
			},
		}
	}

	// Field-level resolution, commutative in outcome: every overlapping
	// field takes the later writer's value, every disjoint field is kept
	// from whichever side wrote it. With identical field sets this is
	// plain last-write-wins; with disjoint sets it is a pure merge.
	later, earlier := laterOp(a, b)
	overlap := fieldsOverlap(a.NewValue, b.NewValue)

	strategy := StrategyMerged
	opType := OpMerged
	if overlap {
		strategy = StrategyLastWriteWins
		opType = later.OperationType
	}

	converged := Operation{
		RoomID:        roomID,
		ElementID:     a.ElementID,
		OperationType: opType,
		OldValue:      unionValues(later.OldValue, earlier.OldValue),
		NewValue:      unionValues(earlier.NewValue, later.NewValue),
		UserID:        later.UserID,
		Timestamp:     later.Timestamp,
	}
	return Resolution{
		Op:       converged,
		Strategy: strategy,
		Entry: &audit.Entry{
			RoomID:     roomID,
			ElementID:  converged.ElementID,
			Strategy:   strategy,
			Winner:     opRecord(later),
			Losers:     []audit.OpRecord{opRecord(earlier)},
			ResolvedAt: now,
		},
	}
}

// pendingOp is an operation still inside the concurrency window. Further
// operations on the same element fold into it; after the window passes it
// is finalized (dropped) lazily.
type pendingOp struct {
	op       Operation
	deadline time.Time
}

// resolver tracks in-flight operations per element for one room. It is
// owned by the room loop and never accessed concurrently.
type resolver struct {
	window  time.Duration
	pending map[string]*pendingOp
}

func newResolver(window time.Duration) *resolver {
	return &resolver{
		window:  window,
		pending: make(map[string]*pendingOp),
	}
}

// fold classifies an incoming operation against the element's in-flight
// state and returns the converged result. Resolution never fails.
func (r *resolver) fold(op Operation, now time.Time) Resolution {
	p, ok := r.pending[op.ElementID]
	if ok && now.After(p.deadline) {
		delete(r.pending, op.ElementID)
		ok = false
	}

	if !ok {
		r.pending[op.ElementID] = &pendingOp{op: op, deadline: now.Add(r.window)}
		return Resolution{Op: op, Strategy: StrategyApplied}
	}

	res := resolvePair(op.RoomID, p.op, op, now)
	// Each fold keeps the window open so a third concurrent operation
	// still collides with the converged result.
	r.pending[op.ElementID] = &pendingOp{op: res.Op, deadline: now.Add(r.window)}
	return res
}

// purge drops finalized operations whose window has passed.
func (r *resolver) purge(now time.Time) {
	for id, p := range r.pending {
		if now.After(p.deadline) {
			delete(r.pending, id)
		}
	}
}
