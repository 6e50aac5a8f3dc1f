// Package ratelimit provides Redis-based flood limiting for the
// high-frequency collaboration events (cursor moves, edit operations).
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimited is returned when a connection exceeds its event budget.
var ErrRateLimited = errors.New("rate limit exceeded")

// Limits defines per-connection budgets over a fixed window.
type Limits struct {
	// CursorLimit caps cursor_move frames per connection per window.
	CursorLimit  int
	CursorWindow time.Duration

	// OperationLimit caps mutating operations per connection per window.
	OperationLimit  int
	OperationWindow time.Duration
}

// DefaultLimits returns budgets generous enough for interactive editing
// but tight enough to stop a runaway client.
func DefaultLimits() Limits {
	return Limits{
		CursorLimit:     120,
		CursorWindow:    10 * time.Second,
		OperationLimit:  200,
		OperationWindow: 10 * time.Second,
	}
}

// Limiter tracks event counts in Redis. A nil Limiter or one without a
// Redis client allows everything (fail-open for availability).
type Limiter struct {
	redis  *redis.Client
	limits Limits
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{redis: client, limits: DefaultLimits()}
}

// CheckCursor applies the cursor budget for one connection.
func (l *Limiter) CheckCursor(ctx context.Context, connID string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	key := fmt.Sprintf("ratelimit:cursor:%s", connID)
	return l.checkLimit(ctx, key, l.limits.CursorLimit, l.limits.CursorWindow)
}

// CheckOperation applies the operation budget for one connection.
func (l *Limiter) CheckOperation(ctx context.Context, connID string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	key := fmt.Sprintf("ratelimit:op:%s", connID)
	return l.checkLimit(ctx, key, l.limits.OperationLimit, l.limits.OperationWindow)
}

// checkLimit performs a fixed-window check using Redis INCR.
func (l *Limiter) checkLimit(ctx context.Context, key string, limit int, window time.Duration) error {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		// Fail-open on Redis errors to maintain availability
		return nil
	}

	if count == 1 {
		l.redis.Expire(ctx, key, window)
	}

	if int(count) > limit {
		return ErrRateLimited
	}
	return nil
}
