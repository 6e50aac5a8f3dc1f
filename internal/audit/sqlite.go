package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS conflict_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id     TEXT NOT NULL,
	element_id  TEXT NOT NULL,
	strategy    TEXT NOT NULL,
	winner      TEXT NOT NULL,
	losers      TEXT NOT NULL,
	resolved_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conflict_log_room ON conflict_log(room_id);
`

// SQLiteStore persists the conflict log to an embedded database so it
// survives service restarts. Use ":memory:" for throwaway instances.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	// Writes all come from room loops; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	winner, err := json.Marshal(e.Winner)
	if err != nil {
		return fmt.Errorf("audit: marshal winner: %w", err)
	}
	losers, err := json.Marshal(e.Losers)
	if err != nil {
		return fmt.Errorf("audit: marshal losers: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conflict_log (room_id, element_id, strategy, winner, losers, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.RoomID, e.ElementID, e.Strategy, string(winner), string(losers), e.ResolvedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListByRoom(ctx context.Context, roomID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT element_id, strategy, winner, losers, resolved_at
		 FROM conflict_log WHERE room_id = ? ORDER BY id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("audit: query room %s: %w", roomID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e              Entry
			winner, losers string
			resolvedAt     int64
		)
		e.RoomID = roomID
		if err := rows.Scan(&e.ElementID, &e.Strategy, &winner, &losers, &resolvedAt); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		if err := json.Unmarshal([]byte(winner), &e.Winner); err != nil {
			return nil, fmt.Errorf("audit: decode winner: %w", err)
		}
		if err := json.Unmarshal([]byte(losers), &e.Losers); err != nil {
			return nil, fmt.Errorf("audit: decode losers: %w", err)
		}
		e.ResolvedAt = time.UnixMilli(resolvedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
