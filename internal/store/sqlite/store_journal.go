package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/koltyakov/tunnelroom/internal/domain"
)

const defaultEventListLimit = 50

// EventFilter narrows [Store.ListEvents]. Zero fields match everything.
type EventFilter struct {
	SessionID string
	RoomID    domain.RoomID
	Limit     int
}

// Record appends ev to the journal. A zero At is stamped with the current
// time.
func (s *Store) Record(ctx context.Context, ev domain.JournalEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.insertEventStmt.ExecContext(ctx,
		ev.SessionID,
		ev.Kind,
		string(ev.RoomID),
		ev.URL,
		ev.Detail,
		at.UTC().UnixMilli(),
	)
	return err
}

// ListEvents returns journal entries newest first.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]domain.JournalEvent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultEventListLimit
	}
	var (
		where []string
		args  []any
	)
	if v := strings.TrimSpace(f.SessionID); v != "" {
		where = append(where, "session_id = ?")
		args = append(args, v)
	}
	if f.RoomID != "" {
		where = append(where, "room_id = ?")
		args = append(args, string(f.RoomID))
	}
	q := `SELECT id, session_id, kind, room_id, url, detail, at_ms FROM journal`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.JournalEvent
	for rows.Next() {
		var (
			ev     domain.JournalEvent
			roomID string
			atMS   int64
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Kind, &roomID, &ev.URL, &ev.Detail, &atMS); err != nil {
			return nil, err
		}
		ev.RoomID = domain.RoomID(roomID)
		ev.At = time.UnixMilli(atMS).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
