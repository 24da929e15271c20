package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/koltyakov/tunnelroom/internal/domain"
)

// GetRoom returns the directory entry for id, or nil when none exists.
func (s *Store) GetRoom(ctx context.Context, id domain.RoomID) (*domain.DirectoryEntry, error) {
	var entry domain.DirectoryEntry
	err := s.getRoomStmt.QueryRowContext(ctx, string(id)).Scan(&entry.URL, &entry.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// PutRoom creates or replaces the entry for id.
func (s *Store) PutRoom(ctx context.Context, id domain.RoomID, entry domain.DirectoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO rooms (room_id, url, registered_unix, updated_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(room_id) DO UPDATE SET
	url = excluded.url,
	registered_unix = excluded.registered_unix,
	updated_ms = excluded.updated_ms`,
		string(id), entry.URL, entry.Timestamp, time.Now().UTC().UnixMilli())
	return err
}

// DeleteRoom removes the entry for id. It reports whether an entry existed.
func (s *Store) DeleteRoom(ctx context.Context, id domain.RoomID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE room_id = ?`, string(id))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountRooms returns the number of registered rooms.
func (s *Store) CountRooms(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM rooms`).Scan(&n)
	return n, err
}
