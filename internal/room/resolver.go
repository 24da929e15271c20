package room

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/koltyakov/tunnelroom/internal/domain"
)

// Resolution is the peer-side view of a room.
type Resolution struct {
	RoomID       domain.RoomID
	URL          string
	RegisteredAt time.Time
	Healthy      bool
	PingErr      error
}

// Resolver looks up room codes on behalf of peers.
type Resolver struct {
	dir  Directory
	ping Pinger
}

// NewResolver returns a Resolver. ping may be nil to skip liveness checks.
func NewResolver(dir Directory, ping Pinger) *Resolver {
	return &Resolver{dir: dir, ping: ping}
}

// Lookup returns the current URL for id. It fails with
// [domain.ErrRoomNotFound] when the directory has no usable entry.
func (r *Resolver) Lookup(ctx context.Context, id domain.RoomID) (Resolution, error) {
	id = domain.RoomID(strings.TrimSpace(string(id)))
	if !id.Valid() {
		return Resolution{}, &domain.RoomError{RoomID: id, Op: "lookup", Err: errors.New("room code must be 5 digits")}
	}
	entry, err := r.dir.Get(ctx, id)
	if err != nil {
		return Resolution{}, &domain.RoomError{RoomID: id, Op: "lookup", Err: err}
	}
	if entry == nil || strings.TrimSpace(entry.URL) == "" {
		return Resolution{}, &domain.RoomError{RoomID: id, Op: "lookup", Err: domain.ErrRoomNotFound}
	}
	res := Resolution{
		RoomID:       id,
		URL:          entry.URL,
		RegisteredAt: entry.RegisteredAt(),
	}
	if r.ping != nil {
		res.PingErr = r.ping.Ping(ctx, entry.URL)
		res.Healthy = res.PingErr == nil
	}
	return res, nil
}
