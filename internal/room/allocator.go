// Package room picks room codes for the supervisor and resolves room codes
// to tunnel URLs for peers.
package room

import (
	"context"
	"log/slog"

	"github.com/koltyakov/tunnelroom/internal/domain"
)

// Directory is the read side of the room directory.
type Directory interface {
	Get(ctx context.Context, id domain.RoomID) (*domain.DirectoryEntry, error)
}

// Pinger checks whether a tunnel URL answers its liveness endpoint.
type Pinger interface {
	Ping(ctx context.Context, baseURL string) error
}

// Allocator chooses the room code for a new tunnel session.
type Allocator struct {
	dir   Directory
	ping  Pinger
	log   *slog.Logger
	newID func() domain.RoomID
}

// NewAllocator returns an Allocator that consults dir and pings remote
// entries with ping.
func NewAllocator(dir Directory, ping Pinger, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		dir:   dir,
		ping:  ping,
		log:   logger,
		newID: domain.NewRoomID,
	}
}

// Allocate draws random codes until one has no directory entry. A failed
// lookup counts the candidate as free. Collisions retry immediately; the
// loop ends only on success or when ctx is done.
func (a *Allocator) Allocate(ctx context.Context) (domain.RoomID, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		id := a.newID()
		entry, err := a.dir.Get(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			a.log.Debug("room lookup failed; treating candidate as free", "room_id", id, "err", err)
			return id, nil
		}
		if entry == nil {
			return id, nil
		}
		a.log.Debug("room code taken; drawing another", "room_id", id)
	}
}

// TryReuse decides whether the cached room code can be kept. The code is
// rejected only when the directory holds an entry for it and that entry's
// URL answers the liveness check: two live processes must never share a
// room.
func (a *Allocator) TryReuse(ctx context.Context, cached domain.RoomRecord) (domain.RoomID, bool) {
	id := cached.RoomID
	if !id.Valid() {
		return "", false
	}
	entry, err := a.dir.Get(ctx, id)
	if err != nil {
		a.log.Info("cached room lookup failed; reusing room", "room_id", id, "err", err)
		return id, true
	}
	if entry == nil {
		a.log.Info("no directory entry for cached room; reusing room", "room_id", id)
		return id, true
	}
	if err := a.ping.Ping(ctx, entry.URL); err != nil {
		a.log.Info("cached room inactive; reusing room", "room_id", id, "err", err)
		return id, true
	}
	a.log.Warn("cached room is active elsewhere; allocating a new room", "room_id", id, "url", entry.URL)
	return "", false
}

// Resolve returns the cached room code when [Allocator.TryReuse] accepts it,
// otherwise a freshly allocated one. It always yields a concrete code unless
// ctx is done.
func (a *Allocator) Resolve(ctx context.Context, cached *domain.RoomRecord) (domain.RoomID, error) {
	if cached != nil {
		if id, ok := a.TryReuse(ctx, *cached); ok {
			return id, nil
		}
	}
	return a.Allocate(ctx)
}
