package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrTunnelStartupFailed means the tunnel binary could not be launched or
	// exited before it printed a public URL.
	ErrTunnelStartupFailed = errors.New("tunnel startup failed")

	// ErrRoomNotFound means the directory has no entry for the room code.
	ErrRoomNotFound = errors.New("room not found")

	// ErrCacheInvalid is returned when the local room cache is unreadable or
	// missing required fields.
	ErrCacheInvalid = errors.New("room cache invalid")

	// ErrEstablishCeiling is returned when the tunnel could not be
	// established and registered within the configured number of attempts.
	ErrEstablishCeiling = errors.New("tunnel establishment attempts exhausted")

	// ErrRestartCeiling is returned when consecutive liveness transport
	// errors reach the configured restart limit.
	ErrRestartCeiling = errors.New("tunnel restart attempts exhausted")
)

// RoomError wraps an underlying error with room context.
type RoomError struct {
	RoomID RoomID
	Op     string
	Err    error
}

func (e *RoomError) Error() string {
	if e.RoomID != "" {
		return fmt.Sprintf("room %s: %s: %v", e.RoomID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RoomError) Unwrap() error {
	return e.Err
}
