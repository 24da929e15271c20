// Package domain defines the core data types shared across the tunnelroom
// supervisor, directory, cache, and journal layers.
package domain

import (
	"math/rand/v2"
	"strconv"
	"time"
)

// Room code bounds. Codes are five decimal digits.
const (
	RoomIDMin = 10000
	RoomIDMax = 99999
)

// RoomID is the short human-shareable room code. It is unique only while an
// entry for it is registered in the directory.
type RoomID string

// NewRoomID returns a uniformly random room code in [RoomIDMin, RoomIDMax].
func NewRoomID() RoomID {
	return RoomID(strconv.Itoa(RoomIDMin + rand.IntN(RoomIDMax-RoomIDMin+1)))
}

// Valid reports whether id is a well-formed room code.
func (id RoomID) Valid() bool {
	n, err := strconv.Atoi(string(id))
	if err != nil || len(id) != 5 {
		return false
	}
	return n >= RoomIDMin && n <= RoomIDMax
}

func (id RoomID) String() string {
	return string(id)
}

// RoomRecord is the last-known room code to tunnel URL binding.
type RoomRecord struct {
	RoomID       RoomID
	URL          string
	RegisteredAt time.Time
}

// DirectoryEntry is the JSON value stored in the directory under
// /rooms/{room_id}.json.
type DirectoryEntry struct {
	URL       string `json:"url"`
	Timestamp int64  `json:"timestamp"`
}

// RegisteredAt converts the unix-seconds timestamp to a [time.Time].
func (e DirectoryEntry) RegisteredAt() time.Time {
	if e.Timestamp <= 0 {
		return time.Time{}
	}
	return time.Unix(e.Timestamp, 0).UTC()
}

// TunnelStatus describes the lifecycle of a single tunnel process.
type TunnelStatus string

// Tunnel status constants.
const (
	TunnelStarting TunnelStatus = "starting"
	TunnelLive     TunnelStatus = "live"
	TunnelDead     TunnelStatus = "dead"
)

// SupervisorState is the state of the tunnel supervisor state machine.
type SupervisorState string

// Supervisor state constants.
const (
	StateEstablishing SupervisorState = "establishing"
	StateLive         SupervisorState = "live"
	StateRestarting   SupervisorState = "restarting"
	StateTerminated   SupervisorState = "terminated"
)

// Journal event kinds recorded by the supervisor.
const (
	EventEstablished    = "established"
	EventEstablishFail  = "establish_failed"
	EventRestarted      = "restarted"
	EventRestartFail    = "restart_failed"
	EventRegisterFail   = "register_failed"
	EventReleased       = "released"
	EventReleaseFail    = "release_failed"
	EventCeilingReached = "ceiling_reached"
)

// JournalEvent is one entry of the local session journal.
type JournalEvent struct {
	ID        int64
	SessionID string
	Kind      string
	RoomID    RoomID
	URL       string
	Detail    string
	At        time.Time
}
