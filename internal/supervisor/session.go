package supervisor

import (
	"time"

	"github.com/koltyakov/tunnelroom/internal/domain"
	"github.com/koltyakov/tunnelroom/internal/tunnel"
)

// session is an immutable view of the active tunnel. Updates build a new
// value and swap the pointer.
type session struct {
	proc       tunnel.Process
	record     domain.RoomRecord
	tunnel     domain.TunnelStatus
	state      domain.SupervisorState
	registered bool
	restarts   int
}

// Snapshot is the externally visible supervisor state.
type Snapshot struct {
	SessionID    string                 `json:"session_id"`
	State        domain.SupervisorState `json:"state"`
	RoomID       domain.RoomID          `json:"room_id,omitempty"`
	URL          string                 `json:"url,omitempty"`
	Tunnel       domain.TunnelStatus    `json:"tunnel"`
	Registered   bool                   `json:"registered"`
	RegisteredAt time.Time              `json:"registered_at,omitzero"`
	Restarts     int                    `json:"restarts"`
}

func (s *session) snapshot(sessionID string) Snapshot {
	return Snapshot{
		SessionID:    sessionID,
		State:        s.state,
		RoomID:       s.record.RoomID,
		URL:          s.record.URL,
		Tunnel:       s.tunnel,
		Registered:   s.registered,
		RegisteredAt: s.record.RegisteredAt,
		Restarts:     s.restarts,
	}
}
