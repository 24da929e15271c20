package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/koltyakov/tunnelroom/internal/domain"
	"github.com/koltyakov/tunnelroom/internal/health"
)

// poll pings the live tunnel every CheckInterval. A non-200 answer restarts
// the tunnel. A transport failure restarts it too and counts toward
// MaxRetries; the count resets on any HTTP answer.
func (s *Supervisor) poll(ctx context.Context) error {
	failures := 0
	for {
		cur := s.current.Load()
		err := s.deps.Pinger.Ping(ctx, cur.record.URL)
		if ctx.Err() != nil {
			return nil
		}

		switch {
		case err == nil:
			failures = 0
			if !cur.registered && cur.state == domain.StateLive {
				s.reregister(ctx)
			}
		case health.IsStatusError(err):
			failures = 0
			s.log.Warn("tunnel unhealthy; restarting", "room_id", cur.record.RoomID, "err", err)
			s.restart(ctx)
		default:
			failures++
			if failures >= s.opts.MaxRetries {
				s.log.Error("tunnel unreachable; giving up",
					"room_id", cur.record.RoomID,
					"failures", failures,
					"err", err,
				)
				s.record(domain.EventCeilingReached, cur.record, err.Error())
				return fmt.Errorf("%w: %d consecutive liveness failures: %w", domain.ErrRestartCeiling, failures, err)
			}
			s.log.Warn("tunnel unreachable; restarting",
				"room_id", cur.record.RoomID,
				"failures", failures,
				"max_retries", s.opts.MaxRetries,
				"err", err,
			)
			s.restart(ctx)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.opts.CheckInterval):
		}
	}
}

// restart replaces the tunnel process and republishes the room under the
// same code. When the new process fails to start, the session stays in
// Restarting with the old URL and the next poll tries again.
func (s *Supervisor) restart(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	cur := s.current.Load()
	down := *cur
	down.state = domain.StateRestarting
	down.tunnel = domain.TunnelDead
	s.store(&down)

	if cur.proc != nil {
		cur.proc.Stop()
	}
	if ctx.Err() != nil {
		return
	}

	id := cur.record.RoomID
	proc, err := s.deps.Launcher.Start(ctx, s.opts.LocalPort)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error("tunnel restart failed", "room_id", id, "err", err)
		s.record(domain.EventRestartFail, cur.record, err.Error())
		return
	}

	rec := domain.RoomRecord{RoomID: id, URL: proc.URL(), RegisteredAt: time.Now().UTC()}
	registered := true
	if err := s.deps.Directory.Put(ctx, id, rec.URL); err != nil {
		registered = false
		s.log.Warn("failed to republish room; will retry", "room_id", id, "err", err)
		s.record(domain.EventRegisterFail, rec, err.Error())
	}
	s.saveCache(rec)
	s.store(&session{
		proc:       proc,
		record:     rec,
		tunnel:     domain.TunnelLive,
		state:      domain.StateLive,
		registered: registered,
		restarts:   cur.restarts + 1,
	})
	s.record(domain.EventRestarted, rec, "")
	s.log.Info("tunnel restarted", "room_id", id, "url", rec.URL, "restarts", cur.restarts+1)
}

// reregister publishes a live but unpublished session.
func (s *Supervisor) reregister(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	cur := s.current.Load()
	if cur.registered || cur.state != domain.StateLive {
		return
	}
	if err := s.deps.Directory.Put(ctx, cur.record.RoomID, cur.record.URL); err != nil {
		s.log.Warn("failed to republish room; will retry", "room_id", cur.record.RoomID, "err", err)
		return
	}
	next := *cur
	next.registered = true
	next.record.RegisteredAt = time.Now().UTC()
	s.store(&next)
	s.log.Info("room republished", "room_id", next.record.RoomID)
}
