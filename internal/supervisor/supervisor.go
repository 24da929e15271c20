// Package supervisor keeps one tunnel alive for one room: it establishes the
// tunnel, publishes room code -> URL to the directory, polls the tunnel's
// liveness endpoint, restarts it on failure and releases the room on
// shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/google/uuid"

	"github.com/koltyakov/tunnelroom/internal/domain"
	"github.com/koltyakov/tunnelroom/internal/tunnel"
)

// Directory is the write side of the room directory.
type Directory interface {
	Put(ctx context.Context, id domain.RoomID, url string) error
	Delete(ctx context.Context, id domain.RoomID) error
}

// RoomSource picks the room code for an establishment attempt. A nil
// cached record forces a fresh code.
type RoomSource interface {
	Resolve(ctx context.Context, cached *domain.RoomRecord) (domain.RoomID, error)
}

// Cache is the local copy of the room record.
type Cache interface {
	Load() (domain.RoomRecord, error)
	Save(rec domain.RoomRecord) error
}

// Pinger checks a tunnel URL's liveness endpoint. Errors matching
// health.IsStatusError are non-200 answers; all others are transport
// failures.
type Pinger interface {
	Ping(ctx context.Context, baseURL string) error
}

// Journal records lifecycle events. Failures are logged and ignored.
type Journal interface {
	Record(ctx context.Context, ev domain.JournalEvent) error
}

// LocalService is the tunneled service. Teardown stops it last.
type LocalService interface {
	Stop() error
}

// Deps are the collaborators a Supervisor drives.
type Deps struct {
	Launcher  tunnel.Launcher
	Rooms     RoomSource
	Directory Directory
	Cache     Cache
	Pinger    Pinger
}

// Options tunes the supervisor's retry behavior.
type Options struct {
	LocalPort            int
	MaxEstablishAttempts int
	RetryDelay           time.Duration
	CheckInterval        time.Duration
	MaxRetries           int
}

const (
	DefaultMaxEstablishAttempts = 20
	DefaultRetryDelay           = 5 * time.Second
	DefaultCheckInterval        = 5 * time.Second
	DefaultMaxRetries           = 10

	teardownTimeout = 10 * time.Second
	journalTimeout  = 5 * time.Second
)

var (
	// ErrAlreadyStarted is returned by a second call to [Supervisor.Start].
	ErrAlreadyStarted = errors.New("supervisor already started")

	// ErrStopped is returned when establishment is attempted after
	// [Supervisor.Teardown].
	ErrStopped = errors.New("supervisor stopped")
)

// Supervisor owns the single active tunnel and its room record.
type Supervisor struct {
	opts      Options
	deps      Deps
	log       *slog.Logger
	sessionID string

	journal  Journal
	local    LocalService
	observer func(Snapshot)

	// current is replaced wholesale; readers never see a partial update.
	current atomic.Pointer[session]

	// mu serializes establishment attempts, restarts and teardown.
	mu sync.Mutex

	stopCtx context.Context
	stop    context.CancelFunc

	started      atomic.Bool
	teardownOnce sync.Once
	pollDone     chan struct{}
	pollErr      error
}

// New creates a Supervisor. Zero-valued options take the package defaults.
func New(opts Options, deps Deps, logger *slog.Logger) *Supervisor {
	if opts.MaxEstablishAttempts <= 0 {
		opts.MaxEstablishAttempts = DefaultMaxEstablishAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	stopCtx, stop := context.WithCancel(context.Background())
	s := &Supervisor{
		opts:      opts,
		deps:      deps,
		log:       logger,
		sessionID: uuid.NewString(),
		stopCtx:   stopCtx,
		stop:      stop,
		pollDone:  make(chan struct{}),
	}
	s.current.Store(&session{state: domain.StateEstablishing, tunnel: domain.TunnelStarting})
	return s
}

// SetJournal attaches an event journal.
func (s *Supervisor) SetJournal(j Journal) {
	s.journal = j
}

// SetLocalService attaches the tunneled service so teardown can stop it.
func (s *Supervisor) SetLocalService(svc LocalService) {
	s.local = svc
}

// SetObserver registers fn to receive every state snapshot. fn must not
// block.
func (s *Supervisor) SetObserver(fn func(Snapshot)) {
	s.observer = fn
}

// SessionID identifies this supervisor run in the journal.
func (s *Supervisor) SessionID() string {
	return s.sessionID
}

// Snapshot returns the current state.
func (s *Supervisor) Snapshot() Snapshot {
	return s.current.Load().snapshot(s.sessionID)
}

// Run establishes the tunnel, keeps it healthy until ctx is done or the
// restart ceiling is reached, then tears down. A ctx-triggered shutdown
// returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.Teardown()

	if _, err := s.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return s.Wait()
}

// Start runs the establishment loop and, on success, launches the health
// poller in the background and returns the room code. The poller stops
// when ctx is done or [Supervisor.Teardown] is called. A Supervisor starts
// at most once; later calls return [ErrAlreadyStarted], and a call after
// Teardown returns [ErrStopped].
func (s *Supervisor) Start(ctx context.Context) (domain.RoomID, error) {
	if !s.started.CompareAndSwap(false, true) {
		return "", ErrAlreadyStarted
	}
	if s.stopCtx.Err() != nil {
		close(s.pollDone)
		return "", ErrStopped
	}
	runCtx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(s.stopCtx, cancel)

	id, err := s.establish(runCtx)
	if err != nil {
		stopAfter()
		cancel()
		close(s.pollDone)
		return "", err
	}

	go func() {
		defer close(s.pollDone)
		defer stopAfter()
		defer cancel()
		s.pollErr = s.poll(runCtx)
	}()
	return id, nil
}

// Wait blocks until the health poller ends and returns its error:
// nil on cancellation, [domain.ErrRestartCeiling] when the restart
// ceiling is reached.
func (s *Supervisor) Wait() error {
	<-s.pollDone
	return s.pollErr
}

func (s *Supervisor) establish(ctx context.Context) (domain.RoomID, error) {
	cached := s.loadCache()
	attempts := 0
	var roomID domain.RoomID

	op := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if s.stopCtx.Err() != nil {
			return backoff.Permanent(ErrStopped)
		}
		attempts++

		id, err := s.deps.Rooms.Resolve(ctx, cached)
		if err != nil {
			return backoff.Permanent(err)
		}
		log := s.log.With("room_id", id, "attempt", attempts)

		proc, err := s.deps.Launcher.Start(ctx, s.opts.LocalPort)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			cached = nil
			s.record(domain.EventEstablishFail, domain.RoomRecord{RoomID: id}, err.Error())
			return fmt.Errorf("start tunnel: %w", err)
		}

		if err := s.deps.Directory.Put(ctx, id, proc.URL()); err != nil {
			proc.Stop()
			s.retract(id)
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			cached = nil
			s.record(domain.EventEstablishFail, domain.RoomRecord{RoomID: id, URL: proc.URL()}, err.Error())
			return &domain.RoomError{RoomID: id, Op: "register", Err: err}
		}

		rec := domain.RoomRecord{RoomID: id, URL: proc.URL(), RegisteredAt: time.Now().UTC()}
		s.saveCache(rec)
		s.store(&session{
			proc:       proc,
			record:     rec,
			tunnel:     domain.TunnelLive,
			state:      domain.StateLive,
			registered: true,
		})
		s.record(domain.EventEstablished, rec, "")
		log.Info("tunnel ready", "url", rec.URL)
		roomID = id
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.RetryDelay), uint64(s.opts.MaxEstablishAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		s.log.Warn("tunnel establishment failed; retrying",
			"attempt", attempts,
			"max_attempts", s.opts.MaxEstablishAttempts,
			"err", err,
			"retry_in", wait.Round(time.Millisecond).String(),
		)
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, ErrStopped) {
			return "", err
		}
		s.log.Error("tunnel could not be established", "attempts", attempts, "err", err)
		s.record(domain.EventCeilingReached, domain.RoomRecord{}, err.Error())
		return "", fmt.Errorf("%w after %d attempts: %w", domain.ErrEstablishCeiling, attempts, err)
	}
	return roomID, nil
}

// Teardown releases the room and stops the tunnel and the local service.
// It runs once; later calls return immediately. Safe to call from any
// goroutine, including while a restart is in flight.
func (s *Supervisor) Teardown() {
	s.teardownOnce.Do(func() {
		s.stop()

		s.mu.Lock()
		defer s.mu.Unlock()

		cur := s.current.Load()
		next := *cur
		next.state = domain.StateTerminated
		next.tunnel = domain.TunnelDead
		next.registered = false

		if id := cur.record.RoomID; id != "" {
			ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			err := s.deps.Directory.Delete(ctx, id)
			cancel()
			if err != nil {
				s.log.Warn("failed to remove room from directory", "room_id", id, "err", err)
				s.record(domain.EventReleaseFail, cur.record, err.Error())
			} else {
				s.log.Info("room removed from directory", "room_id", id)
				s.record(domain.EventReleased, cur.record, "")
			}
		}
		if cur.proc != nil {
			cur.proc.Stop()
			s.log.Info("tunnel process stopped")
		}
		if s.local != nil {
			if err := s.local.Stop(); err != nil {
				s.log.Warn("failed to stop local service", "err", err)
			} else {
				s.log.Info("local service stopped")
			}
		}
		s.store(&next)
	})
}

// retract removes id from the directory after a failed publish. The write
// may have landed before the client gave up on it.
func (s *Supervisor) retract(id domain.RoomID) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := s.deps.Directory.Delete(ctx, id); err != nil {
		s.log.Warn("failed to retract unregistered room", "room_id", id, "err", err)
	}
}

func (s *Supervisor) loadCache() *domain.RoomRecord {
	if s.deps.Cache == nil {
		return nil
	}
	rec, err := s.deps.Cache.Load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.Info("no cached room")
		} else {
			s.log.Warn("ignoring room cache", "err", err)
		}
		return nil
	}
	s.log.Info("loaded cached room", "room_id", rec.RoomID)
	return &rec
}

func (s *Supervisor) saveCache(rec domain.RoomRecord) {
	if s.deps.Cache == nil {
		return
	}
	if err := s.deps.Cache.Save(rec); err != nil {
		s.log.Warn("failed to write room cache", "room_id", rec.RoomID, "err", err)
	}
}

func (s *Supervisor) store(next *session) {
	s.current.Store(next)
	if s.observer != nil {
		s.observer(next.snapshot(s.sessionID))
	}
}

func (s *Supervisor) record(kind string, rec domain.RoomRecord, detail string) {
	if s.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	err := s.journal.Record(ctx, domain.JournalEvent{
		SessionID: s.sessionID,
		Kind:      kind,
		RoomID:    rec.RoomID,
		URL:       rec.URL,
		Detail:    detail,
		At:        time.Now().UTC(),
	})
	if err != nil {
		s.log.Debug("journal write failed", "kind", kind, "err", err)
	}
}
