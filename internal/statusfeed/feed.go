// Package statusfeed exposes the latest supervisor snapshot over HTTP: a
// JSON document at /status and a websocket stream of updates at /status/ws.
package statusfeed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	shutdownTimeout = 5 * time.Second
	wsWriteTimeout  = 5 * time.Second
	wsReadLimit     = 4 * 1024
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Feed holds the latest published value and fans updates out to websocket
// subscribers. Slow subscribers only ever see the newest value.
type Feed struct {
	log *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}

	mu     sync.Mutex
	latest []byte
	subs   map[chan []byte]struct{}
}

// New returns an empty Feed.
func New(logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		log:    logger,
		closed: make(chan struct{}),
		subs:   map[chan []byte]struct{}{},
	}
}

// Close ends all websocket streams. Publish keeps working for /status.
func (f *Feed) Close() {
	f.closeOnce.Do(func() { close(f.closed) })
}

// Publish encodes v as JSON and makes it the current status. It never
// blocks on subscribers.
func (f *Feed) Publish(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		f.log.Warn("status encode failed", "err", err)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = b
	for ch := range f.subs {
		select {
		case ch <- b:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- b
		}
	}
}

// Latest returns the most recently published JSON document, or nil.
func (f *Feed) Latest() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest
}

func (f *Feed) subscribe() (<-chan []byte, []byte, func()) {
	ch := make(chan []byte, 1)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	latest := f.latest
	f.mu.Unlock()
	return ch, latest, func() {
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
	}
}

// Handler serves /status and /status/ws.
func (f *Feed) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", f.handleStatus)
	mux.HandleFunc("GET /status/ws", f.handleWS)
	return mux
}

func (f *Feed) handleStatus(w http.ResponseWriter, _ *http.Request) {
	b := f.Latest()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if b == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"no status yet"}`))
		return
	}
	_, _ = w.Write(b)
}

func (f *Feed) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(wsReadLimit)

	updates, latest, unsubscribe := f.subscribe()
	defer unsubscribe()

	// Reads only detect the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if latest != nil {
		if err := writeText(conn, latest); err != nil {
			return
		}
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-f.closed:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(wsWriteTimeout))
			return
		case b := <-updates:
			if err := writeText(conn, b); err != nil {
				return
			}
		}
	}
}

func writeText(conn *websocket.Conn, b []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

// ListenAndServe serves the feed on addr until ctx is done. An empty addr
// disables the server and blocks until ctx is done.
func (f *Feed) ListenAndServe(ctx context.Context, addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return f.Serve(ctx, ln)
}

// Serve serves the feed on ln until ctx is done.
func (f *Feed) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           f.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		f.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	f.log.Info("status listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
