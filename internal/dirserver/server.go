// Package dirserver is a self-hosted room directory that speaks the same
// REST subset as the hosted realtime database: GET, PUT and DELETE on
// /rooms/{room_id}.json with an optional ?auth= token.
package dirserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/koltyakov/tunnelroom/internal/auth"
	"github.com/koltyakov/tunnelroom/internal/domain"
)

const (
	shutdownTimeout = 5 * time.Second
	maxBodyBytes    = 4 * 1024
)

// Store persists room entries.
type Store interface {
	GetRoom(ctx context.Context, id domain.RoomID) (*domain.DirectoryEntry, error)
	PutRoom(ctx context.Context, id domain.RoomID, entry domain.DirectoryEntry) error
	DeleteRoom(ctx context.Context, id domain.RoomID) (bool, error)
}

// Config controls the directory server.
type Config struct {
	Listen    string
	AuthToken string
	// PrivateReads also requires the token for GET.
	PrivateReads bool
}

// Server serves the room directory.
type Server struct {
	cfg   Config
	store Store
	log   *slog.Logger
	auth  auth.Verifier
}

// New returns a Server backed by store.
func New(cfg Config, store Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:   cfg,
		store: store,
		log:   logger,
		auth:  auth.NewVerifier(cfg.AuthToken),
	}
}

// Handler returns the directory's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	rooms := "/rooms/{room_id:[0-9]+}.json"
	r.HandleFunc(rooms, s.handleGet).Methods(http.MethodGet)
	r.HandleFunc(rooms, s.handlePut).Methods(http.MethodPut)
	r.HandleFunc(rooms, s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Run serves the directory on cfg.Listen until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves the directory on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("directory listening", "addr", ln.Addr().String(), "auth", s.auth.Enabled())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if s.cfg.PrivateReads && !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Permission denied")
		return
	}
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	entry, err := s.store.GetRoom(r.Context(), id)
	if err != nil {
		s.log.Error("room lookup failed", "room_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	// Absent rooms read as JSON null, not 404.
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Permission denied")
		return
	}
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	var entry domain.DirectoryEntry
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&entry); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid data; couldn't parse JSON object")
		return
	}
	entry.URL = strings.TrimSpace(entry.URL)
	if entry.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if entry.Timestamp <= 0 {
		entry.Timestamp = time.Now().Unix()
	}
	if err := s.store.PutRoom(r.Context(), id, entry); err != nil {
		s.log.Error("room write failed", "room_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.log.Info("room registered", "room_id", id, "url", entry.URL)
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Permission denied")
		return
	}
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	existed, err := s.store.DeleteRoom(r.Context(), id)
	if err != nil {
		s.log.Error("room delete failed", "room_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existed {
		s.log.Info("room released", "room_id", id)
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) authorized(r *http.Request) bool {
	return s.auth.Allow(r.URL.Query().Get("auth"))
}

func roomID(w http.ResponseWriter, r *http.Request) (domain.RoomID, bool) {
	id := domain.RoomID(mux.Vars(r)["room_id"])
	if !id.Valid() {
		writeError(w, http.StatusBadRequest, "invalid room code")
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
