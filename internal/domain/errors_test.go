package domain

import (
	"errors"
	"testing"
	"time"
)

func TestRoomErrorMessage(t *testing.T) {
	t.Parallel()

	err := &RoomError{RoomID: "12345", Op: "register", Err: ErrTunnelStartupFailed}
	want := "room 12345: register: tunnel startup failed"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRoomErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := &RoomError{RoomID: "54321", Op: "lookup", Err: ErrRoomNotFound}
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatal("expected errors.Is to match ErrRoomNotFound")
	}
}

func TestRoomErrorWithoutID(t *testing.T) {
	t.Parallel()

	err := &RoomError{Op: "load cache", Err: ErrCacheInvalid}
	want := "load cache: room cache invalid"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNewRoomIDInRange(t *testing.T) {
	t.Parallel()

	for range 1000 {
		id := NewRoomID()
		if !id.Valid() {
			t.Fatalf("generated invalid room id %q", id)
		}
	}
}

func TestRoomIDValid(t *testing.T) {
	t.Parallel()

	tests := map[RoomID]bool{
		"10000":  true,
		"99999":  true,
		"54321":  true,
		"09999":  false,
		"1234":   false,
		"123456": false,
		"abcde":  false,
		"":       false,
		"-1234":  false,
	}
	for in, want := range tests {
		if got := in.Valid(); got != want {
			t.Fatalf("RoomID(%q).Valid(): got %v, want %v", in, got, want)
		}
	}
}

func TestDirectoryEntryRegisteredAt(t *testing.T) {
	t.Parallel()

	if got := (DirectoryEntry{}).RegisteredAt(); !got.IsZero() {
		t.Fatalf("expected zero time for missing timestamp, got %s", got)
	}
	e := DirectoryEntry{URL: "https://a.trycloudflare.com", Timestamp: 1700000000}
	if got, want := e.RegisteredAt(), time.Unix(1700000000, 0).UTC(); !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}
}
