package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/koltyakov/tunnelroom/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "tunnelroom.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestJournalRecordAndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []domain.JournalEvent{
		{SessionID: "s1", Kind: domain.EventEstablished, RoomID: "12345", URL: "https://a.trycloudflare.com", At: at},
		{SessionID: "s1", Kind: domain.EventRestarted, RoomID: "12345", URL: "https://b.trycloudflare.com", At: at.Add(time.Minute)},
		{SessionID: "s2", Kind: domain.EventEstablished, RoomID: "67890", URL: "https://c.trycloudflare.com", At: at.Add(2 * time.Minute)},
	}
	for _, ev := range events {
		if err := store.Record(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.ListEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].RoomID != "67890" || all[2].Kind != domain.EventEstablished {
		t.Fatalf("expected newest first, got %+v", all)
	}
	if !all[1].At.Equal(at.Add(time.Minute)) {
		t.Fatalf("unexpected timestamp %s", all[1].At)
	}

	s1, err := store.ListEvents(ctx, EventFilter{SessionID: "s1", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(s1) != 1 || s1[0].Kind != domain.EventRestarted {
		t.Fatalf("unexpected session filter result %+v", s1)
	}

	byRoom, err := store.ListEvents(ctx, EventFilter{RoomID: "12345"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byRoom) != 2 {
		t.Fatalf("expected 2 events for room, got %d", len(byRoom))
	}
}

func TestRecordStampsMissingTime(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	if err := store.Record(ctx, domain.JournalEvent{SessionID: "s", Kind: domain.EventReleased}); err != nil {
		t.Fatal(err)
	}
	got, err := store.ListEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].At.Before(before) {
		t.Fatalf("expected stamped event, got %+v", got)
	}
}

func TestRoomsPutGetDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	entry, err := store.GetRoom(ctx, "12345")
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Fatalf("expected no entry, got %+v", entry)
	}

	if err := store.PutRoom(ctx, "12345", domain.DirectoryEntry{URL: "https://a.trycloudflare.com", Timestamp: 1700000000}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutRoom(ctx, "12345", domain.DirectoryEntry{URL: "https://b.trycloudflare.com", Timestamp: 1700000100}); err != nil {
		t.Fatal(err)
	}
	entry, err = store.GetRoom(ctx, "12345")
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil || entry.URL != "https://b.trycloudflare.com" || entry.Timestamp != 1700000100 {
		t.Fatalf("expected replaced entry, got %+v", entry)
	}
	if n, err := store.CountRooms(ctx); err != nil || n != 1 {
		t.Fatalf("expected 1 room, got %d (%v)", n, err)
	}

	existed, err := store.DeleteRoom(ctx, "12345")
	if err != nil || !existed {
		t.Fatalf("expected delete of existing room, got %v %v", existed, err)
	}
	existed, err = store.DeleteRoom(ctx, "12345")
	if err != nil || existed {
		t.Fatalf("expected second delete to report absent, got %v %v", existed, err)
	}
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "path", "tunnelroom.db")

	store, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected db file to exist at %s: %v", dbPath, err)
	}
}

func TestOpenWithOptionsSizesPool(t *testing.T) {
	t.Parallel()

	store, err := OpenWithOptions(filepath.Join(t.TempDir(), "tunnelroom.db"), OpenOptions{MaxOpenConns: 2, MaxIdleConns: 8})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if got := store.db.Stats().MaxOpenConnections; got != 2 {
		t.Fatalf("expected 2 max open connections, got %d", got)
	}
	if _, err := store.CountRooms(context.Background()); err != nil {
		t.Fatal(err)
	}
}
