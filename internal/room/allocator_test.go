package room

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/koltyakov/tunnelroom/internal/domain"
	"github.com/koltyakov/tunnelroom/internal/health"
	ilog "github.com/koltyakov/tunnelroom/internal/log"
)

type fakeDirectory struct {
	mu      sync.Mutex
	entries map[domain.RoomID]*domain.DirectoryEntry
	err     error
	gets    []domain.RoomID
	onGet   func(n int)
}

func (d *fakeDirectory) Get(_ context.Context, id domain.RoomID) (*domain.DirectoryEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gets = append(d.gets, id)
	if d.onGet != nil {
		d.onGet(len(d.gets))
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.entries[id], nil
}

type fakePinger struct {
	err   error
	calls []string
}

func (p *fakePinger) Ping(_ context.Context, base string) error {
	p.calls = append(p.calls, base)
	return p.err
}

func sequence(ids ...domain.RoomID) func() domain.RoomID {
	i := 0
	return func() domain.RoomID {
		id := ids[i%len(ids)]
		i++
		return id
	}
}

func newTestAllocator(dir Directory, ping Pinger) *Allocator {
	return NewAllocator(dir, ping, ilog.Discard())
}

func TestAllocateSkipsTakenCodes(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{entries: map[domain.RoomID]*domain.DirectoryEntry{
		"11111": {URL: "https://a.trycloudflare.com"},
		"22222": {URL: "https://b.trycloudflare.com"},
	}}
	a := newTestAllocator(dir, &fakePinger{})
	a.newID = sequence("11111", "22222", "33333")

	id, err := a.Allocate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if id != "33333" {
		t.Fatalf("expected 33333, got %s", id)
	}
	if len(dir.gets) != 3 {
		t.Fatalf("expected 3 lookups, got %d", len(dir.gets))
	}
}

func TestAllocateTreatsLookupErrorAsFree(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{err: errors.New("unreachable")}
	a := newTestAllocator(dir, &fakePinger{})
	a.newID = sequence("44444")

	id, err := a.Allocate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if id != "44444" {
		t.Fatalf("expected 44444, got %s", id)
	}
}

func TestAllocateStopsOnCancel(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{entries: map[domain.RoomID]*domain.DirectoryEntry{
		"11111": {URL: "https://a.trycloudflare.com"},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir.onGet = func(n int) {
		if n == 5 {
			cancel()
		}
	}
	a := newTestAllocator(dir, &fakePinger{})
	a.newID = sequence("11111")

	if _, err := a.Allocate(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancel error, got %v", err)
	}
	if len(dir.gets) != 5 {
		t.Fatalf("expected allocation to stop after cancel, got %d lookups", len(dir.gets))
	}
}

func TestTryReuseDecisionTable(t *testing.T) {
	t.Parallel()

	cached := domain.RoomRecord{RoomID: "12345", URL: "https://old.trycloudflare.com"}
	live := &domain.DirectoryEntry{URL: "https://live.trycloudflare.com"}

	tests := []struct {
		name      string
		dir       *fakeDirectory
		pingErr   error
		wantReuse bool
		wantPing  bool
	}{
		{
			name:      "absent entry reuses",
			dir:       &fakeDirectory{},
			wantReuse: true,
		},
		{
			name:      "present and healthy rejects",
			dir:       &fakeDirectory{entries: map[domain.RoomID]*domain.DirectoryEntry{"12345": live}},
			wantReuse: false,
			wantPing:  true,
		},
		{
			name:      "present and unhealthy reuses",
			dir:       &fakeDirectory{entries: map[domain.RoomID]*domain.DirectoryEntry{"12345": live}},
			pingErr:   &health.StatusError{StatusCode: 530},
			wantReuse: true,
			wantPing:  true,
		},
		{
			name:      "present and unreachable reuses",
			dir:       &fakeDirectory{entries: map[domain.RoomID]*domain.DirectoryEntry{"12345": live}},
			pingErr:   errors.New("dial tcp: no such host"),
			wantReuse: true,
			wantPing:  true,
		},
		{
			name:      "lookup error reuses",
			dir:       &fakeDirectory{err: errors.New("timeout")},
			wantReuse: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ping := &fakePinger{err: tt.pingErr}
			id, ok := newTestAllocator(tt.dir, ping).TryReuse(context.Background(), cached)
			if ok != tt.wantReuse {
				t.Fatalf("reuse: got %v, want %v", ok, tt.wantReuse)
			}
			if ok && id != cached.RoomID {
				t.Fatalf("expected cached id %s, got %s", cached.RoomID, id)
			}
			if tt.wantPing && (len(ping.calls) != 1 || ping.calls[0] != live.URL) {
				t.Fatalf("expected one ping of remote url, got %v", ping.calls)
			}
			if !tt.wantPing && len(ping.calls) != 0 {
				t.Fatalf("unexpected pings %v", ping.calls)
			}
		})
	}
}

func TestResolveReusesAbsentCachedRoom(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(&fakeDirectory{}, &fakePinger{})
	a.newID = sequence("99999")
	id, err := a.Resolve(context.Background(), &domain.RoomRecord{RoomID: "12345", URL: "https://x.trycloudflare.com"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "12345" {
		t.Fatalf("expected cached id 12345, got %s", id)
	}
}

func TestResolveReplacesActiveCachedRoom(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{entries: map[domain.RoomID]*domain.DirectoryEntry{
		"12345": {URL: "https://live.trycloudflare.com"},
	}}
	a := newTestAllocator(dir, &fakePinger{})
	a.newID = sequence("12345", "67890")

	id, err := a.Resolve(context.Background(), &domain.RoomRecord{RoomID: "12345", URL: "https://x.trycloudflare.com"})
	if err != nil {
		t.Fatal(err)
	}
	if id == "12345" || id == "" {
		t.Fatalf("expected a different room id, got %q", id)
	}
}

func TestResolveWithoutCacheAllocates(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(&fakeDirectory{}, &fakePinger{})
	id, err := a.Resolve(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !id.Valid() {
		t.Fatalf("expected valid room id, got %q", id)
	}
}
