package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPingOK(t *testing.T) {
	t.Parallel()

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := NewChecker("", time.Second).Ping(context.Background(), srv.URL+"/"); err != nil {
		t.Fatal(err)
	}
	if gotPath != DefaultPath {
		t.Fatalf("expected %s, got %s", DefaultPath, gotPath)
	}
}

func TestPingNon200IsStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewChecker("healthz", time.Second).Ping(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsStatusError(err) {
		t.Fatalf("expected status error, got %T %v", err, err)
	}
}

func TestPingTransportErrorIsNotStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	err := NewChecker("", time.Second).Ping(context.Background(), base)
	if err == nil {
		t.Fatal("expected transport error")
	}
	if IsStatusError(err) {
		t.Fatalf("transport error misclassified as status error: %v", err)
	}
}

func TestPingTimesOut(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	started := time.Now()
	err := NewChecker("", 50*time.Millisecond).Ping(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if IsStatusError(err) {
		t.Fatalf("timeout misclassified as status error: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("ping did not honor timeout, took %s", elapsed)
	}
}

func TestCheckerURL(t *testing.T) {
	t.Parallel()

	c := NewChecker("api/ping", 0)
	if got := c.URL(" https://a.trycloudflare.com/ "); got != "https://a.trycloudflare.com/api/ping" {
		t.Fatalf("unexpected url %q", got)
	}
}
