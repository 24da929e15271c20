package tunnel

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koltyakov/tunnelroom/internal/domain"
	ilog "github.com/koltyakov/tunnelroom/internal/log"
)

// writeScript tests do not run in parallel: exec of a freshly written file can
// fail with ETXTBSY while another test forks.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "fake-cloudflared")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestCommand(t *testing.T, binary string, timeout time.Duration) *Command {
	t.Helper()
	c, err := NewCommand(Options{Binary: binary, StartupTimeout: timeout}, ilog.Discard())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestStartResolvesURLFromOutput(t *testing.T) {
	bin := writeScript(t, `echo "INF Requesting new quick Tunnel on trycloudflare.com..."
echo "INF |  https://brave-otter-42.trycloudflare.com                     |" >&2
exec sleep 30
`)
	proc, err := newTestCommand(t, bin, 5*time.Second).Start(context.Background(), 8000)
	if err != nil {
		t.Fatal(err)
	}
	defer proc.Stop()

	if got := proc.URL(); got != "https://brave-otter-42.trycloudflare.com" {
		t.Fatalf("unexpected url %q", got)
	}
	if !proc.Alive() {
		t.Fatal("expected process to keep running after url resolution")
	}
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestStartKeepsCallerLogAttributes(t *testing.T) {
	bin := writeScript(t, `echo "https://calm-heron-7.trycloudflare.com"
exec sleep 30
`)
	var buf lockedBuffer
	logger := ilog.NewWithWriter(&buf, "debug").With("component", "tunnel")
	c, err := NewCommand(Options{Binary: bin, StartupTimeout: 5 * time.Second}, logger)
	if err != nil {
		t.Fatal(err)
	}
	proc, err := c.Start(context.Background(), 8000)
	if err != nil {
		t.Fatal(err)
	}
	proc.Stop()

	var resolved bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if n := strings.Count(line, "component=tunnel"); n != 1 {
			t.Fatalf("expected component attribute once, got %d in %q", n, line)
		}
		if !strings.Contains(line, "pid=") {
			t.Fatalf("expected pid attribute in %q", line)
		}
		if strings.Contains(line, "tunnel url resolved") {
			resolved = true
		}
	}
	if !resolved {
		t.Fatalf("expected url resolution to be logged, got %q", buf.String())
	}
}

func TestStartPassesPortToArgs(t *testing.T) {
	bin := writeScript(t, `echo "args: $*"
echo "https://port-check.trycloudflare.com"
exec sleep 30
`)
	c, err := NewCommand(Options{Binary: bin, URLPattern: `args: .*`, StartupTimeout: 5 * time.Second}, ilog.Discard())
	if err != nil {
		t.Fatal(err)
	}
	proc, err := c.Start(context.Background(), 8123)
	if err != nil {
		t.Fatal(err)
	}
	defer proc.Stop()
	if !strings.Contains(proc.URL(), "--url http://localhost:8123 --no-autoupdate") {
		t.Fatalf("unexpected args line %q", proc.URL())
	}
}

func TestStartFailsWhenProcessExitsWithoutURL(t *testing.T) {
	bin := writeScript(t, `echo "ERR failed to connect"
exit 3
`)
	_, err := newTestCommand(t, bin, 5*time.Second).Start(context.Background(), 8000)
	if !errors.Is(err, domain.ErrTunnelStartupFailed) {
		t.Fatalf("expected ErrTunnelStartupFailed, got %v", err)
	}
}

func TestStartFailsWhenBinaryMissing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	_, err := newTestCommand(t, missing, time.Second).Start(context.Background(), 8000)
	if !errors.Is(err, domain.ErrTunnelStartupFailed) {
		t.Fatalf("expected ErrTunnelStartupFailed, got %v", err)
	}
}

func TestStartTimesOutWithoutURL(t *testing.T) {
	bin := writeScript(t, `echo "INF still starting"
exec sleep 30
`)
	started := time.Now()
	_, err := newTestCommand(t, bin, 200*time.Millisecond).Start(context.Background(), 8000)
	if !errors.Is(err, domain.ErrTunnelStartupFailed) {
		t.Fatalf("expected ErrTunnelStartupFailed, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("startup timeout not honored, took %s", elapsed)
	}
}

func TestStartHonorsContextCancel(t *testing.T) {
	bin := writeScript(t, "exec sleep 30\n")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := newTestCommand(t, bin, 10*time.Second).Start(ctx, 8000)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	bin := writeScript(t, `echo "https://stop-twice.trycloudflare.com"
exec sleep 30
`)
	proc, err := newTestCommand(t, bin, 5*time.Second).Start(context.Background(), 8000)
	if err != nil {
		t.Fatal(err)
	}
	proc.Stop()
	proc.Stop()
	if proc.Alive() {
		t.Fatal("expected process to be stopped")
	}
}

func TestNewCommandRejectsBadPattern(t *testing.T) {
	if _, err := NewCommand(Options{URLPattern: "("}, nil); err == nil {
		t.Fatal("expected invalid pattern error")
	}
}
