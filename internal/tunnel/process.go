// Package tunnel launches and supervises the external tunnel binary
// (cloudflared quick tunnels by default) and extracts the public URL it
// prints on startup.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/koltyakov/tunnelroom/internal/domain"
)

// DefaultBinary is the tunnel executable looked up on PATH.
const DefaultBinary = "cloudflared"

// DefaultURLPattern matches the public URL of a cloudflared quick tunnel.
const DefaultURLPattern = `https://[a-zA-Z0-9-]+\.trycloudflare\.com`

// DefaultStartupTimeout bounds how long Start waits for the URL line.
const DefaultStartupTimeout = 30 * time.Second

const maxLineBytes = 1 << 20

// Process is a running tunnel with a resolved public URL.
type Process interface {
	// URL is the public HTTPS URL announced by the tunnel.
	URL() string
	// Alive reports whether the underlying process is still running.
	Alive() bool
	// Stop kills the process and waits for it to exit. It is idempotent.
	Stop()
}

// Launcher starts tunnel processes against a local port.
type Launcher interface {
	Start(ctx context.Context, localPort int) (Process, error)
}

// Options configures a [Command] launcher.
type Options struct {
	Binary         string
	URLPattern     string
	StartupTimeout time.Duration
	// Args overrides the argument list. Each element may contain {port},
	// which is replaced with the local port.
	Args []string
}

// DefaultArgs is the cloudflared quick-tunnel invocation.
var DefaultArgs = []string{"tunnel", "--url", "http://localhost:{port}", "--no-autoupdate"}

// Command launches the tunnel binary as a child process and scrapes its
// combined output for the public URL, one line at a time.
type Command struct {
	binary  string
	args    []string
	pattern *regexp.Regexp
	timeout time.Duration
	log     *slog.Logger
}

// NewCommand validates opts and returns a launcher.
func NewCommand(opts Options, logger *slog.Logger) (*Command, error) {
	binary := strings.TrimSpace(opts.Binary)
	if binary == "" {
		binary = DefaultBinary
	}
	pattern := strings.TrimSpace(opts.URLPattern)
	if pattern == "" {
		pattern = DefaultURLPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid tunnel url pattern: %w", err)
	}
	timeout := opts.StartupTimeout
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	args := opts.Args
	if len(args) == 0 {
		args = DefaultArgs
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Command{
		binary:  binary,
		args:    append([]string(nil), args...),
		pattern: re,
		timeout: timeout,
		log:     logger,
	}, nil
}

// Start spawns the tunnel for localPort and returns once a line matching
// the URL pattern is seen. If the output ends, the process exits, the
// startup timeout elapses or ctx is canceled first, the child is killed and
// an error wrapping [domain.ErrTunnelStartupFailed] (or ctx.Err()) is
// returned. Output after the URL keeps being drained in the background.
func (c *Command) Start(ctx context.Context, localPort int) (Process, error) {
	args := make([]string, len(c.args))
	for i, a := range c.args {
		args[i] = strings.ReplaceAll(a, "{port}", strconv.Itoa(localPort))
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: output pipe: %v", domain.ErrTunnelStartupFailed, err)
	}
	cmd := exec.Command(c.binary, args...)
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrTunnelStartupFailed, err)
	}
	// The child holds its own copy of the write end; closing ours lets the
	// reader see EOF when the child exits.
	_ = w.Close()

	p := &child{
		cmd:  cmd,
		done: make(chan struct{}),
		log:  c.log.With("pid", cmd.Process.Pid),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	urlCh := make(chan string, 1)
	drained := make(chan struct{})
	go p.drain(r, c.pattern, urlCh, drained)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case u := <-urlCh:
		p.url = u
		p.log.Info("tunnel url resolved", "url", u)
		return p, nil
	case <-drained:
		select {
		case u := <-urlCh:
			p.url = u
			return p, nil
		default:
		}
		p.Stop()
		return nil, fmt.Errorf("%w: output closed before url was printed (%s)", domain.ErrTunnelStartupFailed, p.exitDescription())
	case <-timer.C:
		p.Stop()
		return nil, fmt.Errorf("%w: no url within %s", domain.ErrTunnelStartupFailed, c.timeout)
	case <-ctx.Done():
		p.Stop()
		return nil, ctx.Err()
	}
}

type child struct {
	cmd     *exec.Cmd
	url     string
	done    chan struct{}
	waitErr error
	once    sync.Once
	log     *slog.Logger
}

func (p *child) URL() string {
	return p.url
}

func (p *child) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *child) Stop() {
	p.once.Do(func() {
		if p.Alive() {
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.log.Warn("tunnel kill failed", "err", err)
			}
		}
		<-p.done
		p.log.Debug("tunnel process exited", "status", p.exitDescription())
	})
}

func (p *child) exitDescription() string {
	select {
	case <-p.done:
	default:
		return "running"
	}
	if p.waitErr != nil {
		return p.waitErr.Error()
	}
	return "exit status 0"
}

// drain reads lines until EOF, publishing the first URL match on urlCh and
// logging every line at debug level.
func (p *child) drain(r io.ReadCloser, pattern *regexp.Regexp, urlCh chan<- string, drained chan<- struct{}) {
	defer close(drained)
	defer func() { _ = r.Close() }()

	found := false
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		p.log.Debug(line)
		if !found {
			if m := pattern.FindString(line); m != "" {
				found = true
				urlCh <- m
			}
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.log.Debug("tunnel output read ended", "err", err)
		// Keep the pipe empty so the child never blocks on a full buffer.
		_, _ = io.Copy(io.Discard, r)
	}
}
