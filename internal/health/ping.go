// Package health issues liveness requests against a tunneled service.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultPath is the liveness endpoint the tunneled service must expose.
const DefaultPath = "/api/ping"

// DefaultTimeout bounds a single liveness request.
const DefaultTimeout = 10 * time.Second

// StatusError reports a liveness response other than 200 OK. Any other
// error returned by [Checker.Ping] is a transport failure.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ping %s: unexpected status %d", e.URL, e.StatusCode)
}

// IsStatusError reports whether err carries a non-200 liveness response.
func IsStatusError(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

// Checker pings <base>/<path> and expects 200 OK.
type Checker struct {
	path    string
	timeout time.Duration
	client  *http.Client
}

// NewChecker returns a Checker for path with a per-request timeout. Empty
// or non-positive values select [DefaultPath] and [DefaultTimeout].
func NewChecker(path string, timeout time.Duration) *Checker {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{
		path:    path,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// URL returns the liveness URL for base.
func (c *Checker) URL(base string) string {
	return strings.TrimSuffix(strings.TrimSpace(base), "/") + c.path
}

// Ping issues one liveness request. It returns nil on 200, a *[StatusError]
// on any other status, and the transport error otherwise.
func (c *Checker) Ping(ctx context.Context, base string) error {
	if strings.TrimSpace(base) == "" {
		return errors.New("ping: empty base url")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.URL(base)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return &StatusError{URL: target, StatusCode: resp.StatusCode}
	}
	return nil
}
