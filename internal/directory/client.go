// Package directory is a client for the room directory: a key/value store
// reachable over HTTP that maps room codes to tunnel URLs at
// /rooms/{room_id}.json (Firebase Realtime Database REST layout).
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/koltyakov/tunnelroom/internal/domain"
)

// DefaultTimeout bounds every directory request.
const DefaultTimeout = 10 * time.Second

const maxErrorBody = 4096

// StatusError is a non-2xx response from the directory.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("directory %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("directory %s: status %d", e.Op, e.StatusCode)
}

// Options configures a [Client].
type Options struct {
	BaseURL    string
	AuthToken  string        // appended as ?auth=<token> when set
	Timeout    time.Duration // per request; defaults to DefaultTimeout
	HTTPClient *http.Client
}

// Client reads, registers and releases room entries. It never retries;
// remediation is the caller's decision.
type Client struct {
	baseURL string
	auth    string
	timeout time.Duration
	http    *http.Client
	now     func() time.Time
}

// New creates a directory client.
func New(opts Options) (*Client, error) {
	base := strings.TrimSuffix(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("directory url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid directory url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("directory url must use http or https")
	}
	if u.Host == "" {
		return nil, errors.New("directory url must include host")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: base,
		auth:    strings.TrimSpace(opts.AuthToken),
		timeout: timeout,
		http:    hc,
		now:     time.Now,
	}, nil
}

// Get returns the entry for id, or nil when the directory has none.
func (c *Client) Get(ctx context.Context, id domain.RoomID) (*domain.DirectoryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.roomURL(id), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("get", resp)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}
	var entry domain.DirectoryEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, fmt.Errorf("directory get: decode entry: %w", err)
	}
	return &entry, nil
}

// Put registers url under id with the current time as timestamp.
func (c *Client) Put(ctx context.Context, id domain.RoomID, tunnelURL string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(domain.DirectoryEntry{URL: tunnelURL, Timestamp: c.now().Unix()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.roomURL(id), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError("put", resp)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return nil
}

// Delete removes the entry for id.
func (c *Client) Delete(ctx context.Context, id domain.RoomID) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.roomURL(id), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return statusError("delete", resp)
	}
	return nil
}

func (c *Client) roomURL(id domain.RoomID) string {
	u := c.baseURL + "/rooms/" + url.PathEscape(string(id)) + ".json"
	if c.auth != "" {
		u += "?auth=" + url.QueryEscape(c.auth)
	}
	return u
}

func statusError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &StatusError{Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	// Firebase returns {"error": "..."}.
	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &errResp) == nil && errResp.Error != "" {
		se.Message = errResp.Error
	}
	return se
}
