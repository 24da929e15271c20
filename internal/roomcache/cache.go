// Package roomcache persists the last registered room code and tunnel URL
// in a small JSON file so a restarted process can try to keep its room.
package roomcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/koltyakov/tunnelroom/internal/domain"
)

// FileName is the cache file name used by [DefaultPath].
const FileName = "room.json"

type file struct {
	RoomID string `json:"room_id"`
	URL    string `json:"url"`
}

// Cache reads and writes the room cache file at a fixed path.
type Cache struct {
	path string
}

// New returns a Cache backed by path. An empty path selects [DefaultPath].
func New(path string) *Cache {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath()
	}
	return &Cache{path: path}
}

// DefaultPath returns ~/.tunnelroom/room.json, falling back to the temp dir
// when the home directory cannot be resolved.
func DefaultPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, ".tunnelroom", FileName)
}

// Path returns the absolute location of the cache file.
func (c *Cache) Path() string {
	return c.path
}

// Load reads the cached record. A missing file is reported with an error
// matching [os.ErrNotExist]; unparseable content or missing fields match
// [domain.ErrCacheInvalid]. Callers treat any error as "no cache".
func (c *Cache) Load() (domain.RoomRecord, error) {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return domain.RoomRecord{}, err
	}
	var f file
	if err := json.Unmarshal(raw, &f); err != nil {
		return domain.RoomRecord{}, fmt.Errorf("%w: %v", domain.ErrCacheInvalid, err)
	}
	rec := domain.RoomRecord{
		RoomID: domain.RoomID(strings.TrimSpace(f.RoomID)),
		URL:    strings.TrimSpace(f.URL),
	}
	if rec.RoomID == "" || rec.URL == "" {
		return domain.RoomRecord{}, fmt.Errorf("%w: missing room_id or url", domain.ErrCacheInvalid)
	}
	if !rec.RoomID.Valid() {
		return domain.RoomRecord{}, fmt.Errorf("%w: malformed room_id %q", domain.ErrCacheInvalid, rec.RoomID)
	}
	if info, err := os.Stat(c.path); err == nil {
		rec.RegisteredAt = info.ModTime().UTC()
	}
	return rec, nil
}

// Save overwrites the cache with rec. The file is written to a sibling temp
// file and renamed into place so readers never see a partial write.
func (c *Cache) Save(rec domain.RoomRecord) error {
	if rec.RoomID == "" || strings.TrimSpace(rec.URL) == "" {
		return fmt.Errorf("%w: room_id and url are required", domain.ErrCacheInvalid)
	}
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(file{RoomID: string(rec.RoomID), URL: strings.TrimSpace(rec.URL)}, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(c.path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// Clear removes the cache file. A missing file is not an error.
func (c *Cache) Clear() error {
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
