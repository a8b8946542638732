package relaychat

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Checkpoint is the durable "everything at or before this time has been
// processed" watermark. Advance persists max(current, candidate); the stored
// value never decreases, even across crashes mid-write.
type Checkpoint interface {
	Load() (string, error)
	Advance(ts string) error
	Close() error
}

type checkpointSnapshot struct {
	LastProcessedTS string `json:"lastProcessedTs"`
}

// tsAfter reports whether candidate is strictly newer than current.
// Timestamps are platform-style decimal seconds ("1714.000100"); an empty
// current is older than everything.
func tsAfter(candidate, current string) (bool, error) {
	cv, err := strconv.ParseFloat(candidate, 64)
	if err != nil {
		return false, fmt.Errorf("%w: bad timestamp %q", ErrInvalidInput, candidate)
	}
	if current == "" {
		return true, nil
	}
	pv, err := strconv.ParseFloat(current, 64)
	if err != nil {
		// A corrupt stored value must not wedge progress.
		return true, nil
	}
	return cv > pv, nil
}

type InMemoryCheckpoint struct {
	mu   sync.Mutex
	last string
}

func NewInMemoryCheckpoint() *InMemoryCheckpoint {
	return &InMemoryCheckpoint{}
}

func (c *InMemoryCheckpoint) Load() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, nil
}

func (c *InMemoryCheckpoint) Advance(ts string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	newer, err := tsAfter(ts, c.last)
	if err != nil {
		return err
	}
	if newer {
		c.last = ts
	}
	return nil
}

func (c *InMemoryCheckpoint) Close() error {
	return nil
}

// FileCheckpoint persists the watermark as a small JSON document, written to
// a temp file and renamed so a crash mid-write leaves the previous durable
// value intact.
type FileCheckpoint struct {
	path string
	mu   sync.Mutex
	last string
}

func NewFileCheckpoint(path string) (*FileCheckpoint, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	c := &FileCheckpoint{path: path}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *FileCheckpoint) Load() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, nil
}

func (c *FileCheckpoint) Advance(ts string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	newer, err := tsAfter(ts, c.last)
	if err != nil {
		return err
	}
	if !newer {
		return nil
	}
	previous := c.last
	c.last = ts
	if err := c.saveLocked(); err != nil {
		c.last = previous
		return err
	}
	return nil
}

func (c *FileCheckpoint) Close() error {
	return nil
}

func (c *FileCheckpoint) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot checkpointSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	c.last = snapshot.LastProcessedTS
	return nil
}

func (c *FileCheckpoint) saveLocked() error {
	data, err := json.Marshal(checkpointSnapshot{LastProcessedTS: c.last})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
