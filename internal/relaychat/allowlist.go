package relaychat

import (
	"bufio"
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Allowlist is the ordered set of observed channel identifiers. An empty
// list admits nothing on the realtime path; the backfill scanner treats an
// empty seed as "discover all" instead.
type Allowlist struct {
	mu  sync.RWMutex
	ids []string
	set map[string]struct{}
}

func NewAllowlist(ids []string) *Allowlist {
	a := &Allowlist{}
	a.Replace(ids)
	return a
}

// ParseAllowlist splits a comma-separated channel list, dropping blanks.
func ParseAllowlist(raw string) []string {
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			ids = append(ids, part)
		}
	}
	return ids
}

func (a *Allowlist) Contains(id string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.set[id]
	return ok
}

func (a *Allowlist) Snapshot() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.ids...)
}

func (a *Allowlist) Replace(ids []string) {
	set := make(map[string]struct{}, len(ids))
	var ordered []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		ordered = append(ordered, id)
	}
	a.mu.Lock()
	a.ids = ordered
	a.set = set
	a.mu.Unlock()
}

// LoadAllowlistFile reads one channel id per line; blank lines and
// #-comments are skipped.
func LoadAllowlistFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	return ids, scanner.Err()
}

// WatchFile reloads the allow-list whenever the file changes, until ctx is
// cancelled. The watch is on the parent directory so editor rename-into-place
// saves are picked up.
func (a *Allowlist) WatchFile(ctx context.Context, path string, logger *log.Logger) error {
	if logger == nil {
		logger = log.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	target, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				name, _ := filepath.Abs(event.Name)
				if name != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				ids, loadErr := LoadAllowlistFile(path)
				if loadErr != nil {
					logger.Printf("allowlist: reload of %s failed: %v", path, loadErr)
					continue
				}
				a.Replace(ids)
				logger.Printf("allowlist: reloaded %d channel(s) from %s", len(ids), path)
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Printf("allowlist: watcher error: %v", watchErr)
			}
		}
	}()
	return nil
}
