// Package cache implements the node-local Cache Index: the policy that
// decides whether a dataset is already resident on this node, and the
// single write path ("commit") that publishes a successful fetch.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State is a cache entry's residency state (spec.md §3).
type State int

const (
	// Absent means no non-empty file exists at the entry's path.
	Absent State = iota
	// Fetching means a fetch is in flight for this cache key.
	Fetching
	// Present means the entry's file exists and was written by this system.
	Present
	// Failed means the last fetch for this cache key ended terminally.
	Failed
)

func (s State) String() string {
	switch s {
	case Absent:
		return "Absent"
	case Fetching:
		return "Fetching"
	case Present:
		return "Present"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Entry describes one cache key's on-disk state.
type Entry struct {
	CacheKey  string
	Path      string
	State     State
	FetchedAt time.Time
	SizeBytes int64
}

// Index maps cache keys to on-disk paths and answers hit/miss queries. It
// holds no in-memory state of its own beyond the cache root: Present is
// always a pure function of the filesystem, per spec.md §3's invariant.
type Index struct {
	root string
}

// New returns an Index rooted at root. The caller is responsible for
// ensuring root exists (or tolerating lookup errors until it does).
func New(root string) *Index {
	return &Index{root: root}
}

// Root returns the cache root directory.
func (i *Index) Root() string {
	return i.root
}

// PathFor returns the on-disk path for a cache key without touching the
// filesystem.
func (i *Index) PathFor(cacheKey string) string {
	return filepath.Join(i.root, cacheKey)
}

// Lookup answers whether cacheKey is resident. A zero-byte file counts as
// Absent, not Present: spec.md §9 flags the prototype's zero-byte marker
// trick and this implementation takes the production recommendation instead.
func (i *Index) Lookup(cacheKey string) (Entry, error) {
	path := i.PathFor(cacheKey)
	entry := Entry{CacheKey: cacheKey, Path: path, State: Absent}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return entry, nil
		}
		return entry, fmt.Errorf("cache: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return entry, nil
	}
	entry.State = Present
	entry.FetchedAt = info.ModTime()
	entry.SizeBytes = info.Size()
	return entry, nil
}

// Commit publishes a successful fetch by ensuring a non-empty marker file
// exists at cacheKey's path. It is used only by the simulation path
// (config.Simulate): the production path relies on the fetch container
// having written the file directly, observed through Lookup after the job
// succeeds. Commit writes through a sibling temp file and renames atomically
// so no partial write is ever observable as Present.
func (i *Index) Commit(cacheKey string) error {
	if err := os.MkdirAll(i.root, 0o755); err != nil {
		return fmt.Errorf("cache: mkdir %s: %w", i.root, err)
	}
	path := i.PathFor(cacheKey)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("cache: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("cache: rename %s to %s: %w", tmp, path, err)
	}
	return nil
}
