package checksum

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/davbridge/internal/errors"
	"github.com/alexjbarnes/davbridge/internal/state"
)

const (
	// DefaultMaxEntries bounds the cache when no cap is given.
	DefaultMaxEntries = 1000

	// evictDivisor sets the share of entries dropped when the cap is
	// exceeded: len/evictDivisor, at least one.
	evictDivisor = 10
)

// Store persists cache entries between runs. *state.State satisfies it.
type Store interface {
	LoadChecksums() ([]state.ChecksumEntry, error)
	SaveChecksums(entries []state.ChecksumEntry) error
}

// Stats reports cache effectiveness.
type Stats struct {
	Entries int
	Hits    int64
	Misses  int64
}

// Cache maps a file identity (path, size, mtime) to its SHA-256 digest.
// Any size or mtime change produces a new key, so a digest is never
// reused across a content change. Eviction is oldest-first by insertion
// order, not LRU.
type Cache struct {
	mu      sync.Mutex
	entries map[string]string
	order   []string
	max     int
	hits    int64
	misses  int64
}

// NewCache creates an empty cache holding at most max entries.
func NewCache(max int) *Cache {
	if max <= 0 {
		max = DefaultMaxEntries
	}

	return &Cache{
		entries: make(map[string]string),
		max:     max,
	}
}

// Key builds the identity key for a file. Modification time is kept at
// microsecond precision.
func Key(path string, size int64, mtime time.Time) string {
	return path + "|" + strconv.FormatInt(size, 10) + "|" + strconv.FormatInt(mtime.UnixMicro(), 10)
}

// LegacyKey converts an old "path|size|seconds.fraction" key into the
// current format. The path itself may contain '|', so the size and time
// are taken from the right.
func LegacyKey(raw string) (string, bool) {
	i := strings.LastIndex(raw, "|")
	if i <= 0 {
		return "", false
	}

	j := strings.LastIndex(raw[:i], "|")
	if j <= 0 {
		return "", false
	}

	size, err := strconv.ParseInt(raw[j+1:i], 10, 64)
	if err != nil {
		return "", false
	}

	sec, err := strconv.ParseFloat(raw[i+1:], 64)
	if err != nil {
		return "", false
	}

	micros := int64(math.Round(sec * 1e6))

	return Key(raw[:j], size, time.UnixMicro(micros)), true
}

// Get returns the digest for the file at path. A hit costs one stat; a
// miss streams the file through SHA-256 and stores the result. Failures
// to open or read an existing file are reported as ErrFileLocked.
func (c *Cache) Get(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s: %w", path, apperrors.ErrNotRegular)
	}

	key := Key(path, info.Size(), info.ModTime())

	c.mu.Lock()
	if digest, ok := c.entries[key]; ok {
		c.hits++
		c.mu.Unlock()

		return digest, nil
	}
	c.misses++
	c.mu.Unlock()

	digest, err := Digest(path, SHA256)
	if err != nil {
		return "", fmt.Errorf("%w: hashing %s: %w", apperrors.ErrFileLocked, path, err)
	}

	c.Put(key, digest)

	return digest, nil
}

// Put stores a digest under key, evicting the oldest entries when the
// cap is exceeded.
func (c *Cache) Put(key, digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}

	c.entries[key] = digest

	if len(c.entries) > c.max {
		c.evictLocked()
	}
}

func (c *Cache) evictLocked() {
	n := len(c.order) / evictDivisor
	if n < 1 {
		n = 1
	}

	for _, key := range c.order[:n] {
		delete(c.entries, key)
	}

	c.order = append([]string(nil), c.order[n:]...)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Stats returns a snapshot of the hit and miss counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}

// Snapshot returns the entries in insertion order.
func (c *Cache) Snapshot() []state.ChecksumEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]state.ChecksumEntry, 0, len(c.order))
	for i, key := range c.order {
		out = append(out, state.ChecksumEntry{Key: key, Digest: c.entries[key], Seq: uint64(i)})
	}

	return out
}

// Restore replaces the cache contents with entries, keeping their order.
// When entries exceed the cap only the newest are kept.
func (c *Cache) Restore(entries []state.ChecksumEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]string, len(entries))
	c.order = c.order[:0]

	if len(entries) > c.max {
		entries = entries[len(entries)-c.max:]
	}

	for _, e := range entries {
		if _, exists := c.entries[e.Key]; !exists {
			c.order = append(c.order, e.Key)
		}

		c.entries[e.Key] = e.Digest
	}
}

// Load restores the cache from store.
func (c *Cache) Load(store Store) error {
	entries, err := store.LoadChecksums()
	if err != nil {
		return fmt.Errorf("loading checksum cache: %w", err)
	}

	c.Restore(entries)

	return nil
}

// Save writes the cache to store.
func (c *Cache) Save(store Store) error {
	if err := store.SaveChecksums(c.Snapshot()); err != nil {
		return fmt.Errorf("saving checksum cache: %w", err)
	}

	return nil
}
