// Package cachestore is a filesystem JSON cache with per-entry tags and
// TTL expiry. Each entry is one file named by the SHA-256 fingerprint of
// its key; tag lookup scans all entries, which is acceptable at the cache
// sizes involved (security counters, resolver results, export slices).
package cachestore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aaviondb/aaviondb/internal/canonical"
)

// Entry is the on-disk shape of one cache file.
type Entry struct {
	Key       string   `json:"key"`
	Value     any      `json:"value"`
	Tags      []string `json:"tags"`
	ExpiresAt int64    `json:"expires_at"` // unix seconds; 0 = no expiry
}

// PutOptions controls a write.
type PutOptions struct {
	TTL   time.Duration // 0 falls back to the store default
	Tags  []string
	Force bool // lands even when the store is disabled
}

// Statistics summarizes the cache directory.
type Statistics struct {
	Entries        int            `json:"entries"`
	Bytes          int64          `json:"bytes"`
	Tags           map[string]int `json:"tags"`
	ExpiredRemoved int            `json:"expired_removed"`
}

// Store is a tag-indexed filesystem cache. Safe for concurrent use;
// writes are last-writer-wins per key.
type Store struct {
	dir    string
	logger *slog.Logger

	mu      sync.RWMutex
	enabled bool
	ttl     time.Duration

	now func() time.Time
}

// New returns a Store over dir with the given default TTL.
func New(dir string, defaultTTL time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Store{
		dir:     dir,
		logger:  logger,
		enabled: true,
		ttl:     defaultTTL,
		now:     time.Now,
	}
}

// SetEnabled toggles general cache reads and non-forced writes.
func (s *Store) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

// Enabled reports whether general caching is active.
func (s *Store) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// SetTTL updates the default TTL. Non-positive values are rejected.
func (s *Store) SetTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cachestore: ttl must be positive, got %s", ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
	return nil
}

// Get returns the cached value for key. Misses when the store is disabled,
// the entry is absent, or the entry expired (expired files are removed
// lazily on read — forced entries included, expiry is expiry).
func (s *Store) Get(key string) (any, bool) {
	entry, ok := s.read(key)
	if !ok {
		return nil, false
	}
	if !s.Enabled() && !hasSecurityTag(entry.Tags) {
		return nil, false
	}
	return entry.Value, true
}

// GetForced reads regardless of the enabled flag; used by the security
// counters which must survive a disabled cache.
func (s *Store) GetForced(key string) (any, bool) {
	entry, ok := s.read(key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

func (s *Store) read(key string) (*Entry, bool) {
	path := s.pathFor(key)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// Corrupt entry: drop it.
		_ = os.Remove(path)
		return nil, false
	}
	if entry.ExpiresAt > 0 && s.now().Unix() >= entry.ExpiresAt {
		_ = os.Remove(path)
		return nil, false
	}
	return &entry, true
}

// Put stores value under key. Returns without writing when the store is
// disabled and the write is not forced.
func (s *Store) Put(key string, value any, opts PutOptions) error {
	if !s.Enabled() && !opts.Force {
		return nil
	}
	ttl := opts.TTL
	if ttl <= 0 {
		s.mu.RLock()
		ttl = s.ttl
		s.mu.RUnlock()
	}
	norm, err := canonical.Normalize(value)
	if err != nil {
		return fmt.Errorf("cachestore: value for %q: %w", key, err)
	}
	entry := Entry{
		Key:       key,
		Value:     norm,
		Tags:      opts.Tags,
		ExpiresAt: s.now().Add(ttl).Unix(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cachestore: marshaling %q: %w", key, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("cachestore: creating %s: %w", s.dir, err)
	}
	if err := os.WriteFile(s.pathFor(key), data, 0o644); err != nil {
		return fmt.Errorf("cachestore: writing %q: %w", key, err)
	}
	return nil
}

// Invalidate removes the entry for key if present.
func (s *Store) Invalidate(key string) {
	_ = os.Remove(s.pathFor(key))
}

// InvalidateByTag removes every entry carrying tag and returns the count.
func (s *Store) InvalidateByTag(tag string) int {
	removed := 0
	s.scan(func(path string, entry *Entry) {
		for _, t := range entry.Tags {
			if t == tag {
				if os.Remove(path) == nil {
					removed++
				}
				return
			}
		}
	})
	return removed
}

// CleanupExpired removes expired entries and returns how many went away.
func (s *Store) CleanupExpired() int {
	removed := 0
	cutoff := s.now().Unix()
	s.scan(func(path string, entry *Entry) {
		if entry.ExpiresAt > 0 && cutoff >= entry.ExpiresAt {
			if os.Remove(path) == nil {
				removed++
			}
		}
	})
	return removed
}

// Statistics walks the cache directory, removing expired entries as a
// side effect, and reports totals plus a per-tag count.
func (s *Store) Statistics() Statistics {
	stats := Statistics{Tags: map[string]int{}}
	cutoff := s.now().Unix()
	s.scan(func(path string, entry *Entry) {
		if entry.ExpiresAt > 0 && cutoff >= entry.ExpiresAt {
			if os.Remove(path) == nil {
				stats.ExpiredRemoved++
			}
			return
		}
		stats.Entries++
		if info, err := os.Stat(path); err == nil {
			stats.Bytes += info.Size()
		}
		for _, tag := range entry.Tags {
			stats.Tags[tag]++
		}
	})
	return stats
}

// PurgeByPrefix removes entries whose key starts with prefix; used by the
// security manager's purge.
func (s *Store) PurgeByPrefix(prefix string) int {
	removed := 0
	s.scan(func(path string, entry *Entry) {
		if strings.HasPrefix(entry.Key, prefix) {
			if os.Remove(path) == nil {
				removed++
			}
		}
	})
	return removed
}

func (s *Store) scan(fn func(path string, entry *Entry)) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, de.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			_ = os.Remove(path)
			continue
		}
		fn(path, &entry)
	}
}

func (s *Store) pathFor(key string) string {
	return filepath.Join(s.dir, canonical.HashBytes([]byte(key))+".json")
}

func hasSecurityTag(tags []string) bool {
	for _, t := range tags {
		if t == "security" {
			return true
		}
	}
	return false
}
