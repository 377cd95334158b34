// Package security implements the request rate limiter: per-client and
// global sliding windows, failed-auth blocking, and an emergency
// lockdown. Counters live in the cache store as forced entries so they
// survive a disabled cache; the global window additionally runs through
// an in-process token bucket.
package security

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/aaviondb/aaviondb/internal/brain"
	"github.com/aaviondb/aaviondb/internal/cachestore"
	"github.com/aaviondb/aaviondb/internal/fault"
)

const (
	keyPrefix     = "security:"
	tagSecurity   = "security"
	defaultWindow = time.Minute
)

// Decision is the outcome of a preflight check.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter int  // seconds, set when blocked
	Lockdown   bool // global lockdown, rendered as 503 instead of 429
}

// Allow is the positive decision.
var Allow = Decision{Allowed: true}

// Manager enforces the three security buckets plus lockdown.
type Manager struct {
	store  *brain.Store
	cache  *cachestore.Store
	logger *slog.Logger

	// limiter guards the global window in-process so a hot loop cannot
	// win races against the file-backed counter.
	limiter *rate.Limiter

	now func() time.Time
}

// NewManager wires a Manager over the store and cache.
func NewManager(store *brain.Store, cache *cachestore.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	globalLimit := store.ConfigInt("security.global_limit", 600)
	return &Manager{
		store:   store,
		cache:   cache,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(float64(globalLimit)/defaultWindow.Seconds()), int(globalLimit)),
		now:     time.Now,
	}
}

// Active reports whether enforcement is on (security.active).
func (m *Manager) Active() bool {
	return m.store.ConfigBool("security.active", true)
}

// window is one sliding-window counter persisted as a cache entry.
type window struct {
	Count   int64 `json:"count"`
	Started int64 `json:"started"` // unix seconds
}

func (m *Manager) readWindow(key string) window {
	v, ok := m.cache.GetForced(key)
	if !ok {
		return window{}
	}
	entry, ok := v.(map[string]any)
	if !ok {
		return window{}
	}
	w := window{}
	if c, ok := entry["count"].(int64); ok {
		w.Count = c
	} else if c, ok := entry["count"].(float64); ok {
		w.Count = int64(c)
	}
	if s, ok := entry["started"].(int64); ok {
		w.Started = s
	} else if s, ok := entry["started"].(float64); ok {
		w.Started = int64(s)
	}
	return w
}

func (m *Manager) writeWindow(key string, w window, ttl time.Duration) {
	err := m.cache.Put(key, map[string]any{
		"count":   w.Count,
		"started": w.Started,
	}, cachestore.PutOptions{TTL: ttl, Tags: []string{tagSecurity}, Force: true})
	if err != nil {
		m.logger.Warn("security counter write failed", "key", key, "error", err)
	}
}

// bump increments a sliding-window counter, restarting it when the
// window elapsed, and returns the in-window count.
func (m *Manager) bump(key string) int64 {
	nowUnix := m.now().Unix()
	w := m.readWindow(key)
	if w.Started == 0 || nowUnix-w.Started >= int64(defaultWindow.Seconds()) {
		w = window{Count: 0, Started: nowUnix}
	}
	w.Count++
	m.writeWindow(key, w, 2*defaultWindow)
	return w.Count
}

// block records a client block until now+seconds.
func (m *Manager) block(key string, seconds int64, reason string) {
	until := m.now().Unix() + seconds
	err := m.cache.Put(key, map[string]any{
		"until":  until,
		"reason": reason,
	}, cachestore.PutOptions{
		TTL:   time.Duration(seconds) * time.Second,
		Tags:  []string{tagSecurity},
		Force: true,
	})
	if err != nil {
		m.logger.Warn("security block write failed", "key", key, "error", err)
	}
}

// blockedUntil reads a block entry, returning the remaining seconds and
// reason (0 when not blocked).
func (m *Manager) blockedUntil(key string) (int, string) {
	v, ok := m.cache.GetForced(key)
	if !ok {
		return 0, ""
	}
	entry, ok := v.(map[string]any)
	if !ok {
		return 0, ""
	}
	var until int64
	switch t := entry["until"].(type) {
	case int64:
		until = t
	case float64:
		until = int64(t)
	}
	remaining := until - m.now().Unix()
	if remaining <= 0 {
		return 0, ""
	}
	reason, _ := entry["reason"].(string)
	return int(remaining), reason
}

func clientCountKey(clientID string) string { return keyPrefix + "count:" + clientID }
func clientBlockKey(clientID string) string { return keyPrefix + "block:" + clientID }
func failedCountKey(clientID string) string { return keyPrefix + "failed:" + clientID }

const (
	globalCountKey = keyPrefix + "global:count"
	lockdownKey    = keyPrefix + "lockdown"
)

// Preflight decides whether a client's request may proceed. It must run
// before auth so blocked clients never reach token verification.
func (m *Manager) Preflight(clientID string) Decision {
	if !m.Active() {
		return Allow
	}
	if remaining, reason := m.blockedUntil(lockdownKey); remaining > 0 {
		return Decision{Reason: "lockdown: " + reason, RetryAfter: remaining, Lockdown: true}
	}
	if remaining, reason := m.blockedUntil(clientBlockKey(clientID)); remaining > 0 {
		return Decision{Reason: reason, RetryAfter: remaining}
	}
	return Allow
}

// RegisterAttempt counts one request against the client and global
// windows and blocks when a limit is exceeded.
func (m *Manager) RegisterAttempt(clientID string) Decision {
	if !m.Active() {
		return Allow
	}

	blockSecs := m.store.ConfigInt("security.block_duration", 60)

	clientLimit := m.store.ConfigInt("security.rate_limit", 60)
	if count := m.bump(clientCountKey(clientID)); count > clientLimit {
		m.block(clientBlockKey(clientID), blockSecs, "rate limit exceeded")
		m.logger.Warn("client rate limited", "client", clientID, "count", count)
		return Decision{Reason: "rate limit exceeded", RetryAfter: int(blockSecs)}
	}

	globalLimit := m.store.ConfigInt("security.global_limit", 600)
	globalCount := m.bump(globalCountKey)
	if globalCount > globalLimit || !m.limiter.Allow() {
		lockSecs := m.store.ConfigInt("security.ddos_lockdown", 300)
		m.block(lockdownKey, lockSecs, "global limit exceeded")
		m.logger.Warn("global rate limit exceeded", "count", globalCount)
		return Decision{Reason: "global limit exceeded", RetryAfter: int(lockSecs), Lockdown: true}
	}
	return Allow
}

// RegisterFailure counts one failed auth event; crossing the failed
// limit blocks the client for security.failed_block seconds.
func (m *Manager) RegisterFailure(clientID string) {
	if !m.Active() {
		return
	}
	failedLimit := m.store.ConfigInt("security.failed_limit", 5)
	if count := m.bump(failedCountKey(clientID)); count >= failedLimit {
		blockSecs := m.store.ConfigInt("security.failed_block", 300)
		m.block(clientBlockKey(clientID), blockSecs, "too many failed auth attempts")
		m.logger.Warn("client blocked after failed auth", "client", clientID, "count", count)
	}
}

// RegisterSuccess clears the failed-attempt counter for a client.
func (m *Manager) RegisterSuccess(clientID string) {
	m.cache.Invalidate(failedCountKey(clientID))
}

// Lockdown forces a global block for the given duration; zero falls back
// to security.ddos_lockdown.
func (m *Manager) Lockdown(seconds int64) int64 {
	if seconds <= 0 {
		seconds = m.store.ConfigInt("security.ddos_lockdown", 300)
	}
	m.block(lockdownKey, seconds, "manual lockdown")
	m.logger.Warn("lockdown engaged", "seconds", seconds)
	return seconds
}

// Unlock lifts an active lockdown.
func (m *Manager) Unlock() {
	m.cache.Invalidate(lockdownKey)
}

// Purge removes every security counter and block.
func (m *Manager) Purge() int {
	return m.cache.PurgeByPrefix(keyPrefix)
}

// Err converts a blocking decision into the classified error the
// dispatcher and gateway render.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	kind := fault.RateLimited
	if d.Lockdown {
		kind = fault.APIDisabled
	}
	return fault.New(kind, "request blocked: %s", d.Reason).
		WithMeta("retry_after", d.RetryAfter)
}

// Report summarizes the live security state.
func (m *Manager) Report() map[string]any {
	report := map[string]any{
		"active":       m.Active(),
		"rate_limit":   m.store.ConfigInt("security.rate_limit", 60),
		"global_limit": m.store.ConfigInt("security.global_limit", 600),
		"failed_limit": m.store.ConfigInt("security.failed_limit", 5),
	}
	if remaining, reason := m.blockedUntil(lockdownKey); remaining > 0 {
		report["lockdown"] = fmt.Sprintf("%ds remaining (%s)", remaining, reason)
	}
	return report
}
