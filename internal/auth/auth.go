// Package auth manages API tokens, the bootstrap key, and the REST
// admission sequence. Tokens are stored only as SHA-256 hashes inside
// the system brain's auth section; scope bindings are extracted from
// key metadata and carried through context by the scope package.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	"github.com/aaviondb/aaviondb/internal/brain"
	"github.com/aaviondb/aaviondb/internal/events"
	"github.com/aaviondb/aaviondb/internal/fault"
	"github.com/aaviondb/aaviondb/internal/paths"
	"github.com/aaviondb/aaviondb/internal/scope"
)

const (
	tokenAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	minTokenLength = 8
	// DefaultTokenLength applies when api_key_length is unset.
	DefaultTokenLength = 16
)

// Manager wraps the store's system-brain auth state.
type Manager struct {
	store *brain.Store
	bus   *events.Bus
}

// NewManager wires a Manager over the store. bus may be nil.
func NewManager(store *brain.Store, bus *events.Bus) *Manager {
	return &Manager{store: store, bus: bus}
}

func (m *Manager) emit(name string, payload map[string]any) {
	if m.bus != nil {
		m.bus.Emit(name, payload)
	}
}

// HashToken returns the lowercase hex SHA-256 of a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// normalizeIdentifier maps a revoke/lookup identifier to a key hash: a
// 64-hex-char string is taken as the hash itself, anything else is
// hashed as a raw token.
func normalizeIdentifier(identifier string) string {
	id := strings.ToLower(strings.TrimSpace(identifier))
	if len(id) == 64 && isHex(id) {
		return id
	}
	return HashToken(strings.TrimSpace(identifier))
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

// generateToken draws length characters from the token alphabet using
// crypto/rand.
func generateToken(length int) (string, error) {
	var sb strings.Builder
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fault.Wrap(fault.StorageFailure, err, "token generation: %v", err)
		}
		sb.WriteByte(tokenAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// GrantOptions shape a new key.
type GrantOptions struct {
	Scope    scope.Mode
	Projects []string
	Label    string
	Length   int
}

// Grant is the one-time response of a mint: the plain token is returned
// here and never persisted.
type Grant struct {
	Token   string          `json:"token"`
	Hash    string          `json:"hash"`
	Preview string          `json:"preview"`
	Entry   *brain.KeyEntry `json:"entry"`
}

// Grant mints a token with the requested scope binding and registers
// its hash.
func (m *Manager) Grant(opts GrantOptions) (*Grant, error) {
	mode := opts.Scope
	if mode == "" {
		mode = scope.ModeRW
	}
	if !scope.ValidMode(mode) {
		return nil, fault.New(fault.InvalidParameter, "unknown scope mode %q", mode)
	}
	projects := opts.Projects
	if len(projects) == 0 {
		projects = []string{"*"}
	}
	for i, p := range projects {
		if p == "*" {
			continue
		}
		norm := paths.SanitizeSlugStrict(p)
		if norm == "" {
			return nil, fault.New(fault.InvalidSlug, "project filter %q is empty after normalization", p)
		}
		projects[i] = norm
	}

	length := opts.Length
	if length == 0 {
		length = int(m.store.ConfigInt("api_key_length", DefaultTokenLength))
	}
	if length < minTokenLength {
		length = minTokenLength
	}

	token, err := generateToken(length)
	if err != nil {
		return nil, err
	}
	hash := HashToken(token)
	preview := token[:4] + "…"

	entry := &brain.KeyEntry{
		Hash:         hash,
		Status:       "active",
		TokenPreview: preview,
		Label:        opts.Label,
		Meta: map[string]any{
			"scope":    string(mode),
			"projects": toAnySlice(projects),
		},
	}
	err = m.store.MutateSystem(func(b *brain.Brain) error {
		if b.Auth == nil {
			b.Auth = &brain.AuthState{Keys: map[string]*brain.KeyEntry{}}
		}
		if b.Auth.Keys == nil {
			b.Auth.Keys = map[string]*brain.KeyEntry{}
		}
		entry.CreatedAt = timestamp()
		b.Auth.Keys[hash] = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.emit("auth.key.created", map[string]any{"hash": hash, "scope": string(mode)})
	return &Grant{Token: token, Hash: hash, Preview: preview, Entry: entry}, nil
}

func timestamp() string {
	return time.Now().Format(time.RFC3339)
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// List returns registered keys, revoked ones only when asked.
func (m *Manager) List(includeRevoked bool) ([]*brain.KeyEntry, error) {
	sys, err := m.store.System()
	if err != nil {
		return nil, err
	}
	if sys.Auth == nil {
		return nil, nil
	}
	var out []*brain.KeyEntry
	for _, entry := range sys.Auth.Keys {
		if !includeRevoked && entry.Status != "active" {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Revoke deactivates the key matching identifier (hash or raw token).
// Returns false when no active key matched.
func (m *Manager) Revoke(identifier string) (bool, error) {
	hash := normalizeIdentifier(identifier)
	revoked := false
	err := m.store.MutateSystem(func(b *brain.Brain) error {
		if b.Auth == nil {
			return nil
		}
		entry, ok := b.Auth.Keys[hash]
		if !ok || entry.Status != "active" {
			return nil
		}
		entry.Status = "revoked"
		revoked = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if revoked {
		m.emit("auth.key.revoked", map[string]any{"hash": hash})
		m.disableAPIIfNoKeys()
	}
	return revoked, nil
}

// Reset revokes every non-bootstrap key and reports the count.
func (m *Manager) Reset() (int, error) {
	count := 0
	err := m.store.MutateSystem(func(b *brain.Brain) error {
		if b.Auth == nil {
			return nil
		}
		for _, entry := range b.Auth.Keys {
			if entry.Status == "active" {
				entry.Status = "revoked"
				count++
			}
		}
		b.Auth.LastRotationAt = timestamp()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		m.emit("auth.reset", map[string]any{"revoked_count": count})
		m.disableAPIIfNoKeys()
	}
	return count, nil
}

// disableAPIIfNoKeys flips api.enabled off and re-arms the bootstrap
// token when revocation removed the last usable key, so local recovery
// stays possible.
func (m *Manager) disableAPIIfNoKeys() {
	has, err := m.hasActiveKey()
	if err != nil || has {
		return
	}
	_ = m.store.MutateSystem(func(b *brain.Brain) error {
		if b.API != nil && b.API.Enabled {
			b.API.Enabled = false
			b.API.LastDisabledAt = timestamp()
			b.API.LastReason = "last key revoked"
		}
		if b.Auth != nil && b.Auth.BootstrapKey != "" {
			b.Auth.BootstrapActive = true
		}
		return nil
	})
}

// hasActiveKey reports whether any active non-bootstrap key exists.
func (m *Manager) hasActiveKey() (bool, error) {
	sys, err := m.store.System()
	if err != nil {
		return false, err
	}
	if sys.Auth == nil {
		return false, nil
	}
	bootstrap := sys.Auth.BootstrapKey
	for hash, entry := range sys.Auth.Keys {
		if entry.Status == "active" && hash != bootstrap {
			return true, nil
		}
	}
	return false, nil
}

// SetAPIEnabled flips the REST flag. Enabling without an active
// non-bootstrap key is a no-op; the return value reports whether the
// flag actually changed.
func (m *Manager) SetAPIEnabled(enabled bool, actor, reason string) (bool, error) {
	if enabled {
		has, err := m.hasActiveKey()
		if err != nil {
			return false, err
		}
		if !has {
			return false, nil
		}
	}
	changed := false
	err := m.store.MutateSystem(func(b *brain.Brain) error {
		if b.API == nil {
			b.API = &brain.APIState{}
		}
		if b.API.Enabled == enabled {
			return nil
		}
		b.API.Enabled = enabled
		if enabled {
			b.API.LastEnabledAt = timestamp()
		} else {
			b.API.LastDisabledAt = timestamp()
		}
		b.API.LastActor = actor
		b.API.LastReason = reason
		changed = true
		return nil
	})
	if err == nil && changed {
		m.emit("api.state.changed", map[string]any{"enabled": enabled, "actor": actor})
	}
	return changed, err
}

// IsAPIEnabled reads the REST flag.
func (m *Manager) IsAPIEnabled() (bool, error) {
	sys, err := m.store.System()
	if err != nil {
		return false, err
	}
	return sys.API != nil && sys.API.Enabled, nil
}

// UpdateBootstrapKey registers a new bootstrap token hash and its
// active flag.
func (m *Manager) UpdateBootstrapKey(token string, active bool) error {
	if strings.TrimSpace(token) == "" {
		return fault.New(fault.InvalidParameter, "bootstrap token must not be empty")
	}
	err := m.store.MutateSystem(func(b *brain.Brain) error {
		if b.Auth == nil {
			b.Auth = &brain.AuthState{Keys: map[string]*brain.KeyEntry{}}
		}
		b.Auth.BootstrapKey = HashToken(token)
		b.Auth.BootstrapActive = active
		return nil
	})
	if err == nil {
		m.emit("auth.bootstrap.updated", map[string]any{"active": active})
	}
	return err
}

// TouchAuthKey is the post-successful-request hook: refreshes the key's
// last_used_at and the api.last_request_at audit field, and clears the
// bootstrap-active flag.
func (m *Manager) TouchAuthKey(hash, preview string) error {
	touched := false
	err := m.store.MutateSystem(func(b *brain.Brain) error {
		if b.Auth == nil {
			return nil
		}
		if entry, ok := b.Auth.Keys[hash]; ok {
			entry.LastUsedAt = timestamp()
			if preview != "" && entry.TokenPreview == "" {
				entry.TokenPreview = preview
			}
			touched = true
		}
		b.Auth.BootstrapActive = false
		if b.API == nil {
			b.API = &brain.APIState{}
		}
		b.API.LastRequestAt = timestamp()
		return nil
	})
	if err == nil && touched {
		m.emit("auth.key.updated", map[string]any{"hash": hash})
	}
	return err
}

// Admit runs the REST admission sequence over a presented token and
// returns the scope binding extracted from the matching key.
func (m *Manager) Admit(token string) (scope.Scope, string, error) {
	sys, err := m.store.System()
	if err != nil {
		return scope.Scope{}, "", err
	}
	if sys.API == nil || !sys.API.Enabled {
		return scope.Scope{}, "", fault.New(fault.APIDisabled, "the REST API is disabled")
	}
	if strings.TrimSpace(token) == "" {
		return scope.Scope{}, "", fault.New(fault.MissingToken, "no API token presented")
	}
	hash := HashToken(strings.TrimSpace(token))
	if sys.Auth == nil {
		return scope.Scope{}, "", fault.New(fault.InvalidToken, "unknown API token")
	}
	// The bootstrap token is rejected regardless of any Keys entry; it is
	// stored only as Auth.BootstrapKey.
	if sys.Auth.BootstrapKey != "" && hash == sys.Auth.BootstrapKey {
		return scope.Scope{}, "", fault.New(fault.BootstrapNotAllowed, "the bootstrap token cannot call the REST API")
	}
	entry, ok := sys.Auth.Keys[hash]
	if !ok || entry.Status != "active" {
		return scope.Scope{}, "", fault.New(fault.InvalidToken, "unknown or revoked API token")
	}
	sc, err := scopeFromEntry(entry)
	if err != nil {
		return scope.Scope{}, "", err
	}
	return sc, hash, nil
}

// scopeFromEntry decodes the scope binding stored in key metadata.
func scopeFromEntry(entry *brain.KeyEntry) (scope.Scope, error) {
	mode := scope.Mode("")
	if entry.Meta != nil {
		if v, ok := entry.Meta["scope"].(string); ok {
			mode = scope.Mode(strings.ToUpper(v))
		}
	}
	if !scope.ValidMode(mode) {
		return scope.Scope{}, fault.New(fault.ScopeDenied, "key carries unknown scope mode %q", mode)
	}
	projects := []string{"*"}
	if entry.Meta != nil {
		if raw, ok := entry.Meta["projects"].([]any); ok && len(raw) > 0 {
			projects = projects[:0]
			for _, v := range raw {
				if s, ok := v.(string); ok && s != "" {
					projects = append(projects, s)
				}
			}
		}
	}
	return scope.Scope{Mode: mode, Projects: projects}, nil
}
