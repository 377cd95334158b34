package brain

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aaviondb/aaviondb/internal/atomicfile"
	"github.com/aaviondb/aaviondb/internal/canonical"
	"github.com/aaviondb/aaviondb/internal/events"
	"github.com/aaviondb/aaviondb/internal/fault"
	"github.com/aaviondb/aaviondb/internal/paths"
)

// DefaultBrainSlug is the user brain created on first bootstrap.
const DefaultBrainSlug = "default"

// Store loads, mutates, and persists brains. All mutations of one brain
// run under that brain's logical RMW lock; in-memory snapshots are
// invalidated whenever another logical writer may have touched the file.
type Store struct {
	locator *paths.Locator
	writer  *atomicfile.Writer
	bus     *events.Bus
	logger  *slog.Logger

	mu         sync.Mutex
	system     *Brain
	user       map[string]*Brain // slug → cached snapshot
	brainLocks map[string]*sync.Mutex

	now func() time.Time
}

// NewStore wires a Store over the locator. bus and logger may be nil.
func NewStore(locator *paths.Locator, writer *atomicfile.Writer, bus *events.Bus, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		locator:    locator,
		writer:     writer,
		bus:        bus,
		logger:     logger,
		user:       map[string]*Brain{},
		brainLocks: map[string]*sync.Mutex{},
		now:        time.Now,
	}
}

// Locator exposes the path locator for collaborators (export engine).
func (s *Store) Locator() *paths.Locator { return s.locator }

func (s *Store) timestamp() string {
	return s.now().Format(time.RFC3339)
}

func (s *Store) emit(name string, payload map[string]any) {
	if s.bus != nil {
		s.bus.Emit(name, payload)
	}
}

// lockFor returns the logical mutex serializing RMW cycles on one brain.
func (s *Store) lockFor(slug string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.brainLocks[slug]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.brainLocks[slug] = l
	return l
}

// Invalidate drops the in-memory snapshot for slug so the next read
// reloads from disk. The file watcher calls this on external writes.
func (s *Store) Invalidate(slug string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slug == paths.ReservedSlug {
		s.system = nil
		return
	}
	delete(s.user, slug)
}

// InvalidateAll drops every snapshot.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.system = nil
	s.user = map[string]*Brain{}
}

// --- load / persist ---------------------------------------------------

func (s *Store) readBrainFile(path string) (*Brain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Wrap(fault.NotFound, err, "brain file %s does not exist", path)
		}
		return nil, fault.Wrap(fault.StorageFailure, err, "reading %s: %v", path, err)
	}
	var b Brain
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fault.Wrap(fault.StorageFailure, err, "decoding %s: %v", path, err)
	}
	normalizeBrain(&b)
	return &b, nil
}

// persist canonicalizes and atomically writes the brain, refreshing
// meta.updated_at first.
func (s *Store) persist(b *Brain, path string) error {
	b.Meta.UpdatedAt = s.timestamp()
	raw, err := json.Marshal(b)
	if err != nil {
		return fault.Wrap(fault.StorageFailure, err, "encoding brain %s: %v", b.Meta.Slug, err)
	}
	value, err := canonical.Decode(raw)
	if err != nil {
		return fault.Wrap(fault.StorageFailure, err, "canonicalizing brain %s: %v", b.Meta.Slug, err)
	}
	data, err := canonical.Encode(value)
	if err != nil {
		return fault.Wrap(fault.StorageFailure, err, "canonicalizing brain %s: %v", b.Meta.Slug, err)
	}
	if err := s.writer.Write(path, data); err != nil {
		var integrity *atomicfile.IntegrityError
		if errors.As(err, &integrity) {
			return fault.Wrap(fault.IntegrityFailure, err, "persisting brain %s failed verification", b.Meta.Slug).
				WithMeta("reason", integrity.Reason)
		}
		return fault.Wrap(fault.StorageFailure, err, "persisting brain %s: %v", b.Meta.Slug, err)
	}
	return nil
}

// normalizeBrain fills nil maps so loaded brains are safe to mutate.
func normalizeBrain(b *Brain) {
	if b.Projects == nil {
		b.Projects = map[string]*Project{}
	}
	if b.Commits == nil {
		b.Commits = map[string]*CommitEntry{}
	}
	if b.Config == nil {
		b.Config = map[string]any{}
	}
	for _, p := range b.Projects {
		if p.Entities == nil {
			p.Entities = map[string]*Entity{}
		}
		if p.Hierarchy == nil {
			p.Hierarchy = NewHierarchy()
		}
		if p.Hierarchy.Parents == nil {
			p.Hierarchy.Parents = map[string]string{}
		}
		if p.Hierarchy.Children == nil {
			p.Hierarchy.Children = map[string][]string{}
		}
		for _, e := range p.Entities {
			if e.Versions == nil {
				e.Versions = map[string]*VersionRecord{}
			}
		}
	}
	if b.Auth != nil && b.Auth.Keys == nil {
		b.Auth.Keys = map[string]*KeyEntry{}
	}
	if b.Export != nil && b.Export.Presets == nil {
		b.Export.Presets = map[string]map[string]any{}
	}
	if b.Scheduler != nil && b.Scheduler.Tasks == nil {
		b.Scheduler.Tasks = map[string]*Task{}
	}
}

// --- system brain -----------------------------------------------------

// EnsureSystemBrain creates the system brain if missing, otherwise
// read-merge-writes it so newly added default config keys land. The
// overrides map wins over both.
func (s *Store) EnsureSystemBrain(overrides map[string]any) (*Brain, error) {
	lock := s.lockFor(paths.ReservedSlug)
	lock.Lock()
	defer lock.Unlock()

	path := s.locator.SystemBrainPath()
	existing, err := s.readBrainFile(path)
	if err != nil && !fault.IsKind(err, fault.NotFound) {
		return nil, err
	}

	ts := s.timestamp()
	if existing == nil {
		existing = &Brain{
			Meta: Meta{
				Slug:          paths.ReservedSlug,
				UUID:          uuid.NewString(),
				SchemaVersion: 1,
				CreatedAt:     ts,
				UpdatedAt:     ts,
			},
			Projects:  map[string]*Project{},
			Commits:   map[string]*CommitEntry{},
			Config:    map[string]any{},
			State:     &State{ActiveBrain: DefaultBrainSlug},
			Auth:      &AuthState{BootstrapActive: true, Keys: map[string]*KeyEntry{}},
			API:       &APIState{Enabled: false},
			Export:    &ExportState{Presets: map[string]map[string]any{}},
			Scheduler: &SchedulerState{Tasks: map[string]*Task{}, Log: []RunEntry{}},
			Security:  map[string]any{},
			Cache:     &CacheState{Active: true, TTL: 3600},
		}
	}
	if existing.State == nil {
		existing.State = &State{ActiveBrain: DefaultBrainSlug}
	}
	if existing.Auth == nil {
		existing.Auth = &AuthState{BootstrapActive: true, Keys: map[string]*KeyEntry{}}
	}
	if existing.API == nil {
		existing.API = &APIState{}
	}
	if existing.Export == nil {
		existing.Export = &ExportState{Presets: map[string]map[string]any{}}
	}
	if existing.Scheduler == nil {
		existing.Scheduler = &SchedulerState{Tasks: map[string]*Task{}, Log: []RunEntry{}}
	}
	if existing.Cache == nil {
		existing.Cache = &CacheState{Active: true, TTL: 3600}
	}

	// Merge: defaults < existing < overrides.
	merged := DefaultConfig()
	for k, v := range existing.Config {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	existing.Config = merged

	if err := s.persist(existing, path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.system = existing
	s.mu.Unlock()
	return existing, nil
}

// System returns the system brain snapshot, loading it if necessary.
func (s *Store) System() (*Brain, error) {
	s.mu.Lock()
	if s.system != nil {
		b := s.system
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()

	b, err := s.readBrainFile(s.locator.SystemBrainPath())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.system = b
	s.mu.Unlock()
	return b, nil
}

// MutateSystem runs fn inside the system brain's RMW lock and persists
// the result when fn succeeds.
func (s *Store) MutateSystem(fn func(*Brain) error) error {
	lock := s.lockFor(paths.ReservedSlug)
	lock.Lock()
	defer lock.Unlock()

	b, err := s.readBrainFile(s.locator.SystemBrainPath())
	if err != nil {
		return err
	}
	if err := fn(b); err != nil {
		return err
	}
	if err := s.persist(b, s.locator.SystemBrainPath()); err != nil {
		return err
	}
	s.mu.Lock()
	s.system = b
	s.mu.Unlock()
	return nil
}

// --- active / user brains ---------------------------------------------

// ActiveSlug returns the slug of the active user brain.
func (s *Store) ActiveSlug() (string, error) {
	sys, err := s.System()
	if err != nil {
		return "", err
	}
	if sys.State == nil || sys.State.ActiveBrain == "" {
		return DefaultBrainSlug, nil
	}
	return sys.State.ActiveBrain, nil
}

// EnsureActiveBrain creates the active user brain file if it does not
// exist and returns its slug.
func (s *Store) EnsureActiveBrain() (string, error) {
	slug, err := s.ActiveSlug()
	if err != nil {
		return "", err
	}
	path := s.locator.BrainPath(slug)
	if _, statErr := os.Stat(path); statErr == nil {
		return slug, nil
	}
	if _, err := s.createBrainFile(slug); err != nil {
		return "", err
	}
	return slug, nil
}

func (s *Store) createBrainFile(slug string) (*Brain, error) {
	ts := s.timestamp()
	b := &Brain{
		Meta: Meta{
			Slug:          slug,
			SchemaVersion: 1,
			CreatedAt:     ts,
			UpdatedAt:     ts,
		},
		Projects: map[string]*Project{},
		Commits:  map[string]*CommitEntry{},
		Config:   map[string]any{},
	}
	if err := s.persist(b, s.locator.BrainPath(slug)); err != nil {
		return nil, err
	}
	return b, nil
}

// Active returns the active user brain snapshot.
func (s *Store) Active() (*Brain, error) {
	slug, err := s.ActiveSlug()
	if err != nil {
		return nil, err
	}
	return s.UserBrain(slug)
}

// UserBrain returns the snapshot for one user brain.
func (s *Store) UserBrain(slug string) (*Brain, error) {
	slug = paths.SanitizeSlug(slug)
	s.mu.Lock()
	if b, ok := s.user[slug]; ok {
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()

	b, err := s.readBrainFile(s.locator.BrainPath(slug))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.user[slug] = b
	s.mu.Unlock()
	return b, nil
}

// MutateActive runs fn on the active brain inside its RMW lock.
func (s *Store) MutateActive(fn func(*Brain) error) error {
	slug, err := s.ActiveSlug()
	if err != nil {
		return err
	}
	return s.MutateUserBrain(slug, fn)
}

// MutateUserBrain runs fn on one user brain inside its RMW lock and
// persists the result when fn succeeds.
func (s *Store) MutateUserBrain(slug string, fn func(*Brain) error) error {
	slug = paths.SanitizeSlug(slug)
	if slug == paths.ReservedSlug {
		return fault.New(fault.InvalidSlug, "brain slug %q is reserved", slug)
	}
	lock := s.lockFor(slug)
	lock.Lock()
	defer lock.Unlock()

	b, err := s.readBrainFile(s.locator.BrainPath(slug))
	if err != nil {
		return err
	}
	if err := fn(b); err != nil {
		return err
	}
	if err := s.persist(b, s.locator.BrainPath(slug)); err != nil {
		return err
	}
	s.mu.Lock()
	s.user[slug] = b
	s.mu.Unlock()
	return nil
}

// --- config helpers ---------------------------------------------------

// ConfigValue reads one system config key.
func (s *Store) ConfigValue(key string) (any, bool) {
	sys, err := s.System()
	if err != nil {
		return nil, false
	}
	v, ok := sys.Config[key]
	return v, ok
}

// ConfigInt reads a numeric config key with a fallback.
func (s *Store) ConfigInt(key string, fallback int64) int64 {
	v, ok := s.ConfigValue(key)
	if !ok {
		return fallback
	}
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	case int:
		return int64(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
	}
	return fallback
}

// ConfigBool reads a boolean config key with a fallback.
func (s *Store) ConfigBool(key string, fallback bool) bool {
	v, ok := s.ConfigValue(key)
	if !ok {
		return fallback
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return fallback
}

// ConfigString reads a string config key with a fallback.
func (s *Store) ConfigString(key, fallback string) string {
	v, ok := s.ConfigValue(key)
	if !ok {
		return fallback
	}
	if str, ok := v.(string); ok && str != "" {
		return str
	}
	return fallback
}

// SetConfig writes one system config key.
func (s *Store) SetConfig(key string, value any) error {
	norm, err := canonical.Normalize(value)
	if err != nil {
		return fault.Wrap(fault.InvalidParameter, err, "config value for %q: %v", key, err)
	}
	return s.MutateSystem(func(b *Brain) error {
		b.Config[key] = norm
		return nil
	})
}
