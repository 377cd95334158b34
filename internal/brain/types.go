// Package brain implements the datastore core: two canonical JSON
// documents (the system brain and the active user brain) holding
// projects, versioned entities, a commit index, hierarchy, auth state,
// export presets, and scheduler state, persisted through the atomic
// writer and mutated under a per-brain read-modify-write lock.
package brain

// Statuses used across projects, entities, and versions.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusArchived = "archived"
)

// FieldsetsProject is the reserved project whose entity payloads are JSON
// Schema fragments used to validate other entities.
const FieldsetsProject = "fieldsets"

// Meta is the document header shared by both brain variants.
type Meta struct {
	Slug          string `json:"slug"`
	UUID          string `json:"uuid,omitempty"` // system brain only
	SchemaVersion int64  `json:"schema_version"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// State is the system brain's pointer to the active user brain.
type State struct {
	ActiveBrain string `json:"active_brain"`
}

// Hierarchy is a forest over the entities of one project. Parents maps
// child → parent; Children is its exact inverse.
type Hierarchy struct {
	Parents  map[string]string   `json:"parents"`
	Children map[string][]string `json:"children"`
}

// NewHierarchy returns an empty, non-nil hierarchy.
func NewHierarchy() *Hierarchy {
	return &Hierarchy{Parents: map[string]string{}, Children: map[string][]string{}}
}

// VersionRecord is one immutable snapshot of an entity payload.
type VersionRecord struct {
	Version           int64          `json:"version"`
	Hash              string         `json:"hash"`
	Commit            string         `json:"commit"`
	CommittedAt       string         `json:"committed_at"`
	Status            string         `json:"status"` // active | inactive
	Payload           any            `json:"payload"`
	Meta              map[string]any `json:"meta"`
	Merge             bool           `json:"merge"`
	FieldsetVersion   string         `json:"fieldset_version,omitempty"`
	SourceReference   string         `json:"source_reference,omitempty"`
	FieldsetReference string         `json:"fieldset_reference,omitempty"`
}

// Entity is a versioned record within a project.
type Entity struct {
	Slug            string                    `json:"slug"`
	Status          string                    `json:"status"` // active | inactive | archived
	CreatedAt       string                    `json:"created_at"`
	UpdatedAt       string                    `json:"updated_at"`
	ArchivedAt      string                    `json:"archived_at,omitempty"`
	ActiveVersion   string                    `json:"active_version,omitempty"`
	Fieldset        string                    `json:"fieldset,omitempty"`
	FieldsetVersion string                    `json:"fieldset_version,omitempty"`
	Versions        map[string]*VersionRecord `json:"versions"`
}

// Project is a namespace of entities plus their hierarchy.
type Project struct {
	Slug        string             `json:"slug"`
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	Status      string             `json:"status"` // active | archived
	CreatedAt   string             `json:"created_at"`
	UpdatedAt   string             `json:"updated_at"`
	ArchivedAt  string             `json:"archived_at,omitempty"`
	Entities    map[string]*Entity `json:"entities"`
	Hierarchy   *Hierarchy         `json:"hierarchy"`
}

// CommitEntry is the brain-level secondary index entry for one version.
type CommitEntry struct {
	Project           string `json:"project"`
	Entity            string `json:"entity"`
	Version           string `json:"version"`
	Hash              string `json:"hash"`
	Timestamp         string `json:"timestamp"`
	Merge             bool   `json:"merge"`
	Fieldset          string `json:"fieldset,omitempty"`
	FieldsetVersion   string `json:"fieldset_version,omitempty"`
	SourceReference   string `json:"source_reference,omitempty"`
	FieldsetReference string `json:"fieldset_reference,omitempty"`
}

// KeyEntry is one registered API token, stored only as its SHA-256 hash.
type KeyEntry struct {
	Hash         string         `json:"hash"`
	Status       string         `json:"status"` // active | revoked
	CreatedAt    string         `json:"created_at"`
	CreatedBy    string         `json:"created_by,omitempty"`
	TokenPreview string         `json:"token_preview"`
	LastUsedAt   string         `json:"last_used_at,omitempty"`
	Label        string         `json:"label,omitempty"`
	ExpiresAt    string         `json:"expires_at,omitempty"`
	Meta         map[string]any `json:"meta"`
}

// AuthState lives in the system brain.
type AuthState struct {
	BootstrapKey    string               `json:"bootstrap_key"` // SHA-256 of the bootstrap token
	BootstrapActive bool                 `json:"bootstrap_active"`
	Keys            map[string]*KeyEntry `json:"keys"`
	LastRotationAt  string               `json:"last_rotation_at,omitempty"`
}

// APIState tracks the REST enable flag and its audit trail.
type APIState struct {
	Enabled        bool   `json:"enabled"`
	LastEnabledAt  string `json:"last_enabled_at,omitempty"`
	LastDisabledAt string `json:"last_disabled_at,omitempty"`
	LastRequestAt  string `json:"last_request_at,omitempty"`
	LastActor      string `json:"last_actor,omitempty"`
	LastReason     string `json:"last_reason,omitempty"`
}

// ExportState holds the preset registry.
type ExportState struct {
	Presets map[string]map[string]any `json:"presets"`
}

// Task is one scheduler entry; the cron executor is an external
// collaborator, the store only persists tasks and run results.
type Task struct {
	Slug        string `json:"slug"`
	Command     string `json:"command"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	LastRunAt   string `json:"last_run_at,omitempty"`
	LastStatus  string `json:"last_status,omitempty"`
	LastMessage string `json:"last_message,omitempty"`
}

// TaskResult is one task outcome inside a scheduler run entry.
type TaskResult struct {
	Slug       string `json:"slug"`
	Command    string `json:"command"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	DurationMS int64  `json:"duration_ms"`
	Response   any    `json:"response,omitempty"`
}

// RunEntry is one scheduler run in the bounded log.
type RunEntry struct {
	Timestamp  string       `json:"timestamp"`
	DurationMS int64        `json:"duration_ms"`
	Results    []TaskResult `json:"results"`
}

// SchedulerState holds tasks plus the bounded append-only run log.
type SchedulerState struct {
	Tasks map[string]*Task `json:"tasks"`
	Log   []RunEntry       `json:"log"`
}

// CacheState mirrors the cache store's runtime configuration.
type CacheState struct {
	Active bool  `json:"active"`
	TTL    int64 `json:"ttl"` // seconds
}

// Brain is one persisted JSON document. User brains leave the
// system-only sections nil.
type Brain struct {
	Meta     Meta                    `json:"meta"`
	Projects map[string]*Project     `json:"projects"`
	Commits  map[string]*CommitEntry `json:"commits"`
	Config   map[string]any          `json:"config"`

	// System brain only.
	State     *State          `json:"state,omitempty"`
	Auth      *AuthState      `json:"auth,omitempty"`
	API       *APIState       `json:"api,omitempty"`
	Export    *ExportState    `json:"export,omitempty"`
	Scheduler *SchedulerState `json:"scheduler,omitempty"`
	Security  map[string]any  `json:"security,omitempty"`
	Cache     *CacheState     `json:"cache,omitempty"`
}

// IsSystem reports whether b is the system brain.
func (b *Brain) IsSystem() bool { return b.State != nil }

// DefaultConfig is the seed configuration of a fresh system brain. The
// read-merge-write in EnsureSystemBrain lands newly added keys on
// existing installations.
func DefaultConfig() map[string]any {
	return map[string]any{
		"export.response":         true,
		"export.save":             false,
		"export.format":           "json",
		"export.nest_children":    false,
		"export.path":             "",
		"cache.active":            true,
		"cache.ttl":               int64(3600),
		"security.active":         true,
		"security.rate_limit":     int64(60),
		"security.global_limit":   int64(600),
		"security.block_duration": int64(60),
		"security.ddos_lockdown":  int64(300),
		"security.failed_limit":   int64(5),
		"security.failed_block":   int64(300),
		"hierarchy.max_depth":     int64(10),
		"api_key_length":          int64(16),
		"log_level":               "info",
	}
}
