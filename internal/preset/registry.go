package preset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aaviondb/aaviondb/internal/brain"
	"github.com/aaviondb/aaviondb/internal/canonical"
	"github.com/aaviondb/aaviondb/internal/events"
	"github.com/aaviondb/aaviondb/internal/fault"
	"github.com/aaviondb/aaviondb/internal/paths"
)

// Registry manages the preset map in the system brain's export section.
type Registry struct {
	store *brain.Store
	bus   *events.Bus
}

// NewRegistry wires a Registry over the store. bus may be nil.
func NewRegistry(store *brain.Store, bus *events.Bus) *Registry {
	return &Registry{store: store, bus: bus}
}

func (r *Registry) emit(name string, payload map[string]any) {
	if r.bus != nil {
		r.bus.Emit(name, payload)
	}
}

// Seed installs any bundled preset that is missing from the registry.
// Existing entries, including user-modified clones, are left alone.
func (r *Registry) Seed() (int, error) {
	seeded := 0
	err := r.store.MutateSystem(func(b *brain.Brain) error {
		if b.Export == nil {
			b.Export = &brain.ExportState{}
		}
		if b.Export.Presets == nil {
			b.Export.Presets = map[string]map[string]any{}
		}
		for slug, def := range Bundled() {
			if _, exists := b.Export.Presets[slug]; exists {
				continue
			}
			validated, err := Validate(def)
			if err != nil {
				return fmt.Errorf("bundled preset %s: %w", slug, err)
			}
			b.Export.Presets[slug] = validated
			seeded++
		}
		return nil
	})
	return seeded, err
}

// List returns preset slugs with their meta sections, sorted by slug.
func (r *Registry) List() ([]map[string]any, error) {
	sys, err := r.store.System()
	if err != nil {
		return nil, err
	}
	if sys.Export == nil {
		return nil, nil
	}
	slugs := make([]string, 0, len(sys.Export.Presets))
	for slug := range sys.Export.Presets {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	out := make([]map[string]any, 0, len(slugs))
	for _, slug := range slugs {
		def := sys.Export.Presets[slug]
		entry := map[string]any{"slug": slug}
		if meta, ok := def["meta"].(map[string]any); ok {
			entry["title"] = meta["title"]
			entry["description"] = meta["description"]
			entry["tags"] = meta["tags"]
			entry["read_only"] = meta["read_only"] == true
			entry["immutable"] = meta["immutable"] == true
		}
		out = append(out, entry)
	}
	return out, nil
}

// Get returns one preset definition.
func (r *Registry) Get(slug string) (map[string]any, error) {
	sys, err := r.store.System()
	if err != nil {
		return nil, err
	}
	if sys.Export == nil {
		return nil, fault.New(fault.NotFound, "preset %q not found", slug)
	}
	def, ok := sys.Export.Presets[paths.SanitizeSlug(slug)]
	if !ok {
		return nil, fault.New(fault.NotFound, "preset %q not found", slug)
	}
	return def, nil
}

// Create registers a new preset under slug. Existing slugs are refused.
func (r *Registry) Create(slug string, def map[string]any) (string, error) {
	norm := paths.SanitizeSlugStrict(slug)
	if norm == "" {
		return "", fault.New(fault.InvalidSlug, "preset slug %q is empty after normalization", slug)
	}
	validated, err := Validate(def)
	if err != nil {
		return "", err
	}
	err = r.store.MutateSystem(func(b *brain.Brain) error {
		if b.Export == nil {
			b.Export = &brain.ExportState{}
		}
		if b.Export.Presets == nil {
			b.Export.Presets = map[string]map[string]any{}
		}
		if _, exists := b.Export.Presets[norm]; exists {
			return fault.New(fault.InvalidParameter, "preset %q already exists", norm)
		}
		b.Export.Presets[norm] = validated
		return nil
	})
	if err != nil {
		return "", err
	}
	r.emit("preset.created", map[string]any{"preset": norm})
	return norm, nil
}

// UpdateResult reports where an update landed.
type UpdateResult struct {
	Slug  string `json:"slug"`
	Clone string `json:"clone,omitempty"`
}

// Update merges def into the stored preset. Updates to a read-only
// preset are redirected to an auto-named clone (<slug>-v2, -v3, …);
// the protected original is never touched.
func (r *Registry) Update(slug string, def map[string]any) (*UpdateResult, error) {
	norm := paths.SanitizeSlug(slug)
	result := &UpdateResult{Slug: norm}
	err := r.store.MutateSystem(func(b *brain.Brain) error {
		if b.Export == nil || b.Export.Presets[norm] == nil {
			return fault.New(fault.NotFound, "preset %q not found", norm)
		}
		current := b.Export.Presets[norm]
		merged := brain.MergePayloads(cloneDef(current), def)
		mergedMap, ok := merged.(map[string]any)
		if !ok {
			return fault.New(fault.InvalidPreset, "merged preset is not an object")
		}

		target := norm
		if isProtected(current) {
			target = freeCloneSlug(b.Export.Presets, norm)
			// Clones start unprotected.
			if meta, ok := mergedMap["meta"].(map[string]any); ok {
				meta["read_only"] = false
				meta["immutable"] = false
			}
			result.Clone = target
		}
		validated, err := Validate(mergedMap)
		if err != nil {
			return err
		}
		b.Export.Presets[target] = validated
		result.Slug = target
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.emit("preset.updated", map[string]any{"preset": result.Slug, "clone": result.Clone})
	return result, nil
}

// Delete removes a preset. Immutable presets are refused; re-seeding at
// next bootstrap restores deleted bundled presets.
func (r *Registry) Delete(slug string) error {
	norm := paths.SanitizeSlug(slug)
	err := r.store.MutateSystem(func(b *brain.Brain) error {
		if b.Export == nil || b.Export.Presets[norm] == nil {
			return fault.New(fault.NotFound, "preset %q not found", norm)
		}
		if isImmutable(b.Export.Presets[norm]) {
			return fault.New(fault.InvalidParameter, "preset %q is immutable and cannot be deleted", norm)
		}
		delete(b.Export.Presets, norm)
		return nil
	})
	if err != nil {
		return err
	}
	r.emit("preset.deleted", map[string]any{"preset": norm})
	return nil
}

func isProtected(def map[string]any) bool {
	meta, ok := def["meta"].(map[string]any)
	if !ok {
		return false
	}
	return meta["read_only"] == true || meta["immutable"] == true
}

func isImmutable(def map[string]any) bool {
	meta, ok := def["meta"].(map[string]any)
	if !ok {
		return false
	}
	return meta["immutable"] == true
}

// freeCloneSlug finds the first unused <slug>-vN name, starting at v2.
func freeCloneSlug(presets map[string]map[string]any, slug string) string {
	base := slug
	if i := strings.LastIndex(slug, "-v"); i > 0 {
		if _, err := fmt.Sscanf(slug[i+2:], "%d", new(int)); err == nil {
			base = slug[:i]
		}
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s-v%d", base, n)
		if _, exists := presets[candidate]; !exists {
			return candidate
		}
	}
}

func cloneDef(def map[string]any) map[string]any {
	if m, ok := canonical.Clone(def).(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// ExportToFile writes a preset definition to the preset export
// directory (or an explicit path). The extension picks the encoding:
// .yaml/.yml emit YAML, everything else JSON.
func (r *Registry) ExportToFile(slug, path string) (string, error) {
	def, err := r.Get(slug)
	if err != nil {
		return "", err
	}
	if path == "" {
		dir := r.store.Locator().PresetExportDir()
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fault.Wrap(fault.StorageFailure, err, "creating preset export dir: %v", err)
		}
		path = filepath.Join(dir, paths.SanitizeSlug(slug)+".json")
	}

	var data []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(def)
	default:
		data, err = json.MarshalIndent(def, "", "  ")
	}
	if err != nil {
		return "", fault.Wrap(fault.StorageFailure, err, "encoding preset %q: %v", slug, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fault.Wrap(fault.StorageFailure, err, "writing preset file: %v", err)
	}
	return path, nil
}

// ImportFromFile reads a preset definition from a JSON or YAML file and
// registers it under slug (default: the file's base name).
func (r *Registry) ImportFromFile(path, slug string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fault.Wrap(fault.NotFound, err, "preset file %q: %v", path, err)
	}
	var raw any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return "", fault.Wrap(fault.InvalidPreset, err, "decoding preset file %q: %v", path, err)
	}
	norm, err := canonical.Normalize(raw)
	if err != nil {
		return "", fault.Wrap(fault.InvalidPreset, err, "normalizing preset file %q: %v", path, err)
	}
	def, ok := norm.(map[string]any)
	if !ok {
		return "", fault.New(fault.InvalidPreset, "preset file %q does not contain an object", path)
	}
	if slug == "" {
		base := filepath.Base(path)
		slug = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return r.Create(slug, def)
}
