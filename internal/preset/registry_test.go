package preset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaviondb/aaviondb/internal/atomicfile"
	"github.com/aaviondb/aaviondb/internal/brain"
	"github.com/aaviondb/aaviondb/internal/events"
	"github.com/aaviondb/aaviondb/internal/fault"
	"github.com/aaviondb/aaviondb/internal/paths"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	locator := paths.NewLocator(t.TempDir())
	require.NoError(t, locator.EnsureDefaultDirectories())
	bus := events.NewBus(nil)
	store := brain.NewStore(locator, atomicfile.NewWriter(bus, nil), bus, nil)
	_, err := store.EnsureSystemBrain(nil)
	require.NoError(t, err)
	r := NewRegistry(store, bus)
	_, err = r.Seed()
	require.NoError(t, err)
	return r
}

func minimalDef() map[string]any {
	return map[string]any{
		"meta":     map[string]any{"title": "Mine"},
		"settings": map[string]any{},
		"selection": map[string]any{
			"projects": []any{"demo"},
		},
		"templates": map[string]any{
			"root":   "${entities}",
			"entity": "${entity.slug}",
		},
	}
}

func TestSeedInstallsBundledPresets(t *testing.T) {
	r := newTestRegistry(t)
	list, err := r.List()
	require.NoError(t, err)
	slugs := map[string]bool{}
	for _, entry := range list {
		slugs[entry["slug"].(string)] = true
	}
	for slug := range Bundled() {
		assert.True(t, slugs[slug], "missing bundled preset %s", slug)
	}

	// Seeding again adds nothing.
	n, err := r.Seed()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestValidateRejectsBadShapes(t *testing.T) {
	_, err := Validate(map[string]any{})
	assert.True(t, fault.IsKind(err, fault.InvalidPreset))

	def := minimalDef()
	def["templates"].(map[string]any)["root"] = ""
	_, err = Validate(def)
	assert.True(t, fault.IsKind(err, fault.InvalidPreset))

	def = minimalDef()
	def["settings"] = map[string]any{
		"destination": map[string]any{"format": "xml"},
	}
	_, err = Validate(def)
	assert.True(t, fault.IsKind(err, fault.InvalidPreset))
}

func TestValidateNormalizesStringFilters(t *testing.T) {
	def := minimalDef()
	def["selection"].(map[string]any)["entities"] = []any{"hero"}
	out, err := Validate(def)
	require.NoError(t, err)

	filters := out["selection"].(map[string]any)["entities"].([]any)
	require.Len(t, filters, 1)
	f := filters[0].(map[string]any)
	assert.Equal(t, "slug_equals", f["type"])
	assert.Equal(t, "hero", f["config"].(map[string]any)["value"])
}

func TestCreateAndDelete(t *testing.T) {
	r := newTestRegistry(t)
	slug, err := r.Create("my-preset", minimalDef())
	require.NoError(t, err)
	assert.Equal(t, "my-preset", slug)

	_, err = r.Create("my-preset", minimalDef())
	assert.True(t, fault.IsKind(err, fault.InvalidParameter))

	require.NoError(t, r.Delete("my-preset"))
	_, err = r.Get("my-preset")
	assert.True(t, fault.IsKind(err, fault.NotFound))
}

func TestProtectedUpdateClones(t *testing.T) {
	r := newTestRegistry(t)
	res, err := r.Update("context-unified", map[string]any{
		"meta": map[string]any{"description": "mine"},
	})
	require.NoError(t, err)
	assert.Equal(t, "context-unified-v2", res.Clone)
	assert.Equal(t, "context-unified-v2", res.Slug)

	// The original is untouched and still protected.
	original, err := r.Get("context-unified")
	require.NoError(t, err)
	meta := original["meta"].(map[string]any)
	assert.NotEqual(t, "mine", meta["description"])
	assert.Equal(t, true, meta["read_only"])

	// The clone is editable in place.
	clone, err := r.Get("context-unified-v2")
	require.NoError(t, err)
	cloneMeta := clone["meta"].(map[string]any)
	assert.Equal(t, "mine", cloneMeta["description"])
	assert.Equal(t, false, cloneMeta["read_only"])

	res, err = r.Update("context-unified-v2", map[string]any{
		"meta": map[string]any{"description": "mine again"},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Clone)
	assert.Equal(t, "context-unified-v2", res.Slug)

	// A second protected update picks the next free clone name.
	res, err = r.Update("context-unified", map[string]any{
		"meta": map[string]any{"description": "other"},
	})
	require.NoError(t, err)
	assert.Equal(t, "context-unified-v3", res.Clone)
}

func TestImmutableDeleteRefused(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Delete("context-unified")
	assert.True(t, fault.IsKind(err, fault.InvalidParameter))
}

func TestFileRoundTripJSONAndYAML(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()

	jsonPath, err := r.ExportToFile("context-unified", filepath.Join(dir, "p.json"))
	require.NoError(t, err)
	slug, err := r.ImportFromFile(jsonPath, "from-json")
	require.NoError(t, err)
	assert.Equal(t, "from-json", slug)

	yamlPath, err := r.ExportToFile("context-unified", filepath.Join(dir, "p.yaml"))
	require.NoError(t, err)
	data, err := os.ReadFile(yamlPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "title:")

	slug, err = r.ImportFromFile(yamlPath, "from-yaml")
	require.NoError(t, err)
	imported, err := r.Get(slug)
	require.NoError(t, err)
	assert.Equal(t, "Unified JSON context", imported["meta"].(map[string]any)["title"])
}
