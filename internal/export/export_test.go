package export

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaviondb/aaviondb/internal/atomicfile"
	"github.com/aaviondb/aaviondb/internal/brain"
	"github.com/aaviondb/aaviondb/internal/events"
	"github.com/aaviondb/aaviondb/internal/fault"
	"github.com/aaviondb/aaviondb/internal/paths"
	"github.com/aaviondb/aaviondb/internal/preset"
	"github.com/aaviondb/aaviondb/internal/resolver"
	"github.com/aaviondb/aaviondb/internal/scope"
)

func newTestEngine(t *testing.T) (*Engine, *brain.Store, *preset.Registry) {
	t.Helper()
	locator := paths.NewLocator(t.TempDir())
	require.NoError(t, locator.EnsureDefaultDirectories())
	bus := events.NewBus(nil)
	store := brain.NewStore(locator, atomicfile.NewWriter(bus, nil), bus, nil)
	_, err := store.EnsureSystemBrain(nil)
	require.NoError(t, err)
	_, err = store.EnsureActiveBrain()
	require.NoError(t, err)
	registry := preset.NewRegistry(store, bus)
	_, err = registry.Seed()
	require.NoError(t, err)
	engine := NewEngine(store, registry, resolver.NewEngine(store, nil), nil)
	return engine, store, registry
}

func testCtx() context.Context {
	return scope.WithScope(context.Background(), scope.Bootstrap())
}

func seedDemo(t *testing.T, store *brain.Store) {
	t.Helper()
	_, err := store.SaveEntity(testCtx(), "demo", "hero",
		map[string]any{"name": "Aria", "role": "Pilot"}, nil, brain.SaveOptions{})
	require.NoError(t, err)
	_, err = store.SaveEntity(testCtx(), "demo", "sidekick",
		map[string]any{"name": "Bron"}, nil, brain.SaveOptions{})
	require.NoError(t, err)
}

func TestUnifiedJSONExport(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	seedDemo(t, store)

	res, err := engine.Run(testCtx(), Request{ProjectSpec: "demo"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Content), &doc))
	entities := doc["entities"].([]any)
	assert.Len(t, entities, 2)
	assert.Equal(t, "context-unified", doc["meta"].(map[string]any)["preset"])

	stats := res.Stats
	assert.Equal(t, int64(1), stats["projects"])
	assert.Equal(t, int64(2), stats["entities"])
}

func TestJSONLExportEmitsOneValuePerLine(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	seedDemo(t, store)

	res, err := engine.Run(testCtx(), Request{ProjectSpec: "demo", Preset: "context-jsonl"})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(res.Content), "\n")
	assert.Len(t, lines, 2)
	for _, line := range lines {
		assert.True(t, json.Valid([]byte(line)), line)
	}
}

func TestMarkdownExportCarriesHeadings(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	seedDemo(t, store)

	res, err := engine.Run(testCtx(), Request{ProjectSpec: "demo", Preset: "context-markdown-unified"})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "## hero (v1)")
	assert.Contains(t, res.Content, "```json")
}

func TestArgumentCombinations(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	seedDemo(t, store)

	_, err := engine.Run(testCtx(), Request{ProjectSpec: "*", Selectors: []string{"@1"}})
	assert.True(t, fault.IsKind(err, fault.InvalidParameter))

	_, err = engine.Run(testCtx(), Request{ProjectSpec: "demo,other", Selectors: []string{"@1"}})
	assert.True(t, fault.IsKind(err, fault.InvalidParameter))

	_, err = engine.Run(testCtx(), Request{ProjectSpec: "demo", Preset: "context-jsonl", Selectors: []string{"@1"}})
	assert.True(t, fault.IsKind(err, fault.InvalidParameter))
}

func TestSelectorsPickOlderVersions(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	_, err := store.SaveEntity(testCtx(), "demo", "hero",
		map[string]any{"name": "Aria"}, nil, brain.SaveOptions{})
	require.NoError(t, err)
	_, err = store.SaveEntity(testCtx(), "demo", "hero",
		map[string]any{"name": "Zara"}, nil, brain.SaveOptions{})
	require.NoError(t, err)

	res, err := engine.Run(testCtx(), Request{ProjectSpec: "demo", Selectors: []string{"@v1"}})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "1", res.Entities[0]["version"])
	payload := res.Entities[0]["payload"].(map[string]any)
	assert.Equal(t, "Aria", payload["name"])
}

func TestRequiredVariableMissing(t *testing.T) {
	engine, store, registry := newTestEngine(t)
	seedDemo(t, store)

	_, err := registry.Create("needs-var", map[string]any{
		"meta": map[string]any{"title": "Needs var"},
		"settings": map[string]any{
			"destination": map[string]any{"format": "text"},
			"variables": map[string]any{
				"audience": map[string]any{"type": "text", "required": true},
			},
		},
		"selection": map[string]any{"projects": []any{"demo"}},
		"templates": map[string]any{
			"root":   "${entities}",
			"entity": "${entity.slug} for ${var.audience}",
		},
	})
	require.NoError(t, err)

	_, err = engine.Run(testCtx(), Request{Preset: "needs-var"})
	assert.True(t, fault.IsKind(err, fault.InvalidParameter))

	res, err := engine.Run(testCtx(), Request{
		Preset: "needs-var",
		Params: map[string]any{"audience": "ops"},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "hero for ops")
}

func TestWhitelistAndBlacklistTransforms(t *testing.T) {
	engine, store, registry := newTestEngine(t)
	_, err := store.SaveEntity(testCtx(), "demo", "hero",
		map[string]any{"name": "Aria", "secret": "k9", "stats": map[string]any{"hp": int64(10), "mp": int64(4)}},
		nil, brain.SaveOptions{})
	require.NoError(t, err)

	_, err = registry.Create("trimmed", map[string]any{
		"meta": map[string]any{"title": "Trimmed"},
		"settings": map[string]any{
			"destination": map[string]any{"format": "json"},
			"transform": map[string]any{
				"whitelist": []any{"name", "stats.hp", "secret"},
				"blacklist": []any{"secret"},
			},
		},
		"selection": map[string]any{"projects": []any{"demo"}},
		"templates": map[string]any{
			"root":   `[${entities}]`,
			"entity": `${entity.payload.json}`,
		},
	})
	require.NoError(t, err)

	res, err := engine.Run(testCtx(), Request{Preset: "trimmed"})
	require.NoError(t, err)
	payload := res.Entities[0]["payload"].(map[string]any)
	assert.Equal(t, "Aria", payload["name"])
	assert.NotContains(t, payload, "secret")
	stats := payload["stats"].(map[string]any)
	assert.Equal(t, int64(10), stats["hp"])
	assert.NotContains(t, stats, "mp")
}

func TestMissingPayloadSkipPolicy(t *testing.T) {
	engine, store, registry := newTestEngine(t)
	_, err := store.SaveEntity(testCtx(), "demo", "named",
		map[string]any{"name": "Aria"}, nil, brain.SaveOptions{})
	require.NoError(t, err)
	_, err = store.SaveEntity(testCtx(), "demo", "anon",
		map[string]any{"role": "extra"}, nil, brain.SaveOptions{})
	require.NoError(t, err)

	_, err = registry.Create("skippy", map[string]any{
		"meta": map[string]any{"title": "Skippy"},
		"settings": map[string]any{
			"destination": map[string]any{"format": "text"},
			"options":     map[string]any{"missing_payload": "skip"},
		},
		"selection": map[string]any{"projects": []any{"demo"}},
		"templates": map[string]any{
			"root":   "${entities}",
			"entity": "${entity.slug}: ${entity.payload.name}",
		},
	})
	require.NoError(t, err)

	res, err := engine.Run(testCtx(), Request{Preset: "skippy"})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "named: Aria")
	assert.NotContains(t, res.Content, "anon")
	assert.NotEmpty(t, res.Warnings)
}

func TestSaveWritesUnderExportDir(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	seedDemo(t, store)

	save := true
	res, err := engine.Run(testCtx(), Request{ProjectSpec: "demo", Save: &save})
	require.NoError(t, err)
	require.NotEmpty(t, res.SavedPath)
	assert.True(t, strings.HasPrefix(res.SavedPath, store.Locator().ExportDir()))

	data, err := os.ReadFile(res.SavedPath)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}

func TestExportExpandsReferences(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	_, err := store.SaveEntity(testCtx(), "demo", "hero",
		map[string]any{"name": "Aria"}, nil, brain.SaveOptions{})
	require.NoError(t, err)
	_, err = store.SaveEntity(testCtx(), "demo", "sidekick",
		map[string]any{"note": "ally of [ref hero|name|format=plain]"}, nil, brain.SaveOptions{})
	require.NoError(t, err)

	res, err := engine.Run(testCtx(), Request{ProjectSpec: "demo"})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "Aria[/ref]")
}
