package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaviondb/aaviondb/internal/fault"
)

func heroSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
			"role": map[string]any{"type": "string", "default": "Crew"},
			"stats": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"agility": map[string]any{"type": "integer", "default": 0},
				},
			},
		},
		"required": []any{"name"},
	}
}

func TestAssertValidSchema(t *testing.T) {
	require.NoError(t, AssertValidSchema(heroSchema()))
}

func TestAssertValidSchemaRejectsNonObject(t *testing.T) {
	err := AssertValidSchema("not a schema")
	assert.True(t, fault.IsKind(err, fault.SchemaValidation))
}

func TestAssertValidSchemaRejectsBadKeyword(t *testing.T) {
	err := AssertValidSchema(map[string]any{"type": 42})
	assert.True(t, fault.IsKind(err, fault.SchemaValidation))
}

func TestApplyValidPayload(t *testing.T) {
	out, err := Apply(map[string]any{"name": "Aria"}, heroSchema(), nil)
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, "Aria", m["name"])
	// Default injected.
	assert.Equal(t, "Crew", m["role"])
}

func TestApplyNestedDefaults(t *testing.T) {
	out, err := Apply(map[string]any{
		"name":  "Aria",
		"stats": map[string]any{},
	}, heroSchema(), nil)
	require.NoError(t, err)
	stats := out.(map[string]any)["stats"].(map[string]any)
	assert.Equal(t, int64(0), stats["agility"])
}

func TestApplyRejectsInvalidPayload(t *testing.T) {
	_, err := Apply(map[string]any{"name": 42}, heroSchema(), nil)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.SchemaValidation))
	meta := fault.MetaOf(err)
	require.NotNil(t, meta)
	assert.Contains(t, meta["path"], "name")
}

func TestApplyMissingRequired(t *testing.T) {
	_, err := Apply(map[string]any{"role": "Pilot"}, heroSchema(), nil)
	assert.True(t, fault.IsKind(err, fault.SchemaValidation))
}

func TestPlaceholderExpansion(t *testing.T) {
	def := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"owner": map[string]any{"type": "string", "default": "${project}/${entity}"},
		},
	}
	out, err := Apply(map[string]any{}, def, Context{"project": "demo", "entity": "hero"})
	require.NoError(t, err)
	assert.Equal(t, "demo/hero", out.(map[string]any)["owner"])
}

func TestUnknownPlaceholderStaysLiteral(t *testing.T) {
	def := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"x": map[string]any{"type": "string", "default": "${mystery}"},
		},
	}
	out, err := Apply(map[string]any{}, def, nil)
	require.NoError(t, err)
	assert.Equal(t, "${mystery}", out.(map[string]any)["x"])
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	payload := map[string]any{"name": "Aria"}
	_, err := Apply(payload, heroSchema(), nil)
	require.NoError(t, err)
	_, hasRole := payload["role"]
	assert.False(t, hasRole)
}
