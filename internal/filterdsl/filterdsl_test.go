package filterdsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() Record {
	return Record{
		Project:  "demo",
		Slug:     "hero",
		Status:   "active",
		Fieldset: "profile",
		Version:  "3",
		Path:     []string{"world", "hero"},
		Payload: map[string]any{
			"name": "Aria",
			"role": "Pilot",
			"tags": []any{"core", "crew"},
			"stats": map[string]any{
				"agility": int64(12),
			},
		},
	}
}

func mustFilters(t *testing.T, defs ...map[string]any) []Filter {
	t.Helper()
	raw := make([]any, len(defs))
	for i, d := range defs {
		raw[i] = d
	}
	filters, err := ParseFilters(raw)
	require.NoError(t, err)
	return filters
}

func TestSlugAndStatusFilters(t *testing.T) {
	r := sampleRecord()
	ok, err := Matches(r, mustFilters(t,
		map[string]any{"type": "slug_equals", "config": map[string]any{"value": "hero"}},
		map[string]any{"type": "status_equals", "config": map[string]any{"value": "active"}},
	), nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Matches(r, mustFilters(t,
		map[string]any{"type": "slug_in", "config": map[string]any{"values": []any{"villain", "npc"}}},
	), nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPayloadFilters(t *testing.T) {
	r := sampleRecord()

	ok, err := Matches(r, mustFilters(t,
		map[string]any{"type": "payload_equals", "config": map[string]any{"field": "name", "value": "Aria"}},
	), nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// contains: substring on strings, membership on lists.
	ok, err = Matches(r, mustFilters(t,
		map[string]any{"type": "payload_contains", "config": map[string]any{"field": "role", "value": "ilo"}},
		map[string]any{"type": "payload_contains", "config": map[string]any{"field": "tags", "value": "core"}},
	), nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Matches(r, mustFilters(t,
		map[string]any{"type": "payload_missing", "config": map[string]any{"field": "stats.strength"}},
	), nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Matches(r, mustFilters(t,
		map[string]any{"type": "payload_matches", "config": map[string]any{"field": "name", "pattern": "^A.*a$"}},
	), nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPathFilters(t *testing.T) {
	r := sampleRecord()
	ok, err := Matches(r, mustFilters(t,
		map[string]any{"type": "path_under", "config": map[string]any{"value": "world"}},
	), nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Matches(r, mustFilters(t,
		map[string]any{"type": "path_equals", "config": map[string]any{"value": "world/hero"}},
	), nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPlaceholderExpansion(t *testing.T) {
	ctx := map[string]any{
		"project": "demo",
		"param":   map[string]any{"status": "active"},
		"payload": map[string]any{"tags": []any{"a", "b"}},
	}
	assert.Equal(t, "demo", Expand("${project}", ctx))
	assert.Equal(t, "active", Expand("${param.status}", ctx))
	assert.Equal(t, "a,b", Expand("${payload.tags}", ctx))
	assert.Equal(t, "${unknown}", Expand("${unknown}", ctx))
}

func TestLookupPathArrayIndex(t *testing.T) {
	v, found := LookupPath(sampleRecord().Payload, "tags.1")
	require.True(t, found)
	assert.Equal(t, "crew", v)

	_, found = LookupPath(sampleRecord().Payload, "tags.9")
	assert.False(t, found)
}

func TestParseWhereOperators(t *testing.T) {
	w, err := ParseWhere(`status = active; tags contains core; stats.agility >= 10`)
	require.NoError(t, err)
	require.Len(t, w, 3)
	assert.Equal(t, "=", w[0].Op)
	assert.Equal(t, "contains", w[1].Op)
	assert.Equal(t, ">=", w[2].Op)

	ok, err := w.Eval(sampleRecord(), nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWhereInAndNotIn(t *testing.T) {
	w, err := ParseWhere(`slug in (hero, villain); role not in ("Gunner", "Medic")`)
	require.NoError(t, err)
	ok, err := w.Eval(sampleRecord(), nil)
	require.NoError(t, err)
	assert.True(t, ok)

	w, err = ParseWhere(`slug in (villain)`)
	require.NoError(t, err)
	ok, err = w.Eval(sampleRecord(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWhereQuotedSemicolon(t *testing.T) {
	w, err := ParseWhere(`name = "A; ria"`)
	require.NoError(t, err)
	require.Len(t, w, 1)
	assert.Equal(t, "A; ria", w[0].Value)
}

func TestWhereRegexAndNegation(t *testing.T) {
	w, err := ParseWhere(`name ~ ^Ari; status != archived; tags !contains retired`)
	require.NoError(t, err)
	ok, err := w.Eval(sampleRecord(), nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWhereNumericCoercion(t *testing.T) {
	w, err := ParseWhere(`version > 2; version < 10`)
	require.NoError(t, err)
	ok, err := w.Eval(sampleRecord(), nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWhereUnknownOperatorFails(t *testing.T) {
	_, err := ParseWhere(`status resembles active`)
	assert.Error(t, err)
}
