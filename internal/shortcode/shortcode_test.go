package shortcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindSingleRef(t *testing.T) {
	codes := Find(`See [ref @demo.hero|name|format=plain] for details.`)
	require.Len(t, codes, 1)
	assert.Equal(t, KindRef, codes[0].Kind)
	assert.Equal(t, "[ref @demo.hero|name|format=plain]", codes[0].Instruction)
	assert.Equal(t, []string{"@demo.hero", "name", "format=plain"}, codes[0].Segments)
}

func TestFindQueryWithQuotedWhere(t *testing.T) {
	codes := Find(`[query project=demo|where="status = active; tags contains [x]"|limit=5]`)
	require.Len(t, codes, 1)
	assert.Equal(t, KindQuery, codes[0].Kind)
	assert.Equal(t, `where="status = active; tags contains [x]"`, codes[0].Segments[1])
}

func TestFindMultiple(t *testing.T) {
	codes := Find(`a [ref @p.e] b [query project=p] c`)
	require.Len(t, codes, 2)
	assert.Equal(t, KindRef, codes[0].Kind)
	assert.Equal(t, KindQuery, codes[1].Kind)
}

func TestFindArrayIndexTarget(t *testing.T) {
	codes := Find(`[ref @demo.hero.stats[0]|format=json]`)
	require.Len(t, codes, 1)
	assert.Equal(t, "@demo.hero.stats[0]", codes[0].Segments[0])
}

func TestStripResolvedRoundTrip(t *testing.T) {
	code := Find(`[ref @demo.hero|name]`)[0]
	wrapped := WrapResolved(code, "Aria")
	assert.Equal(t, `[ref @demo.hero|name]Aria[/ref]`, wrapped)
	assert.Equal(t, `[ref @demo.hero|name]`, StripResolved(wrapped))
}

func TestStripResolvedMultiple(t *testing.T) {
	s := `x [ref @p.a]one[/ref] y [query project=p]two[/query] z`
	assert.Equal(t, `x [ref @p.a] y [query project=p] z`, StripResolved(s))
}

func TestStripInstructionOnlyUnchanged(t *testing.T) {
	s := `keep [ref @p.a|field] as-is`
	assert.Equal(t, s, StripResolved(s))
}

func TestStripIdempotent(t *testing.T) {
	s := StripResolved(`[ref @p.a]v[/ref]`)
	assert.Equal(t, s, StripResolved(s))
}

func TestStripPayloadWalksTree(t *testing.T) {
	payload := map[string]any{
		"bio":  `[ref @demo.hero|name]Aria[/ref]`,
		"list": []any{`[query project=p]out[/query]`},
		"n":    int64(4),
	}
	out := StripPayload(payload).(map[string]any)
	assert.Equal(t, `[ref @demo.hero|name]`, out["bio"])
	assert.Equal(t, `[query project=p]`, out["list"].([]any)[0])
	assert.Equal(t, int64(4), out["n"])
}
