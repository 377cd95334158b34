package atomicfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaviondb/aaviondb/internal/canonical"
	"github.com/aaviondb/aaviondb/internal/events"
)

func TestWriteAndVerify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "demo.brain")

	data, err := canonical.Encode(map[string]any{"meta": map[string]any{"slug": "demo"}})
	require.NoError(t, err)

	bus := events.NewBus(nil)
	var completed int
	bus.Subscribe("brain.write.completed", func(events.Event) { completed++ })

	w := NewWriter(bus, nil)
	require.NoError(t, w.Write(path, data))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 1, completed)

	rec := w.LastWrite()
	require.NotNil(t, rec)
	assert.Equal(t, path, rec.Path)
	assert.Equal(t, canonical.HashBytes(data), rec.Hash)
	assert.Equal(t, 1, rec.Attempts)
	assert.Nil(t, w.LastFailure())
}

func TestWriteAcceptsNonIntegralFloats(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.brain")
	w := NewWriter(nil, nil)

	data, err := canonical.Encode(map[string]any{
		"large": 1234567.8,
		"small": 1.5e-7,
		"huge":  1e300,
	})
	require.NoError(t, err)
	require.NoError(t, w.Write(path, data))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestWriteReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.brain")
	w := NewWriter(nil, nil)

	first, _ := canonical.Encode(map[string]any{"v": int64(1)})
	second, _ := canonical.Encode(map[string]any{"v": int64(2)})
	require.NoError(t, w.Write(path, first))
	require.NoError(t, w.Write(path, second))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.brain")
	w := NewWriter(nil, nil)
	data, _ := canonical.Encode(map[string]any{"k": "v"})
	require.NoError(t, w.Write(path, data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "demo.brain", entries[0].Name())
}

func TestNonCanonicalInputFailsVerification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.brain")

	bus := events.NewBus(nil)
	var failures, retries int
	bus.Subscribe("brain.write.integrity_failed", func(events.Event) { failures++ })
	bus.Subscribe("brain.write.retry", func(events.Event) { retries++ })

	w := NewWriter(bus, nil)
	// Keys out of order: decode + canonical re-encode cannot reproduce
	// these bytes, so both attempts fail the canonical check.
	err := w.Write(path, []byte(`{"b":1,"a":2}`))
	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, ReasonCanonicalMismatch, integrity.Reason)
	assert.Equal(t, 2, failures)
	assert.Equal(t, 1, retries)

	fail := w.LastFailure()
	require.NotNil(t, fail)
	assert.Equal(t, ReasonCanonicalMismatch, fail.Reason)
}

func TestInvalidJSONFailsVerification(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(nil, nil)
	err := w.Write(filepath.Join(dir, "x.brain"), []byte(`{"truncated":`))
	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, ReasonJSONDecodeError, integrity.Reason)
}
