package cachestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir(), time.Minute, nil)
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Put("k1", map[string]any{"n": 1}, PutOptions{}))

	v, ok := s.Get("k1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"n": int64(1)}, v)
}

func TestMissOnAbsent(t *testing.T) {
	s := newStore(t)
	_, ok := s.Get("absent")
	assert.False(t, ok)
}

func TestExpiredEntryIsMissAndRemoved(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Put("k", "v", PutOptions{TTL: time.Second}))

	s.now = func() time.Time { return time.Now().Add(2 * time.Second) }
	_, ok := s.Get("k")
	assert.False(t, ok)

	// The file is gone, so statistics sees nothing.
	stats := s.Statistics()
	assert.Equal(t, 0, stats.Entries)
}

func TestDisabledStoreMissesAndDropsWrites(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Put("before", "v", PutOptions{}))
	s.SetEnabled(false)

	_, ok := s.Get("before")
	assert.False(t, ok)

	require.NoError(t, s.Put("dropped", "v", PutOptions{}))
	s.SetEnabled(true)
	_, ok = s.Get("dropped")
	assert.False(t, ok)
}

func TestForcedWritesLandWhenDisabled(t *testing.T) {
	s := newStore(t)
	s.SetEnabled(false)
	require.NoError(t, s.Put("security:client:1", int64(3), PutOptions{
		Force: true,
		Tags:  []string{"security"},
	}))
	v, ok := s.GetForced("security:client:1")
	require.True(t, ok)
	assert.Equal(t, int64(3), v)
}

func TestInvalidateByTag(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Put("a", 1, PutOptions{Tags: []string{"export"}}))
	require.NoError(t, s.Put("b", 2, PutOptions{Tags: []string{"export", "demo"}}))
	require.NoError(t, s.Put("c", 3, PutOptions{Tags: []string{"other"}}))

	removed := s.InvalidateByTag("export")
	assert.Equal(t, 2, removed)

	_, ok := s.Get("c")
	assert.True(t, ok)
}

func TestStatistics(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Put("a", 1, PutOptions{Tags: []string{"x"}}))
	require.NoError(t, s.Put("b", 2, PutOptions{Tags: []string{"x", "y"}}))

	stats := s.Statistics()
	assert.Equal(t, 2, stats.Entries)
	assert.Greater(t, stats.Bytes, int64(0))
	assert.Equal(t, 2, stats.Tags["x"])
	assert.Equal(t, 1, stats.Tags["y"])
}

func TestPurgeByPrefix(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Put("security:rate:a", 1, PutOptions{Force: true, Tags: []string{"security"}}))
	require.NoError(t, s.Put("security:rate:b", 2, PutOptions{Force: true, Tags: []string{"security"}}))
	require.NoError(t, s.Put("resolver:x", 3, PutOptions{}))

	assert.Equal(t, 2, s.PurgeByPrefix("security:"))
	_, ok := s.Get("resolver:x")
	assert.True(t, ok)
}

func TestSetTTLRejectsNonPositive(t *testing.T) {
	s := newStore(t)
	assert.Error(t, s.SetTTL(0))
	assert.NoError(t, s.SetTTL(time.Second))
}
