package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaviondb/aaviondb/internal/atomicfile"
	"github.com/aaviondb/aaviondb/internal/brain"
	"github.com/aaviondb/aaviondb/internal/cachestore"
	"github.com/aaviondb/aaviondb/internal/events"
	"github.com/aaviondb/aaviondb/internal/fault"
	"github.com/aaviondb/aaviondb/internal/paths"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	locator := paths.NewLocator(t.TempDir())
	require.NoError(t, locator.EnsureDefaultDirectories())
	bus := events.NewBus(nil)
	store := brain.NewStore(locator, atomicfile.NewWriter(bus, nil), bus, nil)
	_, err := store.EnsureSystemBrain(nil)
	require.NoError(t, err)
	cache := cachestore.New(locator.CacheDir(), time.Hour, nil)
	return NewManager(store, cache, nil)
}

func TestPreflightAllowsFreshClient(t *testing.T) {
	m := newTestManager(t)
	d := m.Preflight("client-1")
	assert.True(t, d.Allowed)
	assert.NoError(t, d.Err())
}

func TestClientRateLimitBlocks(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.store.SetConfig("security.rate_limit", int64(2)))

	assert.True(t, m.RegisterAttempt("client-1").Allowed)
	assert.True(t, m.RegisterAttempt("client-1").Allowed)
	d := m.RegisterAttempt("client-1")
	require.False(t, d.Allowed)
	assert.Positive(t, d.RetryAfter)
	assert.True(t, fault.IsKind(d.Err(), fault.RateLimited))

	// The block persists into preflight, for this client only.
	assert.False(t, m.Preflight("client-1").Allowed)
	assert.True(t, m.Preflight("client-2").Allowed)
}

func TestRateLimitWindowResets(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.store.SetConfig("security.rate_limit", int64(2)))

	assert.True(t, m.RegisterAttempt("client-1").Allowed)
	assert.True(t, m.RegisterAttempt("client-1").Allowed)

	base := m.now
	m.now = func() time.Time { return base().Add(2 * defaultWindow) }
	assert.True(t, m.RegisterAttempt("client-1").Allowed)
}

func TestFailedAuthBlocksClient(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.store.SetConfig("security.failed_limit", int64(3)))

	m.RegisterFailure("attacker")
	m.RegisterFailure("attacker")
	assert.True(t, m.Preflight("attacker").Allowed)
	m.RegisterFailure("attacker")

	d := m.Preflight("attacker")
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "failed auth")
}

func TestRegisterSuccessClearsFailures(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.store.SetConfig("security.failed_limit", int64(2)))

	m.RegisterFailure("client-1")
	m.RegisterSuccess("client-1")
	m.RegisterFailure("client-1")
	assert.True(t, m.Preflight("client-1").Allowed)
}

func TestLockdownBlocksEveryone(t *testing.T) {
	m := newTestManager(t)
	secs := m.Lockdown(0)
	assert.Equal(t, int64(300), secs)

	d := m.Preflight("anyone")
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "lockdown")
	assert.Positive(t, d.RetryAfter)
	assert.True(t, fault.IsKind(d.Err(), fault.APIDisabled))

	m.Unlock()
	assert.True(t, m.Preflight("anyone").Allowed)
}

func TestPurgeRemovesCounters(t *testing.T) {
	m := newTestManager(t)
	m.RegisterAttempt("client-1")
	m.RegisterFailure("client-1")
	removed := m.Purge()
	assert.Positive(t, removed)
	assert.True(t, m.Preflight("client-1").Allowed)
}

func TestInactiveSecuritySkipsEnforcement(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.store.SetConfig("security.active", false))
	require.NoError(t, m.store.SetConfig("security.rate_limit", int64(1)))

	for i := 0; i < 5; i++ {
		assert.True(t, m.RegisterAttempt("client-1").Allowed)
	}
}

func TestCountersSurviveDisabledCache(t *testing.T) {
	m := newTestManager(t)
	m.cache.SetEnabled(false)
	require.NoError(t, m.store.SetConfig("security.rate_limit", int64(1)))

	assert.True(t, m.RegisterAttempt("client-1").Allowed)
	assert.False(t, m.RegisterAttempt("client-1").Allowed)
}
