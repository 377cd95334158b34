package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaviondb/aaviondb/internal/atomicfile"
	"github.com/aaviondb/aaviondb/internal/brain"
	"github.com/aaviondb/aaviondb/internal/events"
	"github.com/aaviondb/aaviondb/internal/fault"
	"github.com/aaviondb/aaviondb/internal/paths"
	"github.com/aaviondb/aaviondb/internal/scope"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	locator := paths.NewLocator(t.TempDir())
	require.NoError(t, locator.EnsureDefaultDirectories())
	bus := events.NewBus(nil)
	store := brain.NewStore(locator, atomicfile.NewWriter(bus, nil), bus, nil)
	_, err := store.EnsureSystemBrain(nil)
	require.NoError(t, err)
	return NewManager(store, bus)
}

func TestGrantUsesConfiguredLengthAndAlphabet(t *testing.T) {
	m := newTestManager(t)
	g, err := m.Grant(GrantOptions{})
	require.NoError(t, err)

	assert.Len(t, g.Token, DefaultTokenLength)
	for _, r := range g.Token {
		assert.Contains(t, tokenAlphabet, string(r))
	}
	assert.Equal(t, HashToken(g.Token), g.Hash)
	assert.Equal(t, g.Token[:4]+"…", g.Preview)
}

func TestGrantClampsShortLength(t *testing.T) {
	m := newTestManager(t)
	g, err := m.Grant(GrantOptions{Length: 3})
	require.NoError(t, err)
	assert.Len(t, g.Token, minTokenLength)
}

func TestGrantRejectsUnknownScope(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Grant(GrantOptions{Scope: scope.Mode("ADMIN")})
	assert.True(t, fault.IsKind(err, fault.InvalidParameter))
}

func TestRevokeByTokenAndByHash(t *testing.T) {
	m := newTestManager(t)
	g1, err := m.Grant(GrantOptions{})
	require.NoError(t, err)
	g2, err := m.Grant(GrantOptions{})
	require.NoError(t, err)

	ok, err := m.Revoke(g1.Token)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Revoke(g2.Hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Revoke(g2.Hash)
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := m.List(false)
	require.NoError(t, err)
	assert.Empty(t, keys)
	keys, err = m.List(true)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestSetAPIEnabledRequiresKey(t *testing.T) {
	m := newTestManager(t)

	changed, err := m.SetAPIEnabled(true, "tester", "no keys yet")
	require.NoError(t, err)
	assert.False(t, changed)
	enabled, _ := m.IsAPIEnabled()
	assert.False(t, enabled)

	_, err = m.Grant(GrantOptions{})
	require.NoError(t, err)
	changed, err = m.SetAPIEnabled(true, "tester", "serve")
	require.NoError(t, err)
	assert.True(t, changed)
	enabled, _ = m.IsAPIEnabled()
	assert.True(t, enabled)
}

func TestRevokingLastKeyDisablesAPI(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.UpdateBootstrapKey("bootstrap-secret", true))
	g, err := m.Grant(GrantOptions{})
	require.NoError(t, err)
	_, err = m.SetAPIEnabled(true, "", "")
	require.NoError(t, err)

	// A successful request clears the bootstrap flag; revoking the last
	// key must re-arm it alongside disabling the API.
	require.NoError(t, m.TouchAuthKey(g.Hash, ""))
	sys, err := m.store.System()
	require.NoError(t, err)
	require.False(t, sys.Auth.BootstrapActive)

	_, err = m.Revoke(g.Hash)
	require.NoError(t, err)
	enabled, _ := m.IsAPIEnabled()
	assert.False(t, enabled)
	sys, err = m.store.System()
	require.NoError(t, err)
	assert.True(t, sys.Auth.BootstrapActive)
}

func TestAdmitSequence(t *testing.T) {
	m := newTestManager(t)

	_, _, err := m.Admit("whatever")
	assert.True(t, fault.IsKind(err, fault.APIDisabled))

	g, err := m.Grant(GrantOptions{Scope: scope.ModeRO, Projects: []string{"demo"}})
	require.NoError(t, err)
	_, err = m.SetAPIEnabled(true, "", "")
	require.NoError(t, err)

	_, _, err = m.Admit("")
	assert.True(t, fault.IsKind(err, fault.MissingToken))

	_, _, err = m.Admit("not-a-token")
	assert.True(t, fault.IsKind(err, fault.InvalidToken))

	sc, hash, err := m.Admit(g.Token)
	require.NoError(t, err)
	assert.Equal(t, g.Hash, hash)
	assert.Equal(t, scope.ModeRO, sc.Mode)
	assert.Equal(t, []string{"demo"}, sc.Projects)
	assert.True(t, sc.CanRead("demo"))
	assert.False(t, sc.CanWrite("demo"))
	assert.False(t, sc.CanRead("other"))
}

func TestAdmitRejectsBootstrapKey(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.UpdateBootstrapKey("bootstrap-secret", true))
	_, err := m.Grant(GrantOptions{})
	require.NoError(t, err)
	_, err = m.SetAPIEnabled(true, "", "")
	require.NoError(t, err)

	// The bootstrap hash lives only in Auth.BootstrapKey, never in Keys;
	// it must still hit the bootstrap rejection, not unknown-token.
	_, _, err = m.Admit("bootstrap-secret")
	assert.True(t, fault.IsKind(err, fault.BootstrapNotAllowed))
}

func TestTouchAuthKeyUpdatesAudit(t *testing.T) {
	m := newTestManager(t)
	g, err := m.Grant(GrantOptions{})
	require.NoError(t, err)

	require.NoError(t, m.TouchAuthKey(g.Hash, ""))

	sys, err := m.store.System()
	require.NoError(t, err)
	assert.NotEmpty(t, sys.Auth.Keys[g.Hash].LastUsedAt)
	assert.False(t, sys.Auth.BootstrapActive)
	assert.NotEmpty(t, sys.API.LastRequestAt)
}

func TestTouchAuthKeyEmitsUpdate(t *testing.T) {
	locator := paths.NewLocator(t.TempDir())
	require.NoError(t, locator.EnsureDefaultDirectories())
	bus := events.NewBus(nil)
	store := brain.NewStore(locator, atomicfile.NewWriter(bus, nil), bus, nil)
	_, err := store.EnsureSystemBrain(nil)
	require.NoError(t, err)
	m := NewManager(store, bus)

	var seen []string
	bus.Subscribe("auth.key.updated", func(ev events.Event) {
		seen = append(seen, ev.Payload["hash"].(string))
	})

	g, err := m.Grant(GrantOptions{})
	require.NoError(t, err)
	require.NoError(t, m.TouchAuthKey(g.Hash, ""))
	assert.Equal(t, []string{g.Hash}, seen)

	// Touching an unknown hash still records the request audit field but
	// announces no key update.
	require.NoError(t, m.TouchAuthKey("0000", ""))
	assert.Len(t, seen, 1)
}

func TestResetRevokesEverything(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 3; i++ {
		_, err := m.Grant(GrantOptions{})
		require.NoError(t, err)
	}
	count, err := m.Reset()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	keys, _ := m.List(false)
	assert.Empty(t, keys)
}
