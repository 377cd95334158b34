package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSlug(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Demo", "demo"},
		{"My Brain!", "my-brain"},
		{"--weird__", "weird"},
		{"...", "default"},
		{"", "default"},
		{"already-ok_1.2", "already-ok_1.2"},
		{"Ünïcode", "nic-code"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, SanitizeSlug(c.in), c.in)
	}
}

func TestSanitizeSlugStrictEmpty(t *testing.T) {
	assert.Equal(t, "", SanitizeSlugStrict("..."))
	assert.Equal(t, "demo", SanitizeSlugStrict(" Demo "))
}

func TestBrainPathRouting(t *testing.T) {
	l := NewLocator("/data/aavion")
	assert.Equal(t, filepath.Join("/data/aavion", "user", "storage", "demo.brain"), l.BrainPath("Demo"))
	// Reserved slug routes to the system brain file.
	assert.Equal(t, l.SystemBrainPath(), l.BrainPath("system"))
}

func TestEnsureDefaultDirectories(t *testing.T) {
	root := t.TempDir()
	l := NewLocator(root)
	require.NoError(t, l.EnsureDefaultDirectories())

	for _, dir := range []string{
		l.SystemStorageDir(), l.LogDir(), l.UserStorageDir(),
		l.CacheDir(), l.BackupDir(), l.ExportDir(), l.PresetExportDir(),
		l.SystemModulesDir(), l.UserModulesDir(),
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir(), dir)
	}

	// Second call is a no-op.
	require.NoError(t, l.EnsureDefaultDirectories())
}
