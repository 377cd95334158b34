package brain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaviondb/aaviondb/internal/atomicfile"
	"github.com/aaviondb/aaviondb/internal/canonical"
	"github.com/aaviondb/aaviondb/internal/events"
	"github.com/aaviondb/aaviondb/internal/fault"
	"github.com/aaviondb/aaviondb/internal/paths"
	"github.com/aaviondb/aaviondb/internal/scope"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	locator := paths.NewLocator(t.TempDir())
	require.NoError(t, locator.EnsureDefaultDirectories())
	bus := events.NewBus(nil)
	store := NewStore(locator, atomicfile.NewWriter(bus, nil), bus, nil)
	_, err := store.EnsureSystemBrain(nil)
	require.NoError(t, err)
	_, err = store.EnsureActiveBrain()
	require.NoError(t, err)
	return store
}

func testCtx() context.Context {
	return scope.WithScope(context.Background(), scope.Bootstrap())
}

func TestEnsureSystemBrainSeedsDefaults(t *testing.T) {
	store := newTestStore(t)
	sys, err := store.System()
	require.NoError(t, err)
	assert.True(t, sys.IsSystem())
	assert.Equal(t, DefaultBrainSlug, sys.State.ActiveBrain)
	assert.Equal(t, int64(3600), store.ConfigInt("cache.ttl", 0))
	assert.NotEmpty(t, sys.Meta.UUID)
}

func TestSaveCreatesProjectAndEntityStubs(t *testing.T) {
	store := newTestStore(t)
	res, err := store.SaveEntity(testCtx(), "demo", "hero",
		map[string]any{"name": "Aria", "role": "Pilot"}, nil, SaveOptions{})
	require.NoError(t, err)

	assert.Equal(t, "1", res.Version)
	hash, err := canonical.Hash(map[string]any{"name": "Aria", "role": "Pilot"})
	require.NoError(t, err)
	assert.Equal(t, hash, res.Hash)

	b, err := store.Active()
	require.NoError(t, err)
	e := b.Projects["demo"].Entities["hero"]
	assert.Equal(t, "1", e.ActiveVersion)
	assert.Equal(t, StatusActive, e.Versions["1"].Status)
	entry, ok := b.Commits[res.Commit]
	require.True(t, ok)
	assert.Equal(t, "demo", entry.Project)
	assert.Equal(t, "hero", entry.Entity)
}

func TestMergeRemovesNullLeaves(t *testing.T) {
	store := newTestStore(t)
	ctx := testCtx()
	_, err := store.SaveEntity(ctx, "demo", "hero",
		map[string]any{"name": "Aria", "role": "Pilot"}, nil, SaveOptions{})
	require.NoError(t, err)

	res, err := store.SaveEntity(ctx, "demo", "hero",
		map[string]any{"role": nil, "stats": map[string]any{"agility": 12}}, nil, SaveOptions{})
	require.NoError(t, err)

	assert.Equal(t, "2", res.Version)
	want := map[string]any{
		"name":  "Aria",
		"stats": map[string]any{"agility": int64(12)},
	}
	assert.Equal(t, want, res.Payload)

	b, _ := store.Active()
	e := b.Projects["demo"].Entities["hero"]
	assert.Equal(t, StatusInactive, e.Versions["1"].Status)
	assert.Equal(t, StatusActive, e.Versions["2"].Status)
}

func TestReplaceModeIgnoresSource(t *testing.T) {
	store := newTestStore(t)
	ctx := testCtx()
	_, err := store.SaveEntity(ctx, "demo", "hero",
		map[string]any{"name": "Aria"}, nil, SaveOptions{})
	require.NoError(t, err)

	replace := false
	res, err := store.SaveEntity(ctx, "demo", "hero",
		map[string]any{"role": "Pilot"}, nil, SaveOptions{Merge: &replace})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"role": "Pilot"}, res.Payload)
}

func TestRestoreEarlierVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := testCtx()
	_, err := store.SaveEntity(ctx, "demo", "hero", map[string]any{"v": int64(1)}, nil, SaveOptions{})
	require.NoError(t, err)
	_, err = store.SaveEntity(ctx, "demo", "hero", map[string]any{"v": int64(2)}, nil, SaveOptions{})
	require.NoError(t, err)

	restored, err := store.RestoreEntityVersion(ctx, "demo", "hero", "@1")
	require.NoError(t, err)
	assert.Equal(t, "1", restored)

	b, _ := store.Active()
	e := b.Projects["demo"].Entities["hero"]
	assert.Equal(t, "1", e.ActiveVersion)
	assert.Equal(t, StatusActive, e.Versions["1"].Status)
	assert.Equal(t, StatusInactive, e.Versions["2"].Status)
	assert.Equal(t, StatusActive, e.Status)
}

func TestDeleteActiveVersionShiftsActive(t *testing.T) {
	store := newTestStore(t)
	ctx := testCtx()
	for i := 1; i <= 3; i++ {
		_, err := store.SaveEntity(ctx, "demo", "hero",
			map[string]any{"v": int64(i)}, nil, SaveOptions{})
		require.NoError(t, err)
	}
	b, _ := store.Active()
	v3commit := b.Projects["demo"].Entities["hero"].Versions["3"].Commit

	removed, err := store.DeleteEntityVersion(ctx, "demo", "hero", "@3")
	require.NoError(t, err)
	assert.Equal(t, "3", removed)

	b, _ = store.Active()
	e := b.Projects["demo"].Entities["hero"]
	assert.Equal(t, "2", e.ActiveVersion)
	assert.Equal(t, StatusActive, e.Versions["2"].Status)
	_, exists := e.Versions["3"]
	assert.False(t, exists)
	_, exists = b.Commits[v3commit]
	assert.False(t, exists)
}

func TestDeleteLastVersionDeactivatesEntity(t *testing.T) {
	store := newTestStore(t)
	ctx := testCtx()
	_, err := store.SaveEntity(ctx, "demo", "hero", map[string]any{"v": int64(1)}, nil, SaveOptions{})
	require.NoError(t, err)
	_, err = store.DeleteEntityVersion(ctx, "demo", "hero", "@1")
	require.NoError(t, err)

	b, _ := store.Active()
	e := b.Projects["demo"].Entities["hero"]
	assert.Equal(t, "", e.ActiveVersion)
	assert.Equal(t, StatusInactive, e.Status)
}

func TestCommitHashSelector(t *testing.T) {
	store := newTestStore(t)
	ctx := testCtx()
	res, err := store.SaveEntity(ctx, "demo", "hero", map[string]any{"v": int64(1)}, nil, SaveOptions{})
	require.NoError(t, err)
	_, err = store.SaveEntity(ctx, "demo", "hero", map[string]any{"v": int64(2)}, nil, SaveOptions{})
	require.NoError(t, err)

	_, record, err := store.GetEntityVersion(ctx, "demo", "hero", "#"+res.Commit)
	require.NoError(t, err)
	assert.Equal(t, int64(1), record.Version)

	_, _, err = store.GetEntityVersion(ctx, "demo", "hero", "#deadbeef")
	assert.True(t, fault.IsKind(err, fault.InvalidReference))
}

func TestScopeDeniesWrites(t *testing.T) {
	store := newTestStore(t)
	ro := scope.WithScope(context.Background(), scope.Scope{
		Mode:     scope.ModeRO,
		Projects: []string{"*"},
	})
	_, err := store.SaveEntity(ro, "demo", "hero", map[string]any{"a": int64(1)}, nil, SaveOptions{})
	assert.True(t, fault.IsKind(err, fault.ScopeDenied))

	limited := scope.WithScope(context.Background(), scope.Scope{
		Mode:     scope.ModeRW,
		Projects: []string{"other"},
	})
	_, err = store.SaveEntity(limited, "demo", "hero", map[string]any{"a": int64(1)}, nil, SaveOptions{})
	assert.True(t, fault.IsKind(err, fault.ScopeDenied))
}

func TestParentPathClampsAndWarns(t *testing.T) {
	store := newTestStore(t)
	ctx := testCtx()
	_, err := store.SaveEntity(ctx, "demo", "world", map[string]any{"k": "v"}, nil, SaveOptions{})
	require.NoError(t, err)
	res, err := store.SaveEntity(ctx, "demo", "hero",
		map[string]any{"k": "v"}, nil, SaveOptions{ParentPath: "world/missing"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Warnings)

	b, _ := store.Active()
	p := b.Projects["demo"]
	assert.Equal(t, []string{"world", "hero"}, EntityPath(p, "hero"))
}

func TestHierarchyCycleRefused(t *testing.T) {
	store := newTestStore(t)
	ctx := testCtx()
	_, err := store.SaveEntity(ctx, "demo", "a", map[string]any{"k": "v"}, nil, SaveOptions{})
	require.NoError(t, err)
	_, err = store.SaveEntity(ctx, "demo", "b",
		map[string]any{"k": "v"}, nil, SaveOptions{ParentPath: "a"})
	require.NoError(t, err)

	res, err := store.SaveEntity(ctx, "demo", "a",
		map[string]any{"k": "v2"}, nil, SaveOptions{ParentPath: "a/b"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Warnings)

	b, _ := store.Active()
	p := b.Projects["demo"]
	assert.Equal(t, "", p.Hierarchy.parentOf("a"))
}

func TestArchiveAndRestoreProject(t *testing.T) {
	store := newTestStore(t)
	ctx := testCtx()
	_, err := store.SaveEntity(ctx, "demo", "hero", map[string]any{"v": int64(1)}, nil, SaveOptions{})
	require.NoError(t, err)

	_, err = store.ArchiveProject(ctx, "demo")
	require.NoError(t, err)
	b, _ := store.Active()
	e := b.Projects["demo"].Entities["hero"]
	assert.Equal(t, StatusInactive, e.Status)
	assert.Equal(t, StatusInactive, e.Versions["1"].Status)

	_, warnings, err := store.RestoreProject(ctx, "demo", RestoreProjectOptions{ReactivateEntities: true})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	b, _ = store.Active()
	e = b.Projects["demo"].Entities["hero"]
	assert.Equal(t, StatusActive, e.Status)
	assert.Equal(t, "1", e.ActiveVersion)
}

func TestRestoreProjectPrefersLastActiveVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := testCtx()
	_, err := store.SaveEntity(ctx, "demo", "hero", map[string]any{"v": int64(1)}, nil, SaveOptions{})
	require.NoError(t, err)
	_, err = store.SaveEntity(ctx, "demo", "hero", map[string]any{"v": int64(2)}, nil, SaveOptions{})
	require.NoError(t, err)
	_, err = store.RestoreEntityVersion(ctx, "demo", "hero", "@1")
	require.NoError(t, err)

	_, err = store.ArchiveProject(ctx, "demo")
	require.NoError(t, err)
	_, warnings, err := store.RestoreProject(ctx, "demo", RestoreProjectOptions{ReactivateEntities: true})
	require.NoError(t, err)
	assert.Empty(t, warnings)

	b, _ := store.Active()
	e := b.Projects["demo"].Entities["hero"]
	assert.Equal(t, "1", e.ActiveVersion)
	assert.Equal(t, StatusActive, e.Versions["1"].Status)
	assert.Equal(t, StatusInactive, e.Versions["2"].Status)
}

func TestPurgeInactiveVersions(t *testing.T) {
	store := newTestStore(t)
	ctx := testCtx()
	for i := 1; i <= 5; i++ {
		_, err := store.SaveEntity(ctx, "demo", "hero",
			map[string]any{"v": int64(i)}, nil, SaveOptions{})
		require.NoError(t, err)
	}

	plan, err := store.PurgeInactiveEntityVersions(ctx, "demo", "hero", 1, true)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.ElementsMatch(t, []string{"1", "2", "3"}, plan[0].Removed)

	// Dry run must not mutate.
	b, _ := store.Active()
	assert.Len(t, b.Projects["demo"].Entities["hero"].Versions, 5)

	_, err = store.PurgeInactiveEntityVersions(ctx, "demo", "hero", 1, false)
	require.NoError(t, err)
	b, _ = store.Active()
	e := b.Projects["demo"].Entities["hero"]
	assert.Len(t, e.Versions, 2)
	assert.Equal(t, "5", e.ActiveVersion)
	assert.Len(t, b.Commits, 2)
}

func TestCompactRebuildsCommits(t *testing.T) {
	store := newTestStore(t)
	ctx := testCtx()
	_, err := store.SaveEntity(ctx, "demo", "hero", map[string]any{"v": int64(1)}, nil, SaveOptions{})
	require.NoError(t, err)

	require.NoError(t, store.MutateActive(func(b *Brain) error {
		b.Commits["bogus"] = &CommitEntry{Project: "demo", Entity: "ghost", Version: "9"}
		return nil
	}))

	report, err := store.CompactBrain(ctx, "", false)
	require.NoError(t, err)
	assert.Equal(t, 1, report["commits_after"])

	b, _ := store.Active()
	_, ok := b.Commits["bogus"]
	assert.False(t, ok)
	for _, entry := range b.Commits {
		v := b.Projects[entry.Project].Entities[entry.Entity].Versions[entry.Version]
		require.NotNil(t, v)
	}
}

func TestRepairFixesActivePointer(t *testing.T) {
	store := newTestStore(t)
	ctx := testCtx()
	_, err := store.SaveEntity(ctx, "demo", "hero", map[string]any{"v": int64(1)}, nil, SaveOptions{})
	require.NoError(t, err)
	_, err = store.SaveEntity(ctx, "demo", "hero", map[string]any{"v": int64(2)}, nil, SaveOptions{})
	require.NoError(t, err)

	require.NoError(t, store.MutateActive(func(b *Brain) error {
		e := b.Projects["demo"].Entities["hero"]
		e.ActiveVersion = "99"
		e.Versions["1"].Status = StatusActive
		e.Versions["2"].Status = StatusActive
		return nil
	}))

	_, err = store.RepairBrain(ctx, "", false)
	require.NoError(t, err)

	b, _ := store.Active()
	e := b.Projects["demo"].Entities["hero"]
	actives := 0
	for _, v := range e.Versions {
		if v.Status == StatusActive {
			actives++
		}
	}
	assert.Equal(t, 1, actives)
	assert.Equal(t, StatusActive, e.Versions[e.ActiveVersion].Status)
}

func TestBrainLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := testCtx()

	_, err := store.CreateBrain(ctx, "research", false)
	require.NoError(t, err)
	brains, err := store.ListBrains(ctx)
	require.NoError(t, err)
	slugs := map[string]bool{}
	for _, bi := range brains {
		slugs[bi.Slug] = true
	}
	assert.True(t, slugs["system"])
	assert.True(t, slugs["default"])
	assert.True(t, slugs["research"])

	require.NoError(t, store.SetActiveBrain(ctx, "research"))
	active, err := store.ActiveSlug()
	require.NoError(t, err)
	assert.Equal(t, "research", active)

	err = store.DeleteBrain(ctx, "research")
	assert.True(t, fault.IsKind(err, fault.InvalidParameter))

	require.NoError(t, store.SetActiveBrain(ctx, "default"))
	require.NoError(t, store.DeleteBrain(ctx, "research"))
}

func TestBackupAndRestoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := testCtx()
	_, err := store.SaveEntity(ctx, "demo", "hero", map[string]any{"v": int64(1)}, nil, SaveOptions{})
	require.NoError(t, err)

	backup, err := store.BackupBrain(ctx, "", "nightly", true)
	require.NoError(t, err)
	assert.True(t, backup.Compressed)
	assert.Contains(t, backup.Path, "default--nightly-")

	list, err := store.ListBackups(ctx, "default")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "nightly", list[0].Label)

	restored, err := store.RestoreBrain(ctx, backup.Path, "copy", false, false)
	require.NoError(t, err)
	assert.Equal(t, "copy", restored.Slug)

	copied, err := store.UserBrain("copy")
	require.NoError(t, err)
	assert.Contains(t, copied.Projects, "demo")
}

func TestLifecycleEventNames(t *testing.T) {
	locator := paths.NewLocator(t.TempDir())
	require.NoError(t, locator.EnsureDefaultDirectories())
	bus := events.NewBus(nil)
	store := NewStore(locator, atomicfile.NewWriter(bus, nil), bus, nil)
	_, err := store.EnsureSystemBrain(nil)
	require.NoError(t, err)
	_, err = store.EnsureActiveBrain()
	require.NoError(t, err)
	ctx := testCtx()

	var backupEvents, cleanupEvents []string
	bus.Subscribe("brain.backup.**", func(ev events.Event) {
		backupEvents = append(backupEvents, ev.Name)
	})
	bus.Subscribe("brain.entity.cleanup", func(ev events.Event) {
		cleanupEvents = append(cleanupEvents, ev.Name)
	})

	for i := 1; i <= 3; i++ {
		_, err = store.SaveEntity(ctx, "demo", "hero", map[string]any{"v": int64(i)}, nil, SaveOptions{})
		require.NoError(t, err)
	}
	backup, err := store.BackupBrain(ctx, "", "nightly", false)
	require.NoError(t, err)
	_, err = store.RestoreBrain(ctx, backup.Path, "copy", false, false)
	require.NoError(t, err)
	assert.Contains(t, backupEvents, "brain.backup.restored")

	_, err = store.PurgeInactiveEntityVersions(ctx, "demo", "hero", 1, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"brain.entity.cleanup"}, cleanupEvents)
}

func TestSchedulerTaskLifecycleAndLogCap(t *testing.T) {
	store := newTestStore(t)
	ctx := testCtx()

	_, err := store.AddTask(ctx, "nightly-backup", "brain backup --compress")
	require.NoError(t, err)
	_, err = store.AddTask(ctx, "nightly-backup", "anything")
	assert.True(t, fault.IsKind(err, fault.InvalidParameter))

	for i := 0; i < SchedulerLogCap+5; i++ {
		err := store.RecordRun(ctx, RunEntry{
			DurationMS: int64(i),
			Results: []TaskResult{{
				Slug: "nightly-backup", Command: "brain backup --compress",
				Status: "ok", Message: "done",
			}},
		})
		require.NoError(t, err)
	}

	log, err := store.RunLog(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, log, SchedulerLogCap)

	tasks, err := store.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "ok", tasks[0].LastStatus)

	require.NoError(t, store.RemoveTask(ctx, "nightly-backup"))
	tasks, _ = store.ListTasks(ctx)
	assert.Empty(t, tasks)
}

func TestConfigRoundTrip(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SetConfig("hierarchy.max_depth", int64(3)))
	assert.Equal(t, int64(3), store.ConfigInt("hierarchy.max_depth", 10))
	assert.Equal(t, "info", store.ConfigString("log_level", "debug"))
	assert.True(t, store.ConfigBool("cache.active", false))
}

func TestPersistSurvivesReload(t *testing.T) {
	store := newTestStore(t)
	ctx := testCtx()
	res, err := store.SaveEntity(ctx, "demo", "hero",
		map[string]any{"name": "Aria"}, nil, SaveOptions{})
	require.NoError(t, err)

	store.InvalidateAll()
	b, err := store.Active()
	require.NoError(t, err)
	e := b.Projects["demo"].Entities["hero"]
	assert.Equal(t, res.Hash, e.Versions["1"].Hash)
	assert.Equal(t, map[string]any{"name": "Aria"}, e.Versions["1"].Payload)
}
