package brain

import (
	"context"
	"sort"

	"github.com/aaviondb/aaviondb/internal/fault"
)

// PurgePlanEntry lists the versions that purging removes (or would
// remove) for one entity.
type PurgePlanEntry struct {
	Project  string   `json:"project"`
	Entity   string   `json:"entity"`
	Removed  []string `json:"removed"`
	Retained int      `json:"retained"`
}

// PurgeInactiveEntityVersions keeps, per entity, the active version plus
// the keep newest versions by number and deletes the rest along with
// their commit-index entries. projectSlug narrows the sweep ("" means
// every project); entitySlug narrows it to one entity. With dryRun the
// plan is computed without mutating anything.
func (s *Store) PurgeInactiveEntityVersions(ctx context.Context, projectSlug, entitySlug string, keep int, dryRun bool) ([]PurgePlanEntry, error) {
	if keep < 0 {
		return nil, fault.New(fault.InvalidParameter, "keep must be >= 0, got %d", keep)
	}
	if err := s.assertMaintenance(ctx, projectSlug); err != nil {
		return nil, err
	}

	plan := func(b *Brain) ([]PurgePlanEntry, error) {
		projects, err := selectProjects(b, projectSlug)
		if err != nil {
			return nil, err
		}
		var out []PurgePlanEntry
		for _, projSlug := range projects {
			p := b.Projects[projSlug]
			for _, entSlug := range sortedEntitySlugs(p) {
				if entitySlug != "" && entSlug != entitySlug {
					continue
				}
				e := p.Entities[entSlug]
				removed := purgeCandidates(e, keep)
				if len(removed) == 0 {
					continue
				}
				out = append(out, PurgePlanEntry{
					Project:  projSlug,
					Entity:   entSlug,
					Removed:  removed,
					Retained: len(e.Versions) - len(removed),
				})
			}
		}
		return out, nil
	}

	if dryRun {
		b, err := s.Active()
		if err != nil {
			return nil, err
		}
		return plan(b)
	}

	var result []PurgePlanEntry
	err := s.MutateActive(func(b *Brain) error {
		var err error
		result, err = plan(b)
		if err != nil {
			return err
		}
		ts := s.timestamp()
		for _, entry := range result {
			e := b.Projects[entry.Project].Entities[entry.Entity]
			for _, key := range entry.Removed {
				if record, ok := e.Versions[key]; ok {
					delete(b.Commits, record.Commit)
					delete(e.Versions, key)
				}
			}
			e.UpdatedAt = ts
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit("brain.entity.cleanup", map[string]any{"entries": len(result), "keep": keep})
	return result, nil
}

// purgeCandidates returns version keys to delete: everything except the
// active version and the keep newest by number.
func purgeCandidates(e *Entity, keep int) []string {
	keys := make([]string, 0, len(e.Versions))
	for k := range e.Versions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, _ := parseVersionKey(keys[i])
		b, _ := parseVersionKey(keys[j])
		return a > b
	})
	var removed []string
	retained := 0
	for _, k := range keys {
		if k == e.ActiveVersion {
			continue
		}
		if retained < keep {
			retained++
			continue
		}
		removed = append(removed, k)
	}
	return removed
}

// CompactBrain rebuilds the commits-index subset for the selected
// projects exactly from the surviving version records. With dryRun it
// reports the delta without writing.
func (s *Store) CompactBrain(ctx context.Context, projectSlug string, dryRun bool) (map[string]any, error) {
	if err := s.assertMaintenance(ctx, projectSlug); err != nil {
		return nil, err
	}

	compact := func(b *Brain) (map[string]any, error) {
		projects, err := selectProjects(b, projectSlug)
		if err != nil {
			return nil, err
		}
		selected := map[string]bool{}
		for _, slug := range projects {
			selected[slug] = true
		}
		before := 0
		rebuilt := map[string]*CommitEntry{}
		for hash, entry := range b.Commits {
			if !selected[entry.Project] {
				rebuilt[hash] = entry
			} else {
				before++
			}
		}
		after := 0
		for _, projSlug := range projects {
			p := b.Projects[projSlug]
			for entSlug, e := range p.Entities {
				for key, v := range e.Versions {
					rebuilt[v.Commit] = &CommitEntry{
						Project:           projSlug,
						Entity:            entSlug,
						Version:           key,
						Hash:              v.Hash,
						Timestamp:         v.CommittedAt,
						Merge:             v.Merge,
						Fieldset:          e.Fieldset,
						FieldsetVersion:   v.FieldsetVersion,
						SourceReference:   v.SourceReference,
						FieldsetReference: v.FieldsetReference,
					}
					after++
				}
			}
		}
		if !dryRun {
			b.Commits = rebuilt
		}
		return map[string]any{"commits_before": before, "commits_after": after}, nil
	}

	if dryRun {
		b, err := s.Active()
		if err != nil {
			return nil, err
		}
		return compact(b)
	}

	var report map[string]any
	err := s.MutateActive(func(b *Brain) error {
		var err error
		report, err = compact(b)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit("brain.compacted", report)
	return report, nil
}

// RepairBrain normalizes every entity of the selected projects: a valid
// active-version pointer, single-active-version status flags, filled
// timestamps, and an entity status that matches whether an active
// version exists. With dryRun the fix count is reported without writing.
func (s *Store) RepairBrain(ctx context.Context, projectSlug string, dryRun bool) (map[string]any, error) {
	if err := s.assertMaintenance(ctx, projectSlug); err != nil {
		return nil, err
	}

	repair := func(b *Brain) (map[string]any, error) {
		projects, err := selectProjects(b, projectSlug)
		if err != nil {
			return nil, err
		}
		fixes := 0
		entities := 0
		ts := s.timestamp()
		for _, projSlug := range projects {
			p := b.Projects[projSlug]
			if p.Hierarchy == nil {
				p.Hierarchy = NewHierarchy()
				fixes++
			}
			if p.CreatedAt == "" {
				p.CreatedAt = ts
				fixes++
			}
			if p.UpdatedAt == "" {
				p.UpdatedAt = p.CreatedAt
				fixes++
			}
			for _, e := range p.Entities {
				entities++
				fixes += repairEntity(e, ts, p.Status == StatusArchived)
			}
		}
		return map[string]any{"entities": entities, "fixes": fixes}, nil
	}

	if dryRun {
		b, err := s.Active()
		if err != nil {
			return nil, err
		}
		return repair(b)
	}

	var report map[string]any
	err := s.MutateActive(func(b *Brain) error {
		var err error
		report, err = repair(b)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit("brain.repaired", report)
	return report, nil
}

func repairEntity(e *Entity, ts string, projectArchived bool) int {
	fixes := 0
	if e.Versions == nil {
		e.Versions = map[string]*VersionRecord{}
		fixes++
	}
	if e.CreatedAt == "" {
		e.CreatedAt = ts
		fixes++
	}
	if e.UpdatedAt == "" {
		e.UpdatedAt = e.CreatedAt
		fixes++
	}
	for _, v := range e.Versions {
		if v.CommittedAt == "" {
			v.CommittedAt = e.UpdatedAt
			fixes++
		}
	}

	if len(e.Versions) == 0 {
		if e.ActiveVersion != "" || e.Status == StatusActive {
			e.ActiveVersion = ""
			e.Status = StatusInactive
			fixes++
		}
		return fixes
	}

	// Archived projects keep their entities dormant with active_version
	// preserved for restore; only a dangling pointer is worth fixing.
	if projectArchived {
		if _, ok := e.Versions[e.ActiveVersion]; e.ActiveVersion != "" && !ok {
			e.ActiveVersion = ""
			fixes++
		}
		return fixes
	}

	active := e.ActiveVersion
	if _, ok := e.Versions[active]; !ok {
		active = ""
	}
	if active == "" {
		for key, v := range e.Versions {
			if v.Status == StatusActive {
				active = key
				break
			}
		}
	}
	if active == "" {
		active = newestVersionKey(e)
	}

	changed := e.ActiveVersion != active
	for key, v := range e.Versions {
		want := StatusInactive
		if key == active {
			want = StatusActive
		}
		if v.Status != want {
			v.Status = want
			changed = true
		}
	}
	e.ActiveVersion = active
	if e.Status != StatusActive && e.Status != StatusArchived {
		e.Status = StatusActive
		changed = true
	}
	if changed {
		fixes++
	}
	return fixes
}

// assertMaintenance requires write access to the named project, or to
// every project when none is named.
func (s *Store) assertMaintenance(ctx context.Context, projectSlug string) error {
	if projectSlug == "" {
		return s.assertWrite(ctx, "*")
	}
	return s.assertWrite(ctx, projectSlug)
}

// selectProjects resolves the project filter to sorted slugs.
func selectProjects(b *Brain, projectSlug string) ([]string, error) {
	if projectSlug == "" {
		out := make([]string, 0, len(b.Projects))
		for slug := range b.Projects {
			out = append(out, slug)
		}
		sort.Strings(out)
		return out, nil
	}
	if _, ok := b.Projects[projectSlug]; !ok {
		return nil, fault.New(fault.NotFound, "project %q not found", projectSlug)
	}
	return []string{projectSlug}, nil
}

func sortedEntitySlugs(p *Project) []string {
	out := make([]string, 0, len(p.Entities))
	for slug := range p.Entities {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}
