package brain

import (
	"context"
	"fmt"
	"sort"

	"github.com/aaviondb/aaviondb/internal/canonical"
	"github.com/aaviondb/aaviondb/internal/fault"
	"github.com/aaviondb/aaviondb/internal/paths"
	"github.com/aaviondb/aaviondb/internal/schema"
	"github.com/aaviondb/aaviondb/internal/shortcode"
)

// SaveOptions controls SaveEntity. Merge defaults to true; a Replace
// save passes Merge=false. FieldsetProvided distinguishes "no fieldset
// option given" from "explicitly detach" (Fieldset empty).
type SaveOptions struct {
	Merge             *bool
	SourceReference   string
	Fieldset          string
	FieldsetProvided  bool
	FieldsetReference string
	ParentPath        string
}

// SaveResult reports a completed save.
type SaveResult struct {
	Project         string   `json:"project"`
	Entity          string   `json:"entity"`
	Version         string   `json:"version"`
	Hash            string   `json:"hash"`
	Commit          string   `json:"commit"`
	Merge           bool     `json:"merge"`
	Fieldset        string   `json:"fieldset,omitempty"`
	FieldsetVersion string   `json:"fieldset_version,omitempty"`
	Payload         any      `json:"payload"`
	Warnings        []string `json:"warnings,omitempty"`
}

// newestVersionKey returns the highest-numbered version key, "" if none.
func newestVersionKey(e *Entity) string {
	var best int64
	var bestKey string
	for key := range e.Versions {
		if n, ok := parseVersionKey(key); ok && n > best {
			best = n
			bestKey = key
		}
	}
	return bestKey
}

// activateVersion marks key active and every other version inactive,
// aligning the entity's active_version pointer.
func activateVersion(e *Entity, key string) {
	for k, v := range e.Versions {
		if k == key {
			v.Status = StatusActive
		} else {
			v.Status = StatusInactive
		}
	}
	e.ActiveVersion = key
}

// nextVersion allocates the next integer version for e (max + 1).
func nextVersion(e *Entity) int64 {
	var max int64
	for key := range e.Versions {
		if n, ok := parseVersionKey(key); ok && n > max {
			max = n
		}
	}
	return max + 1
}

// SaveEntity runs the canonical save algorithm: scope check, slug
// normalization, stub creation, optional reparenting, merge, fieldset
// validation, resolver-tail stripping, hashing, version allocation, and
// atomic persistence.
func (s *Store) SaveEntity(ctx context.Context, projectSlug, entitySlug string, payload any, meta map[string]any, opts SaveOptions) (*SaveResult, error) {
	proj, err := normalizeProjectSlug(projectSlug)
	if err != nil {
		return nil, err
	}
	ent, err := normalizeEntitySlug(entitySlug)
	if err != nil {
		return nil, err
	}
	if err := s.assertWrite(ctx, proj); err != nil {
		return nil, err
	}

	normPayload, err := canonical.Normalize(payload)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidJSON, err, "payload: %v", err)
	}
	if meta == nil {
		meta = map[string]any{}
	}
	normMetaAny, err := canonical.Normalize(meta)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidJSON, err, "meta: %v", err)
	}
	normMeta := normMetaAny.(map[string]any)

	mergeMode := true
	if opts.Merge != nil {
		mergeMode = *opts.Merge
	}

	var result SaveResult
	err = s.MutateActive(func(b *Brain) error {
		p := s.ensureProject(b, proj)
		ts := s.timestamp()

		e, ok := p.Entities[ent]
		if !ok {
			e = &Entity{
				Slug:      ent,
				Status:    StatusActive,
				CreatedAt: ts,
				UpdatedAt: ts,
				Versions:  map[string]*VersionRecord{},
			}
			p.Entities[ent] = e
		}

		// Reparent when a parent path was requested.
		if opts.ParentPath != "" {
			warnings, err := s.reparent(p, ent, opts.ParentPath)
			if err != nil {
				return err
			}
			result.Warnings = append(result.Warnings, warnings...)
		}

		// Choose the merge source.
		var source any
		if opts.SourceReference != "" {
			key, err := ResolveVersionKey(b, proj, ent, opts.SourceReference)
			if err != nil {
				return fault.Wrap(fault.InvalidReference, err,
					"merge source %q: %v", opts.SourceReference, err)
			}
			source = e.Versions[key].Payload
		} else if e.ActiveVersion != "" {
			if v, ok := e.Versions[e.ActiveVersion]; ok {
				source = v.Payload
			}
		}

		merged := normPayload
		if mergeMode {
			merged = MergePayloads(source, normPayload)
		}

		// Fieldset handling.
		fieldsetVersion := ""
		if proj == FieldsetsProject {
			if err := schema.AssertValidSchema(merged); err != nil {
				return err
			}
			e.Fieldset = ""
			e.FieldsetVersion = ""
		} else {
			fieldsetSlug := e.Fieldset
			if opts.FieldsetProvided {
				fieldsetSlug = opts.Fieldset
			}
			if fieldsetSlug != "" {
				def, defVersion, err := s.fieldsetDefinition(b, fieldsetSlug, opts.FieldsetReference, e.FieldsetVersion)
				if err != nil {
					return err
				}
				validated, err := schema.Apply(merged, def, schema.Context{
					"project": proj,
					"entity":  ent,
				})
				if err != nil {
					return err
				}
				merged = validated
				fieldsetVersion = defVersion
			}
			e.Fieldset = fieldsetSlug
			e.FieldsetVersion = fieldsetVersion
		}

		// Canonical payloads carry shortcode instructions only.
		merged = shortcode.StripPayload(merged)

		hash, err := canonical.Hash(merged)
		if err != nil {
			return fault.Wrap(fault.InvalidJSON, err, "hashing payload: %v", err)
		}

		version := nextVersion(e)
		key := versionKey(version)

		descriptor := map[string]any{
			"project":   proj,
			"entity":    ent,
			"version":   version,
			"hash":      hash,
			"payload":   merged,
			"meta":      normMeta,
			"timestamp": ts,
			"merge":     mergeMode,
			"fieldset":  e.Fieldset,
		}
		if fieldsetVersion != "" {
			descriptor["fieldset_version"] = fieldsetVersion
		}
		if opts.SourceReference != "" {
			descriptor["source_reference"] = opts.SourceReference
		}
		if opts.FieldsetReference != "" {
			descriptor["fieldset_reference"] = opts.FieldsetReference
		}
		commit, err := canonical.Hash(descriptor)
		if err != nil {
			return fault.Wrap(fault.InvalidJSON, err, "hashing commit descriptor: %v", err)
		}

		if e.ActiveVersion != "" {
			if prev, ok := e.Versions[e.ActiveVersion]; ok {
				prev.Status = StatusInactive
			}
		}
		e.Versions[key] = &VersionRecord{
			Version:           version,
			Hash:              hash,
			Commit:            commit,
			CommittedAt:       ts,
			Status:            StatusActive,
			Payload:           merged,
			Meta:              normMeta,
			Merge:             mergeMode,
			FieldsetVersion:   fieldsetVersion,
			SourceReference:   opts.SourceReference,
			FieldsetReference: opts.FieldsetReference,
		}
		e.ActiveVersion = key
		e.Status = StatusActive
		e.UpdatedAt = ts
		p.UpdatedAt = ts

		b.Commits[commit] = &CommitEntry{
			Project:           proj,
			Entity:            ent,
			Version:           key,
			Hash:              hash,
			Timestamp:         ts,
			Merge:             mergeMode,
			Fieldset:          e.Fieldset,
			FieldsetVersion:   fieldsetVersion,
			SourceReference:   opts.SourceReference,
			FieldsetReference: opts.FieldsetReference,
		}

		result.Project = proj
		result.Entity = ent
		result.Version = key
		result.Hash = hash
		result.Commit = commit
		result.Merge = mergeMode
		result.Fieldset = e.Fieldset
		result.FieldsetVersion = fieldsetVersion
		result.Payload = merged
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit("brain.entity.saved", map[string]any{
		"project":  result.Project,
		"entity":   result.Entity,
		"version":  result.Version,
		"commit":   result.Commit,
		"merge":    result.Merge,
		"fieldset": result.Fieldset,
	})
	return &result, nil
}

// reparent resolves a parent path under hierarchy rules and reassigns
// the entity's parent. Cycles warn and are refused; missing segments
// warn and clamp.
func (s *Store) reparent(p *Project, entitySlug, parentPath string) ([]string, error) {
	maxDepth := int(s.ConfigInt("hierarchy.max_depth", DefaultHierarchyMaxDepth))
	segments := ParseParentPath(parentPath)
	parent, warnings := resolveParentPath(p, segments, maxDepth)
	if parent == "" {
		p.Hierarchy.removeParent(entitySlug)
		return warnings, nil
	}
	if err := p.Hierarchy.setParent(entitySlug, parent); err != nil {
		warnings = append(warnings, err.Error())
		return warnings, nil
	}
	return warnings, nil
}

// fieldsetDefinition loads the schema payload for a fieldset binding.
// Preference order for the version: explicit reference, the entity's
// stored binding, then the fieldset's active version.
func (s *Store) fieldsetDefinition(b *Brain, fieldsetSlug, reference, storedVersion string) (map[string]any, string, error) {
	fp, ok := b.Projects[FieldsetsProject]
	if !ok {
		return nil, "", fault.New(fault.NotFound, "fieldset %q not found: no fieldsets project", fieldsetSlug)
	}
	fe, ok := fp.Entities[fieldsetSlug]
	if !ok {
		return nil, "", fault.New(fault.NotFound, "fieldset %q not found", fieldsetSlug)
	}

	selector := reference
	if selector == "" && storedVersion != "" {
		selector = "@" + storedVersion
	}
	key, err := ResolveVersionKey(b, FieldsetsProject, fieldsetSlug, selector)
	if err != nil {
		return nil, "", err
	}
	record := fe.Versions[key]
	def, ok := record.Payload.(map[string]any)
	if !ok {
		return nil, "", fault.New(fault.SchemaValidation, "fieldset %q version %s is not a schema object", fieldsetSlug, key)
	}
	return def, key, nil
}

func normalizeEntitySlug(slug string) (string, error) {
	norm := paths.SanitizeSlugStrict(slug)
	if norm == "" {
		return "", fault.New(fault.InvalidSlug, "entity slug %q is empty after normalization", slug)
	}
	return norm, nil
}

// EntitySummary is the list shape for one entity.
type EntitySummary struct {
	Slug          string   `json:"slug"`
	Status        string   `json:"status"`
	ActiveVersion string   `json:"active_version,omitempty"`
	Versions      int      `json:"versions"`
	Fieldset      string   `json:"fieldset,omitempty"`
	Path          []string `json:"path"`
	UpdatedAt     string   `json:"updated_at"`
}

// ListEntities lists the entities of a project, optionally restricted to
// the subtree under pathSegments.
func (s *Store) ListEntities(ctx context.Context, projectSlug string, pathSegments []string) ([]EntitySummary, error) {
	proj, err := normalizeProjectSlug(projectSlug)
	if err != nil {
		return nil, err
	}
	if err := s.assertRead(ctx, proj); err != nil {
		return nil, err
	}
	b, err := s.Active()
	if err != nil {
		return nil, err
	}
	p, ok := b.Projects[proj]
	if !ok {
		return nil, fault.New(fault.NotFound, "project %q not found", proj)
	}

	include := func(slug string) bool { return true }
	if len(pathSegments) > 0 {
		root := pathSegments[len(pathSegments)-1]
		include = func(slug string) bool {
			return p.Hierarchy.isDescendant(root, slug)
		}
	}

	var out []EntitySummary
	for slug, e := range p.Entities {
		if !include(slug) {
			continue
		}
		out = append(out, EntitySummary{
			Slug:          e.Slug,
			Status:        e.Status,
			ActiveVersion: e.ActiveVersion,
			Versions:      len(e.Versions),
			Fieldset:      e.Fieldset,
			Path:          EntityPath(p, slug),
			UpdatedAt:     e.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// ListEntityVersions returns the version records of one entity in
// ascending version order.
func (s *Store) ListEntityVersions(ctx context.Context, projectSlug, entitySlug string) ([]*VersionRecord, error) {
	proj, err := normalizeProjectSlug(projectSlug)
	if err != nil {
		return nil, err
	}
	if err := s.assertRead(ctx, proj); err != nil {
		return nil, err
	}
	b, err := s.Active()
	if err != nil {
		return nil, err
	}
	e, err := findEntity(b, proj, entitySlug)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(e.Versions))
	for k := range e.Versions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, _ := parseVersionKey(keys[i])
		bb, _ := parseVersionKey(keys[j])
		return a < bb
	})
	out := make([]*VersionRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, e.Versions[k])
	}
	return out, nil
}

// ListProjectCommits lists the commit-index entries of a project,
// optionally restricted to one entity, newest first.
func (s *Store) ListProjectCommits(ctx context.Context, projectSlug, entitySlug string) ([]*CommitEntry, error) {
	proj, err := normalizeProjectSlug(projectSlug)
	if err != nil {
		return nil, err
	}
	if err := s.assertRead(ctx, proj); err != nil {
		return nil, err
	}
	b, err := s.Active()
	if err != nil {
		return nil, err
	}
	if _, ok := b.Projects[proj]; !ok {
		return nil, fault.New(fault.NotFound, "project %q not found", proj)
	}
	var out []*CommitEntry
	for _, entry := range b.Commits {
		if entry.Project != proj {
			continue
		}
		if entitySlug != "" && entry.Entity != entitySlug {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

// GetEntityVersion resolves a selector and returns the entity plus the
// selected record.
func (s *Store) GetEntityVersion(ctx context.Context, projectSlug, entitySlug, selector string) (*Entity, *VersionRecord, error) {
	proj, err := normalizeProjectSlug(projectSlug)
	if err != nil {
		return nil, nil, err
	}
	if err := s.assertRead(ctx, proj); err != nil {
		return nil, nil, err
	}
	b, err := s.Active()
	if err != nil {
		return nil, nil, err
	}
	e, err := findEntity(b, proj, entitySlug)
	if err != nil {
		return nil, nil, err
	}
	key, err := ResolveVersionKey(b, proj, entitySlug, selector)
	if err != nil {
		return nil, nil, err
	}
	return e, e.Versions[key], nil
}

// EntityReport summarizes one entity.
func (s *Store) EntityReport(ctx context.Context, projectSlug, entitySlug string) (map[string]any, error) {
	proj, err := normalizeProjectSlug(projectSlug)
	if err != nil {
		return nil, err
	}
	if err := s.assertRead(ctx, proj); err != nil {
		return nil, err
	}
	b, err := s.Active()
	if err != nil {
		return nil, err
	}
	p := b.Projects[proj]
	e, err := findEntity(b, proj, entitySlug)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"slug":           e.Slug,
		"project":        proj,
		"status":         e.Status,
		"active_version": e.ActiveVersion,
		"versions":       len(e.Versions),
		"fieldset":       e.Fieldset,
		"path":           EntityPath(p, e.Slug),
		"created_at":     e.CreatedAt,
		"updated_at":     e.UpdatedAt,
	}, nil
}

func findEntity(b *Brain, projectSlug, entitySlug string) (*Entity, error) {
	p, ok := b.Projects[projectSlug]
	if !ok {
		return nil, fault.New(fault.NotFound, "project %q not found", projectSlug)
	}
	e, ok := p.Entities[entitySlug]
	if !ok {
		return nil, fault.New(fault.NotFound, "entity %q not found in project %q", entitySlug, projectSlug)
	}
	return e, nil
}

// ArchiveEntity marks an entity archived and deactivates its versions.
func (s *Store) ArchiveEntity(ctx context.Context, projectSlug, entitySlug string) error {
	proj, err := normalizeProjectSlug(projectSlug)
	if err != nil {
		return err
	}
	if err := s.assertWrite(ctx, proj); err != nil {
		return err
	}
	err = s.MutateActive(func(b *Brain) error {
		e, err := findEntity(b, proj, entitySlug)
		if err != nil {
			return err
		}
		ts := s.timestamp()
		e.Status = StatusArchived
		e.ArchivedAt = ts
		e.UpdatedAt = ts
		for _, v := range e.Versions {
			v.Status = StatusInactive
		}
		e.ActiveVersion = ""
		b.Projects[proj].UpdatedAt = ts
		return nil
	})
	if err != nil {
		return err
	}
	s.emit("brain.entity.archived", map[string]any{"project": proj, "entity": entitySlug})
	return nil
}

// DeactivateEntity sets an entity inactive. Without recursion its
// children are promoted to root; with recursion the whole subtree is
// deactivated.
func (s *Store) DeactivateEntity(ctx context.Context, projectSlug, entitySlug string, recursive bool) ([]string, error) {
	proj, err := normalizeProjectSlug(projectSlug)
	if err != nil {
		return nil, err
	}
	if err := s.assertWrite(ctx, proj); err != nil {
		return nil, err
	}
	var affected []string
	err = s.MutateActive(func(b *Brain) error {
		p, ok := b.Projects[proj]
		if !ok {
			return fault.New(fault.NotFound, "project %q not found", proj)
		}
		if _, err := findEntity(b, proj, entitySlug); err != nil {
			return err
		}
		targets := []string{entitySlug}
		if recursive {
			targets = p.Hierarchy.subtree(entitySlug)
		} else {
			p.Hierarchy.promoteChildren(entitySlug)
		}
		ts := s.timestamp()
		for _, slug := range targets {
			e, ok := p.Entities[slug]
			if !ok {
				continue
			}
			e.Status = StatusInactive
			e.UpdatedAt = ts
			for _, v := range e.Versions {
				v.Status = StatusInactive
			}
			e.ActiveVersion = ""
			affected = append(affected, slug)
		}
		p.UpdatedAt = ts
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit("brain.entity.deactivated", map[string]any{
		"project": proj, "entity": entitySlug, "recursive": recursive,
	})
	return affected, nil
}

// DeleteEntity removes an entity and its commit-index entries. Without
// recursion its children are promoted; with recursion the subtree goes.
func (s *Store) DeleteEntity(ctx context.Context, projectSlug, entitySlug string, purgeCommits, recursive bool) ([]string, error) {
	proj, err := normalizeProjectSlug(projectSlug)
	if err != nil {
		return nil, err
	}
	if err := s.assertWrite(ctx, proj); err != nil {
		return nil, err
	}
	var removed []string
	err = s.MutateActive(func(b *Brain) error {
		p, ok := b.Projects[proj]
		if !ok {
			return fault.New(fault.NotFound, "project %q not found", proj)
		}
		if _, err := findEntity(b, proj, entitySlug); err != nil {
			return err
		}
		targets := []string{entitySlug}
		if recursive {
			targets = p.Hierarchy.subtree(entitySlug)
		} else {
			p.Hierarchy.promoteChildren(entitySlug)
		}
		for _, slug := range targets {
			if _, ok := p.Entities[slug]; !ok {
				continue
			}
			p.Hierarchy.detach(slug)
			delete(p.Entities, slug)
			for hash, entry := range b.Commits {
				if entry.Project == proj && entry.Entity == slug {
					delete(b.Commits, hash)
				}
			}
			removed = append(removed, slug)
		}
		_ = purgeCommits // commit entries always follow their versions
		p.UpdatedAt = s.timestamp()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit("brain.entity.deleted", map[string]any{
		"project": proj, "entity": entitySlug, "recursive": recursive,
	})
	return removed, nil
}

// DeleteEntityVersion removes one version and its commit entry. Removing
// the active version promotes the highest remaining version; removing
// the last version leaves the entity inactive.
func (s *Store) DeleteEntityVersion(ctx context.Context, projectSlug, entitySlug, selector string) (string, error) {
	proj, err := normalizeProjectSlug(projectSlug)
	if err != nil {
		return "", err
	}
	if err := s.assertWrite(ctx, proj); err != nil {
		return "", err
	}
	var removedKey string
	err = s.MutateActive(func(b *Brain) error {
		e, err := findEntity(b, proj, entitySlug)
		if err != nil {
			return err
		}
		key, err := ResolveVersionKey(b, proj, entitySlug, selector)
		if err != nil {
			return err
		}
		record := e.Versions[key]
		wasActive := record.Status == StatusActive || e.ActiveVersion == key
		delete(e.Versions, key)
		delete(b.Commits, record.Commit)
		removedKey = key

		ts := s.timestamp()
		if wasActive {
			next := newestVersionKey(e)
			if next == "" {
				e.ActiveVersion = ""
				e.Status = StatusInactive
			} else {
				activateVersion(e, next)
			}
		}
		e.UpdatedAt = ts
		b.Projects[proj].UpdatedAt = ts
		return nil
	})
	if err != nil {
		return "", err
	}
	s.emit("brain.entity.version.deleted", map[string]any{
		"project": proj, "entity": entitySlug, "version": removedKey,
	})
	return removedKey, nil
}

// RestoreEntityVersion makes the referenced version active and the
// entity itself active again.
func (s *Store) RestoreEntityVersion(ctx context.Context, projectSlug, entitySlug, selector string) (string, error) {
	proj, err := normalizeProjectSlug(projectSlug)
	if err != nil {
		return "", err
	}
	if err := s.assertWrite(ctx, proj); err != nil {
		return "", err
	}
	var restoredKey string
	err = s.MutateActive(func(b *Brain) error {
		e, err := findEntity(b, proj, entitySlug)
		if err != nil {
			return err
		}
		key, err := ResolveVersionKey(b, proj, entitySlug, selector)
		if err != nil {
			return err
		}
		activateVersion(e, key)
		e.Status = StatusActive
		e.ArchivedAt = ""
		ts := s.timestamp()
		e.UpdatedAt = ts
		b.Projects[proj].UpdatedAt = ts
		restoredKey = key
		return nil
	})
	if err != nil {
		return "", err
	}
	s.emit("brain.entity.restored", map[string]any{
		"project": proj, "entity": entitySlug, "version": restoredKey,
	})
	return restoredKey, nil
}

// MoveEntity reassigns an entity's position in the hierarchy. The
// currentPath is advisory (verified when given); targetPath follows the
// same clamp rules as saves.
func (s *Store) MoveEntity(ctx context.Context, projectSlug, entitySlug, currentPath, targetPath string) ([]string, error) {
	proj, err := normalizeProjectSlug(projectSlug)
	if err != nil {
		return nil, err
	}
	if err := s.assertWrite(ctx, proj); err != nil {
		return nil, err
	}
	var warnings []string
	err = s.MutateActive(func(b *Brain) error {
		p, ok := b.Projects[proj]
		if !ok {
			return fault.New(fault.NotFound, "project %q not found", proj)
		}
		if _, err := findEntity(b, proj, entitySlug); err != nil {
			return err
		}
		if currentPath != "" {
			want := ParseParentPath(currentPath)
			got := p.Hierarchy.pathOf(entitySlug)
			// The declared current path must be a suffix-match of the
			// real ancestry (entity excluded).
			if len(got) > 0 {
				got = got[:len(got)-1]
			}
			if !pathsEqual(want, got) {
				warnings = append(warnings, fmt.Sprintf(
					"declared current path %v does not match actual %v", want, got))
			}
		}
		if targetPath == "" {
			p.Hierarchy.removeParent(entitySlug)
		} else {
			ws, err := s.reparent(p, entitySlug, targetPath)
			if err != nil {
				return err
			}
			warnings = append(warnings, ws...)
		}
		p.UpdatedAt = s.timestamp()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit("brain.entity.moved", map[string]any{
		"project": proj, "entity": entitySlug, "target": targetPath,
	})
	return warnings, nil
}

func pathsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
