package brain

import (
	"context"
	"fmt"
	"sort"

	"github.com/aaviondb/aaviondb/internal/fault"
	"github.com/aaviondb/aaviondb/internal/paths"
	"github.com/aaviondb/aaviondb/internal/scope"
)

// ProjectSummary is the list/report shape for one project.
type ProjectSummary struct {
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Entities    int    `json:"entities"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	ArchivedAt  string `json:"archived_at,omitempty"`
}

func (s *Store) assertRead(ctx context.Context, projectSlug string) error {
	sc := scope.FromContext(ctx)
	if !sc.CanRead(projectSlug) {
		return fault.New(fault.ScopeDenied, "scope denies reading project %q", projectSlug)
	}
	return nil
}

func (s *Store) assertWrite(ctx context.Context, projectSlug string) error {
	sc := scope.FromContext(ctx)
	if !sc.CanWrite(projectSlug) {
		return fault.New(fault.ScopeDenied, "scope denies writing project %q", projectSlug)
	}
	return nil
}

// normalizeProjectSlug sanitizes and rejects empty slugs.
func normalizeProjectSlug(slug string) (string, error) {
	norm := paths.SanitizeSlugStrict(slug)
	if norm == "" {
		return "", fault.New(fault.InvalidSlug, "project slug %q is empty after normalization", slug)
	}
	return norm, nil
}

// ListProjects returns summaries for every project the scope may read,
// sorted by slug.
func (s *Store) ListProjects(ctx context.Context) ([]ProjectSummary, error) {
	b, err := s.Active()
	if err != nil {
		return nil, err
	}
	sc := scope.FromContext(ctx)
	var out []ProjectSummary
	for slug, p := range b.Projects {
		if !sc.CanRead(slug) {
			continue
		}
		out = append(out, summarizeProject(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func summarizeProject(p *Project) ProjectSummary {
	return ProjectSummary{
		Slug:        p.Slug,
		Title:       p.Title,
		Description: p.Description,
		Status:      p.Status,
		Entities:    len(p.Entities),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
		ArchivedAt:  p.ArchivedAt,
	}
}

// CreateProject adds a project to the active brain.
func (s *Store) CreateProject(ctx context.Context, slug, title, description string) (*ProjectSummary, error) {
	norm, err := normalizeProjectSlug(slug)
	if err != nil {
		return nil, err
	}
	if err := s.assertWrite(ctx, norm); err != nil {
		return nil, err
	}
	if title == "" {
		title = norm
	}
	var summary ProjectSummary
	err = s.MutateActive(func(b *Brain) error {
		if _, exists := b.Projects[norm]; exists {
			return fault.New(fault.InvalidParameter, "project %q already exists", norm)
		}
		ts := s.timestamp()
		p := &Project{
			Slug:        norm,
			Title:       title,
			Description: description,
			Status:      StatusActive,
			CreatedAt:   ts,
			UpdatedAt:   ts,
			Entities:    map[string]*Entity{},
			Hierarchy:   NewHierarchy(),
		}
		b.Projects[norm] = p
		summary = summarizeProject(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit("brain.project.created", map[string]any{"project": norm})
	return &summary, nil
}

// ensureProject creates a project stub when saves target a project that
// does not exist yet. Caller holds the brain lock.
func (s *Store) ensureProject(b *Brain, slug string) *Project {
	if p, ok := b.Projects[slug]; ok {
		return p
	}
	ts := s.timestamp()
	p := &Project{
		Slug:      slug,
		Title:     slug,
		Status:    StatusActive,
		CreatedAt: ts,
		UpdatedAt: ts,
		Entities:  map[string]*Entity{},
		Hierarchy: NewHierarchy(),
	}
	b.Projects[slug] = p
	return p
}

// UpdateProjectMetadata updates title and/or description. Empty values
// leave the current field untouched.
func (s *Store) UpdateProjectMetadata(ctx context.Context, slug, title, description string) (*ProjectSummary, error) {
	norm, err := normalizeProjectSlug(slug)
	if err != nil {
		return nil, err
	}
	if err := s.assertWrite(ctx, norm); err != nil {
		return nil, err
	}
	var summary ProjectSummary
	err = s.MutateActive(func(b *Brain) error {
		p, ok := b.Projects[norm]
		if !ok {
			return fault.New(fault.NotFound, "project %q not found", norm)
		}
		if title != "" {
			p.Title = title
		}
		if description != "" {
			p.Description = description
		}
		p.UpdatedAt = s.timestamp()
		summary = summarizeProject(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit("brain.project.updated", map[string]any{"project": norm})
	return &summary, nil
}

// ArchiveProject flips the project to archived and deactivates all its
// entities.
func (s *Store) ArchiveProject(ctx context.Context, slug string) (*ProjectSummary, error) {
	norm, err := normalizeProjectSlug(slug)
	if err != nil {
		return nil, err
	}
	if err := s.assertWrite(ctx, norm); err != nil {
		return nil, err
	}
	var summary ProjectSummary
	err = s.MutateActive(func(b *Brain) error {
		p, ok := b.Projects[norm]
		if !ok {
			return fault.New(fault.NotFound, "project %q not found", norm)
		}
		ts := s.timestamp()
		p.Status = StatusArchived
		p.ArchivedAt = ts
		p.UpdatedAt = ts
		for _, e := range p.Entities {
			if e.Status == StatusActive {
				e.Status = StatusInactive
				e.UpdatedAt = ts
			}
			for _, v := range e.Versions {
				v.Status = StatusInactive
			}
			// active_version survives archival so restore can put the
			// same version back.
		}
		summary = summarizeProject(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit("brain.project.archived", map[string]any{"project": norm})
	return &summary, nil
}

// RestoreProjectOptions controls RestoreProject.
type RestoreProjectOptions struct {
	ReactivateEntities bool
}

// RestoreProject reverses ArchiveProject. With ReactivateEntities, each
// entity's last-known active version (or the newest by number) becomes
// active again; entities without versions produce warnings.
func (s *Store) RestoreProject(ctx context.Context, slug string, opts RestoreProjectOptions) (*ProjectSummary, []string, error) {
	norm, err := normalizeProjectSlug(slug)
	if err != nil {
		return nil, nil, err
	}
	if err := s.assertWrite(ctx, norm); err != nil {
		return nil, nil, err
	}
	var summary ProjectSummary
	var warnings []string
	err = s.MutateActive(func(b *Brain) error {
		p, ok := b.Projects[norm]
		if !ok {
			return fault.New(fault.NotFound, "project %q not found", norm)
		}
		ts := s.timestamp()
		p.Status = StatusActive
		p.ArchivedAt = ""
		p.UpdatedAt = ts
		if opts.ReactivateEntities {
			for slug, e := range p.Entities {
				key := e.ActiveVersion
				if key == "" {
					key = newestVersionKey(e)
				}
				if key == "" {
					warnings = append(warnings, fmt.Sprintf("entity %q has no versions to reactivate", slug))
					continue
				}
				activateVersion(e, key)
				e.Status = StatusActive
				e.ArchivedAt = ""
				e.UpdatedAt = ts
			}
		}
		summary = summarizeProject(p)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.emit("brain.project.restored", map[string]any{"project": norm})
	return &summary, warnings, nil
}

// DeleteProject removes a project. With purgeCommits, its entries in the
// commits index go too; otherwise matching entries are still removed to
// keep the index consistent with stored versions.
func (s *Store) DeleteProject(ctx context.Context, slug string, purgeCommits bool) error {
	norm, err := normalizeProjectSlug(slug)
	if err != nil {
		return err
	}
	if err := s.assertWrite(ctx, norm); err != nil {
		return err
	}
	err = s.MutateActive(func(b *Brain) error {
		if _, ok := b.Projects[norm]; !ok {
			return fault.New(fault.NotFound, "project %q not found", norm)
		}
		delete(b.Projects, norm)
		for hash, entry := range b.Commits {
			if entry.Project == norm {
				delete(b.Commits, hash)
			}
		}
		_ = purgeCommits // index entries always go with their versions
		return nil
	})
	if err != nil {
		return err
	}
	s.emit("brain.project.deleted", map[string]any{"project": norm})
	return nil
}

// ProjectReport summarizes one project, optionally with entity detail.
func (s *Store) ProjectReport(ctx context.Context, slug string, includeEntities bool) (map[string]any, error) {
	norm, err := normalizeProjectSlug(slug)
	if err != nil {
		return nil, err
	}
	if err := s.assertRead(ctx, norm); err != nil {
		return nil, err
	}
	b, err := s.Active()
	if err != nil {
		return nil, err
	}
	p, ok := b.Projects[norm]
	if !ok {
		return nil, fault.New(fault.NotFound, "project %q not found", norm)
	}

	versions := 0
	for _, e := range p.Entities {
		versions += len(e.Versions)
	}
	report := map[string]any{
		"slug":        p.Slug,
		"title":       p.Title,
		"description": p.Description,
		"status":      p.Status,
		"entities":    len(p.Entities),
		"versions":    versions,
		"created_at":  p.CreatedAt,
		"updated_at":  p.UpdatedAt,
	}
	if includeEntities {
		var details []map[string]any
		slugs := make([]string, 0, len(p.Entities))
		for slug := range p.Entities {
			slugs = append(slugs, slug)
		}
		sort.Strings(slugs)
		for _, slug := range slugs {
			e := p.Entities[slug]
			details = append(details, map[string]any{
				"slug":           e.Slug,
				"status":         e.Status,
				"active_version": e.ActiveVersion,
				"versions":       len(e.Versions),
				"fieldset":       e.Fieldset,
				"path":           EntityPath(p, slug),
			})
		}
		report["entity_details"] = details
	}
	return report, nil
}
