package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aaviondb/aaviondb/internal/brain"
	"github.com/aaviondb/aaviondb/internal/dispatch"
	"github.com/aaviondb/aaviondb/internal/fault"
	"github.com/aaviondb/aaviondb/internal/resolver"
)

func (rt *Runtime) cmdEntityList(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	project := strParam(params, "project")
	pathSpec := strParam(params, "path")
	if project == "" {
		project = argAt(params, 0)
		if pathSpec == "" {
			pathSpec = argAt(params, 1)
		}
	}
	if project == "" {
		return nil, fault.New(fault.InvalidParameter, "a project is required")
	}
	var segments []string
	if pathSpec != "" {
		segments = strings.Split(strings.Trim(pathSpec, "/"), "/")
	}
	entities, err := rt.Store.ListEntities(ctx, project, segments)
	if err != nil {
		return nil, err
	}
	return ok("entity list", fmt.Sprintf("%d entities", len(entities)), entities)
}

func (rt *Runtime) cmdEntitySave(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	project, entity, selector, fieldsetRef, fieldsetBound := entityTarget(params)
	if project == "" || entity == "" {
		return nil, fault.New(fault.InvalidParameter, "save expects <project>.<entity>")
	}
	payload, hasPayload := params["payload"]
	if !hasPayload {
		return nil, fault.New(fault.InvalidParameter, "save expects a JSON payload")
	}
	meta, _ := params["meta"].(map[string]any)

	opts := brain.SaveOptions{
		Merge:           boolPtrParam(params, "merge"),
		SourceReference: strParam(params, "source"),
		ParentPath:      strParam(params, "parent"),
	}
	if opts.SourceReference == "" && selector != "" {
		opts.SourceReference = selector
	}
	if fieldsetBound {
		slug, fsSelector := brain.SplitSelector(fieldsetRef)
		opts.Fieldset = slug
		opts.FieldsetProvided = true
		opts.FieldsetReference = fsSelector
	}

	result, err := rt.Store.SaveEntity(ctx, project, entity, payload, meta, opts)
	if err != nil {
		return nil, err
	}
	resp := dispatch.OK("entity save",
		fmt.Sprintf("%s.%s saved as v%s", result.Project, result.Entity, result.Version), result)
	if len(result.Warnings) > 0 {
		resp.WithMeta("warnings", result.Warnings)
	}
	return resp, nil
}

func (rt *Runtime) cmdEntityShow(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	project, entity, selector, _, _ := entityTarget(params)
	if project == "" || entity == "" {
		return nil, fault.New(fault.InvalidParameter, "show expects <project>.<entity>[@N|#hash]")
	}
	ent, record, err := rt.Store.GetEntityVersion(ctx, project, entity, selector)
	if err != nil {
		return nil, err
	}
	payload := record.Payload
	var warnings []string
	if boolParam(params, "resolve", false) {
		payload, warnings = rt.Resolver.ResolvePayload(ctx, resolver.Caller{
			Project: project,
			Entity:  entity,
			Path:    rt.entityPath(ctx, project, entity),
		}, payload, nil)
	}
	data := map[string]any{
		"project":  project,
		"entity":   ent.Slug,
		"version":  record.Version,
		"status":   record.Status,
		"hash":     record.Hash,
		"fieldset": ent.Fieldset,
		"payload":  payload,
		"meta":     record.Meta,
	}
	resp := dispatch.OK("entity show", fmt.Sprintf("%s.%s v%d", project, ent.Slug, record.Version), data)
	if len(warnings) > 0 {
		resp.WithMeta("warnings", warnings)
	}
	return resp, nil
}

// entityPath looks up an entity's hierarchy path; nil when unknown.
func (rt *Runtime) entityPath(ctx context.Context, project, entity string) []string {
	summaries, err := rt.Store.ListEntities(ctx, project, nil)
	if err != nil {
		return nil
	}
	for _, s := range summaries {
		if s.Slug == entity {
			return s.Path
		}
	}
	return nil
}

func (rt *Runtime) cmdEntityVersions(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	project, entity, _, _, _ := entityTarget(params)
	if project == "" || entity == "" {
		return nil, fault.New(fault.InvalidParameter, "entity versions expects <project>.<entity>")
	}
	versions, err := rt.Store.ListEntityVersions(ctx, project, entity)
	if err != nil {
		return nil, err
	}
	return ok("entity versions", fmt.Sprintf("%d versions", len(versions)), versions)
}

func (rt *Runtime) cmdEntityCommits(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	project := strParam(params, "project")
	entity := strParam(params, "entity")
	if project == "" {
		raw := argAt(params, 0)
		if head, rest, found := strings.Cut(raw, "."); found {
			project, entity = head, rest
		} else {
			project = raw
			if entity == "" {
				entity = argAt(params, 1)
			}
		}
	}
	if project == "" {
		return nil, fault.New(fault.InvalidParameter, "entity commits expects a project")
	}
	commits, err := rt.Store.ListProjectCommits(ctx, project, entity)
	if err != nil {
		return nil, err
	}
	return ok("entity commits", fmt.Sprintf("%d commits", len(commits)), commits)
}

func (rt *Runtime) cmdEntityReport(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	project, entity, _, _, _ := entityTarget(params)
	if project == "" || entity == "" {
		return nil, fault.New(fault.InvalidParameter, "entity report expects <project>.<entity>")
	}
	report, err := rt.Store.EntityReport(ctx, project, entity)
	if err != nil {
		return nil, err
	}
	return ok("entity report", "entity report", report)
}

func (rt *Runtime) cmdEntityArchive(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	project, entity, _, _, _ := entityTarget(params)
	if project == "" || entity == "" {
		return nil, fault.New(fault.InvalidParameter, "entity archive expects <project>.<entity>")
	}
	if err := rt.Store.ArchiveEntity(ctx, project, entity); err != nil {
		return nil, err
	}
	return ok("entity archive", fmt.Sprintf("%s.%s archived", project, entity), nil)
}

func (rt *Runtime) cmdEntityDeactivate(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	project, entity, _, _, _ := entityTarget(params)
	if project == "" || entity == "" {
		return nil, fault.New(fault.InvalidParameter, "entity deactivate expects <project>.<entity>")
	}
	affected, err := rt.Store.DeactivateEntity(ctx, project, entity, boolParam(params, "recursive", false))
	if err != nil {
		return nil, err
	}
	return ok("entity deactivate", fmt.Sprintf("%d entities deactivated", len(affected)),
		map[string]any{"entities": affected})
}

func (rt *Runtime) cmdEntityDelete(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	project, entity, _, _, _ := entityTarget(params)
	if project == "" || entity == "" {
		return nil, fault.New(fault.InvalidParameter, "entity delete expects <project>.<entity>")
	}
	removed, err := rt.Store.DeleteEntity(ctx, project, entity,
		boolParam(params, "purge-commits", boolParam(params, "purge_commits", false)),
		boolParam(params, "recursive", false))
	if err != nil {
		return nil, err
	}
	return ok("entity delete", fmt.Sprintf("%d entities deleted", len(removed)),
		map[string]any{"entities": removed})
}

func (rt *Runtime) cmdEntityRestore(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	project, entity, selector, _, _ := entityTarget(params)
	if project == "" || entity == "" {
		return nil, fault.New(fault.InvalidParameter, "entity restore expects <project>.<entity>[@N|#hash]")
	}
	version, err := rt.Store.RestoreEntityVersion(ctx, project, entity, selector)
	if err != nil {
		return nil, err
	}
	return ok("entity restore", fmt.Sprintf("%s.%s v%s is active again", project, entity, version),
		map[string]any{"project": project, "entity": entity, "version": version})
}

func (rt *Runtime) cmdEntityMove(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	project, entity, _, _, _ := entityTarget(params)
	if project == "" || entity == "" {
		return nil, fault.New(fault.InvalidParameter, "entity move expects <project>.<entity>")
	}
	moved, err := rt.Store.MoveEntity(ctx, project, entity, strParam(params, "from"), strParam(params, "to"))
	if err != nil {
		return nil, err
	}
	return ok("entity move", fmt.Sprintf("%d entities moved", len(moved)),
		map[string]any{"entities": moved})
}

func (rt *Runtime) cmdVersionDelete(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	project, entity, selector, _, _ := entityTarget(params)
	if project == "" || entity == "" || selector == "" {
		return nil, fault.New(fault.InvalidParameter, "version delete expects <project>.<entity>@N")
	}
	version, err := rt.Store.DeleteEntityVersion(ctx, project, entity, selector)
	if err != nil {
		return nil, err
	}
	return ok("version delete", fmt.Sprintf("%s.%s v%s deleted", project, entity, version),
		map[string]any{"project": project, "entity": entity, "version": version})
}
