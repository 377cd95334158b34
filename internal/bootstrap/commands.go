package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aaviondb/aaviondb/internal/brain"
	"github.com/aaviondb/aaviondb/internal/dispatch"
	"github.com/aaviondb/aaviondb/internal/fault"
	"github.com/aaviondb/aaviondb/internal/scope"
)

// registerParserHandlers installs the statement shorthands: "save",
// "show", and "use" rewrite to their entity/brain commands before the
// action is resolved.
func (rt *Runtime) registerParserHandlers() {
	d := rt.Dispatcher
	d.RegisterParserHandler("save", func(pctx *dispatch.ParserContext) error {
		pctx.Action = "entity save"
		pctx.Tokens = pctx.Tokens[1:]
		return nil
	}, 0)
	d.RegisterParserHandler("show", func(pctx *dispatch.ParserContext) error {
		pctx.Action = "entity show"
		pctx.Tokens = pctx.Tokens[1:]
		return nil
	}, 0)
	d.RegisterParserHandler("use", func(pctx *dispatch.ParserContext) error {
		pctx.Action = "brain use"
		pctx.Tokens = pctx.Tokens[1:]
		return nil
	}, 0)
}

// registerCommands installs every core command on the dispatcher.
func (rt *Runtime) registerCommands() {
	d := rt.Dispatcher
	reg := func(name string, handler dispatch.Handler, summary, usage string) {
		d.MustRegister(name, handler, dispatch.Meta{Summary: summary, Usage: usage})
	}

	reg("status", rt.cmdStatus, "Show runtime status", "status")
	reg("help", rt.cmdHelp, "List commands", "help")

	reg("brain list", rt.cmdBrainList, "List brains", "brain list")
	reg("brain create", rt.cmdBrainCreate, "Create a brain", "brain create <slug> [--activate]")
	reg("brain use", rt.cmdBrainUse, "Switch the active brain", "brain use <slug>")
	reg("brain delete", rt.cmdBrainDelete, "Delete a brain", "brain delete <slug>")
	reg("brain backup", rt.cmdBrainBackup, "Back up a brain", "brain backup [slug] [--label=x] [--compress]")
	reg("brain backups", rt.cmdBrainBackups, "List backups", "brain backups [slug]")
	reg("backup prune", rt.cmdBackupPrune, "Prune old backups", "backup prune [slug] [--keep=N] [--older-than-days=N] [--dry-run]")
	reg("brain restore", rt.cmdBrainRestore, "Restore a backup", "brain restore <backup> [--target=slug] [--activate] [--overwrite]")
	reg("brain report", rt.cmdBrainReport, "Report on a brain", "brain report [slug]")
	reg("brain integrity", rt.cmdBrainIntegrity, "Verify brain integrity", "brain integrity [slug]")
	reg("brain compact", rt.cmdBrainCompact, "Rebuild the commit index", "brain compact [project] [--dry-run]")
	reg("brain repair", rt.cmdBrainRepair, "Repair version pointers", "brain repair [project] [--dry-run]")
	reg("brain purge", rt.cmdBrainPurge, "Purge inactive versions", "brain purge <project> [entity] [--keep=N] [--dry-run]")

	reg("project list", rt.cmdProjectList, "List projects", "project list")
	reg("project create", rt.cmdProjectCreate, "Create a project", "project create <slug> [--title=x] [--description=x]")
	reg("project update", rt.cmdProjectUpdate, "Update project metadata", "project update <slug> [--title=x] [--description=x]")
	reg("project archive", rt.cmdProjectArchive, "Archive a project", "project archive <slug>")
	reg("project restore", rt.cmdProjectRestore, "Restore a project", "project restore <slug> [--reactivate-entities]")
	reg("project delete", rt.cmdProjectDelete, "Delete a project", "project delete <slug> [--purge-commits]")
	reg("project report", rt.cmdProjectReport, "Report on a project", "project report <slug> [--entities]")

	reg("entity list", rt.cmdEntityList, "List entities", "entity list <project> [path]")
	reg("entity save", rt.cmdEntitySave, "Save an entity version", `save <project>.<entity>[:fieldset] {payload} [--merge=false] [--source=@N] [--parent=path]`)
	reg("entity show", rt.cmdEntityShow, "Show an entity version", "show <project>.<entity>[@N|#hash] [--resolve]")
	reg("entity versions", rt.cmdEntityVersions, "List entity versions", "entity versions <project>.<entity>")
	reg("entity commits", rt.cmdEntityCommits, "List commit entries", "entity commits <project> [entity]")
	reg("entity report", rt.cmdEntityReport, "Report on an entity", "entity report <project>.<entity>")
	reg("entity archive", rt.cmdEntityArchive, "Archive an entity", "entity archive <project>.<entity>")
	reg("entity deactivate", rt.cmdEntityDeactivate, "Deactivate an entity", "entity deactivate <project>.<entity> [--recursive]")
	reg("entity delete", rt.cmdEntityDelete, "Delete an entity", "entity delete <project>.<entity> [--purge-commits] [--recursive]")
	reg("entity restore", rt.cmdEntityRestore, "Restore an entity version", "entity restore <project>.<entity>[@N|#hash]")
	reg("entity move", rt.cmdEntityMove, "Move an entity in the hierarchy", "entity move <project>.<entity> [--from=path] --to=path")
	reg("version delete", rt.cmdVersionDelete, "Delete one version", "version delete <project>.<entity>@N")
	reg("version restore", rt.cmdEntityRestore, "Activate an older version", "version restore <project>.<entity>@N")

	reg("auth grant", rt.cmdAuthGrant, "Mint an API token", "auth grant [scope=RW] [projects=a,b] [label=x] [length=N]")
	reg("auth list", rt.cmdAuthList, "List API keys", "auth list [--all]")
	reg("auth revoke", rt.cmdAuthRevoke, "Revoke an API key", "auth revoke <hash|token>")
	reg("auth reset", rt.cmdAuthReset, "Revoke every non-bootstrap key", "auth reset")
	reg("api serve", rt.cmdAPIServe, "Enable the REST API", "api serve")
	reg("api stop", rt.cmdAPIStop, "Disable the REST API", "api stop")
	reg("api status", rt.cmdAPIStatus, "Show the REST API state", "api status")

	reg("preset list", rt.cmdPresetList, "List export presets", "preset list")
	reg("preset show", rt.cmdPresetShow, "Show a preset", "preset show <slug>")
	reg("preset create", rt.cmdPresetCreate, "Create a preset", "preset create <slug> {definition}")
	reg("preset update", rt.cmdPresetUpdate, "Update a preset", "preset update <slug> {patch}")
	reg("preset delete", rt.cmdPresetDelete, "Delete a preset", "preset delete <slug>")
	reg("preset export", rt.cmdPresetExport, "Write a preset to a file", "preset export <slug> [path]")
	reg("preset import", rt.cmdPresetImport, "Load a preset from a file", "preset import <path> [slug]")

	reg("export", rt.cmdExport, "Export through a preset", "export <project|a,b|*> [@N…] [preset=x] [format=x] [save=true] [path=x] {params}")

	reg("config list", rt.cmdConfigList, "List configuration", "config list")
	reg("config get", rt.cmdConfigGet, "Read a config key", "config get <key>")
	reg("config set", rt.cmdConfigSet, "Write a config key", "config set <key> <value>")

	reg("cache stats", rt.cmdCacheStats, "Cache statistics", "cache stats")
	reg("cache clear", rt.cmdCacheClear, "Drop every cache entry", "cache clear")
	reg("cache cleanup", rt.cmdCacheCleanup, "Remove expired entries", "cache cleanup")
	reg("cache enable", rt.cmdCacheEnable, "Enable the cache", "cache enable")
	reg("cache disable", rt.cmdCacheDisable, "Disable the cache", "cache disable")

	reg("security status", rt.cmdSecurityStatus, "Rate-limit state", "security status")
	reg("security lockdown", rt.cmdSecurityLockdown, "Force a global lockdown", "security lockdown [seconds]")
	reg("security unlock", rt.cmdSecurityUnlock, "Lift the lockdown", "security unlock")
	reg("security purge", rt.cmdSecurityPurge, "Drop security counters", "security purge")

	reg("scheduler add", rt.cmdSchedulerAdd, "Add a scheduled task", "scheduler add <slug> <command…>")
	reg("scheduler list", rt.cmdSchedulerList, "List scheduled tasks", "scheduler list")
	reg("scheduler update", rt.cmdSchedulerUpdate, "Update a task", "scheduler update <slug> <command…>")
	reg("scheduler remove", rt.cmdSchedulerRemove, "Remove a task", "scheduler remove <slug>")
	reg("scheduler log", rt.cmdSchedulerLog, "Show the run log", "scheduler log [--limit=N]")
}

// --- parameter helpers ------------------------------------------------

func argsOf(params map[string]any) []string {
	raw, _ := params["args"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, fmt.Sprint(v))
	}
	return out
}

func argAt(params map[string]any, i int) string {
	args := argsOf(params)
	if i >= len(args) {
		return ""
	}
	return args[i]
}

func strParam(params map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := params[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if v != nil {
				return fmt.Sprint(v)
			}
		}
	}
	return ""
}

func boolParam(params map[string]any, key string, fallback bool) bool {
	v, ok := params[key]
	if !ok {
		return fallback
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return fallback
		}
		return b
	default:
		return fallback
	}
}

func boolPtrParam(params map[string]any, key string) *bool {
	if _, ok := params[key]; !ok {
		return nil
	}
	b := boolParam(params, key, false)
	return &b
}

func intParam(params map[string]any, key string, fallback int) int {
	v, ok := params[key]
	if !ok {
		return fallback
	}
	switch t := v.(type) {
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return fallback
		}
		return n
	default:
		return fallback
	}
}

// entityTarget resolves the addressed entity from explicit parameters,
// the dotted form "project.entity[:fieldset][@N|#hash]", or the spaced
// form "project entity [@N|#hash]".
func entityTarget(params map[string]any) (project, entity, selector, fieldsetRef string, fieldsetBound bool) {
	project = strParam(params, "project")
	entity = strParam(params, "entity")
	selector = strParam(params, "version", "reference")
	if project != "" && entity != "" {
		return project, entity, selector, strParam(params, "fieldset"), params["fieldset"] != nil
	}
	raw := argAt(params, 0)
	if raw == "" {
		return project, entity, selector, "", false
	}

	head, rest, dotted := strings.Cut(raw, ".")
	switch {
	case dotted:
		project = head
	case project != "":
		// Explicit project parameter; the positional is the entity ref.
		rest = raw
	default:
		project = raw
		rest = entity
		if rest == "" {
			rest = argAt(params, 1)
		}
		if rest == "" {
			return project, "", selector, "", false
		}
		if sel := argAt(params, 2); sel != "" && (sel[0] == '@' || sel[0] == '#') {
			selector = sel
		}
	}

	entityRef, fs, bound := brain.SplitFieldsetBinding(rest)
	entity, sel := brain.SplitSelector(entityRef)
	if sel != "" {
		selector = sel
	}
	if !bound {
		fs = strParam(params, "fieldset")
		bound = params["fieldset"] != nil
	}
	return project, entity, selector, fs, bound
}

func ok(action, message string, data any) (*dispatch.Response, error) {
	return dispatch.OK(action, message, data), nil
}

// --- status / help ----------------------------------------------------

func (rt *Runtime) cmdStatus(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	active, err := rt.Store.ActiveSlug()
	if err != nil {
		return nil, err
	}
	projects, err := rt.Store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	entities := 0
	for _, p := range projects {
		entities += int(p.Entities)
	}
	apiEnabled, err := rt.Auth.IsAPIEnabled()
	if err != nil {
		return nil, err
	}
	return ok("status", "runtime status", map[string]any{
		"brain":       active,
		"projects":    len(projects),
		"entities":    entities,
		"api_enabled": apiEnabled,
		"root":        rt.Locator.Root(),
	})
}

func (rt *Runtime) cmdHelp(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	commands := rt.Dispatcher.Commands()
	out := make(map[string]any, len(commands))
	for name, meta := range commands {
		out[name] = map[string]any{"summary": meta.Summary, "usage": meta.Usage}
	}
	return ok("help", fmt.Sprintf("%d commands registered", len(out)), out)
}

// --- brains -----------------------------------------------------------

func (rt *Runtime) cmdBrainList(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	brains, err := rt.Store.ListBrains(ctx)
	if err != nil {
		return nil, err
	}
	return ok("brain list", fmt.Sprintf("%d brains", len(brains)), brains)
}

func (rt *Runtime) cmdBrainCreate(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	slug := strParam(params, "slug")
	if slug == "" {
		slug = argAt(params, 0)
	}
	info, err := rt.Store.CreateBrain(ctx, slug, boolParam(params, "activate", false))
	if err != nil {
		return nil, err
	}
	return ok("brain create", fmt.Sprintf("brain %q created", info.Slug), info)
}

func (rt *Runtime) cmdBrainUse(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	slug := strParam(params, "slug")
	if slug == "" {
		slug = argAt(params, 0)
	}
	if err := rt.Store.SetActiveBrain(ctx, slug); err != nil {
		return nil, err
	}
	return ok("brain use", fmt.Sprintf("active brain is now %q", slug), map[string]any{"brain": slug})
}

func (rt *Runtime) cmdBrainDelete(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	slug := strParam(params, "slug")
	if slug == "" {
		slug = argAt(params, 0)
	}
	if err := rt.Store.DeleteBrain(ctx, slug); err != nil {
		return nil, err
	}
	return ok("brain delete", fmt.Sprintf("brain %q deleted", slug), nil)
}

func (rt *Runtime) cmdBrainBackup(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	slug := strParam(params, "slug")
	if slug == "" {
		slug = argAt(params, 0)
	}
	res, err := rt.Store.BackupBrain(ctx, slug, strParam(params, "label"), boolParam(params, "compress", false))
	if err != nil {
		return nil, err
	}
	return ok("brain backup", fmt.Sprintf("backup written to %s", res.Path), res)
}

func (rt *Runtime) cmdBrainBackups(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	slug := strParam(params, "slug")
	if slug == "" {
		slug = argAt(params, 0)
	}
	backups, err := rt.Store.ListBackups(ctx, slug)
	if err != nil {
		return nil, err
	}
	return ok("brain backups", fmt.Sprintf("%d backups", len(backups)), backups)
}

func (rt *Runtime) cmdBackupPrune(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	slug := strParam(params, "slug")
	if slug == "" {
		slug = argAt(params, 0)
	}
	removed, err := rt.Store.PruneBackups(ctx, slug,
		intParam(params, "keep", 0),
		intParam(params, "older-than-days", intParam(params, "older_than_days", 0)),
		boolParam(params, "dry-run", boolParam(params, "dry_run", false)))
	if err != nil {
		return nil, err
	}
	return ok("backup prune", fmt.Sprintf("%d backups pruned", len(removed)), removed)
}

func (rt *Runtime) cmdBrainRestore(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	backup := strParam(params, "backup")
	if backup == "" {
		backup = argAt(params, 0)
	}
	info, err := rt.Store.RestoreBrain(ctx, backup,
		strParam(params, "target"),
		boolParam(params, "activate", false),
		boolParam(params, "overwrite", false))
	if err != nil {
		return nil, err
	}
	return ok("brain restore", fmt.Sprintf("restored into %q", info.Slug), info)
}

func (rt *Runtime) cmdBrainReport(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	slug := strParam(params, "slug")
	if slug == "" {
		slug = argAt(params, 0)
	}
	report, err := rt.Store.BrainReport(ctx, slug)
	if err != nil {
		return nil, err
	}
	return ok("brain report", "brain report", report)
}

func (rt *Runtime) cmdBrainIntegrity(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	slug := strParam(params, "slug")
	if slug == "" {
		slug = argAt(params, 0)
	}
	if slug != "" {
		report, err := rt.Store.IntegrityReportFor(ctx, slug)
		if err != nil {
			return nil, err
		}
		return ok("brain integrity", "integrity report", report)
	}
	reports, err := rt.Store.IntegrityReport(ctx)
	if err != nil {
		return nil, err
	}
	return ok("brain integrity", fmt.Sprintf("%d brains verified", len(reports)), reports)
}

func (rt *Runtime) cmdBrainCompact(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	project := strParam(params, "project")
	if project == "" {
		project = argAt(params, 0)
	}
	report, err := rt.Store.CompactBrain(ctx, project, boolParam(params, "dry-run", boolParam(params, "dry_run", false)))
	if err != nil {
		return nil, err
	}
	return ok("brain compact", "compaction complete", report)
}

func (rt *Runtime) cmdBrainRepair(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	project := strParam(params, "project")
	if project == "" {
		project = argAt(params, 0)
	}
	report, err := rt.Store.RepairBrain(ctx, project, boolParam(params, "dry-run", boolParam(params, "dry_run", false)))
	if err != nil {
		return nil, err
	}
	return ok("brain repair", "repair complete", report)
}

func (rt *Runtime) cmdBrainPurge(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	project := strParam(params, "project")
	entity := strParam(params, "entity")
	if project == "" {
		project = argAt(params, 0)
		if entity == "" {
			entity = argAt(params, 1)
		}
	}
	if project == "" {
		return nil, fault.New(fault.InvalidParameter, "a project is required")
	}
	plan, err := rt.Store.PurgeInactiveEntityVersions(ctx, project, entity,
		intParam(params, "keep", 0),
		boolParam(params, "dry-run", boolParam(params, "dry_run", false)))
	if err != nil {
		return nil, err
	}
	return ok("brain purge", fmt.Sprintf("%d entities inspected", len(plan)), plan)
}

// --- projects ---------------------------------------------------------

func (rt *Runtime) cmdProjectList(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	projects, err := rt.Store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	return ok("project list", fmt.Sprintf("%d projects", len(projects)), projects)
}

func (rt *Runtime) cmdProjectCreate(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	slug := strParam(params, "slug")
	if slug == "" {
		slug = argAt(params, 0)
	}
	summary, err := rt.Store.CreateProject(ctx, slug, strParam(params, "title"), strParam(params, "description"))
	if err != nil {
		return nil, err
	}
	return ok("project create", fmt.Sprintf("project %q created", summary.Slug), summary)
}

func (rt *Runtime) cmdProjectUpdate(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	slug := strParam(params, "slug")
	if slug == "" {
		slug = argAt(params, 0)
	}
	summary, err := rt.Store.UpdateProjectMetadata(ctx, slug, strParam(params, "title"), strParam(params, "description"))
	if err != nil {
		return nil, err
	}
	return ok("project update", fmt.Sprintf("project %q updated", summary.Slug), summary)
}

func (rt *Runtime) cmdProjectArchive(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	slug := strParam(params, "slug")
	if slug == "" {
		slug = argAt(params, 0)
	}
	summary, err := rt.Store.ArchiveProject(ctx, slug)
	if err != nil {
		return nil, err
	}
	return ok("project archive", fmt.Sprintf("project %q archived", summary.Slug), summary)
}

func (rt *Runtime) cmdProjectRestore(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	slug := strParam(params, "slug")
	if slug == "" {
		slug = argAt(params, 0)
	}
	summary, warnings, err := rt.Store.RestoreProject(ctx, slug, brain.RestoreProjectOptions{
		ReactivateEntities: boolParam(params, "reactivate-entities", boolParam(params, "reactivate_entities", false)),
	})
	if err != nil {
		return nil, err
	}
	resp := dispatch.OK("project restore", fmt.Sprintf("project %q restored", summary.Slug), summary)
	if len(warnings) > 0 {
		resp.WithMeta("warnings", warnings)
	}
	return resp, nil
}

func (rt *Runtime) cmdProjectDelete(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	slug := strParam(params, "slug")
	if slug == "" {
		slug = argAt(params, 0)
	}
	purge := boolParam(params, "purge-commits", boolParam(params, "purge_commits", false))
	if err := rt.Store.DeleteProject(ctx, slug, purge); err != nil {
		return nil, err
	}
	return ok("project delete", fmt.Sprintf("project %q deleted", slug), nil)
}

func (rt *Runtime) cmdProjectReport(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	slug := strParam(params, "slug")
	if slug == "" {
		slug = argAt(params, 0)
	}
	report, err := rt.Store.ProjectReport(ctx, slug, boolParam(params, "entities", false))
	if err != nil {
		return nil, err
	}
	return ok("project report", "project report", report)
}

// --- scope assertion for privileged toggles ---------------------------

func assertPrivileged(ctx context.Context) error {
	sc := scope.FromContext(ctx)
	if !sc.CanWrite("*") {
		return fault.New(fault.ScopeDenied, "this command requires an unrestricted write scope")
	}
	return nil
}

// decodeJSONValue parses a statement value: JSON when it looks like it,
// the raw string otherwise.
func decodeJSONValue(raw string) any {
	var decoded any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err == nil {
		return decoded
	}
	return raw
}
