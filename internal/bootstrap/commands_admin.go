package bootstrap

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aaviondb/aaviondb/internal/auth"
	"github.com/aaviondb/aaviondb/internal/config"
	"github.com/aaviondb/aaviondb/internal/dispatch"
	"github.com/aaviondb/aaviondb/internal/export"
	"github.com/aaviondb/aaviondb/internal/fault"
	"github.com/aaviondb/aaviondb/internal/scope"
)

// --- auth -------------------------------------------------------------

func (rt *Runtime) cmdAuthGrant(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	if err := assertPrivileged(ctx); err != nil {
		return nil, err
	}
	mode := scope.ModeRW
	if raw := strParam(params, "scope"); raw != "" {
		parsed, valid := scope.ParseMode(raw)
		if !valid {
			return nil, fault.New(fault.InvalidParameter, "unknown scope %q", raw)
		}
		mode = parsed
	}
	var projects []string
	if raw := strParam(params, "projects"); raw != "" && raw != "*" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				projects = append(projects, p)
			}
		}
	}
	grant, err := rt.Auth.Grant(auth.GrantOptions{
		Scope:    mode,
		Projects: projects,
		Label:    strParam(params, "label"),
		Length:   intParam(params, "length", 0),
	})
	if err != nil {
		return nil, err
	}
	data := map[string]any{
		"token":   grant.Token,
		"preview": grant.Preview,
		"hash":    grant.Hash,
		"entry":   grant.Entry,
	}
	return ok("auth grant", "token minted; it is shown only once", data)
}

func (rt *Runtime) cmdAuthList(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	keys, err := rt.Auth.List(boolParam(params, "all", false))
	if err != nil {
		return nil, err
	}
	return ok("auth list", fmt.Sprintf("%d keys", len(keys)), keys)
}

func (rt *Runtime) cmdAuthRevoke(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	if err := assertPrivileged(ctx); err != nil {
		return nil, err
	}
	identifier := strParam(params, "key")
	if identifier == "" {
		identifier = argAt(params, 0)
	}
	if identifier == "" {
		return nil, fault.New(fault.InvalidParameter, "auth revoke expects a key hash or the raw token")
	}
	revoked, err := rt.Auth.Revoke(identifier)
	if err != nil {
		return nil, err
	}
	if !revoked {
		return nil, fault.New(fault.NotFound, "no key matches %q", identifier)
	}
	return ok("auth revoke", fmt.Sprintf("key %q revoked", identifier), nil)
}

func (rt *Runtime) cmdAuthReset(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	if err := assertPrivileged(ctx); err != nil {
		return nil, err
	}
	count, err := rt.Auth.Reset()
	if err != nil {
		return nil, err
	}
	return ok("auth reset", fmt.Sprintf("%d keys revoked", count), map[string]any{"revoked": count})
}

// --- api toggle -------------------------------------------------------

func (rt *Runtime) cmdAPIServe(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	if err := assertPrivileged(ctx); err != nil {
		return nil, err
	}
	changed, err := rt.Auth.SetAPIEnabled(true, "cli", strParam(params, "reason"))
	if err != nil {
		return nil, err
	}
	msg := "REST API enabled"
	if !changed {
		msg = "REST API already enabled"
	}
	return ok("api serve", msg, map[string]any{"enabled": true})
}

func (rt *Runtime) cmdAPIStop(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	if err := assertPrivileged(ctx); err != nil {
		return nil, err
	}
	changed, err := rt.Auth.SetAPIEnabled(false, "cli", strParam(params, "reason"))
	if err != nil {
		return nil, err
	}
	msg := "REST API disabled"
	if !changed {
		msg = "REST API already disabled"
	}
	return ok("api stop", msg, map[string]any{"enabled": false})
}

func (rt *Runtime) cmdAPIStatus(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	enabled, err := rt.Auth.IsAPIEnabled()
	if err != nil {
		return nil, err
	}
	keys, err := rt.Auth.List(false)
	if err != nil {
		return nil, err
	}
	return ok("api status", "REST API state", map[string]any{
		"enabled":     enabled,
		"active_keys": len(keys),
		"listen":      config.Listen(),
	})
}

// --- presets ----------------------------------------------------------

func (rt *Runtime) cmdPresetList(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	presets, err := rt.Presets.List()
	if err != nil {
		return nil, err
	}
	return ok("preset list", fmt.Sprintf("%d presets", len(presets)), presets)
}

func (rt *Runtime) cmdPresetShow(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	slug := strParam(params, "slug")
	if slug == "" {
		slug = argAt(params, 0)
	}
	def, err := rt.Presets.Get(slug)
	if err != nil {
		return nil, err
	}
	return ok("preset show", fmt.Sprintf("preset %q", slug), def)
}

func presetDefinition(params map[string]any) (map[string]any, error) {
	def, _ := params["payload"].(map[string]any)
	if def == nil {
		return nil, fault.New(fault.InvalidParameter, "a JSON preset definition is required")
	}
	return def, nil
}

func (rt *Runtime) cmdPresetCreate(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	slug := strParam(params, "slug")
	if slug == "" {
		slug = argAt(params, 0)
	}
	def, err := presetDefinition(params)
	if err != nil {
		return nil, err
	}
	created, err := rt.Presets.Create(slug, def)
	if err != nil {
		return nil, err
	}
	return ok("preset create", fmt.Sprintf("preset %q created", created), map[string]any{"slug": created})
}

func (rt *Runtime) cmdPresetUpdate(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	slug := strParam(params, "slug")
	if slug == "" {
		slug = argAt(params, 0)
	}
	def, err := presetDefinition(params)
	if err != nil {
		return nil, err
	}
	result, err := rt.Presets.Update(slug, def)
	if err != nil {
		return nil, err
	}
	return ok("preset update", fmt.Sprintf("preset %q updated", slug), result)
}

func (rt *Runtime) cmdPresetDelete(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	slug := strParam(params, "slug")
	if slug == "" {
		slug = argAt(params, 0)
	}
	if err := rt.Presets.Delete(slug); err != nil {
		return nil, err
	}
	return ok("preset delete", fmt.Sprintf("preset %q deleted", slug), nil)
}

func (rt *Runtime) cmdPresetExport(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	slug := strParam(params, "slug")
	if slug == "" {
		slug = argAt(params, 0)
	}
	target := strParam(params, "path", "file")
	if target == "" {
		target = argAt(params, 1)
	}
	path, err := rt.Presets.ExportToFile(slug, target)
	if err != nil {
		return nil, err
	}
	return ok("preset export", fmt.Sprintf("preset written to %s", path), map[string]any{"path": path})
}

func (rt *Runtime) cmdPresetImport(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	path := strParam(params, "path", "file")
	if path == "" {
		path = argAt(params, 0)
	}
	slug := strParam(params, "slug")
	if slug == "" {
		slug = argAt(params, 1)
	}
	imported, err := rt.Presets.ImportFromFile(path, slug)
	if err != nil {
		return nil, err
	}
	return ok("preset import", fmt.Sprintf("preset %q imported", imported), map[string]any{"slug": imported})
}

// --- export -----------------------------------------------------------

func (rt *Runtime) cmdExport(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	req := export.Request{
		Preset:      strParam(params, "preset"),
		Format:      strParam(params, "format"),
		Path:        strParam(params, "path"),
		Description: strParam(params, "description"),
		Usage:       strParam(params, "usage"),
		Save:        boolPtrParam(params, "save"),
		Response:    boolPtrParam(params, "response"),
	}
	if nest := boolPtrParam(params, "nest_children"); nest != nil {
		req.NestChildren = nest
	}
	for _, arg := range argsOf(params) {
		if strings.HasPrefix(arg, "@") || strings.HasPrefix(arg, "#") {
			req.Selectors = append(req.Selectors, arg)
			continue
		}
		if req.ProjectSpec == "" {
			req.ProjectSpec = arg
		}
	}
	if spec := strParam(params, "projects"); spec != "" {
		req.ProjectSpec = spec
	}
	if raw := strParam(params, "selectors"); raw != "" {
		for _, sel := range strings.Split(raw, ",") {
			if sel = strings.TrimSpace(sel); sel != "" {
				req.Selectors = append(req.Selectors, sel)
			}
		}
	}
	if vars, okCast := params["payload"].(map[string]any); okCast {
		req.Params = vars
	}

	result, err := rt.Export.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	data := map[string]any{
		"stats": result.Stats,
		"meta":  result.Meta,
	}
	wantBody := result.SavedPath == ""
	if result.SavedPath != "" {
		data["saved_path"] = result.SavedPath
	}
	if req.Response != nil {
		wantBody = *req.Response
	}
	if wantBody {
		data["content"] = result.Content
	}
	resp := dispatch.OK("export", fmt.Sprintf("%v entities exported", result.Stats["entities"]), data)
	if len(result.Warnings) > 0 {
		resp.WithMeta("warnings", result.Warnings)
	}
	return resp, nil
}

// --- config -----------------------------------------------------------

func (rt *Runtime) cmdConfigList(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	sys, err := rt.Store.System()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(sys.Config))
	for k, v := range sys.Config {
		out[k] = v
	}
	return ok("config list", fmt.Sprintf("%d keys", len(out)), out)
}

func (rt *Runtime) cmdConfigGet(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	key := strParam(params, "key")
	if key == "" {
		key = argAt(params, 0)
	}
	if key == "" {
		return nil, fault.New(fault.InvalidParameter, "config get expects a key")
	}
	value, found := rt.Store.ConfigValue(key)
	if !found {
		return nil, fault.New(fault.NotFound, "config key %q is not set", key)
	}
	return ok("config get", key, map[string]any{"key": key, "value": value})
}

func (rt *Runtime) cmdConfigSet(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	if err := assertPrivileged(ctx); err != nil {
		return nil, err
	}
	key := strParam(params, "key")
	if key == "" {
		key = argAt(params, 0)
	}
	var value any
	if v, okCast := params["value"]; okCast {
		value = v
		if s, isStr := v.(string); isStr {
			value = decodeJSONValue(s)
		}
	} else if raw := argAt(params, 1); raw != "" {
		value = decodeJSONValue(raw)
	}
	if key == "" || value == nil {
		return nil, fault.New(fault.InvalidParameter, "config set expects a key and a value")
	}
	if err := rt.Store.SetConfig(key, value); err != nil {
		return nil, err
	}
	rt.applyConfig(key, value)
	return ok("config set", fmt.Sprintf("%s updated", key), map[string]any{"key": key, "value": value})
}

// applyConfig pushes hot-reloadable keys into the running components.
func (rt *Runtime) applyConfig(key string, value any) {
	switch key {
	case "cache.active":
		if b, okCast := value.(bool); okCast {
			rt.Cache.SetEnabled(b)
		}
	case "cache.ttl":
		ttl := time.Duration(rt.Store.ConfigInt("cache.ttl", 3600)) * time.Second
		if err := rt.Cache.SetTTL(ttl); err != nil {
			rt.Logger.Warn("cache ttl not applied", "error", err)
		}
	}
}

// --- cache ------------------------------------------------------------

func (rt *Runtime) cmdCacheStats(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	return ok("cache stats", "cache statistics", rt.Cache.Statistics())
}

func (rt *Runtime) cmdCacheClear(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	removed := rt.Cache.PurgeByPrefix("")
	return ok("cache clear", fmt.Sprintf("%d entries removed", removed), map[string]any{"removed": removed})
}

func (rt *Runtime) cmdCacheCleanup(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	removed := rt.Cache.CleanupExpired()
	return ok("cache cleanup", fmt.Sprintf("%d expired entries removed", removed), map[string]any{"removed": removed})
}

func (rt *Runtime) cmdCacheEnable(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	rt.Cache.SetEnabled(true)
	if err := rt.Store.SetConfig("cache.active", true); err != nil {
		return nil, err
	}
	return ok("cache enable", "cache enabled", nil)
}

func (rt *Runtime) cmdCacheDisable(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	rt.Cache.SetEnabled(false)
	if err := rt.Store.SetConfig("cache.active", false); err != nil {
		return nil, err
	}
	return ok("cache disable", "cache disabled", nil)
}

// --- security ---------------------------------------------------------

func (rt *Runtime) cmdSecurityStatus(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	return ok("security status", "rate-limit state", rt.Security.Report())
}

func (rt *Runtime) cmdSecurityLockdown(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	if err := assertPrivileged(ctx); err != nil {
		return nil, err
	}
	seconds := int64(intParam(params, "seconds", 0))
	if seconds == 0 {
		if raw := argAt(params, 0); raw != "" {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				seconds = n
			}
		}
	}
	until := rt.Security.Lockdown(seconds)
	return ok("security lockdown", "global lockdown engaged", map[string]any{"until": until})
}

func (rt *Runtime) cmdSecurityUnlock(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	if err := assertPrivileged(ctx); err != nil {
		return nil, err
	}
	rt.Security.Unlock()
	return ok("security unlock", "lockdown lifted", nil)
}

func (rt *Runtime) cmdSecurityPurge(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	if err := assertPrivileged(ctx); err != nil {
		return nil, err
	}
	removed := rt.Security.Purge()
	return ok("security purge", fmt.Sprintf("%d counters dropped", removed), map[string]any{"removed": removed})
}

// --- scheduler --------------------------------------------------------

func schedulerArgs(params map[string]any) (slug, command string) {
	slug = strParam(params, "slug")
	command = strParam(params, "command")
	args := argsOf(params)
	if slug == "" && len(args) > 0 {
		slug = args[0]
		args = args[1:]
	}
	if command == "" && len(args) > 0 {
		command = strings.Join(args, " ")
	}
	return slug, command
}

func (rt *Runtime) cmdSchedulerAdd(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	slug, command := schedulerArgs(params)
	task, err := rt.Store.AddTask(ctx, slug, command)
	if err != nil {
		return nil, err
	}
	return ok("scheduler add", fmt.Sprintf("task %q scheduled", task.Slug), task)
}

func (rt *Runtime) cmdSchedulerList(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	tasks, err := rt.Store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	return ok("scheduler list", fmt.Sprintf("%d tasks", len(tasks)), tasks)
}

func (rt *Runtime) cmdSchedulerUpdate(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	slug, command := schedulerArgs(params)
	task, err := rt.Store.UpdateTask(ctx, slug, command)
	if err != nil {
		return nil, err
	}
	return ok("scheduler update", fmt.Sprintf("task %q updated", task.Slug), task)
}

func (rt *Runtime) cmdSchedulerRemove(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	slug, _ := schedulerArgs(params)
	if err := rt.Store.RemoveTask(ctx, slug); err != nil {
		return nil, err
	}
	return ok("scheduler remove", fmt.Sprintf("task %q removed", slug), nil)
}

func (rt *Runtime) cmdSchedulerLog(ctx context.Context, params map[string]any) (*dispatch.Response, error) {
	entries, err := rt.Store.RunLog(ctx, intParam(params, "limit", 20))
	if err != nil {
		return nil, err
	}
	return ok("scheduler log", fmt.Sprintf("%d runs", len(entries)), entries)
}
