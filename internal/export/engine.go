// Package export renders brain content through presets: select projects
// and entities, filter and transform payloads, expand shortcodes, and
// emit one of the json/jsonl/markdown/text formats via the preset's
// templates.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aaviondb/aaviondb/internal/brain"
	"github.com/aaviondb/aaviondb/internal/fault"
	"github.com/aaviondb/aaviondb/internal/filterdsl"
	"github.com/aaviondb/aaviondb/internal/paths"
	"github.com/aaviondb/aaviondb/internal/preset"
	"github.com/aaviondb/aaviondb/internal/resolver"
)

// DefaultPreset is used when a request names none.
const DefaultPreset = "context-unified"

// Engine runs the export pipeline.
type Engine struct {
	store    *brain.Store
	presets  *preset.Registry
	resolver *resolver.Engine
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine wires the pipeline. logger may be nil.
func NewEngine(store *brain.Store, presets *preset.Registry, res *resolver.Engine, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, presets: presets, resolver: res, logger: logger, now: time.Now}
}

// Request carries the export arguments. Nil pointer fields fall back to
// the merged destination defaults (system config, then preset).
type Request struct {
	ProjectSpec  string
	Preset       string
	Selectors    []string
	Format       string
	Path         string
	Save         *bool
	Response     *bool
	NestChildren *bool
	Params       map[string]any
	Description  string
	Usage        string
}

// Result is the export command's data section.
type Result struct {
	Content   string           `json:"content,omitempty"`
	Projects  []map[string]any `json:"projects"`
	Entities  []map[string]any `json:"entities"`
	Index     map[string]any   `json:"index"`
	Stats     map[string]any   `json:"stats"`
	Meta      map[string]any   `json:"meta"`
	Guide     map[string]any   `json:"guide,omitempty"`
	Policies  map[string]any   `json:"policies,omitempty"`
	Warnings  []string         `json:"warnings"`
	SavedPath string           `json:"saved_path,omitempty"`
}

// destination is the merged output target.
type destination struct {
	Format       string
	Path         string
	Save         bool
	Response     bool
	NestChildren bool
}

// record is one emitted entity version flowing through the pipeline.
type record struct {
	Project  string
	Slug     string
	Version  string
	Status   string
	Fieldset string
	Path     []string
	Payload  any
}

// Run executes the full pipeline.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	if err := validateArguments(req); err != nil {
		return nil, err
	}

	presetSlug := req.Preset
	if presetSlug == "" {
		presetSlug = DefaultPreset
	}
	def, err := e.presets.Get(presetSlug)
	if err != nil {
		return nil, err
	}
	settings, _ := def["settings"].(map[string]any)
	selection, _ := def["selection"].(map[string]any)
	templates, _ := def["templates"].(map[string]any)

	dest := e.mergeDestination(settings, req)

	vars, err := resolveVariables(settings, req.Params)
	if err != nil {
		return nil, err
	}
	ectx := map[string]any{
		"param": req.Params,
		"var":   vars,
	}

	projects, err := e.resolveProjects(ctx, req, selection, ectx)
	if err != nil {
		return nil, err
	}

	var warnings []string
	var records []record
	projectInfos := make([]map[string]any, 0, len(projects))
	for _, proj := range projects {
		ectx["project"] = proj
		info, recs, warns, err := e.collectProject(ctx, proj, req.Selectors, selection, settings, ectx)
		if err != nil {
			return nil, err
		}
		projectInfos = append(projectInfos, info)
		records = append(records, recs...)
		warnings = append(warnings, warns...)
	}

	result := &Result{
		Projects: projectInfos,
		Warnings: warnings,
	}
	e.materialize(result, presetSlug, def, dest, req, records)

	content, renderWarnings, err := e.render(dest, templates, settings, result, records, ectx)
	if err != nil {
		return nil, err
	}
	result.Warnings = append(result.Warnings, renderWarnings...)
	if result.Warnings == nil {
		result.Warnings = []string{}
	}

	if dest.Save {
		saved, err := e.save(dest, projects, presetSlug, content)
		if err != nil {
			return nil, err
		}
		result.SavedPath = saved
	}
	if dest.Response {
		result.Content = content
	}
	return result, nil
}

// validateArguments enforces the forbidden combinations: selectors make
// no sense against a wildcard, a multi-project CSV, or a preset's own
// selection.
func validateArguments(req Request) error {
	if len(req.Selectors) == 0 {
		return nil
	}
	if req.ProjectSpec == "*" {
		return fault.New(fault.InvalidParameter, "selectors cannot be combined with the wildcard project spec")
	}
	if strings.Contains(req.ProjectSpec, ",") {
		return fault.New(fault.InvalidParameter, "selectors cannot be combined with multiple projects")
	}
	if req.Preset != "" {
		return fault.New(fault.InvalidParameter, "selectors and preset are mutually exclusive")
	}
	return nil
}

// mergeDestination layers system config < preset destination < request.
func (e *Engine) mergeDestination(settings map[string]any, req Request) destination {
	dest := destination{
		Format:       e.store.ConfigString("export.format", "json"),
		Path:         e.store.ConfigString("export.path", ""),
		Save:         e.store.ConfigBool("export.save", false),
		Response:     e.store.ConfigBool("export.response", true),
		NestChildren: e.store.ConfigBool("export.nest_children", false),
	}
	if d, ok := settings["destination"].(map[string]any); ok {
		if v, ok := d["format"].(string); ok && v != "" {
			dest.Format = v
		}
		if v, ok := d["path"].(string); ok && v != "" {
			dest.Path = v
		}
		if v, ok := d["save"].(bool); ok {
			dest.Save = v
		}
		if v, ok := d["response"].(bool); ok {
			dest.Response = v
		}
		if v, ok := d["nest_children"].(bool); ok {
			dest.NestChildren = v
		}
	}
	if req.Format != "" {
		dest.Format = req.Format
	}
	if req.Path != "" {
		dest.Path = req.Path
	}
	if req.Save != nil {
		dest.Save = *req.Save
	}
	if req.Response != nil {
		dest.Response = *req.Response
	}
	if req.NestChildren != nil {
		dest.NestChildren = *req.NestChildren
	}
	return dest
}

// resolveVariables applies defaults and required checks from the
// preset's settings.variables block.
func resolveVariables(settings map[string]any, params map[string]any) (map[string]any, error) {
	out := map[string]any{}
	decls, _ := settings["variables"].(map[string]any)
	for name, rawDecl := range decls {
		decl, _ := rawDecl.(map[string]any)
		value, present := params[name]
		if !present {
			if d, ok := decl["default"]; ok {
				value = d
				present = true
			}
		}
		if !present {
			if decl["required"] == true {
				return nil, fault.New(fault.InvalidParameter, "required parameter %q is missing", name)
			}
			continue
		}
		typ, _ := decl["type"].(string)
		coerced, err := coerceVariable(name, typ, value)
		if err != nil {
			return nil, err
		}
		out[name] = coerced
	}
	return out, nil
}

func coerceVariable(name, typ string, value any) (any, error) {
	fail := func() (any, error) {
		return nil, fault.New(fault.InvalidParameter, "parameter %q is not a valid %s", name, typ)
	}
	switch typ {
	case "", "text":
		return filterdsl.Stringify(value), nil
	case "int":
		switch t := value.(type) {
		case int64:
			return t, nil
		case float64:
			return int64(t), nil
		case string:
			n, err := strconv.ParseInt(t, 10, 64)
			if err != nil {
				return fail()
			}
			return n, nil
		}
		return fail()
	case "number", "float":
		switch t := value.(type) {
		case int64:
			return float64(t), nil
		case float64:
			return t, nil
		case string:
			f, err := strconv.ParseFloat(t, 64)
			if err != nil {
				return fail()
			}
			return f, nil
		}
		return fail()
	case "bool":
		switch t := value.(type) {
		case bool:
			return t, nil
		case string:
			b, err := strconv.ParseBool(t)
			if err != nil {
				return fail()
			}
			return b, nil
		}
		return fail()
	case "comma_list":
		if s, ok := value.(string); ok {
			var parts []any
			for _, p := range strings.Split(s, ",") {
				if p = strings.TrimSpace(p); p != "" {
					parts = append(parts, p)
				}
			}
			return parts, nil
		}
		if list, ok := value.([]any); ok {
			return list, nil
		}
		return fail()
	case "array":
		if list, ok := value.([]any); ok {
			return list, nil
		}
		return fail()
	case "object":
		if m, ok := value.(map[string]any); ok {
			return m, nil
		}
		return fail()
	case "json":
		if s, ok := value.(string); ok {
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err != nil {
				return fail()
			}
			return decoded, nil
		}
		return value, nil
	default:
		return fail()
	}
}

// resolveProjects computes the project set: manual spec (slug, CSV, or
// wildcard) or the preset's selection.projects list.
func (e *Engine) resolveProjects(ctx context.Context, req Request, selection map[string]any, ectx map[string]any) ([]string, error) {
	if req.ProjectSpec == "*" {
		summaries, err := e.store.ListProjects(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(summaries))
		for _, p := range summaries {
			if p.Status == brain.StatusArchived {
				continue
			}
			out = append(out, p.Slug)
		}
		sort.Strings(out)
		return out, nil
	}
	if req.ProjectSpec != "" {
		var out []string
		for _, p := range strings.Split(req.ProjectSpec, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, paths.SanitizeSlug(p))
			}
		}
		if len(out) == 0 {
			return nil, fault.New(fault.InvalidParameter, "empty project spec")
		}
		return out, nil
	}

	raw, _ := selection["projects"].([]any)
	var out []string
	for _, item := range raw {
		slug := filterdsl.Expand(filterdsl.Stringify(item), ectx)
		if strings.Contains(slug, "${") {
			return nil, fault.New(fault.InvalidParameter, "project placeholder %q is unresolved; pass a project spec", slug)
		}
		if slug != "" {
			out = append(out, paths.SanitizeSlug(slug))
		}
	}
	if len(out) == 0 {
		return nil, fault.New(fault.InvalidParameter, "the preset selects no projects and no project spec was given")
	}
	return out, nil
}

// collectProject enumerates one project's entities through selection
// filters, selectors, payload filters, transforms, and the resolver.
func (e *Engine) collectProject(ctx context.Context, proj string, selectors []string, selection, settings map[string]any, ectx map[string]any) (map[string]any, []record, []string, error) {
	report, err := e.store.ProjectReport(ctx, proj, false)
	if err != nil {
		return nil, nil, nil, err
	}
	summaries, err := e.store.ListEntities(ctx, proj, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	sort.Slice(summaries, func(i, j int) bool {
		return strings.Join(summaries[i].Path, "/") < strings.Join(summaries[j].Path, "/")
	})

	entityFilters, err := parseFilterBlock(selection, "entities")
	if err != nil {
		return nil, nil, nil, err
	}
	payloadFilters, err := parseFilterBlock(selection, "payload_filters")
	if err != nil {
		return nil, nil, nil, err
	}
	transform, _ := settings["transform"].(map[string]any)
	postFilters, err := parseTransformPost(transform)
	if err != nil {
		return nil, nil, nil, err
	}
	includeRefs := true
	if ir, ok := selection["include_references"].(map[string]any); ok {
		if v, ok := ir["enabled"].(bool); ok {
			includeRefs = v
		}
	}

	var warnings []string
	var records []record
	for _, summary := range summaries {
		meta := filterdsl.Record{
			Project:  proj,
			Slug:     summary.Slug,
			Status:   summary.Status,
			Fieldset: summary.Fieldset,
			Version:  summary.ActiveVersion,
			Path:     summary.Path,
		}
		ok, err := filterdsl.Matches(meta, entityFilters, ectx)
		if err != nil {
			return nil, nil, nil, err
		}
		if !ok {
			continue
		}

		wanted := selectors
		if len(wanted) == 0 {
			if summary.ActiveVersion == "" {
				continue
			}
			wanted = []string{""}
		}
		for _, selector := range wanted {
			_, rec, err := e.store.GetEntityVersion(ctx, proj, summary.Slug, normalizeSelector(selector))
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("%s.%s%s: %v", proj, summary.Slug, selector, err))
				continue
			}

			full := filterdsl.Record{
				Project:  proj,
				Slug:     summary.Slug,
				Status:   summary.Status,
				Fieldset: summary.Fieldset,
				Version:  versionKeyOf(rec),
				Path:     summary.Path,
				Payload:  rec.Payload,
			}
			ok, err := filterdsl.Matches(full, payloadFilters, ectx)
			if err != nil {
				return nil, nil, nil, err
			}
			if !ok {
				continue
			}

			payload := applyTransform(rec.Payload, transform)
			full.Payload = payload
			ok, err = filterdsl.Matches(full, postFilters, ectx)
			if err != nil {
				return nil, nil, nil, err
			}
			if !ok {
				continue
			}

			if includeRefs && e.resolver != nil {
				params, _ := ectx["param"].(map[string]any)
				resolved, warns := e.resolver.ResolvePayload(ctx, resolver.Caller{
					Project: proj,
					Entity:  summary.Slug,
					Path:    summary.Path,
				}, payload, params)
				payload = resolved
				warnings = append(warnings, warns...)
			}

			records = append(records, record{
				Project:  proj,
				Slug:     summary.Slug,
				Version:  versionKeyOf(rec),
				Status:   full.Status,
				Fieldset: summary.Fieldset,
				Path:     summary.Path,
				Payload:  payload,
			})
		}
	}

	info := map[string]any{
		"slug":        proj,
		"title":       report["title"],
		"description": report["description"],
		"status":      report["status"],
		"entities":    int64(len(records)),
	}
	return info, records, warnings, nil
}

func parseFilterBlock(selection map[string]any, key string) ([]filterdsl.Filter, error) {
	raw, ok := selection[key]
	if !ok || raw == nil {
		return nil, nil
	}
	normalized, err := preset.NormalizeFilters(raw)
	if err != nil {
		return nil, err
	}
	return filterdsl.ParseFilters(normalized)
}

func parseTransformPost(transform map[string]any) ([]filterdsl.Filter, error) {
	if transform == nil || transform["post"] == nil {
		return nil, nil
	}
	normalized, err := preset.NormalizeFilters(transform["post"])
	if err != nil {
		return nil, err
	}
	return filterdsl.ParseFilters(normalized)
}

// normalizeSelector accepts "@v2" as well as "@2" on the export surface.
func normalizeSelector(selector string) string {
	if strings.HasPrefix(selector, "@v") {
		return "@" + selector[2:]
	}
	return selector
}

func versionKeyOf(rec *brain.VersionRecord) string {
	return strconv.FormatInt(rec.Version, 10)
}

// applyTransform applies whitelist (kept paths) then blacklist (removed
// paths) to a payload copy.
func applyTransform(payload any, transform map[string]any) any {
	if transform == nil {
		return payload
	}
	if wl, ok := transform["whitelist"].([]any); ok && len(wl) > 0 {
		payload = pickPaths(payload, stringList(wl))
	}
	if bl, ok := transform["blacklist"].([]any); ok && len(bl) > 0 {
		payload = dropPaths(payload, stringList(bl))
	}
	return payload
}

func stringList(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s := filterdsl.Stringify(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// pickPaths builds a new payload containing only the listed dot-paths.
func pickPaths(payload any, pathsToKeep []string) any {
	src, ok := payload.(map[string]any)
	if !ok {
		return payload
	}
	out := map[string]any{}
	for _, path := range pathsToKeep {
		value, found := filterdsl.LookupPath(src, path)
		if !found {
			continue
		}
		setPath(out, strings.Split(path, "."), value)
	}
	return out
}

// dropPaths removes the listed dot-paths from a copied payload.
func dropPaths(payload any, pathsToDrop []string) any {
	src, ok := payload.(map[string]any)
	if !ok {
		return payload
	}
	out := deepCopyMap(src)
	for _, path := range pathsToDrop {
		deletePath(out, strings.Split(path, "."))
	}
	return out
}

func setPath(m map[string]any, segments []string, value any) {
	for i, seg := range segments {
		if i == len(segments)-1 {
			m[seg] = value
			return
		}
		next, ok := m[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[seg] = next
		}
		m = next
	}
}

func deletePath(m map[string]any, segments []string) {
	for i, seg := range segments {
		if i == len(segments)-1 {
			delete(m, seg)
			return
		}
		next, ok := m[seg].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
}

func deepCopyMap(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepCopyMap(nested)
			continue
		}
		if list, ok := v.([]any); ok {
			copied := make([]any, len(list))
			for i, item := range list {
				if nested, ok := item.(map[string]any); ok {
					copied[i] = deepCopyMap(nested)
				} else {
					copied[i] = item
				}
			}
			out[k] = copied
			continue
		}
		out[k] = v
	}
	return out
}

// materialize fills the structural result sections.
func (e *Engine) materialize(result *Result, presetSlug string, def map[string]any, dest destination, req Request, records []record) {
	entities := make([]map[string]any, 0, len(records))
	index := map[string]any{}
	versionsTotal := 0
	for _, rec := range records {
		entities = append(entities, map[string]any{
			"project":  rec.Project,
			"slug":     rec.Slug,
			"version":  rec.Version,
			"status":   rec.Status,
			"fieldset": rec.Fieldset,
			"path":     rec.Path,
			"payload":  rec.Payload,
		})
		versionsTotal++
		key := rec.Project
		list, _ := index[key].([]any)
		index[key] = append(list, rec.Slug+"@"+rec.Version)
	}
	result.Entities = entities
	result.Index = index
	result.Stats = map[string]any{
		"projects": int64(len(result.Projects)),
		"entities": int64(len(entities)),
		"versions": int64(versionsTotal),
	}

	activeBrain, _ := e.store.ActiveSlug()
	meta := map[string]any{
		"generated_at": e.now().UTC().Format(time.RFC3339),
		"brain":        activeBrain,
		"preset":       presetSlug,
		"format":       dest.Format,
	}
	if req.Description != "" {
		meta["description"] = req.Description
	}
	if req.Usage != "" {
		meta["usage"] = req.Usage
	}
	result.Meta = meta

	if pm, ok := def["meta"].(map[string]any); ok {
		result.Guide = map[string]any{
			"title":       pm["title"],
			"description": pm["description"],
			"usage":       pm["usage"],
		}
	}
	if settings, ok := def["settings"].(map[string]any); ok {
		if pol, ok := settings["policies"].(map[string]any); ok {
			result.Policies = pol
		}
	}
}

// save writes the rendered content under the export sink.
func (e *Engine) save(dest destination, projects []string, presetSlug, content string) (string, error) {
	path := dest.Path
	if path == "" {
		name := strings.Join(projects, "+")
		if name == "" {
			name = "export"
		}
		filename := fmt.Sprintf("%s-%s-%s.%s", name, presetSlug,
			e.now().UTC().Format("20060102_150405"), formatExtension(dest.Format))
		path = filepath.Join(e.store.Locator().ExportDir(), filename)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fault.Wrap(fault.StorageFailure, err, "creating export dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fault.Wrap(fault.StorageFailure, err, "writing export file: %v", err)
	}
	return path, nil
}

func formatExtension(format string) string {
	switch format {
	case "jsonl":
		return "jsonl"
	case "markdown":
		return "md"
	case "text":
		return "txt"
	default:
		return "json"
	}
}
