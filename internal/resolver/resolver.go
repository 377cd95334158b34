// Package resolver expands the inline [ref …] and [query …] shortcodes
// embedded in entity payloads. Expansion happens on emit (entity show,
// export); the stored canonical form keeps only the instruction, so a
// resolved payload is rendered as "[ref …]<content>[/ref]" and the brain
// store strips the content tail again before hashing.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/aaviondb/aaviondb/internal/brain"
	"github.com/aaviondb/aaviondb/internal/canonical"
	"github.com/aaviondb/aaviondb/internal/filterdsl"
	"github.com/aaviondb/aaviondb/internal/shortcode"
)

// cycleToken is emitted when a reference re-enters its own resolution
// stack.
const cycleToken = "<cycle>"

// Engine resolves shortcodes against the active brain.
type Engine struct {
	store  *brain.Store
	logger *slog.Logger
}

// NewEngine wires an Engine over the store. logger may be nil.
func NewEngine(store *brain.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger}
}

// Caller is the position of the payload being emitted: the owning
// project and, when known, the entity and its hierarchy path. Refs
// without an explicit @project target resolve against Caller.Project,
// and relative URLs are computed from Caller.Path.
type Caller struct {
	Project string
	Entity  string
	Path    []string
}

// ResolvePayload expands every shortcode in the payload's string leaves
// and returns the expanded copy plus any warnings (unresolvable targets,
// malformed instructions). The stored payload is never modified.
func (e *Engine) ResolvePayload(ctx context.Context, caller Caller, payload any, params map[string]any) (any, []string) {
	r := &resolution{
		engine: e,
		ctx:    ctx,
		params: params,
		stack:  map[string]bool{},
	}
	out := r.resolveValue(caller, payload)
	return out, r.warnings
}

// ResolveString expands shortcodes in a single string.
func (e *Engine) ResolveString(ctx context.Context, caller Caller, s string, params map[string]any) (string, []string) {
	r := &resolution{
		engine: e,
		ctx:    ctx,
		params: params,
		stack:  map[string]bool{},
	}
	out := r.expand(caller, s)
	return out, r.warnings
}

// resolution is the per-invocation state: the cycle stack and the
// accumulated warnings.
type resolution struct {
	engine   *Engine
	ctx      context.Context
	params   map[string]any
	stack    map[string]bool
	warnings []string
}

func (r *resolution) warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.warnings = append(r.warnings, msg)
	r.engine.logger.Debug("resolver warning", "warning", msg)
}

// expandCtx is the placeholder bag handed to filterdsl.Expand for
// option values and where expressions.
func (r *resolution) expandCtx(caller Caller) map[string]any {
	return map[string]any{
		"project": caller.Project,
		"param":   r.params,
	}
}

// resolveValue walks a payload tree expanding every string leaf.
func (r *resolution) resolveValue(caller Caller, v any) any {
	switch t := v.(type) {
	case string:
		return r.expand(caller, t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = r.resolveValue(caller, elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = r.resolveValue(caller, val)
		}
		return out
	default:
		return v
	}
}

// expand replaces each shortcode in s with its wrapped resolved form.
func (r *resolution) expand(caller Caller, s string) string {
	codes := shortcode.Find(s)
	if len(codes) == 0 {
		return s
	}
	var b strings.Builder
	last := 0
	for _, code := range codes {
		b.WriteString(s[last:code.Start])
		var resolved string
		switch code.Kind {
		case shortcode.KindRef:
			resolved = r.ref(caller, code)
		case shortcode.KindQuery:
			resolved = r.query(caller, code)
		}
		b.WriteString(shortcode.WrapResolved(code, resolved))
		last = code.End
	}
	b.WriteString(s[last:])
	return b.String()
}

// refOptions are the recognized [ref] rendering options.
type refOptions struct {
	Format    string
	Separator string
	Template  string
}

func defaultRefOptions() refOptions {
	return refOptions{Format: "json", Separator: "\n"}
}

// ref resolves one [ref TARGET|field|option=value …] instruction.
func (r *resolution) ref(caller Caller, code shortcode.Code) string {
	if len(code.Segments) == 0 {
		r.warnf("empty ref instruction %s", code.Instruction)
		return ""
	}
	ectx := r.expandCtx(caller)
	target := filterdsl.Expand(code.Segments[0], ectx)

	opts := defaultRefOptions()
	var extraPath []string
	for _, seg := range code.Segments[1:] {
		key, value, isOption := splitOption(seg)
		if !isOption {
			extraPath = append(extraPath, splitPathSegments(filterdsl.Expand(seg, ectx))...)
			continue
		}
		value = filterdsl.Expand(value, ectx)
		switch key {
		case "format":
			opts.Format = value
		case "separator":
			opts.Separator = value
		case "template":
			opts.Template = value
		default:
			r.warnf("ref option %q is not recognized", key)
		}
	}

	project, entity, selector, path, ok := parseTarget(caller, target)
	if !ok {
		r.warnf("malformed ref target %q", target)
		return ""
	}
	path = append(path, extraPath...)
	fieldPath := strings.Join(path, ".")

	tuple := project + "." + entity + ":" + fieldPath
	if r.stack[tuple] {
		return cycleToken
	}
	r.stack[tuple] = true
	defer delete(r.stack, tuple)

	ent, rec, err := r.engine.store.GetEntityVersion(r.ctx, project, entity, selector)
	if err != nil {
		r.warnf("ref target %s: %v", target, err)
		return ""
	}

	value := any(rec.Payload)
	if fieldPath != "" {
		v, found := filterdsl.LookupPath(rec.Payload, fieldPath)
		if !found {
			r.warnf("ref target %s has no field %s", target, fieldPath)
			return ""
		}
		value = v
	}

	targetCaller := Caller{Project: project, Entity: entity, Path: r.entityPath(project, entity)}
	value = r.resolveValue(targetCaller, value)

	rc := r.recordContext(caller, targetCaller, ent, rec)
	return r.render(value, opts, rc)
}

// queryOptions are the recognized [query] options.
type queryOptions struct {
	Projects  []string
	Where     string
	Select    string
	SortField string
	SortDir   string
	Limit     int
	Offset    int
	Format    string
	Template  string
	Separator string
}

// query resolves one [query option=value|…] instruction.
func (r *resolution) query(caller Caller, code shortcode.Code) string {
	ectx := r.expandCtx(caller)
	opts := queryOptions{
		Select:    "payload",
		Format:    "json",
		Separator: "\n",
		Limit:     -1,
	}
	for _, seg := range code.Segments {
		key, value, isOption := splitOption(seg)
		if !isOption {
			r.warnf("query segment %q is not an option", seg)
			continue
		}
		value = filterdsl.Expand(value, ectx)
		switch key {
		case "project", "projects":
			for _, p := range strings.Split(value, ",") {
				if p = strings.TrimSpace(p); p != "" {
					opts.Projects = append(opts.Projects, p)
				}
			}
		case "where":
			opts.Where = strings.Trim(value, `"'`)
		case "select":
			opts.Select = value
		case "sort":
			fields := strings.Fields(value)
			if len(fields) > 0 {
				opts.SortField = fields[0]
			}
			if len(fields) > 1 {
				opts.SortDir = strings.ToLower(fields[1])
			}
		case "limit":
			if n, err := strconv.Atoi(value); err == nil {
				opts.Limit = n
			}
		case "offset":
			if n, err := strconv.Atoi(value); err == nil {
				opts.Offset = n
			}
		case "format":
			opts.Format = value
		case "template":
			opts.Template = value
		case "separator":
			opts.Separator = value
		default:
			r.warnf("query option %q is not recognized", key)
		}
	}

	where, err := filterdsl.ParseWhere(opts.Where)
	if err != nil {
		r.warnf("query where: %v", err)
		return ""
	}

	projects := opts.Projects
	if len(projects) == 0 {
		projects = []string{caller.Project}
	}
	if len(projects) == 1 && projects[0] == "*" {
		projects = nil
		list, err := r.engine.store.ListProjects(r.ctx)
		if err != nil {
			r.warnf("query projects: %v", err)
			return ""
		}
		for _, p := range list {
			projects = append(projects, p.Slug)
		}
	}

	type hit struct {
		record filterdsl.Record
		ent    *brain.Entity
		rec    *brain.VersionRecord
		caller Caller
	}
	var hits []hit
	for _, proj := range projects {
		summaries, err := r.engine.store.ListEntities(r.ctx, proj, nil)
		if err != nil {
			r.warnf("query project %s: %v", proj, err)
			continue
		}
		for _, summary := range summaries {
			if summary.ActiveVersion == "" {
				continue
			}
			ent, rec, err := r.engine.store.GetEntityVersion(r.ctx, proj, summary.Slug, "")
			if err != nil {
				continue
			}
			record := filterdsl.Record{
				Project:  proj,
				Slug:     summary.Slug,
				Status:   summary.Status,
				Fieldset: summary.Fieldset,
				Version:  summary.ActiveVersion,
				Path:     summary.Path,
				Payload:  rec.Payload,
			}
			ok, err := where.Eval(record, ectx)
			if err != nil {
				r.warnf("query where: %v", err)
				return ""
			}
			if !ok {
				continue
			}
			hits = append(hits, hit{
				record: record,
				ent:    ent,
				rec:    rec,
				caller: Caller{Project: proj, Entity: summary.Slug, Path: summary.Path},
			})
		}
	}

	if opts.SortField != "" {
		sort.SliceStable(hits, func(i, j int) bool {
			a, _ := hits[i].record.FieldValue(opts.SortField)
			b, _ := hits[j].record.FieldValue(opts.SortField)
			less := compareLoose(a, b) < 0
			if opts.SortDir == "desc" {
				return !less
			}
			return less
		})
	} else {
		sort.SliceStable(hits, func(i, j int) bool {
			if hits[i].record.Project != hits[j].record.Project {
				return hits[i].record.Project < hits[j].record.Project
			}
			return hits[i].record.Slug < hits[j].record.Slug
		})
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(hits) {
			hits = nil
		} else {
			hits = hits[opts.Offset:]
		}
	}
	if opts.Limit >= 0 && opts.Limit < len(hits) {
		hits = hits[:opts.Limit]
	}

	values := make([]any, 0, len(hits))
	rendered := make([]string, 0, len(hits))
	for _, h := range hits {
		var value any
		if opts.Select == "payload" {
			value = h.rec.Payload
		} else {
			v, found := h.record.FieldValue(opts.Select)
			if !found {
				r.warnf("query select %s missing on %s.%s", opts.Select, h.record.Project, h.record.Slug)
				continue
			}
			value = v
		}
		value = r.resolveValue(h.caller, value)
		values = append(values, value)

		if opts.Template != "" {
			rc := r.recordContext(caller, h.caller, h.ent, h.rec)
			rendered = append(rendered, r.renderTemplate(opts.Template, value, rc))
		} else {
			rendered = append(rendered, r.renderScalar(value, opts.Format))
		}
	}

	if opts.Template == "" && opts.Format == "json" {
		data, err := canonical.Encode(values)
		if err != nil {
			r.warnf("query encode: %v", err)
			return ""
		}
		return string(data)
	}
	if opts.Template == "" && opts.Format == "markdown" {
		for i, line := range rendered {
			rendered[i] = "- " + line
		}
	}
	return strings.Join(rendered, opts.Separator)
}

// render produces the final text for a ref value.
func (r *resolution) render(value any, opts refOptions, rc map[string]string) string {
	if opts.Template != "" {
		if list, ok := value.([]any); ok {
			parts := make([]string, len(list))
			for i, item := range list {
				parts[i] = r.renderTemplate(opts.Template, item, rc)
			}
			return strings.Join(parts, opts.Separator)
		}
		return r.renderTemplate(opts.Template, value, rc)
	}
	if opts.Format == "markdown" {
		if list, ok := value.([]any); ok {
			parts := make([]string, len(list))
			for i, item := range list {
				parts[i] = "- " + r.renderScalar(item, "plain")
			}
			return strings.Join(parts, opts.Separator)
		}
	}
	return r.renderScalar(value, opts.Format)
}

// renderScalar renders one value for a format: json encodes, everything
// else flattens to the plain string form.
func (r *resolution) renderScalar(value any, format string) string {
	if format == "json" {
		data, err := canonical.Encode(value)
		if err != nil {
			r.warnf("encode: %v", err)
			return ""
		}
		return string(data)
	}
	return filterdsl.Stringify(value)
}

var templateRe = regexp.MustCompile(`\{(value|record\.[a-zA-Z0-9_.]+)\}`)

// renderTemplate substitutes {value} and {record.*} placeholders.
func (r *resolution) renderTemplate(tpl string, value any, rc map[string]string) string {
	return templateRe.ReplaceAllStringFunc(tpl, func(match string) string {
		name := match[1 : len(match)-1]
		if name == "value" {
			return filterdsl.Stringify(value)
		}
		if v, ok := rc[name]; ok {
			return v
		}
		return match
	})
}

// recordContext builds the {record.*} placeholder table for a resolved
// target, including the URL helpers.
func (r *resolution) recordContext(caller, target Caller, ent *brain.Entity, rec *brain.VersionRecord) map[string]string {
	relative := relativeURL(caller.Path, target.Path)
	absolute := "/" + strings.Join(target.Path, "/")
	rc := map[string]string{
		"record.project":      target.Project,
		"record.slug":         ent.Slug,
		"record.entity":       ent.Slug,
		"record.status":       ent.Status,
		"record.fieldset":     ent.Fieldset,
		"record.version":      strconv.FormatInt(rec.Version, 10),
		"record.hash":         rec.Hash,
		"record.url":          relative,
		"record.url_relative": relative,
		"record.url_absolute": absolute,
	}
	if m, ok := rec.Payload.(map[string]any); ok {
		flattenInto(rc, "record.payload", m)
	}
	return rc
}

// flattenInto writes every payload leaf under its dot-path key.
func flattenInto(rc map[string]string, prefix string, m map[string]any) {
	for k, v := range m {
		key := prefix + "." + k
		if nested, ok := v.(map[string]any); ok {
			flattenInto(rc, key, nested)
			continue
		}
		rc[key] = filterdsl.Stringify(v)
	}
}

// relativeURL computes the filesystem-style path from the caller's
// hierarchy position to the target's.
func relativeURL(from, to []string) string {
	// The caller's containing directory is its path minus itself.
	base := from
	if len(base) > 0 {
		base = base[:len(base)-1]
	}
	common := 0
	for common < len(base) && common < len(to) && base[common] == to[common] {
		common++
	}
	var parts []string
	for i := common; i < len(base); i++ {
		parts = append(parts, "..")
	}
	parts = append(parts, to[common:]...)
	if len(parts) == 0 {
		return "."
	}
	return strings.Join(parts, "/")
}

// entityPath looks up the hierarchy path of one entity, empty when the
// lookup fails.
func (r *resolution) entityPath(project, entity string) []string {
	summaries, err := r.engine.store.ListEntities(r.ctx, project, nil)
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

// splitOption separates "key=value" segments from bare path segments.
// Only segments whose key part is a plain identifier count as options.
func splitOption(seg string) (key, value string, ok bool) {
	i := strings.Index(seg, "=")
	if i <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(seg[:i])
	for _, c := range key {
		if !(c >= 'a' && c <= 'z') && c != '_' {
			return "", "", false
		}
	}
	return key, strings.TrimSpace(seg[i+1:]), true
}

// parseTarget decodes "@project.entity@sel.path…" / "entity#hash.path…".
func parseTarget(caller Caller, target string) (project, entity, selector string, path []string, ok bool) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", "", "", nil, false
	}
	segments := splitPathSegments(strings.TrimPrefix(target, "@"))
	if strings.HasPrefix(target, "@") {
		if len(segments) < 2 {
			return "", "", "", nil, false
		}
		project = segments[0]
		entity = segments[1]
		path = segments[2:]
	} else {
		project = caller.Project
		entity = segments[0]
		path = segments[1:]
	}
	if i := strings.IndexAny(entity, "@#"); i > 0 {
		selector = entity[i:]
		entity = entity[:i]
	}
	if entity == "" || project == "" {
		return "", "", "", nil, false
	}
	return project, entity, selector, path, true
}

// splitPathSegments splits a dot-path, rewriting "[N]" indices into
// their own segments so "items[0].name" becomes ["items", "0", "name"].
func splitPathSegments(s string) []string {
	var out []string
	for _, seg := range strings.Split(s, ".") {
		for seg != "" {
			i := strings.Index(seg, "[")
			if i < 0 {
				out = append(out, seg)
				break
			}
			if i > 0 {
				out = append(out, seg[:i])
			}
			j := strings.Index(seg, "]")
			if j < i {
				out = append(out, seg[i:])
				break
			}
			out = append(out, seg[i+1:j])
			seg = seg[j+1:]
		}
	}
	return out
}

// compareLoose orders two field values numerically when both parse,
// lexically otherwise.
func compareLoose(a, b any) int {
	as, bs := filterdsl.Stringify(a), filterdsl.Stringify(b)
	af, aerr := strconv.ParseFloat(as, 64)
	bf, berr := strconv.ParseFloat(bs, 64)
	if aerr == nil && berr == nil {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	return strings.Compare(as, bs)
}
