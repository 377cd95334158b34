package export

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/aaviondb/aaviondb/internal/canonical"
	"github.com/aaviondb/aaviondb/internal/fault"
	"github.com/aaviondb/aaviondb/internal/filterdsl"
)

var placeholderRe = regexp.MustCompile(`\$\{([a-zA-Z0-9_.]+)\}`)

// render runs the template stage: entity templates per record, optional
// project templates, then the root template, honoring the
// missing_payload policy.
func (e *Engine) render(dest destination, templates, settings map[string]any, result *Result, records []record, ectx map[string]any) (string, []string, error) {
	rootTpl, _ := templates["root"].(string)
	entityTpl, _ := templates["entity"].(string)
	projectTpl, _ := templates["project"].(string)

	missingMode := "empty"
	if opts, ok := settings["options"].(map[string]any); ok {
		if v, ok := opts["missing_payload"].(string); ok && v != "" {
			missingMode = v
		}
	}

	var warnings []string
	separator := entitySeparator(dest.Format)

	// Group records per project to give the project template a place.
	byProject := map[string][]record{}
	var projectOrder []string
	for _, rec := range records {
		if _, seen := byProject[rec.Project]; !seen {
			projectOrder = append(projectOrder, rec.Project)
		}
		byProject[rec.Project] = append(byProject[rec.Project], rec)
	}
	sort.Strings(projectOrder)

	var blocks []string
	for _, proj := range projectOrder {
		var rendered []string
		for _, rec := range byProject[proj] {
			text, skip, warns := renderEntity(entityTpl, rec, dest.Format, missingMode)
			warnings = append(warnings, warns...)
			if skip {
				continue
			}
			rendered = append(rendered, filterdsl.Expand(text, ectx))
		}
		block := strings.Join(rendered, separator)
		if projectTpl != "" && dest.Format != "json" && dest.Format != "jsonl" {
			header := expandProject(projectTpl, e.projectInfo(result, proj))
			block = filterdsl.Expand(header, ectx) + block
		}
		blocks = append(blocks, block)
	}
	entitiesText := strings.Join(blocks, separator)

	content := expandRoot(rootTpl, result, entitiesText)
	content = filterdsl.Expand(content, ectx)

	if err := validateRendered(dest.Format, content); err != nil {
		return "", nil, err
	}
	return content, warnings, nil
}

func entitySeparator(format string) string {
	if format == "json" {
		return ","
	}
	return "\n"
}

// projectInfo finds the materialized info block for one project slug.
func (e *Engine) projectInfo(result *Result, slug string) map[string]any {
	for _, info := range result.Projects {
		if info["slug"] == slug {
			return info
		}
	}
	return map[string]any{"slug": slug}
}

// renderEntity substitutes ${entity.*} placeholders for one record.
// Returns skip=true when a missing payload path under the skip policy
// drops the record.
func renderEntity(tpl string, rec record, format, missingMode string) (string, bool, []string) {
	var warnings []string
	skip := false
	depth := len(rec.Path) - 1
	if depth < 0 {
		depth = 0
	}

	out := placeholderRe.ReplaceAllStringFunc(tpl, func(match string) string {
		name := match[2 : len(match)-1]
		rest, ok := strings.CutPrefix(name, "entity.")
		if !ok {
			return match
		}
		switch rest {
		case "project":
			return rec.Project
		case "slug":
			return rec.Slug
		case "version":
			return rec.Version
		case "status":
			return rec.Status
		case "fieldset":
			return rec.Fieldset
		case "path":
			return strings.Join(rec.Path, "/")
		case "heading_prefix":
			n := depth + 2
			if n > 6 {
				n = 6
			}
			return strings.Repeat("#", n)
		case "indent":
			return strings.Repeat("  ", depth)
		case "payload.json":
			return encodeJSON(rec.Payload)
		case "payload.pretty":
			data, err := json.MarshalIndent(rec.Payload, "", "  ")
			if err != nil {
				return ""
			}
			return string(data)
		case "payload.text":
			return payloadText(rec.Payload)
		}
		if path, ok := strings.CutPrefix(rest, "payload."); ok {
			value, found := filterdsl.LookupPath(rec.Payload, path)
			if !found {
				warnings = append(warnings, fmt.Sprintf("%s.%s@%s: payload path %q is missing", rec.Project, rec.Slug, rec.Version, path))
				if missingMode == "skip" {
					skip = true
					return ""
				}
				if format == "json" || format == "jsonl" {
					return "null"
				}
				return ""
			}
			if format == "json" || format == "jsonl" {
				return encodeJSON(value)
			}
			return filterdsl.Stringify(value)
		}
		return match
	})
	return out, skip, warnings
}

// expandProject substitutes ${project.*} placeholders from a project
// info block.
func expandProject(tpl string, info map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(tpl, func(match string) string {
		name := match[2 : len(match)-1]
		if rest, ok := strings.CutPrefix(name, "project."); ok {
			if v, found := info[rest]; found {
				return filterdsl.Stringify(v)
			}
			return ""
		}
		return match
	})
}

// expandRoot substitutes the root-level placeholders.
func expandRoot(tpl string, result *Result, entitiesText string) string {
	var first map[string]any
	if len(result.Projects) > 0 {
		first = result.Projects[0]
	}
	return placeholderRe.ReplaceAllStringFunc(tpl, func(match string) string {
		name := match[2 : len(match)-1]
		switch name {
		case "entities":
			return entitiesText
		case "meta.json":
			return encodeJSON(result.Meta)
		case "stats.json":
			return encodeJSON(result.Stats)
		case "index.json":
			return encodeJSON(result.Index)
		case "warnings.json":
			return encodeJSON(result.Warnings)
		}
		if rest, ok := strings.CutPrefix(name, "project."); ok {
			if v, found := first[rest]; found {
				return filterdsl.Stringify(v)
			}
			return ""
		}
		return match
	})
}

func encodeJSON(v any) string {
	data, err := canonical.Encode(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

// payloadText flattens a payload into "dotted.key: value" lines.
func payloadText(payload any) string {
	lines := flattenLines("", payload)
	return strings.Join(lines, "\n")
}

func flattenLines(prefix string, v any) []string {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []string
		for _, k := range keys {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			out = append(out, flattenLines(key, t[k])...)
		}
		return out
	case []any:
		if prefix == "" {
			prefix = "items"
		}
		return []string{prefix + ": " + filterdsl.Stringify(t)}
	default:
		if prefix == "" {
			return []string{filterdsl.Stringify(t)}
		}
		return []string{prefix + ": " + filterdsl.Stringify(t)}
	}
}

// validateRendered enforces the structural guarantees of the machine
// formats: json roots must parse, jsonl lines must each parse.
func validateRendered(format, content string) error {
	switch format {
	case "json":
		if !json.Valid([]byte(content)) {
			return fault.New(fault.InvalidPreset, "rendered json output is not valid JSON")
		}
	case "jsonl":
		for i, line := range strings.Split(content, "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			if !json.Valid([]byte(line)) {
				return fault.New(fault.InvalidPreset, "rendered jsonl line %d is not valid JSON", i+1)
			}
		}
	}
	return nil
}
