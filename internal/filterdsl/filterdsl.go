// Package filterdsl evaluates preset FilterDef lists and resolver where
// expressions against entity records. A filter list is ANDed; string
// shorthand filters are normalized upstream by the preset validator.
package filterdsl

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aaviondb/aaviondb/internal/canonical"
	"github.com/aaviondb/aaviondb/internal/fault"
)

// Record is the evaluation subject: one entity version plus its
// hierarchy position.
type Record struct {
	Project  string
	Slug     string
	Status   string
	Fieldset string
	Version  string
	Path     []string
	Payload  any
}

// Filter is one normalized FilterDef.
type Filter struct {
	Type   string
	Config map[string]any
}

// ParseFilters decodes a normalized FilterDef list ([]any of objects).
func ParseFilters(raw []any) ([]Filter, error) {
	out := make([]Filter, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fault.New(fault.InvalidParameter, "filter %d is not an object", i)
		}
		ft, _ := m["type"].(string)
		if ft == "" {
			return nil, fault.New(fault.InvalidParameter, "filter %d is missing its type", i)
		}
		config, _ := m["config"].(map[string]any)
		if config == nil {
			config = map[string]any{}
		}
		out = append(out, Filter{Type: ft, Config: config})
	}
	return out, nil
}

// Matches evaluates an ANDed filter list; placeholders in filter config
// values are expanded against ctx before evaluation.
func Matches(record Record, filters []Filter, ctx map[string]any) (bool, error) {
	for _, f := range filters {
		ok, err := matchOne(record, f, ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchOne(record Record, f Filter, ctx map[string]any) (bool, error) {
	value := func(key string) string {
		return Expand(asString(f.Config[key]), ctx)
	}
	switch f.Type {
	case "slug_equals":
		return record.Slug == value("value"), nil

	case "slug_in":
		list, err := configList(f.Config, "values")
		if err != nil {
			return false, err
		}
		for _, v := range list {
			if record.Slug == Expand(v, ctx) {
				return true, nil
			}
		}
		return false, nil

	case "status_equals":
		return record.Status == value("value"), nil

	case "has_fieldset":
		want := value("value")
		if want == "" {
			return record.Fieldset != "", nil
		}
		return record.Fieldset == want, nil

	case "payload_equals":
		field := value("field")
		want := f.Config["value"]
		got, found := LookupPath(record.Payload, field)
		if !found {
			return false, nil
		}
		if s, ok := want.(string); ok {
			return asString(got) == Expand(s, ctx), nil
		}
		return canonical.Equal(got, want), nil

	case "payload_missing":
		_, found := LookupPath(record.Payload, value("field"))
		return !found, nil

	case "payload_contains":
		got, found := LookupPath(record.Payload, value("field"))
		if !found {
			return false, nil
		}
		return contains(got, Expand(asString(f.Config["value"]), ctx)), nil

	case "payload_matches":
		got, found := LookupPath(record.Payload, value("field"))
		if !found {
			return false, nil
		}
		pattern := value("pattern")
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fault.Wrap(fault.InvalidParameter, err, "payload_matches pattern %q: %v", pattern, err)
		}
		return re.MatchString(asString(got)), nil

	case "path_equals":
		return strings.Join(record.Path, "/") == strings.Trim(value("value"), "/"), nil

	case "path_under":
		want := strings.Trim(value("value"), "/")
		path := strings.Join(record.Path, "/")
		return path == want || strings.HasPrefix(path, want+"/"), nil

	default:
		return false, fault.New(fault.InvalidParameter, "unknown filter type %q", f.Type)
	}
}

func configList(config map[string]any, key string) ([]string, error) {
	raw, ok := config[key].([]any)
	if !ok {
		return nil, fault.New(fault.InvalidParameter, "filter config %q must be a list", key)
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, asString(v))
	}
	return out, nil
}

// contains implements the type-directed contains rule: substring for
// strings, membership for lists, key presence for maps.
func contains(haystack any, needle string) bool {
	switch t := haystack.(type) {
	case string:
		return strings.Contains(t, needle)
	case []any:
		for _, v := range t {
			if asString(v) == needle {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := t[needle]
		return ok
	default:
		return asString(haystack) == needle
	}
}

// LookupPath walks a dot-path (array indices as bare numbers) through a
// payload tree.
func LookupPath(v any, path string) (any, bool) {
	if path == "" {
		return v, v != nil
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch t := cur.(type) {
		case map[string]any:
			next, ok := t[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			var idx int
			if _, err := fmt.Sscanf(seg, "%d", &idx); err != nil || idx < 0 || idx >= len(t) {
				return nil, false
			}
			cur = t[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Stringify flattens a value into its string slot form; arrays join
// with commas. The resolver and export engines share this rendering.
func Stringify(v any) string { return asString(v) }

// asString flattens a value into its string slot form; arrays join with
// commas.
func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = asString(e)
		}
		return strings.Join(parts, ",")
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		if data, err := canonical.Encode(v); err == nil {
			return strings.Trim(string(data), `"`)
		}
		return fmt.Sprintf("%v", v)
	}
}

var placeholderRe = regexp.MustCompile(`\$\{([a-zA-Z0-9_.]+)\}`)

// Expand substitutes ${…} placeholders from ctx. Dot-suffixed names
// (${param.x}, ${var.x}, ${payload.a.b}) walk nested maps. Unknown
// placeholders stay literal.
func Expand(s string, ctx map[string]any) string {
	if ctx == nil || !strings.Contains(s, "${") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := ctx[name]; ok {
			return asString(v)
		}
		if i := strings.Index(name, "."); i > 0 {
			if root, ok := ctx[name[:i]]; ok {
				if v, found := LookupPath(root, name[i+1:]); found {
					return asString(v)
				}
			}
		}
		return match
	})
}
