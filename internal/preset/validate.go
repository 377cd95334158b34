// Package preset holds the export preset registry: shape validation,
// the bundled presets seeded at bootstrap, CRUD over the system brain's
// export section with clone-on-update protection, and preset file
// import/export.
package preset

import (
	"fmt"
	"strings"

	"github.com/aaviondb/aaviondb/internal/fault"
)

// Formats accepted by settings.destination.format.
var validFormats = map[string]bool{
	"json": true, "jsonl": true, "markdown": true, "text": true,
}

// Variable types accepted by settings.variables.
var validVariableTypes = map[string]bool{
	"text": true, "int": true, "number": true, "float": true, "bool": true,
	"array": true, "object": true, "comma_list": true, "json": true,
}

// Validate checks a preset definition's shape and returns it with
// normalized filter definitions. The input map is not mutated.
func Validate(def map[string]any) (map[string]any, error) {
	if def == nil {
		return nil, fault.New(fault.InvalidPreset, "preset definition must be an object")
	}
	out := map[string]any{}
	for k, v := range def {
		out[k] = v
	}

	meta, err := section(out, "meta")
	if err != nil {
		return nil, err
	}
	if s, _ := meta["title"].(string); strings.TrimSpace(s) == "" {
		return nil, fault.New(fault.InvalidPreset, "meta.title must be a non-empty string")
	}
	if tags, ok := meta["tags"]; ok {
		list, ok := tags.([]any)
		if !ok {
			return nil, fault.New(fault.InvalidPreset, "meta.tags must be a list")
		}
		for _, t := range list {
			if _, ok := t.(string); !ok {
				return nil, fault.New(fault.InvalidPreset, "meta.tags entries must be strings")
			}
		}
	}

	settings, err := section(out, "settings")
	if err != nil {
		return nil, err
	}
	if err := validateDestination(settings); err != nil {
		return nil, err
	}
	if err := validateVariables(settings); err != nil {
		return nil, err
	}
	if err := validateTransform(settings); err != nil {
		return nil, err
	}
	if err := validateOptions(settings); err != nil {
		return nil, err
	}

	selection, err := section(out, "selection")
	if err != nil {
		return nil, err
	}
	projects, ok := selection["projects"].([]any)
	if !ok || len(projects) == 0 {
		selection["projects"] = []any{"${project}"}
	}
	for _, key := range []string{"entities", "payload_filters"} {
		if raw, ok := selection[key]; ok {
			normalized, err := NormalizeFilters(raw)
			if err != nil {
				return nil, fault.Wrap(fault.InvalidPreset, err, "selection.%s: %v", key, err)
			}
			selection[key] = normalized
		}
	}

	templates, err := section(out, "templates")
	if err != nil {
		return nil, err
	}
	for _, key := range []string{"root", "entity"} {
		if s, _ := templates[key].(string); s == "" {
			return nil, fault.New(fault.InvalidPreset, "templates.%s must be a non-empty string", key)
		}
	}

	return out, nil
}

func section(def map[string]any, name string) (map[string]any, error) {
	raw, ok := def[name]
	if !ok {
		return nil, fault.New(fault.InvalidPreset, "preset is missing the %q section", name)
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fault.New(fault.InvalidPreset, "preset section %q must be an object", name)
	}
	return m, nil
}

func validateDestination(settings map[string]any) error {
	raw, ok := settings["destination"]
	if !ok {
		settings["destination"] = map[string]any{
			"response": true, "save": false, "format": "json", "nest_children": false,
		}
		return nil
	}
	dest, ok := raw.(map[string]any)
	if !ok {
		return fault.New(fault.InvalidPreset, "settings.destination must be an object")
	}
	format, _ := dest["format"].(string)
	if format == "" {
		dest["format"] = "json"
	} else if !validFormats[format] {
		return fault.New(fault.InvalidPreset, "settings.destination.format %q is not one of json, jsonl, markdown, text", format)
	}
	for _, key := range []string{"response", "save", "nest_children"} {
		if v, ok := dest[key]; ok {
			if _, ok := v.(bool); !ok {
				return fault.New(fault.InvalidPreset, "settings.destination.%s must be a bool", key)
			}
		}
	}
	return nil
}

func validateVariables(settings map[string]any) error {
	raw, ok := settings["variables"]
	if !ok {
		return nil
	}
	vars, ok := raw.(map[string]any)
	if !ok {
		return fault.New(fault.InvalidPreset, "settings.variables must be an object")
	}
	for name, rawDef := range vars {
		vd, ok := rawDef.(map[string]any)
		if !ok {
			return fault.New(fault.InvalidPreset, "variable %q must be an object", name)
		}
		vt, _ := vd["type"].(string)
		if vt == "" {
			vd["type"] = "text"
		} else if !validVariableTypes[vt] {
			return fault.New(fault.InvalidPreset, "variable %q has unknown type %q", name, vt)
		}
		if v, ok := vd["required"]; ok {
			if _, ok := v.(bool); !ok {
				return fault.New(fault.InvalidPreset, "variable %q: required must be a bool", name)
			}
		}
	}
	return nil
}

func validateTransform(settings map[string]any) error {
	raw, ok := settings["transform"]
	if !ok {
		return nil
	}
	tr, ok := raw.(map[string]any)
	if !ok {
		return fault.New(fault.InvalidPreset, "settings.transform must be an object")
	}
	for _, key := range []string{"whitelist", "blacklist"} {
		if v, ok := tr[key]; ok {
			list, ok := v.([]any)
			if !ok {
				return fault.New(fault.InvalidPreset, "settings.transform.%s must be a list of dot-paths", key)
			}
			for _, p := range list {
				if _, ok := p.(string); !ok {
					return fault.New(fault.InvalidPreset, "settings.transform.%s entries must be strings", key)
				}
			}
		}
	}
	if v, ok := tr["post"]; ok {
		normalized, err := NormalizeFilters(v)
		if err != nil {
			return fault.Wrap(fault.InvalidPreset, err, "settings.transform.post: %v", err)
		}
		tr["post"] = normalized
	}
	return nil
}

func validateOptions(settings map[string]any) error {
	raw, ok := settings["options"]
	if !ok {
		return nil
	}
	opts, ok := raw.(map[string]any)
	if !ok {
		return fault.New(fault.InvalidPreset, "settings.options must be an object")
	}
	if v, ok := opts["missing_payload"]; ok {
		s, _ := v.(string)
		if s != "empty" && s != "skip" {
			return fault.New(fault.InvalidPreset, "settings.options.missing_payload must be empty or skip")
		}
	}
	return nil
}

// NormalizeFilters coerces a FilterDef list: plain strings become
// slug_equals filters, objects must carry a type.
func NormalizeFilters(raw any) ([]any, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("filter list must be an array")
	}
	out := make([]any, 0, len(list))
	for i, item := range list {
		switch t := item.(type) {
		case string:
			out = append(out, map[string]any{
				"type":   "slug_equals",
				"config": map[string]any{"value": t},
			})
		case map[string]any:
			ft, _ := t["type"].(string)
			if ft == "" {
				return nil, fmt.Errorf("filter %d is missing its type", i)
			}
			if _, ok := t["config"]; !ok {
				t["config"] = map[string]any{}
			}
			out = append(out, t)
		default:
			return nil, fmt.Errorf("filter %d must be a string or object", i)
		}
	}
	return out, nil
}
