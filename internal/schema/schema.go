// Package schema validates entity payloads against fieldset definitions.
// A fieldset is itself an entity (in the reserved "fieldsets" project)
// whose payload is a JSON Schema fragment; saves of bound entities are
// checked against it and property defaults are injected first.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aaviondb/aaviondb/internal/canonical"
	"github.com/aaviondb/aaviondb/internal/fault"
)

// Context supplies the values placeholder defaults expand to. Keys are
// the bare placeholder names (project, entity, …).
type Context map[string]string

// AssertValidSchema verifies that payload is a well-formed JSON Schema
// fragment: a keyed map that the compiler accepts.
func AssertValidSchema(payload any) error {
	m, ok := payload.(map[string]any)
	if !ok {
		return fault.New(fault.SchemaValidation, "fieldset payload must be a JSON object")
	}
	if _, err := compile(m); err != nil {
		return err
	}
	return nil
}

// Apply validates payload against schemaDef and returns the normalized
// payload: property defaults injected for missing keys (recursively) and
// placeholder markers in defaults expanded from ctx.
func Apply(payload any, schemaDef map[string]any, ctx Context) (any, error) {
	sch, err := compile(schemaDef)
	if err != nil {
		return nil, err
	}

	normalized := canonical.Clone(payload)
	normalized = injectDefaults(normalized, schemaDef, ctx)

	norm, err := canonical.Normalize(normalized)
	if err != nil {
		return nil, fault.Wrap(fault.SchemaValidation, err, "payload not representable: %v", err)
	}

	if err := sch.Validate(toPlainJSON(norm)); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := leafCause(ve)
			return nil, fault.New(fault.SchemaValidation, "schema validation failed: %s", leaf.Message).
				WithMeta("path", instancePath(leaf)).
				WithMeta("reason", leaf.Message)
		}
		return nil, fault.Wrap(fault.SchemaValidation, err, "schema validation failed: %v", err)
	}
	return norm, nil
}

func compile(schemaDef map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schemaDef)
	if err != nil {
		return nil, fault.Wrap(fault.SchemaValidation, err, "unencodable schema: %v", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource("fieldset.json", bytes.NewReader(raw)); err != nil {
		return nil, fault.Wrap(fault.SchemaValidation, err, "invalid schema: %v", err)
	}
	sch, err := compiler.Compile("fieldset.json")
	if err != nil {
		return nil, fault.Wrap(fault.SchemaValidation, err, "invalid schema: %v", err)
	}
	return sch, nil
}

// injectDefaults walks the schema's properties and fills absent keys with
// their declared defaults, recursing into nested object schemas.
func injectDefaults(payload any, schemaDef map[string]any, ctx Context) any {
	props, ok := schemaDef["properties"].(map[string]any)
	if !ok {
		return payload
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		if payload == nil {
			obj = map[string]any{}
		} else {
			return payload
		}
	}
	for name, rawProp := range props {
		prop, ok := rawProp.(map[string]any)
		if !ok {
			continue
		}
		if _, present := obj[name]; !present {
			if def, hasDefault := prop["default"]; hasDefault {
				obj[name] = expandPlaceholders(canonical.Clone(def), ctx)
			}
		}
		// Recurse into nested object schemas when the key now exists.
		if nested, isObj := obj[name].(map[string]any); isObj {
			if propType, _ := prop["type"].(string); propType == "object" {
				obj[name] = injectDefaults(nested, prop, ctx)
			}
		}
	}
	return obj
}

// expandPlaceholders replaces ${name} markers in string defaults. The
// built-ins ${now} and ${uuid} are always available; everything else
// comes from ctx.
func expandPlaceholders(v any, ctx Context) any {
	switch t := v.(type) {
	case string:
		return expandString(t, ctx)
	case []any:
		for i, elem := range t {
			t[i] = expandPlaceholders(elem, ctx)
		}
		return t
	case map[string]any:
		for k, val := range t {
			t[k] = expandPlaceholders(val, ctx)
		}
		return t
	default:
		return v
	}
}

func expandString(s string, ctx Context) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var out strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			out.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			out.WriteString(s)
			break
		}
		out.WriteString(s[:start])
		name := s[start+2 : start+end]
		out.WriteString(placeholderValue(name, ctx))
		s = s[start+end+1:]
	}
	return out.String()
}

func placeholderValue(name string, ctx Context) string {
	switch name {
	case "now":
		return time.Now().Format(time.RFC3339)
	case "uuid":
		return uuid.NewString()
	}
	if ctx != nil {
		if v, ok := ctx[name]; ok {
			return v
		}
	}
	// Unknown markers stay literal so nothing is silently lost.
	return "${" + name + "}"
}

// toPlainJSON re-decodes a model value through encoding/json so the
// validator sees the float64-based representation it expects.
func toPlainJSON(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var plain any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return v
	}
	return plain
}

func leafCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

func instancePath(ve *jsonschema.ValidationError) string {
	if ve.InstanceLocation == "" {
		return "/"
	}
	return ve.InstanceLocation
}
