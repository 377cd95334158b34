package filterdsl

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/aaviondb/aaviondb/internal/fault"
)

// Condition is one parsed clause of a where expression.
type Condition struct {
	Field  string
	Op     string
	Value  any
	Values []any // for in / not in
}

// Where is an ANDed condition list.
type Where []Condition

// whereOps in match order: longest operators first so ">=" wins over ">".
var whereOps = []string{"!contains", "not in", ">=", "<=", "!=", "contains", "in", "=", ">", "<", "~"}

// ParseWhere parses "status = active; tags contains core; n >= 3" into
// conditions. Clauses separate on unquoted semicolons.
func ParseWhere(expr string) (Where, error) {
	var out Where
	for _, clause := range splitClauses(expr) {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		cond, err := parseClause(clause)
		if err != nil {
			return nil, err
		}
		out = append(out, cond)
	}
	return out, nil
}

func splitClauses(expr string) []string {
	var parts []string
	var cur strings.Builder
	inQuote := byte(0)
	depth := 0
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if inQuote != 0 {
			cur.WriteByte(c)
			if c == inQuote && expr[i-1] != '\\' {
				inQuote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			inQuote = c
			cur.WriteByte(c)
		case '(', '[':
			depth++
			cur.WriteByte(c)
		case ')', ']':
			depth--
			cur.WriteByte(c)
		case ';':
			if depth == 0 {
				parts = append(parts, cur.String())
				cur.Reset()
			} else {
				cur.WriteByte(c)
			}
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())
	return parts
}

func parseClause(clause string) (Condition, error) {
	for _, op := range whereOps {
		idx := findOperator(clause, op)
		if idx < 0 {
			continue
		}
		field := strings.TrimSpace(clause[:idx])
		rawValue := strings.TrimSpace(clause[idx+len(op):])
		if field == "" || rawValue == "" {
			return Condition{}, fault.New(fault.InvalidParameter, "malformed where clause %q", clause)
		}
		cond := Condition{Field: field, Op: op}
		if op == "in" || op == "not in" {
			values, err := parseValueList(rawValue)
			if err != nil {
				return Condition{}, fault.Wrap(fault.InvalidParameter, err, "where clause %q: %v", clause, err)
			}
			cond.Values = values
		} else {
			cond.Value = parseValue(rawValue)
		}
		return cond, nil
	}
	return Condition{}, fault.New(fault.InvalidParameter, "where clause %q has no recognized operator", clause)
}

// findOperator locates op in clause outside quotes, requiring word
// boundaries for the word-shaped operators.
func findOperator(clause, op string) int {
	wordOp := op == "contains" || op == "!contains" || op == "in" || op == "not in"
	inQuote := byte(0)
	for i := 0; i+len(op) <= len(clause); i++ {
		c := clause[i]
		if inQuote != 0 {
			if c == inQuote && clause[i-1] != '\\' {
				inQuote = 0
			}
			continue
		}
		if c == '"' || c == '\'' {
			inQuote = c
			continue
		}
		if clause[i:i+len(op)] != op {
			continue
		}
		if wordOp {
			if i > 0 && !isSpace(clause[i-1]) {
				continue
			}
			if i+len(op) < len(clause) && !isSpace(clause[i+len(op)]) && clause[i+len(op)] != '(' {
				continue
			}
		}
		return i
	}
	return -1
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' }

// parseValue decodes one where value: quoted string, number, bool, JSON
// array, or bare word.
func parseValue(raw string) any {
	if len(raw) >= 2 {
		if (raw[0] == '"' && raw[len(raw)-1] == '"') || (raw[0] == '\'' && raw[len(raw)-1] == '\'') {
			inner := raw[1 : len(raw)-1]
			inner = strings.ReplaceAll(inner, `\"`, `"`)
			inner = strings.ReplaceAll(inner, `\'`, `'`)
			return strings.ReplaceAll(inner, `\\`, `\`)
		}
	}
	if strings.HasPrefix(raw, "[") {
		var arr []any
		if err := json.Unmarshal([]byte(raw), &arr); err == nil {
			return arr
		}
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	switch raw {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	return raw
}

// parseValueList decodes "(a, b, c)" or a JSON array.
func parseValueList(raw string) ([]any, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "[") {
		var arr []any
		if err := json.Unmarshal([]byte(raw), &arr); err != nil {
			return nil, err
		}
		return arr, nil
	}
	if !strings.HasPrefix(raw, "(") || !strings.HasSuffix(raw, ")") {
		return nil, fault.New(fault.InvalidParameter, "expected a parenthesized or JSON list, got %q", raw)
	}
	inner := raw[1 : len(raw)-1]
	var out []any
	for _, part := range strings.Split(inner, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, parseValue(part))
	}
	return out, nil
}

// Eval evaluates the ANDed conditions against a record. Field names
// resolve in order: the meta fields (slug, status, version, fieldset,
// project, path), then payload dot-paths.
func (w Where) Eval(record Record, ctx map[string]any) (bool, error) {
	for _, cond := range w {
		ok, err := cond.eval(record, ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (c Condition) eval(record Record, ctx map[string]any) (bool, error) {
	got, found := record.FieldValue(c.Field)

	expand := func(v any) any {
		if s, ok := v.(string); ok {
			return Expand(s, ctx)
		}
		return v
	}

	switch c.Op {
	case "=":
		return found && looseEqual(got, expand(c.Value)), nil
	case "!=":
		return !found || !looseEqual(got, expand(c.Value)), nil
	case ">", "<", ">=", "<=":
		if !found {
			return false, nil
		}
		return compareOrdered(got, expand(c.Value), c.Op)
	case "contains":
		return found && contains(got, asString(expand(c.Value))), nil
	case "!contains":
		return !found || !contains(got, asString(expand(c.Value))), nil
	case "in":
		if !found {
			return false, nil
		}
		for _, v := range c.Values {
			if looseEqual(got, expand(v)) {
				return true, nil
			}
		}
		return false, nil
	case "not in":
		if !found {
			return true, nil
		}
		for _, v := range c.Values {
			if looseEqual(got, expand(v)) {
				return false, nil
			}
		}
		return true, nil
	case "~":
		if !found {
			return false, nil
		}
		pattern := asString(expand(c.Value))
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fault.Wrap(fault.InvalidParameter, err, "regex %q: %v", pattern, err)
		}
		return re.MatchString(asString(got)), nil
	default:
		return false, fault.New(fault.InvalidParameter, "unknown operator %q", c.Op)
	}
}

// FieldValue resolves a where/select field against the record.
func (r Record) FieldValue(field string) (any, bool) {
	switch field {
	case "slug", "entity":
		return r.Slug, true
	case "status":
		return r.Status, true
	case "version":
		return r.Version, true
	case "fieldset":
		return r.Fieldset, r.Fieldset != ""
	case "project":
		return r.Project, true
	case "path":
		return strings.Join(r.Path, "/"), true
	}
	if rest, ok := strings.CutPrefix(field, "payload."); ok {
		return LookupPath(r.Payload, rest)
	}
	return LookupPath(r.Payload, field)
}

// looseEqual compares scalars with numeric coercion so "3" = 3 holds
// across the string-typed statement surface.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return asString(a) == asString(b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func compareOrdered(got, want any, op string) (bool, error) {
	gf, gok := toFloat(got)
	wf, wok := toFloat(want)
	var cmp int
	if gok && wok {
		switch {
		case gf < wf:
			cmp = -1
		case gf > wf:
			cmp = 1
		}
	} else {
		cmp = strings.Compare(asString(got), asString(want))
	}
	switch op {
	case ">":
		return cmp > 0, nil
	case "<":
		return cmp < 0, nil
	case ">=":
		return cmp >= 0, nil
	case "<=":
		return cmp <= 0, nil
	}
	return false, fault.New(fault.InvalidParameter, "unknown comparison %q", op)
}
