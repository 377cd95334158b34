// Package shortcode parses the inline [ref …] and [query …] markers
// embedded in entity payloads. The resolver expands them on emit; the
// brain store strips the resolved tails before hashing so canonical
// payloads stay in instruction-only form.
package shortcode

import (
	"strings"
)

// Kinds of shortcode.
const (
	KindRef   = "ref"
	KindQuery = "query"
)

// Code is one parsed shortcode instruction.
type Code struct {
	Kind        string   // ref | query
	Instruction string   // full "[ref …]" form, resolved tail excluded
	Body        string   // the text between "[ref " and "]"
	Segments    []string // pipe-separated segments of the body
	Start, End  int      // instruction byte range within the source string
}

// openerAt matches "[ref " / "[ref|" or "[query " at s[i:] and returns
// the kind.
func openerAt(s string, i int) (kind string, ok bool) {
	for _, k := range []string{KindRef, KindQuery} {
		prefix := "[" + k + " "
		if strings.HasPrefix(s[i:], prefix) {
			return k, true
		}
	}
	return "", false
}

// Find returns every top-level shortcode in s, in order.
func Find(s string) []Code {
	var out []Code
	for i := 0; i < len(s); {
		kind, ok := openerAt(s, i)
		if !ok {
			i++
			continue
		}
		end := closingBracket(s, i)
		if end < 0 {
			break
		}
		instruction := s[i : end+1]
		body := strings.TrimSpace(instruction[len(kind)+2 : len(instruction)-1])
		out = append(out, Code{
			Kind:        kind,
			Instruction: instruction,
			Body:        body,
			Segments:    splitSegments(body),
			Start:       i,
			End:         end + 1,
		})
		i = end + 1
	}
	return out
}

// closingBracket finds the matching "]" for the "[" at start, honoring
// nested brackets and quoted segments.
func closingBracket(s string, start int) int {
	depth := 0
	inQuote := byte(0)
	for i := start; i < len(s); i++ {
		c := s[i]
		if inQuote != 0 {
			if c == inQuote && s[i-1] != '\\' {
				inQuote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			inQuote = c
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitSegments splits a shortcode body on unquoted pipes.
func splitSegments(body string) []string {
	var segs []string
	var cur strings.Builder
	inQuote := byte(0)
	for i := 0; i < len(body); i++ {
		c := body[i]
		if inQuote != 0 {
			cur.WriteByte(c)
			if c == inQuote && body[i-1] != '\\' {
				inQuote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			inQuote = c
			cur.WriteByte(c)
		case '|':
			segs = append(segs, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		segs = append(segs, strings.TrimSpace(cur.String()))
	}
	return segs
}

// WrapResolved renders the emit form: instruction, resolved content, and
// the closing marker, so re-exports can locate the original instruction.
func WrapResolved(code Code, resolved string) string {
	return code.Instruction + resolved + "[/" + code.Kind + "]"
}

// StripResolved removes every "<resolved>[/kind]" tail from s, restoring
// instruction-only form. Strings already in instruction form pass
// through unchanged.
func StripResolved(s string) string {
	for {
		stripped, changed := stripOnce(s)
		if !changed {
			return stripped
		}
		s = stripped
	}
}

func stripOnce(s string) (string, bool) {
	for i := 0; i < len(s); {
		kind, ok := openerAt(s, i)
		if !ok {
			i++
			continue
		}
		end := closingBracket(s, i)
		if end < 0 {
			return s, false
		}
		closer := "[/" + kind + "]"
		tail := strings.Index(s[end+1:], closer)
		if tail < 0 {
			i = end + 1
			continue
		}
		// Everything between the instruction and its closer is resolved
		// output; drop it along with the closer.
		next := openerIndex(s[end+1:end+1+tail], kind)
		if next >= 0 {
			// A nested instruction opens before the closer; leave this
			// one alone and continue past it.
			i = end + 1
			continue
		}
		out := s[:end+1] + s[end+1+tail+len(closer):]
		return out, true
	}
	return s, false
}

// openerIndex finds the first opener of the given kind in s, -1 if none.
func openerIndex(s, kind string) int {
	return strings.Index(s, "["+kind+" ")
}

// StripPayload walks a payload value and strips resolved tails from every
// string leaf, returning a new value.
func StripPayload(v any) any {
	switch t := v.(type) {
	case string:
		return StripResolved(t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = StripPayload(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = StripPayload(val)
		}
		return out
	default:
		return v
	}
}
