// Package canonical implements the canonical JSON encoding used for all
// persisted brain state: keyed maps are emitted with byte-wise sorted keys,
// indexed lists keep their positional order, output carries no whitespace,
// and strings are escaped without HTML mangling. SHA-256 over the canonical
// byte sequence is the content hash for payloads and commit descriptors.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// EncodingError reports a value the canonical encoder cannot represent.
type EncodingError struct {
	Reason string
}

func (e *EncodingError) Error() string {
	return "canonical: " + e.Reason
}

// Encode returns the canonical JSON representation of v.
//
// v must be drawn from the value model: nil, bool, int64, float64, string,
// []any, map[string]any. Plain int, json.Number and nested combinations of
// the above are normalized on the way in. NaN and infinities are rejected.
func Encode(v any) ([]byte, error) {
	norm, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeValue(&buf, norm); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses canonical (or any valid) JSON bytes into the value model.
// Numbers decode as int64 when integral and representable, float64 otherwise.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	// Reject trailing garbage after the first document.
	if dec.More() {
		return nil, &EncodingError{Reason: "trailing data after JSON document"}
	}
	return Normalize(raw)
}

// Hash returns the lowercase hex SHA-256 digest of the canonical encoding
// of v. Values equal up to map key order hash identically.
func Hash(v any) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Normalize coerces v into the value model, rejecting anything the
// canonical encoder cannot represent. The result shares no mutable state
// with maps or slices already in model form only when they needed coercion;
// callers that require isolation should Clone.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return t, nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return float64(t), nil
		}
		return int64(t), nil
	case float32:
		return normalizeFloat(float64(t))
	case float64:
		return normalizeFloat(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, &EncodingError{Reason: "unparseable number " + t.String()}
		}
		return normalizeFloat(f)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			n, err := Normalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			n, err := Normalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[any]any:
		// yaml.v3 produces these for untyped mappings.
		out := make(map[string]any, len(t))
		for k, val := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, &EncodingError{Reason: fmt.Sprintf("non-string map key %v", k)}
			}
			n, err := Normalize(val)
			if err != nil {
				return nil, err
			}
			out[ks] = n
		}
		return out, nil
	default:
		return nil, &EncodingError{Reason: fmt.Sprintf("unsupported type %T", v)}
	}
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &EncodingError{Reason: "NaN and Inf are not representable"}
	}
	// Integral floats inside int64 range collapse to int64 so that 2 and
	// 2.0 hash identically, matching the decoder's behavior.
	if f == math.Trunc(f) && f >= math.MinInt64 && f <= math.MaxInt64 {
		return int64(f), nil
	}
	return f, nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case float64:
		encodeFloat(buf, t)
	case string:
		encodeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := encodeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return &EncodingError{Reason: fmt.Sprintf("unsupported type %T", v)}
	}
	return nil
}

// encodeString writes s as a JSON string without HTML escaping.
func encodeString(buf *bytes.Buffer, s string) {
	var sb bytes.Buffer
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	buf.Write(bytes.TrimSuffix(sb.Bytes(), []byte{'\n'}))
}

// encodeFloat renders a float the way ES6 Number#toString does, which is
// what RFC 8785 canonical form prescribes: plain decimal notation while the
// decimal exponent stays within (-7, 21], exponent notation outside it.
func encodeFloat(buf *bytes.Buffer, f float64) {
	if f < 0 {
		buf.WriteByte('-')
		f = -f
	}
	// Shortest round-trip form "d[.ddd]e±XX" gives us the significant
	// digits and the decimal exponent in one call.
	s := strconv.FormatFloat(f, 'e', -1, 64)
	mant, expStr, _ := strings.Cut(s, "e")
	exp, _ := strconv.Atoi(expStr)
	digits := strings.Replace(mant, ".", "", 1)
	n := len(digits)
	// k is the position of the decimal point relative to the digit string:
	// the value equals 0.digits * 10^k.
	k := exp + 1
	switch {
	case k >= n && k <= 21:
		buf.WriteString(digits)
		buf.WriteString(strings.Repeat("0", k-n))
	case k > 0 && k <= 21:
		buf.WriteString(digits[:k])
		buf.WriteByte('.')
		buf.WriteString(digits[k:])
	case k > -6 && k <= 0:
		buf.WriteString("0.")
		buf.WriteString(strings.Repeat("0", -k))
		buf.WriteString(digits)
	default:
		buf.WriteString(digits[:1])
		if n > 1 {
			buf.WriteByte('.')
			buf.WriteString(digits[1:])
		}
		buf.WriteByte('e')
		if exp >= 0 {
			buf.WriteByte('+')
		}
		buf.WriteString(strconv.Itoa(exp))
	}
}

// Clone deep-copies a model value. Scalars are returned as-is.
func Clone(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = Clone(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Clone(val)
		}
		return out
	default:
		return t
	}
}

// Equal reports deep equality of two model values, comparing maps without
// regard to iteration order. Numeric comparison follows the model: int64
// and float64 are distinct unless both normalize to the same int64.
func Equal(a, b any) bool {
	na, err := Normalize(a)
	if err != nil {
		return false
	}
	nb, err := Normalize(b)
	if err != nil {
		return false
	}
	ea, err := Encode(na)
	if err != nil {
		return false
	}
	eb, err := Encode(nb)
	if err != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}
