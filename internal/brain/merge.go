package brain

import "github.com/aaviondb/aaviondb/internal/canonical"

// MergePayloads applies the incremental merge rule: null leaves remove
// keys, keyed maps merge recursively into keyed-map sources, everything
// else (scalars and indexed lists) replaces wholesale. A keyed map that
// ends up empty after merging is removed from its parent.
//
// Neither input is mutated; the result is freshly allocated.
func MergePayloads(source, incoming any) any {
	srcMap, srcIsMap := source.(map[string]any)
	incMap, incIsMap := incoming.(map[string]any)
	if !srcIsMap || !incIsMap {
		return canonical.Clone(incoming)
	}

	out := make(map[string]any, len(srcMap)+len(incMap))
	for k, v := range srcMap {
		out[k] = canonical.Clone(v)
	}
	for k, v := range incMap {
		if v == nil {
			delete(out, k)
			continue
		}
		merged := MergePayloads(out[k], v)
		if m, isMap := merged.(map[string]any); isMap && len(m) == 0 {
			// A keyed map that is empty after merging is dropped, so
			// sending {} preserves a key only when the source held a
			// non-empty keyed map to merge into.
			delete(out, k)
			continue
		}
		out[k] = merged
	}
	return out
}
