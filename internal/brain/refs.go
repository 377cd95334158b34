package brain

import (
	"strconv"
	"strings"

	"github.com/aaviondb/aaviondb/internal/fault"
)

// ResolveVersionKey normalizes a selector to a version-map key for the
// given entity. Selectors: "" (active version), bare numeric "3", "@3",
// or "#<commit-hash>" (looked up via the brain's commits index).
func ResolveVersionKey(b *Brain, projectSlug, entitySlug, selector string) (string, error) {
	project, ok := b.Projects[projectSlug]
	if !ok {
		return "", fault.New(fault.NotFound, "project %q not found", projectSlug)
	}
	entity, ok := project.Entities[entitySlug]
	if !ok {
		return "", fault.New(fault.NotFound, "entity %q not found in project %q", entitySlug, projectSlug)
	}

	selector = strings.TrimSpace(selector)
	switch {
	case selector == "":
		if entity.ActiveVersion == "" {
			return "", fault.New(fault.NotFound, "entity %q has no active version", entitySlug)
		}
		return entity.ActiveVersion, nil

	case strings.HasPrefix(selector, "#"):
		hash := strings.TrimPrefix(selector, "#")
		entry, ok := b.Commits[hash]
		if !ok {
			return "", fault.New(fault.InvalidReference, "unknown commit %q", hash)
		}
		if entry.Project != projectSlug || entry.Entity != entitySlug {
			return "", fault.New(fault.InvalidReference,
				"commit %q belongs to %s/%s, not %s/%s",
				hash, entry.Project, entry.Entity, projectSlug, entitySlug)
		}
		if _, ok := entity.Versions[entry.Version]; !ok {
			return "", fault.New(fault.InvalidReference, "commit %q points at missing version %s", hash, entry.Version)
		}
		return entry.Version, nil

	default:
		numeric := strings.TrimPrefix(selector, "@")
		n, err := strconv.ParseInt(numeric, 10, 64)
		if err != nil || n < 1 {
			return "", fault.New(fault.InvalidReference, "invalid version selector %q", selector)
		}
		key := strconv.FormatInt(n, 10)
		if _, ok := entity.Versions[key]; !ok {
			return "", fault.New(fault.NotFound, "entity %q has no version %s", entitySlug, key)
		}
		return key, nil
	}
}

// SplitSelector separates "hero@2" / "hero#abc" / "hero" into the entity
// slug and the selector remainder ("@2", "#abc", "").
func SplitSelector(ref string) (entity, selector string) {
	if i := strings.IndexAny(ref, "@#"); i >= 0 {
		return ref[:i], ref[i:]
	}
	return ref, ""
}

/// SplitFieldsetBinding separates "hero:profile@2" into the entity ref and
// the fieldset binding ("profile@2"). No colon means no binding.
func SplitFieldsetBinding(ref string) (entityRef, fieldsetRef string, bound bool) {
	if i := strings.Index(ref, ":"); i >= 0 {
		return ref[:i], ref[i+1:], true
	}
	return ref, "", false
}

// versionKey renders an integer version as its map key.
func versionKey(n int64) string {
	return strconv.FormatInt(n, 10)
}

// parseVersionKey parses a version-map key back to its integer.
func parseVersionKey(key string) (int64, bool) {
	n, err := strconv.ParseInt(key, 10, 64)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
