package brain

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultHierarchyMaxDepth bounds parent paths unless overridden by the
// hierarchy.max_depth config key.
const DefaultHierarchyMaxDepth = 10

// parentOf returns the parent slug of child, "" at root.
func (h *Hierarchy) parentOf(child string) string {
	return h.Parents[child]
}

// childrenOf returns a copy of the child list for parent.
func (h *Hierarchy) childrenOf(parent string) []string {
	src := h.Children[parent]
	out := make([]string, len(src))
	copy(out, src)
	return out
}

// isDescendant reports whether candidate sits in the subtree under root.
func (h *Hierarchy) isDescendant(root, candidate string) bool {
	for cur := candidate; cur != ""; cur = h.Parents[cur] {
		if cur == root {
			return true
		}
	}
	return false
}

// setParent links child under parent, keeping both maps consistent.
// Assigning a parent inside child's own subtree fails.
func (h *Hierarchy) setParent(child, parent string) error {
	if parent == child {
		return fmt.Errorf("hierarchy: %q cannot be its own parent", child)
	}
	if parent != "" && h.isDescendant(child, parent) {
		return fmt.Errorf("hierarchy: assigning %q under %q would create a cycle", child, parent)
	}
	h.removeParent(child)
	if parent == "" {
		return nil
	}
	h.Parents[child] = parent
	h.Children[parent] = append(h.Children[parent], child)
	return nil
}

// removeParent promotes child to root level.
func (h *Hierarchy) removeParent(child string) {
	parent, ok := h.Parents[child]
	if !ok {
		return
	}
	delete(h.Parents, child)
	kids := h.Children[parent]
	for i, k := range kids {
		if k == child {
			h.Children[parent] = append(kids[:i], kids[i+1:]...)
			break
		}
	}
	if len(h.Children[parent]) == 0 {
		delete(h.Children, parent)
	}
}

// promoteChildren lifts every direct child of slug to root level; used
// when an entity is deleted or deactivated without recursion.
func (h *Hierarchy) promoteChildren(slug string) []string {
	promoted := h.childrenOf(slug)
	for _, child := range promoted {
		h.removeParent(child)
	}
	delete(h.Children, slug)
	return promoted
}

// subtree returns slug plus all its descendants, depth-first.
func (h *Hierarchy) subtree(slug string) []string {
	out := []string{slug}
	for _, child := range h.childrenOf(slug) {
		out = append(out, h.subtree(child)...)
	}
	return out
}

// detach removes slug from the hierarchy entirely (its children must be
// handled first via promoteChildren or subtree removal).
func (h *Hierarchy) detach(slug string) {
	h.removeParent(slug)
	delete(h.Children, slug)
}

// pathOf returns the root-to-slug path, slug included.
func (h *Hierarchy) pathOf(slug string) []string {
	var rev []string
	for cur := slug; cur != ""; cur = h.Parents[cur] {
		rev = append(rev, cur)
		if len(rev) > DefaultHierarchyMaxDepth*4 {
			// Corrupt cycle guard; repair handles the data.
			break
		}
	}
	out := make([]string, len(rev))
	for i, s := range rev {
		out[len(rev)-1-i] = s
	}
	return out
}

// depthOf returns the number of ancestors above slug.
func (h *Hierarchy) depthOf(slug string) int {
	depth := 0
	for cur := h.Parents[slug]; cur != ""; cur = h.Parents[cur] {
		depth++
		if depth > DefaultHierarchyMaxDepth*4 {
			break
		}
	}
	return depth
}

// resolveParentPath walks the requested path segments against the
// project's entities and returns the deepest valid ancestor plus
// warnings for segments that were skipped. Paths longer than maxDepth
// are truncated keeping the segments nearest the root.
func resolveParentPath(p *Project, segments []string, maxDepth int) (parent string, warnings []string) {
	if maxDepth <= 0 {
		maxDepth = DefaultHierarchyMaxDepth
	}
	if len(segments) > maxDepth {
		warnings = append(warnings, fmt.Sprintf(
			"parent path truncated to %d segments (max depth)", maxDepth))
		segments = segments[:maxDepth]
	}
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if _, ok := p.Entities[seg]; !ok {
			warnings = append(warnings, fmt.Sprintf(
				"parent path segment %q does not exist, clamping to %q", seg, parent))
			break
		}
		parent = seg
	}
	return parent, warnings
}

// ParseParentPath splits "a/b/c" or "a.b.c" into segments.
func ParseParentPath(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	sep := "/"
	if !strings.Contains(path, "/") && strings.Contains(path, ".") {
		sep = "."
	}
	parts := strings.Split(path, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// EntityPath exposes the hierarchy path of an entity for filters and the
// resolver's URL helpers.
func EntityPath(p *Project, entitySlug string) []string {
	if p.Hierarchy == nil {
		return []string{entitySlug}
	}
	return p.Hierarchy.pathOf(entitySlug)
}

// RootEntities lists entities without a parent, sorted by slug.
func RootEntities(p *Project) []string {
	var roots []string
	for slug := range p.Entities {
		if p.Hierarchy == nil || p.Hierarchy.Parents[slug] == "" {
			roots = append(roots, slug)
		}
	}
	sort.Strings(roots)
	return roots
}

// ChildEntities lists direct children of parent in stored order.
func ChildEntities(p *Project, parent string) []string {
	if p.Hierarchy == nil {
		return nil
	}
	return p.Hierarchy.childrenOf(parent)
}

// EntityDepth returns the hierarchy depth of an entity (0 at root).
func EntityDepth(p *Project, entitySlug string) int {
	if p.Hierarchy == nil {
		return 0
	}
	return p.Hierarchy.depthOf(entitySlug)
}
