// Package scope carries the per-request permission binding. Every command
// executes under a Scope; store operations consult it before reading or
// writing a project. Bindings travel on the context so nested operations
// inherit the outer request's scope.
package scope

import (
	"context"
	"strings"
)

// Mode is the access mode of a scope.
type Mode string

const (
	ModeAll Mode = "ALL"
	ModeRW  Mode = "RW"
	ModeRO  Mode = "RO"
	// ModeWO is kept distinct through the permission check even though
	// no write-only flow ships; callers observe RW behavior.
	ModeWO Mode = "WO"
)

// ValidMode reports whether m is one of the recognized modes.
func ValidMode(m Mode) bool {
	switch m {
	case ModeAll, ModeRW, ModeRO, ModeWO:
		return true
	}
	return false
}

// ParseMode normalizes a mode string.
func ParseMode(s string) (Mode, bool) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	return m, ValidMode(m)
}

// Scope binds an access mode to a project filter. Projects ["*"] matches
// any project.
type Scope struct {
	Mode     Mode     `json:"mode"`
	Projects []string `json:"projects"`
}

// Bootstrap returns the implicit full-access scope used on CLI and
// embedded paths.
func Bootstrap() Scope {
	return Scope{Mode: ModeAll, Projects: []string{"*"}}
}

// AllowsProject reports whether the scope's project filter matches slug.
func (s Scope) AllowsProject(slug string) bool {
	for _, p := range s.Projects {
		if p == "*" || p == slug {
			return true
		}
	}
	return false
}

// CanRead reports read permission on the project.
func (s Scope) CanRead(slug string) bool {
	if !ValidMode(s.Mode) {
		return false
	}
	return s.AllowsProject(slug)
}

// CanWrite reports write permission on the project. WO is treated as RW
// at this check point; the distinction is preserved in the mode itself.
func (s Scope) CanWrite(slug string) bool {
	switch s.Mode {
	case ModeAll, ModeRW, ModeWO:
		return s.AllowsProject(slug)
	}
	return false
}

type ctxKey struct{}

// WithScope binds sc to the context.
func WithScope(ctx context.Context, sc Scope) context.Context {
	return context.WithValue(ctx, ctxKey{}, sc)
}

// FromContext returns the bound scope. An unbound context yields the
// bootstrap scope: local callers are implicitly privileged, REST
// admission always binds an explicit scope first.
func FromContext(ctx context.Context) Scope {
	if sc, ok := ctx.Value(ctxKey{}).(Scope); ok {
		return sc
	}
	return Bootstrap()
}
