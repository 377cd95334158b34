// Package paths resolves every on-disk location the datastore touches,
// anchored at a single root directory.
package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ReservedSlug is the brain slug reserved for the system brain.
const ReservedSlug = "system"

// ErrReservedSlug is returned when a caller tries to use the system slug
// for a user brain.
var ErrReservedSlug = errors.New("paths: slug \"system\" is reserved")

var slugInvalid = regexp.MustCompile(`[^a-z0-9._-]+`)

// Locator resolves directories and files under a single root.
type Locator struct {
	root string
}

// NewLocator returns a Locator anchored at root. The root is cleaned but
// not created; call EnsureDefaultDirectories for that.
func NewLocator(root string) *Locator {
	return &Locator{root: filepath.Clean(root)}
}

// Root returns the anchor directory.
func (l *Locator) Root() string { return l.root }

// SystemStorageDir is where the system brain and log files live.
func (l *Locator) SystemStorageDir() string {
	return filepath.Join(l.root, "system", "storage")
}

// SystemBrainPath is the single system brain file.
func (l *Locator) SystemBrainPath() string {
	return filepath.Join(l.SystemStorageDir(), "system.brain")
}

// LogDir holds the structured log files.
func (l *Locator) LogDir() string {
	return filepath.Join(l.SystemStorageDir(), "logs")
}

// LogFilePath is the default structured log sink.
func (l *Locator) LogFilePath() string {
	return filepath.Join(l.LogDir(), "aaviondb.log")
}

// UserStorageDir holds the user brain files.
func (l *Locator) UserStorageDir() string {
	return filepath.Join(l.root, "user", "storage")
}

// BrainPath returns the file for a user brain slug. The slug is sanitized
// first; the reserved system slug maps to the system brain path.
func (l *Locator) BrainPath(slug string) string {
	slug = SanitizeSlug(slug)
	if slug == ReservedSlug {
		return l.SystemBrainPath()
	}
	return filepath.Join(l.UserStorageDir(), slug+".brain")
}

// CacheDir holds filesystem cache entries.
func (l *Locator) CacheDir() string {
	return filepath.Join(l.root, "user", "cache")
}

// BackupDir holds brain backups.
func (l *Locator) BackupDir() string {
	return filepath.Join(l.root, "user", "backups")
}

// ExportDir is the default sink for saved exports.
func (l *Locator) ExportDir() string {
	return filepath.Join(l.root, "user", "exports")
}

// PresetExportDir is the file target for preset import/export.
func (l *Locator) PresetExportDir() string {
	return filepath.Join(l.root, "user", "presets", "export")
}

// SystemModulesDir and UserModulesDir are scanned by the external module
// loader; the core only guarantees they exist.
func (l *Locator) SystemModulesDir() string {
	return filepath.Join(l.root, "system", "modules")
}

func (l *Locator) UserModulesDir() string {
	return filepath.Join(l.root, "user", "modules")
}

// EnsureDefaultDirectories creates every directory the core expects.
func (l *Locator) EnsureDefaultDirectories() error {
	dirs := []string{
		l.SystemStorageDir(),
		l.LogDir(),
		l.UserStorageDir(),
		l.CacheDir(),
		l.BackupDir(),
		l.ExportDir(),
		l.PresetExportDir(),
		l.SystemModulesDir(),
		l.UserModulesDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("paths: creating %s: %w", dir, err)
		}
	}
	return nil
}

// SanitizeSlug normalizes an arbitrary string into a brain/project/entity
// slug: lowercase, anything outside [a-z0-9._-] collapses to "-", leading
// and trailing separator characters are stripped, empty becomes "default".
func SanitizeSlug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugInvalid.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-_.")
	if s == "" {
		return "default"
	}
	return s
}

// SanitizeSlugStrict behaves like SanitizeSlug but never substitutes
// "default": an input that sanitizes to nothing yields an empty string so
// callers can reject it.
func SanitizeSlugStrict(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugInvalid.ReplaceAllString(s, "-")
	return strings.Trim(s, "-_.")
}
