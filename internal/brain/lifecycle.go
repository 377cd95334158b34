package brain

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aaviondb/aaviondb/internal/canonical"
	"github.com/aaviondb/aaviondb/internal/fault"
	"github.com/aaviondb/aaviondb/internal/paths"
)

const backupTimeLayout = "20060102_150405"

// BrainInfo is the list shape for one brain.
type BrainInfo struct {
	Slug      string `json:"slug"`
	Path      string `json:"path"`
	Bytes     int64  `json:"bytes"`
	Active    bool   `json:"active"`
	System    bool   `json:"system"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// ListBrains lists the system brain plus every user brain file on disk.
func (s *Store) ListBrains(ctx context.Context) ([]BrainInfo, error) {
	active, err := s.ActiveSlug()
	if err != nil {
		return nil, err
	}
	var out []BrainInfo
	if info, err := os.Stat(s.locator.SystemBrainPath()); err == nil {
		out = append(out, BrainInfo{
			Slug:      paths.ReservedSlug,
			Path:      s.locator.SystemBrainPath(),
			Bytes:     info.Size(),
			System:    true,
			UpdatedAt: info.ModTime().UTC().Format(time.RFC3339),
		})
	}
	entries, err := os.ReadDir(s.locator.UserStorageDir())
	if err != nil && !os.IsNotExist(err) {
		return nil, fault.Wrap(fault.StorageFailure, err, "listing brains: %v", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".brain") {
			continue
		}
		slug := strings.TrimSuffix(name, ".brain")
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, BrainInfo{
			Slug:      slug,
			Path:      filepath.Join(s.locator.UserStorageDir(), name),
			Bytes:     info.Size(),
			Active:    slug == active,
			UpdatedAt: info.ModTime().UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].System != out[j].System {
			return out[i].System
		}
		return out[i].Slug < out[j].Slug
	})
	return out, nil
}

// CreateBrain creates a new user brain file, optionally activating it.
func (s *Store) CreateBrain(ctx context.Context, slug string, activate bool) (*BrainInfo, error) {
	norm := paths.SanitizeSlugStrict(slug)
	if norm == "" {
		return nil, fault.New(fault.InvalidSlug, "brain slug %q is empty after normalization", slug)
	}
	if norm == paths.ReservedSlug {
		return nil, fault.New(fault.InvalidSlug, "brain slug %q is reserved", norm)
	}
	path := s.locator.BrainPath(norm)
	if _, err := os.Stat(path); err == nil {
		return nil, fault.New(fault.InvalidParameter, "brain %q already exists", norm)
	}
	if _, err := s.createBrainFile(norm); err != nil {
		return nil, err
	}
	if activate {
		if err := s.SetActiveBrain(ctx, norm); err != nil {
			return nil, err
		}
	}
	s.emit("brain.created", map[string]any{"brain": norm, "activated": activate})
	info, _ := os.Stat(path)
	bi := &BrainInfo{Slug: norm, Path: path, Active: activate}
	if info != nil {
		bi.Bytes = info.Size()
	}
	return bi, nil
}

// SetActiveBrain points the system brain's state at a different user
// brain, creating its file when missing.
func (s *Store) SetActiveBrain(ctx context.Context, slug string) error {
	norm := paths.SanitizeSlug(slug)
	if norm == paths.ReservedSlug {
		return fault.New(fault.InvalidSlug, "brain slug %q is reserved", norm)
	}
	if _, err := os.Stat(s.locator.BrainPath(norm)); err != nil {
		if _, err := s.createBrainFile(norm); err != nil {
			return err
		}
	}
	err := s.MutateSystem(func(b *Brain) error {
		if b.State == nil {
			b.State = &State{}
		}
		b.State.ActiveBrain = norm
		return nil
	})
	if err != nil {
		return err
	}
	s.InvalidateAll()
	s.emit("brain.activated", map[string]any{"brain": norm})
	return nil
}

// DeleteBrain removes a user brain file. The system brain and the
// currently active brain are refused.
func (s *Store) DeleteBrain(ctx context.Context, slug string) error {
	norm := paths.SanitizeSlug(slug)
	if norm == paths.ReservedSlug {
		return fault.New(fault.InvalidParameter, "the system brain cannot be deleted")
	}
	active, err := s.ActiveSlug()
	if err != nil {
		return err
	}
	if norm == active {
		return fault.New(fault.InvalidParameter, "brain %q is active; switch brains before deleting", norm)
	}
	path := s.locator.BrainPath(norm)
	if _, err := os.Stat(path); err != nil {
		return fault.New(fault.NotFound, "brain %q not found", norm)
	}
	if err := os.Remove(path); err != nil {
		return fault.Wrap(fault.StorageFailure, err, "deleting brain %q: %v", norm, err)
	}
	s.Invalidate(norm)
	s.emit("brain.deleted", map[string]any{"brain": norm})
	return nil
}

// BackupResult reports one completed backup.
type BackupResult struct {
	Brain      string `json:"brain"`
	Path       string `json:"path"`
	Bytes      int64  `json:"bytes"`
	Compressed bool   `json:"compressed"`
}

// BackupBrain copies a brain file into the backup directory under the
// pattern <slug>[--<label>]-YYYYmmdd_HHMMSS.brain[.gz]. Empty slug
// backs up the active brain.
func (s *Store) BackupBrain(ctx context.Context, slug, label string, compress bool) (*BackupResult, error) {
	norm, src, err := s.resolveBrainFile(slug)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, fault.Wrap(fault.StorageFailure, err, "reading brain %q: %v", norm, err)
	}

	name := norm
	if label != "" {
		name += "--" + paths.SanitizeSlug(label)
	}
	name += "-" + s.nowUTC().Format(backupTimeLayout) + ".brain"
	if compress {
		name += ".gz"
	}
	dir := s.locator.BackupDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Wrap(fault.StorageFailure, err, "creating backup dir: %v", err)
	}
	dst := filepath.Join(dir, name)

	if compress {
		f, err := os.Create(dst)
		if err != nil {
			return nil, fault.Wrap(fault.StorageFailure, err, "creating backup: %v", err)
		}
		gz := gzip.NewWriter(f)
		if _, err := gz.Write(data); err != nil {
			f.Close()
			return nil, fault.Wrap(fault.StorageFailure, err, "writing backup: %v", err)
		}
		if err := gz.Close(); err != nil {
			f.Close()
			return nil, fault.Wrap(fault.StorageFailure, err, "finalizing backup: %v", err)
		}
		if err := f.Close(); err != nil {
			return nil, fault.Wrap(fault.StorageFailure, err, "closing backup: %v", err)
		}
	} else {
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return nil, fault.Wrap(fault.StorageFailure, err, "writing backup: %v", err)
		}
	}

	info, err := os.Stat(dst)
	if err != nil {
		return nil, fault.Wrap(fault.StorageFailure, err, "checking backup: %v", err)
	}
	result := &BackupResult{Brain: norm, Path: dst, Bytes: info.Size(), Compressed: compress}
	s.emit("brain.backup.created", map[string]any{
		"brain": norm, "path": dst, "compressed": compress,
	})
	return result, nil
}

// BackupInfo describes one backup file.
type BackupInfo struct {
	Brain      string `json:"brain"`
	Label      string `json:"label,omitempty"`
	Path       string `json:"path"`
	Bytes      int64  `json:"bytes"`
	Compressed bool   `json:"compressed"`
	CreatedAt  string `json:"created_at"`
}

// ListBackups lists backup files, optionally restricted to one brain,
// newest first.
func (s *Store) ListBackups(ctx context.Context, slug string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(s.locator.BackupDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.StorageFailure, err, "listing backups: %v", err)
	}
	filter := ""
	if slug != "" {
		filter = paths.SanitizeSlug(slug)
	}
	var out []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		bi, ok := parseBackupName(entry.Name())
		if !ok {
			continue
		}
		if filter != "" && bi.Brain != filter {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		bi.Path = filepath.Join(s.locator.BackupDir(), entry.Name())
		bi.Bytes = info.Size()
		out = append(out, bi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// parseBackupName decodes <slug>[--<label>]-YYYYmmdd_HHMMSS.brain[.gz].
func parseBackupName(name string) (BackupInfo, bool) {
	bi := BackupInfo{}
	base := name
	if strings.HasSuffix(base, ".gz") {
		bi.Compressed = true
		base = strings.TrimSuffix(base, ".gz")
	}
	if !strings.HasSuffix(base, ".brain") {
		return bi, false
	}
	base = strings.TrimSuffix(base, ".brain")
	i := strings.LastIndex(base, "-")
	if i < 0 {
		return bi, false
	}
	stamp := base[i+1:]
	t, err := time.Parse(backupTimeLayout, stamp)
	if err != nil {
		return bi, false
	}
	bi.CreatedAt = t.UTC().Format(time.RFC3339)
	head := base[:i]
	if j := strings.Index(head, "--"); j >= 0 {
		bi.Brain = head[:j]
		bi.Label = head[j+2:]
	} else {
		bi.Brain = head
	}
	return bi, bi.Brain != ""
}

// PruneBackups deletes old backups: everything beyond the keep newest
// per brain, plus anything older than olderThanDays when given. dryRun
// reports the victims without deleting.
func (s *Store) PruneBackups(ctx context.Context, slug string, keep, olderThanDays int, dryRun bool) ([]BackupInfo, error) {
	if keep < 0 {
		return nil, fault.New(fault.InvalidParameter, "keep must be >= 0, got %d", keep)
	}
	backups, err := s.ListBackups(ctx, slug)
	if err != nil {
		return nil, err
	}

	cutoff := ""
	if olderThanDays > 0 {
		cutoff = s.nowUTC().AddDate(0, 0, -olderThanDays).Format(time.RFC3339)
	}

	perBrain := map[string]int{}
	var victims []BackupInfo
	for _, bi := range backups {
		perBrain[bi.Brain]++
		tooMany := keep > 0 && perBrain[bi.Brain] > keep
		tooOld := cutoff != "" && bi.CreatedAt < cutoff
		if tooMany || tooOld {
			victims = append(victims, bi)
		}
	}
	if dryRun {
		return victims, nil
	}
	for _, bi := range victims {
		if err := os.Remove(bi.Path); err != nil && !os.IsNotExist(err) {
			return victims, fault.Wrap(fault.StorageFailure, err, "pruning backup %q: %v", bi.Path, err)
		}
	}
	if len(victims) > 0 {
		s.emit("brain.backup.pruned", map[string]any{"removed": len(victims)})
	}
	return victims, nil
}

// RestoreBrain copies a backup file back into the user storage
// directory. backup may be a full path or a file name inside the backup
// directory; targetSlug defaults to the slug encoded in the file name.
func (s *Store) RestoreBrain(ctx context.Context, backup, targetSlug string, activate, overwrite bool) (*BrainInfo, error) {
	src := backup
	if !filepath.IsAbs(src) {
		src = filepath.Join(s.locator.BackupDir(), backup)
	}
	bi, ok := parseBackupName(filepath.Base(src))
	if !ok {
		return nil, fault.New(fault.InvalidParameter, "%q is not a recognizable backup file name", backup)
	}
	target := bi.Brain
	if targetSlug != "" {
		target = paths.SanitizeSlugStrict(targetSlug)
		if target == "" {
			return nil, fault.New(fault.InvalidSlug, "target slug %q is empty after normalization", targetSlug)
		}
	}
	if target == paths.ReservedSlug {
		return nil, fault.New(fault.InvalidSlug, "cannot restore over the system brain")
	}

	f, err := os.Open(src)
	if err != nil {
		return nil, fault.Wrap(fault.NotFound, err, "backup %q not found", backup)
	}
	defer f.Close()
	var reader io.Reader = f
	if bi.Compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fault.Wrap(fault.StorageFailure, err, "opening compressed backup: %v", err)
		}
		defer gz.Close()
		reader = gz
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fault.Wrap(fault.StorageFailure, err, "reading backup: %v", err)
	}

	// The restored document must at least be valid JSON.
	if _, err := canonical.Decode(data); err != nil {
		return nil, fault.Wrap(fault.InvalidJSON, err, "backup is not valid JSON: %v", err)
	}

	dst := s.locator.BrainPath(target)
	if _, err := os.Stat(dst); err == nil && !overwrite {
		return nil, fault.New(fault.InvalidParameter, "brain %q exists; pass overwrite to replace it", target)
	}
	if err := s.writer.Write(dst, data); err != nil {
		return nil, fault.Wrap(fault.IntegrityFailure, err, "restoring brain %q: %v", target, err)
	}
	s.Invalidate(target)
	if activate {
		if err := s.SetActiveBrain(ctx, target); err != nil {
			return nil, err
		}
	}
	s.emit("brain.backup.restored", map[string]any{"brain": target, "backup": filepath.Base(src)})
	info, _ := os.Stat(dst)
	result := &BrainInfo{Slug: target, Path: dst, Active: activate}
	if info != nil {
		result.Bytes = info.Size()
	}
	return result, nil
}

// BrainReport summarizes one brain (the active one when slug is empty).
func (s *Store) BrainReport(ctx context.Context, slug string) (map[string]any, error) {
	norm, path, err := s.resolveBrainFile(slug)
	if err != nil {
		return nil, err
	}
	var b *Brain
	if norm == paths.ReservedSlug {
		b, err = s.System()
	} else {
		b, err = s.UserBrain(norm)
	}
	if err != nil {
		return nil, err
	}

	entities := 0
	versions := 0
	for _, p := range b.Projects {
		entities += len(p.Entities)
		for _, e := range p.Entities {
			versions += len(e.Versions)
		}
	}
	report := map[string]any{
		"slug":       norm,
		"path":       path,
		"system":     b.IsSystem(),
		"projects":   len(b.Projects),
		"entities":   entities,
		"versions":   versions,
		"commits":    len(b.Commits),
		"created_at": b.Meta.CreatedAt,
		"updated_at": b.Meta.UpdatedAt,
	}
	if info, err := os.Stat(path); err == nil {
		report["bytes"] = info.Size()
	}
	return report, nil
}

// IntegrityReportFor verifies one brain file: decodability, canonical
// form, hash, and commit-index consistency.
func (s *Store) IntegrityReportFor(ctx context.Context, slug string) (map[string]any, error) {
	norm, path, err := s.resolveBrainFile(slug)
	if err != nil {
		return nil, err
	}
	report := map[string]any{"slug": norm, "path": path, "ok": false}

	data, err := os.ReadFile(path)
	if err != nil {
		report["error"] = "unreadable: " + err.Error()
		return report, nil
	}
	value, err := canonical.Decode(data)
	if err != nil {
		report["error"] = "invalid JSON: " + err.Error()
		return report, nil
	}
	encoded, err := canonical.Encode(value)
	if err != nil {
		report["error"] = "not canonicalizable: " + err.Error()
		return report, nil
	}
	report["bytes"] = len(data)
	report["canonical"] = string(encoded) == string(data)
	report["hash"] = canonical.HashBytes(encoded)

	b, err := s.readBrainFile(path)
	if err != nil {
		report["error"] = err.Error()
		return report, nil
	}
	var problems []string
	for hash, entry := range b.Commits {
		p, ok := b.Projects[entry.Project]
		if !ok {
			problems = append(problems, "commit "+hash+" references missing project "+entry.Project)
			continue
		}
		e, ok := p.Entities[entry.Entity]
		if !ok {
			problems = append(problems, "commit "+hash+" references missing entity "+entry.Entity)
			continue
		}
		v, ok := e.Versions[entry.Version]
		if !ok {
			problems = append(problems, "commit "+hash+" references missing version "+entry.Version)
			continue
		}
		if v.Commit != hash {
			problems = append(problems, "commit "+hash+" disagrees with version record "+v.Commit)
		}
	}
	for projSlug, p := range b.Projects {
		actives := 0
		for _, e := range p.Entities {
			actives = 0
			for _, v := range e.Versions {
				if v.Status == StatusActive {
					actives++
				}
			}
			if actives > 1 {
				problems = append(problems, "entity "+projSlug+"/"+e.Slug+" has multiple active versions")
			}
		}
	}
	if len(problems) > 0 {
		report["problems"] = problems
	}
	report["ok"] = len(problems) == 0 && report["canonical"] == true
	return report, nil
}

// IntegrityReport runs IntegrityReportFor over every brain on disk.
func (s *Store) IntegrityReport(ctx context.Context) ([]map[string]any, error) {
	brains, err := s.ListBrains(ctx)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for _, bi := range brains {
		report, err := s.IntegrityReportFor(ctx, bi.Slug)
		if err != nil {
			return nil, err
		}
		out = append(out, report)
	}
	return out, nil
}

// resolveBrainFile maps a possibly-empty slug to (slug, file path).
func (s *Store) resolveBrainFile(slug string) (string, string, error) {
	if slug == "" {
		active, err := s.ActiveSlug()
		if err != nil {
			return "", "", err
		}
		return active, s.locator.BrainPath(active), nil
	}
	norm := paths.SanitizeSlug(slug)
	if norm == paths.ReservedSlug {
		return norm, s.locator.SystemBrainPath(), nil
	}
	path := s.locator.BrainPath(norm)
	if _, err := os.Stat(path); err != nil {
		return "", "", fault.New(fault.NotFound, "brain %q not found", norm)
	}
	return norm, path, nil
}

// nowUTC returns the store clock in UTC.
func (s *Store) nowUTC() time.Time {
	return s.now().UTC()
}
