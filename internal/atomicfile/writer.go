// Package atomicfile persists canonical JSON documents with a temp-file,
// exclusive-lock, rename protocol followed by a read-back verification.
// A brain file is therefore only ever observed in its pre-write or
// post-write state, never partially written.
package atomicfile

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/gowebpki/jcs"

	"github.com/aaviondb/aaviondb/internal/canonical"
	"github.com/aaviondb/aaviondb/internal/events"
)

// Verification failure reasons.
const (
	ReasonReadFailed        = "read_failed"
	ReasonHashMismatch      = "hash_mismatch"
	ReasonContentMismatch   = "content_mismatch"
	ReasonCanonicalMismatch = "canonical_mismatch"
	ReasonJSONDecodeError   = "json_decode_error"
)

// IntegrityError is raised after the write + single retry both fail
// verification.
type IntegrityError struct {
	Path   string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("atomicfile: integrity failure writing %s (%s)", e.Path, e.Reason)
}

// WriteRecord describes the most recent successful write.
type WriteRecord struct {
	Path      string
	Hash      string
	Attempts  int
	Timestamp time.Time
}

// FailureRecord describes the most recent verification failure.
type FailureRecord struct {
	Path      string
	Reason    string
	Timestamp time.Time
}

// Writer performs verified atomic writes. It is safe for concurrent use;
// per-path serialization is the caller's concern (the brain store holds a
// per-brain lock around each read-modify-write).
type Writer struct {
	bus    *events.Bus
	logger *slog.Logger

	mu          sync.Mutex
	lastWrite   *WriteRecord
	lastFailure *FailureRecord
}

// NewWriter returns a Writer emitting on bus. Both arguments may be nil.
func NewWriter(bus *events.Bus, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{bus: bus, logger: logger}
}

// LastWrite returns the record of the most recent successful write.
func (w *Writer) LastWrite() *WriteRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastWrite == nil {
		return nil
	}
	rec := *w.lastWrite
	return &rec
}

// LastFailure returns the most recent verification failure, nil after a
// successful write.
func (w *Writer) LastFailure() *FailureRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastFailure == nil {
		return nil
	}
	rec := *w.lastFailure
	return &rec
}

// Write persists data (already canonical JSON) at path atomically and
// verifies the result by re-reading. One retry is attempted on
// verification failure; a second failure returns *IntegrityError.
func (w *Writer) Write(path string, data []byte) error {
	wantHash := canonical.HashBytes(data)

	var lastReason string
	for attempt := 1; attempt <= 2; attempt++ {
		if err := w.writeOnce(path, data); err != nil {
			return err
		}
		reason := w.verify(path, data, wantHash)
		if reason == "" {
			w.mu.Lock()
			w.lastWrite = &WriteRecord{
				Path:      path,
				Hash:      wantHash,
				Attempts:  attempt,
				Timestamp: time.Now(),
			}
			w.lastFailure = nil
			w.mu.Unlock()
			w.emit("brain.write.completed", map[string]any{
				"path":     path,
				"hash":     wantHash,
				"attempts": attempt,
			})
			return nil
		}

		lastReason = reason
		w.mu.Lock()
		w.lastFailure = &FailureRecord{Path: path, Reason: reason, Timestamp: time.Now()}
		w.mu.Unlock()
		w.logger.Error("atomic write verification failed",
			"path", path, "reason", reason, "attempt", attempt)
		w.emit("brain.write.integrity_failed", map[string]any{
			"path":    path,
			"reason":  reason,
			"attempt": attempt,
		})
		if attempt == 1 {
			w.emit("brain.write.retry", map[string]any{"path": path, "reason": reason})
		}
	}
	return &IntegrityError{Path: path, Reason: lastReason}
}

// writeOnce runs the temp → lock → write → flush → rename sequence.
func (w *Writer) writeOnce(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("atomicfile: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("atomicfile: temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	lock := flock.New(tmpPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		cleanup()
		return fmt.Errorf("atomicfile: locking %s: %w", tmpPath, err)
	}
	if !locked {
		cleanup()
		return fmt.Errorf("atomicfile: temp file %s already locked", tmpPath)
	}
	defer func() {
		_ = lock.Unlock()
		_ = os.Remove(tmpPath + ".lock")
	}()

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("atomicfile: writing %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("atomicfile: syncing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("atomicfile: closing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("atomicfile: renaming over %s: %w", path, err)
	}
	return nil
}

// verify re-reads path and checks content, hash, and canonical form.
// It returns the failure reason, or "" on success.
func (w *Writer) verify(path string, want []byte, wantHash string) string {
	got, err := os.ReadFile(path)
	if err != nil {
		return ReasonReadFailed
	}
	if canonical.HashBytes(got) != wantHash {
		return ReasonHashMismatch
	}
	if !bytes.Equal(got, want) {
		return ReasonContentMismatch
	}
	// Decode and canonical re-encode must reproduce the exact bytes, so
	// cross-check with an independent RFC 8785 implementation.
	transformed, err := jcs.Transform(got)
	if err != nil {
		return ReasonJSONDecodeError
	}
	if !bytes.Equal(transformed, got) {
		return ReasonCanonicalMismatch
	}
	return ""
}

func (w *Writer) emit(name string, payload map[string]any) {
	if w.bus != nil {
		w.bus.Emit(name, payload)
	}
}
