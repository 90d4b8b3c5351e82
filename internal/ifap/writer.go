package ifap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ifap/ifapfs/internal/imapbackend"
)

// pendingWrite is one staged mutation waiting to be flushed.
type pendingWrite struct {
	metadata Metadata
	payload  []byte
}

// Writer stages mutations in memory and flushes them to the backend
// per the buffering policy in spec §4.5.
type Writer struct {
	mu      sync.Mutex
	backend imapbackend.Backend
	key     *[keySize]byte
	logger  *slog.Logger

	buffering       bool
	bufferingMaxB   int
	unwritten       map[string]pendingWrite
	unwrittenBytes  int
}

// NewWriter builds a Writer over backend. bufferingMaxBytes <= 0 uses
// the spec default of 102,400.
func NewWriter(backend imapbackend.Backend, key *[keySize]byte, buffering bool, bufferingMaxBytes int, logger *slog.Logger) *Writer {
	if bufferingMaxBytes <= 0 {
		bufferingMaxBytes = 102400
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		backend:       backend,
		key:           key,
		logger:        logger,
		buffering:     buffering,
		bufferingMaxB: bufferingMaxBytes,
		unwritten:     make(map[string]pendingWrite),
	}
}

// SetKey installs or clears the encryption key used for subsequent
// flushes.
func (w *Writer) SetKey(key *[keySize]byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.key = key
}

// SetBuffering toggles the buffering policy, used when entering/
// exiting a scoped session.
func (w *Writer) SetBuffering(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buffering = enabled
}

// Stage records path's pending write. If buffering is disabled, or the
// staged byte total now exceeds the threshold, it flushes immediately.
func (w *Writer) Stage(ctx context.Context, path string, meta Metadata, payload []byte) error {
	path = NormalizePath(path)
	if path == ReservedSnapshotPath {
		return ErrReservedPath
	}

	w.mu.Lock()
	if old, ok := w.unwritten[path]; ok {
		w.unwrittenBytes -= len(old.payload)
	}
	meta.Path = path
	w.unwritten[path] = pendingWrite{metadata: meta, payload: payload}
	w.unwrittenBytes += len(payload)
	shouldFlush := !w.buffering || w.unwrittenBytes > w.bufferingMaxB
	w.mu.Unlock()

	if shouldFlush {
		return w.Flush(ctx)
	}
	return nil
}

// StageRemove stages a tombstone for path.
func (w *Writer) StageRemove(ctx context.Context, path string) error {
	return w.Stage(ctx, path, Metadata{Deleted: true}, nil)
}

// Pending reports whether path has an unflushed write staged.
func (w *Writer) Pending(path string) (pendingWrite, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.unwritten[NormalizePath(path)]
	return p, ok
}

// Flush encodes and appends every staged write. Per path: on success
// it is removed from the staging map; on failure it is left staged and
// the error is returned (the caller may retry by calling Flush again).
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	paths := make([]string, 0, len(w.unwritten))
	for p := range w.unwritten {
		paths = append(paths, p)
	}
	w.mu.Unlock()

	var firstErr error
	for _, path := range paths {
		w.mu.Lock()
		pw, ok := w.unwritten[path]
		key := w.key
		w.mu.Unlock()
		if !ok {
			continue // raced with a concurrent Stage overwrite; fine
		}

		obj := Object{Metadata: pw.metadata, Payload: pw.payload}
		wire, err := EncodeObject(obj, key)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("encode %s: %w", path, err)
			}
			continue
		}
		if _, err := w.backend.Append(ctx, wire); err != nil {
			w.logger.Warn("ifap: flush append failed, left staged for retry", "path", path, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %s: %v", ErrAppendFailed, path, err)
			}
			continue
		}

		w.mu.Lock()
		if cur, ok := w.unwritten[path]; ok && len(cur.payload) == len(pw.payload) {
			delete(w.unwritten, path)
			w.unwrittenBytes -= len(pw.payload)
		}
		w.mu.Unlock()
	}
	return firstErr
}

// UnwrittenBytes returns the current staged byte total.
func (w *Writer) UnwrittenBytes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unwrittenBytes
}
