package ifap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ifap/ifapfs/internal/imapbackend"
)

// Engine is the top-level API collaborators (CLI, FUSE driver) call:
// open/remove/listdir/synchronize/flush, plus a scoped-session entry
// point (spec §6). It is the single logical owner of one IMAP folder.
type Engine struct {
	backend imapbackend.Backend
	index   *Index
	sync    *Synchronizer
	writer  *Writer
	locks   *LockArbiter
	logger  *slog.Logger

	// syncMu serializes Synchronize calls against each other and
	// against the snapshot-write+resynchronize sequence; Writer has its
	// own mutex for stage/flush, so this is the only coarse engine-wide
	// lock. It is acquired and released per call, never held across a
	// Session's lifetime, so a Handle.Close or Remove triggered from
	// inside an open session never deadlocks against it.
	syncMu sync.Mutex
	keyMu  sync.RWMutex
	key    *[keySize]byte

	// cache, if set, lets a cold Engine seed its Index from the last
	// known state instead of a full reverse scan (spec §4.7's
	// snapshot-convergence guarantee, applied locally). cacheLoaded
	// guards the one-time Load at first Synchronize.
	cache       *Cache
	folderKey   string
	cacheLoaded bool
}

// EngineOptions configures a new Engine.
type EngineOptions struct {
	Buffering         bool
	BufferingMaxBytes int
	LockTTL           time.Duration
	Logger            *slog.Logger

	// Cache, if non-nil, is consulted once on the first Synchronize to
	// seed the Index from FolderKey's last saved state, and updated
	// after every snapshot write thereafter. Engine.Close closes it.
	Cache     *Cache
	FolderKey string
}

// NewEngine builds an Engine over backend with no encryption key set
// (plaintext mode) until SetEncryptionKey is called.
func NewEngine(backend imapbackend.Backend, opts EngineOptions) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	index := NewIndex()
	e := &Engine{
		backend:   backend,
		index:     index,
		logger:    opts.Logger,
		cache:     opts.Cache,
		folderKey: opts.FolderKey,
	}
	e.sync = NewSynchronizer(backend, index, nil, opts.Logger)
	e.writer = NewWriter(backend, nil, opts.Buffering, opts.BufferingMaxBytes, opts.Logger)
	e.locks = NewLockArbiter(backend, index, nil, opts.LockTTL)
	return e
}

// SetEncryptionKey derives a symmetric key from passphrase (SHA-256,
// spec §6) and enables encrypted mode for every subsequent flush and
// scan. It does not retroactively re-encrypt anything already
// appended.
func (e *Engine) SetEncryptionKey(passphrase string) {
	key := DeriveKey(passphrase)
	e.keyMu.Lock()
	e.key = &key
	e.keyMu.Unlock()
	e.sync.SetKey(&key)
	e.writer.SetKey(&key)
	e.locks.SetKey(&key)
}

func (e *Engine) currentKey() *[keySize]byte {
	e.keyMu.RLock()
	defer e.keyMu.RUnlock()
	return e.key
}

// Synchronize reconciles the Index against the folder's current
// state. If snapshot is true, a new snapshot is appended afterward. If
// cleanup is true, everything in the resulting to_delete set is
// STOREd +Deleted and the folder is expunged.
func (e *Engine) Synchronize(ctx context.Context, snapshot, cleanup bool) (SyncResult, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	return e.synchronizeLocked(ctx, snapshot, cleanup)
}

func (e *Engine) synchronizeLocked(ctx context.Context, snapshot, cleanup bool) (SyncResult, error) {
	if e.cache != nil && !e.cacheLoaded {
		e.cacheLoaded = true
		if found, err := e.cache.Load(ctx, e.folderKey, e.index); err != nil {
			e.logger.Warn("ifap: cache load failed, falling back to full scan", "error", err)
		} else if found {
			e.logger.Debug("ifap: seeded index from local cache", "cutoff", e.index.SnapshotSeq())
		}
	}

	result, err := e.sync.Synchronize(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	if snapshot {
		seq, err := WriteSnapshot(ctx, e.backend, e.index, e.currentKey())
		if err != nil {
			return result, fmt.Errorf("write snapshot: %w", err)
		}
		e.logger.Debug("ifap: wrote snapshot", "sequence", seq)

		// Save the cache from the index's state as of right now — the
		// same state just materialized into the snapshot — before the
		// resync below observes the snapshot message's own sequence and
		// bumps idx.Highwater() past it. Saving after the resync would
		// record a cutoff equal to the live snapshot's own sequence
		// instead of strictly below it, and a future cold start seeded
		// from that cache would skip straight past the snapshot message
		// without ever marking it referenced, garbage-collecting the
		// folder's own live snapshot on its first cleanup pass.
		if e.cache != nil {
			if err := e.cache.Save(ctx, e.folderKey, e.index); err != nil {
				e.logger.Warn("ifap: cache save failed, next cold start will full-scan", "error", err)
			}
		}

		result2, err := e.sync.Synchronize(ctx)
		if err != nil {
			return result, fmt.Errorf("resynchronize after snapshot: %w", err)
		}
		result = result2
	}

	if cleanup && len(result.ToDelete) > 0 {
		seqs := make([]uint32, 0, len(result.ToDelete))
		for seq := range result.ToDelete {
			seqs = append(seqs, uint32(seq))
		}
		if err := e.backend.MarkDeleted(ctx, seqs); err != nil {
			e.logger.Warn("ifap: mark deleted failed, garbage requeued next scan", "error", err)
		} else if err := e.backend.Expunge(ctx); err != nil {
			e.logger.Warn("ifap: expunge failed, benign", "error", err)
		}
	}

	return result, nil
}

// Flush forces any staged writes out to the backend.
func (e *Engine) Flush(ctx context.Context) error {
	return e.writer.Flush(ctx)
}

// Open returns a handle for path under mode ("r", "w", "a", "r+",
// "w+"). version, if non-zero, selects a specific retained historical
// revision for read modes; 0 means "latest".
func (e *Engine) Open(ctx context.Context, path string, mode string, version int) (*Handle, error) {
	path = NormalizePath(path)
	if path == ReservedSnapshotPath {
		return nil, ErrReservedPath
	}

	switch mode {
	case "w", "w+":
		return &Handle{engine: e, path: path, mode: mode, metadata: Metadata{Path: path}}, nil

	case "a":
		existing, err := e.readLatestOrVersion(ctx, path, 0)
		if err != nil && err != ErrNotFound {
			return nil, err
		}
		h := &Handle{engine: e, path: path, mode: mode, metadata: Metadata{Path: path}}
		if err == nil {
			h.buf = append(h.buf, existing.Payload...)
			h.metadata = existing.Metadata
			h.pos = len(h.buf)
		}
		return h, nil

	case "r", "r+":
		parsed, err := e.readLatestOrVersion(ctx, path, version)
		if err != nil {
			return nil, err
		}
		return &Handle{
			engine:   e,
			path:     path,
			mode:     mode,
			buf:      parsed.Payload,
			metadata: parsed.Metadata,
		}, nil

	default:
		return nil, fmt.Errorf("ifap: unknown mode %q", mode)
	}
}

// readLatestOrVersion resolves path to a ParsedObject, either the
// latest revision (version == 0) or the n-th retained historical one.
func (e *Engine) readLatestOrVersion(ctx context.Context, path string, version int) (ParsedObject, error) {
	entry, ok := e.index.Lookup(path)
	if !ok || entry.Deleted {
		return ParsedObject{}, ErrNotFound
	}

	seq := entry.LatestSeq
	if version > 0 {
		var err error
		seq, err = e.index.HistorySequence(path, version)
		if err != nil {
			return ParsedObject{}, err
		}
	}

	return e.sync.ReadObject(ctx, seq)
}

// Remove tombstones path (spec §6's remove(path, versions=None)). If
// versions is non-empty, only those specific retained revisions are
// targeted — by History index, 0 = latest, matching what `vers`
// prints and HistorySequence's numbering — mirroring the original
// mailfile `rm --version=N`: the matching messages are expunged
// directly and the rest of the file's history is left untouched.
// Removing version 0 alone rolls the file back to its next-oldest
// retained revision instead of deleting it outright.
func (e *Engine) Remove(ctx context.Context, path string, versions ...int) error {
	path = NormalizePath(path)
	if len(versions) == 0 {
		return e.writer.StageRemove(ctx, path)
	}

	seqs := make([]uint32, 0, len(versions))
	for _, v := range versions {
		seq, ok := e.index.RemoveVersion(path, v)
		if !ok {
			return fmt.Errorf("%w: %s version %d", ErrVersionConflict, path, v)
		}
		seqs = append(seqs, uint32(seq))
	}

	if err := e.backend.MarkDeleted(ctx, seqs); err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	if err := e.backend.Expunge(ctx); err != nil {
		e.logger.Warn("ifap: expunge failed after version removal, benign", "path", path, "error", err)
	}
	return nil
}

// Listdir returns the one-hop children of prefix.
func (e *Engine) Listdir(prefix string) []string {
	return e.index.Listdir(prefix)
}

// Lookup exposes the Index entry for path, for collaborators (e.g.
// `vers`, `ls -l`) that need metadata without opening the file.
func (e *Engine) Lookup(path string) (IndexEntry, bool) {
	return e.index.Lookup(path)
}

// Locks exposes the lock arbiter for direct acquire/release use.
func (e *Engine) Locks() *LockArbiter {
	return e.locks
}

// stageWrite is called by Handle.Close on a writable handle; it hands
// the buffer off to the Writer, which owns it from this point on.
func (e *Engine) stageWrite(ctx context.Context, path string, meta Metadata, payload []byte) error {
	return e.writer.Stage(ctx, path, meta, payload)
}

// Close releases the backend connection and, if one was configured,
// the local index cache.
func (e *Engine) Close() error {
	err := e.backend.Close()
	if e.cache != nil {
		if cerr := e.cache.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
