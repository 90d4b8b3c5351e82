package ifap

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ifap/ifapfs/internal/config"
	"github.com/ifap/ifapfs/internal/imapbackend"
)

const (
	// initialHeaderFetch is the header prefix size the Synchronizer
	// requests first, per spec §4.1's parse contract.
	initialHeaderFetch = 1024
	// maxHeaderFetch bounds the adaptive widening the Open Questions
	// list calls for: a message whose header still doesn't fit after
	// this many bytes is classified broken rather than fetched further.
	maxHeaderFetch = 16 * 1024
	// maxObjectFetch bounds full-object reads (snapshot payloads, file
	// reads). Large files are explicitly out of scope (spec §1).
	maxObjectFetch = 8 * 1024 * 1024
)

// SyncResult is the outcome of one Synchronize pass.
type SyncResult struct {
	// ToDelete is the set of sequences now eligible for physical
	// deletion: superseded revisions, lock losers, expired locks,
	// obsolete snapshots, and anything else unreferenced by the Index.
	// The caller (Writer/Engine) performs the actual STORE+EXPUNGE.
	ToDelete map[Sequence]struct{}
	// Broken is the full set of sequences that have ever failed to
	// parse or decrypt, across every Synchronize call on this
	// Synchronizer (property 6: broken messages are stable).
	Broken map[Sequence]struct{}
	// Highwater is the largest sequence observed in the folder.
	Highwater Sequence
}

// Synchronizer implements the reverse-scan reconciliation algorithm
// (spec §4.4): it walks a folder's live sequence list in descending
// order, classifies each message by its metadata shape, and folds it
// into an Index.
type Synchronizer struct {
	backend imapbackend.Backend
	index   *Index
	key     *[keySize]byte
	logger  *slog.Logger

	// broken persists across calls: a sequence that ever failed parse
	// is never reconsidered for Index updates until the caller expunges
	// it out of the folder entirely. The recorded error is kept so
	// callers (tests, diagnostics) can retrieve it via BrokenReason.
	broken map[Sequence]error
}

// NewSynchronizer builds a Synchronizer over backend, folding results
// into index. key is nil for plaintext-only operation.
func NewSynchronizer(backend imapbackend.Backend, index *Index, key *[keySize]byte, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		backend: backend,
		index:   index,
		key:     key,
		logger:  logger,
		broken:  make(map[Sequence]error),
	}
}

// SetKey installs or clears the decryption key used for subsequent
// scans (the engine calls this from SetEncryptionKey).
func (s *Synchronizer) SetKey(key *[keySize]byte) {
	s.key = key
}

// BrokenReason returns the classification failure recorded for seq, if
// it has ever been marked broken.
func (s *Synchronizer) BrokenReason(seq Sequence) (error, bool) {
	err, ok := s.broken[seq]
	return err, ok
}

// Synchronize performs one reverse-scan pass over the folder.
func (s *Synchronizer) Synchronize(ctx context.Context) (SyncResult, error) {
	if err := s.backend.Select(ctx); err != nil {
		return SyncResult{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	raw, err := s.backend.SearchAll(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	seqs := make([]Sequence, len(raw))
	for i, v := range raw {
		seqs[i] = Sequence(v)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] > seqs[j] })
	if len(seqs) > 0 {
		s.index.Observe(seqs[0])
	}

	now := time.Now()

	// cutoff/haveCutoff is the early-break point: once a snapshot's
	// Highwater is known, nothing at or below it needs scanning since
	// the snapshot (or a cache seeded from one, see Engine) already
	// covers it. This is distinct from liveSnapshotSeen, which tracks
	// whether THIS pass has folded in the live snapshot message itself
	// (vs. a cache-seeded cutoff inherited from idx.SnapshotSeq()
	// before the loop even starts) — conflating the two would make the
	// loop treat the real, current snapshot message as already-
	// superseded and leave it out of referencedSequences, garbage-
	// collecting the folder's own live snapshot.
	haveCutoff := s.index.SnapshotSeq() > 0
	cutoff := s.index.SnapshotSeq()
	liveSnapshotSeen := false
	var snapshotMsgSeq Sequence

	for _, seq := range seqs {
		if haveCutoff && seq <= cutoff {
			break
		}
		if reason, isBroken := s.broken[seq]; isBroken {
			s.logger.Log(ctx, config.LevelTrace, "ifap: skipping known-broken sequence", "sequence", seq, "reason", reason)
			continue
		}

		meta, parseErr := s.fetchAndParseHeader(ctx, seq)
		if parseErr != nil {
			s.broken[seq] = &parseError{seq: seq, err: parseErr}
			s.logger.Debug("ifap: broken message", "sequence", seq, "error", parseErr)
			continue
		}
		s.logger.Log(ctx, config.LevelTrace, "ifap: classified message", "sequence", seq, "path", meta.Path, "snapshot", meta.Snapshot, "lock", meta.Lock != nil, "deleted", meta.Deleted)

		switch {
		case meta.Snapshot && NormalizePath(meta.Path) == ReservedSnapshotPath:
			if liveSnapshotSeen {
				continue // superseded snapshot, left unreferenced deliberately
			}
			payload, ferr := s.fetchFullObject(ctx, seq)
			if ferr != nil {
				s.broken[seq] = &parseError{seq: seq, err: ferr}
				continue
			}
			wire, derr := decodeSnapshot(payload)
			if derr != nil {
				s.broken[seq] = &parseError{seq: seq, err: derr}
				continue
			}
			adoptSnapshot(s.index, wire)
			liveSnapshotSeen = true
			snapshotMsgSeq = seq
			haveCutoff = true
			cutoff = Sequence(wire.Highwater)

		case meta.Lock != nil:
			lr := *meta.Lock
			lr.Path = NormalizePath(meta.Path)
			lr.CreatedSeq = seq
			s.index.UpsertLock(seq, lr, now)

		default:
			// File object or tombstone: both are revisions of a path,
			// distinguished only by the Deleted flag that Upsert
			// preserves on first sighting.
			s.index.Upsert(Object{Sequence: seq, Metadata: meta})
		}
	}

	// Expired lock record sequences simply fall out of the referenced
	// set computed below once removed from the lock map.
	s.index.ExpireLocks(now)

	referenced := s.index.referencedSequences()
	if snapshotMsgSeq != 0 {
		referenced[snapshotMsgSeq] = struct{}{}
	}

	toDelete := make(map[Sequence]struct{})
	for _, seq := range seqs {
		if _, isBroken := s.broken[seq]; isBroken {
			continue
		}
		if _, ok := referenced[seq]; ok {
			continue
		}
		toDelete[seq] = struct{}{}
	}

	brokenCopy := make(map[Sequence]struct{}, len(s.broken))
	for seq := range s.broken {
		brokenCopy[seq] = struct{}{}
	}

	return SyncResult{
		ToDelete:  toDelete,
		Broken:    brokenCopy,
		Highwater: s.index.Highwater(),
	}, nil
}

// fetchAndParseHeader fetches and parses a message's metadata,
// widening the requested prefix adaptively up to maxHeaderFetch if the
// codec reports the first attempt was truncated.
func (s *Synchronizer) fetchAndParseHeader(ctx context.Context, seq Sequence) (Metadata, error) {
	for n := initialHeaderFetch; n <= maxHeaderFetch; n *= 2 {
		raw, err := s.backend.FetchHeaderPrefix(ctx, uint32(seq), n)
		if err != nil {
			return Metadata{}, fmt.Errorf("fetch: %w", err)
		}
		meta, truncated, perr := ParseHeaderPrefix(raw, s.key)
		if truncated && n < maxHeaderFetch {
			continue
		}
		if perr != nil {
			return Metadata{}, fmt.Errorf("parse: %w", perr)
		}
		return meta, nil
	}
	return Metadata{}, fmt.Errorf("header exceeds %d bytes", maxHeaderFetch)
}

// fetchFullObject fetches an entire message body (used for snapshot
// payloads and file reads, which need more than the header).
func (s *Synchronizer) fetchFullObject(ctx context.Context, seq Sequence) ([]byte, error) {
	raw, err := s.backend.FetchHeaderPrefix(ctx, uint32(seq), maxObjectFetch)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	parsed, err := ParseObject(raw, s.key)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return parsed.Payload, nil
}

// ReadObject fetches and decodes the complete object at seq, for use
// by the engine's read path.
func (s *Synchronizer) ReadObject(ctx context.Context, seq Sequence) (ParsedObject, error) {
	raw, err := s.backend.FetchHeaderPrefix(ctx, uint32(seq), maxObjectFetch)
	if err != nil {
		return ParsedObject{}, fmt.Errorf("fetch: %w", err)
	}
	return ParseObject(raw, s.key)
}
