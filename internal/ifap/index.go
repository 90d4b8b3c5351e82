package ifap

import (
	"sort"
	"sync"
	"time"
)

// Index is the in-memory, per-path view of a folder's current state,
// built and kept current by the Synchronizer's reverse scan (spec
// §4.3/§4.4). It also holds the active lock map and the known
// snapshot sequence, per spec §3. Safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	entries map[string]*IndexEntry
	locks   map[string]lockEntry
	// highwater is the largest sequence the index has observed,
	// whether or not it produced a live entry (used to resume a scan
	// and to stamp new snapshots).
	highwater Sequence
	// snapshotSeq is the highwater covered by the last adopted snapshot
	// (the scan's early-break cutoff), or 0 if none has been adopted.
	snapshotSeq Sequence
}

type lockEntry struct {
	record Sequence // the sequence that carried this lock record
	lock   LockRecord
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{
		entries: make(map[string]*IndexEntry),
		locks:   make(map[string]lockEntry),
	}
}

// Highwater returns the largest sequence number observed so far.
func (idx *Index) Highwater() Sequence {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.highwater
}

// Observe records that seq was seen in the folder, raising the
// highwater mark if it is the largest seen so far, without otherwise
// touching any entry.
func (idx *Index) Observe(seq Sequence) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.bumpHighwater(seq)
}

// bumpHighwater raises the recorded highwater mark if seq is newer.
func (idx *Index) bumpHighwater(seq Sequence) {
	if seq > idx.highwater {
		idx.highwater = seq
	}
}

// Upsert records obj as a revision of its path. Because the
// Synchronizer scans in descending sequence order, the FIRST call for
// a given path wins; later (i.e. older) calls for the same path are
// folded into History up to the path's retention count and otherwise
// ignored. A sequence above the entry's LatestSeq (a revision appended
// after an earlier pass indexed the path) becomes the new latest, and
// History is cut to its retention count. Returns the
// retained-but-stale sequence, if any, that should be added to the caller's garbage set because it fell outside
// retention.
func (idx *Index) Upsert(obj Object) (garbage Sequence, hasGarbage bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.bumpHighwater(obj.Sequence)

	path := NormalizePath(obj.Metadata.Path)
	existing, ok := idx.entries[path]
	if !ok {
		idx.entries[path] = &IndexEntry{
			LatestSeq: obj.Sequence,
			Metadata:  obj.Metadata,
			History:   []Sequence{obj.Sequence},
			Deleted:   obj.Metadata.Deleted,
		}
		return 0, false
	}

	// A newer revision for this path has already been recorded (we are
	// scanning backwards, so obj.Sequence is older); this is a retained
	// history entry, or garbage if retention is exhausted. A repeat
	// Synchronize (e.g. session enter/exit both scan) revisits the same
	// sequences, so guard against re-appending one already retained —
	// otherwise History grows without bound across passes instead of
	// converging (property 2, property 5).
	for _, h := range existing.History {
		if h == obj.Sequence {
			return 0, false
		}
	}

	promote := obj.Sequence > existing.LatestSeq
	if promote {
		existing.LatestSeq = obj.Sequence
		existing.Metadata = obj.Metadata
		existing.Deleted = obj.Metadata.Deleted
		existing.History = append([]Sequence{obj.Sequence}, existing.History...)
	}

	retain := existing.Metadata.Versions
	if retain <= 0 {
		retain = DefaultVersions
	}
	if promote {
		// Sequences cut from History drop out of the referenced set.
		if len(existing.History) > retain {
			existing.History = existing.History[:retain]
		}
		return 0, false
	}
	if len(existing.History) < retain {
		existing.History = append(existing.History, obj.Sequence)
		return 0, false
	}
	return obj.Sequence, true
}

// RemoveVersion drops a single retained revision of path, identified
// by its History index (0 = latest, matching HistorySequence's
// numbering and what `vers` prints). If the removed revision was the
// latest and older ones remain, the next-oldest is promoted to
// LatestSeq; if none remain, the path is dropped entirely. Returns the
// removed sequence, or ok=false if path or n is unknown.
func (idx *Index) RemoveVersion(path string, n int) (seq Sequence, ok bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	path = NormalizePath(path)
	e, found := idx.entries[path]
	if !found || n < 0 || n >= len(e.History) {
		return 0, false
	}

	seq = e.History[n]
	e.History = append(e.History[:n:n], e.History[n+1:]...)
	if len(e.History) == 0 {
		delete(idx.entries, path)
		return seq, true
	}
	if n == 0 {
		e.LatestSeq = e.History[0]
	}
	return seq, true
}

// Lookup returns the current entry for path.
func (idx *Index) Lookup(path string) (IndexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[NormalizePath(path)]
	if !ok {
		return IndexEntry{}, false
	}
	return *e, true
}

// HistorySequence returns the sequence for the n-th most recent
// retained revision of path (0 = latest). Returns ErrVersionConflict
// if n exceeds what was retained.
func (idx *Index) HistorySequence(path string, n int) (Sequence, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[NormalizePath(path)]
	if !ok {
		return 0, ErrNotFound
	}
	if n < 0 || n >= len(e.History) {
		return 0, ErrVersionConflict
	}
	return e.History[n], nil
}

// Listdir returns the immediate children of prefix: both subdirectory
// names (without a trailing slash) and leaf file paths, deduplicated,
// sorted, excluding deleted and reserved entries.
func (idx *Index) Listdir(prefix string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	prefix = NormalizePath(prefix)
	seen := make(map[string]struct{})
	for path, e := range idx.entries {
		if e.Deleted || path == ReservedSnapshotPath {
			continue
		}
		child, ok := pathChild(prefix, path)
		if !ok {
			continue
		}
		seen[child] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Enumerate returns every live, non-reserved path currently tracked,
// sorted, for full-tree operations (e.g. snapshot materialization).
func (idx *Index) Enumerate() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]string, 0, len(idx.entries))
	for path, e := range idx.entries {
		if e.Deleted || path == ReservedSnapshotPath {
			continue
		}
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// snapshotEntries returns every tracked entry (including deleted
// tombstones, excluded from listing but needed to seed a freshly
// restarted index) as path/entry pairs, for use by the snapshot
// writer.
func (idx *Index) snapshotEntries() map[string]IndexEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make(map[string]IndexEntry, len(idx.entries))
	for path, e := range idx.entries {
		out[path] = *e
	}
	return out
}

// seedEntry installs an entry produced from a snapshot's recorded
// state, used when adopting a snapshot to avoid rescanning sequences
// it already summarizes.
func (idx *Index) seedEntry(path string, e IndexEntry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	path = NormalizePath(path)
	cp := e
	idx.entries[path] = &cp
	idx.bumpHighwater(e.LatestSeq)
}

// SnapshotSeq returns the highwater covered by the last adopted
// snapshot, or 0 if none has been adopted.
func (idx *Index) SnapshotSeq() Sequence {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.snapshotSeq
}

// setSnapshotSeq records the highwater covered by an adopted snapshot.
func (idx *Index) setSnapshotSeq(seq Sequence) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.snapshotSeq = seq
}

// UpsertLock records a lock record observed at recordSeq into the lock
// map. The scan visits sequences in descending order, so by the time a
// second record for the same path arrives here it is OLDER than
// whatever is already installed. Per spec §4.6, concurrent acquires
// resolve with "lower sequence wins (earliest append)": if the
// installed record is still unexpired (a live, contested acquire),
// an older-but-also-unexpired candidate replaces it, walking the
// winner back toward the true earliest acquirer. But an installed
// record that has already expired as of now — whether by TTL or by an
// explicit release, which LockArbiter.Release represents as a record
// whose ExpiresAt is already in the past — is final: it is a release,
// and no older record may resurrect the path past it. Returns the
// sequence of a record that lost the race, or 0 if this record was the
// first seen.
func (idx *Index) UpsertLock(recordSeq Sequence, lock LockRecord, now time.Time) (loserSeq Sequence) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	path := NormalizePath(lock.Path)
	existing, ok := idx.locks[path]
	if !ok {
		idx.locks[path] = lockEntry{record: recordSeq, lock: lock}
		return 0
	}

	if !existing.lock.Expired(now) && !lock.Expired(now) && recordSeq < existing.record {
		idx.locks[path] = lockEntry{record: recordSeq, lock: lock}
		return existing.record
	}
	return recordSeq
}

// Lock returns the currently held lock for path, if any and unexpired.
func (idx *Index) Lock(path string, now time.Time) (LockRecord, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.locks[NormalizePath(path)]
	if !ok || e.lock.Expired(now) {
		return LockRecord{}, false
	}
	return e.lock, true
}

// ExpireLocks drops every lock whose expiry has passed as of now, and
// returns the sequences that carried them so the caller can queue
// those messages for deletion.
func (idx *Index) ExpireLocks(now time.Time) []Sequence {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var expired []Sequence
	for path, e := range idx.locks {
		if e.lock.Expired(now) {
			expired = append(expired, e.record)
			delete(idx.locks, path)
		}
	}
	return expired
}

// referencedSequences returns every sequence the index currently
// points to: latest + retained history for every path, plus the
// record sequence of every held lock. Used by the Synchronizer's
// final sweep (spec §4.4 step 4) to compute garbage as "everything in
// the folder not broken and not referenced".
func (idx *Index) referencedSequences() map[Sequence]struct{} {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make(map[Sequence]struct{}, len(idx.entries)*2)
	for _, e := range idx.entries {
		out[e.LatestSeq] = struct{}{}
		for _, h := range e.History {
			out[h] = struct{}{}
		}
	}
	for _, l := range idx.locks {
		out[l.record] = struct{}{}
	}
	return out
}
