// Package ifap implements the IMAP File Access Protocol: a versioned,
// optionally encrypted filesystem layered on an IMAP folder, using the
// folder's own message ordering as an append-only log of revisions.
package ifap

import "time"

// Sequence is a folder-local, strictly increasing, never-reused
// identifier assigned by the backend at append time. The real backend
// backs this with the message's IMAP UID (see imapbackend.RealBackend);
// raw IMAP sequence numbers are unsuitable because they are
// renumbered on EXPUNGE.
type Sequence uint32

// ReservedSnapshotPath is the logical path reserved for snapshot
// messages. It MUST NOT be used for user files.
const ReservedSnapshotPath = "IFAP/metadata.json"

// DefaultLockTTL is the advisory lock lifetime applied when the lock
// arbiter is built with a TTL that is not positive.
const DefaultLockTTL = 300 * time.Second

// DefaultVersions is the retention count applied to a path whose
// metadata does not specify "versions".
const DefaultVersions = 1

// Metadata is the structured per-object map carried in the X-IFAP
// header. The keys with defined protocol semantics (Path, Bytes,
// Versions, Lock, Deleted, Snapshot, Padding) are promoted to typed
// fields; everything else is preserved verbatim in Extra.
type Metadata struct {
	// Path is "fn": the logical filesystem path this object names.
	Path string

	// Bytes is the payload length in bytes, as declared at encode time.
	Bytes int

	// Versions is the retention count for this path. Zero means
	// "unspecified"; callers should treat it as DefaultVersions.
	Versions int

	// Lock is non-nil for lock-acquisition control records.
	Lock *LockRecord

	// Deleted marks this object as a tombstone for Path.
	Deleted bool

	// Snapshot marks this object as a snapshot control record.
	Snapshot bool

	// Padding is the "_" transport-only field used to round encrypted
	// metadata up to a fixed block size. It carries no meaning beyond
	// the wire format and is never surfaced to callers.
	Padding string

	// Extra holds any user-defined metadata keys verbatim.
	Extra map[string]any
}

// Clone returns a deep-enough copy of m suitable for staging into a
// pending write without aliasing the caller's Extra map.
func (m Metadata) Clone() Metadata {
	c := m
	c.Lock = nil
	if m.Lock != nil {
		lr := *m.Lock
		c.Lock = &lr
	}
	if m.Extra != nil {
		c.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			c.Extra[k] = v
		}
	}
	return c
}

// Object is a single stored message: one file revision or one control
// record (tombstone, lock, or snapshot).
type Object struct {
	Sequence Sequence
	Metadata Metadata
	Payload  []byte
}

// LockRecord is an advisory mutual-exclusion record for one path.
type LockRecord struct {
	Path       string
	HolderID   string
	ExpiresAt  time.Time
	CreatedSeq Sequence
}

// Expired reports whether the lock has passed its expiry as of now.
func (l LockRecord) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// IndexEntry is the per-path record held by the Index: the latest
// known revision plus any retained older revisions.
type IndexEntry struct {
	LatestSeq Sequence
	Metadata  Metadata
	// History holds retained sequences, newest-first, including
	// LatestSeq at index 0.
	History []Sequence
	Deleted bool
}
