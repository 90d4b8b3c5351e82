// Package imapbackend implements the narrow capability surface the
// ifap engine depends on, satisfied either by a real IMAP server
// (RealBackend) or an in-process fake used by tests (LocalBackend).
package imapbackend

import "context"

// Backend is the capability set in the storage engine's contract: an
// append-only ordered log with header-slice reads, one way to add a
// message, and deferred deletion.
//
// The engine does not serialize backend calls under one mutex:
// Synchronize, the Writer's flush, the lock arbiter and version removal
// each call the backend directly. Both implementations in this package
// guard their own state with a mutex.
type Backend interface {
	// Select makes the backend's folder current. Implementations may
	// treat this as a no-op after the first successful call.
	Select(ctx context.Context) error

	// SearchAll returns the ordered set of live sequences in the
	// folder, ascending.
	SearchAll(ctx context.Context) ([]uint32, error)

	// FetchHeaderPrefix returns up to n bytes from the start of the
	// message named by seq. Returning fewer than n bytes (EOF) is not
	// an error; the caller detects truncation by content, not length.
	FetchHeaderPrefix(ctx context.Context, seq uint32, n int) ([]byte, error)

	// Append adds msg as a new message and returns the sequence the
	// backend assigned it. The assigned sequence MUST be strictly
	// greater than any previously assigned sequence.
	Append(ctx context.Context, msg []byte) (uint32, error)

	// MarkDeleted flags the given sequences for deletion on the next
	// Expunge. It does not remove them immediately.
	MarkDeleted(ctx context.Context, seqs []uint32) error

	// Expunge permanently removes all sequences previously passed to
	// MarkDeleted. Failure here is benign: garbage is re-queued on the
	// next Synchronize.
	Expunge(ctx context.Context) error

	// Close releases any held connection resources.
	Close() error
}
