package ifap

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the taxonomy in the protocol's error-handling
// design: individual message errors are absorbed by the Synchronizer,
// while these are surfaced to the caller. Wrap with fmt.Errorf("...: %w")
// and unwrap with errors.Is/errors.As as usual.
var (
	// ErrBackendUnavailable covers select/search/connection failures.
	// Retriable; the Index is left untouched.
	ErrBackendUnavailable = errors.New("ifap: backend unavailable")

	// ErrAppendFailed means a flush could not persist a revision. The
	// pending payload is retained in the Writer for retry.
	ErrAppendFailed = errors.New("ifap: append failed")

	// ErrNotFound is returned by Open/Read for an unknown path.
	ErrNotFound = errors.New("ifap: path not found")

	// ErrVersionConflict is returned when a requested historical
	// version has been discarded by retention policy.
	ErrVersionConflict = errors.New("ifap: version no longer retained")

	// ErrLockContended is surfaced to cooperating callers attempting to
	// acquire a lock already held by another holder.
	ErrLockContended = errors.New("ifap: lock contended")

	// ErrReservedPath is returned when a caller attempts to write to
	// the reserved snapshot path.
	ErrReservedPath = errors.New("ifap: path is reserved for snapshots")

	// ErrEncryptionRequired is returned when an operation needing the
	// encryption key is attempted before SetEncryptionKey.
	ErrEncryptionRequired = errors.New("ifap: encryption key not set")
)

// parseError records a per-message classification failure (parse or
// decrypt). It never escapes the Synchronizer as a propagated error;
// the message is classified broken instead. Callers that want the
// detail (tests, diagnostics) can get it via Synchronizer.BrokenReason.
type parseError struct {
	seq Sequence
	err error
}

func (e *parseError) Error() string {
	return fmt.Sprintf("sequence %d: %v", e.seq, e.err)
}

func (e *parseError) Unwrap() error { return e.err }
