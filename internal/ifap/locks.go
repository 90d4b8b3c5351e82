package ifap

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ifap/ifapfs/internal/imapbackend"
)

// LockArbiter acquires and releases advisory locks (spec §4.6). A lock
// is carried as an ordinary object message whose metadata has a `lock`
// field; releasing one appends an already-expired lock record for the
// same path so the next synchronize drops it from the Index's lock map.
type LockArbiter struct {
	backend  imapbackend.Backend
	index    *Index
	key      *[keySize]byte
	holderID string
	ttl      time.Duration
}

// NewLockArbiter builds an arbiter with a fresh random holder ID
// (stable for the lifetime of the process/engine instance).
func NewLockArbiter(backend imapbackend.Backend, index *Index, key *[keySize]byte, ttl time.Duration) *LockArbiter {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &LockArbiter{
		backend:  backend,
		index:    index,
		key:      key,
		holderID: uuid.NewString(),
		ttl:      ttl,
	}
}

// HolderID returns this arbiter's identity, as carried in lock records
// it appends.
func (a *LockArbiter) HolderID() string {
	return a.holderID
}

// SetKey installs or clears the encryption key used for subsequently
// appended lock records.
func (a *LockArbiter) SetKey(key *[keySize]byte) {
	a.key = key
}

// Acquire appends a lock record for path. The caller MUST call
// Synchronize afterward to discover whether it actually won (spec
// §4.6: "lower sequence wins... losers see the winner during the next
// synchronize"); Acquire itself never blocks for contention — it is
// advisory and optimistic.
func (a *LockArbiter) Acquire(ctx context.Context, path string) error {
	path = NormalizePath(path)
	lock := &LockRecord{
		Path:      path,
		HolderID:  a.holderID,
		ExpiresAt: time.Now().Add(a.ttl),
	}
	obj := Object{Metadata: Metadata{Path: path, Lock: lock}}
	wire, err := EncodeObject(obj, a.key)
	if err != nil {
		return fmt.Errorf("encode lock record: %w", err)
	}
	if _, err := a.backend.Append(ctx, wire); err != nil {
		return fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	return nil
}

// Held reports whether this arbiter currently holds path's lock,
// according to the last Synchronize pass.
func (a *LockArbiter) Held(path string) bool {
	lock, ok := a.index.Lock(path, time.Now())
	return ok && lock.HolderID == a.holderID
}

// Release appends an already-expired lock record for path,
// relinquishing it: the next synchronize's ExpireLocks pass drops it
// from the Index immediately. It does not check whether this arbiter
// holds the lock: the record is appended either way, and because the
// newest record for the path is then an expired one, the next scan
// reports no live lock on path, whoever held it, and discards the
// release record as unreferenced.
func (a *LockArbiter) Release(ctx context.Context, path string) error {
	path = NormalizePath(path)
	obj := Object{Metadata: Metadata{Path: path, Lock: &LockRecord{
		Path:      path,
		HolderID:  a.holderID,
		ExpiresAt: time.Now(),
	}}}
	wire, err := EncodeObject(obj, a.key)
	if err != nil {
		return fmt.Errorf("encode lock release: %w", err)
	}
	if _, err := a.backend.Append(ctx, wire); err != nil {
		return fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	return nil
}

// TryAcquire is a convenience wrapper combining Acquire, a
// synchronize callback, and the Held check, returning ErrLockContended
// if another holder won the race.
func (a *LockArbiter) TryAcquire(ctx context.Context, path string, synchronize func(context.Context) error) error {
	if err := a.Acquire(ctx, path); err != nil {
		return err
	}
	if err := synchronize(ctx); err != nil {
		return err
	}
	if !a.Held(path) {
		return ErrLockContended
	}
	return nil
}
