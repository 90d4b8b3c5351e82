package imapbackend

import (
	"context"
	"sync"
)

// LocalBackend is an in-process fake standing in for a mailbox. It
// exists purely to exercise the ifap engine without a network
// dependency; it has no persistence and no concept of folders beyond
// a single implicit one. Safe for concurrent use.
type LocalBackend struct {
	mu       sync.Mutex
	messages map[uint32][]byte
	deleted  map[uint32]bool
	nextSeq  uint32
	closed   bool
}

// NewLocalBackend creates an empty in-memory backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		messages: make(map[uint32][]byte),
		deleted:  make(map[uint32]bool),
	}
}

// Select implements Backend; always succeeds.
func (l *LocalBackend) Select(ctx context.Context) error {
	return nil
}

// SearchAll implements Backend: returns live (non-expunged) sequences,
// ascending.
func (l *LocalBackend) SearchAll(ctx context.Context) ([]uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]uint32, 0, len(l.messages))
	for seq := range l.messages {
		out = append(out, seq)
	}
	// Simple ascending insertion sort; message counts in tests are small.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out, nil
}

// FetchHeaderPrefix implements Backend.
func (l *LocalBackend) FetchHeaderPrefix(ctx context.Context, seq uint32, n int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg, ok := l.messages[seq]
	if !ok {
		return nil, ErrUnavailable
	}
	if n >= len(msg) {
		return msg, nil
	}
	return msg[:n], nil
}

// Append implements Backend; sequences are assigned starting at 1 and
// never reused, matching the real backend's UID-based guarantee.
func (l *LocalBackend) Append(ctx context.Context, msg []byte) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextSeq++
	seq := l.nextSeq
	cp := make([]byte, len(msg))
	copy(cp, msg)
	l.messages[seq] = cp
	return seq, nil
}

// MarkDeleted implements Backend.
func (l *LocalBackend) MarkDeleted(ctx context.Context, seqs []uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, s := range seqs {
		l.deleted[s] = true
	}
	return nil
}

// Expunge implements Backend: removes every sequence previously marked
// deleted.
func (l *LocalBackend) Expunge(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for s := range l.deleted {
		delete(l.messages, s)
	}
	l.deleted = make(map[uint32]bool)
	return nil
}

// Close implements Backend; a no-op for the in-memory fake.
func (l *LocalBackend) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// FetchFull returns the complete message bytes for seq, for use by
// tests that need to verify full round-trips rather than just the
// header prefix the engine itself reads.
func (l *LocalBackend) FetchFull(seq uint32) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg, ok := l.messages[seq]
	return msg, ok
}
