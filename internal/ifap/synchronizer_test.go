package ifap

import (
	"context"
	"testing"
	"time"

	"github.com/ifap/ifapfs/internal/imapbackend"
)

func appendObject(t *testing.T, ctx context.Context, b *imapbackend.LocalBackend, obj Object, key *[32]byte) Sequence {
	t.Helper()
	wire, err := EncodeObject(obj, key)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	seq, err := b.Append(ctx, wire)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return Sequence(seq)
}

func TestSynchronizeSingleWriteEncrypted(t *testing.T) {
	ctx := context.Background()
	b := imapbackend.NewLocalBackend()
	key := DeriveKey("hunter2")

	appendObject(t, ctx, b, Object{
		Metadata: Metadata{Path: "a/b.txt"},
		Payload:  []byte("hello"),
	}, &key)

	idx := NewIndex()
	sync := NewSynchronizer(b, idx, &key, nil)
	if _, err := sync.Synchronize(ctx); err != nil {
		t.Fatalf("synchronize: %v", err)
	}

	e, ok := idx.Lookup("a/b.txt")
	if !ok {
		t.Fatal("expected entry for a/b.txt")
	}
	parsed, err := sync.ReadObject(ctx, e.LatestSeq)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(parsed.Payload) != "hello" {
		t.Errorf("payload = %q, want %q", parsed.Payload, "hello")
	}
}

func TestSynchronizeSupersession(t *testing.T) {
	ctx := context.Background()
	b := imapbackend.NewLocalBackend()

	appendObject(t, ctx, b, Object{Metadata: Metadata{Path: "f", Versions: 1}, Payload: []byte("one")}, nil)
	appendObject(t, ctx, b, Object{Metadata: Metadata{Path: "f", Versions: 1}, Payload: []byte("two")}, nil)

	idx := NewIndex()
	sync := NewSynchronizer(b, idx, nil, nil)
	result, err := sync.Synchronize(ctx)
	if err != nil {
		t.Fatalf("synchronize: %v", err)
	}

	e, ok := idx.Lookup("f")
	if !ok {
		t.Fatal("expected entry for f")
	}
	parsed, err := sync.ReadObject(ctx, e.LatestSeq)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(parsed.Payload) != "two" {
		t.Errorf("latest payload = %q, want %q", parsed.Payload, "two")
	}
	if len(result.ToDelete) != 1 {
		t.Errorf("to_delete = %v, want exactly 1 entry (the superseded v1)", result.ToDelete)
	}
}

func TestSynchronizeBrokenMessageIsStable(t *testing.T) {
	ctx := context.Background()
	b := imapbackend.NewLocalBackend()

	good := Object{Metadata: Metadata{Path: "ok"}, Payload: []byte("fine")}
	wire, _ := EncodeObject(good, nil)
	b.Append(ctx, wire)
	b.Append(ctx, []byte("To: x\r\nSubject: y\r\nX-Ifap: not json at all {{{\r\nContent-Type: application/x-ifap\r\nContent-Transfer-Encoding: base64\r\n\r\nzz=="))

	idx := NewIndex()
	sync := NewSynchronizer(b, idx, nil, nil)

	result1, err := sync.Synchronize(ctx)
	if err != nil {
		t.Fatalf("synchronize: %v", err)
	}
	if len(result1.Broken) != 1 {
		t.Fatalf("broken = %v, want 1 entry", result1.Broken)
	}

	if _, ok := idx.Lookup("ok"); !ok {
		t.Fatal("good path should still be indexed")
	}

	result2, err := sync.Synchronize(ctx)
	if err != nil {
		t.Fatalf("second synchronize: %v", err)
	}
	if len(result2.Broken) != 1 {
		t.Fatalf("broken after second scan = %v, want still 1 entry (stable)", result2.Broken)
	}
}

func TestSynchronizeTombstone(t *testing.T) {
	ctx := context.Background()
	b := imapbackend.NewLocalBackend()

	appendObject(t, ctx, b, Object{Metadata: Metadata{Path: "g"}, Payload: []byte("data")}, nil)
	appendObject(t, ctx, b, Object{Metadata: Metadata{Path: "g", Deleted: true}, Payload: nil}, nil)

	idx := NewIndex()
	sync := NewSynchronizer(b, idx, nil, nil)
	if _, err := sync.Synchronize(ctx); err != nil {
		t.Fatalf("synchronize: %v", err)
	}

	e, ok := idx.Lookup("g")
	if !ok {
		t.Fatal("expected entry for g")
	}
	if !e.Deleted {
		t.Error("expected g to be marked deleted")
	}
}

func TestSynchronizeSnapshotConvergence(t *testing.T) {
	ctx := context.Background()
	b := imapbackend.NewLocalBackend()

	for i := 0; i < 5; i++ {
		appendObject(t, ctx, b, Object{
			Metadata: Metadata{Path: "file" + string(rune('a'+i))},
			Payload:  []byte{byte(i)},
		}, nil)
	}

	idx1 := NewIndex()
	sync1 := NewSynchronizer(b, idx1, nil, nil)
	if _, err := sync1.Synchronize(ctx); err != nil {
		t.Fatalf("synchronize: %v", err)
	}
	if _, err := WriteSnapshot(ctx, b, idx1, nil); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	idx2 := NewIndex()
	sync2 := NewSynchronizer(b, idx2, nil, nil)
	if _, err := sync2.Synchronize(ctx); err != nil {
		t.Fatalf("synchronize fresh engine: %v", err)
	}

	for i := 0; i < 5; i++ {
		path := "file" + string(rune('a'+i))
		e1, ok1 := idx1.Lookup(path)
		e2, ok2 := idx2.Lookup(path)
		if !ok1 || !ok2 {
			t.Fatalf("path %q missing from one of the indexes (ok1=%v ok2=%v)", path, ok1, ok2)
		}
		if e1.LatestSeq != e2.LatestSeq {
			t.Errorf("path %q: latest seq mismatch %d vs %d", path, e1.LatestSeq, e2.LatestSeq)
		}
	}
}

func TestSynchronizeLockContention(t *testing.T) {
	ctx := context.Background()
	b := imapbackend.NewLocalBackend()

	future := time.Now().Add(time.Hour)
	appendObject(t, ctx, b, Object{
		Metadata: Metadata{Path: "locked", Lock: &LockRecord{HolderID: "alice", ExpiresAt: future}},
	}, nil)
	appendObject(t, ctx, b, Object{
		Metadata: Metadata{Path: "locked", Lock: &LockRecord{HolderID: "bob", ExpiresAt: future}},
	}, nil)

	idx := NewIndex()
	sync := NewSynchronizer(b, idx, nil, nil)
	result, err := sync.Synchronize(ctx)
	if err != nil {
		t.Fatalf("synchronize: %v", err)
	}

	lock, ok := idx.Lock("locked", time.Now())
	if !ok {
		t.Fatal("expected an active lock on 'locked'")
	}
	if lock.HolderID != "alice" {
		t.Errorf("winning holder = %q, want %q (earliest append wins)", lock.HolderID, "alice")
	}
	if len(result.ToDelete) == 0 {
		t.Error("expected the losing lock record queued for deletion")
	}
}
