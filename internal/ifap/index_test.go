package ifap

import (
	"reflect"
	"testing"
	"time"
)

func TestIndexUpsertLatestWins(t *testing.T) {
	idx := NewIndex()

	// Descending scan order: newest sequence observed first.
	if _, has := idx.Upsert(Object{Sequence: 10, Metadata: Metadata{Path: "a/b", Versions: 1}}); has {
		t.Fatal("first upsert should never report garbage")
	}
	g, has := idx.Upsert(Object{Sequence: 5, Metadata: Metadata{Path: "a/b", Versions: 1}})
	if !has || g != 5 {
		t.Fatalf("expected seq 5 to be garbage under versions=1, got has=%v g=%d", has, g)
	}

	e, ok := idx.Lookup("a/b")
	if !ok {
		t.Fatal("expected entry for a/b")
	}
	if e.LatestSeq != 10 {
		t.Errorf("latest = %d, want 10", e.LatestSeq)
	}
	if idx.Highwater() != 10 {
		t.Errorf("highwater = %d, want 10", idx.Highwater())
	}
}

func TestIndexUpsertRetainsHistory(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(Object{Sequence: 30, Metadata: Metadata{Path: "f", Versions: 3}})
	idx.Upsert(Object{Sequence: 20, Metadata: Metadata{Path: "f", Versions: 3}})
	idx.Upsert(Object{Sequence: 10, Metadata: Metadata{Path: "f", Versions: 3}})

	seq, err := idx.HistorySequence("f", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if seq != 10 {
		t.Errorf("history[2] = %d, want 10", seq)
	}

	if _, err := idx.HistorySequence("f", 3); err != ErrVersionConflict {
		t.Errorf("expected ErrVersionConflict beyond retention, got %v", err)
	}
}

func TestIndexUpsertIdempotent(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(Object{Sequence: 10, Metadata: Metadata{Path: "f", Versions: 3}})

	// A re-synchronize revisits the same sequence; it must not grow
	// History a second time.
	idx.Upsert(Object{Sequence: 10, Metadata: Metadata{Path: "f", Versions: 3}})
	idx.Upsert(Object{Sequence: 10, Metadata: Metadata{Path: "f", Versions: 3}})

	e, ok := idx.Lookup("f")
	if !ok {
		t.Fatal("expected entry for f")
	}
	if !reflect.DeepEqual(e.History, []Sequence{10}) {
		t.Errorf("history = %v, want [10] (re-sync must not duplicate)", e.History)
	}
}

func TestIndexRemoveVersion(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(Object{Sequence: 30, Metadata: Metadata{Path: "f", Versions: 3}})
	idx.Upsert(Object{Sequence: 20, Metadata: Metadata{Path: "f", Versions: 3}})
	idx.Upsert(Object{Sequence: 10, Metadata: Metadata{Path: "f", Versions: 3}})

	seq, ok := idx.RemoveVersion("f", 1)
	if !ok || seq != 20 {
		t.Fatalf("RemoveVersion(1) = %d, %v, want 20, true", seq, ok)
	}
	e, _ := idx.Lookup("f")
	if !reflect.DeepEqual(e.History, []Sequence{30, 10}) {
		t.Errorf("history after removing middle version = %v, want [30 10]", e.History)
	}

	seq, ok = idx.RemoveVersion("f", 0)
	if !ok || seq != 30 {
		t.Fatalf("RemoveVersion(0) = %d, %v, want 30, true", seq, ok)
	}
	e, _ = idx.Lookup("f")
	if e.LatestSeq != 10 {
		t.Errorf("latest after removing version 0 = %d, want promoted to 10", e.LatestSeq)
	}

	if _, ok := idx.RemoveVersion("f", 0); !ok {
		t.Fatal("expected last remaining version to be removable")
	}
	if _, ok := idx.Lookup("f"); ok {
		t.Error("expected entry dropped once its last version is removed")
	}
}

func TestUpsertLockEarliestWins(t *testing.T) {
	idx := NewIndex()
	now := time.Now()
	future := now.Add(time.Hour)

	// Descending scan: bob (seq 2) arrives before alice (seq 1), since
	// alice appended first but the scan walks sequences backwards.
	idx.UpsertLock(2, LockRecord{Path: "locked", HolderID: "bob", ExpiresAt: future}, now)
	loser := idx.UpsertLock(1, LockRecord{Path: "locked", HolderID: "alice", ExpiresAt: future}, now)

	if loser != 2 {
		t.Errorf("loser sequence = %d, want 2 (bob)", loser)
	}
	lock, ok := idx.Lock("locked", now)
	if !ok || lock.HolderID != "alice" {
		t.Errorf("winning holder = %+v, ok=%v, want alice", lock, ok)
	}
}

func TestUpsertLockReleaseIsFinal(t *testing.T) {
	idx := NewIndex()
	now := time.Now()
	future := now.Add(time.Hour)

	// Descending scan: the release (seq 3, already expired at append)
	// arrives before the original acquire (seq 2) it superseded.
	idx.UpsertLock(3, LockRecord{Path: "locked", HolderID: "bob", ExpiresAt: now.Add(-time.Second)}, now)
	loser := idx.UpsertLock(2, LockRecord{Path: "locked", HolderID: "bob", ExpiresAt: future}, now)

	if loser != 2 {
		t.Errorf("loser sequence = %d, want 2 (the released acquire)", loser)
	}
	if _, ok := idx.Lock("locked", now); ok {
		t.Error("expected no live lock after a release, regardless of older acquire records")
	}
}

func TestIndexListdir(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(Object{Sequence: 1, Metadata: Metadata{Path: "docs/a.txt"}})
	idx.Upsert(Object{Sequence: 2, Metadata: Metadata{Path: "docs/sub/b.txt"}})
	idx.Upsert(Object{Sequence: 3, Metadata: Metadata{Path: "top.txt"}})
	idx.Upsert(Object{Sequence: 4, Metadata: Metadata{Path: ReservedSnapshotPath}})

	root := idx.Listdir("")
	if !reflect.DeepEqual(root, []string{"docs", "top.txt"}) {
		t.Errorf("root listing = %v", root)
	}

	docs := idx.Listdir("docs")
	if !reflect.DeepEqual(docs, []string{"a.txt", "sub"}) {
		t.Errorf("docs listing = %v", docs)
	}
}

func TestIndexListdirExcludesDeleted(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(Object{Sequence: 1, Metadata: Metadata{Path: "gone.txt", Deleted: true}})

	if got := idx.Listdir(""); len(got) != 0 {
		t.Errorf("expected deleted path excluded, got %v", got)
	}
}
