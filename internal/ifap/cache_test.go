package ifap

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	c, err := NewCache(db)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestCacheSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t)

	idx := NewIndex()
	idx.Upsert(Object{Sequence: 7, Metadata: Metadata{Path: "a/b", Versions: 1}})

	if err := c.Save(ctx, "acct/INBOX.ifap", idx); err != nil {
		t.Fatalf("save: %v", err)
	}

	fresh := NewIndex()
	found, err := c.Load(ctx, "acct/INBOX.ifap", fresh)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !found {
		t.Fatal("expected cache hit")
	}

	e, ok := fresh.Lookup("a/b")
	if !ok || e.LatestSeq != 7 {
		t.Errorf("loaded entry = %+v, ok=%v, want LatestSeq=7", e, ok)
	}
}

func TestCacheLoadMiss(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t)

	fresh := NewIndex()
	found, err := c.Load(ctx, "nonexistent", fresh)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if found {
		t.Fatal("expected cache miss")
	}
}

func TestCacheClear(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t)

	idx := NewIndex()
	idx.Upsert(Object{Sequence: 1, Metadata: Metadata{Path: "x"}})
	if err := c.Save(ctx, "k", idx); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := c.Clear(ctx, "k"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	found, err := c.Load(ctx, "k", NewIndex())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if found {
		t.Fatal("expected cache miss after clear")
	}
}
