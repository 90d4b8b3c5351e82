package credential

import (
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credentials.yaml")

	s := &Store{}
	s.Set("personal", "hunter2")
	if err := Save(path, s); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p, ok := loaded.Passphrase("personal")
	if !ok || p != "hunter2" {
		t.Errorf("passphrase = %q, ok=%v, want %q, true", p, ok, "hunter2")
	}
}

func TestLoadMissingFileIsEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.yaml")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := s.Passphrase("anything"); ok {
		t.Error("expected no passphrase from an empty store")
	}
}

func TestSetOverwrites(t *testing.T) {
	s := &Store{}
	s.Set("work", "first")
	s.Set("work", "second")

	p, ok := s.Passphrase("work")
	if !ok || p != "second" {
		t.Errorf("passphrase = %q, ok=%v, want %q, true", p, ok, "second")
	}
}
