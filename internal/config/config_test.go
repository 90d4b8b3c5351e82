package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("data_dir: /tmp/ifap\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/ifap.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ifap.yaml")
	os.WriteFile(path, []byte("data_dir: /tmp/ifap\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "ifap.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "ifap.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ifap.yaml")
	os.WriteFile(path, []byte(
		"accounts:\n  - name: personal\n    imap:\n      host: imap.example.com\n      username: me@example.com\n      password: ${IFAP_TEST_PASSWORD}\n"),
		0600)
	os.Setenv("IFAP_TEST_PASSWORD", "hunter2")
	defer os.Unsetenv("IFAP_TEST_PASSWORD")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Accounts[0].IMAP.Password != "hunter2" {
		t.Errorf("password = %q, want %q", cfg.Accounts[0].IMAP.Password, "hunter2")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ifap.yaml")
	os.WriteFile(path, []byte(
		"accounts:\n  - name: personal\n    imap:\n      host: imap.example.com\n      username: me@example.com\n"),
		0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	acct := cfg.Accounts[0]
	if acct.IMAP.Port != 993 {
		t.Errorf("port = %d, want 993", acct.IMAP.Port)
	}
	if !acct.IMAP.TLS {
		t.Error("TLS should default true")
	}
	if acct.Folder != "IFAP" {
		t.Errorf("folder = %q, want %q", acct.Folder, "IFAP")
	}
	if acct.Engine.Versions != 1 {
		t.Errorf("versions = %d, want 1", acct.Engine.Versions)
	}
	if acct.Engine.BufferingMaxBytes != 102400 {
		t.Errorf("buffering_max_bytes = %d, want 102400", acct.Engine.BufferingMaxBytes)
	}
	if acct.Engine.LockTTLSeconds != 300 {
		t.Errorf("lock_ttl_seconds = %d, want 300", acct.Engine.LockTTLSeconds)
	}
}

func TestEngineConfig_AccountOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ifap.yaml")
	os.WriteFile(path, []byte(
		"engine:\n  versions: 3\n"+
			"accounts:\n  - name: personal\n    imap:\n      host: h\n      username: u\n    engine:\n      versions: 5\n"),
		0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Accounts[0].Engine.Versions != 5 {
		t.Errorf("account override versions = %d, want 5", cfg.Accounts[0].Engine.Versions)
	}
}

func TestValidate_DuplicateAccountName(t *testing.T) {
	cfg := &Config{Accounts: []AccountConfig{
		{Name: "a", IMAP: IMAPConfig{Host: "h", Username: "u", Port: 993}},
		{Name: "a", IMAP: IMAPConfig{Host: "h2", Username: "u2", Port: 993}},
	}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for duplicate account name")
	}
}

func TestAccount_Lookup(t *testing.T) {
	cfg := &Config{Accounts: []AccountConfig{{Name: "work"}}}
	if _, ok := cfg.Account("work"); !ok {
		t.Error("expected to find account 'work'")
	}
	if _, ok := cfg.Account("missing"); ok {
		t.Error("did not expect to find account 'missing'")
	}
}
