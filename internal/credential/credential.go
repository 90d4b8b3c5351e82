// Package credential manages the on-disk passphrase file backing an
// IFAP account's encryption key, plus an interactive fallback prompt
// for accounts with nothing saved yet.
package credential

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"
)

// Store is the on-disk shape: one passphrase per account name, keyed
// the same way accounts are named in the engine config.
type Store struct {
	Accounts map[string]string `yaml:"accounts"`
}

// DefaultPath returns ~/.config/ifapfs/credentials.yaml, creating no
// directories itself.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "ifapfs", "credentials.yaml"), nil
}

// Load reads the credential store at path. A missing file is not an
// error; it yields an empty Store so callers fall through to Prompt.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Store{Accounts: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential store: %w", err)
	}

	s := &Store{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse credential store: %w", err)
	}
	if s.Accounts == nil {
		s.Accounts = map[string]string{}
	}
	return s, nil
}

// Save writes the store to path with owner-only permissions, creating
// parent directories as needed. Credential files hold key material in
// the clear; 0600/0700 is the floor, not a preference.
func Save(path string, s *Store) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal credential store: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write credential store: %w", err)
	}
	return nil
}

// Passphrase returns the saved passphrase for account, or false if
// none is on file.
func (s *Store) Passphrase(account string) (string, bool) {
	p, ok := s.Accounts[account]
	return p, ok
}

// Set records a passphrase for account, overwriting any previous
// value. The caller is responsible for calling Save afterward.
func (s *Store) Set(account, passphrase string) {
	if s.Accounts == nil {
		s.Accounts = map[string]string{}
	}
	s.Accounts[account] = passphrase
}

// Prompt reads a passphrase from stdin, echoing a label to stderr only
// when stdout looks like an interactive terminal (isatty.IsTerminal);
// a scripted or piped invocation gets no extraneous prompt text mixed
// into its output.
func Prompt(label string) (string, error) {
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		fmt.Fprintf(os.Stderr, "%s: ", label)
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Resolve returns the passphrase for account: from the store if
// present, otherwise by prompting and, if remember is true, saving it
// back to path for next time.
func Resolve(path, account string, remember bool) (string, error) {
	store, err := Load(path)
	if err != nil {
		return "", err
	}

	if p, ok := store.Passphrase(account); ok {
		return p, nil
	}

	p, err := Prompt(fmt.Sprintf("passphrase for %s", account))
	if err != nil {
		return "", err
	}

	if remember {
		store.Set(account, p)
		if err := Save(path, store); err != nil {
			return "", err
		}
	}
	return p, nil
}
