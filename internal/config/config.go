// Package config handles ifapfs configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./ifap.yaml, ~/.config/ifapfs/config.yaml, /config/ifap.yaml,
// /etc/ifapfs/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"ifap.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ifapfs", "config.yaml"))
	}

	paths = append(paths, "/config/ifap.yaml") // Container convention
	paths = append(paths, "/etc/ifapfs/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all ifapfs configuration: the IMAP accounts available to
// mount, and the engine defaults applied to each one unless overridden.
type Config struct {
	Accounts []AccountConfig `yaml:"accounts"`
	Engine   EngineConfig    `yaml:"engine"`
	DataDir  string          `yaml:"data_dir"`
	LogLevel string          `yaml:"log_level"`
}

// AccountConfig describes one IMAP account backing an IFAP filesystem.
type AccountConfig struct {
	// Name is a short identifier used on the CLI and in the local cache
	// (e.g. "personal", "work"). Required, must be unique.
	Name string `yaml:"name"`

	// IMAP configures the connection used to reach the backing folder.
	IMAP IMAPConfig `yaml:"imap"`

	// Folder is the IMAP mailbox holding this filesystem's objects.
	// Default: "IFAP".
	Folder string `yaml:"folder"`

	// Engine overrides the top-level engine defaults for this account.
	Engine EngineConfig `yaml:"engine"`
}

// IMAPConfig holds IMAP server connection parameters.
type IMAPConfig struct {
	// Host is the IMAP server hostname (e.g., "imap.gmail.com").
	Host string `yaml:"host"`

	// Port is the IMAP server port. Default: 993 (IMAPS).
	Port int `yaml:"port"`

	// Username is the IMAP login username.
	Username string `yaml:"username"`

	// Password is the IMAP login password. Supports environment variable
	// expansion via the config loader (e.g., ${IMAP_PASSWORD}).
	Password string `yaml:"password"`

	// TLS controls whether to use TLS for the connection. Default: true.
	// A false value is kept only when Port is 143; on any other port
	// applyDefaults turns TLS on.
	TLS bool `yaml:"tls"`
}

// EngineConfig holds the synchronization/storage engine's tunables.
// Field names and defaults mirror the protocol's own vocabulary
// (retention "versions", buffering threshold, lock TTL).
type EngineConfig struct {
	// Versions is a retention count, defaulted and merged per account.
	// Default: 1. The engine does not read it: a path whose metadata has
	// no "versions" keeps ifap.DefaultVersions revisions.
	Versions int `yaml:"versions"`

	// Buffering makes the engine stage writes instead of appending each
	// one on close; staged writes are appended by a flush, on session
	// exit, or once BufferingMaxBytes is exceeded.
	Buffering bool `yaml:"buffering"`

	// BufferingMaxBytes is the unwritten-byte threshold that forces an
	// early flush even inside a buffered session. Default: 102400.
	BufferingMaxBytes int `yaml:"buffering_max_bytes"`

	// LockTTLSeconds is the advisory lock lifetime. Default: 300.
	LockTTLSeconds int `yaml:"lock_ttl_seconds"`

	// SnapshotEvery is loaded and merged per account but not passed to
	// the engine; snapshots are written only when a caller asks
	// Synchronize for one. Default: 0.
	SnapshotEvery int `yaml:"snapshot_every"`
}

// Configured reports whether at least one account has the minimum
// required IMAP configuration (host and username).
func (c Config) Configured() bool {
	for _, a := range c.Accounts {
		if a.IMAP.Host != "" && a.IMAP.Username != "" {
			return true
		}
	}
	return false
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${IMAP_PASSWORD}).
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	c.Engine.applyDefaults()

	for i := range c.Accounts {
		if c.Accounts[i].IMAP.Port == 0 {
			c.Accounts[i].IMAP.Port = 993
		}
		if !c.Accounts[i].IMAP.TLS && c.Accounts[i].IMAP.Port != 143 {
			c.Accounts[i].IMAP.TLS = true
		}
		if c.Accounts[i].Folder == "" {
			c.Accounts[i].Folder = "IFAP"
		}
		c.Accounts[i].Engine = c.Engine.mergedWith(c.Accounts[i].Engine)
	}
}

// applyDefaults fills the protocol-level defaults onto an EngineConfig.
func (e *EngineConfig) applyDefaults() {
	if e.Versions == 0 {
		e.Versions = 1
	}
	if e.BufferingMaxBytes == 0 {
		e.BufferingMaxBytes = 102400
	}
	if e.LockTTLSeconds == 0 {
		e.LockTTLSeconds = 300
	}
}

// mergedWith returns a copy of e with any zero-value field in override
// replaced by e's value, i.e. override wins field-by-field.
func (e EngineConfig) mergedWith(override EngineConfig) EngineConfig {
	merged := e
	if override.Versions != 0 {
		merged.Versions = override.Versions
	}
	if override.Buffering {
		merged.Buffering = true
	}
	if override.BufferingMaxBytes != 0 {
		merged.BufferingMaxBytes = override.BufferingMaxBytes
	}
	if override.LockTTLSeconds != 0 {
		merged.LockTTLSeconds = override.LockTTLSeconds
	}
	if override.SnapshotEvery != 0 {
		merged.SnapshotEvery = override.SnapshotEvery
	}
	return merged
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	names := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("accounts[%d].name must not be empty", i)
		}
		if names[a.Name] {
			return fmt.Errorf("accounts[%d].name %q is a duplicate", i, a.Name)
		}
		names[a.Name] = true

		if a.IMAP.Host == "" {
			return fmt.Errorf("accounts[%d] (%s): imap.host is required", i, a.Name)
		}
		if a.IMAP.Username == "" {
			return fmt.Errorf("accounts[%d] (%s): imap.username is required", i, a.Name)
		}
		if a.IMAP.Port < 1 || a.IMAP.Port > 65535 {
			return fmt.Errorf("accounts[%d] (%s): imap.port %d out of range (1-65535)", i, a.Name, a.IMAP.Port)
		}
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Account returns the account configuration with the given name, or
// false if no account with that name exists.
func (c *Config) Account(name string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.Name == name {
			return a, true
		}
	}
	return AccountConfig{}, false
}
