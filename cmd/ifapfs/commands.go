package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/ifap/ifapfs/internal/config"
	"github.com/ifap/ifapfs/internal/credential"
	"github.com/ifap/ifapfs/internal/ifap"
	"github.com/ifap/ifapfs/internal/imapbackend"
)

// openEngine connects to the account's IMAP folder, resolves its
// passphrase, opens its local index cache, and brings the Index up to
// date with a single synchronize before returning. The file commands
// (put/get/cat/ls/rm/vers) go through this.
func openEngine(ctx context.Context, logger *slog.Logger, cfg *config.Config, account string) (*ifap.Engine, config.AccountConfig, error) {
	acct, err := selectAccount(cfg, account)
	if err != nil {
		return nil, config.AccountConfig{}, err
	}

	backend := imapbackend.NewRealBackend(acct.IMAP, acct.Folder, logger.With("account", acct.Name))

	cache, err := ifap.OpenCache(filepath.Join(cfg.DataDir, "cache", acct.Name+".db"))
	if err != nil {
		logger.Warn("ifap: local cache unavailable, will full-scan", "account", acct.Name, "error", err)
		cache = nil
	}

	engine := ifap.NewEngine(backend, ifap.EngineOptions{
		Buffering:         acct.Engine.Buffering,
		BufferingMaxBytes: acct.Engine.BufferingMaxBytes,
		LockTTL:           time.Duration(acct.Engine.LockTTLSeconds) * time.Second,
		Logger:            logger.With("account", acct.Name),
		Cache:             cache,
		FolderKey:         acct.Name + "/" + acct.Folder,
	})

	credPath, err := credential.DefaultPath()
	if err != nil {
		return nil, config.AccountConfig{}, err
	}
	passphrase, err := credential.Resolve(credPath, acct.Name, false)
	if err != nil {
		return nil, config.AccountConfig{}, fmt.Errorf("resolve passphrase: %w", err)
	}
	if passphrase != "" {
		engine.SetEncryptionKey(passphrase)
	}

	if _, err := engine.Synchronize(ctx, false, false); err != nil {
		return nil, config.AccountConfig{}, fmt.Errorf("synchronize %s/%s: %w", acct.Name, acct.Folder, err)
	}

	return engine, acct, nil
}

func runPut(logger *slog.Logger, cfg *config.Config, account string, args []string) {
	if len(args) != 2 {
		fail("usage: ifapfs put <local> <remote>")
	}
	ctx := context.Background()

	data, err := os.ReadFile(args[0])
	if err != nil {
		fail("read %s: %v", args[0], err)
	}

	engine, _, err := openEngine(ctx, logger, cfg, account)
	if err != nil {
		fail("%v", err)
	}
	defer engine.Close()

	h, err := engine.Open(ctx, args[1], "w", 0)
	if err != nil {
		fail("open %s: %v", args[1], err)
	}
	if _, err := h.Write(data); err != nil {
		fail("write %s: %v", args[1], err)
	}
	if err := h.Close(ctx); err != nil {
		fail("close %s: %v", args[1], err)
	}
	if err := engine.Flush(ctx); err != nil {
		fail("flush %s: %v", args[1], err)
	}
	if _, err := engine.Synchronize(ctx, false, false); err != nil {
		fail("synchronize: %v", err)
	}
}

func runGet(logger *slog.Logger, cfg *config.Config, account string, args []string) {
	if len(args) != 2 {
		fail("usage: ifapfs get <remote> <local>")
	}
	ctx := context.Background()

	engine, _, err := openEngine(ctx, logger, cfg, account)
	if err != nil {
		fail("%v", err)
	}
	defer engine.Close()

	h, err := engine.Open(ctx, args[0], "r", 0)
	if err != nil {
		fail("open %s: %v", args[0], err)
	}
	data, err := io.ReadAll(h)
	if err != nil {
		fail("read %s: %v", args[0], err)
	}
	if err := os.WriteFile(args[1], data, 0o644); err != nil {
		fail("write %s: %v", args[1], err)
	}
}

func runCat(logger *slog.Logger, cfg *config.Config, account string, args []string) {
	if len(args) != 1 {
		fail("usage: ifapfs cat <remote>")
	}
	ctx := context.Background()

	engine, _, err := openEngine(ctx, logger, cfg, account)
	if err != nil {
		fail("%v", err)
	}
	defer engine.Close()

	h, err := engine.Open(ctx, args[0], "r", 0)
	if err != nil {
		fail("open %s: %v", args[0], err)
	}
	if _, err := io.Copy(os.Stdout, h); err != nil {
		fail("read %s: %v", args[0], err)
	}
}

func runLs(logger *slog.Logger, cfg *config.Config, account string, args []string) {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	ctx := context.Background()

	engine, _, err := openEngine(ctx, logger, cfg, account)
	if err != nil {
		fail("%v", err)
	}
	defer engine.Close()

	entries := engine.Listdir(prefix)
	sort.Strings(entries)

	interactive := isatty.IsTerminal(os.Stdout.Fd())
	for _, name := range entries {
		entry, ok := engine.Lookup(joinPath(prefix, name))
		if !ok {
			fmt.Println(name)
			continue
		}
		if !interactive {
			fmt.Printf("%s\t%d\n", name, entry.Metadata.Bytes)
			continue
		}
		fmt.Printf("%10s  %s\n", humanize.Bytes(uint64(entry.Metadata.Bytes)), name)
	}
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// runRm removes a remote path. -V/--version, like the original
// mailfile client, targets a single retained revision (by the index
// `vers` prints) instead of the whole path.
func runRm(logger *slog.Logger, cfg *config.Config, account string, args []string) {
	fs := flag.NewFlagSet("rm", flag.ExitOnError)
	version := fs.Int("V", -1, "remove only this retained version (as shown by `vers`)")
	fs.IntVar(version, "version", -1, "remove only this retained version (as shown by `vers`)")
	if err := fs.Parse(args); err != nil {
		fail("%v", err)
	}
	rest := fs.Args()
	if len(rest) != 1 {
		fail("usage: ifapfs rm [-V version] <remote>")
	}
	ctx := context.Background()

	engine, _, err := openEngine(ctx, logger, cfg, account)
	if err != nil {
		fail("%v", err)
	}
	defer engine.Close()

	if *version >= 0 {
		if err := engine.Remove(ctx, rest[0], *version); err != nil {
			fail("remove %s version %d: %v", rest[0], *version, err)
		}
	} else {
		if err := engine.Remove(ctx, rest[0]); err != nil {
			fail("remove %s: %v", rest[0], err)
		}
		if err := engine.Flush(ctx); err != nil {
			fail("flush %s: %v", rest[0], err)
		}
	}
	if _, err := engine.Synchronize(ctx, false, true); err != nil {
		fail("synchronize: %v", err)
	}
}

func runVers(logger *slog.Logger, cfg *config.Config, account string, args []string) {
	if len(args) != 1 {
		fail("usage: ifapfs vers <remote>")
	}
	ctx := context.Background()

	engine, _, err := openEngine(ctx, logger, cfg, account)
	if err != nil {
		fail("%v", err)
	}
	defer engine.Close()

	entry, ok := engine.Lookup(args[0])
	if !ok {
		fail("%s: not found", args[0])
	}
	for i, seq := range entry.History {
		marker := ""
		if i == 0 {
			marker = " (latest)"
		}
		fmt.Printf("%d: sequence %d%s\n", i, seq, marker)
	}
}

func runMount(logger *slog.Logger, cfg *config.Config, account string, args []string) {
	if len(args) != 1 {
		fail("usage: ifapfs mount <dir>")
	}
	fmt.Fprintln(os.Stderr, "ifapfs: FUSE mounting is outside this client's scope; use put/get/cat/ls/rm instead")
	os.Exit(1)
}

func runLogin(logger *slog.Logger, cfg *config.Config, account string) {
	acct, err := selectAccount(cfg, account)
	if err != nil {
		fail("%v", err)
	}

	credPath, err := credential.DefaultPath()
	if err != nil {
		fail("%v", err)
	}
	if _, err := credential.Resolve(credPath, acct.Name, true); err != nil {
		fail("login: %v", err)
	}
	fmt.Printf("saved passphrase for %s\n", acct.Name)
}

func runLogout(account string) {
	if account == "" {
		fail("usage: ifapfs -account <name> logout")
	}
	credPath, err := credential.DefaultPath()
	if err != nil {
		fail("%v", err)
	}
	store, err := credential.Load(credPath)
	if err != nil {
		fail("%v", err)
	}
	delete(store.Accounts, account)
	if err := credential.Save(credPath, store); err != nil {
		fail("%v", err)
	}
	fmt.Printf("forgot passphrase for %s\n", account)
}
