// Package main is the entry point for the ifapfs command line client.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/ifap/ifapfs/internal/buildinfo"
	"github.com/ifap/ifapfs/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	account := flag.String("account", "", "account name (default: first configured account)")
	flag.Parse()

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.Info() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	if flag.Arg(0) == "logout" {
		runLogout(*account)
		return
	}

	cfg, logger, err := bootstrap(*configPath)
	if err != nil {
		fail("%v", err)
	}

	switch flag.Arg(0) {
	case "put":
		runPut(logger, cfg, *account, flag.Args()[1:])
	case "get":
		runGet(logger, cfg, *account, flag.Args()[1:])
	case "cat":
		runCat(logger, cfg, *account, flag.Args()[1:])
	case "ls":
		runLs(logger, cfg, *account, flag.Args()[1:])
	case "rm":
		runRm(logger, cfg, *account, flag.Args()[1:])
	case "vers":
		runVers(logger, cfg, *account, flag.Args()[1:])
	case "mount":
		runMount(logger, cfg, *account, flag.Args()[1:])
	case "login":
		runLogin(logger, cfg, *account)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

// bootstrap loads the config file once and builds the logger per its
// log_level, installing config.ReplaceLogLevelNames so the custom
// Trace level (used by the Synchronizer's scan) prints as "TRACE"
// instead of slog's default numeric rendering.
func bootstrap(configPath string) (*config.Config, *slog.Logger, error) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	return cfg, logger, nil
}

// selectAccount resolves the named account (or the first configured
// one, if name is empty) from an already-loaded config.
func selectAccount(cfg *config.Config, name string) (config.AccountConfig, error) {
	if name != "" {
		acct, ok := cfg.Account(name)
		if !ok {
			return config.AccountConfig{}, fmt.Errorf("no such account: %s", name)
		}
		return acct, nil
	}
	if len(cfg.Accounts) == 0 {
		return config.AccountConfig{}, fmt.Errorf("no accounts configured")
	}
	return cfg.Accounts[0], nil
}

func printUsage() {
	fmt.Println("ifapfs - IMAP File Access Protocol client")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  put <local> <remote>          Upload a local file to remote path")
	fmt.Println("  get <remote> <local>          Download remote path to a local file")
	fmt.Println("  cat <remote>                  Print a remote file's contents to stdout")
	fmt.Println("  ls [prefix]                   List files under prefix (default: root)")
	fmt.Println("  rm [-V version] <remote>      Remove a remote file, or one retained version")
	fmt.Println("  vers <remote>                 Show retained revisions for a remote file")
	fmt.Println("  mount <dir>                   (stub) reports that mounting is not supported")
	fmt.Println("  login                         Prompt for and save an account passphrase")
	fmt.Println("  logout                        Forget a saved account passphrase")
	fmt.Println("  version                       Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
