// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command relaybridge relays messages, edits, deletions and reactions
// between chat rooms on different platforms, such as a Mattermost channel
// and a Matrix room.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/relaybridge/pkg/bridge"
	"github.com/aiku/relaybridge/pkg/config"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var envPath = flag.MakeFull("e", "env-file", "A .env file to load before expanding the config.", ".env").String()
var noUpdate = flag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
var generateExample = flag.MakeFull("g", "generate-example", "Write the example config to the config path and exit.", "false").Bool()
var version = flag.MakeFull("v", "version", "View bridge version and quit.", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

func main() {
	flag.SetHelpTitles("relaybridge - A cross-platform chat relay", "relaybridge [-hgnv] [-c <path>] [-e <path>]")
	if err := flag.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Printf("relaybridge %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		os.Exit(0)
	}

	if *generateExample {
		if err := os.WriteFile(*configPath, []byte(config.ExampleConfig), 0o600); err != nil {
			fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(1)
		}
		fmt.Println("Wrote example config to", *configPath)
		os.Exit(0)
	}

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "Failed to load env file:", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath, !*noUpdate)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(12)
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Int("portals", len(cfg.Portals)).
		Msg("Initializing relaybridge")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := bridge.New(ctx, cfg, *log)
	if err != nil {
		log.Err(err).Msg("Failed to initialize bridge")
		os.Exit(13)
	}
	if err := b.Run(ctx); err != nil {
		log.Err(err).Msg("Bridge stopped with an error")
		os.Exit(14)
	}
	log.Info().Msg("Bridge stopped")
}
