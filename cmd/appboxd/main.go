// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

// Appboxd watches a directory for AppBox bundles and integrates them
// into the desktop: each bundle is mounted read-only through FUSE and
// published as a launcher entry with its icon, so dropping a single
// file into ~/AppBoxes makes an application appear in the menu, and
// deleting the file makes it disappear.
//
// On startup:
//  1. Loads configuration (defaults, optional YAML file, APPBOXD_*
//     environment overrides) and creates the working directories.
//  2. Checks FUSE prerequisites (/dev/fuse, fusermount).
//  3. Recovers from a previous crash: stale appbox mounts found in
//     the kernel mount table are detached and their mountpoints
//     removed. Disk and kernel state are the only sources of truth;
//     nothing is persisted between runs.
//  4. Runs a full reconciliation of the watched directory, mounting
//     and integrating every bundle found.
//  5. Consumes debounced directory events, with periodic full rescans
//     as a safety net.
//
// Shutdown on SIGINT/SIGTERM unmounts everything but leaves launcher
// entries in place: they describe bundles that are still on disk, and
// the next start re-adopts them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/appbox-foundation/appbox/lib/clock"
	"github.com/appbox-foundation/appbox/lib/config"
	"github.com/appbox-foundation/appbox/lib/desktop"
	"github.com/appbox-foundation/appbox/lib/mount"
	"github.com/appbox-foundation/appbox/lib/notify"
	"github.com/appbox-foundation/appbox/lib/version"
	"github.com/appbox-foundation/appbox/lib/watcher"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		watchDir    string
		logLevel    string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to config.yaml (default: APPBOXD_CONFIG or ~/.config/appbox/config.yaml)")
	flag.StringVar(&watchDir, "watch-dir", "", "directory to watch for bundles (overrides config)")
	flag.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("appboxd %s\n", version.Info())
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if watchDir != "" {
		cfg.WatchDir = watchDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.EnsurePaths(); err != nil {
		return fmt.Errorf("creating directories: %w", err)
	}
	if err := mount.CheckPrerequisites(); err != nil {
		return fmt.Errorf("FUSE unavailable: %w", err)
	}

	clk := clock.Real()
	manager := mount.NewManager(cfg.MountDir, &mount.FUSEBackend{Logger: logger}, clk, logger)

	// A previous instance may have died with mounts live. The kernel
	// mount table is authoritative; everything under the mount root
	// with our filesystem type is stale and gets detached. Failure
	// here is not fatal: a mount that cannot be detached blocks only
	// its own identity, and the next start tries again.
	detached, err := manager.Recover(ctx)
	if err != nil {
		logger.Warn("mount recovery incomplete", "error", err)
	} else if len(detached) > 0 {
		logger.Info("recovered stale mounts", "count", len(detached))
	}

	synchronizer := desktop.NewSynchronizer(desktop.Options{
		ApplicationsDir: cfg.ApplicationsDir,
		IconsDir:        cfg.IconsDir,
		LaunchWrapper:   cfg.LaunchWrapper,
		Logger:          logger,
	})
	notifier := notify.New(cfg.Notifications, logger)

	// Validate vetted every duration string already.
	debounce, _ := time.ParseDuration(cfg.DebounceWindow)
	watch, err := watcher.New(watcher.Options{
		Dir:            cfg.WatchDir,
		Extension:      cfg.BundleExtension,
		DebounceWindow: debounce,
		Clock:          clk,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("watching %s: %w", cfg.WatchDir, err)
	}

	daemon := newDaemon(cfg, manager, synchronizer, notifier, watch, clk, logger)

	logger.Info("appboxd started",
		"version", version.Info(),
		"watch_dir", cfg.WatchDir,
		"mount_dir", cfg.MountDir,
		"workers", cfg.Workers,
	)

	daemon.Run(ctx)
	return nil
}
