// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/appbox-foundation/appbox/lib/bundle"
	"github.com/appbox-foundation/appbox/lib/clock"
	"github.com/appbox-foundation/appbox/lib/config"
	"github.com/appbox-foundation/appbox/lib/desktop"
	"github.com/appbox-foundation/appbox/lib/mount"
	"github.com/appbox-foundation/appbox/lib/notify"
	"github.com/appbox-foundation/appbox/lib/watcher"
)

// mountState is the mount half of a record's lifecycle. Transitions
// are driven exclusively by the run loop.
type mountState int

const (
	stateUnmounted mountState = iota
	stateMounting
	stateMounted
	stateUnmounting
	stateFailed
)

func (s mountState) String() string {
	switch s {
	case stateUnmounted:
		return "unmounted"
	case stateMounting:
		return "mounting"
	case stateMounted:
		return "mounted"
	case stateUnmounting:
		return "unmounting"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// desktopState is the launcher-artifact half of a record's lifecycle.
type desktopState int

const (
	desktopNotInstalled desktopState = iota
	desktopInstalled
	desktopStale
)

// fileStamp is the size+mtime snapshot used to skip re-hashing
// unchanged files during rescans.
type fileStamp struct {
	size    int64
	modTime time.Time
}

func (s fileStamp) matches(info fs.FileInfo) bool {
	return s.size == info.Size() && s.modTime.Equal(info.ModTime())
}

// record is one tracked bundle: at most one per identity. The path
// may change over the record's life (rename); the identity never
// does.
type record struct {
	identity bundle.Identity
	path     string
	meta     *bundle.Metadata

	mount   mountState
	handle  *mount.Handle
	failure error

	desktop   desktopState
	artifacts desktop.ArtifactRefs

	// busy marks a transition worker in flight for this identity.
	// While busy, probe results touching the record queue paths in
	// pending instead of mutating state; they are re-evaluated when
	// the worker reports back.
	busy    bool
	pending []string

	stamp fileStamp
}

// queue remembers a path to re-evaluate once the in-flight transition
// completes. Duplicates are collapsed.
func (r *record) queue(path string) {
	for _, queued := range r.pending {
		if queued == path {
			return
		}
	}
	r.pending = append(r.pending, path)
}

// settled reports whether the record has fully converged: mounted,
// integrated, and idle. Only settled records are eligible for the
// rescan stamp shortcut; failed records re-inspect every pass.
func (r *record) settled() bool {
	return !r.busy && r.mount == stateMounted && r.desktop == desktopInstalled
}

// displayName is what notifications and logs call the bundle.
func (r *record) displayName() string {
	if r.meta != nil && r.meta.Manifest.Name != "" {
		return r.meta.Manifest.Name
	}
	return filepath.Base(r.path)
}

const (
	statusInterval    = time.Minute
	shutdownGrace     = 10 * time.Second
	unmountAllTimeout = 30 * time.Second
	mountAttempts     = 3
	mountRetryDelay   = time.Second
)

// Daemon owns the reconciliation state table. A single goroutine (the
// run loop) performs all state mutation; blocking work — hashing,
// mounting, installing — runs in bounded worker tasks that report
// back over channels.
type Daemon struct {
	cfg       *config.Config
	extension string

	mounts   *mount.Manager
	desktop  *desktop.Synchronizer
	notifier *notify.Notifier
	watcher  *watcher.Watcher
	clock    clock.Clock
	logger   *slog.Logger

	rescanInterval time.Duration
	mountTimeout   time.Duration
	unmountBackoff time.Duration

	// Run-loop state. Nothing else touches these.
	records     map[bundle.Identity]*record
	byPath      map[string]bundle.Identity
	failedPaths map[string]error
	probing     map[string]bool
	reprobe     map[string]bool
	sweepQueued bool
	refreshDue  bool

	semaphore   chan struct{}
	probes      chan probeResult
	transitions chan transitionResult
	tasks       sync.WaitGroup
}

func newDaemon(
	cfg *config.Config,
	mounts *mount.Manager,
	synchronizer *desktop.Synchronizer,
	notifier *notify.Notifier,
	watch *watcher.Watcher,
	clk clock.Clock,
	logger *slog.Logger,
) *Daemon {
	extension := cfg.BundleExtension
	if !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}

	return &Daemon{
		cfg:            cfg,
		extension:      extension,
		mounts:         mounts,
		desktop:        synchronizer,
		notifier:       notifier,
		watcher:        watch,
		clock:          clk,
		logger:         logger,
		rescanInterval: parseDurationOr(cfg.RescanInterval, 5*time.Minute),
		mountTimeout:   parseDurationOr(cfg.MountTimeout, 30*time.Second),
		unmountBackoff: parseDurationOr(cfg.UnmountBackoff, time.Second),
		records:        make(map[bundle.Identity]*record),
		byPath:         make(map[string]bundle.Identity),
		failedPaths:    make(map[string]error),
		probing:        make(map[string]bool),
		reprobe:        make(map[string]bool),
		semaphore:      make(chan struct{}, cfg.Workers),
		probes:         make(chan probeResult, cfg.Workers),
		transitions:    make(chan transitionResult, cfg.Workers),
	}
}

// parseDurationOr parses a validated duration string. Validate should
// have caught anything unparseable, but fall back rather than panic.
func parseDurationOr(value string, fallback time.Duration) time.Duration {
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// Run reconciles until ctx is done, then performs graceful shutdown:
// drain in-flight transitions, unmount everything, leave desktop
// artifacts in place for the next start to re-adopt.
func (d *Daemon) Run(ctx context.Context) {
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		d.watcher.Run(ctx)
	}()

	d.runLoop(ctx)

	<-watchDone
	d.shutdown()
}

func (d *Daemon) runLoop(ctx context.Context) {
	rescanTicker := d.clock.NewTicker(d.rescanInterval)
	defer rescanTicker.Stop()
	statusTicker := d.clock.NewTicker(statusInterval)
	defer statusTicker.Stop()

	// Startup reconciliation: whatever is on disk right now is the
	// desired state. Runs after the watcher is live so nothing lands
	// unseen between scan and watch.
	d.rescan(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			return

		case event := <-d.watcher.Events():
			d.handleEvent(event)

		case <-d.watcher.RescanRequests():
			d.rescan(ctx, "watch gap")

		case <-rescanTicker.C:
			d.rescan(ctx, "periodic")

		case <-statusTicker.C:
			d.logStatus()

		case result := <-d.probes:
			d.handleProbe(ctx, result)
			d.maybeHousekeep(ctx)

		case result := <-d.transitions:
			d.handleTransition(result)
			d.maybeHousekeep(ctx)
		}
	}
}

// handleEvent feeds one debounced directory event into the
// convergence pipeline. Every event kind reduces to "probe the path";
// a paired rename carries the origin along so it is re-checked after
// the destination's result lands.
func (d *Daemon) handleEvent(event watcher.Event) {
	d.logger.Debug("directory event",
		"kind", event.Kind.String(),
		"path", event.Path,
		"previous_path", event.PreviousPath,
	)
	d.evaluate(event.Path, event.PreviousPath)
}

// evaluate schedules a probe of path. At most one probe per path is
// in flight; a second request while one runs marks the path for
// re-probing, so the freshest on-disk state always wins.
func (d *Daemon) evaluate(path, previousPath string) {
	if d.probing[path] {
		d.reprobe[path] = true
		return
	}
	d.probing[path] = true
	d.startTask(func() {
		d.probes <- d.runProbe(path, previousPath)
	})
}

// startTask runs fn in a goroutine bounded by the worker semaphore.
func (d *Daemon) startTask(fn func()) {
	d.tasks.Add(1)
	go func() {
		defer d.tasks.Done()
		d.semaphore <- struct{}{}
		defer func() { <-d.semaphore }()
		fn()
	}()
}

// maybeHousekeep runs deferred whole-table work — the desktop orphan
// sweep and the launcher index refresh — once the table is quiescent,
// so a sweep never races an install that is still in flight.
func (d *Daemon) maybeHousekeep(ctx context.Context) {
	if !d.quiescent() {
		return
	}
	if d.sweepQueued {
		d.sweepQueued = false
		d.sweepDesktop()
	}
	if d.refreshDue {
		d.refreshDue = false
		d.startTask(func() { d.desktop.RefreshIndex(ctx) })
	}
}

func (d *Daemon) quiescent() bool {
	if len(d.probing) > 0 {
		return false
	}
	for _, rec := range d.records {
		if rec.busy {
			return false
		}
	}
	return true
}

// sweepDesktop removes launcher artifacts that no tracked identity
// owns. Every tracked record keeps its artifacts: even a mid-repair
// record's entry describes a bundle that is present on disk.
func (d *Daemon) sweepDesktop() {
	keep := make(map[bundle.Identity]bool, len(d.records))
	for identity := range d.records {
		keep[identity] = true
	}

	removed, err := d.desktop.Sweep(keep)
	if err != nil {
		d.logger.Warn("desktop sweep incomplete", "error", err)
	}
	if len(removed) > 0 {
		d.logger.Info("swept orphaned desktop entries", "count", len(removed))
		d.refreshDue = true
	}
}

func (d *Daemon) logStatus() {
	var mounted, failed int
	for _, rec := range d.records {
		switch rec.mount {
		case stateMounted:
			mounted++
		case stateFailed:
			failed++
		}
	}
	d.logger.Info("status",
		"tracked", len(d.records),
		"mounted", mounted,
		"failed", failed,
		"unreadable", len(d.failedPaths),
	)
}
