// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package watcher turns raw fsnotify traffic on the bundle directory
// into a debounced stream of Created/Removed/Renamed events.
//
// Filesystem notifications are noisy: copying a bundle into the
// directory produces a CREATE followed by a burst of WRITEs, and
// different tools produce different event shapes for the same logical
// action. The watcher absorbs the noise with a per-path pending map
// that is flushed only after a path has been quiet for a full debounce
// window, and decides the event kind from the final on-disk state
// rather than from the fsnotify op: file present means Created (or
// Renamed when paired with a recent rename origin), file gone means
// Removed. A create+delete burst inside one window therefore emits a
// single Removed, never a stale Created.
//
// The watcher never blocks on its consumer. Events are sent with a
// non-blocking send on a buffered channel; on overflow, and whenever
// the underlying watch breaks and has to be re-established, it posts a
// rescan request instead. Consumers must treat a rescan request as
// "events may have been lost, walk the directory".
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/appbox-foundation/appbox/lib/clock"
)

// EventKind classifies a debounced directory event.
type EventKind int

const (
	// Created reports a bundle file that exists now and was touched
	// during the window. It covers fresh files, rewrites of existing
	// files, and renames whose origin could not be paired.
	Created EventKind = iota

	// Removed reports a bundle file that no longer exists.
	Removed

	// Renamed reports a bundle file that appeared while another
	// bundle path was renamed away inside the same window.
	// PreviousPath carries the old path. Pairing is a heuristic: a
	// consumer that verifies content identity loses nothing if two
	// unrelated operations were paired by accident.
	Renamed
)

// String returns the lowercase name of the event kind.
func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Removed:
		return "removed"
	case Renamed:
		return "renamed"
	default:
		return fmt.Sprintf("eventkind(%d)", int(k))
	}
}

// Event is one debounced change to a bundle file.
type Event struct {
	Kind EventKind

	// Path is the absolute path of the affected bundle file.
	Path string

	// PreviousPath is the pre-rename path for Renamed events. It may
	// also be set on a Removed event when a rename was paired but the
	// destination vanished before the flush; consumers should probe
	// both paths whenever it is non-empty.
	PreviousPath string
}

// Options configures a Watcher.
type Options struct {
	// Dir is the directory to watch. Required, and must exist.
	Dir string

	// Extension restricts events to files with this extension,
	// compared case-insensitively. Defaults to ".appbox".
	Extension string

	// DebounceWindow is how long a path must stay quiet before its
	// pending change is flushed. Defaults to 500ms.
	DebounceWindow time.Duration

	// Clock drives the flush ticker and the re-establish backoff.
	// Defaults to the real clock.
	Clock clock.Clock

	// Logger receives watch lifecycle and overflow messages. If nil,
	// a text handler writing to stderr at error level is used.
	Logger *slog.Logger
}

const (
	eventBuffer      = 64
	watchRetryDelay  = 1 * time.Second
	maxWatchBackoff  = 30 * time.Second
	defaultExtension = ".appbox"
	defaultWindow    = 500 * time.Millisecond
)

// pendingChange tracks a path that saw activity and has not been
// flushed yet. Only the Run goroutine touches these.
type pendingChange struct {
	lastActivity time.Time
	renamedFrom  string
}

// renameOrigin remembers a path that was renamed away, awaiting a
// CREATE inside the same window to pair with.
type renameOrigin struct {
	path string
	at   time.Time
}

// Watcher owns an fsnotify watch on one directory and the debounce
// state derived from it. Create one with New, then call Run.
type Watcher struct {
	dir       string
	extension string
	window    time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	fs      *fsnotify.Watcher
	events  chan Event
	rescans chan struct{}

	// Run-goroutine state. Not shared.
	pending map[string]*pendingChange
	origins []renameOrigin
}

// New creates a Watcher and establishes the underlying filesystem
// watch immediately, so that no file landing after New returns can be
// missed. The caller must call Run to start consuming notifications;
// until then they queue in the kernel.
func New(options Options) (*Watcher, error) {
	if options.Dir == "" {
		return nil, errors.New("watch directory is required")
	}
	extension := options.Extension
	if extension == "" {
		extension = defaultExtension
	}
	if !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}
	window := options.DebounceWindow
	if window <= 0 {
		window = defaultWindow
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}
	if err := fsw.Add(options.Dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", options.Dir, err)
	}

	return &Watcher{
		dir:       options.Dir,
		extension: extension,
		window:    window,
		clock:     clk,
		logger:    logger,
		fs:        fsw,
		events:    make(chan Event, eventBuffer),
		rescans:   make(chan struct{}, 1),
		pending:   make(map[string]*pendingChange),
	}, nil
}

// Events returns the debounced event stream. The channel is never
// closed; stop reading when the context passed to Run is done.
func (w *Watcher) Events() <-chan Event { return w.events }

// RescanRequests returns a channel that receives whenever events may
// have been lost: watch interruption, notification overflow, or a
// full event buffer. At most one request is queued at a time.
func (w *Watcher) RescanRequests() <-chan struct{} { return w.rescans }

// Run consumes filesystem notifications and emits debounced events
// until ctx is done. If the watch breaks it posts a rescan request
// and re-establishes the watch with exponential backoff, so a removed
// and recreated directory is picked up again without restarting the
// daemon. Run always returns nil after cleanup.
func (w *Watcher) Run(ctx context.Context) error {
	fsw := w.fs
	for {
		err := w.watch(ctx, fsw)
		fsw.Close()
		if err == nil {
			return nil
		}

		w.logger.Warn("directory watch interrupted",
			"dir", w.dir,
			"error", err,
		)
		w.requestRescan()

		fsw, err = w.reestablish(ctx)
		if err != nil {
			return nil
		}
		w.logger.Info("directory watch re-established", "dir", w.dir)
		w.requestRescan()
	}
}

// watch runs the intake loop on one fsnotify watcher. It returns nil
// when ctx is done and a non-nil error when the watch broke and needs
// to be re-established.
func (w *Watcher) watch(ctx context.Context, fsw *fsnotify.Watcher) error {
	ticker := w.clock.NewTicker(w.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return errors.New("notification channel closed")
			}
			if w.watchRootGone(event) {
				return fmt.Errorf("watched directory %s removed", w.dir)
			}
			w.observe(event, w.clock.Now())

		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			// Includes kernel queue overflow. Anything could have
			// been missed, so tear down and resync via rescan.
			return err

		case <-ticker.C:
			w.flush(w.clock.Now())
		}
	}
}

// reestablish retries watch creation until it succeeds or ctx is
// done. Returns an error only for cancellation.
func (w *Watcher) reestablish(ctx context.Context) (*fsnotify.Watcher, error) {
	backoff := watchRetryDelay
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.clock.After(backoff):
		}

		fsw, err := fsnotify.NewWatcher()
		if err == nil {
			err = fsw.Add(w.dir)
			if err != nil {
				fsw.Close()
			}
		}
		if err == nil {
			return fsw, nil
		}

		w.logger.Warn("re-establishing directory watch failed",
			"dir", w.dir,
			"backoff", backoff,
			"error", err,
		)
		backoff = min(backoff*2, maxWatchBackoff)
	}
}

// watchRootGone reports whether the event announces removal of the
// watched directory itself, after which fsnotify goes silent.
func (w *Watcher) watchRootGone(event fsnotify.Event) bool {
	if event.Name != w.dir {
		return false
	}
	return event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename)
}

// observe folds one raw notification into the pending map.
func (w *Watcher) observe(event fsnotify.Event, now time.Time) {
	if !w.matchesExtension(event.Name) {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Rename):
		// Renamed away. Remember the origin so a CREATE in the same
		// window can be paired, and keep the path pending: if no
		// pairing happens it flushes as Removed.
		w.touch(event.Name, now)
		w.origins = append(w.origins, renameOrigin{path: event.Name, at: now})

	case event.Op.Has(fsnotify.Create):
		entry := w.touch(event.Name, now)
		if entry.renamedFrom != "" {
			return
		}
		if origin, ok := w.takeOrigin(event.Name, now); ok {
			entry.renamedFrom = origin
			delete(w.pending, origin)
		}

	case event.Op.Has(fsnotify.Write), event.Op.Has(fsnotify.Remove):
		w.touch(event.Name, now)
	}
}

// touch marks activity on path, creating the pending entry if needed.
func (w *Watcher) touch(path string, now time.Time) *pendingChange {
	entry := w.pending[path]
	if entry == nil {
		entry = &pendingChange{}
		w.pending[path] = entry
	}
	entry.lastActivity = now
	return entry
}

// takeOrigin pops the oldest unexpired rename origin, skipping the
// destination path itself (a file renamed onto its own name).
func (w *Watcher) takeOrigin(destination string, now time.Time) (string, bool) {
	w.expireOrigins(now)
	for i, origin := range w.origins {
		if origin.path == destination {
			continue
		}
		w.origins = append(w.origins[:i], w.origins[i+1:]...)
		return origin.path, true
	}
	return "", false
}

// expireOrigins drops rename origins older than the debounce window.
func (w *Watcher) expireOrigins(now time.Time) {
	kept := w.origins[:0]
	for _, origin := range w.origins {
		if now.Sub(origin.at) < w.window {
			kept = append(kept, origin)
		}
	}
	w.origins = kept
}

// flush emits an event for every pending path that has been quiet for
// a full window, deciding the kind from the file's current state.
func (w *Watcher) flush(now time.Time) {
	w.expireOrigins(now)

	var due []string
	for path, entry := range w.pending {
		if now.Sub(entry.lastActivity) >= w.window {
			due = append(due, path)
		}
	}
	if len(due) == 0 {
		return
	}
	sort.Strings(due)

	for _, path := range due {
		entry := w.pending[path]
		delete(w.pending, path)

		info, err := os.Stat(path)
		switch {
		case err == nil && info.Mode().IsRegular():
			kind := Created
			if entry.renamedFrom != "" {
				kind = Renamed
			}
			w.emit(Event{Kind: kind, Path: path, PreviousPath: entry.renamedFrom})

		case err == nil:
			// A directory or device wearing the bundle extension.
			w.logger.Debug("ignoring non-regular file", "path", path)

		case errors.Is(err, fs.ErrNotExist):
			w.emit(Event{Kind: Removed, Path: path, PreviousPath: entry.renamedFrom})

		default:
			// Permission trouble or a racing change. Report it gone;
			// the consumer's own probe settles the truth.
			w.logger.Debug("stat failed during flush", "path", path, "error", err)
			w.emit(Event{Kind: Removed, Path: path, PreviousPath: entry.renamedFrom})
		}
	}
}

// emit sends without blocking. A full buffer means the consumer is
// badly behind; the event is dropped and a rescan request posted so
// nothing is permanently lost.
func (w *Watcher) emit(event Event) {
	select {
	case w.events <- event:
	default:
		w.logger.Warn("event buffer full, requesting rescan",
			"dropped", event.Kind.String(),
			"path", event.Path,
		)
		w.requestRescan()
	}
}

func (w *Watcher) requestRescan() {
	select {
	case w.rescans <- struct{}{}:
	default:
	}
}

func (w *Watcher) matchesExtension(path string) bool {
	return strings.EqualFold(filepath.Ext(path), w.extension)
}
