// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/appbox-foundation/appbox/lib/testutil"
)

// testWatcher builds a Watcher around a temp directory without an
// fsnotify backend, for driving observe and flush directly.
func testWatcher(t *testing.T) *Watcher {
	t.Helper()
	return &Watcher{
		dir:       t.TempDir(),
		extension: defaultExtension,
		window:    defaultWindow,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		events:    make(chan Event, eventBuffer),
		rescans:   make(chan struct{}, 1),
		pending:   make(map[string]*pendingChange),
	}
}

func writeBundleFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("placeholder"), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

// drainEvents collects everything currently buffered.
func drainEvents(w *Watcher) []Event {
	var events []Event
	for {
		select {
		case event := <-w.events:
			events = append(events, event)
		default:
			return events
		}
	}
}

func TestObserveFiltersByExtension(t *testing.T) {
	w := testWatcher(t)
	base := time.Unix(1767225600, 0)

	w.observe(fsnotify.Event{Name: filepath.Join(w.dir, "notes.txt"), Op: fsnotify.Create}, base)
	w.observe(fsnotify.Event{Name: filepath.Join(w.dir, "editor.appbox"), Op: fsnotify.Create}, base)
	w.observe(fsnotify.Event{Name: filepath.Join(w.dir, "GAME.AppBox"), Op: fsnotify.Create}, base)

	if len(w.pending) != 2 {
		t.Fatalf("pending = %d paths, want 2 (extension filter, case-insensitive)", len(w.pending))
	}
	if _, ok := w.pending[filepath.Join(w.dir, "notes.txt")]; ok {
		t.Errorf("notes.txt entered the pending map despite the extension filter")
	}
}

func TestFlushEmitsCreatedForNewFile(t *testing.T) {
	w := testWatcher(t)
	path := filepath.Join(w.dir, "editor.appbox")
	writeBundleFile(t, path)

	base := time.Unix(1767225600, 0)
	w.observe(fsnotify.Event{Name: path, Op: fsnotify.Create}, base)
	w.flush(base.Add(w.window))

	events := drainEvents(w)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %v", len(events), events)
	}
	if events[0].Kind != Created || events[0].Path != path {
		t.Errorf("event = %+v, want Created %s", events[0], path)
	}
	if events[0].PreviousPath != "" {
		t.Errorf("PreviousPath = %q, want empty", events[0].PreviousPath)
	}
	if len(w.pending) != 0 {
		t.Errorf("pending map still has %d entries after flush", len(w.pending))
	}
}

func TestFlushWaitsForQuietWindow(t *testing.T) {
	w := testWatcher(t)
	path := filepath.Join(w.dir, "editor.appbox")
	writeBundleFile(t, path)

	base := time.Unix(1767225600, 0)
	w.observe(fsnotify.Event{Name: path, Op: fsnotify.Create}, base)
	w.observe(fsnotify.Event{Name: path, Op: fsnotify.Write}, base.Add(300*time.Millisecond))

	// One window after the create, but the write refreshed the
	// activity clock: still copying, nothing may flush.
	w.flush(base.Add(w.window))
	if events := drainEvents(w); len(events) != 0 {
		t.Fatalf("flushed %v before the path went quiet", events)
	}

	w.flush(base.Add(300*time.Millisecond + w.window))
	events := drainEvents(w)
	if len(events) != 1 || events[0].Kind != Created {
		t.Fatalf("got %v, want a single Created after the burst settled", events)
	}
}

func TestFlushEmitsRemovedWhenFileGone(t *testing.T) {
	w := testWatcher(t)
	path := filepath.Join(w.dir, "editor.appbox")

	base := time.Unix(1767225600, 0)
	w.observe(fsnotify.Event{Name: path, Op: fsnotify.Create}, base)
	w.observe(fsnotify.Event{Name: path, Op: fsnotify.Remove}, base.Add(50*time.Millisecond))
	w.flush(base.Add(50*time.Millisecond + w.window))

	events := drainEvents(w)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %v", len(events), events)
	}
	if events[0].Kind != Removed || events[0].Path != path {
		t.Errorf("event = %+v, want Removed %s (final on-disk state wins)", events[0], path)
	}
}

func TestRenamePairing(t *testing.T) {
	w := testWatcher(t)
	oldPath := filepath.Join(w.dir, "draft.appbox")
	newPath := filepath.Join(w.dir, "editor.appbox")
	writeBundleFile(t, newPath)

	base := time.Unix(1767225600, 0)
	w.observe(fsnotify.Event{Name: oldPath, Op: fsnotify.Rename}, base)
	w.observe(fsnotify.Event{Name: newPath, Op: fsnotify.Create}, base.Add(10*time.Millisecond))
	w.flush(base.Add(10*time.Millisecond + w.window))

	events := drainEvents(w)
	if len(events) != 1 {
		t.Fatalf("got %d events, want a single paired rename: %v", len(events), events)
	}
	event := events[0]
	if event.Kind != Renamed || event.Path != newPath || event.PreviousPath != oldPath {
		t.Errorf("event = %+v, want Renamed %s from %s", event, newPath, oldPath)
	}
	if len(w.pending) != 0 {
		t.Errorf("pairing left %d pending entries", len(w.pending))
	}
}

func TestUnpairedRenameFlushesAsRemoved(t *testing.T) {
	w := testWatcher(t)
	oldPath := filepath.Join(w.dir, "draft.appbox")

	base := time.Unix(1767225600, 0)
	w.observe(fsnotify.Event{Name: oldPath, Op: fsnotify.Rename}, base)
	w.flush(base.Add(w.window))

	events := drainEvents(w)
	if len(events) != 1 || events[0].Kind != Removed || events[0].Path != oldPath {
		t.Fatalf("got %v, want Removed %s", events, oldPath)
	}
}

func TestExpiredRenameOriginDoesNotPair(t *testing.T) {
	w := testWatcher(t)
	oldPath := filepath.Join(w.dir, "a.appbox")
	newPath := filepath.Join(w.dir, "b.appbox")
	writeBundleFile(t, newPath)

	base := time.Unix(1767225600, 0)
	w.observe(fsnotify.Event{Name: oldPath, Op: fsnotify.Rename}, base)
	w.observe(fsnotify.Event{Name: newPath, Op: fsnotify.Create}, base.Add(2*w.window))
	w.flush(base.Add(3*w.window))

	events := drainEvents(w)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %v", len(events), events)
	}
	// Flush order is lexical by path.
	if events[0].Kind != Removed || events[0].Path != oldPath {
		t.Errorf("first event = %+v, want Removed %s", events[0], oldPath)
	}
	if events[1].Kind != Created || events[1].Path != newPath || events[1].PreviousPath != "" {
		t.Errorf("second event = %+v, want unpaired Created %s", events[1], newPath)
	}
}

func TestRenameOntoSameNameIsCreated(t *testing.T) {
	w := testWatcher(t)
	path := filepath.Join(w.dir, "editor.appbox")
	writeBundleFile(t, path)

	// A file moved out and a replacement moved in under the same
	// name. Renamed{x -> x} would say nothing, so it must come out
	// as a plain Created.
	base := time.Unix(1767225600, 0)
	w.observe(fsnotify.Event{Name: path, Op: fsnotify.Rename}, base)
	w.observe(fsnotify.Event{Name: path, Op: fsnotify.Create}, base.Add(10*time.Millisecond))
	w.flush(base.Add(10*time.Millisecond + w.window))

	events := drainEvents(w)
	if len(events) != 1 || events[0].Kind != Created || events[0].PreviousPath != "" {
		t.Fatalf("got %v, want a single Created with no PreviousPath", events)
	}
}

func TestFlushIgnoresDirectory(t *testing.T) {
	w := testWatcher(t)
	path := filepath.Join(w.dir, "fake.appbox")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	base := time.Unix(1767225600, 0)
	w.observe(fsnotify.Event{Name: path, Op: fsnotify.Create}, base)
	w.flush(base.Add(w.window))

	if events := drainEvents(w); len(events) != 0 {
		t.Fatalf("got %v for a directory, want nothing", events)
	}
}

func TestEmitOverflowRequestsRescan(t *testing.T) {
	w := testWatcher(t)

	for i := 0; i < eventBuffer; i++ {
		w.emit(Event{Kind: Created, Path: "filler"})
	}
	w.emit(Event{Kind: Created, Path: "overflow"})

	if got := len(w.events); got != eventBuffer {
		t.Errorf("buffered events = %d, want %d", got, eventBuffer)
	}
	select {
	case <-w.rescans:
	default:
		t.Fatalf("overflowing the event buffer did not post a rescan request")
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Errorf("New accepted empty options")
	}
	if _, err := New(Options{Dir: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Errorf("New accepted a nonexistent directory")
	}
}

func TestNewNormalizesExtension(t *testing.T) {
	w, err := New(Options{
		Dir:       t.TempDir(),
		Extension: "appbox",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Skipf("filesystem watcher unavailable: %v", err)
	}
	defer w.fs.Close()
	if !w.matchesExtension("/x/y.appbox") {
		t.Errorf("extension without a leading dot was not normalized")
	}
}

// startWatcher runs a real fsnotify-backed watcher over dir with a
// short debounce window and returns it with a stop function.
func startWatcher(t *testing.T, dir string) (*Watcher, func()) {
	t.Helper()
	w, err := New(Options{
		Dir:            dir,
		DebounceWindow: 50 * time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Skipf("filesystem watcher unavailable: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	stop := func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "watcher run loop stopped")
	}
	return w, stop
}

func TestWatcherDeliversCreate(t *testing.T) {
	dir := t.TempDir()
	w, stop := startWatcher(t, dir)
	defer stop()

	path := filepath.Join(dir, "editor.appbox")
	writeBundleFile(t, path)

	event := testutil.RequireReceive(t, w.Events(), 5*time.Second, "created event")
	if event.Kind != Created || event.Path != path {
		t.Errorf("event = %+v, want Created %s", event, path)
	}
}

func TestWatcherDeliversRemoval(t *testing.T) {
	dir := t.TempDir()
	w, stop := startWatcher(t, dir)
	defer stop()

	path := filepath.Join(dir, "editor.appbox")
	writeBundleFile(t, path)
	testutil.RequireReceive(t, w.Events(), 5*time.Second, "created event")

	if err := os.Remove(path); err != nil {
		t.Fatalf("removing bundle: %v", err)
	}
	event := testutil.RequireReceive(t, w.Events(), 5*time.Second, "removed event")
	if event.Kind != Removed || event.Path != path {
		t.Errorf("event = %+v, want Removed %s", event, path)
	}
}

func TestWatcherDeliversRename(t *testing.T) {
	dir := t.TempDir()
	w, stop := startWatcher(t, dir)
	defer stop()

	oldPath := filepath.Join(dir, "draft.appbox")
	newPath := filepath.Join(dir, "editor.appbox")
	writeBundleFile(t, oldPath)
	testutil.RequireReceive(t, w.Events(), 5*time.Second, "created event")

	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatalf("renaming bundle: %v", err)
	}
	event := testutil.RequireReceive(t, w.Events(), 5*time.Second, "renamed event")
	if event.Kind != Renamed || event.Path != newPath || event.PreviousPath != oldPath {
		t.Errorf("event = %+v, want Renamed %s from %s", event, newPath, oldPath)
	}
}

func TestWatcherIgnoresOtherExtensions(t *testing.T) {
	dir := t.TempDir()
	w, stop := startWatcher(t, dir)
	defer stop()

	writeBundleFile(t, filepath.Join(dir, "notes.txt"))
	testutil.RequireNoReceive(t, w.Events(), 300*time.Millisecond, "event for a non-bundle file")
}
