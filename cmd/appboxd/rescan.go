// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// rescan reconciles the table against a full directory listing. It
// backstops everything the event stream can miss: changes during
// downtime, watch gaps, and desktop artifacts deleted behind the
// daemon's back.
func (d *Daemon) rescan(ctx context.Context, reason string) {
	d.logger.Debug("rescanning watch directory", "reason", reason)

	entries, err := os.ReadDir(d.cfg.WatchDir)
	if err != nil {
		// Degrades to the next periodic tick.
		d.logger.Error("rescan failed", "error", err)
		return
	}

	present := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.EqualFold(filepath.Ext(entry.Name()), d.extension) {
			continue
		}
		path := filepath.Join(d.cfg.WatchDir, entry.Name())
		present[path] = true
		d.evaluateForRescan(path, entry)
	}

	// Tracked paths that vanished without a watcher event.
	for path := range d.byPath {
		if !present[path] {
			d.evaluate(path, "")
		}
	}
	for path := range d.failedPaths {
		if !present[path] {
			delete(d.failedPaths, path)
		}
	}

	d.sweepQueued = true
	d.maybeHousekeep(ctx)
}

// evaluateForRescan decides whether a directory entry needs a full
// probe. Settled records skip re-hashing when the file stamp matches
// and their desktop artifacts are still on disk; everything else goes
// through the pipeline again.
func (d *Daemon) evaluateForRescan(path string, entry fs.DirEntry) {
	identity, tracked := d.byPath[path]
	if !tracked {
		d.evaluate(path, "")
		return
	}
	rec := d.records[identity]
	if !rec.settled() {
		if !rec.busy {
			d.evaluate(path, "")
		}
		return
	}

	info, err := entry.Info()
	if err != nil || !rec.stamp.matches(info) {
		d.evaluate(path, "")
		return
	}
	if !d.artifactsIntact(rec) {
		rec.desktop = desktopStale
		d.evaluate(path, "")
	}
}

// artifactsIntact checks that the launcher entry, and the icon when
// one was installed, still exist. Clearing ~/.local/share wipes these
// without touching the watch directory.
func (d *Daemon) artifactsIntact(rec *record) bool {
	if rec.artifacts.EntryPath == "" {
		return true
	}
	if _, err := os.Stat(rec.artifacts.EntryPath); err != nil {
		return false
	}
	if rec.artifacts.IconPath != "" {
		if _, err := os.Stat(rec.artifacts.IconPath); err != nil {
			return false
		}
	}
	return true
}
