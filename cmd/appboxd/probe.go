// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/appbox-foundation/appbox/lib/bundle"
)

// probeResult is what a probe worker learned about one path. Exactly
// one outcome holds: the file is gone (missing), it could not be read
// or hashed (identityErr), it hashed but is not a valid bundle
// (identity plus metaErr), or it is a healthy bundle (identity plus
// meta).
type probeResult struct {
	path         string
	previousPath string

	missing     bool
	identity    bundle.Identity
	identityErr error
	meta        *bundle.Metadata
	metaErr     error
	stamp       fileStamp
}

// runProbe inspects path off the run loop. It holds no locks and
// reads no daemon state; everything it learns travels back in the
// result.
func (d *Daemon) runProbe(path, previousPath string) probeResult {
	result := probeResult{path: path, previousPath: previousPath}

	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		result.missing = true
		return result
	case err != nil:
		result.identityErr = err
		return result
	}
	result.stamp = fileStamp{size: info.Size(), modTime: info.ModTime()}

	meta, err := bundle.Inspect(path)
	if err == nil {
		result.identity = meta.Identity
		result.meta = meta
		return result
	}
	if errors.Is(err, fs.ErrNotExist) {
		// Vanished between the stat and the read.
		result.missing = true
		return result
	}

	// Inspect distinguishes unreadable files from structurally
	// invalid ones. An invalid file still has an identity, the hash
	// of its bytes, which lets the table remember the failure instead
	// of re-reporting it until the content actually changes.
	identity, idErr := bundle.IdentifyFile(path)
	if idErr != nil {
		result.identityErr = err
		return result
	}
	result.identity = identity
	result.metaErr = err
	return result
}

// handleProbe folds one probe result into the state table, then
// chases any rename origin the watcher paired with this path.
func (d *Daemon) handleProbe(ctx context.Context, result probeResult) {
	delete(d.probing, result.path)
	if d.reprobe[result.path] {
		// The disk changed while the probe ran; its result is stale.
		delete(d.reprobe, result.path)
		d.evaluate(result.path, "")
		return
	}

	d.applyProbe(ctx, result)

	// The rename origin is probed only after the destination's result
	// has been applied: by then a paired rename has repointed its
	// record, so the origin probe finds nothing tracked and the
	// desktop artifacts survive untouched.
	if result.previousPath != "" && result.previousPath != result.path {
		if _, tracked := d.byPath[result.previousPath]; tracked {
			d.evaluate(result.previousPath, "")
		}
	}
}

func (d *Daemon) applyProbe(ctx context.Context, result probeResult) {
	switch {
	case result.missing:
		d.pathGone(ctx, result.path)
	case result.identityErr != nil:
		d.pathUnreadable(ctx, result)
	case result.metaErr != nil:
		d.pathInvalid(ctx, result)
	default:
		d.pathHealthy(ctx, result)
	}
}

func (d *Daemon) pathGone(ctx context.Context, path string) {
	delete(d.failedPaths, path)

	identity, ok := d.byPath[path]
	if !ok {
		return
	}
	rec := d.records[identity]
	if rec.busy {
		rec.queue(path)
		return
	}
	d.beginRemoval(ctx, rec)
}

func (d *Daemon) pathUnreadable(ctx context.Context, result probeResult) {
	previous, known := d.failedPaths[result.path]
	if !known || previous.Error() != result.identityErr.Error() {
		d.logger.Warn("bundle unreadable",
			"path", result.path,
			"error", result.identityErr,
		)
	}
	d.failedPaths[result.path] = result.identityErr

	// A tracked bundle that can no longer be read cannot be verified
	// against its identity; treat it like a removal.
	identity, ok := d.byPath[result.path]
	if !ok {
		return
	}
	rec := d.records[identity]
	if rec.busy {
		rec.queue(result.path)
		return
	}
	d.beginRemoval(ctx, rec)
}

func (d *Daemon) pathInvalid(ctx context.Context, result probeResult) {
	delete(d.failedPaths, result.path)

	if owner, ok := d.byPath[result.path]; ok && owner != result.identity {
		d.releasePath(ctx, d.records[owner], result.path)
		return
	}

	if rec := d.records[result.identity]; rec != nil {
		if rec.path != result.path {
			d.relocate(rec, result)
			return
		}
		rec.stamp = result.stamp
		return
	}

	rec := &record{
		identity: result.identity,
		path:     result.path,
		mount:    stateFailed,
		failure:  result.metaErr,
		stamp:    result.stamp,
	}
	d.records[result.identity] = rec
	d.byPath[result.path] = result.identity
	d.logger.Error("invalid bundle",
		"path", result.path,
		"ref", bundle.ShortRef(result.identity),
		"error", result.metaErr,
	)
}

func (d *Daemon) pathHealthy(ctx context.Context, result probeResult) {
	delete(d.failedPaths, result.path)

	if owner, ok := d.byPath[result.path]; ok && owner != result.identity {
		d.releasePath(ctx, d.records[owner], result.path)
		return
	}

	rec := d.records[result.identity]
	if rec == nil {
		rec = &record{
			identity: result.identity,
			path:     result.path,
			meta:     result.meta,
			stamp:    result.stamp,
		}
		// Artifacts left by a previous run are adopted, not
		// reinstalled from scratch: the bundle was integrated before,
		// so the user is not told again.
		if refs, ok := d.desktop.Existing(result.identity); ok {
			rec.desktop = desktopStale
			rec.artifacts = refs
		}
		d.records[result.identity] = rec
		d.byPath[result.path] = result.identity
		d.beginMountInstall(ctx, rec, rec.desktop == desktopNotInstalled)
		return
	}

	if rec.path != result.path && !d.relocate(rec, result) {
		return
	}

	rec.stamp = result.stamp
	rec.meta = result.meta
	if rec.busy {
		return
	}

	switch {
	case rec.mount == stateFailed || rec.mount == stateUnmounted:
		d.beginMountInstall(ctx, rec, rec.desktop != desktopInstalled)
	case rec.mount == stateMounted && rec.desktop != desktopInstalled:
		// Mount is idempotent, so a pure artifact repair reuses the
		// live handle. Announce only if the user was never told.
		d.beginMountInstall(ctx, rec, rec.desktop == desktopNotInstalled)
	}
}

// releasePath starts tearing down the record currently owning path
// whose on-disk content now carries a different identity. The path is
// queued on the old record so it is re-probed, and adopted, once the
// teardown completes.
func (d *Daemon) releasePath(ctx context.Context, old *record, path string) {
	old.queue(path)
	if !old.busy {
		d.beginRemoval(ctx, old)
	}
}

// relocate handles a known identity appearing at a new path: a rename
// if the old path is gone, otherwise a duplicate. Reports whether the
// record now owns result.path. On rename the desktop artifacts stay
// untouched; the launcher entry points at the mountpoint, which is
// derived from the identity and does not move.
func (d *Daemon) relocate(rec *record, result probeResult) bool {
	if _, err := os.Stat(rec.path); errors.Is(err, fs.ErrNotExist) {
		d.logger.Info("bundle renamed",
			"ref", bundle.ShortRef(rec.identity),
			"from", rec.path,
			"to", result.path,
		)
		delete(d.byPath, rec.path)
		rec.path = result.path
		rec.stamp = result.stamp
		d.byPath[result.path] = rec.identity
		return true
	}
	d.logger.Warn("duplicate bundle content ignored",
		"ref", bundle.ShortRef(rec.identity),
		"path", result.path,
		"existing", rec.path,
	)
	return false
}
