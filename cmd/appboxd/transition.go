// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/appbox-foundation/appbox/lib/bundle"
	"github.com/appbox-foundation/appbox/lib/desktop"
	"github.com/appbox-foundation/appbox/lib/mount"
)

type transitionKind int

const (
	transitionMount transitionKind = iota
	transitionRemove
)

// transitionResult reports a finished mount-install or removal worker
// back to the run loop. err is fatal for the transition; installErr,
// unmountErr and removeErr are partial failures the table absorbs.
type transitionResult struct {
	identity bundle.Identity
	kind     transitionKind

	handle    *mount.Handle
	artifacts desktop.ArtifactRefs

	err        error
	installErr error
	unmountErr error
	removeErr  error
}

// mountInstallJob carries everything runMountInstall needs so the
// worker never touches daemon state.
type mountInstallJob struct {
	identity     bundle.Identity
	path         string
	meta         *bundle.Metadata
	previous     desktop.ArtifactRefs
	hadArtifacts bool
	announce     bool
}

func (d *Daemon) beginMountInstall(ctx context.Context, rec *record, announce bool) {
	rec.busy = true
	rec.mount = stateMounting
	rec.failure = nil
	job := mountInstallJob{
		identity:     rec.identity,
		path:         rec.path,
		meta:         rec.meta,
		previous:     rec.artifacts,
		hadArtifacts: rec.desktop != desktopNotInstalled && rec.artifacts.EntryPath != "",
		announce:     announce,
	}
	d.startTask(func() {
		d.transitions <- d.runMountInstall(ctx, job)
	})
}

func (d *Daemon) runMountInstall(ctx context.Context, job mountInstallJob) transitionResult {
	result := transitionResult{identity: job.identity, kind: transitionMount}

	handle, err := d.mountWithRetry(ctx, job)
	if err != nil {
		result.err = fmt.Errorf("mounting: %w", err)
		return result
	}
	result.handle = handle

	var iconData []byte
	if job.meta.Manifest.Icon != "" {
		iconData = d.extractIcon(job.path)
	}

	var refs desktop.ArtifactRefs
	var installErr error
	if job.hadArtifacts {
		refs, installErr = d.desktop.Reconcile(job.identity, job.meta.Manifest, job.path, handle.Mountpoint(), iconData, job.previous)
	} else {
		refs, installErr = d.desktop.Install(job.identity, job.meta.Manifest, job.path, handle.Mountpoint(), iconData)
	}
	if installErr != nil {
		result.installErr = installErr
		return result
	}
	result.artifacts = refs

	if job.announce {
		d.notifier.Installed(ctx, job.meta.Manifest.Name)
	}
	return result
}

// mountWithRetry attempts the FUSE mount a few times before giving
// up. Each attempt gets its own timeout derived from the background
// context: daemon shutdown must not cancel a mount mid-flight and
// leave the kernel table half-updated, it only stops further retries.
func (d *Daemon) mountWithRetry(ctx context.Context, job mountInstallJob) (*mount.Handle, error) {
	delay := mountRetryDelay
	var lastErr error
	for attempt := 1; ; attempt++ {
		mountCtx, cancel := context.WithTimeout(context.Background(), d.mountTimeout)
		handle, err := d.mounts.Mount(mountCtx, job.identity, job.path)
		cancel()
		if err == nil {
			return handle, nil
		}
		lastErr = err
		if attempt == mountAttempts {
			return nil, lastErr
		}
		d.logger.Warn("mount attempt failed",
			"ref", bundle.ShortRef(job.identity),
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-d.clock.After(delay):
		}
		delay *= 2
	}
}

// extractIcon pulls the manifest icon's bytes out of the bundle. Icon
// trouble never blocks integration; the launcher entry simply ships
// without one.
func (d *Daemon) extractIcon(path string) []byte {
	reader, err := bundle.Open(path)
	if err != nil {
		d.logger.Warn("icon extraction failed", "path", path, "error", err)
		return nil
	}
	defer reader.Close()

	data, err := reader.ExtractIcon()
	if err != nil {
		d.logger.Warn("icon extraction failed", "path", path, "error", err)
		return nil
	}
	return data
}

// removalJob carries everything runRemoval needs off the run loop.
type removalJob struct {
	identity     bundle.Identity
	name         string
	handle       *mount.Handle
	artifacts    desktop.ArtifactRefs
	hadArtifacts bool
	announce     bool
}

func (d *Daemon) beginRemoval(ctx context.Context, rec *record) {
	rec.busy = true
	if rec.handle != nil {
		rec.mount = stateUnmounting
	}
	job := removalJob{
		identity:     rec.identity,
		name:         rec.displayName(),
		handle:       rec.handle,
		artifacts:    rec.artifacts,
		hadArtifacts: rec.desktop != desktopNotInstalled,
		announce:     rec.desktop == desktopInstalled,
	}
	d.startTask(func() {
		d.transitions <- d.runRemoval(ctx, job)
	})
}

func (d *Daemon) runRemoval(ctx context.Context, job removalJob) transitionResult {
	result := transitionResult{identity: job.identity, kind: transitionRemove}

	if job.handle != nil {
		result.unmountErr = d.unmountWithRetry(ctx, job)
	}

	// Desktop artifacts go regardless of how the unmount fared: a
	// launcher entry for a deleted bundle is worse than a lingering
	// mountpoint, which shutdown's unmount-all still covers.
	if job.hadArtifacts {
		if err := d.desktop.Remove(job.artifacts); err != nil {
			result.removeErr = err
		} else if job.announce {
			d.notifier.Removed(ctx, job.name)
		}
	}
	return result
}

// unmountWithRetry backs off while the mount is busy, an application
// may still hold files open, and gives up on any other error.
func (d *Daemon) unmountWithRetry(ctx context.Context, job removalJob) error {
	attempts := d.cfg.UnmountRetries + 1
	delay := d.unmountBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := d.mounts.Unmount(job.handle)
		if err == nil || errors.Is(err, mount.ErrNotMounted) {
			return nil
		}
		lastErr = err
		if !errors.Is(err, mount.ErrBusy) {
			break
		}
		if attempt == attempts {
			break
		}
		d.logger.Info("mount busy, retrying unmount",
			"ref", bundle.ShortRef(job.identity),
			"attempt", attempt,
		)
		select {
		case <-ctx.Done():
			return lastErr
		case <-d.clock.After(delay):
		}
		delay *= 2
	}
	return lastErr
}

// handleTransition folds a worker's outcome back into the table and
// re-evaluates any paths that queued up behind the busy record.
func (d *Daemon) handleTransition(result transitionResult) {
	rec := d.records[result.identity]
	if rec == nil {
		// Records are deleted only by finishRemoval, and at most one
		// transition per identity is ever in flight.
		d.logger.Error("transition for unknown record",
			"ref", bundle.ShortRef(result.identity),
		)
		return
	}
	rec.busy = false

	switch result.kind {
	case transitionMount:
		d.finishMountInstall(rec, result)
	case transitionRemove:
		d.finishRemoval(rec, result)
	}

	pending := rec.pending
	rec.pending = nil
	for _, path := range pending {
		d.evaluate(path, "")
	}
}

func (d *Daemon) finishMountInstall(rec *record, result transitionResult) {
	if result.err != nil {
		rec.mount = stateFailed
		rec.failure = result.err
		rec.handle = nil
		d.logger.Error("bundle integration failed",
			"path", rec.path,
			"ref", bundle.ShortRef(rec.identity),
			"error", result.err,
		)
		return
	}

	rec.mount = stateMounted
	rec.handle = result.handle

	if result.installErr != nil {
		d.logger.Error("desktop install failed",
			"path", rec.path,
			"ref", bundle.ShortRef(rec.identity),
			"error", result.installErr,
		)
		if rec.desktop == desktopInstalled {
			rec.desktop = desktopStale
		}
		return
	}

	rec.desktop = desktopInstalled
	rec.artifacts = result.artifacts
	d.refreshDue = true
	d.logger.Info("bundle integrated",
		"name", rec.displayName(),
		"ref", bundle.ShortRef(rec.identity),
		"mountpoint", rec.handle.Mountpoint(),
	)
}

func (d *Daemon) finishRemoval(rec *record, result transitionResult) {
	if result.unmountErr != nil {
		// The manager still tracks the handle; shutdown's unmount-all
		// is the backstop.
		d.logger.Warn("mount left behind",
			"ref", bundle.ShortRef(rec.identity),
			"mountpoint", rec.handle.Mountpoint(),
			"error", result.unmountErr,
		)
	}
	if result.removeErr != nil {
		d.logger.Warn("desktop artifact removal incomplete",
			"ref", bundle.ShortRef(rec.identity),
			"error", result.removeErr,
		)
	}

	delete(d.records, rec.identity)
	if d.byPath[rec.path] == rec.identity {
		delete(d.byPath, rec.path)
	}
	if rec.desktop != desktopNotInstalled {
		d.refreshDue = true
	}
	d.logger.Info("bundle removed",
		"name", rec.displayName(),
		"ref", bundle.ShortRef(rec.identity),
	)
}
