// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestMountRetryAfterTransientFailure(t *testing.T) {
	h := newHarness(t)
	h.backend.failNextMounts(1)
	path, identity := h.buildBundle("app.appbox", "App", "v1")

	h.daemon.evaluate(path, "")
	h.pumpProbe()
	// The worker is parked on the first retry backoff.
	h.clock.WaitForTimers(1)
	h.clock.Advance(mountRetryDelay)
	h.settle()

	rec := h.daemon.records[identity]
	if rec == nil || !rec.settled() {
		t.Fatalf("bundle not settled after retry; log:\n%s", h.logs.String())
	}
	if got := h.backend.calls(); got != 2 {
		t.Errorf("mount calls = %d, want 2", got)
	}
	if !strings.Contains(h.logs.String(), "mount attempt failed") {
		t.Error("transient failure left no trace in the log")
	}
	if got := h.notificationCount("AppBox Integrated"); got != 1 {
		t.Errorf("integration notifications = %d, want 1", got)
	}
}

func TestMountFailureMarksRecordFailed(t *testing.T) {
	h := newHarness(t)
	h.backend.failNextMounts(mountAttempts)
	path, identity := h.buildBundle("app.appbox", "App", "v1")

	h.daemon.evaluate(path, "")
	h.pumpProbe()
	// Backoffs double between the attempts.
	h.clock.WaitForTimers(1)
	h.clock.Advance(mountRetryDelay)
	h.clock.WaitForTimers(1)
	h.clock.Advance(2 * mountRetryDelay)
	h.settle()

	rec := h.daemon.records[identity]
	if rec == nil {
		t.Fatal("no record for the failed bundle")
	}
	if rec.mount != stateFailed {
		t.Errorf("mount state = %v, want failed", rec.mount)
	}
	if rec.failure == nil {
		t.Error("failed record carries no failure")
	}
	if fileExists(t, h.entryPath(identity)) {
		t.Error("launcher entry installed despite mount failure")
	}
	if got := h.notificationCount("AppBox Integrated"); got != 0 {
		t.Errorf("integration notifications = %d, want 0", got)
	}

	// The next rescan retries the failed record; the backend has
	// recovered by now, so the bundle converges and announces.
	h.reconcile()

	if rec := h.daemon.records[identity]; rec == nil || !rec.settled() {
		t.Fatalf("failed record not repaired by rescan; log:\n%s", h.logs.String())
	}
	if !fileExists(t, h.entryPath(identity)) {
		t.Error("launcher entry missing after repair")
	}
	if got := h.notificationCount("AppBox Integrated"); got != 1 {
		t.Errorf("integration notifications = %d, want 1", got)
	}
}

func TestBusyUnmountRetriesUntilFree(t *testing.T) {
	h := newHarness(t)
	path, identity := h.buildBundle("app.appbox", "App", "v1")
	h.daemon.evaluate(path, "")
	h.settle()

	mountpoint := h.daemon.mounts.Active()[0].Mountpoint()
	h.backend.setBusy(mountpoint, true)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	h.daemon.evaluate(path, "")
	h.pumpProbe()
	// First unmount hit ErrBusy; the worker waits out the backoff
	// while the application quits.
	h.clock.WaitForTimers(1)
	h.backend.setBusy(mountpoint, false)
	h.clock.Advance(time.Second)
	h.settle()

	if len(h.daemon.records) != 0 {
		t.Errorf("records = %d, want 0", len(h.daemon.records))
	}
	if active := h.daemon.mounts.Active(); len(active) != 0 {
		t.Errorf("active mounts = %d, want 0", len(active))
	}
	if fileExists(t, h.entryPath(identity)) {
		t.Error("launcher entry survived removal")
	}
	if !strings.Contains(h.logs.String(), "mount busy, retrying unmount") {
		t.Error("busy retry left no trace in the log")
	}
	if got := h.notificationCount("AppBox Removed"); got != 1 {
		t.Errorf("removal notifications = %d, want 1", got)
	}
}

func TestBusyUnmountExhaustionStillRemovesArtifacts(t *testing.T) {
	h := newHarness(t)
	path, identity := h.buildBundle("app.appbox", "App", "v1")
	h.daemon.evaluate(path, "")
	h.settle()

	mountpoint := h.daemon.mounts.Active()[0].Mountpoint()
	h.backend.setBusy(mountpoint, true)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	h.daemon.evaluate(path, "")
	h.pumpProbe()
	// UnmountRetries is 3, so four attempts with three doubling
	// backoffs between them. The mount never frees up.
	for _, backoff := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		h.clock.WaitForTimers(1)
		h.clock.Advance(backoff)
	}
	h.settle()

	// The record is gone and so are the desktop artifacts: a launcher
	// entry must never outlive its bundle, even when the unmount is
	// stuck behind a running application.
	if len(h.daemon.records) != 0 {
		t.Errorf("records = %d, want 0", len(h.daemon.records))
	}
	if fileExists(t, h.entryPath(identity)) {
		t.Error("launcher entry survived despite busy mount")
	}
	if fileExists(t, h.iconPath(identity)) {
		t.Error("icon survived despite busy mount")
	}
	if !strings.Contains(h.logs.String(), "mount left behind") {
		t.Error("lingering mount left no trace in the log")
	}
	// The manager still tracks the stuck mount for the shutdown sweep.
	if active := h.daemon.mounts.Active(); len(active) != 1 {
		t.Fatalf("active mounts = %d, want 1", len(active))
	}

	// Shutdown escalates the straggler to a lazy detach.
	h.daemon.shutdown()
	if active := h.daemon.mounts.Active(); len(active) != 0 {
		t.Errorf("active mounts after shutdown = %d, want 0", len(active))
	}
}
