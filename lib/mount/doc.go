// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package mount tracks the daemon's live bundle mounts: at most one
// kernel mount per bundle identity, each under a private mount root
// named by the bundle's short reference.
//
// The Manager enforces the single-mount-per-identity invariant and
// owns mountpoint directory lifecycle. Actual kernel operations go
// through the Backend interface; production uses FUSEBackend (a
// go-fuse server per bundle), tests substitute a fake.
//
// Unmounting distinguishes three outcomes: clean success, ErrBusy
// (something holds the mount — the manager never force-kills users,
// callers retry or escalate), and Detach (lazy unmount, MNT_DETACH
// semantics, reserved for shutdown and crash recovery).
//
// Recover scans /proc/self/mountinfo at startup for mounts with the
// "fuse.appbox" fstype under the mount root. Those are orphans from a
// crashed instance: their serving process is gone, every I/O on them
// would hang, and they cannot be re-adopted, so they are detached
// before the daemon mounts anything.
package mount
