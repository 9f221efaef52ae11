// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/appbox-foundation/appbox/lib/bundle"
	"github.com/appbox-foundation/appbox/lib/clock"
)

var (
	// ErrBusy means the kernel refused to unmount because the mount
	// is in use: open files, or a process running from the bundle.
	// The mount stays live; callers retry or escalate to Detach.
	ErrBusy = errors.New("mount is busy")

	// ErrNotMounted means the handle does not correspond to a mount
	// this manager tracks.
	ErrNotMounted = errors.New("not mounted")
)

// fuseSubtype is the fstype our mounts carry in the kernel mount
// table. Recovery matches against it to find orphans.
const fuseSubtype = "fuse.appbox"

// Handle represents one live mount. Handles are created and owned by
// the Manager; everything else holds them only as opaque references.
type Handle struct {
	identity   bundle.Identity
	bundlePath string
	mountpoint string
	mountedAt  time.Time
	backend    BackendHandle
}

// Identity returns the mounted bundle's content hash.
func (h *Handle) Identity() bundle.Identity { return h.identity }

// BundlePath returns the bundle file path given at mount time. The
// file may have moved since; the mount keeps serving regardless.
func (h *Handle) BundlePath() string { return h.bundlePath }

// Mountpoint returns the directory where the bundle is mounted.
func (h *Handle) Mountpoint() string { return h.mountpoint }

// MountedAt returns when the mount was established.
func (h *Handle) MountedAt() time.Time { return h.mountedAt }

// Manager owns every bundle mount in the daemon: at most one live
// mount per bundle identity, each at <root>/<short-reference>.
//
// Methods are safe for concurrent use. Callers must not race Mount
// and Unmount calls for the *same* identity against each other — the
// daemon serializes work per identity, so the manager does not.
type Manager struct {
	root    string
	backend Backend
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	handles map[bundle.Identity]*Handle
}

// NewManager creates a Manager that mounts under root.
func NewManager(root string, backend Backend, clk clock.Clock, logger *slog.Logger) *Manager {
	return &Manager{
		root:    filepath.Clean(root),
		backend: backend,
		clock:   clk,
		logger:  logger,
		handles: make(map[bundle.Identity]*Handle),
	}
}

// Mount mounts the bundle at bundlePath under the mount root,
// keyed by identity. Mounting an identity that is already mounted is
// a no-op returning the existing handle.
func (m *Manager) Mount(ctx context.Context, identity bundle.Identity, bundlePath string) (*Handle, error) {
	mountpoint := filepath.Join(m.root, bundle.ShortRef(identity))

	m.mu.Lock()
	if existing, ok := m.handles[identity]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	// A short-reference collision between different identities would
	// stack a second mount on the same directory. A 48-bit prefix
	// makes this practically unreachable; refuse it anyway.
	for _, other := range m.handles {
		if other.mountpoint == mountpoint {
			m.mu.Unlock()
			return nil, fmt.Errorf("short reference collision: %s is already mounted at %s",
				bundle.FormatHash(other.identity), mountpoint)
		}
	}
	m.mu.Unlock()

	// The bundle may have been deleted between the decision to mount
	// and now; checking first avoids creating a mountpoint directory
	// for a mount that cannot succeed.
	if _, err := os.Stat(bundlePath); err != nil {
		return nil, fmt.Errorf("bundle file gone: %w", err)
	}
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint: %w", err)
	}

	backendHandle, err := m.backend.Mount(ctx, bundlePath, mountpoint)
	if err != nil {
		// Best effort: the directory is only useful with a mount in it.
		os.Remove(mountpoint)
		return nil, err
	}

	handle := &Handle{
		identity:   identity,
		bundlePath: bundlePath,
		mountpoint: mountpoint,
		mountedAt:  m.clock.Now(),
		backend:    backendHandle,
	}

	m.mu.Lock()
	m.handles[identity] = handle
	m.mu.Unlock()

	m.logger.Info("bundle mounted",
		"ref", bundle.ShortRef(identity),
		"bundle", bundlePath,
		"mountpoint", mountpoint,
	)
	return handle, nil
}

// Unmount cleanly unmounts the handle's bundle. Returns ErrBusy when
// the mount is in use (the mount stays tracked and live), ErrNotMounted
// for handles the manager does not track.
func (m *Manager) Unmount(handle *Handle) error {
	if !m.tracks(handle) {
		return ErrNotMounted
	}

	if err := handle.backend.Unmount(); err != nil {
		// Busy or unknown failure: the mount is (or may still be)
		// live, so the handle stays tracked for a later retry or the
		// shutdown sweep.
		return err
	}

	m.release(handle)
	m.logger.Info("bundle unmounted",
		"ref", bundle.ShortRef(handle.identity),
		"mountpoint", handle.mountpoint,
	)
	return nil
}

// Detach forcibly lazy-unmounts the handle's bundle: the mountpoint
// disappears immediately and the kernel finishes teardown when its
// last user exits. Shutdown escalation only — a detached mount can
// leave a bundle process running on a zombie filesystem.
func (m *Manager) Detach(handle *Handle) error {
	if !m.tracks(handle) {
		return ErrNotMounted
	}

	if err := m.backend.Detach(handle.mountpoint); err != nil {
		return err
	}

	m.release(handle)
	m.logger.Warn("bundle detached",
		"ref", bundle.ShortRef(handle.identity),
		"mountpoint", handle.mountpoint,
	)
	return nil
}

// UnmountAll is the shutdown sweep: it tries a clean unmount of every
// tracked handle and escalates stragglers to Detach. Individual
// failures are logged, never fatal.
func (m *Manager) UnmountAll(ctx context.Context) {
	for _, handle := range m.Active() {
		if ctx.Err() != nil {
			m.logger.Warn("unmount sweep abandoned", "error", ctx.Err())
			return
		}

		err := m.Unmount(handle)
		if err == nil || errors.Is(err, ErrNotMounted) {
			continue
		}

		m.logger.Warn("clean unmount failed, detaching",
			"ref", bundle.ShortRef(handle.identity),
			"error", err,
		)
		if err := m.Detach(handle); err != nil && !errors.Is(err, ErrNotMounted) {
			m.logger.Error("detach failed",
				"ref", bundle.ShortRef(handle.identity),
				"mountpoint", handle.mountpoint,
				"error", err,
			)
		}
	}
}

// Active returns a snapshot of all live handles, ordered by
// mountpoint.
func (m *Manager) Active() []*Handle {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, handle := range m.handles {
		handles = append(handles, handle)
	}
	m.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool {
		return handles[i].mountpoint < handles[j].mountpoint
	})
	return handles
}

// Recover cleans up after a previous daemon instance: any mount with
// our fstype under the mount root is an orphan (its serving process
// is gone, so every operation on it would hang or fail) and is
// detached. Leftover mountpoint directories are removed. Returns the
// detached mountpoints.
//
// Must run before the first Mount call. The manager tracks nothing at
// that point, so everything found in the mount table is by definition
// not ours.
func (m *Manager) Recover(ctx context.Context) ([]string, error) {
	file, err := os.Open(mountInfoPath)
	if err != nil {
		return nil, fmt.Errorf("opening mount table: %w", err)
	}
	defer file.Close()

	entries, err := parseMountInfo(file)
	if err != nil {
		return nil, err
	}

	detached, err := m.recoverFrom(ctx, entries)
	if err != nil {
		return detached, err
	}

	m.removeStaleMountpoints()
	return detached, nil
}

// recoverFrom detaches every orphaned bundle mount in the given mount
// table snapshot.
func (m *Manager) recoverFrom(ctx context.Context, entries []mountInfoEntry) ([]string, error) {
	var detached []string
	for _, entry := range entries {
		if ctx.Err() != nil {
			return detached, ctx.Err()
		}
		if entry.fsType != fuseSubtype || !m.underRoot(entry.mountpoint) {
			continue
		}

		m.logger.Warn("detaching orphaned mount from previous instance",
			"mountpoint", entry.mountpoint,
			"source", entry.source,
		)
		if err := m.backend.Detach(entry.mountpoint); err != nil {
			return detached, fmt.Errorf("recovering %s: %w", entry.mountpoint, err)
		}
		detached = append(detached, entry.mountpoint)

		if err := os.Remove(entry.mountpoint); err != nil && !os.IsNotExist(err) {
			m.logger.Debug("leaving mountpoint directory", "mountpoint", entry.mountpoint, "error", err)
		}
	}
	return detached, nil
}

// removeStaleMountpoints clears empty directories under the mount
// root that no longer back a mount — leftovers from a crash between
// mkdir and mount, or from mounts the kernel already released.
func (m *Manager) removeStaleMountpoints() {
	dirEntries, err := os.ReadDir(m.root)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Debug("cannot scan mount root", "root", m.root, "error", err)
		}
		return
	}

	for _, dirEntry := range dirEntries {
		if !dirEntry.IsDir() || !strings.HasPrefix(dirEntry.Name(), "box-") {
			continue
		}
		stale := filepath.Join(m.root, dirEntry.Name())
		// Remove refuses non-empty directories, so a directory that
		// still backs a live mount (or holds anything) survives.
		if err := os.Remove(stale); err == nil {
			m.logger.Info("removed stale mountpoint directory", "mountpoint", stale)
		}
	}
}

// tracks reports whether handle is the manager's current handle for
// its identity.
func (m *Manager) tracks(handle *Handle) bool {
	if handle == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[handle.identity] == handle
}

// release drops a handle from tracking and removes its mountpoint
// directory.
func (m *Manager) release(handle *Handle) {
	m.mu.Lock()
	delete(m.handles, handle.identity)
	m.mu.Unlock()

	if err := os.Remove(handle.mountpoint); err != nil && !os.IsNotExist(err) {
		m.logger.Debug("leaving mountpoint directory",
			"mountpoint", handle.mountpoint,
			"error", err,
		)
	}
}

// underRoot reports whether path is the mount root itself or below it.
func (m *Manager) underRoot(path string) bool {
	cleaned := filepath.Clean(path)
	return cleaned == m.root || strings.HasPrefix(cleaned, m.root+string(filepath.Separator))
}
