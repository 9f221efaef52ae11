// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/appbox-foundation/appbox/lib/bundle"
	bundlefuse "github.com/appbox-foundation/appbox/lib/bundle/fuse"
)

// Backend performs the actual kernel mount operations. The production
// implementation serves bundles over FUSE; tests substitute a fake.
type Backend interface {
	// Mount serves the bundle at bundlePath on the given mountpoint
	// directory, which already exists. The mountpoint's base name is
	// the bundle's short reference.
	Mount(ctx context.Context, bundlePath, mountpoint string) (BackendHandle, error)

	// Detach lazily unmounts the given mountpoint without a handle.
	// Used for crash recovery (orphaned mounts have no handle) and
	// shutdown escalation.
	Detach(mountpoint string) error
}

// BackendHandle is one live backend mount.
type BackendHandle interface {
	// Unmount cleanly unmounts. Returns ErrBusy when the kernel
	// refuses because the mount is in use.
	Unmount() error
}

// FUSEBackend implements Backend over the bundle FUSE filesystem.
type FUSEBackend struct {
	// Logger receives backend diagnostics. If nil, logging is
	// disabled.
	Logger *slog.Logger
}

var _ Backend = (*FUSEBackend)(nil)

func (b *FUSEBackend) Mount(ctx context.Context, bundlePath, mountpoint string) (BackendHandle, error) {
	reader, err := bundle.Open(bundlePath)
	if err != nil {
		return nil, err
	}

	server, err := bundlefuse.Mount(bundlefuse.Options{
		Reader:     reader,
		Mountpoint: mountpoint,
		Source:     filepath.Base(mountpoint),
		Logger:     b.Logger,
	})
	if err != nil {
		reader.Close()
		return nil, err
	}

	return &fuseHandle{server: server, reader: reader}, nil
}

func (b *FUSEBackend) Detach(mountpoint string) error {
	return detachMount(mountpoint)
}

// fuseHandle wraps a running go-fuse server together with the bundle
// reader backing it. The reader is closed only once the kernel has
// released the mount.
type fuseHandle struct {
	server interface{ Unmount() error }
	reader *bundle.Reader
}

func (h *fuseHandle) Unmount() error {
	if err := h.server.Unmount(); err != nil {
		if isBusy(err) {
			return fmt.Errorf("unmounting: %w", ErrBusy)
		}
		return fmt.Errorf("unmounting: %w", err)
	}
	h.reader.Close()
	return nil
}

// isBusy reports whether an unmount failure means the mount is in
// use. go-fuse shells out to fusermount, which reports EBUSY only as
// message text, so the errno check alone is not enough.
func isBusy(err error) bool {
	if errors.Is(err, unix.EBUSY) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "busy")
}

// detachMount performs a lazy unmount: the mount disappears from the
// namespace immediately and the kernel finishes the teardown when the
// last user goes away. Unprivileged FUSE mounts must go through
// fusermount; the direct syscall is the fallback for the rare setup
// where fusermount is missing but the process has CAP_SYS_ADMIN.
func detachMount(mountpoint string) error {
	var helperErr error
	if binary, err := fusermountBinary(); err == nil {
		output, err := exec.Command(binary, "-u", "-z", mountpoint).CombinedOutput()
		if err == nil {
			return nil
		}
		message := strings.TrimSpace(string(output))
		if message == "" {
			message = err.Error()
		}
		helperErr = errors.New(message)
	}

	if err := unix.Unmount(mountpoint, unix.MNT_DETACH); err != nil {
		if helperErr != nil {
			return fmt.Errorf("detaching %s: %w (fusermount: %v)", mountpoint, err, helperErr)
		}
		return fmt.Errorf("detaching %s: %w", mountpoint, err)
	}
	return nil
}

// fusermountBinary locates the FUSE mount helper. fuse3 installs
// fusermount3; older distributions ship fusermount.
func fusermountBinary() (string, error) {
	for _, name := range []string{"fusermount3", "fusermount"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no fusermount binary on PATH")
}

// CheckPrerequisites verifies that FUSE mounts can work at all on
// this system: the /dev/fuse device must exist and a fusermount
// helper must be on PATH. Failing either means the daemon cannot do
// its job and should not start.
func CheckPrerequisites() error {
	if _, err := os.Stat("/dev/fuse"); err != nil {
		return fmt.Errorf("FUSE is unavailable (/dev/fuse): %w", err)
	}
	if _, err := fusermountBinary(); err != nil {
		return fmt.Errorf("FUSE is unavailable: %w", err)
	}
	return nil
}
