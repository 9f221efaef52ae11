// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package desktop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/appbox-foundation/appbox/lib/bundle"
)

// ArtifactRefs names the desktop files installed for one bundle.
type ArtifactRefs struct {
	// EntryPath is the launcher entry
	// (<applicationsDir>/appbox-<short-identity>.desktop).
	EntryPath string

	// IconPath is the installed icon
	// (<iconsDir>/appbox-<short-identity><ext>), empty when the
	// bundle ships no icon.
	IconPath string
}

// Synchronizer installs and removes desktop launcher entries and
// icons for mounted bundles. Artifact names are derived from the
// bundle identity, never from the display name, so they are stable
// across bundle file renames and collision-free across apps.
//
// Methods are safe for concurrent use for different identities; the
// daemon serializes operations on the same identity.
type Synchronizer struct {
	applicationsDir string
	iconsDir        string
	launchWrapper   []string
	logger          *slog.Logger

	// refreshMissing gates the one-time log line when
	// update-desktop-database is not installed.
	refreshMissing sync.Once
}

// Options configures a Synchronizer.
type Options struct {
	// ApplicationsDir receives launcher entries, conventionally
	// ~/.local/share/applications.
	ApplicationsDir string

	// IconsDir receives icons, conventionally ~/.local/share/icons.
	IconsDir string

	// LaunchWrapper, when non-empty, is prefixed to every launcher
	// Exec line (e.g. a sandbox command and its arguments).
	LaunchWrapper []string

	// Logger receives diagnostics. Required.
	Logger *slog.Logger
}

// NewSynchronizer creates a Synchronizer.
func NewSynchronizer(options Options) *Synchronizer {
	return &Synchronizer{
		applicationsDir: options.ApplicationsDir,
		iconsDir:        options.IconsDir,
		launchWrapper:   options.LaunchWrapper,
		logger:          options.Logger,
	}
}

// Install writes the launcher entry (and icon, when iconData is
// non-nil) for a mounted bundle. Both files are written atomically:
// temp file in the target directory, write, sync, rename. An existing
// entry for the same identity is replaced.
func (s *Synchronizer) Install(identity bundle.Identity, manifest bundle.Manifest, bundlePath, mountpoint string, iconData []byte) (ArtifactRefs, error) {
	stem := artifactStem(identity)
	refs := ArtifactRefs{
		EntryPath: filepath.Join(s.applicationsDir, stem+".desktop"),
	}

	if iconData != nil && manifest.Icon != "" {
		refs.IconPath = filepath.Join(s.iconsDir, stem+path.Ext(manifest.Icon))
		if err := os.MkdirAll(s.iconsDir, 0o755); err != nil {
			return ArtifactRefs{}, fmt.Errorf("creating icons directory: %w", err)
		}
		if err := writeFileAtomic(refs.IconPath, iconData, 0o644); err != nil {
			return ArtifactRefs{}, fmt.Errorf("installing icon: %w", err)
		}
	}

	entry := renderEntry(identity, manifest, bundlePath, mountpoint, refs.IconPath, s.launchWrapper)
	if err := os.MkdirAll(s.applicationsDir, 0o755); err != nil {
		return ArtifactRefs{}, fmt.Errorf("creating applications directory: %w", err)
	}
	if err := writeFileAtomic(refs.EntryPath, []byte(entry), 0o644); err != nil {
		return ArtifactRefs{}, fmt.Errorf("installing launcher entry: %w", err)
	}

	s.logger.Info("desktop entry installed",
		"app", manifest.Name,
		"entry", refs.EntryPath,
	)
	return refs, nil
}

// Remove deletes a bundle's desktop artifacts. Already-missing files
// are fine; failures for the entry and the icon are joined so one bad
// file does not mask the other.
func (s *Synchronizer) Remove(refs ArtifactRefs) error {
	var errs []error
	for _, artifact := range []string{refs.EntryPath, refs.IconPath} {
		if artifact == "" {
			continue
		}
		if err := os.Remove(artifact); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("removing desktop artifacts: %w", err)
	}
	return nil
}

// Reconcile refreshes a bundle's desktop artifacts in place: the new
// entry and icon are installed first, then any old artifact path the
// install did not overwrite is removed. A live bundle never has a
// window with no launcher entry, and no stale artifact survives a
// metadata change (an icon that changed file extension, for example).
//
// Removal failures of old artifacts are logged, not returned: the new
// artifacts are live at that point and the daemon's sweep will catch
// the leftovers later.
func (s *Synchronizer) Reconcile(identity bundle.Identity, manifest bundle.Manifest, bundlePath, mountpoint string, iconData []byte, oldRefs ArtifactRefs) (ArtifactRefs, error) {
	refs, err := s.Install(identity, manifest, bundlePath, mountpoint, iconData)
	if err != nil {
		return ArtifactRefs{}, err
	}

	var stale ArtifactRefs
	if oldRefs.EntryPath != "" && oldRefs.EntryPath != refs.EntryPath {
		stale.EntryPath = oldRefs.EntryPath
	}
	if oldRefs.IconPath != "" && oldRefs.IconPath != refs.IconPath {
		stale.IconPath = oldRefs.IconPath
	}
	if err := s.Remove(stale); err != nil {
		s.logger.Warn("stale desktop artifacts left behind",
			"entry", stale.EntryPath,
			"icon", stale.IconPath,
			"error", err,
		)
	}
	return refs, nil
}

// Existing returns the artifact refs already on disk for identity,
// left by a previous run. Adoption is conservative: the entry must
// parse, carry the integration marker, and record the full identity —
// the 12-character stem alone could collide.
func (s *Synchronizer) Existing(identity bundle.Identity) (ArtifactRefs, bool) {
	entryPath := filepath.Join(s.applicationsDir, artifactStem(identity)+".desktop")
	info, err := parseEntryFile(entryPath)
	if err != nil || !info.integrated || info.identity != identity {
		return ArtifactRefs{}, false
	}

	refs := ArtifactRefs{EntryPath: entryPath}
	if iconPath := s.ownedIconPath(info.iconPath); iconPath != "" {
		if _, err := os.Stat(iconPath); err == nil {
			refs.IconPath = iconPath
		}
	}
	return refs, true
}

// Sweep removes every daemon-owned launcher entry (and its icon)
// whose identity is not in keep. Files without the integration marker
// are never touched, whatever their name. Returns the removed paths.
//
// This is the crash-recovery scrub: after a restart, entries whose
// bundles disappeared while the daemon was down have no record and
// would otherwise linger forever.
func (s *Synchronizer) Sweep(keep map[bundle.Identity]bool) ([]string, error) {
	dirEntries, err := os.ReadDir(s.applicationsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning applications directory: %w", err)
	}

	var removed []string
	var errs []error
	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		if dirEntry.IsDir() || !strings.HasPrefix(name, "appbox-") || !strings.HasSuffix(name, ".desktop") {
			continue
		}
		entryPath := filepath.Join(s.applicationsDir, name)

		info, err := parseEntryFile(entryPath)
		if err != nil {
			s.logger.Warn("skipping unparseable launcher entry", "entry", entryPath, "error", err)
			continue
		}
		if !info.integrated || keep[info.identity] {
			continue
		}

		if err := os.Remove(entryPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, entryPath)
		s.logger.Info("swept orphaned desktop entry", "entry", entryPath)

		if iconPath := s.ownedIconPath(info.iconPath); iconPath != "" {
			if err := os.Remove(iconPath); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
				continue
			}
			removed = append(removed, iconPath)
		}
	}
	return removed, errors.Join(errs...)
}

// ownedIconPath returns iconPath if it names a file the daemon owns:
// inside the icons directory, with the daemon's artifact prefix.
// Anything else returns empty — the sweep must never delete a user's
// icon just because an entry references it.
func (s *Synchronizer) ownedIconPath(iconPath string) string {
	if iconPath == "" {
		return ""
	}
	if filepath.Dir(iconPath) != filepath.Clean(s.iconsDir) {
		return ""
	}
	if !strings.HasPrefix(filepath.Base(iconPath), "appbox-") {
		return ""
	}
	return iconPath
}

// RefreshIndex runs update-desktop-database over the applications
// directory so MIME associations pick up recent changes. Best effort:
// a missing utility is logged once per process, failures at debug
// level — desktop environments rescan on their own timers anyway.
func (s *Synchronizer) RefreshIndex(ctx context.Context) {
	binary, err := exec.LookPath("update-desktop-database")
	if err != nil {
		s.refreshMissing.Do(func() {
			s.logger.Info("update-desktop-database not installed, skipping index refresh")
		})
		return
	}

	if output, err := exec.CommandContext(ctx, binary, s.applicationsDir).CombinedOutput(); err != nil {
		s.logger.Debug("desktop database refresh failed",
			"error", err,
			"output", strings.TrimSpace(string(output)),
		)
	}
}

// writeFileAtomic writes data to path via a temporary file in the
// same directory: write, sync, close, rename. Readers never observe a
// partial file; a crash leaves at most a stale .tmp that the next
// write truncates.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}

	// Write, sync, close — in that order. If any step fails, remove
	// the temporary file and report the first error.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
