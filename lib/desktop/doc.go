// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package desktop keeps freedesktop launcher entries and icons in
// step with mounted bundles.
//
// Every artifact the package writes carries two ownership keys:
// X-AppBox-Integrated=true marks the file as daemon-managed, and
// X-AppBox-Identity records which bundle it belongs to. File names
// derive from the identity, not the application name, so two bundles
// can share a display name and renaming a bundle file never strands
// its launcher entry.
//
// The ownership keys are load-bearing for crash recovery: Sweep walks
// the applications directory and removes only marked entries whose
// identity no longer has a live bundle. A hand-written .desktop file,
// or one installed by any other tool, is invisible to it.
//
// All writes are atomic (temp file + rename in the target directory),
// so a desktop environment scanning mid-write sees either the old
// launcher entry or the new one, never a torn file.
package desktop
