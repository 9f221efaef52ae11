// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package fuse implements a read-only FUSE filesystem that serves one
// bundle's member files at a mountpoint.
//
// The bundle's file index is fully known at mount time, so the whole
// inode tree is built up front when the filesystem is added to the
// kernel — there is no dynamic lookup, and directory listings come
// straight from the persistent inodes.
//
// # Read Path
//
// Member payloads are extracted lazily: the first open of a file
// decompresses its payload and verifies the stored content hash, then
// keeps the bytes for the lifetime of the mount. Bundle content is
// immutable, so extracted content never goes stale and the kernel
// page cache is enabled (FOPEN_KEEP_CACHE) on every open.
//
// # Write Path
//
// Not implemented. Opens for writing return EROFS; mutation
// operations (Create, Mkdir, Unlink, ...) are absent and fail with
// ENOSYS. File modes are surfaced with write bits stripped and
// execute bits intact, so desktop launcher entries can point their
// Exec line directly into the mount.
//
// Mounts register the "appbox" filesystem subtype. They appear in the
// mount table with fstype "fuse.appbox", which is how the daemon's
// crash recovery finds orphaned mounts left by a previous process.
package fuse
