// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package bundle implements the AppBox container format: a single-file
// application bundle that the daemon mounts read-only and integrates
// into the desktop. It provides hashing, compression, packing,
// reading, and inspection — the pure data layer that the mount
// backend, the daemon, and the CLI build on.
//
// The package is organized in layers, each usable independently:
//
//   - Hashing: BLAKE3 with domain-separated keyed mode. The payload
//     domain hashes individual member contents (verified on every
//     extraction); the bundle domain hashes the whole file, producing
//     the Identity that keys all daemon state. Identity is a content
//     hash, so renaming a bundle file never changes what the daemon
//     knows about it.
//
//   - Compression: Per-member transparent compression (none, LZ4,
//     zstd). Member hashes are computed on uncompressed bytes.
//     Extension heuristics plus a zstd probe select the codec; data
//     that does not compress is stored raw.
//
//   - Format: Fixed 16-byte header, CBOR manifest block, CBOR file
//     index block, then member payloads packed back to back in index
//     order. Blocks are length-prefixed in the header so a reader can
//     frame them with three ReadAt calls.
//
//   - Builder: Accumulates members, compresses, writes the complete
//     bundle, and returns its Identity. Used by "appbox pack" and as
//     the fixture factory in tests.
//
//   - Reader: Parses the metadata blocks and extracts members with
//     ReadAt (safe for concurrent use; the FUSE filesystem shares one
//     Reader across all open files). Holds the file open, so a mount
//     keeps serving after its backing file is renamed or unlinked.
//
//   - Inspector: One-shot validation and metadata extraction for the
//     daemon's probe path. Holds nothing open after return.
//
// The manifest and file index use CBOR (RFC 8949) with Core
// Deterministic Encoding via lib/codec, so packing identical content
// produces byte-identical bundles and therefore identical identities.
package bundle
