// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the standard CBOR encoding configuration for
// the AppBox container format.
//
// The bundle manifest and file index are embedded in every .appbox
// file as CBOR blocks. The encoder uses Core Deterministic Encoding
// (RFC 8949 §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Determinism matters here because a bundle's
// identity is the hash of its bytes — packing the same logical content
// twice must produce byte-identical manifests, and therefore the same
// identity.
//
//	data, err := codec.Marshal(manifest)
//	err = codec.Unmarshal(data, &manifest)
//
// Decoding ignores unknown fields, so old daemons can open bundles
// packed by newer tools as long as the format version matches.
package codec
