// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"fmt"
	"path"
	"strings"
)

// Bundle format constants.
const (
	// formatVersion is the bundle format version carried in the magic
	// header. Version 1 is the initial format.
	formatVersion = 1

	// headerSize is the fixed header: 8-byte magic + 4-byte manifest
	// block length + 4-byte index block length. The manifest and index
	// blocks are CBOR; their lengths let a reader frame them without
	// a streaming decoder.
	headerSize = 16

	// maxManifestSize bounds the manifest block. A manifest is a few
	// hundred bytes of names and MIME types; anything near this limit
	// is a corrupt or hostile file.
	maxManifestSize = 1 << 20

	// maxIndexSize bounds the file index block. At roughly 100 bytes
	// per entry this allows several hundred thousand members, far
	// beyond any plausible app bundle.
	maxIndexSize = 64 << 20
)

// magic is the 8-byte bundle file signature: "APPBOX" + version byte
// + reserved byte.
var magic = [8]byte{'A', 'P', 'P', 'B', 'O', 'X', formatVersion, 0}

// FileEntry describes a single member file within a bundle. Entries
// are stored in the bundle's CBOR index block, ordered by Offset.
type FileEntry struct {
	// Path is the member's slash-separated path relative to the
	// bundle root. Always a clean relative path: no leading slash,
	// no "." or ".." elements, no empty elements.
	Path string `cbor:"path"`

	// Mode carries the permission bits preserved from pack time.
	// Only the low 9 bits are meaningful; the mount surfaces them
	// read-only regardless.
	Mode uint32 `cbor:"mode"`

	// Size is the uncompressed byte length of the member.
	Size uint64 `cbor:"size"`

	// CompressedSize is the byte length of the payload as stored in
	// the bundle. Equal to Size when Compression is CompressionNone.
	CompressedSize uint64 `cbor:"compressed_size"`

	// Compression is the algorithm used for this member's payload.
	Compression CompressionTag `cbor:"compression"`

	// Offset is the payload's byte position relative to the start of
	// the payload region (immediately after the index block).
	Offset uint64 `cbor:"offset"`

	// Hash is the payload-domain BLAKE3 keyed hash of the
	// uncompressed member content, verified on every extraction.
	Hash Hash `cbor:"hash"`
}

// validateMemberPath checks that a member path is a clean relative
// path safe to surface through a mount: no absolute paths, no parent
// traversal, no empty or dot elements.
func validateMemberPath(member string) error {
	if member == "" {
		return fmt.Errorf("member path is empty")
	}
	if strings.HasPrefix(member, "/") {
		return fmt.Errorf("member path %q is absolute", member)
	}
	if cleaned := path.Clean(member); cleaned != member {
		return fmt.Errorf("member path %q is not clean (canonical form %q)", member, cleaned)
	}
	for _, element := range strings.Split(member, "/") {
		if element == "." || element == ".." {
			return fmt.Errorf("member path %q contains %q element", member, element)
		}
	}
	return nil
}

// validateIndex checks structural validity of a parsed file index:
// clean unique member paths, known compression tags, consistent
// sizes, and contiguous payload placement. The payloadSize is the
// number of bytes available in the payload region.
func validateIndex(index []FileEntry, payloadSize int64) error {
	seen := make(map[string]bool, len(index))
	var expectedOffset uint64

	for i, entry := range index {
		if err := validateMemberPath(entry.Path); err != nil {
			return fmt.Errorf("index entry %d: %w", i, err)
		}
		if seen[entry.Path] {
			return fmt.Errorf("index entry %d: duplicate member path %q", i, entry.Path)
		}
		seen[entry.Path] = true

		if entry.Compression > CompressionZstd {
			return fmt.Errorf("index entry %d (%s): unsupported compression tag %d",
				i, entry.Path, entry.Compression)
		}
		if entry.Compression == CompressionNone && entry.CompressedSize != entry.Size {
			return fmt.Errorf("index entry %d (%s): uncompressed member has stored size %d but size %d",
				i, entry.Path, entry.CompressedSize, entry.Size)
		}

		// Payloads are packed back to back in index order.
		if entry.Offset != expectedOffset {
			return fmt.Errorf("index entry %d (%s): payload offset %d, want %d",
				i, entry.Path, entry.Offset, expectedOffset)
		}
		expectedOffset += entry.CompressedSize
	}

	if int64(expectedOffset) != payloadSize {
		return fmt.Errorf("index describes %d payload bytes but bundle has %d",
			expectedOffset, payloadSize)
	}
	return nil
}
