// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/appbox-foundation/appbox/lib/codec"
)

// Reader provides access to a bundle's manifest, file index, and
// member payloads. Create one with [Open] (from a file) or
// [NewReader] (from any io.ReaderAt).
//
// Extraction uses ReadAt exclusively, so a single Reader is safe for
// concurrent use by multiple goroutines — the FUSE filesystem serves
// parallel reads through one shared Reader.
type Reader struct {
	// Manifest is the decoded application manifest.
	Manifest Manifest

	// Index is the decoded file index, in payload order.
	Index []FileEntry

	source io.ReaderAt
	closer io.Closer

	// dataOffset is the byte position where the payload region starts.
	dataOffset int64

	// byPath maps member paths to their Index position.
	byPath map[string]int
}

// Open opens the bundle file at path and parses its header, manifest,
// and file index. The returned Reader holds the file open for payload
// extraction; the caller must Close it. The file stays readable even
// if the bundle file is later renamed or unlinked, which is what keeps
// an active mount serving after its backing file disappears.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening bundle: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat bundle: %w", err)
	}

	reader, err := NewReader(file, info.Size())
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("reading bundle %s: %w", path, err)
	}
	reader.closer = file
	return reader, nil
}

// NewReader parses a bundle from src, which must contain exactly size
// bytes. The caller retains ownership of src; Close on the returned
// Reader is a no-op unless the Reader was created by [Open].
func NewReader(src io.ReaderAt, size int64) (*Reader, error) {
	if size < headerSize {
		return nil, fmt.Errorf("bundle is %d bytes, smaller than the %d-byte header", size, headerSize)
	}

	var header [headerSize]byte
	if _, err := src.ReadAt(header[:], 0); err != nil {
		return nil, fmt.Errorf("reading bundle header: %w", err)
	}

	if [8]byte(header[0:8]) != magic {
		if string(header[0:6]) == "APPBOX" {
			return nil, fmt.Errorf("bundle version %d is not supported (this code supports version %d)",
				header[6], formatVersion)
		}
		return nil, fmt.Errorf("not an AppBox bundle (invalid magic bytes)")
	}

	manifestLen := int64(binary.LittleEndian.Uint32(header[8:12]))
	indexLen := int64(binary.LittleEndian.Uint32(header[12:16]))

	if manifestLen == 0 || manifestLen > maxManifestSize {
		return nil, fmt.Errorf("manifest block length %d out of range (1..%d)", manifestLen, maxManifestSize)
	}
	if indexLen == 0 || indexLen > maxIndexSize {
		return nil, fmt.Errorf("index block length %d out of range (1..%d)", indexLen, maxIndexSize)
	}

	dataOffset := headerSize + manifestLen + indexLen
	if dataOffset > size {
		return nil, fmt.Errorf("bundle is truncated: metadata blocks claim %d bytes but file has %d",
			dataOffset, size)
	}

	manifestBlock := make([]byte, manifestLen)
	if _, err := src.ReadAt(manifestBlock, headerSize); err != nil {
		return nil, fmt.Errorf("reading manifest block: %w", err)
	}

	var manifest Manifest
	if err := codec.Unmarshal(manifestBlock, &manifest); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	indexBlock := make([]byte, indexLen)
	if _, err := src.ReadAt(indexBlock, headerSize+manifestLen); err != nil {
		return nil, fmt.Errorf("reading index block: %w", err)
	}

	var index []FileEntry
	if err := codec.Unmarshal(indexBlock, &index); err != nil {
		return nil, fmt.Errorf("decoding file index: %w", err)
	}
	if len(index) == 0 {
		return nil, fmt.Errorf("bundle has an empty file index")
	}
	if err := validateIndex(index, size-dataOffset); err != nil {
		return nil, fmt.Errorf("invalid file index: %w", err)
	}

	byPath := make(map[string]int, len(index))
	for i, entry := range index {
		byPath[entry.Path] = i
	}

	// The manifest must reference real members. Builder enforces this
	// at pack time; enforcing it here rejects hand-crafted bundles
	// whose launcher entry would point at nothing.
	if _, ok := byPath[manifest.Exec]; !ok {
		return nil, fmt.Errorf("manifest exec %q names no bundle member", manifest.Exec)
	}
	if manifest.Icon != "" {
		if _, ok := byPath[manifest.Icon]; !ok {
			return nil, fmt.Errorf("manifest icon %q names no bundle member", manifest.Icon)
		}
	}

	return &Reader{
		Manifest:   manifest,
		Index:      index,
		source:     src,
		dataOffset: dataOffset,
		byPath:     byPath,
	}, nil
}

// Entry returns the index entry for a member path.
func (r *Reader) Entry(member string) (FileEntry, bool) {
	i, ok := r.byPath[member]
	if !ok {
		return FileEntry{}, false
	}
	return r.Index[i], true
}

// ExtractFile reads, decompresses, and verifies a member's payload.
// Returns the uncompressed content. A payload hash mismatch means the
// bundle was corrupted after packing and is reported as an error.
func (r *Reader) ExtractFile(member string) ([]byte, error) {
	i, ok := r.byPath[member]
	if !ok {
		return nil, fmt.Errorf("bundle has no member %q", member)
	}
	entry := r.Index[i]

	compressed := make([]byte, entry.CompressedSize)
	if _, err := r.source.ReadAt(compressed, r.dataOffset+int64(entry.Offset)); err != nil {
		return nil, fmt.Errorf("reading payload for %s: %w", member, err)
	}

	content, err := DecompressPayload(compressed, entry.Compression, int(entry.Size))
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", member, err)
	}

	if actual := HashPayload(content); actual != entry.Hash {
		return nil, fmt.Errorf("payload hash mismatch for %s: expected %s, got %s",
			member, FormatHash(entry.Hash), FormatHash(actual))
	}

	return content, nil
}

// ExtractIcon extracts the manifest's icon member. Returns nil bytes
// (and no error) when the manifest declares no icon.
func (r *Reader) ExtractIcon() ([]byte, error) {
	if r.Manifest.Icon == "" {
		return nil, nil
	}
	return r.ExtractFile(r.Manifest.Icon)
}

// TotalSize returns the sum of uncompressed member sizes.
func (r *Reader) TotalSize() int64 {
	var total int64
	for _, entry := range r.Index {
		total += int64(entry.Size)
	}
	return total
}

// Close releases the underlying file when the Reader was created by
// [Open]. Safe to call on readers created by [NewReader].
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}
