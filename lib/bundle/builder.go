// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"

	"github.com/appbox-foundation/appbox/lib/codec"
)

// Builder accumulates member files and writes them as a bundle. The
// bundle format has the manifest and index before the payloads, so
// the builder buffers all payload data in memory until [Flush] is
// called.
//
// Typical usage:
//
//	builder := NewBuilder(manifest)
//	builder.AddFile("bin/editor", 0o755, content)
//	// ... add more members ...
//	identity, err := builder.Flush(writer)
type Builder struct {
	manifest Manifest
	index    []FileEntry
	payloads [][]byte
	members  map[string]bool
}

// NewBuilder creates a builder for a new bundle with the given
// manifest. The manifest is validated at [Flush] time, after all
// members are known.
func NewBuilder(manifest Manifest) *Builder {
	return &Builder{
		manifest: manifest,
		members:  make(map[string]bool),
	}
}

// AddFile appends a member file to the bundle being built. The member
// path must be a clean relative path unique within the bundle. The
// content is compressed with whatever algorithm probes best for it;
// the payload hash is computed over the uncompressed content.
func (b *Builder) AddFile(member string, mode fs.FileMode, content []byte) error {
	if err := validateMemberPath(member); err != nil {
		return err
	}
	if b.members[member] {
		return fmt.Errorf("duplicate member path %q", member)
	}

	compressed, tag, err := CompressPayloadAuto(content, member)
	if err != nil {
		return fmt.Errorf("compressing member %s: %w", member, err)
	}

	var offset uint64
	if n := len(b.index); n > 0 {
		previous := b.index[n-1]
		offset = previous.Offset + previous.CompressedSize
	}

	b.index = append(b.index, FileEntry{
		Path:           member,
		Mode:           uint32(mode.Perm()),
		Size:           uint64(len(content)),
		CompressedSize: uint64(len(compressed)),
		Compression:    tag,
		Offset:         offset,
		Hash:           HashPayload(content),
	})
	b.payloads = append(b.payloads, compressed)
	b.members[member] = true
	return nil
}

// MemberCount returns the number of members added so far.
func (b *Builder) MemberCount() int {
	return len(b.index)
}

// PayloadSize returns the total compressed payload size accumulated
// so far.
func (b *Builder) PayloadSize() int64 {
	var total int64
	for _, payload := range b.payloads {
		total += int64(len(payload))
	}
	return total
}

// Flush validates the manifest against the accumulated members and
// writes the complete bundle to w. Returns the bundle's identity: the
// bundle-domain hash of every byte written. The builder is reset
// after flushing.
//
// Returns an error if no members were added, if the manifest fails
// validation, or if the manifest's exec or icon path names no member.
func (b *Builder) Flush(w io.Writer) (Identity, error) {
	if len(b.index) == 0 {
		return Identity{}, fmt.Errorf("cannot flush empty bundle")
	}
	if err := b.manifest.Validate(); err != nil {
		return Identity{}, fmt.Errorf("invalid manifest: %w", err)
	}
	if !b.members[b.manifest.Exec] {
		return Identity{}, fmt.Errorf("manifest exec %q names no bundle member", b.manifest.Exec)
	}
	if b.manifest.Icon != "" && !b.members[b.manifest.Icon] {
		return Identity{}, fmt.Errorf("manifest icon %q names no bundle member", b.manifest.Icon)
	}

	manifestBlock, err := codec.Marshal(b.manifest)
	if err != nil {
		return Identity{}, fmt.Errorf("encoding manifest: %w", err)
	}
	if len(manifestBlock) > maxManifestSize {
		return Identity{}, fmt.Errorf("manifest block is %d bytes, limit %d", len(manifestBlock), maxManifestSize)
	}

	indexBlock, err := codec.Marshal(b.index)
	if err != nil {
		return Identity{}, fmt.Errorf("encoding file index: %w", err)
	}
	if len(indexBlock) > maxIndexSize {
		return Identity{}, fmt.Errorf("index block is %d bytes, limit %d", len(indexBlock), maxIndexSize)
	}

	// Everything written also streams through the identity hasher, so
	// the returned identity matches what IdentifyFile computes on the
	// finished file.
	hasher := newIdentityHasher()
	out := io.MultiWriter(w, hasher)

	if _, err := out.Write(magic[:]); err != nil {
		return Identity{}, fmt.Errorf("writing bundle magic: %w", err)
	}

	var lengthBytes [4]byte
	binary.LittleEndian.PutUint32(lengthBytes[:], uint32(len(manifestBlock)))
	if _, err := out.Write(lengthBytes[:]); err != nil {
		return Identity{}, fmt.Errorf("writing manifest length: %w", err)
	}
	binary.LittleEndian.PutUint32(lengthBytes[:], uint32(len(indexBlock)))
	if _, err := out.Write(lengthBytes[:]); err != nil {
		return Identity{}, fmt.Errorf("writing index length: %w", err)
	}

	if _, err := out.Write(manifestBlock); err != nil {
		return Identity{}, fmt.Errorf("writing manifest block: %w", err)
	}
	if _, err := out.Write(indexBlock); err != nil {
		return Identity{}, fmt.Errorf("writing index block: %w", err)
	}

	for i, payload := range b.payloads {
		if _, err := out.Write(payload); err != nil {
			return Identity{}, fmt.Errorf("writing member %d payload: %w", i, err)
		}
	}

	var identity Identity
	copy(identity[:], hasher.Sum(nil))

	// Reset the builder for reuse.
	b.index = b.index[:0]
	b.payloads = b.payloads[:0]
	b.members = make(map[string]bool)

	return identity, nil
}
