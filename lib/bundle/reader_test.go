// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/appbox-foundation/appbox/lib/codec"
)

// craftBundle assembles raw bundle bytes without going through the
// Builder, so tests can produce structures the Builder refuses to
// write.
func craftBundle(t *testing.T, manifest Manifest, index []FileEntry, payloads ...[]byte) []byte {
	t.Helper()

	manifestBlock, err := codec.Marshal(manifest)
	if err != nil {
		t.Fatalf("encoding manifest: %v", err)
	}
	indexBlock, err := codec.Marshal(index)
	if err != nil {
		t.Fatalf("encoding index: %v", err)
	}

	var buffer bytes.Buffer
	buffer.Write(magic[:])
	var lengths [8]byte
	binary.LittleEndian.PutUint32(lengths[0:4], uint32(len(manifestBlock)))
	binary.LittleEndian.PutUint32(lengths[4:8], uint32(len(indexBlock)))
	buffer.Write(lengths[:])
	buffer.Write(manifestBlock)
	buffer.Write(indexBlock)
	for _, payload := range payloads {
		buffer.Write(payload)
	}
	return buffer.Bytes()
}

// storedEntry returns an index entry for an uncompressed payload.
func storedEntry(member string, offset uint64, content []byte) FileEntry {
	return FileEntry{
		Path:           member,
		Mode:           0o644,
		Size:           uint64(len(content)),
		CompressedSize: uint64(len(content)),
		Compression:    CompressionNone,
		Offset:         offset,
		Hash:           HashPayload(content),
	}
}

func TestNewReaderRejectsTruncatedHeader(t *testing.T) {
	data := []byte("APPBOX")
	if _, err := NewReader(bytes.NewReader(data), int64(len(data))); err == nil {
		t.Error("NewReader should reject a file shorter than the header")
	}
}

func TestNewReaderRejectsBadMagic(t *testing.T) {
	data := make([]byte, 64)
	copy(data, "NOTABOX!")
	_, err := NewReader(bytes.NewReader(data), int64(len(data)))
	if err == nil {
		t.Fatal("NewReader should reject bad magic bytes")
	}
	if !strings.Contains(err.Error(), "not an AppBox bundle") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewReaderRejectsUnsupportedVersion(t *testing.T) {
	path, _ := buildTestBundle(t, t.TempDir(), testManifest(), testMembers())
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[6] = 2 // version byte

	_, err = NewReader(bytes.NewReader(data), int64(len(data)))
	if err == nil {
		t.Fatal("NewReader should reject an unsupported format version")
	}
	if !strings.Contains(err.Error(), "version 2 is not supported") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewReaderRejectsBlockLengthOutOfRange(t *testing.T) {
	path, _ := buildTestBundle(t, t.TempDir(), testManifest(), testMembers())
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	for _, test := range []struct {
		name   string
		offset int
		value  uint32
	}{
		{"zero manifest length", 8, 0},
		{"oversized manifest length", 8, maxManifestSize + 1},
		{"zero index length", 12, 0},
		{"oversized index length", 12, maxIndexSize + 1},
	} {
		corrupted := bytes.Clone(data)
		binary.LittleEndian.PutUint32(corrupted[test.offset:], test.value)
		if _, err := NewReader(bytes.NewReader(corrupted), int64(len(corrupted))); err == nil {
			t.Errorf("%s: NewReader should have failed", test.name)
		}
	}
}

func TestNewReaderRejectsTruncatedBundle(t *testing.T) {
	path, _ := buildTestBundle(t, t.TempDir(), testManifest(), testMembers())
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	// Cut into the payload region: the index then describes more
	// payload bytes than the file has.
	truncated := data[:len(data)-5]
	_, err = NewReader(bytes.NewReader(truncated), int64(len(truncated)))
	if err == nil {
		t.Fatal("NewReader should reject a truncated bundle")
	}

	// Cut into the metadata blocks: the header then claims more than
	// the file holds.
	truncated = data[:headerSize+4]
	if _, err := NewReader(bytes.NewReader(truncated), int64(len(truncated))); err == nil {
		t.Error("NewReader should reject a bundle truncated mid-metadata")
	}
}

func TestNewReaderRejectsGarbageManifest(t *testing.T) {
	var buffer bytes.Buffer
	buffer.Write(magic[:])
	var lengths [8]byte
	binary.LittleEndian.PutUint32(lengths[0:4], 4)
	binary.LittleEndian.PutUint32(lengths[4:8], 4)
	buffer.Write(lengths[:])
	buffer.Write([]byte{0xff, 0xff, 0xff, 0xff}) // not valid CBOR
	buffer.Write([]byte{0xff, 0xff, 0xff, 0xff})

	data := buffer.Bytes()
	_, err := NewReader(bytes.NewReader(data), int64(len(data)))
	if err == nil {
		t.Fatal("NewReader should reject a garbage manifest block")
	}
	if !strings.Contains(err.Error(), "manifest") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewReaderRejectsExecWithoutMember(t *testing.T) {
	manifest := testManifest() // exec is bin/editor
	content := []byte("payload")
	data := craftBundle(t, manifest, []FileEntry{storedEntry("bin/other", 0, content)}, content)

	_, err := NewReader(bytes.NewReader(data), int64(len(data)))
	if err == nil {
		t.Fatal("NewReader should reject a manifest exec that names no member")
	}
	if !strings.Contains(err.Error(), "names no bundle member") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewReaderRejectsIconWithoutMember(t *testing.T) {
	manifest := testManifest()
	manifest.Icon = "share/ghost.png"
	content := []byte("payload")
	data := craftBundle(t, manifest, []FileEntry{storedEntry(manifest.Exec, 0, content)}, content)

	if _, err := NewReader(bytes.NewReader(data), int64(len(data))); err == nil {
		t.Error("NewReader should reject a manifest icon that names no member")
	}
}

func TestNewReaderRejectsMalformedIndex(t *testing.T) {
	content := []byte("payload")
	manifest := testManifest()

	for _, test := range []struct {
		name  string
		index []FileEntry
	}{
		{
			"duplicate member",
			[]FileEntry{
				storedEntry(manifest.Exec, 0, content),
				storedEntry(manifest.Exec, uint64(len(content)), content),
			},
		},
		{
			"payload gap",
			[]FileEntry{
				storedEntry(manifest.Exec, 3, content),
			},
		},
		{
			"unknown compression tag",
			[]FileEntry{
				{Path: manifest.Exec, Size: 7, CompressedSize: 7, Compression: 9},
			},
		},
		{
			"stored size mismatch",
			[]FileEntry{
				{Path: manifest.Exec, Size: 3, CompressedSize: 7, Compression: CompressionNone},
			},
		},
		{
			"absolute member path",
			[]FileEntry{
				storedEntry("/etc/passwd", 0, content),
			},
		},
	} {
		// Two duplicate entries carry two payloads; the others one.
		payloads := bytes.Clone(content)
		if test.name == "duplicate member" {
			payloads = append(payloads, content...)
		}

		data := craftBundle(t, manifest, test.index, payloads)
		if _, err := NewReader(bytes.NewReader(data), int64(len(data))); err == nil {
			t.Errorf("%s: NewReader should have failed", test.name)
		}
	}
}

func TestExtractFileDetectsCorruption(t *testing.T) {
	// The icon member is stored uncompressed, so a flipped payload
	// byte reaches the hash check instead of failing decompression.
	manifest := testManifest()
	manifest.Icon = "share/icon.png"
	path, _ := buildTestBundle(t, t.TempDir(), manifest, testMembers())

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	reader, err := NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := reader.Entry("share/icon.png")
	if !ok {
		t.Fatal("icon member missing from index")
	}
	if entry.Compression != CompressionNone {
		t.Fatalf("icon member is %s-compressed, test needs a stored payload", entry.Compression)
	}

	data[reader.dataOffset+int64(entry.Offset)] ^= 0xff
	corrupt, err := NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("NewReader rejected the corrupted bundle structurally: %v", err)
	}

	_, err = corrupt.ExtractFile("share/icon.png")
	if err == nil {
		t.Fatal("ExtractFile should detect the corrupted payload")
	}
	if !strings.Contains(err.Error(), "hash mismatch") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestExtractFileUnknownMember(t *testing.T) {
	path, _ := buildTestBundle(t, t.TempDir(), testManifest(), testMembers())
	reader, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	if _, err := reader.ExtractFile("no/such/member"); err == nil {
		t.Error("ExtractFile should fail for an unknown member")
	}
}

func TestExtractIcon(t *testing.T) {
	manifest := testManifest()
	manifest.Icon = "share/icon.png"
	members := testMembers()
	path, _ := buildTestBundle(t, t.TempDir(), manifest, members)

	reader, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	icon, err := reader.ExtractIcon()
	if err != nil {
		t.Fatalf("ExtractIcon failed: %v", err)
	}
	if !bytes.Equal(icon, members["share/icon.png"]) {
		t.Error("extracted icon does not match original")
	}
}

func TestExtractIconWithoutIcon(t *testing.T) {
	path, _ := buildTestBundle(t, t.TempDir(), testManifest(), testMembers())
	reader, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	icon, err := reader.ExtractIcon()
	if err != nil {
		t.Fatalf("ExtractIcon failed: %v", err)
	}
	if icon != nil {
		t.Errorf("ExtractIcon returned %d bytes for a bundle with no icon", len(icon))
	}
}

func TestOpenSurvivesUnlink(t *testing.T) {
	// An active mount must keep serving after its backing file is
	// deleted; the Reader holds the file open so extraction still
	// works.
	members := testMembers()
	path, _ := buildTestBundle(t, t.TempDir(), testManifest(), members)

	reader, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	content, err := reader.ExtractFile("bin/editor")
	if err != nil {
		t.Fatalf("ExtractFile after unlink failed: %v", err)
	}
	if !bytes.Equal(content, members["bin/editor"]) {
		t.Error("content extracted after unlink does not match original")
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "absent.appbox"))
	if err == nil {
		t.Error("Open should fail for a missing file")
	}
}

func TestReaderTotalSize(t *testing.T) {
	members := testMembers()
	path, _ := buildTestBundle(t, t.TempDir(), testManifest(), members)

	reader, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	var want int64
	for _, content := range members {
		want += int64(len(content))
	}
	if got := reader.TotalSize(); got != want {
		t.Errorf("TotalSize = %d, want %d", got, want)
	}
}
