// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// testManifest returns a minimal valid manifest for fixture bundles.
func testManifest() Manifest {
	return Manifest{
		Name:    "Test Editor",
		Version: "1.0",
		Exec:    "bin/editor",
	}
}

// testMembers are the fixture members used by roundtrip tests. The
// shell script compresses; the icon bytes are small enough to store
// raw.
func testMembers() map[string][]byte {
	return map[string][]byte{
		"bin/editor":     bytes.Repeat([]byte("#!/bin/sh\necho edit\n"), 64),
		"share/icon.png": {0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 1, 2, 3, 4},
		"share/README":   []byte("a test application\n"),
	}
}

// buildTestBundle writes a fixture bundle to a new file under dir and
// returns its path and identity.
func buildTestBundle(t *testing.T, dir string, manifest Manifest, members map[string][]byte) (string, Identity) {
	t.Helper()

	builder := NewBuilder(manifest)
	for _, member := range sortedKeys(members) {
		mode := os.FileMode(0o644)
		if member == manifest.Exec {
			mode = 0o755
		}
		if err := builder.AddFile(member, mode, members[member]); err != nil {
			t.Fatalf("AddFile(%s) failed: %v", member, err)
		}
	}

	path := filepath.Join(dir, manifest.Name+".appbox")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating bundle file: %v", err)
	}
	identity, err := builder.Flush(file)
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("closing bundle file: %v", err)
	}
	return path, identity
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

func TestBuilderRoundtrip(t *testing.T) {
	manifest := testManifest()
	manifest.Icon = "share/icon.png"
	manifest.Summary = "edits things"
	manifest.MimeTypes = []string{"text/plain"}
	members := testMembers()

	path, identity := buildTestBundle(t, t.TempDir(), manifest, members)

	var zero Identity
	if identity == zero {
		t.Error("Flush returned a zero identity")
	}

	reader, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reader.Close()

	if reader.Manifest.Name != manifest.Name {
		t.Errorf("manifest name = %q, want %q", reader.Manifest.Name, manifest.Name)
	}
	if reader.Manifest.Exec != manifest.Exec {
		t.Errorf("manifest exec = %q, want %q", reader.Manifest.Exec, manifest.Exec)
	}
	if len(reader.Index) != len(members) {
		t.Fatalf("index has %d entries, want %d", len(reader.Index), len(members))
	}

	for member, content := range members {
		extracted, err := reader.ExtractFile(member)
		if err != nil {
			t.Fatalf("ExtractFile(%s) failed: %v", member, err)
		}
		if !bytes.Equal(extracted, content) {
			t.Errorf("member %s: extracted content does not match original", member)
		}
	}

	// The identity returned by Flush must match a streaming hash of
	// the finished file.
	fromFile, err := IdentifyFile(path)
	if err != nil {
		t.Fatalf("IdentifyFile failed: %v", err)
	}
	if fromFile != identity {
		t.Errorf("identity mismatch: Flush returned %s, IdentifyFile computed %s",
			FormatHash(identity), FormatHash(fromFile))
	}
}

func TestBuilderExecKeepsMode(t *testing.T) {
	path, _ := buildTestBundle(t, t.TempDir(), testManifest(), testMembers())

	reader, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	entry, ok := reader.Entry("bin/editor")
	if !ok {
		t.Fatal("bin/editor not in index")
	}
	if entry.Mode != 0o755 {
		t.Errorf("exec member mode = %o, want 755", entry.Mode)
	}
}

func TestBuilderDeterministicIdentity(t *testing.T) {
	// Packing the same content twice must produce the same identity;
	// any change to manifest or members must change it.
	build := func(name string, members map[string][]byte) Identity {
		manifest := testManifest()
		manifest.Name = name
		_, identity := buildTestBundle(t, t.TempDir(), manifest, members)
		return identity
	}

	first := build("same", testMembers())
	second := build("same", testMembers())
	if first != second {
		t.Error("repacking identical content produced a different identity")
	}

	if build("same", testMembers()) == build("other", testMembers()) {
		t.Error("bundles with different manifests share an identity")
	}

	changed := testMembers()
	changed["share/README"] = []byte("different content\n")
	if build("same", testMembers()) == build("same", changed) {
		t.Error("bundles with different members share an identity")
	}
}

func TestBuilderRejectsDuplicateMember(t *testing.T) {
	builder := NewBuilder(testManifest())
	if err := builder.AddFile("bin/editor", 0o755, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := builder.AddFile("bin/editor", 0o755, []byte("y")); err == nil {
		t.Error("AddFile should reject a duplicate member path")
	}
}

func TestBuilderRejectsUncleanPaths(t *testing.T) {
	for _, member := range []string{"", "/abs/path", "../escape", "a/../b", "a//b", "./a"} {
		builder := NewBuilder(testManifest())
		if err := builder.AddFile(member, 0o644, []byte("x")); err == nil {
			t.Errorf("AddFile(%q) should fail", member)
		}
	}
}

func TestBuilderFlushEmpty(t *testing.T) {
	builder := NewBuilder(testManifest())
	var buffer bytes.Buffer
	if _, err := builder.Flush(&buffer); err == nil {
		t.Error("Flush on an empty builder should fail")
	}
}

func TestBuilderFlushValidatesManifest(t *testing.T) {
	builder := NewBuilder(Manifest{Name: "No Exec"})
	builder.AddFile("bin/tool", 0o755, []byte("x"))
	var buffer bytes.Buffer
	if _, err := builder.Flush(&buffer); err == nil {
		t.Error("Flush should fail when the manifest has no exec")
	}
}

func TestBuilderFlushRequiresExecMember(t *testing.T) {
	builder := NewBuilder(testManifest()) // exec is bin/editor
	builder.AddFile("bin/other", 0o755, []byte("x"))
	var buffer bytes.Buffer
	if _, err := builder.Flush(&buffer); err == nil {
		t.Error("Flush should fail when exec names no member")
	}
}

func TestBuilderFlushRequiresIconMember(t *testing.T) {
	manifest := testManifest()
	manifest.Icon = "share/missing.png"
	builder := NewBuilder(manifest)
	builder.AddFile("bin/editor", 0o755, []byte("x"))
	var buffer bytes.Buffer
	if _, err := builder.Flush(&buffer); err == nil {
		t.Error("Flush should fail when icon names no member")
	}
}

func TestBuilderFlushResets(t *testing.T) {
	builder := NewBuilder(testManifest())
	builder.AddFile("bin/editor", 0o755, []byte("payload"))

	var buffer bytes.Buffer
	if _, err := builder.Flush(&buffer); err != nil {
		t.Fatal(err)
	}

	if builder.MemberCount() != 0 {
		t.Errorf("after Flush, MemberCount = %d, want 0", builder.MemberCount())
	}
	if builder.PayloadSize() != 0 {
		t.Errorf("after Flush, PayloadSize = %d, want 0", builder.PayloadSize())
	}
}
