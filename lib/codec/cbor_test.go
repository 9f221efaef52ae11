// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
)

// sampleManifest mirrors the shape of the bundle manifest: string
// fields, an optional field, and a list.
type sampleManifest struct {
	Name      string   `cbor:"name"`
	Version   string   `cbor:"version,omitempty"`
	Exec      string   `cbor:"exec"`
	MimeTypes []string `cbor:"mime_types,omitempty"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleManifest{
		Name:      "Image Viewer",
		Version:   "2.4.1",
		Exec:      "bin/viewer",
		MimeTypes: []string{"image/png", "image/jpeg"},
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("Marshal produced empty output")
	}

	var decoded sampleManifest
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded.Name != original.Name || decoded.Exec != original.Exec {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
	if len(decoded.MimeTypes) != len(original.MimeTypes) {
		t.Errorf("mime types: got %v, want %v", decoded.MimeTypes, original.MimeTypes)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	manifest := sampleManifest{
		Name:    "Editor",
		Version: "1.0.0",
		Exec:    "bin/editor",
	}

	first, err := Marshal(manifest)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	second, err := Marshal(manifest)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("deterministic encoding violated: %x != %x", first, second)
	}
}

func TestOmitemptyRespected(t *testing.T) {
	withVersion := sampleManifest{Name: "a", Version: "1.0", Exec: "run"}
	withoutVersion := sampleManifest{Name: "a", Exec: "run"}

	dataWith, err := Marshal(withVersion)
	if err != nil {
		t.Fatal(err)
	}
	dataWithout, err := Marshal(withoutVersion)
	if err != nil {
		t.Fatal(err)
	}

	if len(dataWithout) >= len(dataWith) {
		t.Errorf("omitempty not effective: without=%d bytes, with=%d bytes",
			len(dataWithout), len(dataWith))
	}
}

func TestUnmarshalInvalidCBOR(t *testing.T) {
	var manifest sampleManifest
	err := Unmarshal([]byte{0xFF, 0xFE, 0xFD}, &manifest)
	if err == nil {
		t.Error("Unmarshal should reject invalid CBOR")
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	// A manifest packed by a newer tool may carry fields this version
	// does not know. Decoding must not fail on them.
	data, err := Marshal(map[string]any{
		"name":         "Future App",
		"exec":         "bin/app",
		"brand_new":    "field",
		"another_one":  42,
		"nested_thing": map[string]any{"x": 1},
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleManifest
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal with unknown fields: %v", err)
	}
	if decoded.Name != "Future App" || decoded.Exec != "bin/app" {
		t.Errorf("known fields lost: %+v", decoded)
	}
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal(map[string]any{"name": "viewer"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	notation, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}

	if !strings.Contains(notation, `"name"`) {
		t.Errorf("notation %q does not contain \"name\"", notation)
	}
	if !strings.Contains(notation, `"viewer"`) {
		t.Errorf("notation %q does not contain \"viewer\"", notation)
	}
}

func BenchmarkMarshal(b *testing.B) {
	manifest := sampleManifest{
		Name:      "Image Viewer",
		Version:   "2.4.1",
		Exec:      "bin/viewer",
		MimeTypes: []string{"image/png", "image/jpeg"},
	}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		Marshal(manifest)
	}
}
