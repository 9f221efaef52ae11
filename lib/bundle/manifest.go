// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"fmt"
	"strings"
	"unicode"
)

// maxNameLength bounds the manifest Name field. Desktop environments
// truncate far earlier; the bound exists to reject garbage.
const maxNameLength = 256

// Manifest is the application description stored in a bundle's CBOR
// manifest block. It carries everything the desktop integration needs
// to produce a launcher entry: display name, entry point, icon, and
// MIME associations.
type Manifest struct {
	// Name is the human-readable application name shown in menus.
	// Required.
	Name string `cbor:"name"`

	// Version is the application's own version string. Free-form;
	// shown in tooltips and CLI output, never parsed.
	Version string `cbor:"version,omitempty"`

	// AppID is an optional stable application identifier in reverse
	// domain form ("org.example.Editor"). When present it names the
	// desktop StartupWMClass so running windows group correctly.
	AppID string `cbor:"app_id,omitempty"`

	// Summary is a one-line description used as the launcher comment.
	Summary string `cbor:"summary,omitempty"`

	// Exec is the member path of the entry-point executable, relative
	// to the bundle root. Required; must name a member of the bundle.
	Exec string `cbor:"exec"`

	// Icon is the member path of the launcher icon (PNG or SVG).
	// Optional; when absent the launcher entry has no icon.
	Icon string `cbor:"icon,omitempty"`

	// MimeTypes lists MIME types the application handles, each in
	// "type/subtype" form.
	MimeTypes []string `cbor:"mime_types,omitempty"`

	// Categories lists freedesktop menu categories ("Utility",
	// "Development"). Copied verbatim into the launcher entry.
	Categories []string `cbor:"categories,omitempty"`
}

// Validate checks that the manifest is complete and well-formed.
// Returns an error describing the first problem found.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest has no name")
	}
	if len(m.Name) > maxNameLength {
		return fmt.Errorf("manifest name is %d bytes, limit %d", len(m.Name), maxNameLength)
	}
	for _, r := range m.Name {
		if unicode.IsControl(r) {
			return fmt.Errorf("manifest name contains control character %q", r)
		}
	}

	if m.Exec == "" {
		return fmt.Errorf("manifest has no exec entry point")
	}
	if err := validateMemberPath(m.Exec); err != nil {
		return fmt.Errorf("manifest exec: %w", err)
	}

	if m.Icon != "" {
		if err := validateMemberPath(m.Icon); err != nil {
			return fmt.Errorf("manifest icon: %w", err)
		}
	}

	if m.AppID != "" && strings.ContainsAny(m.AppID, " \t\n") {
		return fmt.Errorf("manifest app_id %q contains whitespace", m.AppID)
	}

	for _, mimeType := range m.MimeTypes {
		if !strings.Contains(mimeType, "/") || strings.ContainsAny(mimeType, " ;\n") {
			return fmt.Errorf("manifest MIME type %q is not type/subtype form", mimeType)
		}
	}

	for _, category := range m.Categories {
		if category == "" || strings.ContainsAny(category, ";\n") {
			return fmt.Errorf("manifest category %q is invalid", category)
		}
	}

	return nil
}
