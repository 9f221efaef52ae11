// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package desktop

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/appbox-foundation/appbox/lib/bundle"
)

// Launcher entry keys private to the daemon. The Integrated marker is
// the ownership test: the daemon never modifies or removes a desktop
// entry that does not carry it.
const (
	keyIdentity   = "X-AppBox-Identity"
	keyBundle     = "X-AppBox-Bundle"
	keyIntegrated = "X-AppBox-Integrated"
)

// artifactStem returns the file name stem shared by a bundle's
// desktop artifacts: "appbox-" plus the first 12 hex characters of
// the identity. Stable across bundle file renames.
func artifactStem(identity bundle.Identity) string {
	return "appbox-" + bundle.FormatHash(identity)[:12]
}

// renderEntry produces the launcher entry content for a mounted
// bundle. iconPath is empty when the bundle ships no icon.
func renderEntry(identity bundle.Identity, manifest bundle.Manifest, bundlePath, mountpoint, iconPath string, wrapper []string) string {
	target := path.Join(mountpoint, manifest.Exec)

	execParts := make([]string, 0, len(wrapper)+2)
	for _, argument := range wrapper {
		execParts = append(execParts, quoteExecArg(argument))
	}
	execParts = append(execParts, quoteExecArg(target), "%F")

	var entry strings.Builder
	entry.WriteString("[Desktop Entry]\n")
	entry.WriteString("Type=Application\n")
	fmt.Fprintf(&entry, "Name=%s\n", escapeEntryValue(manifest.Name))
	if manifest.Summary != "" {
		fmt.Fprintf(&entry, "Comment=%s\n", escapeEntryValue(manifest.Summary))
	}
	fmt.Fprintf(&entry, "TryExec=%s\n", target)
	fmt.Fprintf(&entry, "Exec=%s\n", strings.Join(execParts, " "))
	if iconPath != "" {
		fmt.Fprintf(&entry, "Icon=%s\n", iconPath)
	}
	if len(manifest.MimeTypes) > 0 {
		fmt.Fprintf(&entry, "MimeType=%s;\n", strings.Join(manifest.MimeTypes, ";"))
	}
	if len(manifest.Categories) > 0 {
		fmt.Fprintf(&entry, "Categories=%s;\n", strings.Join(manifest.Categories, ";"))
	}
	if manifest.AppID != "" {
		fmt.Fprintf(&entry, "StartupWMClass=%s\n", manifest.AppID)
	}
	fmt.Fprintf(&entry, "%s=%s\n", keyIdentity, bundle.FormatHash(identity))
	fmt.Fprintf(&entry, "%s=%s\n", keyBundle, escapeEntryValue(bundlePath))
	fmt.Fprintf(&entry, "%s=true\n", keyIntegrated)
	return entry.String()
}

// execReserved are the characters the desktop entry specification
// reserves in Exec arguments; an argument containing any of them must
// be double-quoted.
const execReserved = " \t\n\"'\\><~|&;$*?#()`"

// quoteExecArg prepares one Exec argument: literal percent signs are
// doubled so they are not read as field codes, and arguments
// containing reserved characters are double-quoted with the in-quote
// specials (double quote, backtick, dollar, backslash)
// backslash-escaped.
func quoteExecArg(argument string) string {
	escaped := strings.ReplaceAll(argument, "%", "%%")
	if escaped != "" && !strings.ContainsAny(escaped, execReserved) {
		return escaped
	}

	var out strings.Builder
	out.WriteByte('"')
	for _, r := range escaped {
		switch r {
		case '"', '`', '$', '\\':
			out.WriteByte('\\')
		}
		out.WriteRune(r)
	}
	out.WriteByte('"')
	return out.String()
}

// escapeEntryValue encodes the whitespace escape sequences desktop
// entry string values require. Literal newlines are not permitted in
// a value; they become the two-character sequence backslash-n.
func escapeEntryValue(value string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`,
		"\n", `\n`,
		"\t", `\t`,
		"\r", `\r`,
	)
	return replacer.Replace(value)
}

// entryInfo is what Sweep recovers from an installed launcher entry.
type entryInfo struct {
	identity   bundle.Identity
	integrated bool
	iconPath   string
}

// parseEntryFile extracts the daemon's ownership keys from a launcher
// entry. Only the main [Desktop Entry] group is read; the line-based
// scan tolerates keys the daemon does not know.
func parseEntryFile(entryPath string) (entryInfo, error) {
	file, err := os.Open(entryPath)
	if err != nil {
		return entryInfo{}, err
	}
	defer file.Close()

	var info entryInfo
	inMainGroup := false

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "[Desktop Entry]":
			inMainGroup = true
			continue
		case strings.HasPrefix(line, "["):
			inMainGroup = false
			continue
		}
		if !inMainGroup {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		switch key {
		case keyIntegrated:
			info.integrated = value == "true"
		case keyIdentity:
			identity, err := bundle.ParseHash(value)
			if err != nil {
				return entryInfo{}, fmt.Errorf("entry %s has a malformed identity: %w", entryPath, err)
			}
			info.identity = identity
		case "Icon":
			info.iconPath = value
		}
	}
	if err := scanner.Err(); err != nil {
		return entryInfo{}, fmt.Errorf("reading entry %s: %w", entryPath, err)
	}
	return info, nil
}
