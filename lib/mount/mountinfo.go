// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package mount

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// mountInfoPath is the kernel's per-process mount table.
const mountInfoPath = "/proc/self/mountinfo"

// mountInfoEntry is one parsed line of /proc/self/mountinfo, reduced
// to the fields recovery cares about.
type mountInfoEntry struct {
	// mountpoint is the mount point path, with octal escapes decoded.
	mountpoint string

	// fsType is the filesystem type ("fuse.appbox", "ext4", ...).
	fsType string

	// source is the mount source label.
	source string
}

// parseMountInfo parses mountinfo-format lines. Per proc(5), each
// line is:
//
//	36 35 98:0 /mnt1 /mnt2 rw,noatime master:1 - ext3 /dev/root rw
//	(0)(1) (2)  (3)   (4)     (5)      (6..)  (7) (8)   (9)   (10)
//
// The optional fields (6) vary in number and end at the "-"
// separator; the filesystem type and source follow it. Lines too
// short to carry a mount point are an error; unknown extra fields are
// ignored for forward compatibility.
func parseMountInfo(r io.Reader) ([]mountInfoEntry, error) {
	var entries []mountInfoEntry

	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		fields := strings.Fields(text)
		if len(fields) < 7 {
			return nil, fmt.Errorf("mountinfo line %d has %d fields, want at least 7", line, len(fields))
		}

		separator := -1
		for i := 6; i < len(fields); i++ {
			if fields[i] == "-" {
				separator = i
				break
			}
		}
		if separator < 0 || separator+2 >= len(fields) {
			return nil, fmt.Errorf("mountinfo line %d has no field separator", line)
		}

		entries = append(entries, mountInfoEntry{
			mountpoint: unescapeMountField(fields[4]),
			fsType:     fields[separator+1],
			source:     unescapeMountField(fields[separator+2]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading mountinfo: %w", err)
	}
	return entries, nil
}

// unescapeMountField decodes the octal escapes the kernel uses for
// whitespace and backslashes in mount table paths (`\040` for space,
// `\011` for tab, `\012` for newline, `\134` for backslash).
func unescapeMountField(field string) string {
	if !strings.Contains(field, `\`) {
		return field
	}

	var out strings.Builder
	out.Grow(len(field))
	for i := 0; i < len(field); i++ {
		if field[i] == '\\' && i+3 < len(field) {
			if value, err := strconv.ParseUint(field[i+1:i+4], 8, 8); err == nil {
				out.WriteByte(byte(value))
				i += 3
				continue
			}
		}
		out.WriteByte(field[i])
	}
	return out.String()
}
