// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/appbox-foundation/appbox/cmd/appbox/cli"
	"github.com/appbox-foundation/appbox/lib/bundle"
	"github.com/spf13/pflag"
)

func packCommand() *cli.Command {
	var (
		name       string
		appVersion string
		appID      string
		summary    string
		execMember string
		iconMember string
		mimeTypes  []string
		categories []string
		output     string
	)

	return &cli.Command{
		Name:    "pack",
		Summary: "Build a bundle from a directory",
		Description: `Pack every file under a directory into a single AppBox bundle.

Member paths are recorded relative to the directory root and keep
their permission bits; each payload is compressed with whichever
algorithm probes best for its content. Members are added in lexical
path order, so packing the same tree with the same manifest always
produces the same bundle identity.

--exec and --icon name member paths relative to the directory root.
Pack fails if either names a file that was not packed. Symbolic links
to files are followed and stored as regular files under the link's
path; symbolic links to directories are rejected.`,
		Usage: "appbox pack <directory> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("pack", pflag.ContinueOnError)
			flagSet.StringVar(&name, "name", "", "application display name (required)")
			flagSet.StringVar(&appVersion, "version", "", "application version string")
			flagSet.StringVar(&appID, "id", "", "reverse-domain application ID (org.example.Editor)")
			flagSet.StringVar(&summary, "summary", "", "one-line description for the launcher entry")
			flagSet.StringVar(&execMember, "exec", "", "entry-point executable, relative to the directory (required)")
			flagSet.StringVar(&iconMember, "icon", "", "launcher icon member, PNG or SVG")
			flagSet.StringSliceVar(&mimeTypes, "mime", nil, "MIME type the application handles (repeatable)")
			flagSet.StringSliceVar(&categories, "category", nil, "freedesktop menu category (repeatable)")
			flagSet.StringVar(&output, "output", "", "output bundle path (default <directory name>.appbox)")
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Pack an editor with an icon and MIME associations",
				Command:     "appbox pack ./editor --name Editor --exec bin/editor --icon editor.png --mime text/plain",
			},
			{
				Description: "Pack to an explicit output path",
				Command:     "appbox pack ./editor --name Editor --exec bin/editor --output /tmp/editor.appbox",
			},
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("pack takes exactly one directory argument, got %d", len(args))
			}
			manifest := bundle.Manifest{
				Name:       name,
				Version:    appVersion,
				AppID:      appID,
				Summary:    summary,
				Exec:       filepath.ToSlash(execMember),
				Icon:       filepath.ToSlash(iconMember),
				MimeTypes:  mimeTypes,
				Categories: categories,
			}
			out := output
			if out == "" {
				out = defaultOutput(args[0])
			}
			return packDirectory(os.Stdout, args[0], out, manifest)
		},
	}
}

// defaultOutput names the bundle after the packed directory, in the
// current directory: "appbox pack ./editor" writes editor.appbox.
func defaultOutput(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return filepath.Clean(dir) + ".appbox"
	}
	return filepath.Base(abs) + ".appbox"
}

// packDirectory walks dir, adds every file to a bundle carrying
// manifest, and writes the finished bundle to output. On success a
// one-line summary goes to w.
func packDirectory(w io.Writer, dir, output string, manifest bundle.Manifest) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	builder := bundle.NewBuilder(manifest)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			// Directories are implied by member paths.
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		member := filepath.ToSlash(rel)

		mode := d.Type()
		if mode&fs.ModeSymlink != 0 {
			target, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("resolving symlink %s: %w", member, err)
			}
			if target.IsDir() {
				return fmt.Errorf("symlinked directory %s is not supported", member)
			}
			mode = target.Mode()
		} else if !mode.IsRegular() {
			return fmt.Errorf("%s is not a regular file", member)
		} else {
			fileInfo, err := d.Info()
			if err != nil {
				return err
			}
			mode = fileInfo.Mode()
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", member, err)
		}
		return builder.AddFile(member, mode, content)
	})
	if err != nil {
		return err
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("creating %s: %w", output, err)
	}

	memberCount := builder.MemberCount()
	identity, err := builder.Flush(file)
	if err != nil {
		file.Close()
		os.Remove(output)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(output)
		return fmt.Errorf("writing %s: %w", output, err)
	}

	written, err := os.Stat(output)
	if err != nil {
		return fmt.Errorf("stat %s: %w", output, err)
	}

	fmt.Fprintf(w, "wrote %s: %d files, %s, identity %s\n",
		output, memberCount, formatSize(written.Size()), bundle.ShortRef(identity))
	return nil
}
