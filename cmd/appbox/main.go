// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

// Command appbox is the operator tool for AppBox bundles: pack a
// directory into a bundle, inspect a bundle's identity and contents,
// or mount one by hand for debugging. Automatic mounting and desktop
// integration is appboxd's job; this tool never talks to the daemon,
// it works directly on bundle files.
package main

import (
	"fmt"
	"os"

	"github.com/appbox-foundation/appbox/cmd/appbox/cli"
	"github.com/appbox-foundation/appbox/lib/version"
)

func main() {
	if err := run(); err != nil {
		// Commands that print their own output (like inspect --check)
		// return an ExitError with the desired exit code. Don't print
		// a redundant "error:" line for those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := os.Args[1:]
	// Flag-style version for parity with appboxd; the version
	// subcommand prints the longer form.
	if len(args) > 0 && args[0] == "--version" {
		fmt.Printf("appbox %s\n", version.Info())
		return nil
	}
	return rootCommand().Execute(args)
}

func rootCommand() *cli.Command {
	return &cli.Command{
		Name: "appbox",
		Description: `AppBox: single-file application bundles for the Linux desktop.

A bundle carries an application's files, manifest, and icon in one
content-addressed file. The appboxd daemon mounts bundles dropped into
the watch directory and wires them into application menus; this tool
builds and examines the bundle files themselves.`,
		Subcommands: []*cli.Command{
			packCommand(),
			inspectCommand(),
			mountCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Printf("appbox %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Pack an application directory into a bundle",
				Command:     "appbox pack ./editor --name Editor --exec bin/editor --icon editor.png",
			},
			{
				Description: "Show a bundle's identity, manifest, and file table",
				Command:     "appbox inspect editor.appbox",
			},
			{
				Description: "Check a bundle from a script",
				Command:     "appbox inspect --check editor.appbox && cp editor.appbox ~/AppBoxes/",
			},
			{
				Description: "Mount a bundle for a look inside (Ctrl-C unmounts)",
				Command:     "appbox mount editor.appbox /tmp/editor",
			},
		},
	}
}
