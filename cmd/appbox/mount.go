// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/appbox-foundation/appbox/cmd/appbox/cli"
	"github.com/appbox-foundation/appbox/lib/bundle"
	bundlefuse "github.com/appbox-foundation/appbox/lib/bundle/fuse"
)

func mountCommand() *cli.Command {
	return &cli.Command{
		Name:    "mount",
		Summary: "Mount a bundle in the foreground until interrupted",
		Description: `Mount a bundle's filesystem at a directory and wait. The mount is
read-only, served straight from the bundle file, and the directory is
created if missing. Ctrl-C (or SIGTERM) unmounts and exits.

appboxd manages its own mounts under the runtime directory; this
command is for poking at a bundle's contents without involving the
daemon.`,
		Usage: "appbox mount <bundle> <directory>",
		Examples: []cli.Example{
			{
				Description: "Mount a bundle and browse it from another terminal",
				Command:     "appbox mount editor.appbox /tmp/editor",
			},
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("mount takes a bundle file and a mountpoint, got %d arguments", len(args))
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return mountBundle(ctx, args[0], args[1])
		},
	}
}

// mountBundle serves bundlePath at mountpoint until ctx is cancelled,
// then unmounts. An unmount failure (somebody still inside the
// mountpoint) is returned rather than retried; rerunning the command
// is the retry.
func mountBundle(ctx context.Context, bundlePath, mountpoint string) error {
	reader, err := bundle.Open(bundlePath)
	if err != nil {
		return err
	}
	defer reader.Close()

	identity, err := bundle.IdentifyFile(bundlePath)
	if err != nil {
		return err
	}

	server, err := bundlefuse.Mount(bundlefuse.Options{
		Reader:     reader,
		Mountpoint: mountpoint,
		Source:     bundle.ShortRef(identity),
	})
	if err != nil {
		return err
	}

	fmt.Printf("mounted %s (ref %s) at %s\n", bundlePath, bundle.ShortRef(identity), mountpoint)
	<-ctx.Done()

	if err := server.Unmount(); err != nil {
		return fmt.Errorf("unmounting %s: %w", mountpoint, err)
	}
	server.Wait()
	return nil
}
