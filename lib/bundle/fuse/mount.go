// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/appbox-foundation/appbox/lib/bundle"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// fsSubtype is the filesystem subtype registered with the kernel.
// Mounts appear in the mount table with fstype "fuse.appbox", which
// is how crash recovery identifies orphaned mounts.
const fsSubtype = "appbox"

// Options configures the FUSE mount.
type Options struct {
	// Reader provides the bundle's manifest, file index, and payload
	// extraction. The Reader must stay open for the lifetime of the
	// mount; the filesystem does not close it.
	Reader *bundle.Reader

	// Mountpoint is the directory where the filesystem is mounted.
	// Created if it does not exist.
	Mountpoint string

	// Source is the mount source label shown in the mount table,
	// conventionally the bundle's short reference. Defaults to
	// "appbox" when empty.
	Source string

	// Logger receives diagnostic messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Mount mounts a read-only filesystem serving the bundle's members at
// the configured mountpoint. The caller must call Unmount on the
// returned Server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Reader == nil {
		return nil, fmt.Errorf("bundle reader is required")
	}
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Source == "" {
		options.Source = fsSubtype
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	// Ensure the mountpoint exists.
	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &rootNode{options: &options}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName: options.Source,
			Name:   fsSubtype,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting bundle filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("bundle filesystem mounted",
		"mountpoint", options.Mountpoint,
		"app", options.Reader.Manifest.Name,
		"members", len(options.Reader.Index),
	)
	return server, nil
}

// rootNode is the filesystem root. The bundle's file index is fully
// known at mount time, so OnAdd builds the entire inode tree up front
// and no dynamic lookup is needed.
type rootNode struct {
	gofuse.Inode
	options *Options
}

var _ gofuse.InodeEmbedder = (*rootNode)(nil)
var _ gofuse.NodeOnAdder = (*rootNode)(nil)

func (r *rootNode) OnAdd(ctx context.Context) {
	reader := r.options.Reader
	for i := range reader.Index {
		entry := &reader.Index[i]
		directory, base := path.Split(entry.Path)

		parent := &r.Inode
		for _, component := range strings.Split(directory, "/") {
			if component == "" {
				continue
			}
			child := parent.GetChild(component)
			if child == nil {
				child = parent.NewPersistentInode(ctx, &gofuse.Inode{},
					gofuse.StableAttr{Mode: syscall.S_IFDIR})
				parent.AddChild(component, child, true)
			}
			parent = child
		}

		node := &memberNode{options: r.options, entry: entry}
		child := parent.NewPersistentInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG})
		parent.AddChild(base, child, true)
	}
}

// memberNode represents a single bundle member as a regular file.
// The payload is extracted (decompressed and hash-verified) on first
// open and kept for the lifetime of the mount; bundle content is
// immutable, so the extraction never needs to be redone.
type memberNode struct {
	gofuse.Inode
	options *Options
	entry   *bundle.FileEntry

	// mu protects content (lazy extraction).
	mu      sync.Mutex
	content []byte
}

var _ gofuse.InodeEmbedder = (*memberNode)(nil)
var _ gofuse.NodeGetattrer = (*memberNode)(nil)
var _ gofuse.NodeOpener = (*memberNode)(nil)
var _ gofuse.NodeReader = (*memberNode)(nil)

func (n *memberNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	// Write bits are stripped; execute bits survive so launcher
	// entries can point Exec= into the mount.
	out.Mode = syscall.S_IFREG | (n.entry.Mode & 0o555)
	out.Size = n.entry.Size
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = 65536 // content is served from memory once extracted
	return 0
}

func (n *memberNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	// Reject anything that isn't a read.
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}

	// Extract on open rather than first read: launch-path latency is
	// paid once, before the application starts reading.
	if _, err := n.ensureContent(); err != nil {
		n.options.Logger.Error("member extraction failed",
			"member", n.entry.Path,
			"error", err,
		)
		return nil, 0, syscall.EIO
	}

	// Enable kernel page cache. Bundle content is immutable, so the
	// cache is always valid.
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *memberNode) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	content, err := n.ensureContent()
	if err != nil {
		n.options.Logger.Error("read failed",
			"member", n.entry.Path,
			"offset", off,
			"error", err,
		)
		return nil, syscall.EIO
	}

	if off >= int64(len(content)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(content)) {
		end = int64(len(content))
	}
	return fuse.ReadResultData(content[off:end]), 0
}

func (n *memberNode) ensureContent() ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.content != nil {
		return n.content, nil
	}

	content, err := n.options.Reader.ExtractFile(n.entry.Path)
	if err != nil {
		return nil, err
	}
	n.content = content
	return content, nil
}
