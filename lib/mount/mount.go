// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

// Package mount serves a published repository revision as a read-only
// FUSE filesystem. Directory metadata comes from the catalog tree,
// file content from the backend store by content id. A revision
// switch swaps the catalog tree and sweeps the kernel caches through
// the invalidator.
package mount

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/stratumfs/stratum/lib/catalog"
	"github.com/stratumfs/stratum/lib/invalidate"
	"github.com/stratumfs/stratum/lib/objectid"
	"github.com/stratumfs/stratum/lib/objstore"
)

// DefaultRefreshBudget bounds the kernel cache sweep after a revision
// switch. Entries the sweep does not reach expire through the normal
// dentry timeouts.
const DefaultRefreshBudget = 5 * time.Second

// Options configures the mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	// Created if missing.
	Mountpoint string

	// Store fetches data objects and catalog blobs.
	Store objstore.Store

	// Manager presents the catalog tree of the mounted revision.
	Manager *catalog.Manager

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, errors go to
	// stderr.
	Logger *slog.Logger
}

// Mount is a live read-only filesystem plus the invalidation plumbing
// for revision switches.
type Mount struct {
	server      *fuse.Server
	manager     *catalog.Manager
	store       objstore.Store
	tracker     *invalidate.InodeTracker
	invalidator *invalidate.Invalidator
	logger      *slog.Logger
}

// Open mounts the filesystem and spawns the invalidator. The caller
// must call Unmount when done.
func Open(options Options) (*Mount, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mount: mountpoint is required")
	}
	if options.Store == nil {
		return nil, fmt.Errorf("mount: store is required")
	}
	if options.Manager == nil {
		return nil, fmt.Errorf("mount: catalog manager is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}
	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("mount: creating mountpoint %s: %w", options.Mountpoint, err)
	}

	m := &Mount{
		manager: options.Manager,
		store:   options.Store,
		tracker: invalidate.NewInodeTracker(),
		logger:  options.Logger,
	}
	root := &dirNode{mount: m, path: "", mode: 0o755}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "stratum",
			Name:       "stratum",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mount: mounting at %s: %w", options.Mountpoint, err)
	}
	m.server = server

	invalidator, err := invalidate.New(invalidate.Config{
		Tracker:  m.tracker,
		Notifier: invalidate.NewServerNotifier(server),
		Logger:   options.Logger,
	})
	if err != nil {
		server.Unmount()
		return nil, err
	}
	invalidator.Spawn()
	m.invalidator = invalidator

	options.Logger.Info("repository mounted",
		"mountpoint", options.Mountpoint, "root", options.Manager.RootHash())
	return m, nil
}

// Server exposes the underlying FUSE server.
func (m *Mount) Server() *fuse.Server { return m.server }

// Tracker exposes the inode tracker, mainly for tests and metrics.
func (m *Mount) Tracker() *invalidate.InodeTracker { return m.tracker }

// Wait blocks until the filesystem is unmounted.
func (m *Mount) Wait() { m.server.Wait() }

// Unmount terminates the invalidator and detaches the filesystem.
func (m *Mount) Unmount() error {
	m.invalidator.Terminate()
	return m.server.Unmount()
}

// RefreshRoot switches the mount to a new revision: the catalog tree
// is reloaded and the kernel caches for previously surfaced inodes
// are swept within the given budget. Blocks until the sweep finishes
// or hits its deadline.
func (m *Mount) RefreshRoot(ctx context.Context, newRoot objectid.ObjectID, budget time.Duration) error {
	if err := m.manager.Reset(ctx, newRoot); err != nil {
		return err
	}
	handle := invalidate.NewHandle(budget)
	m.invalidator.InvalidateInodes(handle)
	handle.WaitFor()
	m.logger.Info("revision switched", "root", newRoot, "tracked_inodes", m.tracker.Len())
	return nil
}

// dirNode serves one directory of the catalog tree.
type dirNode struct {
	gofuse.Inode
	mount *Mount
	path  string
	mode  uint32
	mtime int64
}

var _ gofuse.InodeEmbedder = (*dirNode)(nil)
var _ gofuse.NodeLookuper = (*dirNode)(nil)
var _ gofuse.NodeReaddirer = (*dirNode)(nil)
var _ gofuse.NodeGetattrer = (*dirNode)(nil)
var _ gofuse.NodeGetxattrer = (*dirNode)(nil)
var _ gofuse.NodeListxattrer = (*dirNode)(nil)

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	full := catalog.JoinPath(d.path, name)
	entry, ok, err := d.mount.manager.Lookup(ctx, full)
	if err != nil {
		d.mount.logger.Error("catalog lookup failed", "path", full, "error", err)
		return nil, syscall.EIO
	}
	if !ok {
		return nil, syscall.ENOENT
	}

	var child *gofuse.Inode
	switch entry.Type {
	case catalog.EntryDirectory:
		child = d.NewPersistentInode(ctx, &dirNode{
			mount: d.mount, path: full, mode: entry.Mode, mtime: entry.ModTime,
		}, gofuse.StableAttr{Mode: syscall.S_IFDIR})
		out.Mode = syscall.S_IFDIR | entry.Mode
	case catalog.EntryRegular:
		child = d.NewPersistentInode(ctx, &fileNode{
			mount: d.mount, entry: entry,
		}, gofuse.StableAttr{Mode: syscall.S_IFREG})
		out.Mode = syscall.S_IFREG | entry.Mode
		out.Size = uint64(entry.Size)
	case catalog.EntrySymlink:
		child = d.NewPersistentInode(ctx, &linkNode{
			target: entry.SymlinkTarget,
		}, gofuse.StableAttr{Mode: syscall.S_IFLNK})
		out.Mode = syscall.S_IFLNK | entry.Mode
	default:
		return nil, syscall.EIO
	}
	out.Mtime = uint64(entry.ModTime)
	d.mount.tracker.VfsGet(child.StableAttr().Ino, full)
	return child, 0
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	listing, err := d.mount.manager.Listing(ctx, d.path)
	if err != nil {
		d.mount.logger.Error("catalog listing failed", "path", d.path, "error", err)
		return nil, syscall.EIO
	}
	entries := make([]fuse.DirEntry, 0, len(listing))
	for _, e := range listing {
		entries = append(entries, fuse.DirEntry{Name: e.Name(), Mode: fuseMode(e.Type)})
	}
	return &sliceDirStream{entries: entries}, 0
}

func (d *dirNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFDIR | d.mode
	out.Mtime = uint64(d.mtime)
	return 0
}

func (d *dirNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	return getxattr(ctx, d.mount, d.path, attr, dest)
}

func (d *dirNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	return listxattr(ctx, d.mount, d.path, dest)
}

// fileNode serves one regular file. Content loads from the store on
// first open and is pinned for the node's lifetime; data objects are
// immutable, so the kernel page cache stays enabled.
type fileNode struct {
	gofuse.Inode
	mount *Mount
	entry catalog.DirectoryEntry

	mu      sync.Mutex
	content []byte
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)
var _ gofuse.NodeReader = (*fileNode)(nil)
var _ gofuse.NodeGetxattrer = (*fileNode)(nil)
var _ gofuse.NodeListxattrer = (*fileNode)(nil)

func (n *fileNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFREG | n.entry.Mode
	out.Size = uint64(n.entry.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Mtime = uint64(n.entry.ModTime)
	return 0
}

func (n *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	if err := n.ensureContent(ctx); err != nil {
		n.mount.logger.Error("loading data object failed",
			"path", n.entry.Path, "object", n.entry.ContentHash, "error", err)
		return nil, 0, syscall.EIO
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *fileNode) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if err := n.ensureContent(ctx); err != nil {
		return nil, syscall.EIO
	}
	if off >= int64(len(n.content)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(n.content)) {
		end = int64(len(n.content))
	}
	return fuse.ReadResultData(n.content[off:end]), 0
}

func (n *fileNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	return getxattr(ctx, n.mount, n.entry.Path, attr, dest)
}

func (n *fileNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	return listxattr(ctx, n.mount, n.entry.Path, dest)
}

func (n *fileNode) ensureContent(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.content != nil {
		return nil
	}
	data, err := n.mount.store.Load(ctx, n.entry.ContentHash)
	if err != nil {
		return err
	}
	if got := objectid.HashObject(data); got != n.entry.ContentHash {
		return fmt.Errorf("mount: data object %s failed verification (got %s)", n.entry.ContentHash, got)
	}
	n.content = data
	return nil
}

// linkNode serves one symlink.
type linkNode struct {
	gofuse.Inode
	target string
}

var _ gofuse.InodeEmbedder = (*linkNode)(nil)
var _ gofuse.NodeReadlinker = (*linkNode)(nil)

func (l *linkNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	return []byte(l.target), 0
}

func getxattr(ctx context.Context, m *Mount, path, attr string, dest []byte) (uint32, syscall.Errno) {
	xattrs, ok, err := m.manager.LookupXattrs(ctx, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, syscall.ENOENT
		}
		return 0, syscall.EIO
	}
	if !ok {
		return 0, syscall.ENODATA
	}
	value, ok := xattrs.Get(attr)
	if !ok {
		return 0, syscall.ENODATA
	}
	if len(dest) < len(value) {
		return uint32(len(value)), syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

func listxattr(ctx context.Context, m *Mount, path string, dest []byte) (uint32, syscall.Errno) {
	xattrs, _, err := m.manager.LookupXattrs(ctx, path)
	if err != nil {
		return 0, syscall.EIO
	}
	var total int
	for _, name := range xattrs.Names() {
		total += len(name) + 1
	}
	if len(dest) < total {
		return uint32(total), syscall.ERANGE
	}
	off := 0
	for _, name := range xattrs.Names() {
		copy(dest[off:], name)
		off += len(name)
		dest[off] = 0
		off++
	}
	return uint32(total), 0
}

func fuseMode(t catalog.EntryType) uint32 {
	switch t {
	case catalog.EntryDirectory:
		return syscall.S_IFDIR
	case catalog.EntrySymlink:
		return syscall.S_IFLNK
	default:
		return syscall.S_IFREG
	}
}

// sliceDirStream implements fs.DirStream over a slice.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool { return s.index < len(s.entries) }

func (s *sliceDirStream) Close() {}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}
