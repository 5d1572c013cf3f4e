// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stratumfs/stratum/lib/clock"
	"github.com/stratumfs/stratum/lib/compress"
	"github.com/stratumfs/stratum/lib/manifest"
	"github.com/stratumfs/stratum/lib/objectid"
	"github.com/stratumfs/stratum/lib/objstore"
	"github.com/stratumfs/stratum/lib/upload"
)

// WritableConfig configures a publish transaction manager.
type WritableConfig struct {
	// Store fetches existing catalog blobs and the published
	// manifest.
	Store objstore.Store

	// Spooler ships new blobs to the backend.
	Spooler *upload.Spooler

	// ScratchDir receives the SQLite staging files.
	ScratchDir string

	// NestedThreshold makes new directories nested catalog
	// boundaries once the catalog owning them holds at least this
	// many entries. Zero disables automatic partitioning; boundaries
	// can still be created explicitly.
	NestedThreshold int64

	// Clock stamps manifests. Nil means the real clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// WritableManager runs publish transactions: it loads the tree named
// by the currently published manifest, applies mutations to the
// owning catalogs, and commits bottom-up so every parent references
// its children by their final hashes.
//
// Commit is all-or-nothing with respect to publication: the manifest
// head is only written after every referenced blob is in the store.
// A failed commit can leave orphan blobs behind; content addressing
// makes them harmless. It also leaves the in-memory tree in an
// undefined state, so the manager must be discarded.
type WritableManager struct {
	tree      *Manager
	spooler   *upload.Spooler
	clk       clock.Clock
	logger    *slog.Logger
	threshold int64

	prev         *manifest.Manifest
	catalogCount int
}

// NewWritableManager opens the published revision for mutation.
func NewWritableManager(ctx context.Context, cfg WritableConfig) (*WritableManager, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	raw, err := cfg.Store.LoadNamed(ctx, manifest.PublishedName)
	if err != nil {
		return nil, fmt.Errorf("catalog: loading published manifest: %w", err)
	}
	prev, err := manifest.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	tree, err := NewManager(ctx, ManagerConfig{
		Store:      cfg.Store,
		ScratchDir: cfg.ScratchDir,
		Logger:     cfg.Logger,
	}, prev.RootHash)
	if err != nil {
		return nil, err
	}
	return &WritableManager{
		tree:         tree,
		spooler:      cfg.Spooler,
		clk:          cfg.Clock,
		logger:       cfg.Logger,
		threshold:    cfg.NestedThreshold,
		prev:         prev,
		catalogCount: prev.CatalogCount,
	}, nil
}

// Manifest returns the manifest of the last published revision.
func (w *WritableManager) Manifest() *manifest.Manifest { return w.prev }

// Lookup resolves one path in the working tree.
func (w *WritableManager) Lookup(ctx context.Context, path string) (DirectoryEntry, bool, error) {
	return w.tree.Lookup(ctx, path)
}

// LookupXattrs resolves one path to its extended attributes.
func (w *WritableManager) LookupXattrs(ctx context.Context, path string) (XattrList, bool, error) {
	return w.tree.LookupXattrs(ctx, path)
}

// Listing returns the direct children of a directory in the working
// tree.
func (w *WritableManager) Listing(ctx context.Context, path string) ([]DirectoryEntry, error) {
	return w.tree.Listing(ctx, path)
}

// Close releases the staging databases without publishing.
func (w *WritableManager) Close() error { return w.tree.Close() }

// AddFile records a new regular file. The data object named by the
// entry's content hash must be uploaded separately; the catalog only
// stores the reference.
func (w *WritableManager) AddFile(ctx context.Context, e DirectoryEntry, xattrs XattrList) error {
	if e.Type != EntryRegular {
		return fmt.Errorf("catalog: AddFile with %s entry %q", e.Type, e.Path)
	}
	return w.add(ctx, e, xattrs)
}

// AddSymlink records a new symlink.
func (w *WritableManager) AddSymlink(ctx context.Context, e DirectoryEntry, xattrs XattrList) error {
	if e.Type != EntrySymlink {
		return fmt.Errorf("catalog: AddSymlink with %s entry %q", e.Type, e.Path)
	}
	return w.add(ctx, e, xattrs)
}

// AddDirectory records a new directory. When automatic partitioning
// is enabled and the owning catalog has grown past the threshold, the
// new directory becomes a nested catalog boundary.
func (w *WritableManager) AddDirectory(ctx context.Context, e DirectoryEntry, xattrs XattrList) error {
	if e.Type != EntryDirectory {
		return fmt.Errorf("catalog: AddDirectory with %s entry %q", e.Type, e.Path)
	}
	if err := w.add(ctx, e, xattrs); err != nil {
		return err
	}
	if w.threshold <= 0 {
		return nil
	}
	w.tree.mu.Lock()
	defer w.tree.mu.Unlock()
	path := NormalizePath(e.Path)
	owner, err := w.tree.find(ctx, path, false)
	if err != nil {
		return err
	}
	count, err := owner.EntryCount(ctx)
	if err != nil {
		return err
	}
	if count < w.threshold {
		return nil
	}
	return w.createNestedLocked(ctx, path)
}

func (w *WritableManager) add(ctx context.Context, e DirectoryEntry, xattrs XattrList) error {
	e.Path = NormalizePath(e.Path)
	w.tree.mu.Lock()
	defer w.tree.mu.Unlock()

	if parent := ParentPath(e.Path); parent != "" {
		pc, err := w.tree.find(ctx, parent, false)
		if err != nil {
			return err
		}
		pe, _, ok, err := pc.Lookup(ctx, parent)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("catalog: parent directory %q does not exist", parent)
		}
		if pe.Type != EntryDirectory {
			return fmt.Errorf("catalog: parent %q is not a directory", parent)
		}
	}
	c, err := w.tree.find(ctx, e.Path, false)
	if err != nil {
		return err
	}
	return c.AddEntry(ctx, e, xattrs)
}

// Remove deletes one entry. Directories must be empty and must not be
// nested catalog boundaries. Removing a file leaves its data object
// in the store; orphans are tolerated.
func (w *WritableManager) Remove(ctx context.Context, path string) error {
	path = NormalizePath(path)
	w.tree.mu.Lock()
	defer w.tree.mu.Unlock()

	owner, err := w.tree.find(ctx, path, false)
	if err != nil {
		return err
	}
	e, _, ok, err := owner.Lookup(ctx, path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("catalog: entry %q does not exist", path)
	}
	if e.Type == EntryDirectory {
		if _, isMount := owner.nested[path]; isMount {
			return fmt.Errorf("catalog: %q is a nested catalog mountpoint", path)
		}
		children, err := owner.Listing(ctx, path)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return fmt.Errorf("catalog: directory %q is not empty", path)
		}
	}
	return owner.RemoveEntry(ctx, path)
}

// CreateNestedCatalog turns an existing directory into a nested
// catalog boundary, moving its subtree into a fresh catalog.
func (w *WritableManager) CreateNestedCatalog(ctx context.Context, path string) error {
	path = NormalizePath(path)
	w.tree.mu.Lock()
	defer w.tree.mu.Unlock()
	return w.createNestedLocked(ctx, path)
}

func (w *WritableManager) createNestedLocked(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("catalog: the root cannot become a nested catalog")
	}
	owner, err := w.tree.find(ctx, path, false)
	if err != nil {
		return err
	}
	if _, exists := owner.nested[path]; exists {
		return fmt.Errorf("catalog: %q is already a nested catalog mountpoint", path)
	}
	e, _, ok, err := owner.Lookup(ctx, path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("catalog: directory %q does not exist", path)
	}
	if e.Type != EntryDirectory {
		return fmt.Errorf("catalog: %q is not a directory", path)
	}

	w.tree.seq++
	child, err := Open(Config{
		Mountpoint: path,
		DBPath:     filepath.Join(w.tree.scratch, fmt.Sprintf("catalog-%d.db", w.tree.seq)),
		Logger:     w.logger,
	})
	if err != nil {
		return err
	}
	if err := owner.moveSubtreeTo(ctx, path, child); err != nil {
		child.Close()
		return err
	}
	// References deeper than the new boundary move down with the
	// subtree.
	for mp, id := range owner.Nested() {
		if !isBelow(mp, path) {
			continue
		}
		if err := child.SetNested(ctx, mp, id); err != nil {
			child.Close()
			return err
		}
		if err := owner.removeNested(ctx, mp); err != nil {
			child.Close()
			return err
		}
	}
	if err := owner.SetNested(ctx, path, objectid.ObjectID{}); err != nil {
		child.Close()
		return err
	}
	w.tree.catalogs[path] = child
	w.catalogCount++
	w.logger.Info("nested catalog created", "mountpoint", path)
	return nil
}

// Commit publishes the working tree as the next revision. Catalogs
// serialize children first, so each parent embeds final child hashes;
// the manifest head is written only after every blob upload has
// succeeded. A commit with no mutations still publishes a new
// revision pointing at the unchanged root.
func (w *WritableManager) Commit(ctx context.Context) (*manifest.Manifest, error) {
	w.tree.mu.Lock()
	defer w.tree.mu.Unlock()

	mounts := make([]string, 0, len(w.tree.catalogs))
	for mp := range w.tree.catalogs {
		mounts = append(mounts, mp)
	}
	sort.Slice(mounts, func(i, j int) bool {
		return pathDepth(mounts[i]) > pathDepth(mounts[j])
	})

	errsBefore := w.spooler.ErrorCount()
	rootID := w.tree.rootHash
	for _, mp := range mounts {
		c := w.tree.catalogs[mp]
		if !c.Dirty() {
			continue
		}
		payload, id, err := c.Serialize(ctx)
		if err != nil {
			return nil, err
		}
		if err := w.scheduleBlob(payload, id.StoragePath()); err != nil {
			return nil, err
		}
		w.logger.Debug("catalog committed", "mountpoint", mp, "hash", id)
		if mp == "" {
			rootID = id
			continue
		}
		parent := w.parentOf(mp)
		if parent == nil {
			return nil, fmt.Errorf("catalog: no loaded parent references mountpoint %q", mp)
		}
		if err := parent.SetNested(ctx, mp, id); err != nil {
			return nil, err
		}
	}
	if err := w.spooler.FinalizeSession(errsBefore); err != nil {
		return nil, fmt.Errorf("catalog: commit aborted, blobs not fully stored: %w", err)
	}
	if err := w.spooler.PlaceBootstrapShortcut(rootID); err != nil {
		return nil, fmt.Errorf("catalog: commit aborted: %w", err)
	}

	next, err := manifest.New(rootID, w.catalogCount, w.prev, w.clk.Now())
	if err != nil {
		return nil, err
	}
	raw, err := next.Marshal()
	if err != nil {
		return nil, err
	}
	manifestID, err := next.Hash()
	if err != nil {
		return nil, err
	}
	errsBefore = w.spooler.ErrorCount()
	if err := w.scheduleBlob(raw, manifestID.StoragePath()); err != nil {
		return nil, err
	}
	if err := w.scheduleBlob(raw, manifest.PublishedName); err != nil {
		return nil, err
	}
	if err := w.spooler.FinalizeSession(errsBefore); err != nil {
		return nil, fmt.Errorf("catalog: manifest publication failed: %w", err)
	}

	w.tree.rootHash = rootID
	w.prev = next
	w.logger.Info("revision published",
		"revision", next.Revision, "root", rootID, "catalogs", w.catalogCount)
	return next, nil
}

// parentOf finds the loaded catalog holding the nested reference for
// mp. Children are only ever loaded through their parents, so the
// parent is always present.
func (w *WritableManager) parentOf(mp string) *Catalog {
	for _, c := range w.tree.catalogs {
		if _, ok := c.nested[mp]; ok {
			return c
		}
	}
	return nil
}

// scheduleBlob frames a payload, stages it in the spooler's temp
// directory, and schedules the upload. The staging file is removed
// when the job responds.
func (w *WritableManager) scheduleBlob(payload []byte, remotePath string) error {
	blob, err := compress.EncodeBlob(payload, compress.Zstd)
	if err != nil {
		return err
	}
	tmp, err := w.spooler.CreateTempFile("blob-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("catalog: staging blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("catalog: staging blob: %w", err)
	}
	w.spooler.Upload(tmp.Name(), remotePath, func(r upload.Result) {
		os.Remove(r.LocalPath)
	})
	return nil
}

func pathDepth(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, "/") + 1
}

// CreateRepository initializes a backend with an empty root catalog
// and a revision 1 manifest. The spooler stays owned by the caller.
func CreateRepository(ctx context.Context, spooler *upload.Spooler, scratchDir string, clk clock.Clock, logger *slog.Logger) (*manifest.Manifest, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	root, err := Open(Config{
		Mountpoint: "",
		DBPath:     filepath.Join(scratchDir, "root.db"),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	defer root.Close()

	payload, rootID, err := root.Serialize(ctx)
	if err != nil {
		return nil, err
	}
	first, err := manifest.New(rootID, 1, nil, clk.Now())
	if err != nil {
		return nil, err
	}
	raw, err := first.Marshal()
	if err != nil {
		return nil, err
	}
	manifestID, err := first.Hash()
	if err != nil {
		return nil, err
	}

	boot := &WritableManager{spooler: spooler, logger: logger}
	errsBefore := spooler.ErrorCount()
	if err := boot.scheduleBlob(payload, rootID.StoragePath()); err != nil {
		return nil, err
	}
	if err := boot.scheduleBlob(raw, manifestID.StoragePath()); err != nil {
		return nil, err
	}
	if err := boot.scheduleBlob(raw, manifest.PublishedName); err != nil {
		return nil, err
	}
	if err := spooler.FinalizeSession(errsBefore); err != nil {
		return nil, fmt.Errorf("catalog: repository creation failed: %w", err)
	}
	if err := spooler.PlaceBootstrapShortcut(rootID); err != nil {
		return nil, err
	}
	logger.Info("repository created", "root", rootID)
	return first, nil
}
