// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/stratumfs/stratum/lib/objectid"
	"github.com/stratumfs/stratum/lib/objstore"
)

// ManagerConfig configures a read-path catalog manager.
type ManagerConfig struct {
	// Store fetches catalog blobs by content id.
	Store objstore.Store

	// ScratchDir receives the materialized SQLite files of loaded
	// catalogs. Must exist.
	ScratchDir string

	Logger *slog.Logger
}

// Manager presents the catalogs reachable from one root hash as a
// single namespace. Nested catalogs load lazily on first touch of a
// path they own. Safe for concurrent readers.
type Manager struct {
	store   objstore.Store
	scratch string
	logger  *slog.Logger

	mu       sync.Mutex
	rootHash objectid.ObjectID
	catalogs map[string]*Catalog
	seq      int
}

// NewManager loads the root catalog named by rootHash.
func NewManager(ctx context.Context, cfg ManagerConfig, rootHash objectid.ObjectID) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{
		store:    cfg.Store,
		scratch:  cfg.ScratchDir,
		logger:   cfg.Logger,
		catalogs: make(map[string]*Catalog),
	}
	if err := m.Reset(ctx, rootHash); err != nil {
		return nil, err
	}
	return m, nil
}

// RootHash returns the root catalog id currently presented.
func (m *Manager) RootHash() objectid.ObjectID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rootHash
}

// Reset drops all loaded catalogs and presents the tree rooted at
// newRoot.
func (m *Manager) Reset(ctx context.Context, newRoot objectid.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	root, err := m.load(ctx, newRoot)
	if err != nil {
		return err
	}
	if root.Mountpoint() != "" {
		root.Close()
		return fmt.Errorf("catalog: %s is not a root catalog (mountpoint %q)", newRoot, root.Mountpoint())
	}
	for _, c := range m.catalogs {
		if err := c.Close(); err != nil {
			m.logger.Error("closing stale catalog", "mountpoint", c.Mountpoint(), "error", err)
		}
	}
	m.catalogs = map[string]*Catalog{"": root}
	m.rootHash = newRoot
	m.logger.Info("catalog tree loaded", "root", newRoot)
	return nil
}

// load fetches, verifies, and materializes one catalog blob. Caller
// holds m.mu.
func (m *Manager) load(ctx context.Context, id objectid.ObjectID) (*Catalog, error) {
	payload, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("catalog: fetching %s: %w", id, err)
	}
	m.seq++
	dbPath := filepath.Join(m.scratch, fmt.Sprintf("catalog-%d.db", m.seq))
	return Load(ctx, Config{DBPath: dbPath, Logger: m.logger}, payload, id)
}

// find walks from the root to the catalog owning path, loading nested
// catalogs on the way. With descend set, a path that is itself a
// nested mountpoint resolves to the child catalog; listings want the
// child, entry lookups want the parent that holds the entry row.
// Caller holds m.mu.
func (m *Manager) find(ctx context.Context, path string, descend bool) (*Catalog, error) {
	current := m.catalogs[""]
	for {
		mp, id, ok := current.nestedFor(path)
		if !ok && descend {
			if childID, isMount := current.nested[path]; isMount {
				mp, id, ok = path, childID, true
			}
		}
		if !ok {
			return current, nil
		}
		child, loaded := m.catalogs[mp]
		if !loaded {
			var err error
			child, err = m.load(ctx, id)
			if err != nil {
				return nil, err
			}
			if child.Mountpoint() != mp {
				child.Close()
				return nil, fmt.Errorf("catalog: nested catalog %s claims mountpoint %q, referenced at %q",
					id, child.Mountpoint(), mp)
			}
			m.catalogs[mp] = child
		}
		current = child
	}
}

// Lookup resolves one path to its entry. The root directory has no
// entry; Lookup("") reports not found.
func (m *Manager) Lookup(ctx context.Context, path string) (DirectoryEntry, bool, error) {
	e, _, ok, err := m.lookup(ctx, path)
	return e, ok, err
}

// LookupXattrs resolves one path to its extended attributes.
func (m *Manager) LookupXattrs(ctx context.Context, path string) (XattrList, bool, error) {
	_, xattrs, ok, err := m.lookup(ctx, path)
	return xattrs, ok, err
}

func (m *Manager) lookup(ctx context.Context, path string) (DirectoryEntry, XattrList, bool, error) {
	path = NormalizePath(path)
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.find(ctx, path, false)
	if err != nil {
		return DirectoryEntry{}, nil, false, err
	}
	return c.Lookup(ctx, path)
}

// Listing returns the direct children of a directory, ordered by
// path. Listing a path that is neither the root nor an existing
// directory fails.
func (m *Manager) Listing(ctx context.Context, path string) ([]DirectoryEntry, error) {
	path = NormalizePath(path)
	m.mu.Lock()
	defer m.mu.Unlock()

	if path != "" {
		owner, err := m.find(ctx, path, false)
		if err != nil {
			return nil, err
		}
		e, _, ok, err := owner.Lookup(ctx, path)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("catalog: directory %q does not exist", path)
		}
		if e.Type != EntryDirectory {
			return nil, fmt.Errorf("catalog: %q is not a directory", path)
		}
	}
	c, err := m.find(ctx, path, true)
	if err != nil {
		return nil, err
	}
	return c.Listing(ctx, path)
}

// CatalogCount returns how many catalogs are currently loaded.
func (m *Manager) CatalogCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.catalogs)
}

// Close releases every loaded catalog.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, c := range m.catalogs {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.catalogs = make(map[string]*Catalog)
	return firstErr
}
