// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

// Package catalog implements the versioned directory metadata of a
// repository: SQLite-backed catalogs for mutation and lookup, a
// deterministic serialization that content-addresses each catalog,
// and managers that stitch nested catalogs into one namespace.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/stratumfs/stratum/lib/codec"
	"github.com/stratumfs/stratum/lib/objectid"
	"github.com/stratumfs/stratum/lib/sqlitepool"
)

// catalogSchema is the row store of one catalog. The SQLite file is
// staging state only: the durable form of a catalog is the
// deterministic blob Serialize produces.
const catalogSchema = `
CREATE TABLE IF NOT EXISTS entries (
	path TEXT PRIMARY KEY,
	parent TEXT NOT NULL,
	kind INTEGER NOT NULL,
	size INTEGER NOT NULL,
	mode INTEGER NOT NULL,
	mtime INTEGER NOT NULL,
	hash BLOB,
	symlink TEXT NOT NULL DEFAULT '',
	xattrs BLOB
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS entries_by_parent ON entries(parent);

CREATE TABLE IF NOT EXISTS nested_catalogs (
	mountpoint TEXT PRIMARY KEY,
	hash BLOB NOT NULL
) WITHOUT ROWID;
`

// Catalog is the metadata store of one subtree. The root catalog has
// mountpoint ""; a nested catalog owns every path strictly below its
// mountpoint that is not claimed by a deeper nested catalog.
//
// A catalog is either clean (its rows match the blob named by Hash)
// or dirty (mutated since the last Serialize, Hash returns zero).
// Methods are not safe for concurrent use; the managers serialize
// access.
type Catalog struct {
	mountpoint string
	pool       *sqlitepool.Pool
	logger     *slog.Logger

	dirty  bool
	hash   objectid.ObjectID
	nested map[string]objectid.ObjectID
}

// Config describes one catalog database.
type Config struct {
	// Mountpoint is the repository path this catalog is rooted at,
	// "" for the root catalog.
	Mountpoint string

	// DBPath is the SQLite staging file. Created if missing.
	DBPath string

	Logger *slog.Logger
}

// Open creates a catalog database at DBPath. A fresh catalog is
// dirty: it has never been serialized. Existing catalogs are
// materialized from their blobs via Load, not reopened from staging
// files.
func Open(cfg Config) (*Catalog, error) {
	if err := ValidatePath(cfg.Mountpoint); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.DBPath,
		Logger: cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, catalogSchema, nil)
		},
	})
	if err != nil {
		return nil, err
	}
	c := &Catalog{
		mountpoint: cfg.Mountpoint,
		pool:       pool,
		logger:     cfg.Logger.With("catalog", cfg.Mountpoint),
		dirty:      true,
		nested:     make(map[string]objectid.ObjectID),
	}
	return c, nil
}

// Mountpoint returns the repository path the catalog is rooted at.
func (c *Catalog) Mountpoint() string { return c.mountpoint }

// Dirty reports whether the catalog has uncommitted mutations.
func (c *Catalog) Dirty() bool { return c.dirty }

// Hash returns the content id of the last serialization, zero while
// dirty.
func (c *Catalog) Hash() objectid.ObjectID {
	if c.dirty {
		return objectid.ObjectID{}
	}
	return c.hash
}

// Close releases the underlying database.
func (c *Catalog) Close() error { return c.pool.Close() }

func (c *Catalog) markDirty() {
	c.dirty = true
	c.hash = objectid.ObjectID{}
}

// owns reports whether path belongs to this catalog rather than to a
// nested child: path must be at or below the mountpoint and not
// strictly below any nested mountpoint.
func (c *Catalog) owns(path string) bool {
	if path != c.mountpoint && !isBelow(path, c.mountpoint) {
		return false
	}
	for mp := range c.nested {
		if isBelow(path, mp) {
			return false
		}
	}
	return true
}

// nestedFor returns the deepest nested mountpoint that path lies
// strictly below, if any.
func (c *Catalog) nestedFor(path string) (string, objectid.ObjectID, bool) {
	var best string
	found := false
	for mp := range c.nested {
		if isBelow(path, mp) && (!found || len(mp) > len(best)) {
			best, found = mp, true
		}
	}
	if !found {
		return "", objectid.ObjectID{}, false
	}
	return best, c.nested[best], true
}

// AddEntry inserts a new entry. Fails if the path already exists;
// mutation of existing entries goes through RemoveEntry first.
func (c *Catalog) AddEntry(ctx context.Context, e DirectoryEntry, xattrs XattrList) error {
	if err := e.validate(); err != nil {
		return err
	}
	if !c.owns(e.Path) {
		return fmt.Errorf("catalog %q does not own path %q", c.mountpoint, e.Path)
	}
	xattrBlob, err := marshalXattrs(xattrs)
	if err != nil {
		return fmt.Errorf("catalog: encoding xattrs of %q: %w", e.Path, err)
	}
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Put(conn)

	var hash any
	if !e.ContentHash.IsZero() {
		hash = e.ContentHash[:]
	}
	var xattrsArg any
	if xattrBlob != nil {
		xattrsArg = xattrBlob
	}
	err = sqlitex.Execute(conn, `INSERT INTO entries
		(path, parent, kind, size, mode, mtime, hash, symlink, xattrs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				e.Path, ParentPath(e.Path), int(e.Type), e.Size,
				int64(e.Mode), e.ModTime, hash, e.SymlinkTarget, xattrsArg,
			},
		})
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.ResultConstraintPrimaryKey {
			return fmt.Errorf("catalog: entry %q already exists", e.Path)
		}
		return fmt.Errorf("catalog: inserting %q: %w", e.Path, err)
	}
	c.markDirty()
	return nil
}

// RemoveEntry deletes an entry. Fails if the path is absent.
func (c *Catalog) RemoveEntry(ctx context.Context, path string) error {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM entries WHERE path = ?",
		&sqlitex.ExecOptions{Args: []any{path}})
	if err != nil {
		return fmt.Errorf("catalog: removing %q: %w", path, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("catalog: entry %q does not exist", path)
	}
	c.markDirty()
	return nil
}

// Lookup fetches one entry by path.
func (c *Catalog) Lookup(ctx context.Context, path string) (DirectoryEntry, XattrList, bool, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return DirectoryEntry{}, nil, false, err
	}
	defer c.pool.Put(conn)

	var entry DirectoryEntry
	var xattrs XattrList
	found := false
	err = sqlitex.Execute(conn, `SELECT path, kind, size, mode, mtime,
		hash, symlink, xattrs FROM entries WHERE path = ?`,
		&sqlitex.ExecOptions{
			Args: []any{path},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				entry, xattrs, err = scanEntry(stmt)
				return err
			},
		})
	if err != nil {
		return DirectoryEntry{}, nil, false, fmt.Errorf("catalog: looking up %q: %w", path, err)
	}
	return entry, xattrs, found, nil
}

// Listing returns the direct children of a directory, ordered by
// path. Nested mountpoints owned by this catalog appear like any
// other directory; their contents do not.
func (c *Catalog) Listing(ctx context.Context, path string) ([]DirectoryEntry, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Put(conn)

	var entries []DirectoryEntry
	err = sqlitex.Execute(conn, `SELECT path, kind, size, mode, mtime,
		hash, symlink, xattrs FROM entries WHERE parent = ? ORDER BY path`,
		&sqlitex.ExecOptions{
			Args: []any{path},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				e, _, err := scanEntry(stmt)
				if err != nil {
					return err
				}
				entries = append(entries, e)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("catalog: listing %q: %w", path, err)
	}
	return entries, nil
}

// EntryCount returns the number of rows in the catalog.
func (c *Catalog) EntryCount(ctx context.Context) (int64, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer c.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM entries", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("catalog: counting entries: %w", err)
	}
	return count, nil
}

// SetNested records or updates the reference to a nested catalog.
// Parents call this after a child commits, and with a zero hash when
// a boundary is first created.
func (c *Catalog) SetNested(ctx context.Context, mountpoint string, id objectid.ObjectID) error {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO nested_catalogs (mountpoint, hash)
		VALUES (?, ?)
		ON CONFLICT(mountpoint) DO UPDATE SET hash = excluded.hash`,
		&sqlitex.ExecOptions{Args: []any{mountpoint, id[:]}})
	if err != nil {
		return fmt.Errorf("catalog: recording nested catalog %q: %w", mountpoint, err)
	}
	c.nested[mountpoint] = id
	c.markDirty()
	return nil
}

// removeNested drops the reference to a nested catalog. Used when a
// boundary moves below a newly created one.
func (c *Catalog) removeNested(ctx context.Context, mountpoint string) error {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM nested_catalogs WHERE mountpoint = ?",
		&sqlitex.ExecOptions{Args: []any{mountpoint}})
	if err != nil {
		return fmt.Errorf("catalog: dropping nested catalog %q: %w", mountpoint, err)
	}
	delete(c.nested, mountpoint)
	c.markDirty()
	return nil
}

// Nested returns a copy of the nested catalog references.
func (c *Catalog) Nested() map[string]objectid.ObjectID {
	out := make(map[string]objectid.ObjectID, len(c.nested))
	for mp, id := range c.nested {
		out[mp] = id
	}
	return out
}

// moveSubtreeTo moves every row strictly below dir into dst. Used
// when a nested catalog boundary is created under an existing
// directory.
func (c *Catalog) moveSubtreeTo(ctx context.Context, dir string, dst *Catalog) error {
	rows, err := c.subtreeRows(ctx, dir)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := dst.AddEntry(ctx, row.entry, row.xattrs); err != nil {
			return err
		}
	}
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Put(conn)
	err = sqlitex.Execute(conn,
		"DELETE FROM entries WHERE path LIKE ? ESCAPE '\\'",
		&sqlitex.ExecOptions{Args: []any{likePrefix(dir) + "/%"}})
	if err != nil {
		return fmt.Errorf("catalog: detaching subtree %q: %w", dir, err)
	}
	c.markDirty()
	return nil
}

type scannedRow struct {
	entry  DirectoryEntry
	xattrs XattrList
}

func (c *Catalog) subtreeRows(ctx context.Context, dir string) ([]scannedRow, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Put(conn)

	var rows []scannedRow
	err = sqlitex.Execute(conn, `SELECT path, kind, size, mode, mtime,
		hash, symlink, xattrs FROM entries
		WHERE path LIKE ? ESCAPE '\' ORDER BY path`,
		&sqlitex.ExecOptions{
			Args: []any{likePrefix(dir) + "/%"},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				e, x, err := scanEntry(stmt)
				if err != nil {
					return err
				}
				rows = append(rows, scannedRow{entry: e, xattrs: x})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("catalog: scanning subtree %q: %w", dir, err)
	}
	return rows, nil
}

// likePrefix escapes LIKE metacharacters in a literal path prefix.
func likePrefix(path string) string {
	out := make([]byte, 0, len(path))
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, path[i])
	}
	return string(out)
}

func scanEntry(stmt *sqlite.Stmt) (DirectoryEntry, XattrList, error) {
	e := DirectoryEntry{
		Path:          stmt.ColumnText(0),
		Type:          EntryType(stmt.ColumnInt64(1)),
		Size:          stmt.ColumnInt64(2),
		Mode:          uint32(stmt.ColumnInt64(3)),
		ModTime:       stmt.ColumnInt64(4),
		SymlinkTarget: stmt.ColumnText(6),
	}
	if n := stmt.ColumnLen(5); n > 0 {
		if n != len(e.ContentHash) {
			return e, nil, fmt.Errorf("catalog: entry %q has a %d byte hash", e.Path, n)
		}
		stmt.ColumnBytes(5, e.ContentHash[:])
	}
	var xattrs XattrList
	if n := stmt.ColumnLen(7); n > 0 {
		buf := make([]byte, n)
		stmt.ColumnBytes(7, buf)
		var err error
		xattrs, err = unmarshalXattrs(buf)
		if err != nil {
			return e, nil, fmt.Errorf("catalog: entry %q has bad xattrs: %w", e.Path, err)
		}
	}
	return e, xattrs, nil
}

// catalogBlob is the serialized form of a catalog. Field order and
// row ordering are fixed, and codec.Marshal is deterministic, so the
// blob and therefore the catalog hash are pure functions of content.
type catalogBlob struct {
	Mountpoint string         `cbor:"mountpoint"`
	Entries    []entryRecord  `cbor:"entries"`
	Nested     []nestedRecord `cbor:"nested"`
}

type entryRecord struct {
	Path    string    `cbor:"path"`
	Kind    uint8     `cbor:"kind"`
	Size    int64     `cbor:"size"`
	Mode    uint32    `cbor:"mode"`
	MTime   int64     `cbor:"mtime"`
	Hash    []byte    `cbor:"hash,omitempty"`
	Symlink string    `cbor:"symlink,omitempty"`
	Xattrs  XattrList `cbor:"xattrs,omitempty"`
}

type nestedRecord struct {
	Mountpoint string `cbor:"mountpoint"`
	Hash       []byte `cbor:"hash"`
}

// Serialize renders the catalog to its canonical blob and returns the
// payload with its content id. The catalog is clean afterwards.
// Committing a catalog whose nested references still hold zero hashes
// is a bug in the caller's commit ordering.
func (c *Catalog) Serialize(ctx context.Context) ([]byte, objectid.ObjectID, error) {
	blob := catalogBlob{Mountpoint: c.mountpoint}

	rows, err := c.allRows(ctx)
	if err != nil {
		return nil, objectid.ObjectID{}, err
	}
	for _, row := range rows {
		rec := entryRecord{
			Path:    row.entry.Path,
			Kind:    uint8(row.entry.Type),
			Size:    row.entry.Size,
			Mode:    row.entry.Mode,
			MTime:   row.entry.ModTime,
			Symlink: row.entry.SymlinkTarget,
			Xattrs:  row.xattrs,
		}
		if !row.entry.ContentHash.IsZero() {
			rec.Hash = row.entry.ContentHash[:]
		}
		blob.Entries = append(blob.Entries, rec)
	}

	mounts := make([]string, 0, len(c.nested))
	for mp := range c.nested {
		mounts = append(mounts, mp)
	}
	sort.Strings(mounts)
	for _, mp := range mounts {
		id := c.nested[mp]
		if id.IsZero() {
			return nil, objectid.ObjectID{}, fmt.Errorf(
				"catalog %q: nested catalog %q has no committed hash", c.mountpoint, mp)
		}
		blob.Nested = append(blob.Nested, nestedRecord{Mountpoint: mp, Hash: id[:]})
	}

	payload, err := codec.Marshal(blob)
	if err != nil {
		return nil, objectid.ObjectID{}, fmt.Errorf("catalog %q: serializing: %w", c.mountpoint, err)
	}
	c.hash = objectid.HashCatalog(payload)
	c.dirty = false
	return payload, c.hash, nil
}

func (c *Catalog) allRows(ctx context.Context) ([]scannedRow, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Put(conn)

	var rows []scannedRow
	err = sqlitex.Execute(conn, `SELECT path, kind, size, mode, mtime,
		hash, symlink, xattrs FROM entries ORDER BY path`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				e, x, err := scanEntry(stmt)
				if err != nil {
					return err
				}
				rows = append(rows, scannedRow{entry: e, xattrs: x})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("catalog %q: scanning rows: %w", c.mountpoint, err)
	}
	return rows, nil
}

// Load materializes a serialized catalog into a fresh database. The
// payload must hash to expected; a mismatch means the store handed
// back corrupt or substituted data.
func Load(ctx context.Context, cfg Config, payload []byte, expected objectid.ObjectID) (*Catalog, error) {
	if got := objectid.HashCatalog(payload); got != expected {
		return nil, fmt.Errorf("catalog: content hash mismatch: got %s, want %s", got, expected)
	}
	var blob catalogBlob
	if err := codec.Unmarshal(payload, &blob); err != nil {
		return nil, fmt.Errorf("catalog: decoding blob %s: %w", expected, err)
	}
	cfg.Mountpoint = blob.Mountpoint
	c, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	for _, rec := range blob.Entries {
		e := DirectoryEntry{
			Path:          rec.Path,
			Type:          EntryType(rec.Kind),
			Size:          rec.Size,
			Mode:          rec.Mode,
			ModTime:       rec.MTime,
			SymlinkTarget: rec.Symlink,
		}
		if len(rec.Hash) == len(e.ContentHash) {
			copy(e.ContentHash[:], rec.Hash)
		}
		if err := c.AddEntry(ctx, e, rec.Xattrs); err != nil {
			c.Close()
			return nil, err
		}
	}
	for _, rec := range blob.Nested {
		var id objectid.ObjectID
		copy(id[:], rec.Hash)
		if err := c.SetNested(ctx, rec.Mountpoint, id); err != nil {
			c.Close()
			return nil, err
		}
	}
	c.hash = expected
	c.dirty = false
	return c, nil
}
