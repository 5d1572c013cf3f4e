// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stratumfs/stratum/lib/manifest"
	"github.com/stratumfs/stratum/lib/objectid"
	"github.com/stratumfs/stratum/lib/objstore"
	"github.com/stratumfs/stratum/lib/upload"
)

// testRepo is a freshly created repository on a local backend.
type testRepo struct {
	spooler *upload.Spooler
	store   *objstore.Dir
	root    string
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "backend")
	def := upload.Definition{Backend: "local", TempDir: t.TempDir(), LocalRoot: root}
	spooler, err := upload.NewSpooler(ctx, def, upload.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("NewSpooler: %v", err)
	}
	t.Cleanup(spooler.TearDown)

	if _, err := CreateRepository(ctx, spooler, t.TempDir(), nil, nil); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}
	store, err := objstore.OpenDir(root)
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	return &testRepo{spooler: spooler, store: store, root: root}
}

func (r *testRepo) writable(t *testing.T, threshold int64) *WritableManager {
	t.Helper()
	w, err := NewWritableManager(context.Background(), WritableConfig{
		Store:           r.store,
		Spooler:         r.spooler,
		ScratchDir:      t.TempDir(),
		NestedThreshold: threshold,
	})
	if err != nil {
		t.Fatalf("NewWritableManager: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func (r *testRepo) published(t *testing.T) *manifest.Manifest {
	t.Helper()
	raw, err := r.store.LoadNamed(context.Background(), manifest.PublishedName)
	if err != nil {
		t.Fatalf("loading published manifest: %v", err)
	}
	m, err := manifest.Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return m
}

func (r *testRepo) reader(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), ManagerConfig{
		Store:      r.store,
		ScratchDir: t.TempDir(),
	}, r.published(t).RootHash)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestCreateRepository(t *testing.T) {
	repo := newTestRepo(t)

	m := repo.published(t)
	if m.Revision != 1 || !m.Predecessor.IsZero() {
		t.Fatalf("unexpected first manifest: %+v", m)
	}

	// The bootstrap shortcut points at the root catalog blob.
	ok, err := repo.spooler.Peek(m.RootHash.String())
	if err != nil || !ok {
		t.Fatalf("bootstrap shortcut missing: ok=%v err=%v", ok, err)
	}

	reader := repo.reader(t)
	listing, err := reader.Listing(context.Background(), "")
	if err != nil {
		t.Fatalf("Listing: %v", err)
	}
	if len(listing) != 0 {
		t.Fatalf("fresh repository is not empty: %+v", listing)
	}
}

func TestPublishAndReadBack(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	w := repo.writable(t, 0)

	if err := w.AddDirectory(ctx, dirEntry("software"), nil); err != nil {
		t.Fatalf("AddDirectory: %v", err)
	}
	var xattrs XattrList
	xattrs.Set("user.release", []byte("v1"))
	if err := w.AddFile(ctx, fileEntry("software/app", "binary"), xattrs); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := w.AddSymlink(ctx, symlinkEntry("software/current", "app"), nil); err != nil {
		t.Fatalf("AddSymlink: %v", err)
	}

	next, err := w.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if next.Revision != 2 {
		t.Fatalf("Revision = %d, want 2", next.Revision)
	}
	if repo.published(t).RootHash != next.RootHash {
		t.Fatal("published manifest does not name the new root")
	}

	reader := repo.reader(t)
	e, ok, err := reader.Lookup(ctx, "software/app")
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	if e.ContentHash != objectid.HashObject([]byte("binary")) {
		t.Fatal("content hash wrong after publish round trip")
	}
	got, ok, err := reader.LookupXattrs(ctx, "software/app")
	if err != nil || !ok {
		t.Fatalf("LookupXattrs: ok=%v err=%v", ok, err)
	}
	if v, ok := got.Get("user.release"); !ok || string(v) != "v1" {
		t.Fatalf("xattr lost: %q %v", v, ok)
	}
	listing, err := reader.Listing(ctx, "software")
	if err != nil {
		t.Fatalf("Listing: %v", err)
	}
	if len(listing) != 2 {
		t.Fatalf("unexpected listing: %+v", listing)
	}
}

func TestManifestChainAcrossPublishes(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	first := repo.published(t)

	w := repo.writable(t, 0)
	if err := w.AddDirectory(ctx, dirEntry("d"), nil); err != nil {
		t.Fatal(err)
	}
	second, err := w.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := first.VerifySuccessor(second); err != nil {
		t.Fatalf("VerifySuccessor: %v", err)
	}

	// An empty commit still publishes a new revision, pointing at the
	// unchanged root.
	third, err := w.Commit(ctx)
	if err != nil {
		t.Fatalf("empty Commit: %v", err)
	}
	if third.Revision != second.Revision+1 {
		t.Fatalf("Revision = %d, want %d", third.Revision, second.Revision+1)
	}
	if third.RootHash != second.RootHash {
		t.Fatal("empty commit changed the root hash")
	}
	if err := second.VerifySuccessor(third); err != nil {
		t.Fatalf("VerifySuccessor: %v", err)
	}
}

func TestNestedCatalogBoundaries(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	w := repo.writable(t, 0)

	if err := w.AddDirectory(ctx, dirEntry("sw"), nil); err != nil {
		t.Fatal(err)
	}
	if err := w.AddDirectory(ctx, dirEntry("sw/pkg"), nil); err != nil {
		t.Fatal(err)
	}
	if err := w.AddFile(ctx, fileEntry("sw/pkg/lib", "libdata"), nil); err != nil {
		t.Fatal(err)
	}
	if err := w.CreateNestedCatalog(ctx, "sw/pkg"); err != nil {
		t.Fatalf("CreateNestedCatalog: %v", err)
	}
	if err := w.CreateNestedCatalog(ctx, "sw/pkg"); err == nil {
		t.Fatal("double boundary accepted")
	}
	// Mutations below the boundary land in the child.
	if err := w.AddFile(ctx, fileEntry("sw/pkg/bin", "bindata"), nil); err != nil {
		t.Fatal(err)
	}

	next, err := w.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if next.CatalogCount != 2 {
		t.Fatalf("CatalogCount = %d, want 2", next.CatalogCount)
	}

	reader := repo.reader(t)
	if reader.CatalogCount() != 1 {
		t.Fatalf("root load pulled %d catalogs, want 1", reader.CatalogCount())
	}
	// The mountpoint itself lists like a plain directory.
	listing, err := reader.Listing(ctx, "sw")
	if err != nil {
		t.Fatalf("Listing(sw): %v", err)
	}
	if len(listing) != 1 || listing[0].Path != "sw/pkg" || listing[0].Type != EntryDirectory {
		t.Fatalf("unexpected listing: %+v", listing)
	}
	// Touching a path inside the boundary lazily loads the child.
	e, ok, err := reader.Lookup(ctx, "sw/pkg/lib")
	if err != nil || !ok {
		t.Fatalf("Lookup across boundary: ok=%v err=%v", ok, err)
	}
	if e.ContentHash != objectid.HashObject([]byte("libdata")) {
		t.Fatal("wrong entry across boundary")
	}
	if reader.CatalogCount() != 2 {
		t.Fatalf("lazy load count = %d, want 2", reader.CatalogCount())
	}
	listing, err = reader.Listing(ctx, "sw/pkg")
	if err != nil {
		t.Fatalf("Listing(sw/pkg): %v", err)
	}
	if len(listing) != 2 {
		t.Fatalf("unexpected boundary listing: %+v", listing)
	}
}

// Committing only a child change must still refresh every catalog up
// to the root, and leave sibling subtrees byte-identical.
func TestChildChangePropagatesToRoot(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	w := repo.writable(t, 0)

	for _, d := range []string{"a", "b"} {
		if err := w.AddDirectory(ctx, dirEntry(d), nil); err != nil {
			t.Fatal(err)
		}
		if err := w.CreateNestedCatalog(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.AddFile(ctx, fileEntry("a/f", "one"), nil); err != nil {
		t.Fatal(err)
	}
	first, err := w.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := w.AddFile(ctx, fileEntry("a/g", "two"), nil); err != nil {
		t.Fatal(err)
	}
	second, err := w.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if second.RootHash == first.RootHash {
		t.Fatal("root hash did not change with child content")
	}

	// The untouched sibling keeps its hash: load both revisions and
	// compare the nested reference for "b".
	load := func(root objectid.ObjectID) map[string]objectid.ObjectID {
		payload, err := repo.store.Load(ctx, root)
		if err != nil {
			t.Fatal(err)
		}
		c, err := Load(ctx, Config{DBPath: filepath.Join(t.TempDir(), "cmp.db")}, payload, root)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()
		return c.Nested()
	}
	before, after := load(first.RootHash), load(second.RootHash)
	if before["b"] != after["b"] {
		t.Fatal("untouched sibling catalog was rewritten")
	}
	if before["a"] == after["a"] {
		t.Fatal("changed child catalog kept its hash")
	}
}

func TestAutomaticPartitioning(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	w := repo.writable(t, 3)

	if err := w.AddDirectory(ctx, dirEntry("r1"), nil); err != nil {
		t.Fatal(err)
	}
	if err := w.AddDirectory(ctx, dirEntry("r2"), nil); err != nil {
		t.Fatal(err)
	}
	// Third directory pushes the root catalog to the threshold and
	// becomes a boundary itself.
	if err := w.AddDirectory(ctx, dirEntry("r3"), nil); err != nil {
		t.Fatal(err)
	}
	next, err := w.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if next.CatalogCount != 2 {
		t.Fatalf("CatalogCount = %d, want 2", next.CatalogCount)
	}
}

func TestMutationGuards(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	w := repo.writable(t, 0)

	if err := w.AddFile(ctx, fileEntry("missing/f", "x"), nil); err == nil {
		t.Fatal("file under missing parent accepted")
	}
	if err := w.AddFile(ctx, dirEntry("misfiled"), nil); err == nil {
		t.Fatal("AddFile accepted a directory entry")
	}

	if err := w.AddDirectory(ctx, dirEntry("d"), nil); err != nil {
		t.Fatal(err)
	}
	if err := w.AddFile(ctx, fileEntry("d/f", "x"), nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Remove(ctx, "d"); err == nil {
		t.Fatal("removed a non-empty directory")
	}
	if err := w.Remove(ctx, "nope"); err == nil {
		t.Fatal("removed a missing entry")
	}
	if err := w.Remove(ctx, "d/f"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := w.Remove(ctx, "d"); err != nil {
		t.Fatalf("Remove of emptied directory: %v", err)
	}

	if err := w.AddDirectory(ctx, dirEntry("mnt"), nil); err != nil {
		t.Fatal(err)
	}
	if err := w.CreateNestedCatalog(ctx, "mnt"); err != nil {
		t.Fatal(err)
	}
	if err := w.Remove(ctx, "mnt"); err == nil {
		t.Fatal("removed a nested catalog mountpoint")
	}
	if err := w.CreateNestedCatalog(ctx, "d"); err == nil {
		t.Fatal("boundary on a removed directory accepted")
	}
}
