// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stratumfs/stratum/lib/objectid"
)

const testMTime = 1700000000

func fileEntry(path, content string) DirectoryEntry {
	return DirectoryEntry{
		Path:        path,
		Type:        EntryRegular,
		Size:        int64(len(content)),
		Mode:        0o644,
		ModTime:     testMTime,
		ContentHash: objectid.HashObject([]byte(content)),
	}
}

func dirEntry(path string) DirectoryEntry {
	return DirectoryEntry{Path: path, Type: EntryDirectory, Mode: 0o755, ModTime: testMTime}
}

func symlinkEntry(path, target string) DirectoryEntry {
	return DirectoryEntry{
		Path: path, Type: EntrySymlink, Mode: 0o777,
		ModTime: testMTime, SymlinkTarget: target,
	}
}

func openTestCatalog(t *testing.T, mountpoint string) *Catalog {
	t.Helper()
	c, err := Open(Config{
		Mountpoint: mountpoint,
		DBPath:     filepath.Join(t.TempDir(), "catalog.db"),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAddLookupListing(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t, "")

	if err := c.AddEntry(ctx, dirEntry("software"), nil); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := c.AddEntry(ctx, fileEntry("software/readme", "hello"), nil); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := c.AddEntry(ctx, symlinkEntry("software/latest", "readme"), nil); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	e, _, ok, err := c.Lookup(ctx, "software/readme")
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	if e.Type != EntryRegular || e.Size != 5 || e.ContentHash != objectid.HashObject([]byte("hello")) {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.Name() != "readme" {
		t.Fatalf("Name = %q", e.Name())
	}

	listing, err := c.Listing(ctx, "software")
	if err != nil {
		t.Fatalf("Listing: %v", err)
	}
	if len(listing) != 2 || listing[0].Path != "software/latest" || listing[1].Path != "software/readme" {
		t.Fatalf("unexpected listing: %+v", listing)
	}

	if err := c.AddEntry(ctx, fileEntry("software/readme", "other"), nil); err == nil {
		t.Fatal("duplicate path accepted")
	}
	if err := c.RemoveEntry(ctx, "software/missing"); err == nil {
		t.Fatal("removing a missing entry succeeded")
	}
	if err := c.RemoveEntry(ctx, "software/latest"); err != nil {
		t.Fatalf("RemoveEntry: %v", err)
	}
	if _, _, ok, _ := c.Lookup(ctx, "software/latest"); ok {
		t.Fatal("removed entry still present")
	}
}

func TestEntryValidation(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t, "")

	bad := []DirectoryEntry{
		{Path: "f", Type: EntryRegular, Mode: 0o644},                           // no content hash
		{Path: "l", Type: EntrySymlink, Mode: 0o777},                           // no target
		{Path: "/abs", Type: EntryDirectory, Mode: 0o755},                      // leading slash
		{Path: "a/../b", Type: EntryDirectory, Mode: 0o755},                    // dot segment
		{Path: "d", Type: EntryDirectory, Mode: 0o755, Size: 7},                // dir with size
		{Path: "m", Type: EntryRegular, Mode: 0o4755, ContentHash: objectid.ObjectID{1}}, // setuid bit
	}
	for _, e := range bad {
		if err := c.AddEntry(ctx, e, nil); err == nil {
			t.Errorf("entry %+v accepted", e)
		}
	}
}

func TestXattrsRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t, "")

	var xattrs XattrList
	xattrs.Set("user.checksum", []byte("abc"))
	xattrs.Set("security.capability", []byte{0x01, 0x02})
	xattrs.Set("user.checksum", []byte("def")) // replace

	if err := c.AddEntry(ctx, fileEntry("tagged", "x"), xattrs); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	_, got, ok, err := c.Lookup(ctx, "tagged")
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	if v, ok := got.Get("user.checksum"); !ok || string(v) != "def" {
		t.Fatalf("Get(user.checksum) = %q, %v", v, ok)
	}
	if names := got.Names(); len(names) != 2 || names[0] != "security.capability" {
		t.Fatalf("Names = %v", names)
	}
}

// Two catalogs built from the same content in different insertion
// order must serialize to the same hash.
func TestSerializeIsDeterministic(t *testing.T) {
	ctx := context.Background()

	build := func(order []DirectoryEntry) objectid.ObjectID {
		c := openTestCatalog(t, "")
		for _, e := range order {
			if err := c.AddEntry(ctx, e, nil); err != nil {
				t.Fatalf("AddEntry: %v", err)
			}
		}
		_, id, err := c.Serialize(ctx)
		if err != nil {
			t.Fatalf("Serialize: %v", err)
		}
		return id
	}

	entries := []DirectoryEntry{
		dirEntry("a"),
		fileEntry("a/one", "1"),
		fileEntry("a/two", "2"),
		symlinkEntry("a/link", "one"),
	}
	forward := build(entries)
	reversed := build([]DirectoryEntry{entries[3], entries[2], entries[1], entries[0]})
	if forward != reversed {
		t.Fatal("insertion order leaked into the catalog hash")
	}

	changed := build([]DirectoryEntry{
		entries[0], fileEntry("a/one", "1-modified"), entries[2], entries[3],
	})
	if changed == forward {
		t.Fatal("content change did not change the catalog hash")
	}
}

func TestSerializeLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t, "")
	if err := c.AddEntry(ctx, dirEntry("d"), nil); err != nil {
		t.Fatal(err)
	}
	if err := c.AddEntry(ctx, fileEntry("d/f", "payload"), nil); err != nil {
		t.Fatal(err)
	}
	payload, id, err := c.Serialize(ctx)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if c.Dirty() || c.Hash() != id {
		t.Fatal("catalog not clean after Serialize")
	}

	back, err := Load(ctx, Config{DBPath: filepath.Join(t.TempDir(), "back.db")}, payload, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer back.Close()
	e, _, ok, err := back.Lookup(ctx, "d/f")
	if err != nil || !ok {
		t.Fatalf("Lookup after Load: ok=%v err=%v", ok, err)
	}
	if e.ContentHash != objectid.HashObject([]byte("payload")) {
		t.Fatal("content hash lost in round trip")
	}
	if back.Hash() != id {
		t.Fatal("loaded catalog has wrong hash")
	}

	wrong := objectid.HashObject([]byte("not the catalog"))
	if _, err := Load(ctx, Config{DBPath: filepath.Join(t.TempDir(), "bad.db")}, payload, wrong); err == nil {
		t.Fatal("hash mismatch accepted")
	}
}

func TestSerializeRefusesUncommittedChildren(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t, "")
	if err := c.AddEntry(ctx, dirEntry("sub"), nil); err != nil {
		t.Fatal(err)
	}
	if err := c.SetNested(ctx, "sub", objectid.ObjectID{}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.Serialize(ctx); err == nil {
		t.Fatal("serialized a parent with an uncommitted child reference")
	}
}
