// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

package mount

import (
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/stratumfs/stratum/lib/catalog"
)

func TestOpenValidatesOptions(t *testing.T) {
	if _, err := Open(Options{}); err == nil {
		t.Fatal("Open accepted empty options")
	}
	if _, err := Open(Options{Mountpoint: t.TempDir()}); err == nil {
		t.Fatal("Open accepted options without a store")
	}
}

func TestFuseModeMapping(t *testing.T) {
	if fuseMode(catalog.EntryDirectory) != syscall.S_IFDIR {
		t.Fatal("directory mode")
	}
	if fuseMode(catalog.EntrySymlink) != syscall.S_IFLNK {
		t.Fatal("symlink mode")
	}
	if fuseMode(catalog.EntryRegular) != syscall.S_IFREG {
		t.Fatal("regular mode")
	}
}

func TestSliceDirStream(t *testing.T) {
	stream := &sliceDirStream{entries: []fuse.DirEntry{
		{Name: "a", Mode: syscall.S_IFREG},
		{Name: "b", Mode: syscall.S_IFDIR},
	}}
	var names []string
	for stream.HasNext() {
		e, errno := stream.Next()
		if errno != 0 {
			t.Fatalf("Next: %v", errno)
		}
		names = append(names, e.Name)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("names = %v", names)
	}
	if _, errno := stream.Next(); errno != syscall.EINVAL {
		t.Fatal("exhausted stream did not report EINVAL")
	}
}
