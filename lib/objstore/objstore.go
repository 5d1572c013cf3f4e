// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

// Package objstore is the read side of a backend store: fetch a blob
// by content id, unframe it, and hand back the payload. The write
// side lives in lib/upload.
package objstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stratumfs/stratum/lib/compress"
	"github.com/stratumfs/stratum/lib/objectid"
)

// Store loads stored objects by content id.
type Store interface {
	// Load fetches and unframes the object stored under id.
	Load(ctx context.Context, id objectid.ObjectID) ([]byte, error)

	// LoadNamed fetches and unframes an object published under a
	// well-known name instead of a content path, such as the current
	// manifest.
	LoadNamed(ctx context.Context, name string) ([]byte, error)
}

// Dir reads objects from a local backend directory, the layout the
// local upload driver writes.
type Dir struct {
	root string
}

// OpenDir opens a backend root directory for reading.
func OpenDir(root string) (*Dir, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("objstore: opening backend root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("objstore: backend root %s is not a directory", root)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) Load(ctx context.Context, id objectid.ObjectID) ([]byte, error) {
	data, err := d.LoadNamed(ctx, id.StoragePath())
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (d *Dir) LoadNamed(ctx context.Context, name string) ([]byte, error) {
	blob, err := os.ReadFile(filepath.Join(d.root, filepath.FromSlash(name)))
	if err != nil {
		return nil, fmt.Errorf("objstore: reading %s: %w", name, err)
	}
	data, err := compress.DecodeBlob(blob)
	if err != nil {
		return nil, fmt.Errorf("objstore: unframing %s: %w", name, err)
	}
	return data, nil
}
