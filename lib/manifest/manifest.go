// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest defines the publication record of a repository
// revision. A manifest names the root catalog, carries a monotonic
// revision counter, and chains to its predecessor manifest by hash,
// so the revision history is tamper evident.
package manifest

import (
	"fmt"
	"time"

	"github.com/stratumfs/stratum/lib/codec"
	"github.com/stratumfs/stratum/lib/objectid"
)

// PublishedName is the well-known backend path the current manifest
// is published under. Writing this object is the commit point of a
// publish transaction: everything else a manifest references must
// already be in the store.
const PublishedName = ".stratumpublished"

// Manifest is the entry point of one repository revision.
type Manifest struct {
	// RootHash is the content id of the root catalog.
	RootHash objectid.ObjectID `cbor:"root_hash"`

	// RootPath is the repository path the root catalog is mounted at,
	// "" for the repository root.
	RootPath string `cbor:"root_path"`

	// Revision counts publishes, starting at 1 for a fresh
	// repository. Strictly increasing by one along the chain.
	Revision uint64 `cbor:"revision"`

	// Predecessor is the hash of the previous revision's manifest,
	// zero for the first revision.
	Predecessor objectid.ObjectID `cbor:"predecessor"`

	// Timestamp is the publish time in Unix seconds.
	Timestamp int64 `cbor:"timestamp"`

	// CatalogCount is the number of catalogs reachable from the root,
	// the root included.
	CatalogCount int `cbor:"catalog_count"`
}

// Marshal serializes the manifest deterministically, so its hash is
// a pure function of its fields.
func (m *Manifest) Marshal() ([]byte, error) {
	return codec.Marshal(m)
}

// Unmarshal parses a serialized manifest.
func Unmarshal(data []byte) (*Manifest, error) {
	var m Manifest
	if err := codec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decoding: %w", err)
	}
	if m.RootHash.IsZero() {
		return nil, fmt.Errorf("manifest: missing root hash")
	}
	if m.Revision == 0 {
		return nil, fmt.Errorf("manifest: revision must be positive")
	}
	return &m, nil
}

// Hash returns the manifest's own content id.
func (m *Manifest) Hash() (objectid.ObjectID, error) {
	raw, err := m.Marshal()
	if err != nil {
		return objectid.ObjectID{}, err
	}
	return objectid.HashManifest(raw), nil
}

// VerifySuccessor checks that next is a well-formed direct successor
// of m: revision advanced by one and predecessor hash matching.
func (m *Manifest) VerifySuccessor(next *Manifest) error {
	if next.Revision != m.Revision+1 {
		return fmt.Errorf("manifest: revision %d does not follow %d", next.Revision, m.Revision)
	}
	self, err := m.Hash()
	if err != nil {
		return err
	}
	if next.Predecessor != self {
		return fmt.Errorf("manifest: predecessor hash mismatch at revision %d", next.Revision)
	}
	return nil
}

// New builds the successor manifest of prev. A nil prev starts the
// chain at revision 1 with a zero predecessor.
func New(rootHash objectid.ObjectID, catalogCount int, prev *Manifest, now time.Time) (*Manifest, error) {
	m := &Manifest{
		RootHash:     rootHash,
		Revision:     1,
		Timestamp:    now.Unix(),
		CatalogCount: catalogCount,
	}
	if prev != nil {
		predecessor, err := prev.Hash()
		if err != nil {
			return nil, err
		}
		m.Revision = prev.Revision + 1
		m.Predecessor = predecessor
	}
	return m, nil
}
