// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

// Package objectid implements content addressing for the repository.
// Every stored blob (file data, serialized catalogs, manifests) is
// named by a BLAKE3 keyed digest of its bytes. The digest doubles as
// the backend storage key.
package objectid

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// ObjectID is a 32-byte BLAKE3 digest. It identifies one immutable
// blob in the backend store.
type ObjectID [32]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures the same bytes hash differently depending on
// what they represent, so a serialized catalog can never collide
// with a data object of identical content.
type domainKey [32]byte

// Domain separation keys. These are protocol constants; changing
// them invalidates every hash in that domain. The values are the
// ASCII domain name zero-padded to 32 bytes, readable in hex dumps.
var (
	objectDomainKey = domainKey{
		's', 't', 'r', 'a', 't', 'u', 'm', '.',
		'o', 'b', 'j', 'e', 'c', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	catalogDomainKey = domainKey{
		's', 't', 'r', 'a', 't', 'u', 'm', '.',
		'c', 'a', 't', 'a', 'l', 'o', 'g', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	manifestDomainKey = domainKey{
		's', 't', 'r', 'a', 't', 'u', 'm', '.',
		'm', 'a', 'n', 'i', 'f', 'e', 's', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// HashObject computes the object-domain digest of raw file content.
func HashObject(data []byte) ObjectID {
	return keyedHash(objectDomainKey, data)
}

// HashCatalog computes the catalog-domain digest of a serialized
// catalog blob. Because catalog serialization is deterministic, this
// is a pure function of the catalog's rows and nested references.
func HashCatalog(data []byte) ObjectID {
	return keyedHash(catalogDomainKey, data)
}

// HashManifest computes the manifest-domain digest of a serialized
// manifest.
func HashManifest(data []byte) ObjectID {
	return keyedHash(manifestDomainKey, data)
}

// IsZero reports whether the ID is the all-zero value. A zero ID
// marks "no object": the predecessor of the first manifest, or the
// content hash of a directory entry.
func (id ObjectID) IsZero() bool {
	return id == ObjectID{}
}

// String returns the canonical lower-case hex form.
func (id ObjectID) String() string {
	return hex.EncodeToString(id[:])
}

// StoragePath returns the backend key for this object: the hex digest
// sharded under the data/ prefix by its first two characters, e.g.
// data/a3/f9b2c1… Sharding keeps per-directory entry counts bounded
// on filesystem backends.
func (id ObjectID) StoragePath() string {
	h := id.String()
	return "data/" + h[:2] + "/" + h[2:]
}

// Parse decodes a 64-character hex string into an ObjectID.
func Parse(s string) (ObjectID, error) {
	var id ObjectID
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parsing object id: %w", err)
	}
	if len(decoded) != 32 {
		return id, fmt.Errorf("object id is %d bytes, want 32", len(decoded))
	}
	copy(id[:], decoded)
	return id, nil
}

// keyedHash computes the BLAKE3 keyed hash with the given domain key.
func keyedHash(key domainKey, data []byte) ObjectID {
	// NewKeyed only fails for a wrong key length, which the fixed-size
	// domainKey type rules out.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("objectid: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var id ObjectID
	copy(id[:], hasher.Sum(nil))
	return id
}
