// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"encoding/binary"
	"fmt"
)

// Blob envelope: every object in a backend store is framed with a
// fixed 12 byte header so readers can pick the right decompressor
// without out-of-band metadata.
//
//	[0:2]  magic "sb"
//	[2]    format version, currently 1
//	[3]    compression Tag
//	[4:12] uncompressed size, big endian
//
// Object ids are computed over the uncompressed payload, so an
// object's id does not depend on which codec or codec version framed
// it.

const (
	blobVersion    = 1
	blobHeaderSize = 12
)

var blobMagic = [2]byte{'s', 'b'}

// EncodeBlob frames data with the preferred compression tag, falling
// back to None when the payload is incompressible.
func EncodeBlob(data []byte, preferred Tag) ([]byte, error) {
	payload, tag, err := WithFallback(data, preferred)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, blobHeaderSize+len(payload))
	blob[0] = blobMagic[0]
	blob[1] = blobMagic[1]
	blob[2] = blobVersion
	blob[3] = byte(tag)
	binary.BigEndian.PutUint64(blob[4:12], uint64(len(data)))
	copy(blob[blobHeaderSize:], payload)
	return blob, nil
}

// DecodeBlob unframes and decompresses a stored object.
func DecodeBlob(blob []byte) ([]byte, error) {
	if len(blob) < blobHeaderSize {
		return nil, fmt.Errorf("compress: blob truncated at %d bytes", len(blob))
	}
	if blob[0] != blobMagic[0] || blob[1] != blobMagic[1] {
		return nil, fmt.Errorf("compress: bad blob magic %q", blob[:2])
	}
	if blob[2] != blobVersion {
		return nil, fmt.Errorf("compress: unsupported blob version %d", blob[2])
	}
	tag := Tag(blob[3])
	size := binary.BigEndian.Uint64(blob[4:12])
	return Decompress(blob[blobHeaderSize:], tag, int(size))
}
