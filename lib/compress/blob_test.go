// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
)

func TestBlobRoundTrip(t *testing.T) {
	original := []byte(strings.Repeat("/data/objects/shard ", 300))

	blob, err := EncodeBlob(original, Zstd)
	if err != nil {
		t.Fatalf("EncodeBlob: %v", err)
	}
	if Tag(blob[3]) != Zstd {
		t.Fatalf("header tag = %v, want zstd", Tag(blob[3]))
	}

	restored, err := DecodeBlob(blob)
	if err != nil {
		t.Fatalf("DecodeBlob: %v", err)
	}
	if !bytes.Equal(restored, original) {
		t.Fatal("blob round trip mismatch")
	}
}

func TestBlobIncompressibleFallsBackToNone(t *testing.T) {
	original := make([]byte, 4096)
	if _, err := rand.Read(original); err != nil {
		t.Fatal(err)
	}

	blob, err := EncodeBlob(original, LZ4)
	if err != nil {
		t.Fatalf("EncodeBlob: %v", err)
	}
	if Tag(blob[3]) != None {
		t.Fatalf("header tag = %v, want none for random input", Tag(blob[3]))
	}

	restored, err := DecodeBlob(blob)
	if err != nil {
		t.Fatalf("DecodeBlob: %v", err)
	}
	if !bytes.Equal(restored, original) {
		t.Fatal("blob round trip mismatch")
	}
}

func TestDecodeBlobRejectsCorruptHeader(t *testing.T) {
	if _, err := DecodeBlob([]byte("short")); err == nil {
		t.Fatal("truncated blob accepted")
	}

	blob, err := EncodeBlob([]byte("payload"), None)
	if err != nil {
		t.Fatal(err)
	}
	blob[0] = 'x'
	if _, err := DecodeBlob(blob); err == nil {
		t.Fatal("bad magic accepted")
	}

	blob[0] = 's'
	blob[2] = 99
	if _, err := DecodeBlob(blob); err == nil {
		t.Fatal("unknown version accepted")
	}
}
