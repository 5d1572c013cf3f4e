// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

package objectid

import (
	"strings"
	"testing"
)

func TestHashDeterminism(t *testing.T) {
	a := HashObject([]byte("hello"))
	b := HashObject([]byte("hello"))
	if a != b {
		t.Error("same input produced different object hashes")
	}

	c := HashObject([]byte("hello!"))
	if a == c {
		t.Error("different inputs produced the same object hash")
	}
}

func TestDomainSeparation(t *testing.T) {
	data := []byte("identical bytes")
	object := HashObject(data)
	catalog := HashCatalog(data)
	manifest := HashManifest(data)

	if object == catalog || object == manifest || catalog == manifest {
		t.Error("hash domains are not separated")
	}
}

func TestIsZero(t *testing.T) {
	var zero ObjectID
	if !zero.IsZero() {
		t.Error("zero value not reported as zero")
	}
	if HashObject(nil).IsZero() {
		t.Error("hash of empty input reported as zero")
	}
}

func TestParseRoundTrip(t *testing.T) {
	id := HashObject([]byte("round trip"))

	parsed, err := Parse(id.String())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed != id {
		t.Error("parse round trip mismatch")
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	if _, err := Parse("zz"); err == nil {
		t.Error("Parse accepted non-hex input")
	}
	if _, err := Parse("abcd"); err == nil {
		t.Error("Parse accepted short input")
	}
}

func TestStoragePath(t *testing.T) {
	id := HashObject([]byte("layout"))
	path := id.StoragePath()

	h := id.String()
	want := "data/" + h[:2] + "/" + h[2:]
	if path != want {
		t.Errorf("StoragePath = %q, want %q", path, want)
	}
	if !strings.HasPrefix(path, "data/") {
		t.Errorf("StoragePath %q missing data/ prefix", path)
	}
}
