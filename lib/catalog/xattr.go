// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"sort"

	"github.com/stratumfs/stratum/lib/codec"
)

// Xattr is one extended attribute of a directory entry.
type Xattr struct {
	Name  string `cbor:"name"`
	Value []byte `cbor:"value"`
}

// XattrList is the extended attributes of one entry, kept sorted by
// name so its serialization is deterministic. The zero value is an
// empty list.
type XattrList []Xattr

// Get returns the value of the named attribute.
func (l XattrList) Get(name string) ([]byte, bool) {
	i := sort.Search(len(l), func(i int) bool { return l[i].Name >= name })
	if i < len(l) && l[i].Name == name {
		return l[i].Value, true
	}
	return nil, false
}

// Set inserts or replaces an attribute, keeping the list sorted.
func (l *XattrList) Set(name string, value []byte) {
	s := *l
	i := sort.Search(len(s), func(i int) bool { return s[i].Name >= name })
	if i < len(s) && s[i].Name == name {
		s[i].Value = value
		return
	}
	s = append(s, Xattr{})
	copy(s[i+1:], s[i:])
	s[i] = Xattr{Name: name, Value: value}
	*l = s
}

// Names returns the attribute names in order.
func (l XattrList) Names() []string {
	names := make([]string, len(l))
	for i, x := range l {
		names[i] = x.Name
	}
	return names
}

// marshalXattrs serializes a list for a catalog row. Empty lists
// serialize to nil so absent and empty are the same stored state.
func marshalXattrs(l XattrList) ([]byte, error) {
	if len(l) == 0 {
		return nil, nil
	}
	return codec.Marshal(l)
}

// unmarshalXattrs parses a catalog row's xattr column.
func unmarshalXattrs(data []byte) (XattrList, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var l XattrList
	if err := codec.Unmarshal(data, &l); err != nil {
		return nil, err
	}
	return l, nil
}
