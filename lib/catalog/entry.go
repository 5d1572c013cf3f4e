// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"fmt"
	"strings"

	"github.com/stratumfs/stratum/lib/objectid"
)

// EntryType discriminates directory entries. The numeric values are
// stored in catalog rows and serialized blobs; do not renumber.
type EntryType uint8

const (
	EntryRegular EntryType = iota
	EntryDirectory
	EntrySymlink
)

func (t EntryType) String() string {
	switch t {
	case EntryRegular:
		return "regular"
	case EntryDirectory:
		return "directory"
	case EntrySymlink:
		return "symlink"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// DirectoryEntry is one row of a catalog: a file, directory, or
// symlink at a repository path.
//
// Paths are slash-separated and relative to the repository root with
// no leading slash; "" names the root directory itself, which has no
// explicit row.
type DirectoryEntry struct {
	// Path is the full repository path of the entry.
	Path string

	Type EntryType

	// Size is the content size in bytes for regular files, zero
	// otherwise.
	Size int64

	// Mode holds the permission bits, 0o777 at most. File type lives
	// in Type.
	Mode uint32

	// ModTime is the modification time in Unix seconds.
	ModTime int64

	// ContentHash is the id of the data object backing a regular
	// file. Zero for directories and symlinks.
	ContentHash objectid.ObjectID

	// SymlinkTarget is the link target for symlinks, "" otherwise.
	SymlinkTarget string
}

// Name returns the last path element.
func (e DirectoryEntry) Name() string {
	if i := strings.LastIndexByte(e.Path, '/'); i >= 0 {
		return e.Path[i+1:]
	}
	return e.Path
}

// validate checks the structural invariants of an entry before it is
// admitted into a catalog.
func (e DirectoryEntry) validate() error {
	if err := ValidatePath(e.Path); err != nil {
		return err
	}
	if e.Path == "" {
		return fmt.Errorf("catalog: the root directory has no explicit entry")
	}
	switch e.Type {
	case EntryRegular:
		if e.ContentHash.IsZero() {
			return fmt.Errorf("catalog: regular file %q has no content hash", e.Path)
		}
		if e.SymlinkTarget != "" {
			return fmt.Errorf("catalog: regular file %q has a symlink target", e.Path)
		}
	case EntryDirectory:
		if !e.ContentHash.IsZero() || e.SymlinkTarget != "" || e.Size != 0 {
			return fmt.Errorf("catalog: directory %q carries file attributes", e.Path)
		}
	case EntrySymlink:
		if e.SymlinkTarget == "" {
			return fmt.Errorf("catalog: symlink %q has no target", e.Path)
		}
		if !e.ContentHash.IsZero() {
			return fmt.Errorf("catalog: symlink %q has a content hash", e.Path)
		}
	default:
		return fmt.Errorf("catalog: entry %q has unknown type %d", e.Path, e.Type)
	}
	if e.Mode&^uint32(0o777) != 0 {
		return fmt.Errorf("catalog: entry %q has non-permission mode bits %o", e.Path, e.Mode)
	}
	return nil
}

// ValidatePath checks the canonical path form: no leading or trailing
// slash, no empty or dot segments. "" (the root) is valid.
func ValidatePath(path string) error {
	if path == "" {
		return nil
	}
	if strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return fmt.Errorf("catalog: path %q must not start or end with a slash", path)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			return fmt.Errorf("catalog: path %q has an empty segment", path)
		}
		if seg == "." || seg == ".." {
			return fmt.Errorf("catalog: path %q has a dot segment", path)
		}
	}
	return nil
}

// NormalizePath converts user input to canonical form: slashes
// collapsed, a single leading slash tolerated.
func NormalizePath(path string) string {
	path = strings.Trim(path, "/")
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	return path
}

// ParentPath returns the directory containing path, "" when the
// parent is the root.
func ParentPath(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

// JoinPath appends a name to a directory path.
func JoinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// isBelow reports whether path is strictly inside dir. Every path is
// below the root "".
func isBelow(path, dir string) bool {
	if dir == "" {
		return path != ""
	}
	return strings.HasPrefix(path, dir+"/")
}
