// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

// Package invalidate evicts stale kernel cache entries after a mount
// switches to a new revision. A background worker walks the set of
// inodes the kernel has been handed and issues forget notifications,
// bounded by a per-request deadline so a slow kernel cannot stall a
// revision switch indefinitely.
package invalidate

import (
	"sort"
	"sync"
)

// InodeTracker records which inodes have been surfaced to the kernel.
// The mount's lookup path feeds it; the invalidator snapshots it when
// a revision switch needs the kernel caches dropped. Safe for
// concurrent use.
type InodeTracker struct {
	mu    sync.Mutex
	paths map[uint64]string
}

func NewInodeTracker() *InodeTracker {
	return &InodeTracker{paths: make(map[uint64]string)}
}

// VfsGet records that ino has been handed to the kernel for path.
// Re-recording an inode updates its path.
func (t *InodeTracker) VfsGet(ino uint64, path string) {
	t.mu.Lock()
	t.paths[ino] = path
	t.mu.Unlock()
}

// Forget drops an inode after the kernel has released it.
func (t *InodeTracker) Forget(ino uint64) {
	t.mu.Lock()
	delete(t.paths, ino)
	t.mu.Unlock()
}

// PathOf returns the path an inode was last surfaced for.
func (t *InodeTracker) PathOf(ino uint64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	path, ok := t.paths[ino]
	return path, ok
}

// Len returns the number of tracked inodes.
func (t *InodeTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.paths)
}

// Snapshot returns the tracked inodes in ascending order. The copy is
// what an invalidation run iterates, so inodes recorded mid-run are
// picked up by the next run.
func (t *InodeTracker) Snapshot() []uint64 {
	t.mu.Lock()
	inodes := make([]uint64, 0, len(t.paths))
	for ino := range t.paths {
		inodes = append(inodes, ino)
	}
	t.mu.Unlock()
	sort.Slice(inodes, func(i, j int) bool { return inodes[i] < inodes[j] })
	return inodes
}
