// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

package invalidate

import (
	"fmt"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// ServerNotifier adapts a mounted go-fuse server to KernelNotifier.
type ServerNotifier struct {
	server *fuse.Server
}

func NewServerNotifier(server *fuse.Server) *ServerNotifier {
	return &ServerNotifier{server: server}
}

// InvalidateInode drops the kernel's attribute and data cache for one
// inode. ENOENT means the kernel had already forgotten it, which is
// the desired end state.
func (n *ServerNotifier) InvalidateInode(ino uint64) error {
	status := n.server.InodeNotify(ino, 0, -1)
	if status != fuse.OK && status != fuse.ENOENT {
		return fmt.Errorf("invalidate: inode %d: %v", ino, status)
	}
	return nil
}
