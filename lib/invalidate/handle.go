// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

package invalidate

import (
	"sync"
	"time"
)

// NoDeadline requests a full sweep with no time budget.
const NoDeadline time.Duration = -1

// Handle tracks one invalidation request from submission to
// completion. A handle is single-shot; Reset rearms a completed
// handle for reuse with the same budget.
type Handle struct {
	timeout time.Duration

	mu        sync.Mutex
	done      chan struct{}
	completed bool
}

// NewHandle creates a handle with the given time budget. A zero
// budget still evicts up to the first deadline check; NoDeadline
// sweeps the whole inode set.
func NewHandle(timeout time.Duration) *Handle {
	return &Handle{timeout: timeout, done: make(chan struct{})}
}

// Timeout returns the budget the handle was created with.
func (h *Handle) Timeout() time.Duration { return h.timeout }

// IsDone reports whether the request has completed.
func (h *Handle) IsDone() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed
}

// WaitFor blocks until the request completes.
func (h *Handle) WaitFor() {
	h.mu.Lock()
	ch := h.done
	h.mu.Unlock()
	<-ch
}

// Reset rearms a completed handle. Resetting a pending handle is a
// programming error: the worker still holds it.
func (h *Handle) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.completed {
		panic("invalidate: Reset on a pending handle")
	}
	h.completed = false
	h.done = make(chan struct{})
}

func (h *Handle) markDone() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.completed {
		panic("invalidate: handle completed twice")
	}
	h.completed = true
	close(h.done)
}
