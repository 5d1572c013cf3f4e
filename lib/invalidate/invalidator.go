// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

package invalidate

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratumfs/stratum/lib/clock"
)

// checkTimeoutFreqOps is how many kernel notifications run between
// deadline and termination checks. Checking the clock per inode costs
// more than the notification itself on busy mounts.
const checkTimeoutFreqOps = 256

// KernelNotifier issues one cache eviction to the kernel. The go-fuse
// adapter lives in notifier.go; tests substitute counting fakes.
type KernelNotifier interface {
	InvalidateInode(ino uint64) error
}

// Config configures an Invalidator. Tracker and Notifier are
// required.
type Config struct {
	Tracker  *InodeTracker
	Notifier KernelNotifier

	// Clock is consulted for request deadlines. Nil means the real
	// clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// Invalidator serializes invalidation requests onto one background
// worker. Submitting returns immediately; completion is observed
// through the request's handle.
//
// After Terminate, requests complete immediately without touching the
// kernel: a terminated invalidator pairs with a mount that is going
// away, where evictions are pointless work.
type Invalidator struct {
	tracker  *InodeTracker
	notifier KernelNotifier
	clk      clock.Clock
	logger   *slog.Logger

	requests   chan *Handle
	quit       chan struct{}
	worker     sync.WaitGroup
	spawned    bool
	terminated atomic.Bool
	quitOnce   sync.Once
}

// New validates the config. The worker starts on Spawn.
func New(cfg Config) (*Invalidator, error) {
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("invalidate: Tracker is required")
	}
	if cfg.Notifier == nil {
		return nil, fmt.Errorf("invalidate: Notifier is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Invalidator{
		tracker:  cfg.Tracker,
		notifier: cfg.Notifier,
		clk:      cfg.Clock,
		logger:   cfg.Logger,
		requests: make(chan *Handle, 64),
		quit:     make(chan struct{}),
	}, nil
}

// Spawn starts the background worker. Must be called exactly once
// before the first request.
func (i *Invalidator) Spawn() {
	if i.spawned {
		panic("invalidate: Spawn called twice")
	}
	i.spawned = true
	i.worker.Add(1)
	go i.run()
}

// InvalidateInodes submits a request and returns immediately. The
// handle completes when the sweep finishes, hits its deadline, or the
// invalidator is terminated.
func (i *Invalidator) InvalidateInodes(h *Handle) {
	if !i.spawned {
		panic("invalidate: InvalidateInodes before Spawn")
	}
	if i.terminated.Load() {
		h.markDone()
		return
	}
	i.requests <- h
}

// Terminate stops the invalidator. In-flight sweeps abort at the next
// deadline check; queued and future requests complete without any
// kernel notifications. Blocks until the worker has exited.
// Idempotent.
func (i *Invalidator) Terminate() {
	i.terminated.Store(true)
	i.quitOnce.Do(func() { close(i.quit) })
	if i.spawned {
		i.worker.Wait()
	}
}

func (i *Invalidator) run() {
	defer i.worker.Done()
	for {
		select {
		case h := <-i.requests:
			i.process(h)
		case <-i.quit:
			for {
				select {
				case h := <-i.requests:
					h.markDone()
				default:
					return
				}
			}
		}
	}
}

// process runs one sweep. The deadline and termination flag are
// consulted every checkTimeoutFreqOps notifications, not per inode.
func (i *Invalidator) process(h *Handle) {
	defer h.markDone()
	if i.terminated.Load() {
		return
	}

	var deadline time.Time
	hasDeadline := h.timeout >= 0
	if hasDeadline {
		deadline = i.clk.Now().Add(h.timeout)
	}

	inodes := i.tracker.Snapshot()
	notified := 0
	for _, ino := range inodes {
		if err := i.notifier.InvalidateInode(ino); err != nil {
			i.logger.Debug("kernel notify failed", "inode", ino, "error", err)
		}
		notified++
		if notified%checkTimeoutFreqOps == 0 {
			if i.terminated.Load() {
				i.logger.Debug("sweep aborted by termination", "notified", notified)
				return
			}
			if hasDeadline && !i.clk.Now().Before(deadline) {
				i.logger.Debug("sweep hit deadline", "notified", notified, "tracked", len(inodes))
				return
			}
		}
	}
	i.logger.Debug("sweep completed", "notified", notified)
}
