// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

package invalidate

import (
	"sync/atomic"
	"testing"
	"time"
)

type countingNotifier struct {
	calls atomic.Int64
}

func (n *countingNotifier) InvalidateInode(ino uint64) error {
	n.calls.Add(1)
	return nil
}

func newTestInvalidator(t *testing.T, tracked int) (*Invalidator, *countingNotifier, *InodeTracker) {
	t.Helper()
	tracker := NewInodeTracker()
	for i := 0; i < tracked; i++ {
		tracker.VfsGet(uint64(i+1), "")
	}
	notifier := &countingNotifier{}
	inv, err := New(Config{Tracker: tracker, Notifier: notifier})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	inv.Spawn()
	t.Cleanup(inv.Terminate)
	return inv, notifier, tracker
}

func TestEmptySetCompletesWithoutNotifications(t *testing.T) {
	inv, notifier, _ := newTestInvalidator(t, 0)

	h := NewHandle(0)
	if h.IsDone() {
		t.Fatal("fresh handle is done")
	}
	inv.InvalidateInodes(h)
	h.WaitFor()
	if !h.IsDone() {
		t.Fatal("handle not done after WaitFor")
	}
	if n := notifier.calls.Load(); n != 0 {
		t.Fatalf("empty set produced %d notifications", n)
	}
}

// With an already-expired deadline the sweep stops at the first
// check, after exactly checkTimeoutFreqOps notifications.
func TestExpiredDeadlineStopsAtFirstCheck(t *testing.T) {
	inv, notifier, _ := newTestInvalidator(t, 4*checkTimeoutFreqOps)

	h := NewHandle(0)
	inv.InvalidateInodes(h)
	h.WaitFor()
	if n := notifier.calls.Load(); n != checkTimeoutFreqOps {
		t.Fatalf("notified %d inodes, want %d", n, checkTimeoutFreqOps)
	}
}

// A generous deadline sweeps the whole set. Reusing the stopped
// handle from an expired sweep is the normal pattern after a retry.
func TestGenerousDeadlineSweepsEverything(t *testing.T) {
	const tracked = 4 * checkTimeoutFreqOps
	inv, notifier, _ := newTestInvalidator(t, tracked)

	expired := NewHandle(0)
	inv.InvalidateInodes(expired)
	expired.WaitFor()

	generous := NewHandle(time.Hour)
	inv.InvalidateInodes(generous)
	generous.WaitFor()
	if n := notifier.calls.Load(); n != checkTimeoutFreqOps+tracked {
		t.Fatalf("notified %d inodes total, want %d", n, checkTimeoutFreqOps+tracked)
	}
}

func TestNoDeadlineSweepsEverything(t *testing.T) {
	const tracked = 3*checkTimeoutFreqOps + 17
	inv, notifier, _ := newTestInvalidator(t, tracked)

	h := NewHandle(NoDeadline)
	inv.InvalidateInodes(h)
	h.WaitFor()
	if n := notifier.calls.Load(); n != tracked {
		t.Fatalf("notified %d inodes, want %d", n, tracked)
	}
}

func TestHandleResetRearms(t *testing.T) {
	inv, notifier, tracker := newTestInvalidator(t, 10)

	h := NewHandle(time.Hour)
	inv.InvalidateInodes(h)
	h.WaitFor()
	if n := notifier.calls.Load(); n != 10 {
		t.Fatalf("first sweep notified %d", n)
	}

	tracker.VfsGet(11, "late/arrival")
	h.Reset()
	if h.IsDone() {
		t.Fatal("reset handle still done")
	}
	inv.InvalidateInodes(h)
	h.WaitFor()
	if n := notifier.calls.Load(); n != 21 {
		t.Fatalf("second sweep total %d, want 21", n)
	}
}

func TestResetPendingHandlePanics(t *testing.T) {
	h := NewHandle(0)
	defer func() {
		if recover() == nil {
			t.Fatal("Reset on pending handle did not panic")
		}
	}()
	h.Reset()
}

// Requests submitted after Terminate complete without any kernel
// notifications, no matter their budget.
func TestTerminatedInvalidatorNotifiesNothing(t *testing.T) {
	inv, notifier, _ := newTestInvalidator(t, 4*checkTimeoutFreqOps)
	inv.Terminate()

	for _, timeout := range []time.Duration{0, time.Hour, NoDeadline} {
		h := NewHandle(timeout)
		inv.InvalidateInodes(h)
		h.WaitFor()
	}
	if n := notifier.calls.Load(); n != 0 {
		t.Fatalf("terminated invalidator notified %d inodes", n)
	}
}

func TestTracker(t *testing.T) {
	tracker := NewInodeTracker()
	tracker.VfsGet(7, "a")
	tracker.VfsGet(3, "b")
	tracker.VfsGet(7, "a2")
	if tracker.Len() != 2 {
		t.Fatalf("Len = %d", tracker.Len())
	}
	if path, ok := tracker.PathOf(7); !ok || path != "a2" {
		t.Fatalf("PathOf(7) = %q, %v", path, ok)
	}
	snap := tracker.Snapshot()
	if len(snap) != 2 || snap[0] != 3 || snap[1] != 7 {
		t.Fatalf("Snapshot = %v", snap)
	}
	tracker.Forget(3)
	if tracker.Len() != 1 {
		t.Fatalf("Len after Forget = %d", tracker.Len())
	}
}
