// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"sync/atomic"

	"github.com/stratumfs/stratum/lib/objectid"
)

// ResultType tells a callback what kind of job finished.
type ResultType int

const (
	// ResultFileUpload is a one-shot upload of a whole local file.
	ResultFileUpload ResultType = iota
	// ResultBufferUpload is one buffer of a streamed upload.
	ResultBufferUpload
	// ResultStreamCommit is the final commit of a streamed upload.
	ResultStreamCommit
)

// Result is delivered to a job's callback exactly once.
type Result struct {
	Type ResultType

	// Err is nil on success. Failed jobs also bump the uploader's
	// error counter, so batch producers can fire-and-forget and check
	// ErrorCount after WaitForUpload.
	Err error

	// LocalPath is the source file of a ResultFileUpload.
	LocalPath string

	// RemotePath is the backend destination of a ResultFileUpload.
	RemotePath string

	// ObjectID is the content id a ResultStreamCommit was sealed
	// under. Zero for other result types.
	ObjectID objectid.ObjectID
}

// Callback receives the result of a finished job. Callbacks run on a
// worker goroutine and must not block for long.
type Callback func(Result)

// callback wraps a user callback so the exactly-once contract can be
// enforced. A nil *callback is valid and means "nobody is listening";
// the job still participates in in-flight accounting.
type callback struct {
	fn       Callback
	consumed atomic.Bool
}

func newCallback(fn Callback) *callback {
	if fn == nil {
		return nil
	}
	return &callback{fn: fn}
}

func (c *callback) invoke(r Result) {
	if c == nil {
		return
	}
	if c.consumed.Swap(true) {
		panic("upload: job callback invoked twice")
	}
	c.fn(r)
}

// StreamHandle identifies one streamed upload from InitStreamedUpload
// to its commit. The uploader owns the commit callback and the queue
// routing id; drivers hang their per-stream state off State.
type StreamHandle struct {
	id     uint64
	commit *callback

	// State is owned by the driver that initialized the stream.
	State any
}

type jobKind int

const (
	jobFile jobKind = iota
	jobBuffer
	jobCommit
	jobTerminate
)

// job is one unit of work in a tube. Terminate beacons carry no
// payload; every worker exits after consuming exactly one.
type job struct {
	kind jobKind

	// jobFile
	localPath  string
	remotePath string

	// jobBuffer and jobCommit
	handle *StreamHandle
	buffer []byte
	id     objectid.ObjectID

	// jobFile and jobBuffer. Commit jobs respond through the
	// handle's commit callback instead.
	callback *callback
}
