// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/stratumfs/stratum/lib/objectid"
)

// tubeCapacity bounds how many jobs a producer can have queued per
// worker before scheduling blocks.
const tubeCapacity = 128

// Uploader is the pipeline core shared by all backends. It owns the
// job queues, the consumer group, the in-flight counter, and the
// error counter. Producers schedule jobs and either attach a callback
// or batch up work and call WaitForUpload.
//
// Lifecycle: New spawns the workers immediately. TearDown drains the
// queues and joins the workers; scheduling after TearDown panics.
type Uploader struct {
	driver Driver
	logger *slog.Logger
	ctx    context.Context

	tubes   []chan job
	workers sync.WaitGroup

	mu       sync.Mutex
	cond     *sync.Cond
	inFlight int

	nextStream atomic.Uint64
	errors     atomic.Uint64
	tornDown   atomic.Bool
}

// NewUploader spawns the worker group for driver. The context is the
// lifetime of the uploader and is passed to every driver call.
func NewUploader(ctx context.Context, driver Driver, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	n := driver.NumTasks()
	if n < 1 {
		n = 1
	}
	u := &Uploader{
		driver: driver,
		logger: logger.With("backend", driver.Name()),
		ctx:    ctx,
		tubes:  make([]chan job, n),
	}
	u.cond = sync.NewCond(&u.mu)
	for i := range u.tubes {
		u.tubes[i] = make(chan job, tubeCapacity)
	}
	u.workers.Add(n)
	for i := range u.tubes {
		go u.worker(u.tubes[i])
	}
	return u
}

// Upload schedules a one-shot upload of a whole local file to
// remotePath. The callback, if any, fires exactly once.
func (u *Uploader) Upload(localPath, remotePath string, cb Callback) {
	u.checkUsable()
	u.jobStarted()
	u.dispatch(fnvHash(remotePath), job{
		kind:       jobFile,
		localPath:  localPath,
		remotePath: remotePath,
		callback:   newCallback(cb),
	})
}

// UploadObject schedules a one-shot upload of a local file to the
// sharded data path of id.
func (u *Uploader) UploadObject(id objectid.ObjectID, localPath string, cb Callback) {
	u.Upload(localPath, id.StoragePath(), cb)
}

// InitStreamedUpload opens a new streamed upload. The commit callback
// fires exactly once, after the final buffer, when the stream is
// sealed or has failed.
func (u *Uploader) InitStreamedUpload(commit Callback) (*StreamHandle, error) {
	u.checkUsable()
	handle := &StreamHandle{
		id:     u.nextStream.Add(1),
		commit: newCallback(commit),
	}
	if err := u.driver.InitStream(handle); err != nil {
		return nil, err
	}
	return handle, nil
}

// ScheduleUpload queues one buffer of an open stream. The buffer is
// owned by the pipeline from this point on. A nil callback is fine
// for producers that only care about the commit result.
func (u *Uploader) ScheduleUpload(handle *StreamHandle, buffer []byte, cb Callback) {
	u.checkUsable()
	u.jobStarted()
	u.dispatch(handle.id, job{
		kind:     jobBuffer,
		handle:   handle,
		buffer:   buffer,
		callback: newCallback(cb),
	})
}

// ScheduleCommit queues the final commit of an open stream, sealing
// it under the data path of id. No buffers may be scheduled on the
// handle afterwards.
func (u *Uploader) ScheduleCommit(handle *StreamHandle, id objectid.ObjectID) {
	u.checkUsable()
	u.jobStarted()
	u.dispatch(handle.id, job{
		kind:   jobCommit,
		handle: handle,
		id:     id,
	})
}

// Remove deletes a backend object. Synchronous; removing a path that
// does not exist succeeds.
func (u *Uploader) Remove(remotePath string) error {
	u.checkUsable()
	return u.driver.Remove(u.ctx, remotePath)
}

// RemoveObject deletes the data object stored under id.
func (u *Uploader) RemoveObject(id objectid.ObjectID) error {
	return u.Remove(id.StoragePath())
}

// Peek reports whether a backend object exists. Synchronous and may
// block on backend latency.
func (u *Uploader) Peek(remotePath string) (bool, error) {
	u.checkUsable()
	return u.driver.Peek(u.ctx, remotePath)
}

// PlaceBootstrapShortcut publishes a top-level alias for id.
func (u *Uploader) PlaceBootstrapShortcut(id objectid.ObjectID) error {
	u.checkUsable()
	return u.driver.PlaceBootstrapShortcut(u.ctx, id)
}

// WaitForUpload blocks until every job scheduled so far has
// responded. Jobs scheduled concurrently with the wait may or may not
// be covered; callers that need a quiesced pipeline must stop
// producing first.
func (u *Uploader) WaitForUpload() {
	u.checkUsable()
	u.mu.Lock()
	defer u.mu.Unlock()
	for u.inFlight > 0 {
		u.cond.Wait()
	}
}

// ErrorCount returns the number of failed jobs since construction.
// Batch producers compare counts around a WaitForUpload to decide
// whether a whole transaction succeeded.
func (u *Uploader) ErrorCount() uint64 {
	return u.errors.Load()
}

// TearDown drains the queues and joins the worker group. It must be
// called exactly once, after the last job has been scheduled; any use
// of the uploader afterwards panics.
func (u *Uploader) TearDown() {
	if u.tornDown.Swap(true) {
		panic("upload: TearDown called twice")
	}
	for _, tube := range u.tubes {
		tube <- job{kind: jobTerminate}
	}
	u.workers.Wait()
}

func (u *Uploader) checkUsable() {
	if u.tornDown.Load() {
		panic("upload: uploader used after TearDown")
	}
}

func (u *Uploader) jobStarted() {
	u.mu.Lock()
	u.inFlight++
	u.mu.Unlock()
}

// dispatch routes a job to a tube. All jobs sharing a key land in the
// same tube, which is what serializes a stream's buffers and commit.
func (u *Uploader) dispatch(key uint64, j job) {
	u.tubes[key%uint64(len(u.tubes))] <- j
}

func (u *Uploader) worker(tube <-chan job) {
	defer u.workers.Done()
	for j := range tube {
		switch j.kind {
		case jobTerminate:
			return
		case jobFile:
			err := u.driver.FileUpload(u.ctx, j.localPath, j.remotePath)
			if err != nil {
				u.logger.Error("file upload failed",
					"local", j.localPath, "remote", j.remotePath, "error", err)
			}
			u.respond(j.callback, Result{
				Type:       ResultFileUpload,
				Err:        err,
				LocalPath:  j.localPath,
				RemotePath: j.remotePath,
			})
		case jobBuffer:
			err := u.driver.StreamedUpload(u.ctx, j.handle, j.buffer)
			if err != nil {
				u.logger.Error("streamed upload failed",
					"stream", j.handle.id, "error", err)
			}
			u.respond(j.callback, Result{Type: ResultBufferUpload, Err: err})
		case jobCommit:
			err := u.driver.FinalizeStream(u.ctx, j.handle, j.id)
			if err != nil {
				u.logger.Error("stream commit failed",
					"stream", j.handle.id, "object", j.id, "error", err)
			}
			u.respond(j.handle.commit, Result{
				Type:     ResultStreamCommit,
				Err:      err,
				ObjectID: j.id,
			})
		}
	}
}

// respond finishes one job: count errors, fire the callback exactly
// once, release the in-flight slot. The counter is released last so
// WaitForUpload only returns after callbacks have run.
func (u *Uploader) respond(cb *callback, r Result) {
	if r.Err != nil {
		u.errors.Add(1)
	}
	cb.invoke(r)
	u.mu.Lock()
	u.inFlight--
	u.cond.Broadcast()
	u.mu.Unlock()
}

// fnvHash spreads file upload paths across tubes. FNV-1a, inlined to
// avoid allocating a hash.Hash64 per job.
func fnvHash(s string) uint64 {
	h := uint64(14695981039346656037)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
