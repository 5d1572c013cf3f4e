// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

// Package upload implements the asynchronous pipeline that ships
// finished catalog and data blobs to a backend store.
//
// The moving parts, producer to consumer:
//
//   - Spooler: the facade the publish path talks to. One-shot file
//     uploads and streamed (chunked) uploads with a final commit.
//   - Uploader: the shared pipeline core. An in-flight job counter,
//     one or more job queues, and a consumer group of worker
//     goroutines that dispatch jobs to the backend driver.
//   - Driver: the backend-specific half, local disk or an S3
//     compatible object store. Drivers only move bytes; queueing,
//     callbacks, and error accounting live in the Uploader.
//
// Job completion is reported through single-use callbacks. A callback
// fires exactly once per job; responding twice to the same job is a
// programming error and panics, because it means the in-flight
// accounting is corrupt.
//
// Per-stream ordering: all jobs of one stream handle are routed to
// the same queue, so a stream's buffers are processed in submission
// order and its commit runs last, regardless of how many worker
// tasks the driver requests.
package upload
