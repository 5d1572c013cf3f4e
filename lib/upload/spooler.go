// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/stratumfs/stratum/lib/objectid"
)

// Spooler is the backend pipeline as seen by the publish path. It
// binds a parsed definition, a constructed driver, and the shared
// uploader core, and adds the session bookkeeping (temp files,
// session verdict) that producers want.
type Spooler struct {
	def      Definition
	uploader *Uploader
	logger   *slog.Logger
}

// NewSpooler builds the driver named by def through the registry and
// spawns the pipeline.
func NewSpooler(ctx context.Context, def Definition, registry Registry, logger *slog.Logger) (*Spooler, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	driver, err := registry.New(ctx, def, logger)
	if err != nil {
		return nil, err
	}
	return &Spooler{
		def:      def,
		uploader: NewUploader(ctx, driver, logger),
		logger:   logger,
	}, nil
}

// Definition returns the definition the spooler was built from.
func (s *Spooler) Definition() Definition { return s.def }

// TempDir returns the staging directory. Files created there can be
// handed to Upload without a cross-filesystem copy.
func (s *Spooler) TempDir() string { return s.def.TempDir }

// CreateTempFile opens a fresh file in the staging directory.
func (s *Spooler) CreateTempFile(pattern string) (*os.File, error) {
	f, err := os.CreateTemp(s.def.TempDir, pattern)
	if err != nil {
		return nil, fmt.Errorf("upload: creating temp file: %w", err)
	}
	return f, nil
}

// Upload schedules a one-shot upload of a local file.
func (s *Spooler) Upload(localPath, remotePath string, cb Callback) {
	s.uploader.Upload(localPath, remotePath, cb)
}

// UploadObject schedules a one-shot upload to the data path of id.
func (s *Spooler) UploadObject(id objectid.ObjectID, localPath string, cb Callback) {
	s.uploader.UploadObject(id, localPath, cb)
}

// InitStreamedUpload opens a streamed upload; see Uploader.
func (s *Spooler) InitStreamedUpload(commit Callback) (*StreamHandle, error) {
	return s.uploader.InitStreamedUpload(commit)
}

// ScheduleUpload queues one buffer of an open stream.
func (s *Spooler) ScheduleUpload(handle *StreamHandle, buffer []byte, cb Callback) {
	s.uploader.ScheduleUpload(handle, buffer, cb)
}

// ScheduleCommit seals an open stream under id.
func (s *Spooler) ScheduleCommit(handle *StreamHandle, id objectid.ObjectID) {
	s.uploader.ScheduleCommit(handle, id)
}

// Remove deletes a backend object; missing objects are fine.
func (s *Spooler) Remove(remotePath string) error {
	return s.uploader.Remove(remotePath)
}

// RemoveObject deletes the data object stored under id.
func (s *Spooler) RemoveObject(id objectid.ObjectID) error {
	return s.uploader.RemoveObject(id)
}

// Peek reports whether a backend object exists.
func (s *Spooler) Peek(remotePath string) (bool, error) {
	return s.uploader.Peek(remotePath)
}

// PlaceBootstrapShortcut publishes a top-level alias for id.
func (s *Spooler) PlaceBootstrapShortcut(id objectid.ObjectID) error {
	return s.uploader.PlaceBootstrapShortcut(id)
}

// WaitForUpload blocks until all scheduled jobs have responded.
func (s *Spooler) WaitForUpload() {
	s.uploader.WaitForUpload()
}

// ErrorCount returns the number of failed jobs since construction.
func (s *Spooler) ErrorCount() uint64 {
	return s.uploader.ErrorCount()
}

// FinalizeSession waits for the pipeline to quiesce and reports
// whether any job since errsBefore failed. Producers snapshot
// ErrorCount at the start of a batch and pass it here.
func (s *Spooler) FinalizeSession(errsBefore uint64) error {
	s.uploader.WaitForUpload()
	if n := s.uploader.ErrorCount(); n > errsBefore {
		return fmt.Errorf("upload: %d job(s) failed during session", n-errsBefore)
	}
	return nil
}

// TearDown drains and joins the pipeline. Must be called exactly
// once; the spooler is dead afterwards.
func (s *Spooler) TearDown() {
	s.uploader.TearDown()
}
