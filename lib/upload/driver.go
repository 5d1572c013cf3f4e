// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stratumfs/stratum/lib/objectid"
)

// Driver is the backend-specific half of the pipeline. Implementations
// move bytes and nothing else: queueing, callback delivery, and error
// accounting are handled by the Uploader. All methods may be called
// concurrently from NumTasks worker goroutines, except that the
// stream methods of one handle are serialized by the queue routing.
type Driver interface {
	// Name returns the backend name as used in spooler definitions.
	Name() string

	// NumTasks is the number of worker goroutines the backend wants.
	// Must be at least 1.
	NumTasks() int

	// FileUpload copies a finished local file to remotePath in the
	// backend. The destination must appear atomically: a concurrent
	// reader sees either the old object or the complete new one.
	FileUpload(ctx context.Context, localPath, remotePath string) error

	// InitStream attaches driver state to a fresh stream handle.
	InitStream(handle *StreamHandle) error

	// StreamedUpload appends one buffer to an open stream.
	StreamedUpload(ctx context.Context, handle *StreamHandle, buffer []byte) error

	// FinalizeStream seals an open stream under the data path of id
	// and releases the handle's driver state. After FinalizeStream
	// returns the handle is dead.
	FinalizeStream(ctx context.Context, handle *StreamHandle, id objectid.ObjectID) error

	// Remove deletes a backend object. Removing a path that does not
	// exist succeeds; content addressed stores tolerate orphans, so
	// cleanup must be idempotent.
	Remove(ctx context.Context, remotePath string) error

	// Peek reports whether a backend object exists.
	Peek(ctx context.Context, remotePath string) (bool, error)

	// PlaceBootstrapShortcut publishes a top-level alias for the data
	// object id, so clients can fetch a root catalog before they can
	// resolve sharded data paths.
	PlaceBootstrapShortcut(ctx context.Context, id objectid.ObjectID) error
}

// Constructor builds a driver from a parsed spooler definition.
type Constructor func(ctx context.Context, def Definition, logger *slog.Logger) (Driver, error)

// Registry maps backend names to driver constructors. The zero value
// is unusable; start from NewRegistry and add experimental backends
// on top.
type Registry map[string]Constructor

// NewRegistry returns a registry with the built-in backends.
func NewRegistry() Registry {
	return Registry{
		"local": func(ctx context.Context, def Definition, logger *slog.Logger) (Driver, error) {
			return NewLocalDriver(LocalConfig{
				Root:    def.LocalRoot,
				TempDir: def.TempDir,
				Logger:  logger,
			})
		},
		"s3": func(ctx context.Context, def Definition, logger *slog.Logger) (Driver, error) {
			cfg, err := LoadS3Config(def.S3ConfigPath)
			if err != nil {
				return nil, err
			}
			return NewS3Driver(ctx, cfg, def.TempDir, logger)
		},
	}
}

// New constructs the driver named by the definition.
func (r Registry) New(ctx context.Context, def Definition, logger *slog.Logger) (Driver, error) {
	ctor, ok := r[def.Backend]
	if !ok {
		return nil, fmt.Errorf("upload: no driver registered for backend %q", def.Backend)
	}
	return ctor(ctx, def, logger)
}
