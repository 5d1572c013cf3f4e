// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/stratumfs/stratum/lib/objectid"
)

// LocalConfig configures a local disk backend.
type LocalConfig struct {
	// Root is the backend root directory. Created if missing.
	Root string

	// TempDir is the staging area. Must be on the same filesystem as
	// Root so finished files can be renamed into place.
	TempDir string

	// NumTasks is the worker count. Defaults to 1; local disk rarely
	// benefits from more.
	NumTasks int

	Logger *slog.Logger
}

// LocalDriver stores objects in a directory tree. Writes stage in the
// temp directory and rename into place, so a path either resolves to
// a complete object or not at all.
type LocalDriver struct {
	root    string
	tempDir string
	tasks   int
	logger  *slog.Logger
}

// NewLocalDriver creates the root and temp directories if needed.
func NewLocalDriver(cfg LocalConfig) (*LocalDriver, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("upload: local driver needs a root directory")
	}
	if cfg.TempDir == "" {
		return nil, fmt.Errorf("upload: local driver needs a temp directory")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.NumTasks < 1 {
		cfg.NumTasks = 1
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("upload: creating backend root: %w", err)
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: creating temp directory: %w", err)
	}
	return &LocalDriver{
		root:    cfg.Root,
		tempDir: cfg.TempDir,
		tasks:   cfg.NumTasks,
		logger:  cfg.Logger,
	}, nil
}

func (d *LocalDriver) Name() string  { return "local" }
func (d *LocalDriver) NumTasks() int { return d.tasks }

func (d *LocalDriver) FileUpload(ctx context.Context, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening upload source: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(d.tempDir, "upload-*")
	if err != nil {
		return fmt.Errorf("staging upload: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("staging upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("staging upload: %w", err)
	}
	return d.moveIntoPlace(tmp.Name(), remotePath)
}

// localStream is the driver state of one open streamed upload.
type localStream struct {
	file *os.File
}

func (d *LocalDriver) InitStream(handle *StreamHandle) error {
	tmp, err := os.CreateTemp(d.tempDir, "stream-*")
	if err != nil {
		return fmt.Errorf("opening stream staging file: %w", err)
	}
	handle.State = &localStream{file: tmp}
	return nil
}

func (d *LocalDriver) StreamedUpload(ctx context.Context, handle *StreamHandle, buffer []byte) error {
	st := handle.State.(*localStream)
	if _, err := st.file.Write(buffer); err != nil {
		return fmt.Errorf("writing stream buffer: %w", err)
	}
	return nil
}

func (d *LocalDriver) FinalizeStream(ctx context.Context, handle *StreamHandle, id objectid.ObjectID) error {
	st := handle.State.(*localStream)
	handle.State = nil
	name := st.file.Name()
	if err := st.file.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("closing stream staging file: %w", err)
	}
	return d.moveIntoPlace(name, id.StoragePath())
}

func (d *LocalDriver) Remove(ctx context.Context, remotePath string) error {
	err := os.Remove(filepath.Join(d.root, filepath.FromSlash(remotePath)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing backend object: %w", err)
	}
	return nil
}

func (d *LocalDriver) Peek(ctx context.Context, remotePath string) (bool, error) {
	_, err := os.Stat(filepath.Join(d.root, filepath.FromSlash(remotePath)))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("probing backend object: %w", err)
	}
	return true, nil
}

// PlaceBootstrapShortcut links the data object of id to a top-level
// path named after its hex digest.
func (d *LocalDriver) PlaceBootstrapShortcut(ctx context.Context, id objectid.ObjectID) error {
	target := filepath.Join(d.root, filepath.FromSlash(id.StoragePath()))
	shortcut := filepath.Join(d.root, id.String())
	if err := os.Remove(shortcut); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replacing bootstrap shortcut: %w", err)
	}
	if err := os.Link(target, shortcut); err != nil {
		return fmt.Errorf("placing bootstrap shortcut: %w", err)
	}
	return nil
}

// moveIntoPlace renames a staged file to its final backend path,
// creating the shard directory on demand. Permissions widen to 0644
// because CreateTemp defaults to 0600.
func (d *LocalDriver) moveIntoPlace(staged, remotePath string) error {
	final := filepath.Join(d.root, filepath.FromSlash(remotePath))
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		os.Remove(staged)
		return fmt.Errorf("creating shard directory: %w", err)
	}
	if err := os.Chmod(staged, 0o644); err != nil {
		os.Remove(staged)
		return fmt.Errorf("finishing upload: %w", err)
	}
	if err := os.Rename(staged, final); err != nil {
		os.Remove(staged)
		return fmt.Errorf("finishing upload: %w", err)
	}
	return nil
}
