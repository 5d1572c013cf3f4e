// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

// stratum-publish manages repository revisions on a backend store.
//
//	stratum-publish --spooler local,/tmp/spool,/srv/repo init
//	stratum-publish --spooler local,/tmp/spool,/srv/repo ingest ./release
//	stratum-publish --spooler local,/tmp/spool,/srv/repo remove software/old
//
// The ingest command uploads every file of a source tree as a
// content-addressed data object and publishes a new revision whose
// catalogs describe the tree. Unchanged objects are deduplicated by
// content id and never re-uploaded.
package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/stratumfs/stratum/lib/catalog"
	"github.com/stratumfs/stratum/lib/compress"
	"github.com/stratumfs/stratum/lib/objectid"
	"github.com/stratumfs/stratum/lib/objstore"
	"github.com/stratumfs/stratum/lib/upload"
	"github.com/stratumfs/stratum/lib/version"
)

// uploadChunkSize is the buffer size for streamed data uploads.
const uploadChunkSize = 1 << 20

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		showVersion     bool
		spoolerDef      string
		scratchDir      string
		nestedThreshold int64
	)
	flagSet := pflag.NewFlagSet("stratum-publish", pflag.ContinueOnError)
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.StringVar(&spoolerDef, "spooler", "", "spooler definition: local,<temp>,<root> or s3,<temp>,<config> (required)")
	flagSet.StringVar(&scratchDir, "scratch", "", "directory for catalog staging databases (default: a fresh temp dir)")
	flagSet.Int64Var(&nestedThreshold, "nested-threshold", 0, "auto-partition catalogs past this entry count (0 disables)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("stratum-publish %s\n", version.Info())
		return nil
	}
	if spoolerDef == "" {
		return fmt.Errorf("--spooler is required")
	}
	if flagSet.NArg() < 1 {
		return fmt.Errorf("usage: stratum-publish [flags] init | ingest <dir> | remove <path>")
	}

	logger := newLogger()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	def, err := upload.ParseDefinition(spoolerDef)
	if err != nil {
		return err
	}
	spooler, err := upload.NewSpooler(ctx, def, upload.NewRegistry(), logger)
	if err != nil {
		return err
	}
	defer spooler.TearDown()

	if scratchDir == "" {
		scratchDir, err = os.MkdirTemp("", "stratum-scratch-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(scratchDir)
	}

	switch cmd := flagSet.Arg(0); cmd {
	case "init":
		m, err := catalog.CreateRepository(ctx, spooler, scratchDir, nil, logger)
		if err != nil {
			return err
		}
		fmt.Printf("revision %d published, root %s\n", m.Revision, m.RootHash)
		return nil
	case "ingest":
		if flagSet.NArg() != 2 {
			return fmt.Errorf("usage: stratum-publish ingest <dir>")
		}
		return ingest(ctx, spooler, def, scratchDir, nestedThreshold, flagSet.Arg(1), logger)
	case "remove":
		if flagSet.NArg() != 2 {
			return fmt.Errorf("usage: stratum-publish remove <path>")
		}
		return remove(ctx, spooler, def, scratchDir, flagSet.Arg(1), logger)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// openWritable attaches a publish transaction to the currently
// published revision. Only local backends can serve the read side;
// publishing against S3 expects a read replica mounted locally.
func openWritable(ctx context.Context, spooler *upload.Spooler, def upload.Definition, scratchDir string, threshold int64, logger *slog.Logger) (*catalog.WritableManager, error) {
	if def.Backend != "local" {
		return nil, fmt.Errorf("publishing requires a local backend for the read path, got %q", def.Backend)
	}
	store, err := objstore.OpenDir(def.LocalRoot)
	if err != nil {
		return nil, err
	}
	return catalog.NewWritableManager(ctx, catalog.WritableConfig{
		Store:           store,
		Spooler:         spooler,
		ScratchDir:      scratchDir,
		NestedThreshold: threshold,
		Logger:          logger,
	})
}

func ingest(ctx context.Context, spooler *upload.Spooler, def upload.Definition, scratchDir string, threshold int64, sourceDir string, logger *slog.Logger) error {
	w, err := openWritable(ctx, spooler, def, scratchDir, threshold, logger)
	if err != nil {
		return err
	}
	defer w.Close()

	errsBefore := spooler.ErrorCount()
	if err := ingestTree(ctx, w, spooler, sourceDir, logger); err != nil {
		return err
	}
	// All data objects must be stored before the catalogs that
	// reference them are committed.
	if err := spooler.FinalizeSession(errsBefore); err != nil {
		return err
	}
	m, err := w.Commit(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("revision %d published, root %s\n", m.Revision, m.RootHash)
	return nil
}

func remove(ctx context.Context, spooler *upload.Spooler, def upload.Definition, scratchDir string, path string, logger *slog.Logger) error {
	w, err := openWritable(ctx, spooler, def, scratchDir, 0, logger)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Remove(ctx, path); err != nil {
		return err
	}
	m, err := w.Commit(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("revision %d published, root %s\n", m.Revision, m.RootHash)
	return nil
}

// ingestTree walks the source directory depth-first, scheduling a
// streamed upload per regular file and recording catalog entries.
// Directory entries sort by name so repeated ingests of the same tree
// mutate catalogs in a stable order.
func ingestTree(ctx context.Context, w *catalog.WritableManager, spooler *upload.Spooler, sourceDir string, logger *slog.Logger) error {
	return walkSorted(sourceDir, "", func(repoPath string, info fs.FileInfo, fsPath string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		mode := uint32(info.Mode().Perm())
		mtime := info.ModTime().Unix()
		switch {
		case info.IsDir():
			return w.AddDirectory(ctx, catalog.DirectoryEntry{
				Path: repoPath, Type: catalog.EntryDirectory, Mode: mode, ModTime: mtime,
			}, nil)
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(fsPath)
			if err != nil {
				return err
			}
			return w.AddSymlink(ctx, catalog.DirectoryEntry{
				Path: repoPath, Type: catalog.EntrySymlink, Mode: mode,
				ModTime: mtime, SymlinkTarget: target,
			}, nil)
		case info.Mode().IsRegular():
			id, err := uploadFile(spooler, fsPath, logger)
			if err != nil {
				return err
			}
			return w.AddFile(ctx, catalog.DirectoryEntry{
				Path: repoPath, Type: catalog.EntryRegular, Size: info.Size(),
				Mode: mode, ModTime: mtime, ContentHash: id,
			}, nil)
		default:
			logger.Warn("skipping special file", "path", fsPath)
			return nil
		}
	})
}

// uploadFile hashes a file's content and schedules its blob as a
// streamed upload, skipping objects the backend already has.
func uploadFile(spooler *upload.Spooler, fsPath string, logger *slog.Logger) (objectid.ObjectID, error) {
	data, err := os.ReadFile(fsPath)
	if err != nil {
		return objectid.ObjectID{}, err
	}
	id := objectid.HashObject(data)

	exists, err := spooler.Peek(id.StoragePath())
	if err != nil {
		return objectid.ObjectID{}, err
	}
	if exists {
		logger.Debug("object already stored", "path", fsPath, "object", id)
		return id, nil
	}

	blob, err := compress.EncodeBlob(data, compress.LZ4)
	if err != nil {
		return objectid.ObjectID{}, err
	}
	handle, err := spooler.InitStreamedUpload(nil)
	if err != nil {
		return objectid.ObjectID{}, err
	}
	for off := 0; off < len(blob); off += uploadChunkSize {
		end := off + uploadChunkSize
		if end > len(blob) {
			end = len(blob)
		}
		spooler.ScheduleUpload(handle, blob[off:end], nil)
	}
	spooler.ScheduleCommit(handle, id)
	return id, nil
}

// walkSorted visits a tree depth-first with children in name order.
// fn receives the repository path, the (lstat) file info, and the
// filesystem path.
func walkSorted(dir, repoPath string, fn func(repoPath string, info fs.FileInfo, fsPath string) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, entry := range entries {
		fsPath := filepath.Join(dir, entry.Name())
		childRepo := catalog.JoinPath(repoPath, entry.Name())
		info, err := os.Lstat(fsPath)
		if err != nil {
			return err
		}
		if err := fn(childRepo, info, fsPath); err != nil {
			return err
		}
		if info.IsDir() {
			if err := walkSorted(fsPath, childRepo, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// newLogger is the standard binary logger: JSON to stderr at Info
// level, installed as the slog default.
func newLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	return logger
}
