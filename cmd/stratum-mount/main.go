// Copyright 2026 The Stratum Authors
// SPDX-License-Identifier: Apache-2.0

// stratum-mount serves a published repository as a read-only FUSE
// filesystem and follows new revisions as they are published.
//
//	stratum-mount --backend /srv/repo --mountpoint /stratum/repo
//
// The published manifest is polled; when a newer revision appears,
// the catalog tree is swapped and the kernel caches of previously
// surfaced inodes are swept within the refresh budget.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/stratumfs/stratum/lib/catalog"
	"github.com/stratumfs/stratum/lib/manifest"
	"github.com/stratumfs/stratum/lib/mount"
	"github.com/stratumfs/stratum/lib/objstore"
	"github.com/stratumfs/stratum/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		showVersion     bool
		backendDir      string
		mountpoint      string
		scratchDir      string
		allowOther      bool
		refreshInterval time.Duration
		refreshBudget   time.Duration
	)
	flagSet := pflag.NewFlagSet("stratum-mount", pflag.ContinueOnError)
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.StringVar(&backendDir, "backend", "", "backend store root directory (required)")
	flagSet.StringVar(&mountpoint, "mountpoint", "", "FUSE mount directory (required)")
	flagSet.StringVar(&scratchDir, "scratch", "", "directory for catalog staging databases (default: a fresh temp dir)")
	flagSet.BoolVar(&allowOther, "allow-other", false, "permit other users to access the mount")
	flagSet.DurationVar(&refreshInterval, "refresh-interval", 30*time.Second, "poll interval for new revisions (0 disables)")
	flagSet.DurationVar(&refreshBudget, "refresh-budget", mount.DefaultRefreshBudget, "time budget for the kernel cache sweep per revision switch")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("stratum-mount %s\n", version.Info())
		return nil
	}
	if backendDir == "" {
		return fmt.Errorf("--backend is required")
	}
	if mountpoint == "" {
		return fmt.Errorf("--mountpoint is required")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if scratchDir == "" {
		var err error
		scratchDir, err = os.MkdirTemp("", "stratum-mount-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(scratchDir)
	}

	store, err := objstore.OpenDir(backendDir)
	if err != nil {
		return err
	}
	current, err := loadPublished(ctx, store)
	if err != nil {
		return err
	}
	manager, err := catalog.NewManager(ctx, catalog.ManagerConfig{
		Store:      store,
		ScratchDir: scratchDir,
		Logger:     logger,
	}, current.RootHash)
	if err != nil {
		return err
	}
	defer manager.Close()

	m, err := mount.Open(mount.Options{
		Mountpoint: mountpoint,
		Store:      store,
		Manager:    manager,
		AllowOther: allowOther,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer m.Unmount()
	logger.Info("serving revision", "revision", current.Revision, "root", current.RootHash)

	if refreshInterval > 0 {
		go followRevisions(ctx, m, store, current, refreshInterval, refreshBudget, logger)
	}

	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
	return nil
}

// followRevisions polls the published manifest and switches the mount
// when a newer revision appears. Direct successors are verified
// against the hash chain; larger jumps are accepted on revision
// monotonicity alone.
func followRevisions(ctx context.Context, m *mount.Mount, store objstore.Store, current *manifest.Manifest, interval, budget time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		next, err := loadPublished(ctx, store)
		if err != nil {
			logger.Warn("polling published manifest failed", "error", err)
			continue
		}
		if next.Revision <= current.Revision {
			continue
		}
		if next.Revision == current.Revision+1 {
			if err := current.VerifySuccessor(next); err != nil {
				logger.Error("published manifest fails chain verification", "error", err)
				continue
			}
		}
		if err := m.RefreshRoot(ctx, next.RootHash, budget); err != nil {
			logger.Error("revision switch failed", "revision", next.Revision, "error", err)
			continue
		}
		logger.Info("revision switched", "revision", next.Revision, "root", next.RootHash)
		current = next
	}
}

func loadPublished(ctx context.Context, store objstore.Store) (*manifest.Manifest, error) {
	raw, err := store.LoadNamed(ctx, manifest.PublishedName)
	if err != nil {
		return nil, err
	}
	return manifest.Unmarshal(raw)
}
