package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"

	"github.com/kgerg2/backup/internal/archive"
	"github.com/kgerg2/backup/internal/scheduler"
)

// tasks builds the shipped schedule: monthly archival, a daily worker health
// check, the nightly cloud reconcile and the monthly trash purge.
func (s *Supervisor) tasks() []*scheduler.TimedTask {
	retries := s.cfg.Retry.MaxRetryCount
	return []*scheduler.TimedTask{
		{
			Name:          "archive",
			Run:           s.forAllFolders(func(ctx context.Context, id string) error { return s.archivers[id].Archive(ctx, 0) }),
			Trigger:       scheduler.MonthlyTrigger(1, 0, 0),
			MaxDelay:      4 * time.Hour,
			RetryTime:     24 * time.Hour,
			MaxRetryCount: retries,
		},
		{
			Name:          "check_processes",
			Run:           s.CheckProcesses,
			Trigger:       scheduler.DailyTrigger(1, 0),
			MaxDelay:      4 * time.Hour,
			RetryTime:     time.Hour,
			MaxRetryCount: retries,
			SkipIfRunning: true,
		},
		{
			Name:          "sync_from_cloud",
			Run:           s.forAllFoldersParallel(func(ctx context.Context, id string) error { return s.recs[id].SyncFromCloud(ctx) }),
			Trigger:       scheduler.DailyTrigger(23, 0),
			MaxDelay:      2 * time.Hour,
			RetryTime:     time.Hour,
			MaxRetryCount: retries,
		},
		{
			Name: "handle_trash",
			Run: s.forAllFoldersParallel(func(ctx context.Context, id string) error {
				return archive.HandleTrash(ctx, s.runner, s.cfg.Folder(id))
			}),
			Trigger:       scheduler.MonthlyTrigger(1, 10, 0),
			MaxDelay:      24 * time.Hour,
			RetryTime:     24 * time.Hour,
			MaxRetryCount: retries,
		},
	}
}

// forAllFolders runs fn once per configured folder, in order. One folder's
// failure is logged and does not stop the others. Archival stays sequential:
// folders may share one archive device.
func (s *Supervisor) forAllFolders(fn func(ctx context.Context, folderID string) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var errs []error
		for _, folder := range s.cfg.Folders {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, folder.ID); err != nil {
				slog.Error("folder task failed", "folder", folder.Name, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", folder.Name, err))
			}
		}
		return errors.Join(errs...)
	}
}

// forAllFoldersParallel runs fn for every folder concurrently, for tasks whose
// per-folder work shares nothing but the storage tool.
func (s *Supervisor) forAllFoldersParallel(fn func(ctx context.Context, folderID string) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var g errgroup.Group
		for _, folder := range s.cfg.Folders {
			g.Go(func() error {
				if err := fn(ctx, folder.ID); err != nil {
					slog.Error("folder task failed", "folder", folder.Name, "error", err)
					return fmt.Errorf("%s: %w", folder.Name, err)
				}
				return nil
			})
		}
		return g.Wait()
	}
}

// CheckProcesses restarts workers that died and logs the daemon's resource
// footprint.
func (s *Supervisor) CheckProcesses(ctx context.Context) error {
	var errs []error
	for _, name := range s.workerNames() {
		st, err := s.workerStatus(name)
		if err != nil {
			continue
		}
		if st.Running {
			continue
		}
		slog.Warn("worker found dead, restarting", "worker", name, "lastError", st.Error)
		if err := s.StartWorker(name); err != nil {
			errs = append(errs, fmt.Errorf("restart %s: %w", name, err))
		}
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			slog.Info("daemon resource usage", "rss", humanize.IBytes(mem.RSS), "workers", len(s.workerNames()))
		}
	}
	return errors.Join(errs...)
}
