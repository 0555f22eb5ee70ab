package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kgerg2/backup/internal/rclone"
)

// Uploader is the single global transfer worker. All folders' copy and move
// jobs funnel through it so at most one bulk transfer runs at a time.
type Uploader struct {
	runner *rclone.Runner
	in     <-chan UploadJob
}

func NewUploader(runner *rclone.Runner, in <-chan UploadJob) *Uploader {
	return &Uploader{runner: runner, in: in}
}

func (u *Uploader) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-u.in:
			if err := u.transfer(ctx, job); err != nil {
				return err
			}
		}
	}
}

func (u *Uploader) transfer(ctx context.Context, job UploadJob) error {
	if len(job.Paths) == 0 {
		slog.Warn("empty transfer job", "action", job.Action, "dst", job.DstRoot)
		return nil
	}

	scratch, err := rclone.NewScratchDir()
	if err != nil {
		return fmt.Errorf("transfer %s: %w", job.DstRoot, err)
	}
	defer scratch.Cleanup()

	list, err := scratch.WriteList("transfer.txt", job.Paths)
	if err != nil {
		return fmt.Errorf("transfer %s: %w", job.DstRoot, err)
	}

	slog.Info("transfer starting", "action", job.Action, "paths", len(job.Paths), "dst", job.DstRoot)
	_, err = u.runner.Run(ctx, rclone.Command{
		Name:   string(job.Action),
		Args:   []string{"--files-from", list, job.SrcRoot, job.DstRoot},
		Strict: true,
		Async:  true,
	})
	if err != nil {
		return fmt.Errorf("transfer %s: %w", job.DstRoot, err)
	}
	slog.Info("transfer finished", "action", job.Action, "paths", len(job.Paths), "dst", job.DstRoot)
	return nil
}
