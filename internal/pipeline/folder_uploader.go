package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kgerg2/backup/internal/config"
	"github.com/kgerg2/backup/internal/datalog"
	"github.com/kgerg2/backup/internal/index"
	"github.com/kgerg2/backup/internal/rclone"
)

// CollectionWindow is how long the folder uploader keeps merging consecutive
// same-action operations before dispatching them as one.
const CollectionWindow = 10 * time.Second

// FolderUploader consumes a folder's operation queue, coalesces bursts of
// copies and moves, and either forwards them to the global uploader or (for
// deletions) runs the storage tool itself.
type FolderUploader struct {
	folder *config.FolderConfig
	idx    *index.Store
	runner *rclone.Runner
	dl     *datalog.Logger
	in     <-chan FolderOp
	out    chan<- UploadJob
	window time.Duration
}

func NewFolderUploader(folder *config.FolderConfig, idx *index.Store, runner *rclone.Runner,
	dl *datalog.Logger, in <-chan FolderOp, out chan<- UploadJob) *FolderUploader {
	return &FolderUploader{
		folder: folder,
		idx:    idx,
		runner: runner,
		dl:     dl,
		in:     in,
		out:    out,
		window: CollectionWindow,
	}
}

func (f *FolderUploader) Run(ctx context.Context) error {
	var carried *FolderOp
	for {
		var op FolderOp
		if carried != nil {
			op, carried = *carried, nil
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case op = <-f.in:
			}
		}

		if op.Action.Coalesces() {
			op, carried = f.collect(ctx, op)
		}
		f.perform(ctx, op)
	}
}

// collect merges follow-up operations of the same action into op. The window
// restarts with every merged operation, so collection ends only after a full
// window of quiet. An operation of a different action ends the window early
// and is returned to be handled next.
func (f *FolderUploader) collect(ctx context.Context, op FolderOp) (FolderOp, *FolderOp) {
	timer := time.NewTimer(f.window)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return op, nil
		case <-timer.C:
			return op, nil
		case more := <-f.in:
			if more.Action != op.Action {
				return op, &more
			}
			op.Paths = append(op.Paths, more.Paths...)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(f.window)
		}
	}
}

func (f *FolderUploader) perform(ctx context.Context, op FolderOp) {
	switch op.Action {
	case ActionCopy, ActionMove:
		f.upload(ctx, op)
	case ActionDeleteFiles:
		f.deleteFiles(ctx, op.Paths)
	case ActionDeleteFolders:
		f.deleteFolders(ctx, op.Paths)
	default:
		slog.Error("unknown folder operation", "folder", f.folder.Name, "action", op.Action)
	}
}

func (f *FolderUploader) upload(ctx context.Context, op FolderOp) {
	paths := make([]string, 0, len(op.Paths))
	for _, p := range op.Paths {
		if Uploadable(p) {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		slog.Warn("nothing uploadable in operation", "folder", f.folder.Name, "action", op.Action, "dropped", len(op.Paths))
		return
	}

	job := UploadJob{
		Paths:   paths,
		Action:  op.Action,
		SrcRoot: f.folder.LocalRoot,
		DstRoot: f.folder.RemoteRoot,
	}
	select {
	case <-ctx.Done():
		return
	case f.out <- job:
	}

	// The uploaded stamp is set at dispatch. If the transfer later fails the
	// reconciler finds the mismatch and re-queues.
	if err := f.idx.MarkUploaded(paths); err != nil {
		slog.Error("record dispatched upload", "folder", f.folder.Name, "error", err)
	}
}

func (f *FolderUploader) deleteFiles(ctx context.Context, paths []string) {
	scratch, err := rclone.NewScratchDir()
	if err != nil {
		slog.Error("delete files", "folder", f.folder.Name, "error", err)
		return
	}
	defer scratch.Cleanup()

	list, err := scratch.WriteList("delete.txt", paths)
	if err != nil {
		slog.Error("delete files", "folder", f.folder.Name, "error", err)
		return
	}

	_, err = f.runner.Run(ctx, rclone.Command{
		Name:   "delete",
		Args:   []string{f.folder.RemoteRoot, "--files-from", list},
		Strict: true,
	})
	if err != nil {
		slog.Error("remote file deletion failed, keeping index rows", "folder", f.folder.Name, "paths", len(paths), "error", err)
		f.dl.Log("failed-deletes", paths)
		return
	}

	// The soft-deleted rows are left in place; the reconciler erases them
	// once the daemon confirms the paths are globally gone.
	slog.Info("remote files deleted", "folder", f.folder.Name, "paths", len(paths))
}

// deleteFolders purges remote subtrees one by one. A subtree that still holds
// cloud-only rows is withheld: its purge would destroy the only copy.
func (f *FolderUploader) deleteFolders(ctx context.Context, prefixes []string) {
	cloudOnly := true
	for _, prefix := range prefixes {
		kept, err := f.idx.Select(index.Filter{Prefix: prefix, CloudOnly: &cloudOnly})
		if err != nil {
			slog.Error("check subtree before purge", "folder", f.folder.Name, "prefix", prefix, "error", err)
			continue
		}
		if len(kept) > 0 {
			slog.Warn("subtree holds cloud-only files, not purging", "folder", f.folder.Name, "prefix", prefix, "cloudOnly", len(kept))
			continue
		}

		_, err = f.runner.Run(ctx, rclone.Command{
			Name:   "purge",
			Args:   []string{rclone.JoinRemote(f.folder.RemoteRoot, prefix)},
			Strict: true,
		})
		if err != nil {
			slog.Error("remote purge failed, keeping index rows", "folder", f.folder.Name, "prefix", prefix, "error", err)
			continue
		}

		// The subtree's soft-deleted rows stay for the reconciler to confirm
		// and erase.
		slog.Info("remote subtree purged", "folder", f.folder.Name, "prefix", prefix)
	}
}

// Uploadable reports whether a path belongs in the cloud replica. Paths with
// an "_files" component hold browser-saved page assets that change with every
// save and are excluded from upload.
func Uploadable(path string) bool {
	return !strings.Contains(path, "_files/") && !strings.HasSuffix(path, "_files")
}
