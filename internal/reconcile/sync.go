package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kgerg2/backup/internal/index"
	"github.com/kgerg2/backup/internal/pipeline"
	"github.com/kgerg2/backup/internal/rclone"
)

// SyncFromCloud is the scheduled three-way reconcile: refresh the index,
// check it against the cloud replica, then repair both directions.
func (r *Reconciler) SyncFromCloud(ctx context.Context) error {
	return r.sync(ctx, true, true)
}

// DownloadOnly repairs only the local side: fetches what the cloud has and
// the folder lacks. Triggered from the control plane.
func (r *Reconciler) DownloadOnly(ctx context.Context) error {
	return r.sync(ctx, true, false)
}

// UploadOnly repairs only the cloud side. Triggered from the control plane.
func (r *Reconciler) UploadOnly(ctx context.Context) error {
	return r.sync(ctx, false, true)
}

func (r *Reconciler) sync(ctx context.Context, doDownloads, doUploads bool) error {
	files, err := r.RefreshIndex(ctx, false)
	if err != nil {
		return fmt.Errorf("folder %s: %w", r.folder.Name, err)
	}

	scratch, err := rclone.NewScratchDir()
	if err != nil {
		return err
	}
	defer scratch.Cleanup()

	differ, missingRemote, remoteAdded, err := r.CheckAgainst(ctx, scratch, files, r.folder.RemoteRoot)
	if err != nil {
		return fmt.Errorf("folder %s: %w", r.folder.Name, err)
	}
	slog.Info("cloud check finished", "folder", r.folder.Name,
		"differ", len(differ), "missingRemote", len(missingRemote), "remoteAdded", len(remoteAdded))

	remoteAdded, err = r.markCloudOnly(ctx, remoteAdded)
	if err != nil {
		return fmt.Errorf("folder %s: %w", r.folder.Name, err)
	}

	uploads := missingRemote
	newDownloads := append([]string(nil), remoteAdded...)
	downloads := remoteAdded
	for _, p := range differ {
		rinfo, err := r.remoteInfo(ctx, p)
		if err != nil {
			slog.Warn("cannot resolve differing path, skipping", "folder", r.folder.Name, "path", p, "error", err)
			continue
		}
		local := files[p]
		if local == nil || local.Modified == nil || rinfo.Modified.After(*local.Modified) {
			downloads = append(downloads, p)
		} else {
			uploads = append(uploads, p)
		}
	}

	if doDownloads {
		if err := r.download(ctx, scratch, downloads, newDownloads); err != nil {
			return fmt.Errorf("folder %s: %w", r.folder.Name, err)
		}
	}
	if doUploads && len(uploads) > 0 {
		if err := r.st.DiscardIgnores(ctx, r.folder.ID, uploads); err != nil {
			slog.Error("re-enable paths for replication", "folder", r.folder.Name, "error", err)
		}
		r.enqueue(ctx, uploads, pipeline.ActionCopy)
	}
	return nil
}

// CheckAgainst writes a checkfile of every hashed entry and runs the storage
// tool's check against root (the cloud replica or an archive). It returns the
// differing paths, the paths root lacks and the paths only root has.
func (r *Reconciler) CheckAgainst(ctx context.Context, scratch *rclone.ScratchDir,
	files map[string]*index.Entry, root string) (differ, missingDst, missingSrc []string, err error) {

	lines := make([]string, 0, len(files))
	for path, e := range files {
		if e.Hash != nil {
			lines = append(lines, fmt.Sprintf("%s  %s", *e.Hash, path))
		}
	}
	checkfile, err := scratch.WriteList("check.txt", lines)
	if err != nil {
		return nil, nil, nil, err
	}

	differFile := scratch.Path("differ.txt")
	missingDstFile := scratch.Path("missing-on-dst.txt")
	missingSrcFile := scratch.Path("missing-on-src.txt")

	_, err = r.runner.Run(ctx, rclone.Command{
		Name: "check",
		Args: []string{
			checkfile, root,
			"--checkfile", r.cfg.Rclone.HashAlgo,
			"--differ", differFile,
			"--missing-on-dst", missingDstFile,
			"--missing-on-src", missingSrcFile,
		},
		Strict:            true,
		ExpectedExitCodes: []int{0, 1, 3},
	})
	if err != nil {
		return nil, nil, nil, err
	}

	if differ, err = readListIfExists(differFile); err != nil {
		return nil, nil, nil, err
	}
	if missingDst, err = readListIfExists(missingDstFile); err != nil {
		return nil, nil, nil, err
	}
	if missingSrc, err = readListIfExists(missingSrcFile); err != nil {
		return nil, nil, nil, err
	}
	return differ, missingDst, missingSrc, nil
}

// markCloudOnly applies the folder's cloud-only rules to remotely added
// paths. Matches are recorded as cloud-only rows carrying the remote size,
// mtime and hash (uploaded stamp equal to the remote mtime, so they count as
// in sync) and are not downloaded.
func (r *Reconciler) markCloudOnly(ctx context.Context, remoteAdded []string) ([]string, error) {
	if len(r.folder.CloudOnlyRules) == 0 || len(remoteAdded) == 0 {
		return remoteAdded, nil
	}
	known, err := r.idx.GetAll()
	if err != nil {
		return nil, err
	}
	knownPaths := make([]string, 0, len(known))
	for path := range known {
		knownPaths = append(knownPaths, path)
	}

	matched, rest, err := FilterCloudOnly(r.folder.CloudOnlyRules, remoteAdded, knownPaths)
	if err != nil {
		return nil, err
	}
	for _, path := range matched {
		entry, err := r.remoteInfo(ctx, path)
		if err != nil {
			slog.Warn("cloud-only candidate without remote info, will retry next run",
				"folder", r.folder.Name, "path", path, "error", err)
			rest = append(rest, path)
			continue
		}
		entry.CloudOnly = true
		entry.Uploaded = entry.Modified
		if err := r.idx.Upsert(entry); err != nil {
			return nil, err
		}
		slog.Info("marked cloud-only", "folder", r.folder.Name, "path", path)
	}
	return rest, nil
}

// download fetches the given paths from the cloud. Soft-deleted rows that
// still exist remotely are a deletion we failed to carry out, not content to
// restore; they are re-queued for deletion instead.
func (r *Reconciler) download(ctx context.Context, scratch *rclone.ScratchDir, downloads, newDownloads []string) error {
	missed, err := r.missedDeletions()
	if err != nil {
		return err
	}
	if missed.size() > 0 {
		var requeue []string
		downloads = exclude(downloads, missed, &requeue)
		newDownloads = exclude(newDownloads, missed, nil)
		if len(requeue) > 0 {
			slog.Warn("remote copies of deleted files found, re-queueing deletion",
				"folder", r.folder.Name, "paths", len(requeue))
			r.enqueue(ctx, requeue, pipeline.ActionDeleteFiles)
		}
	}
	if len(downloads) == 0 {
		return nil
	}

	// New downloads get a provisional uploaded stamp so a crash between the
	// transfer and the stat below does not make them look like local-only
	// content.
	stamp := r.now().Truncate(time.Microsecond).UTC()
	for _, path := range newDownloads {
		if err := r.idx.Upsert(&index.Entry{Path: path, Uploaded: &stamp}); err != nil {
			return err
		}
	}

	list, err := scratch.WriteList("download.txt", downloads)
	if err != nil {
		return err
	}
	_, err = r.runner.Run(ctx, rclone.Command{
		Name:   "copy",
		Args:   []string{r.folder.RemoteRoot, r.folder.LocalRoot, "--files-from", list},
		Strict: true,
		Async:  true,
	})
	if err != nil {
		return err
	}
	slog.Info("downloads finished", "folder", r.folder.Name, "paths", len(downloads))

	for _, path := range downloads {
		entry, err := r.insp.Details(ctx, r.folder, path)
		if err != nil {
			slog.Warn("downloaded path not statable", "folder", r.folder.Name, "path", path, "error", err)
			continue
		}
		entry.Uploaded = entry.Modified
		if err := r.idx.Upsert(entry); err != nil {
			return err
		}
	}
	return nil
}

type pathSet map[string]bool

func (s pathSet) size() int { return len(s) }

// missedDeletions returns the soft-deleted rows whose remote deletion was
// dispatched but evidently never landed.
func (r *Reconciler) missedDeletions() (pathSet, error) {
	hasUploaded, hasSize, cloudOnly := true, false, false
	rows, err := r.idx.Select(index.Filter{HasUploaded: &hasUploaded, HasSize: &hasSize, CloudOnly: &cloudOnly})
	if err != nil {
		return nil, err
	}
	set := make(pathSet, len(rows))
	for _, row := range rows {
		set[row.Path] = true
	}
	return set, nil
}

func exclude(paths []string, drop pathSet, dropped *[]string) []string {
	kept := paths[:0]
	for _, p := range paths {
		if drop[p] {
			if dropped != nil {
				*dropped = append(*dropped, p)
			}
			continue
		}
		kept = append(kept, p)
	}
	return kept
}

func readListIfExists(path string) ([]string, error) {
	list, err := rclone.ReadList(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return list, err
}
