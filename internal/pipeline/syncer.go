package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kgerg2/backup/internal/config"
	"github.com/kgerg2/backup/internal/index"
	"github.com/kgerg2/backup/internal/syncthing"
)

// DetailsFunc inspects a path on the local filesystem and produces the index
// entry that describes it (hash, size, modified). Injected so the syncer does
// not care which tool computes hashes.
type DetailsFunc func(ctx context.Context, folder *config.FolderConfig, relPath string) (*index.Entry, error)

// UploadSyncer consumes change batches for one folder, keeps the folder's
// FileIndex current and emits the operations the remote replica needs.
type UploadSyncer struct {
	folder     *config.FolderConfig
	idx        *index.Store
	st         *syncthing.Client
	details    DetailsFunc
	in         <-chan Batch
	out        chan<- FolderOp
	keepRemote bool
}

func NewUploadSyncer(folder *config.FolderConfig, idx *index.Store, st *syncthing.Client,
	details DetailsFunc, in <-chan Batch, out chan<- FolderOp, keepRemote bool) *UploadSyncer {
	return &UploadSyncer{
		folder:     folder,
		idx:        idx,
		st:         st,
		details:    details,
		in:         in,
		out:        out,
		keepRemote: keepRemote,
	}
}

func (s *UploadSyncer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch := <-s.in:
			if err := s.handleBatch(ctx, batch); err != nil {
				return fmt.Errorf("folder %s: %w", s.folder.Name, err)
			}
		}
	}
}

// handleBatch translates one event batch into index updates and folder
// operations. Batches are processed whole so one rclone invocation can cover
// every path the batch touched.
func (s *UploadSyncer) handleBatch(ctx context.Context, batch Batch) error {
	type fate struct {
		action Action
		local  bool
	}
	var order []string
	fates := make(map[string]fate)

	for i := range batch {
		ev := &batch[i]
		if !ev.IsChange() {
			slog.Debug("ignoring event", "type", ev.Type)
			continue
		}
		if !s.ownEvent(ev) {
			continue
		}
		path := ev.Data.Path
		if path == "" {
			slog.Warn("change event without path", "type", ev.Type)
			continue
		}

		// modified covers creations too
		f := fate{action: ActionCopy}
		if ev.Data.Action == syncthing.ActionDeleted {
			f.action = ActionDeleteFiles
			if ev.IsDir() {
				f.action = ActionDeleteFolders
			}
			f.local = ev.Type == syncthing.EventLocalChange
		}
		if _, seen := fates[path]; !seen {
			order = append(order, path)
		}
		// For the same path the latest event wins: a deletion followed by a
		// re-creation is a copy, not a delete.
		fates[path] = f
	}

	var toCopy, fileDeletes, folderDeletes, localDeletes []string
	for _, path := range order {
		f := fates[path]
		switch f.action {
		case ActionDeleteFiles:
			fileDeletes = append(fileDeletes, path)
		case ActionDeleteFolders:
			folderDeletes = append(folderDeletes, path)
		default:
			toCopy = append(toCopy, path)
		}
		if f.local {
			localDeletes = append(localDeletes, path)
		}
	}

	toCopy, err := s.refreshModified(ctx, toCopy)
	if err != nil {
		return err
	}
	fileDeletes, err = s.applyFileDeletes(fileDeletes)
	if err != nil {
		return err
	}
	if err := s.idx.ClearBytesUnderPrefix(folderDeletes); err != nil {
		return err
	}
	if err := s.shadowLocalDeletes(ctx, localDeletes); err != nil {
		return err
	}

	if s.keepRemote {
		fileDeletes, folderDeletes = nil, nil
	}
	s.enqueue(ctx, toCopy, ActionCopy)
	s.enqueue(ctx, fileDeletes, ActionDeleteFiles)
	s.enqueue(ctx, folderDeletes, ActionDeleteFolders)
	return nil
}

func (s *UploadSyncer) ownEvent(ev *syncthing.Event) bool {
	return ev.Data.Folder == s.folder.ID || ev.Data.FolderID == s.folder.ID
}

// refreshModified re-stats every changed path and upserts its entry. A change
// on a row with an uploaded stamp but no local mtime is a finished download
// arriving, not new content; it gets its local details recorded but is not
// re-uploaded.
func (s *UploadSyncer) refreshModified(ctx context.Context, paths []string) ([]string, error) {
	upload := paths[:0]
	for _, p := range paths {
		prev, err := s.idx.Get(p)
		if err != nil {
			return nil, err
		}

		entry, err := s.details(ctx, s.folder, p)
		if err != nil {
			slog.Warn("stat changed path", "folder", s.folder.Name, "path", p, "error", err)
			continue
		}
		downloadArrival := prev != nil && prev.Modified == nil && prev.Uploaded != nil
		if prev != nil {
			entry.Uploaded = prev.Uploaded
			entry.CloudOnly = prev.CloudOnly
		}
		if err := s.idx.Upsert(entry); err != nil {
			return nil, err
		}
		if downloadArrival {
			slog.Info("download completed", "folder", s.folder.Name, "path", p)
			continue
		}
		upload = append(upload, p)
	}
	return upload, nil
}

// applyFileDeletes soft-deletes the non-cloud-only rows among the given paths
// and returns the paths whose remote copy should go too. A vanished
// cloud-only file is the expected state, not a deletion.
func (s *UploadSyncer) applyFileDeletes(paths []string) ([]string, error) {
	real := paths[:0]
	for _, p := range paths {
		prev, err := s.idx.Get(p)
		if err != nil {
			return nil, err
		}
		if prev != nil && prev.CloudOnly {
			slog.Debug("cloud-only file vanished locally, keeping", "folder", s.folder.Name, "path", p)
			continue
		}
		real = append(real, p)
	}
	if err := s.idx.ClearBytes(real); err != nil {
		return nil, err
	}
	return real, nil
}

// shadowLocalDeletes adds locally deleted paths to the daemon's ignore list
// so the deletion does not bounce back from another replica before the cloud
// copy is resolved. Failures are logged, not fatal; the reconciler repairs
// the list.
func (s *UploadSyncer) shadowLocalDeletes(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := s.st.ExtendIgnores(ctx, s.folder.ID, paths); err != nil {
		slog.Error("extend ignore list for local deletions", "folder", s.folder.Name, "error", err)
	}
	return nil
}

func (s *UploadSyncer) enqueue(ctx context.Context, paths []string, action Action) {
	if len(paths) == 0 {
		return
	}
	slog.Info("folder operation queued", "folder", s.folder.Name, "action", action, "paths", len(paths))
	select {
	case <-ctx.Done():
	case s.out <- FolderOp{Paths: paths, Action: action}:
	}
}
