package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/kgerg2/backup/internal/config"
	"github.com/kgerg2/backup/internal/datalog"
	"github.com/kgerg2/backup/internal/index"
	"github.com/kgerg2/backup/internal/pipeline"
	"github.com/kgerg2/backup/internal/rclone"
	"github.com/kgerg2/backup/internal/syncthing"
	"github.com/kgerg2/backup/internal/utils"
)

// Reconciler holds everything needed to reconcile one folder.
type Reconciler struct {
	cfg    *config.Config
	folder *config.FolderConfig
	idx    *index.Store
	st     *syncthing.Client
	runner *rclone.Runner
	insp   *Inspector
	dl     *datalog.Logger
	ops    chan<- pipeline.FolderOp

	now func() time.Time
}

func New(cfg *config.Config, folder *config.FolderConfig, idx *index.Store, st *syncthing.Client,
	runner *rclone.Runner, insp *Inspector, dl *datalog.Logger, ops chan<- pipeline.FolderOp) *Reconciler {
	return &Reconciler{
		cfg:    cfg,
		folder: folder,
		idx:    idx,
		st:     st,
		runner: runner,
		insp:   insp,
		dl:     dl,
		ops:    ops,
		now:    time.Now,
	}
}

// RefreshIndex reconciles the FileIndex with the sync daemon's global tree
// and returns the refreshed entries. With returnDirs false, rows without a
// content hash (directories, soft-deleted rows) are left out of the result.
func (r *Reconciler) RefreshIndex(ctx context.Context, returnDirs bool) (map[string]*index.Entry, error) {
	known, err := r.idx.GetAll()
	if err != nil {
		return nil, err
	}
	removed := mapset.NewSetWithSize[string](len(known))
	for path := range known {
		removed.Add(path)
	}

	var added, changed []string
	classify := func(path string, entry *syncthing.BrowseEntry) {
		removed.Remove(path)
		prev, ok := known[path]
		if !ok {
			added = append(added, path)
			return
		}
		if entry.IsDir() {
			return
		}
		mod, err := syncthing.ParseModTime(entry.ModTime, r.cfg.Syncthing.DefaultTimezone)
		if err != nil {
			slog.Warn("unparseable modTime in browse tree", "folder", r.folder.Name, "path", path, "error", err)
			return
		}
		size := entry.Size
		reported := &index.Entry{Path: path, Modified: &mod, Size: &size}
		if !SameFile(prev, reported) {
			changed = append(changed, path)
		}
	}
	if err := r.walkBrowseTree(ctx, classify); err != nil {
		return nil, err
	}

	ignored, err := r.ignoredPrefixes(ctx)
	if err != nil {
		return nil, err
	}
	added = dropIgnored(added, ignored)
	changed = dropIgnored(changed, ignored)
	removedPaths := dropIgnored(removed.ToSlice(), ignored)

	if err := r.refreshDetails(ctx, append(added, changed...), known); err != nil {
		return nil, err
	}
	if err := r.confirmRemovals(ctx, removedPaths); err != nil {
		return nil, err
	}

	entries, err := r.idx.GetAll()
	if err != nil {
		return nil, err
	}
	if !returnDirs {
		for path, e := range entries {
			if e.Hash == nil || *e.Hash == r.cfg.DefaultHash {
				delete(entries, path)
			}
		}
	}
	slog.Info("index refreshed", "folder", r.folder.Name,
		"added", len(added), "changed", len(changed), "removed", len(removedPaths), "entries", len(entries))
	return entries, nil
}

// walkBrowseTree visits every file and directory the daemon reports. The top
// level is fetched alone, then one request per top-level subtree keeps any
// single response bounded.
func (r *Reconciler) walkBrowseTree(ctx context.Context, visit func(path string, entry *syncthing.BrowseEntry)) error {
	top, err := r.st.Browse(ctx, r.folder.ID, "", 0)
	if err != nil {
		return err
	}
	for i := range top {
		child := &top[i]
		switch {
		case child.IsDir():
			visit(child.Name, child)
			sub, err := r.st.Browse(ctx, r.folder.ID, child.Name, -1)
			if err != nil {
				return err
			}
			descend(sub, child.Name, visit)
		case child.Type == syncthing.InfoTypeFile:
			visit(child.Name, child)
		default:
			slog.Warn("unknown entry type in browse tree", "folder", r.folder.Name, "name", child.Name, "type", child.Type)
		}
	}
	return nil
}

func descend(entries []syncthing.BrowseEntry, prefix string, visit func(path string, entry *syncthing.BrowseEntry)) {
	for i := range entries {
		entry := &entries[i]
		path := prefix + "/" + entry.Name
		switch {
		case entry.IsDir():
			visit(path, entry)
			descend(entry.Children, path, visit)
		case entry.Type == syncthing.InfoTypeFile:
			visit(path, entry)
		default:
			slog.Warn("unknown entry type in browse tree", "name", path, "type", entry.Type)
		}
	}
}

// refreshDetails stats every added or changed path that still exists locally
// and upserts it, carrying over the previous uploaded stamp and cloud-only
// flag.
func (r *Reconciler) refreshDetails(ctx context.Context, paths []string, known map[string]*index.Entry) error {
	for _, path := range paths {
		entry, err := r.insp.Details(ctx, r.folder, path)
		if err != nil {
			slog.Debug("path not on local disk, leaving row as is", "folder", r.folder.Name, "path", path)
			continue
		}
		if prev := known[path]; prev != nil {
			entry.Uploaded = prev.Uploaded
			entry.CloudOnly = prev.CloudOnly
		}
		if err := r.idx.Upsert(entry); err != nil {
			return err
		}
	}
	return nil
}

// confirmRemovals erases rows the daemon no longer reports, but only once the
// daemon confirms the path is globally gone or ignored.
func (r *Reconciler) confirmRemovals(ctx context.Context, paths []string) error {
	var confirmed []string
	for _, path := range paths {
		info, err := r.st.FileInfo(ctx, r.folder.ID, path)
		switch {
		case errors.Is(err, syncthing.ErrNoSuchObject):
			confirmed = append(confirmed, path)
		case err != nil:
			return err
		case info.Global.Deleted || info.Global.Ignored:
			confirmed = append(confirmed, path)
		default:
			slog.Warn("path missing from browse tree but not globally deleted, keeping",
				"folder", r.folder.Name, "path", path)
		}
	}
	return r.idx.Erase(confirmed)
}

func (r *Reconciler) ignoredPrefixes(ctx context.Context) ([]string, error) {
	ignores, err := r.st.Ignores(ctx, r.folder.ID)
	if err != nil {
		return nil, err
	}
	prefixes := make([]string, 0, len(ignores))
	for _, ig := range ignores {
		if len(ig) > 0 && ig[0] == '/' {
			ig = ig[1:]
		}
		if ig != "" {
			prefixes = append(prefixes, ig)
		}
	}
	return prefixes, nil
}

func dropIgnored(paths, prefixes []string) []string {
	if len(prefixes) == 0 {
		return paths
	}
	kept := paths[:0]
	for _, p := range paths {
		ignored := false
		for _, prefix := range prefixes {
			if utils.UnderPrefix(p, prefix) {
				ignored = true
				break
			}
		}
		if !ignored {
			kept = append(kept, p)
		}
	}
	return kept
}

// enqueue hands an operation to the folder uploader.
func (r *Reconciler) enqueue(ctx context.Context, paths []string, action pipeline.Action) {
	if len(paths) == 0 || r.ops == nil {
		return
	}
	select {
	case <-ctx.Done():
	case r.ops <- pipeline.FolderOp{Paths: paths, Action: action}:
	}
}

// remoteInfo fetches size, mtime and hash of one path in the cloud replica.
func (r *Reconciler) remoteInfo(ctx context.Context, relPath string) (*index.Entry, error) {
	remote := rclone.JoinRemote(r.folder.RemoteRoot, relPath)

	res, err := r.runner.Run(ctx, rclone.Command{Name: "lsl", Args: []string{remote}, Strict: true})
	if err != nil {
		return nil, fmt.Errorf("list remote %s: %w", remote, err)
	}
	size, mod, err := parseListingLine(res.Stdout, r.cfg.Location())
	if err != nil {
		return nil, fmt.Errorf("remote %s: %w", remote, err)
	}

	hash := r.cfg.DefaultHash
	hres, err := r.runner.Run(ctx, rclone.Command{
		Name:   "hashsum",
		Args:   []string{r.cfg.Rclone.HashAlgo, remote},
		Strict: true,
	})
	if err != nil {
		slog.Warn("remote hashsum failed, recording sentinel", "remote", remote, "error", err)
	} else if fields := splitFields(hres.Stdout); len(fields) > 0 {
		hash = fields[0]
	}

	return &index.Entry{Path: relPath, Hash: &hash, Modified: &mod, Size: &size}, nil
}
