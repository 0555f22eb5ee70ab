// Package archive evicts cold local content to removable media and purges
// the cloud trash.
package archive

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/kgerg2/backup/internal/config"
	"github.com/kgerg2/backup/internal/datalog"
	"github.com/kgerg2/backup/internal/rclone"
	"github.com/kgerg2/backup/internal/reconcile"
	"github.com/kgerg2/backup/internal/syncthing"
	"github.com/kgerg2/backup/internal/utils"
)

// Archiver runs the archival pass of one folder: mirror the index onto the
// archive medium, evict cold or space-pressured local files, move
// archive-only leftovers to the trash.
type Archiver struct {
	cfg    *config.Config
	folder *config.FolderConfig
	st     *syncthing.Client
	runner *rclone.Runner
	rec    *reconcile.Reconciler
	dl     *datalog.Logger

	now func() time.Time
}

func New(cfg *config.Config, folder *config.FolderConfig, st *syncthing.Client,
	runner *rclone.Runner, rec *reconcile.Reconciler, dl *datalog.Logger) *Archiver {
	return &Archiver{
		cfg:    cfg,
		folder: folder,
		st:     st,
		runner: runner,
		rec:    rec,
		dl:     dl,
		now:    time.Now,
	}
}

// Archive runs one archival pass. freeUpNeeded > 0 requests eviction of at
// least that many local bytes (oldest first) instead of the age-based policy.
func (a *Archiver) Archive(ctx context.Context, freeUpNeeded int64) error {
	ac := a.folder.Archive
	if ac == nil {
		slog.Warn("folder has no archive configured", "folder", a.folder.Name)
		return nil
	}

	if ac.DeviceID != "" {
		if err := reconnect(ctx, ac); err != nil {
			return fmt.Errorf("folder %s: %w", a.folder.Name, err)
		}
	}

	// The device is ejected even when the pass fails halfway.
	err := a.pass(ctx, ac, freeUpNeeded)
	if err != nil {
		slog.Error("archival pass failed", "folder", a.folder.Name, "error", err)
	}
	if ac.DeviceID != "" {
		if ejErr := eject(ctx, ac); ejErr != nil {
			slog.Error("eject after archival", "folder", a.folder.Name, "error", ejErr)
			if err == nil {
				err = ejErr
			}
		}
	}
	return err
}

func (a *Archiver) pass(ctx context.Context, ac *config.ArchiveConfig, freeUpNeeded int64) error {
	files, err := a.rec.RefreshIndex(ctx, false)
	if err != nil {
		return err
	}

	scratch, err := rclone.NewScratchDir()
	if err != nil {
		return err
	}
	defer scratch.Cleanup()

	differ, missingArchive, archiveOnly, err := a.rec.CheckAgainst(ctx, scratch, files, ac.ArchiveRoot)
	if err != nil {
		return err
	}
	copyToArchive := append(differ, missingArchive...)
	slog.Info("archive check finished", "folder", a.folder.Name,
		"toArchive", len(copyToArchive), "archiveOnly", len(archiveOnly))

	local, err := a.scanLocal()
	if err != nil {
		return err
	}
	evict := a.selectEvictions(local, freeUpNeeded)

	if len(copyToArchive) > 0 {
		list, err := scratch.WriteList("archive-copy.txt", copyToArchive)
		if err != nil {
			return err
		}
		if _, err := a.runner.Run(ctx, rclone.Command{
			Name:   "copy",
			Args:   []string{"--files-from", list, a.folder.LocalRoot, ac.ArchiveRoot},
			Strict: true,
			Async:  true,
		}); err != nil {
			return err
		}
	}

	if len(evict) > 0 {
		if err := a.evictLocal(ctx, scratch, ac, evict); err != nil {
			return err
		}
	}

	if len(archiveOnly) > 0 {
		list, err := scratch.WriteList("archive-trash.txt", archiveOnly)
		if err != nil {
			return err
		}
		if _, err := a.runner.Run(ctx, rclone.Command{
			Name:   "move",
			Args:   []string{"--files-from", list, ac.ArchiveRoot, a.folder.TrashRoot},
			Strict: true,
		}); err != nil {
			return err
		}
		slog.Info("archive-only files moved to trash", "folder", a.folder.Name, "paths", len(archiveOnly))
	}
	return nil
}

type localFile struct {
	path string
	mod  time.Time
	size int64
}

// scanLocal walks the folder's local root, skipping the configured local
// ignore patterns, and returns every regular file.
func (a *Archiver) scanLocal() ([]localFile, error) {
	matcher := ignore.CompileIgnoreLines(a.folder.LocalIgnorePatterns...)

	var files []localFile
	root := a.folder.LocalRoot
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("local scan", "path", path, "error", err)
			return nil
		}
		rel, relErr := utils.ToSlashRel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if matcher.MatchesPath(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			slog.Warn("local scan", "path", path, "error", err)
			return nil
		}
		files = append(files, localFile{
			path: rel,
			mod:  info.ModTime().Truncate(time.Microsecond).UTC(),
			size: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return files, nil
}

// selectEvictions picks the local files to move onto the archive medium.
// With freeUpNeeded > 0, the oldest files are taken until enough bytes are
// freed and the age policy does not apply; otherwise files older than
// localKeepDuration are taken.
func (a *Archiver) selectEvictions(local []localFile, freeUpNeeded int64) []string {
	if freeUpNeeded > 0 {
		sorted := append([]localFile(nil), local...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].mod.Before(sorted[j].mod) })

		var evict []string
		var freed int64
		for _, f := range sorted {
			if freed >= freeUpNeeded {
				break
			}
			evict = append(evict, f.path)
			freed += f.size
		}
		slog.Info("eviction for free space", "folder", a.folder.Name,
			"requested", humanize.IBytes(uint64(freeUpNeeded)), "freed", humanize.IBytes(uint64(freed)), "paths", len(evict))
		return evict
	}

	if a.folder.LocalKeepDuration == 0 {
		return nil
	}
	cutoff := a.now().Add(-a.folder.LocalKeepDuration.D())
	var evict []string
	for _, f := range local {
		if f.mod.Before(cutoff) {
			evict = append(evict, f.path)
		}
	}
	return evict
}

// evictLocal moves the selected files onto the archive medium. Files not yet
// present in the cloud replica are withheld: the archive must never hold the
// only copy of anything.
func (a *Archiver) evictLocal(ctx context.Context, scratch *rclone.ScratchDir, ac *config.ArchiveConfig, evict []string) error {
	missFile := scratch.Path("missing.txt")
	if _, err := a.runner.Run(ctx, rclone.Command{
		Name:              "check",
		Args:              []string{a.folder.LocalRoot, a.folder.RemoteRoot, "--missing-on-dst", missFile},
		Strict:            true,
		ExpectedExitCodes: []int{0, 1, 3},
	}); err != nil {
		return err
	}
	miss, err := readListIfExists(missFile)
	if err != nil {
		return err
	}

	notInCloud := make(map[string]bool, len(miss))
	for _, p := range miss {
		notInCloud[p] = true
	}
	var withheld []string
	kept := evict[:0]
	for _, p := range evict {
		if notInCloud[p] {
			withheld = append(withheld, p)
		} else {
			kept = append(kept, p)
		}
	}
	evict = kept
	if len(withheld) > 0 {
		slog.Warn("paths not in cloud withheld from eviction", "folder", a.folder.Name, "paths", len(withheld))
		a.dl.Log("eviction-withheld", withheld)
		if err := a.st.ExtendIgnores(ctx, a.folder.ID, withheld); err != nil {
			slog.Error("mark withheld paths ignored", "folder", a.folder.Name, "error", err)
		}
	}
	if len(evict) == 0 {
		return nil
	}

	list, err := scratch.WriteList("evict.txt", evict)
	if err != nil {
		return err
	}
	if _, err := a.runner.Run(ctx, rclone.Command{
		Name:   "move",
		Args:   []string{"--files-from", list, a.folder.LocalRoot, ac.ArchiveRoot},
		Strict: true,
		Async:  true,
	}); err != nil {
		return err
	}
	slog.Info("local files evicted to archive", "folder", a.folder.Name, "paths", len(evict))
	return nil
}

func readListIfExists(path string) ([]string, error) {
	list, err := rclone.ReadList(path)
	if err != nil {
		if utils.FileExists(path) {
			return nil, err
		}
		return nil, nil
	}
	return list, nil
}
