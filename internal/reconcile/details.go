// Package reconcile compares the three replicas of a folder (local tree,
// FileIndex, cloud) and derives the operations that bring them back in line.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kgerg2/backup/internal/config"
	"github.com/kgerg2/backup/internal/index"
	"github.com/kgerg2/backup/internal/rclone"
)

// Inspector computes the index entry describing a path as it exists on the
// local filesystem. Directories get the configured sentinel hash; files are
// hashed through the storage tool.
type Inspector struct {
	runner   *rclone.Runner
	hashAlgo string
	sentinel string
}

func NewInspector(runner *rclone.Runner, cfg *config.Config) *Inspector {
	return &Inspector{
		runner:   runner,
		hashAlgo: cfg.Rclone.HashAlgo,
		sentinel: cfg.DefaultHash,
	}
}

// Details stats relPath under the folder root and returns its entry. The
// caller owns merging it with any existing row (uploaded stamp, cloud-only
// flag survive).
func (i *Inspector) Details(ctx context.Context, folder *config.FolderConfig, relPath string) (*index.Entry, error) {
	abs := filepath.Join(folder.LocalRoot, filepath.FromSlash(relPath))
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", abs, err)
	}

	mod := fi.ModTime().Truncate(time.Microsecond).UTC()
	size := fi.Size()
	entry := &index.Entry{Path: relPath, Modified: &mod, Size: &size}

	var hash string
	if fi.IsDir() {
		hash = i.sentinel
	} else {
		hash = i.hashFile(ctx, abs)
	}
	entry.Hash = &hash
	return entry, nil
}

// hashFile returns the storage tool's content hash, or the sentinel when
// hashing fails. The sentinel keeps the row usable; a later refresh retries.
func (i *Inspector) hashFile(ctx context.Context, abs string) string {
	res, err := i.runner.Run(ctx, rclone.Command{
		Name:   "hashsum",
		Args:   []string{i.hashAlgo, abs},
		Strict: true,
	})
	if err != nil {
		slog.Warn("hashsum failed, recording sentinel", "path", abs, "error", err)
		return i.sentinel
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		slog.Warn("hashsum produced no output, recording sentinel", "path", abs)
		return i.sentinel
	}
	return fields[0]
}
