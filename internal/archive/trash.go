package archive

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kgerg2/backup/internal/config"
	"github.com/kgerg2/backup/internal/rclone"
)

// HandleTrash deletes trashed remote files older than the folder's keep
// duration and removes the directories that become empty.
func HandleTrash(ctx context.Context, runner *rclone.Runner, folder *config.FolderConfig) error {
	if folder.TrashRoot == "" {
		slog.Warn("folder has no trash configured", "folder", folder.Name)
		return nil
	}

	minAge := fmt.Sprintf("%dh", int64(folder.TrashKeepDuration.D().Hours()))
	_, err := runner.Run(ctx, rclone.Command{
		Name:   "delete",
		Args:   []string{folder.TrashRoot, "--min-age", minAge, "--rmdirs"},
		Strict: true,
	})
	if err != nil {
		return fmt.Errorf("purge trash of %s: %w", folder.Name, err)
	}
	slog.Info("trash purged", "folder", folder.Name, "olderThan", minAge)
	return nil
}
