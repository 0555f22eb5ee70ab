package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/kgerg2/backup/internal/config"
	"github.com/kgerg2/backup/internal/utils"
	"github.com/shirou/gopsutil/v4/disk"
)

// isMounted reports whether anything is mounted at mountPoint.
func isMounted(mountPoint string) (bool, error) {
	parts, err := disk.Partitions(true)
	if err != nil {
		return false, fmt.Errorf("list mounts: %w", err)
	}
	for _, p := range parts {
		if p.Mountpoint == mountPoint {
			return true, nil
		}
	}
	return false, nil
}

// reconnect brings the archive device online: close the tray, make sure the
// mount point exists, mount. A device that is already mounted is left alone.
func reconnect(ctx context.Context, cfg *config.ArchiveConfig) error {
	mounted, err := isMounted(cfg.MountPoint)
	if err != nil {
		return err
	}
	if mounted {
		slog.Warn("archive device already mounted", "mountPoint", cfg.MountPoint)
		return nil
	}

	if err := runOSCommand(ctx, cfg.CloseTrayCommand, "eject", "-t", cfg.DeviceID); err != nil {
		// Not every device has a tray; the mount below decides.
		slog.Warn("close tray failed", "device", cfg.DeviceID, "error", err)
	}
	if err := utils.EnsureDir(cfg.MountPoint); err != nil {
		return err
	}
	if err := runOSCommand(ctx, cfg.MountCommand, "mount", cfg.DeviceID, cfg.MountPoint); err != nil {
		return fmt.Errorf("mount %s at %s: %w", cfg.DeviceID, cfg.MountPoint, err)
	}
	slog.Info("archive device mounted", "device", cfg.DeviceID, "mountPoint", cfg.MountPoint)
	return nil
}

// eject releases the archive device.
func eject(ctx context.Context, cfg *config.ArchiveConfig) error {
	if err := runOSCommand(ctx, cfg.EjectCommand, "eject", cfg.DeviceID); err != nil {
		return fmt.Errorf("eject %s: %w", cfg.DeviceID, err)
	}
	slog.Info("archive device ejected", "device", cfg.DeviceID)
	return nil
}

// runOSCommand runs override when configured, otherwise the given default
// argv.
func runOSCommand(ctx context.Context, override []string, argv ...string) error {
	if len(override) > 0 {
		argv = override
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
