package reconcile

import (
	"log/slog"
	"time"

	"github.com/kgerg2/backup/internal/index"
)

const (
	// equalWindow is the mtime slack below which two stamps count as the
	// same instant (filesystems round to different precisions).
	equalWindow = 10 * time.Microsecond
	// noteWindow marks the near-miss band worth surfacing in logs.
	noteWindow = time.Millisecond
)

// SameFile decides whether two entries describe the same content. Hashes win
// when both sides have one; otherwise size plus mtime within the equal
// window; an absent mtime only ever equals another absent mtime.
func SameFile(a, b *index.Entry) bool {
	if a.Hash != nil && b.Hash != nil {
		if *a.Hash != *b.Hash {
			return false
		}
		if a.Size != nil && b.Size != nil && *a.Size != *b.Size {
			slog.Warn("hashes match but sizes differ",
				"path", a.Path, "sizeA", *a.Size, "sizeB", *b.Size)
			return false
		}
		if a.Modified != nil && b.Modified != nil {
			if d := absDiff(*a.Modified, *b.Modified); d > equalWindow {
				slog.Warn("hashes match but mtimes differ",
					"path", a.Path, "delta", d)
			}
		}
		return true
	}

	if a.Modified == nil || b.Modified == nil {
		return a.Modified == nil && b.Modified == nil
	}
	if a.Size == nil || b.Size == nil || *a.Size != *b.Size {
		return false
	}

	d := absDiff(*a.Modified, *b.Modified)
	if d < equalWindow {
		return true
	}
	if d < noteWindow {
		slog.Info("mtimes nearly equal, treating as distinct", "path", a.Path, "delta", d)
	}
	return false
}

func absDiff(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}
