// Package datalog writes bulk payloads (oversized subprocess output, large
// path lists) into standalone files under the log-data directory, keeping the
// main log readable. Entries land in per-invocation directories named by
// timestamp, with a counter suffix on collision.
package datalog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kgerg2/backup/internal/utils"
)

type Logger struct {
	dir        string
	timeFormat string

	// mu serializes filename-counter resolution; the directory is shared by
	// every worker in the process.
	mu  sync.Mutex
	now func() time.Time
}

func New(dir, timeFormat string) *Logger {
	return &Logger{
		dir:        dir,
		timeFormat: timeFormat,
		now:        time.Now,
	}
}

// Write stores one payload under <dir>/<timestamp>[-n]/<key>.log and returns
// the file path.
func (l *Logger) Write(key string, data []byte) (string, error) {
	paths, err := l.WriteAll(map[string][]byte{key: data})
	if err != nil {
		return "", err
	}
	return paths[key], nil
}

// WriteLines joins lines with newlines and stores them under key.
func (l *Logger) WriteLines(key string, lines []string) (string, error) {
	return l.Write(key, []byte(strings.Join(lines, "\n")))
}

// WriteAll stores several keyed payloads in a single invocation directory.
func (l *Logger) WriteAll(entries map[string][]byte) (map[string]string, error) {
	dir, err := l.invocationDir()
	if err != nil {
		return nil, err
	}

	paths := make(map[string]string, len(entries))
	for key, data := range entries {
		path := filepath.Join(dir, key+".log")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return paths, fmt.Errorf("write data log %s: %w", path, err)
		}
		paths[key] = path
	}
	return paths, nil
}

// Log is the fire-and-forget variant: failures are logged, never returned.
func (l *Logger) Log(key string, lines []string) {
	if path, err := l.WriteLines(key, lines); err != nil {
		slog.Error("data log write failed", "key", key, "error", err)
	} else {
		slog.Debug("data logged", "key", key, "count", len(lines), "path", path)
	}
}

func (l *Logger) invocationDir() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := utils.EnsureDir(l.dir); err != nil {
		return "", fmt.Errorf("create data log dir: %w", err)
	}

	stamp := l.now().Format(l.timeFormat)
	name := stamp
	for count := 1; ; count++ {
		candidate := filepath.Join(l.dir, name)
		if err := os.Mkdir(candidate, 0o755); err == nil {
			return candidate, nil
		} else if !os.IsExist(err) {
			return "", fmt.Errorf("create data log dir %s: %w", candidate, err)
		}
		name = fmt.Sprintf("%s-%d", stamp, count)
	}
}
