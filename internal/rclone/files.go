package rclone

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ScratchDir is a per-invocation temp directory for --files-from lists and
// check output files. The OS cleans up leftovers; Cleanup is best-effort.
type ScratchDir struct {
	Dir string
}

func NewScratchDir() (*ScratchDir, error) {
	dir := filepath.Join(os.TempDir(), "backupd", uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &ScratchDir{Dir: dir}, nil
}

func (s *ScratchDir) Cleanup() {
	os.RemoveAll(s.Dir)
}

// Path returns the named file inside the scratch directory.
func (s *ScratchDir) Path(name string) string {
	return filepath.Join(s.Dir, name)
}

// WriteList writes a deduplicated, sorted path list for --files-from.
func (s *ScratchDir) WriteList(name string, paths []string) (string, error) {
	seen := make(map[string]bool, len(paths))
	unique := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		unique = append(unique, p)
	}
	sort.Strings(unique)

	path := s.Path(name)
	if err := os.WriteFile(path, []byte(strings.Join(unique, "\n")+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write file list %s: %w", path, err)
	}
	return path, nil
}

// JoinRemote appends a relative path to a remote root, tolerating roots that
// end in ":" (a remote's top level) or "/".
func JoinRemote(root, rel string) string {
	if rel == "" {
		return root
	}
	if strings.HasSuffix(root, ":") || strings.HasSuffix(root, "/") {
		return root + rel
	}
	return root + "/" + rel
}

// ReadList reads a newline-separated path list, skipping blank lines.
func ReadList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file list %s: %w", path, err)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}
