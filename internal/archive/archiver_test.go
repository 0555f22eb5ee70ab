package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgerg2/backup/internal/config"
)

func testArchiver(folder *config.FolderConfig, now time.Time) *Archiver {
	return &Archiver{
		folder: folder,
		now:    func() time.Time { return now },
	}
}

func TestSelectEvictionsByAge(t *testing.T) {
	now := time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC)
	a := testArchiver(&config.FolderConfig{
		Name:              "docs",
		LocalKeepDuration: config.Duration(30 * 24 * time.Hour),
	}, now)

	local := []localFile{
		{path: "old.txt", mod: now.AddDate(0, 0, -60), size: 10},
		{path: "fresh.txt", mod: now.AddDate(0, 0, -5), size: 10},
		{path: "borderline.txt", mod: now.AddDate(0, 0, -29), size: 10},
	}
	assert.Equal(t, []string{"old.txt"}, a.selectEvictions(local, 0))
}

func TestSelectEvictionsNoKeepDuration(t *testing.T) {
	a := testArchiver(&config.FolderConfig{Name: "docs"}, time.Now())
	local := []localFile{{path: "old.txt", mod: time.Unix(0, 0), size: 1}}
	assert.Nil(t, a.selectEvictions(local, 0))
}

func TestSelectEvictionsForFreeSpace(t *testing.T) {
	now := time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC)
	a := testArchiver(&config.FolderConfig{
		Name: "docs",
		// The age policy would take nothing; space pressure overrides it.
		LocalKeepDuration: config.Duration(365 * 24 * time.Hour),
	}, now)

	local := []localFile{
		{path: "newest.txt", mod: now.Add(-time.Hour), size: 100},
		{path: "oldest.txt", mod: now.AddDate(0, 0, -10), size: 300},
		{path: "middle.txt", mod: now.AddDate(0, 0, -5), size: 300},
	}

	// Oldest first, until enough bytes are freed.
	assert.Equal(t, []string{"oldest.txt", "middle.txt"}, a.selectEvictions(local, 500))
	assert.Equal(t, []string{"oldest.txt"}, a.selectEvictions(local, 200))
	assert.Equal(t, []string{"oldest.txt", "middle.txt", "newest.txt"},
		a.selectEvictions(local, 1<<40), "asking for more than exists takes everything")
}

func TestScanLocalHonorsIgnorePatterns(t *testing.T) {
	root := t.TempDir()
	write := func(rel string) {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}
	write("a.txt")
	write("sub/b.txt")
	write("sub/skip.tmp")
	write("node_modules/dep/index.js")

	a := testArchiver(&config.FolderConfig{
		Name:                "docs",
		LocalRoot:           root,
		LocalIgnorePatterns: []string{"*.tmp", "node_modules/"},
	}, time.Now())

	files, err := a.scanLocal()
	require.NoError(t, err)

	var paths []string
	for _, f := range files {
		paths = append(paths, f.path)
	}
	assert.ElementsMatch(t, []string{"a.txt", "sub/b.txt"}, paths)

	for _, f := range files {
		assert.Equal(t, int64(1), f.size)
		assert.Equal(t, time.UTC, f.mod.Location())
	}
}
