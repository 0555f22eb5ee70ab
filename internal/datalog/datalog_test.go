package datalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedLogger(dir string) *Logger {
	l := New(dir, "2006-01-02_15-04-05")
	l.now = func() time.Time {
		return time.Date(2024, 5, 3, 17, 22, 8, 0, time.UTC)
	}
	return l
}

func TestWriteLines(t *testing.T) {
	dir := t.TempDir()
	l := fixedLogger(dir)

	path, err := l.WriteLines("failed-deletes", []string{"a/b.txt", "c.txt"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "2024-05-03_17-22-08", "failed-deletes.log"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a/b.txt\nc.txt", string(data))
}

func TestWriteAllSharesOneDirectory(t *testing.T) {
	l := fixedLogger(t.TempDir())

	paths, err := l.WriteAll(map[string][]byte{
		"check-stdout": []byte("out"),
		"check-stderr": []byte("err"),
	})
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, filepath.Dir(paths["check-stdout"]), filepath.Dir(paths["check-stderr"]))
}

func TestCollidingStampsGetCounterSuffix(t *testing.T) {
	dir := t.TempDir()
	l := fixedLogger(dir)

	first, err := l.Write("run", []byte("1"))
	require.NoError(t, err)
	second, err := l.Write("run", []byte("2"))
	require.NoError(t, err)
	third, err := l.Write("run", []byte("3"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "2024-05-03_17-22-08"), filepath.Dir(first))
	assert.Equal(t, filepath.Join(dir, "2024-05-03_17-22-08-1"), filepath.Dir(second))
	assert.Equal(t, filepath.Join(dir, "2024-05-03_17-22-08-2"), filepath.Dir(third))
}
