package rclone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinRemote(t *testing.T) {
	tests := []struct {
		root, rel, want string
	}{
		{"cloud:backup/docs", "a/b.txt", "cloud:backup/docs/a/b.txt"},
		{"cloud:", "a", "cloud:a"},
		{"cloud:backup/", "a", "cloud:backup/a"},
		{"/local/root", "a", "/local/root/a"},
		{"cloud:backup", "", "cloud:backup"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, JoinRemote(tt.root, tt.rel))
	}
}

func TestWriteListDedupesAndSorts(t *testing.T) {
	s := &ScratchDir{Dir: t.TempDir()}

	path, err := s.WriteList("list.txt", []string{"b", "a", "b", "", "c", "a"})
	require.NoError(t, err)

	got, err := ReadList(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestReadListSkipsBlankLines(t *testing.T) {
	s := &ScratchDir{Dir: t.TempDir()}
	path, err := s.WriteList("empty.txt", nil)
	require.NoError(t, err)

	got, err := ReadList(path)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ReadList(s.Path("missing.txt"))
	assert.Error(t, err)
}
