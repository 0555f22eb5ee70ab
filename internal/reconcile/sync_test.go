package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgerg2/backup/internal/config"
	"github.com/kgerg2/backup/internal/datalog"
	"github.com/kgerg2/backup/internal/index"
	"github.com/kgerg2/backup/internal/pipeline"
	"github.com/kgerg2/backup/internal/rclone"
)

// rcStub fakes the storage tool's rc endpoint for one operation path and
// records the parameters of each call.
func rcStub(t *testing.T, path string) (*rclone.Runner, *[]map[string]any) {
	t.Helper()
	var calls []map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		var params map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		calls = append(calls, params)
		json.NewEncoder(w).Encode(map[string]any{"jobid": int64(len(calls))})
	})
	mux.HandleFunc("/job/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"finished": true, "output": map[string]any{}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	runner := rclone.NewRunner(config.RcloneConfig{
		Binary:               "rclone",
		GUI:                  &config.GUIConfig{URL: srv.URL},
		MaxAsyncPollInterval: config.Duration(time.Second),
	}, datalog.New(t.TempDir(), "2006-01-02_15-04-05"))
	return runner, &calls
}

func TestMissedDeletionsAreSoftDeletedRowsOnly(t *testing.T) {
	idx := openTestIndex(t, "live.txt")
	up := time.Now().Truncate(time.Microsecond).UTC()
	require.NoError(t, idx.Upsert(&index.Entry{Path: "gone.txt", Uploaded: &up}))
	require.NoError(t, idx.Upsert(&index.Entry{Path: "cloud.bin", Uploaded: &up, CloudOnly: true}))

	r := &Reconciler{idx: idx}
	set, err := r.missedDeletions()
	require.NoError(t, err)
	assert.Equal(t, pathSet{"gone.txt": true}, set)
}

func TestDownloadRequeuesMissedDeletions(t *testing.T) {
	idx := openTestIndex(t)
	up := time.Now().Truncate(time.Microsecond).UTC()
	require.NoError(t, idx.Upsert(&index.Entry{Path: "gone.txt", Uploaded: &up}))

	runner, calls := rcStub(t, "/sync/copy")
	ops := make(chan pipeline.FolderOp, 1)
	cfg := &config.Config{DefaultHash: "dir"}
	folder := &config.FolderConfig{
		ID: "f1", Name: "docs",
		LocalRoot:  t.TempDir(),
		RemoteRoot: "cloud:backup/docs",
	}
	stamp := time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC)
	r := &Reconciler{
		cfg:    cfg,
		folder: folder,
		idx:    idx,
		runner: runner,
		insp:   NewInspector(runner, cfg),
		ops:    ops,
		now:    func() time.Time { return stamp },
	}

	scratch, err := rclone.NewScratchDir()
	require.NoError(t, err)
	defer scratch.Cleanup()

	require.NoError(t, r.download(context.Background(),
		scratch, []string{"new.txt", "gone.txt"}, []string{"new.txt"}))

	// The remote copy of an already-deleted file is not restored; its
	// deletion goes back on the queue.
	select {
	case op := <-ops:
		assert.Equal(t, pipeline.ActionDeleteFiles, op.Action)
		assert.Equal(t, []string{"gone.txt"}, op.Paths)
	default:
		t.Fatal("no deletion re-queued")
	}

	require.Len(t, *calls, 1)
	assert.Equal(t, "cloud:backup/docs", (*calls)[0]["srcFs"])
	assert.Equal(t, folder.LocalRoot, (*calls)[0]["dstFs"])

	listed, err := rclone.ReadList(scratch.Path("download.txt"))
	require.NoError(t, err)
	assert.Equal(t, []string{"new.txt"}, listed, "only the real download is transferred")

	got, err := idx.Get("new.txt")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.Uploaded, "provisional stamp recorded before the transfer")
	assert.True(t, got.Uploaded.Equal(stamp))

	row, err := idx.Get("gone.txt")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Nil(t, row.Hash, "the soft-deleted row is untouched")
}

func TestMarkCloudOnlyRecordsRemoteDetails(t *testing.T) {
	script := filepath.Join(t.TempDir(), "storagetool")
	fake := `#!/bin/sh
case "$1" in
  lsl) echo "     9000 2024-05-03 17:22:08.000000000 big.iso" ;;
  hashsum) echo "abc123  big.iso" ;;
esac
`
	require.NoError(t, os.WriteFile(script, []byte(fake), 0o755))

	idx := openTestIndex(t)
	cfg := &config.Config{
		DefaultHash: "dir",
		Rclone:      config.RcloneConfig{Binary: script, HashAlgo: "md5"},
	}
	runner := rclone.NewRunner(cfg.Rclone, datalog.New(t.TempDir(), "2006-01-02_15-04-05"))
	folder := &config.FolderConfig{
		ID: "f1", Name: "docs",
		RemoteRoot:     "cloud:backup/docs",
		CloudOnlyRules: []config.CloudOnlyRule{{Target: `\.iso$`}},
	}
	r := &Reconciler{cfg: cfg, folder: folder, idx: idx, runner: runner, now: time.Now}

	rest, err := r.markCloudOnly(context.Background(), []string{"big.iso", "notes.txt"})
	require.NoError(t, err)
	assert.Equal(t, []string{"notes.txt"}, rest)

	row, err := idx.Get("big.iso")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.CloudOnly)
	require.NotNil(t, row.Hash)
	assert.Equal(t, "abc123", *row.Hash)
	require.NotNil(t, row.Size)
	assert.Equal(t, int64(9000), *row.Size)

	// The remote mtime is kept on the row and doubles as the uploaded stamp.
	require.NotNil(t, row.Modified)
	require.NotNil(t, row.Uploaded)
	assert.True(t, row.Modified.Equal(time.Date(2024, 5, 3, 17, 22, 8, 0, time.UTC)))
	assert.True(t, row.Uploaded.Equal(*row.Modified))
}
