package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgerg2/backup/internal/config"
	"github.com/kgerg2/backup/internal/index"
	"github.com/kgerg2/backup/internal/syncthing"
)

func openTestIndex(t *testing.T, paths ...string) *index.Store {
	t.Helper()
	s, err := index.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	mod := time.Now().Truncate(time.Microsecond).UTC()
	for _, p := range paths {
		hash, size := "h", int64(1)
		require.NoError(t, s.Upsert(&index.Entry{Path: p, Hash: &hash, Modified: &mod, Size: &size}))
	}
	return s
}

// fileInfoDaemon fakes the sync daemon's db/file endpoint. Paths not in known
// answer 404; the rest report their global deleted/ignored bits.
type fileInfoDaemon struct {
	known   map[string]bool
	deleted map[string]bool
	ignored map[string]bool
}

func (d *fileInfoDaemon) client(t *testing.T) *syncthing.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/db/file", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("file")
		if !d.known[path] {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error": "No such object in the index"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"global": map[string]bool{"deleted": d.deleted[path], "ignored": d.ignored[path]},
			"local":  map[string]bool{},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return syncthing.New(config.SyncthingConfig{
		URL:        srv.URL,
		APIKey:     "test",
		RetryCount: 1,
		RetryDelay: config.Duration(time.Millisecond),
	})
}

func TestConfirmRemovalsErasesOnlyConfirmedPaths(t *testing.T) {
	idx := openTestIndex(t, "vanished.txt", "deleted.txt", "ignored.txt", "still.txt")
	daemon := &fileInfoDaemon{
		known:   map[string]bool{"deleted.txt": true, "ignored.txt": true, "still.txt": true},
		deleted: map[string]bool{"deleted.txt": true},
		ignored: map[string]bool{"ignored.txt": true},
	}
	r := &Reconciler{
		cfg:    &config.Config{},
		folder: &config.FolderConfig{ID: "f1", Name: "docs"},
		idx:    idx,
		st:     daemon.client(t),
		now:    time.Now,
	}

	require.NoError(t, r.confirmRemovals(context.Background(),
		[]string{"vanished.txt", "deleted.txt", "ignored.txt", "still.txt"}))

	for _, p := range []string{"vanished.txt", "deleted.txt", "ignored.txt"} {
		got, err := idx.Get(p)
		require.NoError(t, err)
		assert.Nil(t, got, p)
	}

	kept, err := idx.Get("still.txt")
	require.NoError(t, err)
	require.NotNil(t, kept, "a path the daemon still reports stays indexed")
	assert.NotNil(t, kept.Hash)
}

func TestConfirmRemovalsErasesDispatchedDeletions(t *testing.T) {
	// The folder uploader leaves soft-deleted rows behind after a remote
	// deletion; the confirmed half of them is erased here.
	idx := openTestIndex(t)
	up := time.Now().Truncate(time.Microsecond).UTC()
	require.NoError(t, idx.Upsert(&index.Entry{Path: "done.txt", Uploaded: &up}))
	require.NoError(t, idx.Upsert(&index.Entry{Path: "pending.txt", Uploaded: &up}))

	daemon := &fileInfoDaemon{known: map[string]bool{"pending.txt": true}}
	r := &Reconciler{
		cfg:    &config.Config{},
		folder: &config.FolderConfig{ID: "f1", Name: "docs"},
		idx:    idx,
		st:     daemon.client(t),
		now:    time.Now,
	}

	require.NoError(t, r.confirmRemovals(context.Background(), []string{"done.txt", "pending.txt"}))

	gone, err := idx.Get("done.txt")
	require.NoError(t, err)
	assert.Nil(t, gone)

	row, err := idx.Get("pending.txt")
	require.NoError(t, err)
	require.NotNil(t, row, "unconfirmed deletion keeps its row")
	assert.NotNil(t, row.Uploaded)
}
