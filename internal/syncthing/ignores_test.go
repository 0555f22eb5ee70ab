package syncthing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgerg2/backup/internal/config"
)

func TestLeafIgnores(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{
			name: "parents dropped",
			in:   []string{"/a", "/a/b", "/a/b/c", "/d"},
			want: []string{"/a/b/c", "/d"},
		},
		{
			name: "similar names are not prefixes",
			in:   []string{"/a", "/ab"},
			want: []string{"/a", "/ab"},
		},
		{
			name: "empty",
			in:   nil,
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LeafIgnores(tt.in))
		})
	}
}

// fakeDaemon is a minimal db/ignores endpoint remembering its list.
type fakeDaemon struct {
	ignores  []string
	notReady int // initial GETs answering without the ignore key
	gets     int
}

func (f *fakeDaemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/db/ignores", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			f.gets++
			if f.notReady > 0 {
				f.notReady--
				w.Write([]byte(`{}`))
				return
			}
		case http.MethodPost:
			var body struct {
				Ignore []string `json:"ignore"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			f.ignores = body.Ignore
		}
		json.NewEncoder(w).Encode(map[string][]string{"ignore": f.ignores})
	})
	return mux
}

func testClient(t *testing.T, url string) *Client {
	t.Helper()
	c := New(config.SyncthingConfig{
		URL:        url,
		APIKey:     "test",
		RetryCount: 3,
		RetryDelay: config.Duration(time.Millisecond),
	})
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func TestExtendIgnoresIsIdempotent(t *testing.T) {
	daemon := &fakeDaemon{ignores: []string{"/old"}}
	srv := httptest.NewServer(daemon.handler())
	defer srv.Close()
	c := testClient(t, srv.URL)

	ctx := context.Background()
	require.NoError(t, c.ExtendIgnores(ctx, "f1", []string{"a/b.txt", "/c"}))
	assert.ElementsMatch(t, []string{"/old", "/a/b.txt", "/c"}, daemon.ignores)

	// Same call again changes nothing.
	require.NoError(t, c.ExtendIgnores(ctx, "f1", []string{"a/b.txt", "/c"}))
	assert.ElementsMatch(t, []string{"/old", "/a/b.txt", "/c"}, daemon.ignores)

	require.NoError(t, c.DiscardIgnores(ctx, "f1", []string{"/c"}))
	assert.ElementsMatch(t, []string{"/old", "/a/b.txt"}, daemon.ignores)
}

func TestIgnoresRetriesUntilReady(t *testing.T) {
	daemon := &fakeDaemon{ignores: []string{"/x"}, notReady: 2}
	srv := httptest.NewServer(daemon.handler())
	defer srv.Close()
	c := testClient(t, srv.URL)

	got, err := c.Ignores(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, []string{"/x"}, got)
	assert.Equal(t, 3, daemon.gets)
}

func TestEventsLongPoll(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/events/disk", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "42", r.URL.Query().Get("since"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id": 43, "type": "LocalChangeDetected",
			 "time": "2024-05-03T17:22:08.1234567+02:00",
			 "data": {"folder": "f1", "path": "a/b.txt", "action": "modified", "type": "file"}},
			{"id": 44, "type": "RemoteChangeDetected",
			 "time": "2024-05-03T17:22:09.1234567+02:00",
			 "data": {"folder": "f1", "path": "a", "action": "deleted", "type": "dir"}}
		]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := testClient(t, srv.URL)

	events, err := c.Events(context.Background(), 42, time.Minute)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, int64(43), events[0].ID)
	assert.True(t, events[0].IsChange())
	assert.False(t, events[0].IsDir())
	assert.Equal(t, "a/b.txt", events[0].Data.Path)

	assert.Equal(t, ActionDeleted, events[1].Data.Action)
	assert.True(t, events[1].IsDir())
}
