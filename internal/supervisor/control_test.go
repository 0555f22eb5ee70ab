package supervisor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgerg2/backup/internal/config"
	"github.com/kgerg2/backup/internal/scheduler"
)

func controlSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Syncthing: config.SyncthingConfig{APIKey: "sekrit-key"},
		Control:   config.ControlConfig{Addr: "localhost:0", Token: "sekrit-token"},
		Rclone: config.RcloneConfig{
			Binary: "rclone",
			GUI:    &config.GUIConfig{URL: "http://localhost:5572", User: "gui", Password: "gui-pass"},
		},
		Folders: []*config.FolderConfig{{
			ID:         "abc-123",
			Name:       "docs",
			LocalRoot:  "/data/docs",
			RemoteRoot: "cloud:backup/docs",
		}},
	}

	s := &Supervisor{
		cfg:     cfg,
		workers: make(map[string]*worker),
		sched: scheduler.New(time.Local, []*scheduler.TimedTask{{
			Name:    "sync_from_cloud",
			Trigger: scheduler.DailyTrigger(23, 0),
		}}),
	}
	s.register(WorkerUploader, nil)
	return s
}

func postCommand(t *testing.T, h http.Handler, token string, cmd ...string) (int, map[string]any) {
	t.Helper()
	body, err := json.Marshal(cmd)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/command", strings.NewReader(string(body)))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec.Code, out
}

func TestControlTokenAuth(t *testing.T) {
	h := controlSupervisor(t).controlHandler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("Authorization", "Bearer sekrit-token")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	code, _ := postCommand(t, h, "wrong-token", "help")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestControlHelp(t *testing.T) {
	h := controlSupervisor(t).controlHandler()

	code, out := postCommand(t, h, "sekrit-token", "help")
	require.Equal(t, http.StatusOK, code)
	result := out["result"].(map[string]any)
	assert.Contains(t, result["verbs"], "run")
	assert.Contains(t, result["run_targets"], "sync_from_cloud")
	assert.Contains(t, result["workers"], WorkerUploader)
}

func TestControlGetConfigRedactsSecrets(t *testing.T) {
	h := controlSupervisor(t).controlHandler()

	code, out := postCommand(t, h, "sekrit-token", "get", "config")
	require.Equal(t, http.StatusOK, code)

	result := out["result"].(map[string]any)
	assert.Equal(t, "<redacted>", result["syncthing"].(map[string]any)["api_key"])
	assert.Equal(t, "<redacted>", result["control"].(map[string]any)["token"])
	gui := result["rclone"].(map[string]any)["gui"].(map[string]any)
	assert.Equal(t, "<redacted>", gui["password"])
}

func TestControlGetGUIConfigIsUnredacted(t *testing.T) {
	h := controlSupervisor(t).controlHandler()

	code, out := postCommand(t, h, "sekrit-token", "get", "rclone_gui_config", "password")
	require.Equal(t, http.StatusOK, code)
	result := out["result"].(map[string]any)
	assert.Equal(t, "gui-pass", result["password"])

	code, out = postCommand(t, h, "sekrit-token", "get", "rclone_gui_config", "nope")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, out["error"], "unknown rc config key")
}

func TestControlGetFoldersAndWorkers(t *testing.T) {
	h := controlSupervisor(t).controlHandler()

	code, out := postCommand(t, h, "sekrit-token", "get", "folders")
	require.Equal(t, http.StatusOK, code)
	folders := out["result"].([]any)
	require.Len(t, folders, 1)
	assert.Equal(t, "abc-123", folders[0].(map[string]any)["id"])

	code, out = postCommand(t, h, "sekrit-token", "get", "uploader")
	require.Equal(t, http.StatusOK, code)
	status := out["result"].(map[string]any)
	assert.Equal(t, WorkerUploader, status["name"])
	assert.Equal(t, false, status["running"])

	code, _ = postCommand(t, h, "sekrit-token", "get", "no_such_worker")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestControlRejectsMalformedCommands(t *testing.T) {
	h := controlSupervisor(t).controlHandler()

	req := httptest.NewRequest(http.MethodPost, "/v1/command", strings.NewReader(`{"verb":"help"}`))
	req.Header.Set("Authorization", "Bearer sekrit-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	code, out := postCommand(t, h, "sekrit-token", "frobnicate")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, out["error"], "unknown verb")

	code, out = postCommand(t, h, "sekrit-token", "run", "archive", "no-such-folder")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, out["error"], "unknown folder")
}

func TestControlJobsNeedARunningSupervisor(t *testing.T) {
	h := controlSupervisor(t).controlHandler()

	code, out := postCommand(t, h, "sekrit-token", "run", "archive", "abc-123")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, out["error"], "not running")
}
