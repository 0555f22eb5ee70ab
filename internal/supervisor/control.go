package supervisor

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/kgerg2/backup/internal/config"
	"github.com/kgerg2/backup/internal/version"
)

const commandHint = `send ["help"] for the command surface`

// controlHandler is the local operator API: a single POST endpoint taking
// commands of the form ["verb", "target", args...].
func (s *Supervisor) controlHandler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(sloggin.New(slog.Default().WithGroup("control")))
	r.Use(gin.Recovery())
	r.Use(tokenAuth(s.cfg.Control.Token))

	r.GET("/healthz", func(c *gin.Context) {
		c.PureJSON(http.StatusOK, gin.H{"status": "ok", "version": version.Version})
	})
	r.POST("/v1/command", s.handleCommand)
	return r
}

func tokenAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.PureJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Supervisor) handleCommand(c *gin.Context) {
	var cmd []string
	if err := c.ShouldBindJSON(&cmd); err != nil || len(cmd) == 0 {
		c.PureJSON(http.StatusBadRequest, gin.H{
			"error": "body must be a non-empty JSON array of strings",
			"hint":  commandHint,
		})
		return
	}

	result, err := s.dispatch(c.Request.Context(), cmd[0], cmd[1:])
	if err != nil {
		c.PureJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "hint": commandHint})
		return
	}
	c.PureJSON(http.StatusOK, gin.H{"result": result})
}

func (s *Supervisor) dispatch(ctx context.Context, verb string, args []string) (any, error) {
	switch verb {
	case "help":
		return gin.H{
			"verbs":       []string{"help", "get", "start", "stop", "restart", "run"},
			"get_targets": []string{"config", "folders", "uploader", "rclone_gui_config [keys...]", "<workerName>"},
			"run_targets": append([]string{
				"check_processes",
				"archive <folderId> [freeUpBytes]",
				"update_all_files <folderId>",
				"download_only <folderId>",
				"upload_only <folderId>",
			}, s.sched.Names()...),
			"workers": s.workerNames(),
		}, nil

	case "get":
		if len(args) == 0 {
			return nil, errors.New("get needs a target")
		}
		return s.get(args[0], args[1:])

	case "start":
		if len(args) == 0 {
			return nil, errors.New("start needs a worker name")
		}
		return "started", s.StartWorker(args[0])

	case "stop":
		if len(args) == 0 {
			return nil, errors.New("stop needs a worker name")
		}
		return "stopped", s.StopWorker(args[0])

	case "restart":
		if len(args) == 0 {
			return nil, errors.New("restart needs a worker name")
		}
		return "restarted", s.RestartWorker(args[0])

	case "run":
		if len(args) == 0 {
			return nil, errors.New("run needs a target")
		}
		return s.runTarget(ctx, args[0], args[1:])

	default:
		return nil, fmt.Errorf("unknown verb %q", verb)
	}
}

func (s *Supervisor) get(target string, args []string) (any, error) {
	switch target {
	case "config":
		return s.sanitizedConfig(), nil
	case "folders":
		folders := make([]gin.H, 0, len(s.cfg.Folders))
		for _, f := range s.cfg.Folders {
			folders = append(folders, gin.H{
				"id":         f.ID,
				"name":       f.Name,
				"localRoot":  f.LocalRoot,
				"remoteRoot": f.RemoteRoot,
			})
		}
		return folders, nil
	case "uploader":
		return s.workerStatus(WorkerUploader)
	case "rclone_gui_config":
		return s.guiConfig(args)
	default:
		return s.workerStatus(target)
	}
}

func (s *Supervisor) runTarget(ctx context.Context, target string, args []string) (any, error) {
	switch target {
	case "check_processes":
		if err := s.CheckProcesses(ctx); err != nil {
			return nil, err
		}
		return "ok", nil

	case "archive":
		folder, err := s.folderArg(args)
		if err != nil {
			return nil, err
		}
		var freeUp int64
		if len(args) > 1 {
			n, err := humanize.ParseBytes(args[1])
			if err != nil {
				return nil, fmt.Errorf("free-up amount %q: %w", args[1], err)
			}
			freeUp = int64(n)
		}
		arch := s.archivers[folder.ID]
		return "started", s.spawnJob("archive:"+folder.ID, func(ctx context.Context) error {
			return arch.Archive(ctx, freeUp)
		})

	case "update_all_files":
		folder, err := s.folderArg(args)
		if err != nil {
			return nil, err
		}
		rec := s.recs[folder.ID]
		return "started", s.spawnJob("update_all_files:"+folder.ID, func(ctx context.Context) error {
			_, err := rec.RefreshIndex(ctx, true)
			return err
		})

	case "download_only":
		folder, err := s.folderArg(args)
		if err != nil {
			return nil, err
		}
		rec := s.recs[folder.ID]
		return "started", s.spawnJob("download_only:"+folder.ID, rec.DownloadOnly)

	case "upload_only":
		folder, err := s.folderArg(args)
		if err != nil {
			return nil, err
		}
		rec := s.recs[folder.ID]
		return "started", s.spawnJob("upload_only:"+folder.ID, rec.UploadOnly)

	default:
		s.mu.Lock()
		runCtx := s.runCtx
		s.mu.Unlock()
		if runCtx == nil {
			return nil, errors.New("supervisor is not running")
		}
		if err := s.sched.RunNow(runCtx, target); err != nil {
			return nil, err
		}
		return "started", nil
	}
}

func (s *Supervisor) folderArg(args []string) (*config.FolderConfig, error) {
	if len(args) == 0 {
		return nil, errors.New("a folder id is required")
	}
	folder := s.cfg.Folder(args[0])
	if folder == nil {
		return nil, fmt.Errorf("unknown folder %q", args[0])
	}
	return folder, nil
}

// spawnJob runs fn detached on the daemon's lifetime context, so it outlives
// the control request that triggered it.
func (s *Supervisor) spawnJob(name string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return errors.New("supervisor is not running")
	}
	go func() {
		slog.Info("job started", "job", name)
		if err := fn(ctx); err != nil {
			slog.Error("job failed", "job", name, "error", err)
			return
		}
		slog.Info("job finished", "job", name)
	}()
	return nil
}

func (s *Supervisor) sanitizedConfig() *config.Config {
	c := *s.cfg
	if c.Syncthing.APIKey != "" {
		c.Syncthing.APIKey = "<redacted>"
	}
	if c.Control.Token != "" {
		c.Control.Token = "<redacted>"
	}
	if c.Rclone.GUI != nil {
		gui := *c.Rclone.GUI
		if gui.Password != "" {
			gui.Password = "<redacted>"
		}
		if gui.LoginToken != "" {
			gui.LoginToken = "<redacted>"
		}
		c.Rclone.GUI = &gui
	}
	return &c
}

// guiConfig returns the rc endpoint settings, optionally narrowed to the
// requested keys. This is how an operator retrieves the spawned GUI's
// credentials, so nothing is redacted.
func (s *Supervisor) guiConfig(keys []string) (any, error) {
	gui := s.cfg.Rclone.GUI
	if gui == nil {
		return nil, errors.New("no rc endpoint configured")
	}
	full := map[string]string{
		"url":         gui.URL,
		"user":        gui.User,
		"password":    gui.Password,
		"login_token": gui.LoginToken,
		"url_pattern": gui.URLPattern,
	}
	if len(keys) == 0 {
		return full, nil
	}
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		v, ok := full[key]
		if !ok {
			return nil, fmt.Errorf("unknown rc config key %q", key)
		}
		out[key] = v
	}
	return out, nil
}
