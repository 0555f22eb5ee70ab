// Package supervisor wires the whole daemon together: it owns the worker
// registry, the global failure ceiling, the scheduled tasks and the control
// plane.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/kgerg2/backup/internal/archive"
	"github.com/kgerg2/backup/internal/config"
	"github.com/kgerg2/backup/internal/datalog"
	"github.com/kgerg2/backup/internal/index"
	"github.com/kgerg2/backup/internal/pipeline"
	"github.com/kgerg2/backup/internal/rclone"
	"github.com/kgerg2/backup/internal/reconcile"
	"github.com/kgerg2/backup/internal/scheduler"
	"github.com/kgerg2/backup/internal/syncthing"
	"github.com/kgerg2/backup/internal/utils"
)

// WorkerUploader is the registry name of the single global uploader.
const (
	WorkerUploader  = "uploader"
	WorkerListener  = "listener"
	WorkerScheduler = "scheduler"
)

// Supervisor owns every long-lived component of the daemon.
type Supervisor struct {
	cfg    *config.Config
	st     *syncthing.Client
	runner *rclone.Runner
	dl     *datalog.Logger
	insp   *reconcile.Inspector

	indexes   map[string]*index.Store
	recs      map[string]*reconcile.Reconciler
	archivers map[string]*archive.Archiver
	listener  *pipeline.Listener
	sched     *scheduler.Scheduler

	mu      sync.Mutex
	workers map[string]*worker
	runCtx  context.Context

	failures *failureWindow
	fatal    chan error
	lock     *flock.Flock
}

// worker is one registered long-running component. run carries its own retry
// wrapper; done closes when the goroutine exits.
type worker struct {
	name   string
	run    func(ctx context.Context) error
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (w *worker) running() bool {
	if w.done == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func New(cfg *config.Config) (*Supervisor, error) {
	dl := datalog.New(cfg.LogDataDir, cfg.TimeFormat)
	s := &Supervisor{
		cfg:       cfg,
		st:        syncthing.New(cfg.Syncthing),
		runner:    rclone.NewRunner(cfg.Rclone, dl),
		dl:        dl,
		indexes:   make(map[string]*index.Store, len(cfg.Folders)),
		recs:      make(map[string]*reconcile.Reconciler, len(cfg.Folders)),
		archivers: make(map[string]*archive.Archiver, len(cfg.Folders)),
		workers:   make(map[string]*worker),
		failures:  newFailureWindow(cfg.Failures.Expiry.D()),
		fatal:     make(chan error, 1),
		lock:      flock.New(filepath.Join(cfg.MetadataDir, "backupd.lock")),
	}
	s.insp = reconcile.NewInspector(s.runner, cfg)

	if err := s.build(); err != nil {
		s.closeIndexes()
		return nil, err
	}
	return s, nil
}

// build opens the per-folder indexes and assembles the pipeline: listener
// fans out to per-folder syncers, syncers feed folder uploaders, folder
// uploaders fan in to the one global uploader.
func (s *Supervisor) build() error {
	if err := utils.EnsureDir(s.cfg.MetadataDir); err != nil {
		return err
	}

	uploadQ := make(chan pipeline.UploadJob, pipeline.QueueCapacity)
	s.listener = pipeline.NewListener(s.st, s.cfg.Syncthing)

	for _, folder := range s.cfg.Folders {
		idx, err := index.Open(s.cfg.IndexPath(folder))
		if err != nil {
			return fmt.Errorf("folder %s: %w", folder.Name, err)
		}
		s.indexes[folder.ID] = idx

		batches := make(chan pipeline.Batch, pipeline.QueueCapacity)
		ops := make(chan pipeline.FolderOp, pipeline.QueueCapacity)
		s.listener.Subscribe(batches)

		rec := reconcile.New(s.cfg, folder, idx, s.st, s.runner, s.insp, s.dl, ops)
		s.recs[folder.ID] = rec
		s.archivers[folder.ID] = archive.New(s.cfg, folder, s.st, s.runner, rec, s.dl)

		syncer := pipeline.NewUploadSyncer(folder, idx, s.st, s.insp.Details,
			batches, ops, s.cfg.KeepRemoteOnLocalDelete)
		fu := pipeline.NewFolderUploader(folder, idx, s.runner, s.dl, ops, uploadQ)

		s.register("syncer:"+folder.ID, syncer.Run)
		s.register("folder_uploader:"+folder.ID, fu.Run)
	}

	uploader := pipeline.NewUploader(s.runner, uploadQ)
	s.register(WorkerUploader, uploader.Run)
	s.register(WorkerListener, s.listener.Run)

	s.sched = scheduler.New(s.cfg.Location(), s.tasks())
	s.register(WorkerScheduler, s.sched.Run)
	return nil
}

// Run brings everything up and blocks until the context is cancelled or the
// global failure ceiling trips.
func (s *Supervisor) Run(ctx context.Context) error {
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("instance lock: %w", err)
	}
	if !locked {
		return errors.New("another instance is already running")
	}
	defer s.lock.Unlock()
	defer s.closeIndexes()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.runCtx = runCtx
	s.mu.Unlock()

	if gui := s.cfg.Rclone.GUI; gui != nil && gui.URL == "" && gui.URLPattern != "" {
		if err := s.runner.StartGUI(runCtx, gui, s.cfg.Rclone.MaxAsyncPollInterval.D()); err != nil {
			slog.Error("rc endpoint unavailable, falling back to subprocess calls", "error", err)
		}
	}

	for name := range s.workers {
		if err := s.StartWorker(name); err != nil {
			return err
		}
	}

	ctl := &http.Server{Addr: s.cfg.Control.Addr, Handler: s.controlHandler()}
	go func() {
		slog.Info("control plane listening", "addr", s.cfg.Control.Addr)
		if err := ctl.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("control plane failed", "error", err)
		}
	}()
	defer func() {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		ctl.Shutdown(shutCtx)
	}()

	slog.Info("daemon up", "folders", len(s.cfg.Folders), "workers", len(s.workers))
	select {
	case <-ctx.Done():
		slog.Info("daemon shutting down")
		cancel()
		s.waitWorkers()
		return ctx.Err()
	case err := <-s.fatal:
		slog.Error("daemon giving up", "error", err)
		cancel()
		s.waitWorkers()
		return err
	}
}

// register records a worker spec without starting it. The retry wrapper is
// applied at start time.
func (s *Supervisor) register(name string, run func(ctx context.Context) error) {
	s.workers[name] = &worker{name: name, run: run}
}

// StartWorker launches a registered worker. Starting a running worker is an
// error; use RestartWorker.
func (s *Supervisor) StartWorker(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	if !ok {
		return fmt.Errorf("unknown worker %q", name)
	}
	if w.running() {
		return fmt.Errorf("worker %q is already running", name)
	}
	if s.runCtx == nil || s.runCtx.Err() != nil {
		return errors.New("supervisor is not running")
	}

	wctx, cancel := context.WithCancel(s.runCtx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.err = nil

	go func() {
		defer close(w.done)
		err := retryOnError(wctx, name, s.cfg.Retry, w.run)
		if err != nil && !errors.Is(err, context.Canceled) {
			// workerStatus reads err under the same lock.
			s.mu.Lock()
			w.err = err
			s.mu.Unlock()
			s.recordFailure(name, err)
		}
	}()
	slog.Info("worker started", "worker", name)
	return nil
}

// StopWorker cancels a running worker and waits for it to exit.
func (s *Supervisor) StopWorker(name string) error {
	s.mu.Lock()
	w, ok := s.workers[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown worker %q", name)
	}
	if !w.running() {
		return fmt.Errorf("worker %q is not running", name)
	}
	w.cancel()
	<-w.done
	slog.Info("worker stopped", "worker", name)
	return nil
}

func (s *Supervisor) RestartWorker(name string) error {
	if err := s.StopWorker(name); err != nil {
		slog.Warn("restart: stop failed", "worker", name, "error", err)
	}
	return s.StartWorker(name)
}

// WorkerStatus describes one worker for the control plane.
type WorkerStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

func (s *Supervisor) workerStatus(name string) (*WorkerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	if !ok {
		return nil, fmt.Errorf("unknown worker %q", name)
	}
	st := &WorkerStatus{Name: name, Running: w.running()}
	if w.err != nil {
		st.Error = w.err.Error()
	}
	return st, nil
}

func (s *Supervisor) workerNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.workers))
	for name := range s.workers {
		names = append(names, name)
	}
	return names
}

// recordFailure registers a dead worker in the global window; breaching the
// hourly or daily ceiling shuts the daemon down.
func (s *Supervisor) recordFailure(name string, err error) {
	s.failures.Record()
	hour := s.failures.CountSince(time.Hour)
	day := s.failures.CountSince(24 * time.Hour)
	slog.Error("worker down until restarted", "worker", name, "error", err,
		"failuresLastHour", hour, "failuresLastDay", day)

	if hour > s.cfg.Failures.MaxPerHour || day > s.cfg.Failures.MaxPerDay {
		select {
		case s.fatal <- fmt.Errorf("failure ceiling exceeded (%d/h, %d/d): %w", hour, day, err):
		default:
		}
	}
}

func (s *Supervisor) waitWorkers() {
	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()
	for _, w := range workers {
		if w.done != nil {
			<-w.done
		}
	}
}

func (s *Supervisor) closeIndexes() {
	for id, idx := range s.indexes {
		if err := idx.Close(); err != nil {
			slog.Error("close file index", "folder", id, "error", err)
		}
	}
}
