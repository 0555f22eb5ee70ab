package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// idleWait is how long the loop parks when no task is enabled.
const idleWait = time.Hour

// Scheduler runs a fixed set of timed tasks, one loop iteration per fire.
// Late fires (past MaxDelay) are pushed back by RetryTime; repeated failures
// disable the task.
type Scheduler struct {
	mu    sync.Mutex
	tasks []*TimedTask

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(loc *time.Location, tasks []*TimedTask) *Scheduler {
	s := &Scheduler{
		tasks: tasks,
		now:   func() time.Time { return time.Now().In(loc) },
		sleep: sleepCtx,
	}
	now := s.now()
	for _, t := range s.tasks {
		next, ok := t.NextScheduled(now)
		if !ok {
			slog.Warn("task trigger unreachable, disabling", "task", t.Name)
			continue
		}
		t.enabled = true
		t.next = next
		slog.Info("task scheduled", "task", t.Name, "next", next)
	}
	return s
}

func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.iterate(ctx); err != nil {
			return err
		}
	}
}

// iterate sleeps until the earliest fire time and handles that one task.
func (s *Scheduler) iterate(ctx context.Context) error {
	task := s.earliest()
	if task == nil {
		return s.sleep(ctx, idleWait)
	}

	if wait := task.next.Sub(s.now()); wait > 0 {
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	late := now.Sub(task.next)
	if late < 0 || late >= task.MaxDelay {
		task.next = task.next.Add(task.RetryTime)
		task.retryCount++
		slog.Warn("task fire outside its window, rescheduled",
			"task", task.Name, "late", late, "next", task.next, "retries", task.retryCount)
		return nil
	}

	if task.handle != nil && !task.handle.finished() {
		if task.SkipIfRunning {
			task.retryCount = 0
			s.reschedule(task, now)
			slog.Info("previous run still active, skipping", "task", task.Name, "next", task.next)
		} else {
			task.next = task.next.Add(task.RetryTime)
			task.retryCount++
			slog.Warn("previous run still active, retrying later",
				"task", task.Name, "next", task.next, "retries", task.retryCount)
		}
		return nil
	}

	if task.handle != nil && task.handle.err != nil {
		task.retryCount++
		slog.Warn("previous run failed", "task", task.Name, "error", task.handle.err, "retries", task.retryCount)
	} else {
		task.retryCount = 0
	}
	if task.retryCount > task.MaxRetryCount {
		task.enabled = false
		slog.Error("task failed too often, disabled until restart", "task", task.Name, "retries", task.retryCount)
		return nil
	}

	task.handle = spawn(ctx, task)
	s.reschedule(task, now)
	slog.Info("task started", "task", task.Name, "next", task.next)
	return nil
}

func (s *Scheduler) earliest() *TimedTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *TimedTask
	for _, t := range s.tasks {
		if !t.enabled {
			continue
		}
		if best == nil || t.next.Before(best.next) {
			best = t
		}
	}
	return best
}

func (s *Scheduler) reschedule(task *TimedTask, now time.Time) {
	// One second past now so a fire at the exact trigger instant moves to
	// the next period instead of re-firing.
	next, ok := task.NextScheduled(now.Add(time.Second))
	if !ok {
		task.enabled = false
		slog.Warn("task trigger unreachable, disabling", "task", task.Name)
		return
	}
	task.next = next
}

// RunNow starts the named task immediately, outside its schedule. Errors out
// when the task is unknown or a previous run is still active.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := s.lookup(name)
	if task == nil {
		return fmt.Errorf("unknown task %q", name)
	}
	if task.handle != nil && !task.handle.finished() {
		return fmt.Errorf("task %q is already running", name)
	}
	task.handle = spawn(ctx, task)
	// A manual run also re-arms a task that failure-disabled itself.
	if !task.enabled {
		task.enabled = true
		task.retryCount = 0
		s.reschedule(task, s.now())
	}
	slog.Info("task started manually", "task", name)
	return nil
}

// Names lists the task names, for the control plane's help output.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		names = append(names, t.Name)
	}
	return names
}

func (s *Scheduler) lookup(name string) *TimedTask {
	for _, t := range s.tasks {
		if t.Name == name {
			return t
		}
	}
	return nil
}

func spawn(ctx context.Context, task *TimedTask) *runHandle {
	h := &runHandle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		if err := task.Run(ctx); err != nil {
			slog.Error("task run failed", "task", task.Name, "error", err)
			h.err = err
		}
	}()
	return h
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
