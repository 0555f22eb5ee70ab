// Package rclone invokes the external storage CLI, either as a subprocess or
// through its rc endpoint when one is configured. It owns the expected-exit-
// code convention: callers enumerate the non-zero exits that carry meaning
// (check exits 1 for differences) and everything else is an error.
package rclone

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/kgerg2/backup/internal/config"
	"github.com/kgerg2/backup/internal/datalog"
)

// maxInlineOutput is the combined stdout+stderr size above which the output
// is diverted to the log-data directory instead of being embedded in logs.
const maxInlineOutput = 200

// Command is one storage-tool invocation.
type Command struct {
	Name string
	Args []string

	// Strict turns an exit code outside ExpectedExitCodes into an error.
	Strict            bool
	ExpectedExitCodes []int

	// Async routes the command through the rc endpoint as a background job
	// that is polled until completion. Ignored without a configured endpoint.
	Async bool
}

func (c Command) expected(code int) bool {
	if len(c.ExpectedExitCodes) == 0 {
		return code == 0
	}
	return slices.Contains(c.ExpectedExitCodes, code)
}

// Result of a completed invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandError reports a strict command finishing with an unexpected exit.
type CommandError struct {
	Command  string
	ExitCode int
	Detail   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("storage tool %s: unexpected exit code %d: %s", e.Command, e.ExitCode, e.Detail)
}

// Runner executes storage-tool commands.
type Runner struct {
	bin     string
	datalog *datalog.Logger
	rc      *rcClient

	sleep func(ctx context.Context, d time.Duration) error
}

func NewRunner(cfg config.RcloneConfig, dl *datalog.Logger) *Runner {
	r := &Runner{
		bin:     cfg.Binary,
		datalog: dl,
		sleep:   sleepCtx,
	}
	if cfg.GUI != nil && cfg.GUI.URL != "" {
		r.rc = newRCClient(cfg.GUI, cfg.MaxAsyncPollInterval.D())
	}
	return r
}

// SetEndpoint installs (or replaces) the rc endpoint, e.g. after a spawned
// rcd published its credentials.
func (r *Runner) SetEndpoint(gui *config.GUIConfig, maxPoll time.Duration) {
	r.rc = newRCClient(gui, maxPoll)
}

// Run executes the command and returns its result. Commands with an rc
// equivalent are routed through the endpoint when one is configured.
func (r *Runner) Run(ctx context.Context, cmd Command) (*Result, error) {
	slog.Debug("storage tool run", "command", cmd.Name, "args", strings.Join(cmd.Args, " "))

	if r.rc != nil && r.rc.supports(cmd.Name) {
		return r.rc.run(ctx, r, cmd)
	}
	return r.runExec(ctx, cmd)
}

func (r *Runner) checkStrict(cmd Command, res *Result) error {
	if !cmd.Strict || cmd.expected(res.ExitCode) {
		return nil
	}
	return &CommandError{
		Command:  cmd.Name,
		ExitCode: res.ExitCode,
		Detail:   r.describeOutput(cmd.Name, res),
	}
}

// describeOutput returns a loggable description of the command's output,
// spilling oversized payloads to the data log.
func (r *Runner) describeOutput(name string, res *Result) string {
	if len(res.Stdout)+len(res.Stderr) <= maxInlineOutput {
		return strings.TrimSpace(res.Stdout + " " + res.Stderr)
	}
	paths, err := r.datalog.WriteAll(map[string][]byte{
		name + "-stdout": []byte(res.Stdout),
		name + "-stderr": []byte(res.Stderr),
	})
	if err != nil {
		slog.Error("failed to spill storage tool output", "command", name, "error", err)
		return fmt.Sprintf("output of %d bytes lost: %v", len(res.Stdout)+len(res.Stderr), err)
	}
	return fmt.Sprintf("output in %s", paths[name+"-stdout"])
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
