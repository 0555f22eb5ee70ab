package rclone

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
)

func (r *Runner) runExec(ctx context.Context, cmd Command) (*Result, error) {
	args := append([]string{cmd.Name}, cmd.Args...)
	proc := exec.CommandContext(ctx, r.bin, args...)

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	err := proc.Run()
	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("spawn storage tool %s: %w", cmd.Name, err)
	}

	if res.ExitCode != 0 && !cmd.expected(res.ExitCode) {
		slog.Warn("storage tool finished with unexpected exit",
			"command", cmd.Name, "exit", res.ExitCode, "output", r.describeOutput(cmd.Name, res))
	}
	if err := r.checkStrict(cmd, res); err != nil {
		return res, err
	}
	return res, nil
}
