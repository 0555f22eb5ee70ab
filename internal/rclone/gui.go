package rclone

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"time"

	"github.com/kgerg2/backup/internal/config"
)

const guiStartTimeout = 30 * time.Second

// StartGUI spawns `rclone rcd --rc-web-gui --rc-web-gui-no-open-browser`,
// scans its output for the web GUI URL matching cfg.URLPattern and installs
// the extracted endpoint on the runner. The pattern's named capture groups
// (host, port, user, password, loginToken) fill in whatever the config left
// empty. The rcd process lives until ctx is cancelled.
func (r *Runner) StartGUI(ctx context.Context, cfg *config.GUIConfig, maxPoll time.Duration) error {
	pattern, err := regexp.Compile(cfg.URLPattern)
	if err != nil {
		return fmt.Errorf("compile rc gui url pattern: %w", err)
	}

	proc := exec.CommandContext(ctx, r.bin, "rcd", "--rc-web-gui", "--rc-web-gui-no-open-browser")
	stderr, err := proc.StderrPipe()
	if err != nil {
		return fmt.Errorf("pipe rcd output: %w", err)
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe rcd output: %w", err)
	}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("spawn rcd: %w", err)
	}

	found := make(chan *config.GUIConfig, 1)
	go scanForEndpoint(io.MultiReader(stdout, stderr), pattern, cfg, found)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(guiStartTimeout):
		return fmt.Errorf("rcd did not publish its endpoint within %s", guiStartTimeout)
	case gui := <-found:
		slog.Info("rc endpoint ready", "url", gui.URL)
		// Written back so the control plane can hand the credentials out.
		*cfg = *gui
		r.SetEndpoint(cfg, maxPoll)
		return nil
	}
}

func scanForEndpoint(out io.Reader, pattern *regexp.Regexp, base *config.GUIConfig, found chan<- *config.GUIConfig) {
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		line := scanner.Text()
		m := pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		gui := *base
		groups := make(map[string]string)
		for i, name := range pattern.SubexpNames() {
			if name != "" && i < len(m) {
				groups[name] = m[i]
			}
		}
		if host, ok := groups["host"]; ok {
			port := groups["port"]
			if port != "" {
				gui.URL = fmt.Sprintf("http://%s:%s", host, port)
			} else {
				gui.URL = "http://" + host
			}
		}
		if user, ok := groups["user"]; ok && user != "" {
			gui.User = user
		}
		if pass, ok := groups["password"]; ok && pass != "" {
			gui.Password = pass
		}
		if token, ok := groups["loginToken"]; ok && token != "" {
			gui.LoginToken = token
		}

		found <- &gui
		// keep draining so rcd does not block on a full pipe
	}
}
