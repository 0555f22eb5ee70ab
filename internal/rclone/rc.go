package rclone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/kgerg2/backup/internal/config"
)

// ErrJobNotFound is returned when the rc endpoint loses track of an async
// job; the caller cannot learn the outcome anymore.
var ErrJobNotFound = errors.New("rc job not found")

const initialPollInterval = 500 * time.Millisecond

// rcPaths maps storage-tool subcommands to their rc equivalents. Commands
// outside this table always run as subprocesses.
var rcPaths = map[string]string{
	"copy":       "sync/copy",
	"move":       "sync/move",
	"check":      "operations/check",
	"delete":     "operations/delete",
	"deletefile": "operations/deletefile",
	"purge":      "operations/purge",
	"hashsum":    "operations/hashsum",
	"lsl":        "operations/list",
}

// filterFlags are CLI flags that the rc API accepts only inside the _filter
// blob, keyed by their blob field name. The bool marks list-valued fields.
var filterFlags = map[string]struct {
	field string
	list  bool
}{
	"--files-from": {"FilesFrom", true},
	"--min-age":    {"MinAge", false},
	"--max-age":    {"MaxAge", false},
	"--include":    {"IncludeRule", true},
	"--exclude":    {"ExcludeRule", true},
}

type rcClient struct {
	http    *req.Client
	maxPoll time.Duration
}

func newRCClient(gui *config.GUIConfig, maxPoll time.Duration) *rcClient {
	client := req.C().
		SetBaseURL(gui.URL).
		SetCommonBasicAuth(gui.User, gui.Password)
	if gui.LoginToken != "" {
		client.SetCommonHeader("Authorization", "Bearer "+gui.LoginToken)
	}
	return &rcClient{http: client, maxPoll: maxPoll}
}

func (rc *rcClient) supports(name string) bool {
	_, ok := rcPaths[name]
	return ok
}

func (rc *rcClient) run(ctx context.Context, r *Runner, cmd Command) (*Result, error) {
	params, outFiles, err := rcParams(cmd)
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	if cmd.Async {
		payload, err = rc.runAsync(ctx, r, cmd.Name, params)
	} else {
		payload, err = rc.call(ctx, rcPaths[cmd.Name], params)
	}

	res := &Result{}
	if err != nil {
		var rcErr *rcError
		if !errors.As(err, &rcErr) {
			return nil, err
		}
		res.ExitCode = 1
		res.Stderr = rcErr.Message
	} else if err := writeResultLists(payload, outFiles); err != nil {
		return nil, err
	} else {
		out, _ := jsonMarshal(payload)
		res.Stdout = string(out)
	}

	if err := r.checkStrict(cmd, res); err != nil {
		return res, err
	}
	return res, nil
}

// runAsync submits the job and polls job/status with exponential backoff
// until it finishes or the endpoint forgets it.
func (rc *rcClient) runAsync(ctx context.Context, r *Runner, name string, params map[string]any) (map[string]any, error) {
	submit := make(map[string]any, len(params)+1)
	for k, v := range params {
		submit[k] = v
	}
	submit["_async"] = true

	started, err := rc.call(ctx, rcPaths[name], submit)
	if err != nil {
		return nil, err
	}
	jobID, ok := started["jobid"]
	if !ok {
		return nil, fmt.Errorf("rc %s: async submit returned no job id", name)
	}

	interval := initialPollInterval
	for {
		status, err := rc.call(ctx, "job/status", map[string]any{"jobid": jobID})
		if err != nil {
			var rcErr *rcError
			if errors.As(err, &rcErr) && strings.Contains(rcErr.Message, "job not found") {
				return nil, fmt.Errorf("rc %s: %w", name, ErrJobNotFound)
			}
			return nil, err
		}

		if finished, _ := status["finished"].(bool); finished {
			if msg, _ := status["error"].(string); msg != "" {
				return nil, &rcError{Path: rcPaths[name], Message: msg}
			}
			if output, ok := status["output"].(map[string]any); ok {
				return output, nil
			}
			return status, nil
		}

		slog.Debug("rc job still running", "command", name, "jobid", jobID, "next_poll", interval)
		if err := r.sleep(ctx, interval); err != nil {
			return nil, err
		}
		if interval *= 2; interval > rc.maxPoll {
			interval = rc.maxPoll
		}
	}
}

type rcError struct {
	Path    string
	Message string
}

func (e *rcError) Error() string {
	return fmt.Sprintf("rc %s: %s", e.Path, e.Message)
}

func (rc *rcClient) call(ctx context.Context, path string, params map[string]any) (map[string]any, error) {
	body, err := jsonMarshal(params)
	if err != nil {
		return nil, fmt.Errorf("rc %s: encode params: %w", path, err)
	}

	resp, err := rc.http.R().
		SetContext(ctx).
		SetContentType("application/json").
		SetBody(body).
		Post("/" + path)
	if err != nil {
		return nil, fmt.Errorf("rc %s: %w", path, err)
	}

	var payload map[string]any
	if err := jsonUnmarshal(resp.Bytes(), &payload); err != nil {
		return nil, fmt.Errorf("rc %s: decode response: %w", path, err)
	}
	if resp.IsErrorState() {
		msg, _ := payload["error"].(string)
		return nil, &rcError{Path: path, Message: msg}
	}
	return payload, nil
}

// rcParams translates CLI-style arguments into rc parameters. Positional
// arguments become srcFs/dstFs (or fs/remote for single-target commands),
// known filter flags are folded into the _filter blob, and everything else
// is dropped with a warning. The returned map holds response-list keys to
// destination files for commands (check) that write result lists.
func rcParams(cmd Command) (map[string]any, map[string]string, error) {
	params := make(map[string]any)
	filter := make(map[string]any)
	outFiles := make(map[string]string)
	var positional []string

	args := cmd.Args
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			positional = append(positional, arg)
			continue
		}

		value := ""
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			value = args[i+1]
			i++
		}

		if spec, ok := filterFlags[arg]; ok {
			if spec.list {
				prev, _ := filter[spec.field].([]string)
				filter[spec.field] = append(prev, value)
			} else {
				filter[spec.field] = value
			}
			continue
		}

		switch arg {
		case "--checkfile":
			params["checkFileHash"] = value
		case "--differ":
			outFiles["differ"] = value
		case "--missing-on-dst":
			outFiles["missingOnDst"] = value
		case "--missing-on-src":
			outFiles["missingOnSrc"] = value
		case "--rmdirs":
			params["rmdirs"] = true
		default:
			slog.Warn("rc has no equivalent for flag, dropping", "command", cmd.Name, "flag", arg)
		}
	}

	if len(filter) > 0 {
		params["_filter"] = filter
	}

	switch cmd.Name {
	case "copy", "move", "check":
		if len(positional) < 2 {
			return nil, nil, fmt.Errorf("rc %s: need source and destination", cmd.Name)
		}
		params["srcFs"] = positional[0]
		params["dstFs"] = positional[1]
	case "delete", "lsl":
		if len(positional) < 1 {
			return nil, nil, fmt.Errorf("rc %s: need a target", cmd.Name)
		}
		params["fs"] = positional[0]
	case "deletefile", "purge":
		if len(positional) < 1 {
			return nil, nil, fmt.Errorf("rc %s: need a target", cmd.Name)
		}
		fs, remote := splitRemote(positional[0])
		params["fs"] = fs
		params["remote"] = remote
	case "hashsum":
		if len(positional) < 2 {
			return nil, nil, fmt.Errorf("rc hashsum: need algorithm and target")
		}
		params["hashType"] = positional[0]
		params["fs"] = positional[1]
	}

	return params, outFiles, nil
}

// writeResultLists persists rc response arrays (check's differ/missing sets)
// to the files the CLI flags asked for.
func writeResultLists(payload map[string]any, outFiles map[string]string) error {
	for key, path := range outFiles {
		var lines []string
		if items, ok := payload[key].([]any); ok {
			for _, item := range items {
				if s, ok := item.(string); ok {
					lines = append(lines, s)
				}
			}
		}
		if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
			return fmt.Errorf("write rc result list %s: %w", path, err)
		}
	}
	return nil
}

// splitRemote separates "remote:dir/file" into its parent and leaf so the rc
// API can address the object.
func splitRemote(target string) (fs, remote string) {
	idx := strings.LastIndex(target, "/")
	if idx < 0 {
		return target, ""
	}
	return target[:idx], target[idx+1:]
}
