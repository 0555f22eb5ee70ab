// Package syncthing is the REST client for the sync daemon: disk events,
// database browsing and the per-folder ignore list.
package syncthing

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/imroc/req/v3"
	"github.com/kgerg2/backup/internal/config"
	"github.com/kgerg2/backup/internal/version"
)

const headerAPIKey = "X-API-Key"

// Client talks to the sync daemon's /rest API. Transport failures and
// unexpected status codes are retried up to the configured budget; status
// codes listed as expected pass the body through to the caller.
type Client struct {
	http       *req.Client
	retryCount int
	retryDelay time.Duration

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg config.SyncthingConfig) *Client {
	client := req.C().
		SetBaseURL(cfg.URL + "/rest").
		SetCommonHeader(headerAPIKey, cfg.APIKey).
		SetUserAgent(version.AppName + "/" + version.Version).
		SetTimeout(0). // long polls; deadlines come from the context
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal)

	return &Client{
		http:       client,
		retryCount: cfg.RetryCount,
		retryDelay: cfg.RetryDelay.D(),
		sleep:      sleepCtx,
	}
}

// Get performs a GET with retries. When the response status is listed in
// expectedErrorCodes the raw body is returned without error and out is left
// untouched; otherwise a 2xx body is decoded into out (when non-nil).
func (c *Client) Get(ctx context.Context, path string, query map[string]string, expectedErrorCodes []int, out any) (int, []byte, error) {
	return c.do(ctx, "GET", path, query, nil, expectedErrorCodes, out)
}

// Post performs a POST with a JSON body, with the same retry and
// expected-status semantics as Get.
func (c *Client) Post(ctx context.Context, path string, body any, query map[string]string, expectedErrorCodes []int, out any) (int, []byte, error) {
	return c.do(ctx, "POST", path, query, body, expectedErrorCodes, out)
}

func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body any, expectedErrorCodes []int, out any) (int, []byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			slog.Warn("sync daemon request retry", "method", method, "path", path, "attempt", attempt, "error", lastErr)
			if err := c.sleep(ctx, c.retryDelay); err != nil {
				return 0, nil, err
			}
		}

		r := c.http.R().SetContext(ctx).SetQueryParams(query)
		if body != nil {
			r.SetBodyJsonMarshal(body)
		}

		resp, err := r.Send(method, path)
		if err != nil {
			lastErr = fmt.Errorf("%s %s: %w", method, path, err)
			continue
		}

		status := resp.StatusCode
		raw := resp.Bytes()

		if slices.Contains(expectedErrorCodes, status) {
			return status, raw, nil
		}
		if resp.IsErrorState() {
			lastErr = fmt.Errorf("%s %s: unexpected status %d: %s", method, path, status, truncate(raw, 200))
			continue
		}

		if out != nil {
			if err := jsonUnmarshal(raw, out); err != nil {
				// Some endpoints answer with plain text; hand the body back.
				return status, raw, fmt.Errorf("%s %s: decode response: %w", method, path, err)
			}
		}
		return status, raw, nil
	}

	return 0, nil, fmt.Errorf("sync daemon request failed after %d retries: %w", c.retryCount, lastErr)
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

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
