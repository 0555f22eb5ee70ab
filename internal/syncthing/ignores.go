package syncthing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

type ignoresResponse struct {
	// Pointer distinguishes a missing key from an empty list; the daemon
	// occasionally answers before the folder is ready.
	Ignore *[]string `json:"ignore"`
}

// Ignores returns the folder's current ignore list.
func (c *Client) Ignores(ctx context.Context, folderID string) ([]string, error) {
	set, err := c.ignoreSet(ctx, folderID)
	if err != nil {
		return nil, err
	}
	return sortedSlice(set), nil
}

// SetIgnores replaces the folder's ignore list and returns what the daemon
// stored.
func (c *Client) SetIgnores(ctx context.Context, folderID string, ignores []string) ([]string, error) {
	body := map[string][]string{"ignore": ignores}
	var resp ignoresResponse
	if _, _, err := c.Post(ctx, "/db/ignores", body, map[string]string{"folder": folderID}, nil, &resp); err != nil {
		return nil, fmt.Errorf("set ignores for %s: %w", folderID, err)
	}
	if resp.Ignore == nil {
		return nil, nil
	}
	return *resp.Ignore, nil
}

// ModifyIgnores is a read-modify-write on the ignore list. The current list
// is re-read under the client's retry budget, transformed, posted back, and
// the daemon's echo is verified against the intended set.
func (c *Client) ModifyIgnores(ctx context.Context, folderID string, transform func(mapset.Set[string]) mapset.Set[string]) error {
	current, err := c.ignoreSet(ctx, folderID)
	if err != nil {
		return err
	}

	wanted := transform(current.Clone())
	if wanted.Equal(current) {
		slog.Debug("ignore list unchanged", "folder", folderID, "count", wanted.Cardinality())
		return nil
	}

	stored, err := c.SetIgnores(ctx, folderID, sortedSlice(wanted))
	if err != nil {
		return err
	}

	echoed := mapset.NewSet(stored...)
	if !echoed.Equal(wanted) {
		return fmt.Errorf("ignore list for %s not stored as requested: wanted %d entries, daemon kept %d",
			folderID, wanted.Cardinality(), echoed.Cardinality())
	}
	slog.Debug("ignore list updated", "folder", folderID, "count", wanted.Cardinality())
	return nil
}

// ExtendIgnores adds paths (normalized to a leading slash) to the folder's
// ignore list.
func (c *Client) ExtendIgnores(ctx context.Context, folderID string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return c.ModifyIgnores(ctx, folderID, func(s mapset.Set[string]) mapset.Set[string] {
		for _, p := range paths {
			s.Add(normalizeIgnore(p))
		}
		return s
	})
}

// DiscardIgnores removes paths from the folder's ignore list so that they
// replicate again.
func (c *Client) DiscardIgnores(ctx context.Context, folderID string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return c.ModifyIgnores(ctx, folderID, func(s mapset.Set[string]) mapset.Set[string] {
		for _, p := range paths {
			s.Remove(normalizeIgnore(p))
		}
		return s
	})
}

// RemoveParentsFromIgnores keeps only leaf entries: any ignore that is a
// strict path prefix of another one is dropped.
func (c *Client) RemoveParentsFromIgnores(ctx context.Context, folderID string) error {
	return c.ModifyIgnores(ctx, folderID, func(s mapset.Set[string]) mapset.Set[string] {
		return mapset.NewSet(LeafIgnores(s.ToSlice())...)
	})
}

// LeafIgnores returns the entries that are not strict prefixes of any other
// entry, sorted.
func LeafIgnores(ignores []string) []string {
	sorted := append([]string(nil), ignores...)
	sort.Strings(sorted)

	leaves := make([]string, 0, len(sorted))
	for i, entry := range sorted {
		if i+1 < len(sorted) && strings.HasPrefix(sorted[i+1], entry+"/") {
			continue
		}
		leaves = append(leaves, entry)
	}
	return leaves
}

func (c *Client) ignoreSet(ctx context.Context, folderID string) (mapset.Set[string], error) {
	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			slog.Warn("ignore list not ready, retrying", "folder", folderID, "attempt", attempt)
			if err := c.sleep(ctx, c.retryDelay); err != nil {
				return nil, err
			}
		}

		var resp ignoresResponse
		if _, _, err := c.Get(ctx, "/db/ignores", map[string]string{"folder": folderID}, nil, &resp); err != nil {
			lastErr = err
			continue
		}
		if resp.Ignore == nil {
			lastErr = fmt.Errorf("ignore list for %s missing from response", folderID)
			continue
		}
		return mapset.NewSet(*resp.Ignore...), nil
	}
	return nil, fmt.Errorf("get ignores for %s: %w", folderID, lastErr)
}

func normalizeIgnore(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return "/" + path
}

func sortedSlice(s mapset.Set[string]) []string {
	out := s.ToSlice()
	sort.Strings(out)
	return out
}
