package syncthing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// Browse entry types as reported by db/browse.
const (
	InfoTypeFile      = "FILE_INFO_TYPE_FILE"
	InfoTypeDirectory = "FILE_INFO_TYPE_DIRECTORY"
)

// ErrNoSuchObject is returned by FileInfo when the daemon does not know the
// path at all.
var ErrNoSuchObject = errors.New("no such object in the index")

type BrowseEntry struct {
	Name     string        `json:"name"`
	Type     string        `json:"type"`
	Size     int64         `json:"size,omitempty"`
	ModTime  string        `json:"modTime,omitempty"`
	Children []BrowseEntry `json:"children,omitempty"`
}

func (b *BrowseEntry) IsDir() bool {
	return b.Type == InfoTypeDirectory
}

// Browse fetches levels of the folder's global database tree under prefix.
// levels=0 is the immediate children only; a negative value fetches the whole
// subtree.
func (c *Client) Browse(ctx context.Context, folderID, prefix string, levels int) ([]BrowseEntry, error) {
	query := map[string]string{
		"folder": folderID,
	}
	if levels >= 0 {
		query["levels"] = strconv.Itoa(levels)
	}
	if prefix != "" {
		query["prefix"] = prefix
	}
	var entries []BrowseEntry
	if _, _, err := c.Get(ctx, "/db/browse", query, nil, &entries); err != nil {
		return nil, fmt.Errorf("browse folder %s: %w", folderID, err)
	}
	return entries, nil
}

type FileInfo struct {
	Global struct {
		Deleted bool `json:"deleted"`
		Ignored bool `json:"ignored"`
	} `json:"global"`
	Local struct {
		Deleted bool `json:"deleted"`
		Ignored bool `json:"ignored"`
	} `json:"local"`
}

// FileInfo queries db/file for a single path. ErrNoSuchObject is returned
// when the daemon reports the path is not in its index.
func (c *Client) FileInfo(ctx context.Context, folderID, path string) (*FileInfo, error) {
	query := map[string]string{"folder": folderID, "file": path}
	status, raw, err := c.Get(ctx, "/db/file", query, []int{http.StatusNotFound}, nil)
	if err != nil {
		return nil, fmt.Errorf("file info %s: %w", path, err)
	}
	if status == http.StatusNotFound || bytes.Contains(raw, []byte("No such object")) {
		return nil, ErrNoSuchObject
	}

	var info FileInfo
	if err := jsonUnmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("file info %s: decode: %w", path, err)
	}
	return &info, nil
}
