package syncthing

import (
	"context"
	"strconv"
	"time"
)

// Event types and payload fields of the events/disk stream.
const (
	EventLocalChange  = "LocalChangeDetected"
	EventRemoteChange = "RemoteChangeDetected"

	ActionDeleted  = "deleted"
	ActionModified = "modified"

	ItemTypeFile      = "file"
	ItemTypeDir       = "dir"
	ItemTypeDirectory = "directory"
)

type Event struct {
	ID       int64     `json:"id"`
	GlobalID int64     `json:"globalID"`
	Time     time.Time `json:"time"`
	Type     string    `json:"type"`
	Data     EventData `json:"data"`
}

type EventData struct {
	Action     string `json:"action"`
	Folder     string `json:"folder"`
	FolderID   string `json:"folderID"`
	Label      string `json:"label"`
	Path       string `json:"path"`
	Type       string `json:"type"`
	ModifiedBy string `json:"modifiedBy,omitempty"`
}

// IsChange reports whether the event is one of the two recognized disk
// change notifications. Anything else is passed through to consumers.
func (e *Event) IsChange() bool {
	return e.Type == EventLocalChange || e.Type == EventRemoteChange
}

// IsDir reports whether the event concerns a directory.
func (e *Event) IsDir() bool {
	return e.Data.Type == ItemTypeDir || e.Data.Type == ItemTypeDirectory
}

// Events long-polls events/disk for changes after the given event id. An
// empty slice means the poll timed out without news.
func (c *Client) Events(ctx context.Context, since int64, timeout time.Duration) ([]Event, error) {
	var events []Event
	_, _, err := c.Get(ctx, "/events/disk", map[string]string{
		"since":   strconv.FormatInt(since, 10),
		"timeout": strconv.Itoa(int(timeout.Seconds())),
	}, nil, &events)
	if err != nil {
		return nil, err
	}
	return events, nil
}
