// Package pipeline contains the event-driven workers that turn sync daemon
// change notifications into storage-tool operations: the change listener, the
// per-folder upload syncer and folder uploader, and the single global
// uploader that moves bytes.
package pipeline

import (
	"github.com/kgerg2/backup/internal/syncthing"
)

// QueueCapacity bounds every pipeline queue. A full queue blocks the
// producer; the backpressure ultimately stalls the change listener, which is
// fine because the sync daemon redelivers on the next long poll.
const QueueCapacity = 1000

// Action is a mutation of the remote replica.
type Action string

const (
	ActionCopy          Action = "copy"
	ActionMove          Action = "move"
	ActionDeleteFiles   Action = "delete_files"
	ActionDeleteFolders Action = "delete_folders"
)

// Coalesces reports whether consecutive operations with this action may be
// merged in the folder uploader's collection window.
func (a Action) Coalesces() bool {
	return a == ActionCopy || a == ActionMove
}

// Batch is one delivery from the change listener: the events of a single
// long-poll response, in daemon order.
type Batch []syncthing.Event

// FolderOp is one action over a set of paths within a folder, flowing from
// the upload syncer (or the reconciler) to the folder uploader.
type FolderOp struct {
	Paths  []string
	Action Action
}

// UploadJob is a byte transfer handed to the global uploader.
type UploadJob struct {
	Paths   []string
	Action  Action
	SrcRoot string
	DstRoot string
}
