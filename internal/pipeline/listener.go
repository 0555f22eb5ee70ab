package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kgerg2/backup/internal/config"
	"github.com/kgerg2/backup/internal/syncthing"
	"github.com/kgerg2/backup/internal/utils"
)

// Listener long-polls the sync daemon's disk-event stream and broadcasts
// every non-empty batch to all subscribed queues. It owns the event cursor:
// the id of the last consumed event, persisted across restarts.
type Listener struct {
	client     *syncthing.Client
	cursorFile string
	timeout    time.Duration
	probe      time.Duration

	cursor int64
	loaded bool
	subs   []chan<- Batch
}

func NewListener(client *syncthing.Client, cfg config.SyncthingConfig) *Listener {
	return &Listener{
		client:     client,
		cursorFile: cfg.LastEventFile,
		timeout:    cfg.ListenTimeout.D(),
		probe:      cfg.ProbeTimeout.D(),
	}
}

// Subscribe registers a queue. Must be called before Run.
func (l *Listener) Subscribe(ch chan<- Batch) {
	l.subs = append(l.subs, ch)
}

// Run is the listener's main loop; it returns only on context cancellation
// or on a request error (the retry wrapper restarts it).
func (l *Listener) Run(ctx context.Context) error {
	if !l.loaded {
		l.cursor = l.loadCursor(ctx)
		l.loaded = true
		slog.Info("change listener starting", "since", l.cursor)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		events, err := l.client.Events(ctx, l.cursor, l.timeout)
		if err != nil {
			return fmt.Errorf("poll disk events: %w", err)
		}
		if len(events) == 0 {
			continue
		}

		last := events[len(events)-1]
		if last.ID == 0 {
			slog.Warn("last event carries no id, cursor not advanced", "type", last.Type)
		} else {
			// The cursor advances for every non-empty batch, even when no
			// event matches a configured folder.
			l.cursor = last.ID
			l.persistCursor()
		}

		batch := Batch(events)
		slog.Debug("change batch received", "events", len(batch), "cursor", l.cursor)
		for _, sub := range l.subs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case sub <- batch:
			}
		}
	}
}

// loadCursor restores the persisted event id. When the stored id cannot be
// confirmed against the daemon (its counter may have reset), it starts over
// from zero.
func (l *Listener) loadCursor(ctx context.Context) int64 {
	data, err := os.ReadFile(l.cursorFile)
	if err != nil {
		return 0
	}
	found, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || found <= 0 {
		return 0
	}

	probeCtx, cancel := context.WithTimeout(ctx, l.probe+5*time.Second)
	defer cancel()
	events, err := l.client.Events(probeCtx, found-1, l.probe)
	if err != nil || len(events) == 0 {
		slog.Warn("stored event id could not be confirmed, resetting cursor", "stored", found)
		return 0
	}
	return found
}

func (l *Listener) persistCursor() {
	if err := utils.EnsureParent(l.cursorFile); err != nil {
		slog.Error("persist event cursor", "error", err)
		return
	}
	if err := os.WriteFile(l.cursorFile, []byte(strconv.FormatInt(l.cursor, 10)), 0o644); err != nil {
		slog.Error("persist event cursor", "file", l.cursorFile, "error", err)
	}
}
