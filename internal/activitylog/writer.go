// Package activitylog provides an async, buffered writer for the operational
// activity log — the cycle's and dispatch planner's audit trail of what
// happened to which schedule and why.
package activitylog

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/socialpub/pkg/store"
)

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// Entry is a single activity log entry to be written.
type Entry struct {
	Level      string
	Event      string
	Message    string
	Meta       json.RawMessage
	AccountID  *uuid.UUID
	ScheduleID *uuid.UUID
}

// Store is the subset of *store.Store the writer needs.
type Store interface {
	InsertActivityLogDirect(ctx context.Context, p store.InsertActivityLogParams) error
}

// Writer is an async, buffered activity log writer. Entries are sent to an
// internal channel and flushed by a background goroutine, never blocking
// the caller.
type Writer struct {
	st      Store
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

// NewWriter creates an activity log Writer. Call Start to begin processing entries.
func NewWriter(st Store, logger *slog.Logger) *Writer {
	return &Writer{
		st:      st,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start launches the background goroutine that flushes entries to the store
// and returns immediately. The goroutine exits, after flushing what is
// buffered, when the context is cancelled or Close is called.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an entry for async writing. It never blocks the caller; if
// the buffer is full the entry is dropped and a warning is logged.
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("activity log buffer full, dropping entry", "event", entry.Event)
	}
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, e := range entries {
		err := w.st.InsertActivityLogDirect(ctx, store.InsertActivityLogParams{
			Level:      e.Level,
			Event:      e.Event,
			Message:    e.Message,
			Meta:       e.Meta,
			AccountID:  e.AccountID,
			ScheduleID: e.ScheduleID,
		})
		if err != nil {
			w.logger.Error("writing activity log entry", "error", err, "event", e.Event)
		}
	}
}
