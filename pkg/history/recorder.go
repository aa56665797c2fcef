package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agenthub/hubd/pkg/events"
)

// recorder queue and write bounds.
const (
	recorderQueueSize = 1024
	insertTimeout     = 5 * time.Second
)

// ActivityRecorder mirrors every bus event into the archive. Inserts run
// on a dedicated goroutine; the bus handler only enqueues and drops with
// a warning when the queue is full, so Emit never blocks on Postgres.
type ActivityRecorder struct {
	archive *Archive
	queue   chan events.Event

	stopOnce sync.Once
	done     chan struct{}
	unsub    func()
}

// NewActivityRecorder creates a recorder writing to archive.
func NewActivityRecorder(archive *Archive) *ActivityRecorder {
	r := &ActivityRecorder{
		archive: archive,
		queue:   make(chan events.Event, recorderQueueSize),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Attach registers the recorder as a wildcard bus handler.
func (r *ActivityRecorder) Attach(bus *events.Bus) {
	r.unsub = bus.On(events.Wildcard, r.enqueue)
}

// Stop detaches from the bus, drains the queue and stops the writer.
func (r *ActivityRecorder) Stop() {
	r.stopOnce.Do(func() {
		if r.unsub != nil {
			r.unsub()
		}
		close(r.queue)
		<-r.done
	})
}

func (r *ActivityRecorder) enqueue(e events.Event) {
	select {
	case r.queue <- e:
	default:
		slog.Warn("History queue full, dropping activity", "event_id", e.ID, "type", e.Type)
	}
}

func (r *ActivityRecorder) loop() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		err := r.archive.InsertActivity(ctx, Activity{
			ID:         e.ID,
			EventType:  e.Type,
			TaskID:     e.TaskID,
			Agent:      e.Agent,
			Data:       e.Data,
			OccurredAt: e.Timestamp,
		})
		cancel()
		if err != nil {
			slog.Error("Failed to archive activity", "event_id", e.ID, "type", e.Type, "error", err)
		}
	}
}
