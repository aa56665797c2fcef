package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Handler receives events from the bus. Handlers run on the emitting
// goroutine and must not block; blocking work belongs on a worker that
// reports back by emitting further events.
type Handler func(Event)

// Bus is the in-process pub/sub hub. Emit stamps each event with an id and
// a monotonic UTC timestamp, keeps a bounded ring of recent events, and
// dispatches to per-type handlers followed by wildcard handlers.
//
// Dispatch is serialized: while one goroutine is draining the queue, emits
// from handlers (or from other goroutines) enqueue and are drained in
// order. This keeps handler observations, the recent ring, and the durable
// log in one global order without deadlocking on re-entrant emits.
type Bus struct {
	mu          sync.Mutex
	handlers    map[string][]*registration
	ring        []Event
	ringStart   int
	ringLen     int
	queue       []Event
	dispatching bool
	lastStamp   time.Time
}

type registration struct {
	typ     string
	fn      Handler
	removed atomic.Bool
}

// NewBus creates a bus with a recent-events ring of maxRecent entries.
func NewBus(maxRecent int) *Bus {
	if maxRecent <= 0 {
		maxRecent = 1
	}
	return &Bus{
		handlers: make(map[string][]*registration),
		ring:     make([]Event, maxRecent),
	}
}

// Emit assigns id and timestamp, records the event, and invokes handlers.
// Returns the assigned id. Handler panics are recovered and logged.
func (b *Bus) Emit(e Event) string {
	b.mu.Lock()
	e.ID = uuid.New().String()
	e.Timestamp = b.stamp()
	b.push(e)
	b.queue = append(b.queue, e)

	if b.dispatching {
		// Another frame of this goroutine (or another goroutine) is
		// draining; it will pick this event up in order.
		b.mu.Unlock()
		return e.ID
	}

	b.dispatching = true
	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue = b.queue[1:]
		regs := b.snapshot(next.Type)
		b.mu.Unlock()
		for _, r := range regs {
			invoke(r, next)
		}
		b.mu.Lock()
	}
	b.dispatching = false
	b.mu.Unlock()
	return e.ID
}

// On registers a handler for an event type, or for every type when typ is
// "*". The returned unsubscribe func is idempotent.
func (b *Bus) On(typ string, h Handler) func() {
	reg := &registration{typ: typ, fn: h}
	b.mu.Lock()
	b.handlers[typ] = append(b.handlers[typ], reg)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			reg.removed.Store(true)
			b.mu.Lock()
			defer b.mu.Unlock()
			regs := b.handlers[typ]
			for i, r := range regs {
				if r == reg {
					b.handlers[typ] = append(regs[:i], regs[i+1:]...)
					break
				}
			}
		})
	}
}

// RecentFilter selects events from the ring. Type accepts the same
// patterns as subscriptions (exact, "*", "prefix*").
type RecentFilter struct {
	Type   string
	TaskID string
	Limit  int
}

// DefaultRecentLimit applies when RecentFilter.Limit is zero.
const DefaultRecentLimit = 50

// Recent returns up to Limit most-recent matching events in chronological
// order.
func (b *Bus) Recent(f RecentFilter) []Event {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	matched := make([]Event, 0, limit)
	for i := 0; i < b.ringLen; i++ {
		e := b.ring[(b.ringStart+i)%len(b.ring)]
		if f.Type != "" && !MatchPattern(f.Type, e.Type) {
			continue
		}
		if f.TaskID != "" && e.TaskID != f.TaskID {
			continue
		}
		matched = append(matched, e)
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// Clear wipes handlers, the ring, and any queued events. For tests.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string][]*registration)
	b.ringStart, b.ringLen = 0, 0
	b.queue = nil
}

// stamp returns a UTC timestamp strictly after the previous one, so ties
// between fast consecutive emits keep their order.
func (b *Bus) stamp() time.Time {
	now := time.Now().UTC()
	if !now.After(b.lastStamp) {
		now = b.lastStamp.Add(time.Nanosecond)
	}
	b.lastStamp = now
	return now
}

func (b *Bus) push(e Event) {
	if b.ringLen < len(b.ring) {
		b.ring[(b.ringStart+b.ringLen)%len(b.ring)] = e
		b.ringLen++
		return
	}
	// Full: overwrite the oldest.
	b.ring[b.ringStart] = e
	b.ringStart = (b.ringStart + 1) % len(b.ring)
}

func (b *Bus) snapshot(typ string) []*registration {
	typed := b.handlers[typ]
	wild := b.handlers[Wildcard]
	out := make([]*registration, 0, len(typed)+len(wild))
	out = append(out, typed...)
	out = append(out, wild...)
	return out
}

func invoke(r *registration, e Event) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Event handler panicked", "event_type", e.Type, "event_id", e.ID, "panic", rec)
		}
	}()
	if r.removed.Load() {
		return
	}
	r.fn(e)
}
