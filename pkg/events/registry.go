package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agenthub/hubd/pkg/wire"
)

// RegistryConfig tunes the subscription registry.
type RegistryConfig struct {
	// MaxPendingWrites caps frames queued or in flight per subscriber.
	MaxPendingWrites int
	// DrainTimeout is the write deadline per frame; exceeding it destroys
	// the connection.
	DrainTimeout time.Duration
	// HeartbeatInterval is the keepalive cadence; zero disables heartbeats.
	HeartbeatInterval time.Duration
	// MaxChunkBytes drops larger stream frames silently; zero disables the
	// check.
	MaxChunkBytes int
	// OnDrop, when set, is called once per dropped frame with a reason.
	OnDrop func(reason string)
}

// Registry fans bus events out to subscribed connections. Each subscriber
// owns a bounded queue drained by one writer goroutine; a full queue drops
// events for that subscriber only, and a stalled socket is destroyed after
// DrainTimeout.
type Registry struct {
	cfg       RegistryConfig
	mu        sync.RWMutex
	subs      map[string]*subscriber
	hbStop    chan struct{}
	destroyed bool
	dropped   atomic.Int64
}

type subscriber struct {
	connID    string
	account   string
	patterns  map[string]struct{}
	queue     chan any
	enc       *wire.Encoder
	closeConn func()
	stop      chan struct{}
	stopOnce  sync.Once
	pending   atomic.Int32
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxPendingWrites <= 0 {
		cfg.MaxPendingWrites = 500
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = time.Second
	}
	return &Registry{cfg: cfg, subs: make(map[string]*subscriber)}
}

// Subscribe merges patterns into the connection's subscription, creating it
// (and its writer goroutine) on first use. The first subscription overall
// starts the heartbeat.
func (r *Registry) Subscribe(connID, account string, enc *wire.Encoder, closeConn func(), patterns []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		slog.Warn("Subscribe on destroyed registry ignored", "conn_id", connID)
		return
	}

	s, ok := r.subs[connID]
	if !ok {
		s = &subscriber{
			connID:    connID,
			account:   account,
			patterns:  make(map[string]struct{}),
			queue:     make(chan any, r.cfg.MaxPendingWrites),
			enc:       enc,
			closeConn: closeConn,
			stop:      make(chan struct{}),
		}
		r.subs[connID] = s
		go r.writeLoop(s)
		if len(r.subs) == 1 {
			r.startHeartbeatLocked()
		}
	}
	for _, p := range patterns {
		s.patterns[p] = struct{}{}
	}
	slog.Debug("Subscription updated", "conn_id", connID, "account", account, "patterns", len(s.patterns))
}

// Unsubscribe removes the listed patterns, or the whole subscription when
// patterns is empty.
func (r *Registry) Unsubscribe(connID string, patterns []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[connID]
	if !ok {
		return
	}
	if len(patterns) == 0 {
		r.removeLocked(s)
		return
	}
	for _, p := range patterns {
		delete(s.patterns, p)
	}
	if len(s.patterns) == 0 {
		r.removeLocked(s)
	}
}

// RemoveConn forgets a connection entirely. Safe to call for connections
// that never subscribed.
func (r *Registry) RemoveConn(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[connID]; ok {
		r.removeLocked(s)
	}
}

// Broadcast pushes one event to every matching subscriber. The frame is
// encoded once; frames above MaxChunkBytes are not streamed.
func (r *Registry) Broadcast(e Event) {
	data, err := json.Marshal(wire.StreamEvent{Type: wire.TypeStreamEvent, Event: e})
	if err != nil {
		slog.Warn("Failed to encode stream event", "event_type", e.Type, "error", err)
		return
	}
	if r.cfg.MaxChunkBytes > 0 && len(data)+1 > r.cfg.MaxChunkBytes {
		slog.Debug("Stream event exceeds chunk cap, not streamed", "event_type", e.Type, "bytes", len(data))
		return
	}
	frame := json.RawMessage(data)

	r.mu.RLock()
	targets := make([]*subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		for p := range s.patterns {
			if MatchPattern(p, e.Type) {
				targets = append(targets, s)
				break
			}
		}
	}
	r.mu.RUnlock()

	for _, s := range targets {
		r.enqueue(s, frame)
	}
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// DroppedTotal returns the number of frames dropped for backpressure since
// start.
func (r *Registry) DroppedTotal() int64 {
	return r.dropped.Load()
}

// Destroy clears all subscriptions and timers. Idempotent.
func (r *Registry) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyed = true
	for _, s := range r.subs {
		s.stopOnce.Do(func() { close(s.stop) })
	}
	r.subs = make(map[string]*subscriber)
	r.stopHeartbeatLocked()
}

// Alive reports whether the registry still accepts subscriptions.
func (r *Registry) Alive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.destroyed
}

// Reset returns a destroyed registry to service with no subscribers.
// Clients re-subscribe on their next request; the watchdog uses this to
// rebuild streaming after a forced teardown.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		s.stopOnce.Do(func() { close(s.stop) })
	}
	r.subs = make(map[string]*subscriber)
	r.stopHeartbeatLocked()
	r.destroyed = false
}

func (r *Registry) removeLocked(s *subscriber) {
	delete(r.subs, s.connID)
	s.stopOnce.Do(func() { close(s.stop) })
	if len(r.subs) == 0 {
		r.stopHeartbeatLocked()
	}
}

func (r *Registry) enqueue(s *subscriber, frame any) {
	for {
		n := s.pending.Load()
		if int(n) >= r.cfg.MaxPendingWrites {
			r.dropped.Add(1)
			slog.Warn("Subscriber backpressure, dropping event",
				"conn_id", s.connID, "account", s.account, "pending", n)
			if r.cfg.OnDrop != nil {
				r.cfg.OnDrop("backpressure")
			}
			return
		}
		if s.pending.CompareAndSwap(n, n+1) {
			break
		}
	}
	select {
	case s.queue <- frame:
	default:
		// Queue capacity equals the pending cap, so this only fires if
		// accounting broke; shed instead of blocking the bus.
		s.pending.Add(-1)
		r.dropped.Add(1)
	}
}

func (r *Registry) writeLoop(s *subscriber) {
	for {
		select {
		case <-s.stop:
			return
		case frame := <-s.queue:
			err := s.enc.EncodeTimeout(frame, r.cfg.DrainTimeout)
			s.pending.Add(-1)
			if err != nil {
				slog.Warn("Subscriber not draining, destroying connection",
					"conn_id", s.connID, "account", s.account, "error", err)
				if s.closeConn != nil {
					s.closeConn()
				}
				r.RemoveConn(s.connID)
				return
			}
		}
	}
}

func (r *Registry) startHeartbeatLocked() {
	if r.cfg.HeartbeatInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	r.hbStop = stop
	go r.heartbeatLoop(stop)
}

func (r *Registry) stopHeartbeatLocked() {
	if r.hbStop != nil {
		close(r.hbStop)
		r.hbStop = nil
	}
}

func (r *Registry) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.mu.RLock()
			targets := make([]*subscriber, 0, len(r.subs))
			for _, s := range r.subs {
				targets = append(targets, s)
			}
			r.mu.RUnlock()
			hb := wire.NewHeartbeat()
			for _, s := range targets {
				r.enqueue(s, hb)
			}
		}
	}
}
