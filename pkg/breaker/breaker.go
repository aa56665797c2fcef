// Package breaker quarantines agents that fail repeatedly within a
// sliding window, revoking their in-flight tasks so work is not stranded
// behind a broken account.
package breaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agenthub/hubd/pkg/board"
	"github.com/agenthub/hubd/pkg/events"
)

// Config tunes the breaker.
type Config struct {
	// FailureThreshold trips the breaker when reached within FailureWindow.
	FailureThreshold int
	// FailureWindow is the sliding window for counting failures.
	FailureWindow time.Duration
	// Quarantine is how long a tripped agent stays excluded.
	Quarantine time.Duration
}

// Quarantine is one agent's exclusion record.
type Quarantine struct {
	Agent  string    `json:"agent"`
	Until  time.Time `json:"until"`
	Reason string    `json:"reason"`
}

// Breaker tracks per-agent failures and quarantine state.
type Breaker struct {
	cfg     Config
	store   *board.Store
	machine *board.Machine
	bus     *events.Bus

	mu          sync.Mutex
	failures    map[string][]time.Time
	quarantined map[string]Quarantine
}

// New creates a breaker over the given board store and bus.
func New(cfg Config, store *board.Store, machine *board.Machine, bus *events.Bus) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 3
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 10 * time.Minute
	}
	if cfg.Quarantine <= 0 {
		cfg.Quarantine = 30 * time.Minute
	}
	return &Breaker{
		cfg:         cfg,
		store:       store,
		machine:     machine,
		bus:         bus,
		failures:    make(map[string][]time.Time),
		quarantined: make(map[string]Quarantine),
	}
}

// RecordFailure notes one failure attributed to the agent and trips the
// breaker when the window fills. Returns whether this call tripped it.
func (b *Breaker) RecordFailure(agent, trigger string) (bool, error) {
	now := time.Now().UTC()

	b.mu.Lock()
	if _, already := b.quarantined[agent]; already {
		b.mu.Unlock()
		return false, nil
	}
	recent := pruneWindow(b.failures[agent], now.Add(-b.cfg.FailureWindow))
	recent = append(recent, now)
	b.failures[agent] = recent
	if len(recent) < b.cfg.FailureThreshold {
		b.mu.Unlock()
		return false, nil
	}

	q := Quarantine{
		Agent:  agent,
		Until:  now.Add(b.cfg.Quarantine),
		Reason: trigger,
	}
	b.quarantined[agent] = q
	delete(b.failures, agent)
	b.mu.Unlock()

	revoked, err := b.revokeInFlight(agent)
	if err != nil {
		slog.Error("Failed to revoke tasks for quarantined agent", "agent", agent, "error", err)
	}
	slog.Warn("Circuit breaker opened", "agent", agent, "trigger", trigger, "until", q.Until, "revoked", len(revoked))
	b.bus.Emit(events.Event{
		Type:  events.CircuitBreakerOpen,
		Agent: agent,
		Data: map[string]any{
			"trigger":        trigger,
			"reason":         q.Reason,
			"until":          q.Until,
			"revokedTaskIds": revoked,
		},
	})
	return true, err
}

// Quarantined reports whether the agent is currently excluded. Expired
// records are cleared lazily.
func (b *Breaker) Quarantined(agent string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.quarantined[agent]
	if !ok {
		return false
	}
	if time.Now().After(q.Until) {
		delete(b.quarantined, agent)
		return false
	}
	return true
}

// QuarantinedAccounts returns the currently-excluded account names, for
// routing exclusion lists.
func (b *Breaker) QuarantinedAccounts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	var out []string
	for agent, q := range b.quarantined {
		if now.After(q.Until) {
			delete(b.quarantined, agent)
			continue
		}
		out = append(out, agent)
	}
	sort.Strings(out)
	return out
}

// Status returns the agent's quarantine record, if any.
func (b *Breaker) Status(agent string) (Quarantine, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.quarantined[agent]
	if ok && time.Now().After(q.Until) {
		delete(b.quarantined, agent)
		return Quarantine{}, false
	}
	return q, ok
}

// Reinstate clears the agent's quarantine and failure history.
func (b *Breaker) Reinstate(agent string) {
	b.mu.Lock()
	_, was := b.quarantined[agent]
	delete(b.quarantined, agent)
	delete(b.failures, agent)
	b.mu.Unlock()

	if was {
		slog.Info("Circuit breaker closed", "agent", agent)
		b.bus.Emit(events.Event{Type: events.CircuitBreakerClosed, Agent: agent})
	}
}

func (b *Breaker) revokeInFlight(agent string) ([]string, error) {
	var revoked []string
	err := b.store.Update(func(brd *board.Board) error {
		for _, t := range brd.Tasks {
			if t.Assignee != agent || t.Status != board.StatusInProgress {
				continue
			}
			if err := b.machine.Revoke(t, "agent quarantined"); err != nil {
				return err
			}
			revoked = append(revoked, t.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range revoked {
		b.bus.Emit(events.Event{Type: events.TaskRevoked, TaskID: id, Agent: agent,
			Data: map[string]any{"reason": "agent quarantined"}})
	}
	return revoked, nil
}

func pruneWindow(stamps []time.Time, cutoff time.Time) []time.Time {
	out := stamps[:0]
	for _, s := range stamps {
		if s.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}
