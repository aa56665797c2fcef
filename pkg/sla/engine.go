// Package sla watches task staleness and per-session resource signals,
// producing escalation actions with a per-task cooldown.
package sla

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agenthub/hubd/pkg/board"
	"github.com/agenthub/hubd/pkg/config"
	"github.com/agenthub/hubd/pkg/events"
)

// Action is one escalation the engine decided on.
type Action string

// Actions, from gentlest to most drastic.
const (
	ActionPing              Action = "ping"
	ActionReassignSuggested Action = "reassign_suggestion"
	ActionEscalate          Action = "escalate"
	ActionSuggestReassign   Action = "suggest_reassign"
	ActionAutoReassign      Action = "auto_reassign"
	ActionEscalateHuman     Action = "escalate_human"
	ActionTerminate         Action = "terminate"
)

// Finding is one action the engine took, with its provenance.
type Finding struct {
	TaskID  string
	Agent   string
	Action  Action
	Trigger string
	Stale   time.Duration
}

// Engine runs the classic staleness sweep on a timer and evaluates
// adaptive triggers on demand. One engine per daemon.
type Engine struct {
	cfg     config.SLAConfig
	store   *board.Store
	bus     *events.Bus
	metrics SessionMetricsSource

	mu        sync.Mutex
	cooldowns map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an engine. metrics may be nil (adaptive checks disabled).
func New(cfg config.SLAConfig, store *board.Store, bus *events.Bus, metrics SessionMetricsSource) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		metrics:   metrics,
		cooldowns: make(map[string]time.Time),
	}
}

// Start launches the periodic classic sweep.
func (e *Engine) Start(ctx context.Context) {
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go e.run(ctx)
	slog.Info("SLA engine started", "check_interval", e.cfg.CheckInterval)
}

// Stop halts the sweep and waits for it to finish.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	slog.Info("SLA engine stopped")
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.CheckClassic(time.Now().UTC()); err != nil {
				slog.Error("SLA sweep failed", "error", err)
			}
		}
	}
}

// CheckClassic runs one staleness sweep against the board and emits an
// event per finding.
func (e *Engine) CheckClassic(now time.Time) ([]Finding, error) {
	brd, err := e.store.Load()
	if err != nil {
		return nil, err
	}

	var findings []Finding
	for _, t := range brd.Tasks {
		stale := now.Sub(t.EnteredStatusAt())
		switch {
		case t.Status == board.StatusInProgress && !t.Blocked:
			if stale > 2*e.cfg.InProgressMax {
				findings = append(findings, Finding{TaskID: t.ID, Agent: t.Assignee, Action: ActionReassignSuggested, Trigger: "stale_in_progress", Stale: stale})
			} else if stale > e.cfg.InProgressMax {
				findings = append(findings, Finding{TaskID: t.ID, Agent: t.Assignee, Action: ActionPing, Trigger: "stale_in_progress", Stale: stale})
			}
		case t.Status == board.StatusInProgress && t.Blocked:
			if stale > e.cfg.BlockedMax {
				findings = append(findings, Finding{TaskID: t.ID, Agent: t.Assignee, Action: ActionEscalate, Trigger: "stale_blocked", Stale: stale})
			}
		case t.Status == board.StatusReadyForReview:
			if stale > e.cfg.ReviewMax {
				findings = append(findings, Finding{TaskID: t.ID, Agent: t.Assignee, Action: ActionPing, Trigger: "stale_review", Stale: stale})
			}
		}
	}

	for _, f := range findings {
		typ := events.SLAWarning
		if f.Action == ActionEscalate || f.Action == ActionReassignSuggested {
			typ = events.SLAEscalation
		}
		e.bus.Emit(events.Event{
			Type:   typ,
			TaskID: f.TaskID,
			Agent:  f.Agent,
			Data: map[string]any{
				"action":  string(f.Action),
				"trigger": f.Trigger,
				"staleMs": f.Stale.Milliseconds(),
			},
		})
	}
	return findings, nil
}

// onCooldown reports whether an adaptive action for the task is
// suppressed at now.
func (e *Engine) onCooldown(taskID string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.cooldowns[taskID]
	return ok && now.Sub(last) < e.cfg.Cooldown
}

func (e *Engine) armCooldown(taskID string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cooldowns[taskID] = now
}
