package sla

import (
	"sync"
	"time"

	"github.com/agenthub/hubd/pkg/board"
	"github.com/agenthub/hubd/pkg/events"
)

// Adaptive trigger names.
const (
	TriggerTokenBurnRate     = "token_burn_rate"
	TriggerNoCheckpoint      = "no_checkpoint"
	TriggerContextSaturation = "context_saturation"
	TriggerSessionEnded      = "session_ended_incomplete"
)

// PhaseEnded marks a session that stopped while its task was still
// in_progress.
const PhaseEnded = "ended"

// SessionMetrics is one agent session's resource signal snapshot.
type SessionMetrics struct {
	TaskID            string    `json:"taskId"`
	Agent             string    `json:"agent"`
	BurnRate          float64   `json:"burnRate"`
	AverageBurnRate   float64   `json:"averageBurnRate"`
	LastCheckpoint    time.Time `json:"lastCheckpoint"`
	ContextSaturation float64   `json:"contextSaturation"`
	Phase             string    `json:"phase"`
	UnresponsiveSince time.Time `json:"unresponsiveSince,omitempty"`
}

// Characteristics are the handoff-declared task traits the action policy
// consults.
type Characteristics struct {
	Criticality   string `json:"criticality,omitempty"`
	Reversibility string `json:"reversibility,omitempty"`
}

// SessionMetricsSource supplies per-task session metrics. The daemon's
// in-memory store implements it; tests use fakes.
type SessionMetricsSource interface {
	Metrics(taskID string) (SessionMetrics, Characteristics, bool)
}

// MetricsStore is the in-memory SessionMetricsSource fed by the
// report_progress and adaptive_sla_check RPCs.
type MetricsStore struct {
	mu   sync.RWMutex
	byID map[string]sessionEntry
}

type sessionEntry struct {
	metrics SessionMetrics
	char    Characteristics
}

// NewMetricsStore creates an empty store.
func NewMetricsStore() *MetricsStore {
	return &MetricsStore{byID: make(map[string]sessionEntry)}
}

// Report records (or replaces) the session snapshot for a task.
func (s *MetricsStore) Report(m SessionMetrics, c Characteristics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[m.TaskID] = sessionEntry{metrics: m, char: c}
}

// Checkpoint stamps the task's last checkpoint time.
func (s *MetricsStore) Checkpoint(taskID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[taskID]
	if !ok {
		return
	}
	e.metrics.LastCheckpoint = at
	s.byID[taskID] = e
}

// Metrics implements SessionMetricsSource.
func (s *MetricsStore) Metrics(taskID string) (SessionMetrics, Characteristics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[taskID]
	return e.metrics, e.char, ok
}

// Forget drops the task's session entry (task finished).
func (s *MetricsStore) Forget(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, taskID)
}

// EvaluateAdaptive runs the adaptive check over every in-progress task
// with session metrics, emitting one event per action taken. Tasks on
// cooldown are skipped.
func (e *Engine) EvaluateAdaptive(now time.Time) ([]Finding, error) {
	if e.metrics == nil {
		return nil, nil
	}
	brd, err := e.store.Load()
	if err != nil {
		return nil, err
	}

	var findings []Finding
	for _, t := range brd.Tasks {
		if t.Status != board.StatusInProgress {
			continue
		}
		m, char, ok := e.metrics.Metrics(t.ID)
		if !ok {
			continue
		}
		trigger := e.detectTrigger(m, now)
		if trigger == "" {
			continue
		}
		if e.onCooldown(t.ID, now) {
			continue
		}
		action := e.determineAction(trigger, m, char, now)
		e.armCooldown(t.ID, now)
		f := Finding{TaskID: t.ID, Agent: t.Assignee, Action: action, Trigger: trigger}
		findings = append(findings, f)
		e.emitAdaptive(f)
	}
	return findings, nil
}

// EvaluateTask runs the adaptive check for a single task, for the
// adaptive_sla_check RPC. Returns the zero Finding when no trigger fires
// or the task is on cooldown.
func (e *Engine) EvaluateTask(t *board.Task, now time.Time) (Finding, bool) {
	if e.metrics == nil || t.Status != board.StatusInProgress {
		return Finding{}, false
	}
	m, char, ok := e.metrics.Metrics(t.ID)
	if !ok {
		return Finding{}, false
	}
	trigger := e.detectTrigger(m, now)
	if trigger == "" || e.onCooldown(t.ID, now) {
		return Finding{}, false
	}
	action := e.determineAction(trigger, m, char, now)
	e.armCooldown(t.ID, now)
	f := Finding{TaskID: t.ID, Agent: t.Assignee, Action: action, Trigger: trigger}
	e.emitAdaptive(f)
	return f, true
}

// detectTrigger returns the first firing trigger, in severity order.
func (e *Engine) detectTrigger(m SessionMetrics, now time.Time) string {
	if m.Phase == PhaseEnded {
		return TriggerSessionEnded
	}
	if m.ContextSaturation > e.cfg.SaturationThreshold {
		return TriggerContextSaturation
	}
	if m.AverageBurnRate > 0 && m.BurnRate > e.cfg.BurnRateMultiplier*m.AverageBurnRate {
		return TriggerTokenBurnRate
	}
	if !m.LastCheckpoint.IsZero() && now.Sub(m.LastCheckpoint) > e.cfg.CheckpointMax {
		return TriggerNoCheckpoint
	}
	return ""
}

// determineAction picks the escalation for a fired trigger:
//
//  1. Unresponsive past threshold x terminateMultiplier: terminate.
//  2. Irreversible work: escalate to a human.
//  3. Session gone or context saturated: reassign (auto when the task is
//     high/critical, suggested otherwise).
//  4. Resource-pacing triggers: ping.
func (e *Engine) determineAction(trigger string, m SessionMetrics, char Characteristics, now time.Time) Action {
	if !m.UnresponsiveSince.IsZero() &&
		now.Sub(m.UnresponsiveSince) > time.Duration(float64(e.cfg.InProgressMax)*e.cfg.TerminateMultiplier) {
		return ActionTerminate
	}
	if char.Reversibility == "irreversible" {
		return ActionEscalateHuman
	}
	switch trigger {
	case TriggerSessionEnded, TriggerContextSaturation:
		if char.Criticality == "high" || char.Criticality == "critical" {
			return ActionAutoReassign
		}
		return ActionSuggestReassign
	default:
		return ActionPing
	}
}

func (e *Engine) emitAdaptive(f Finding) {
	var typ string
	switch f.Trigger {
	case TriggerSessionEnded:
		typ = events.SLABreach
	case TriggerNoCheckpoint:
		typ = events.SLAWarning
	default:
		typ = events.ResourceWarning
	}
	e.bus.Emit(events.Event{
		Type:   typ,
		TaskID: f.TaskID,
		Agent:  f.Agent,
		Data: map[string]any{
			"action":  string(f.Action),
			"trigger": f.Trigger,
		},
	})
}
