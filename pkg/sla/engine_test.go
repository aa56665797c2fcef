package sla

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agenthub/hubd/pkg/board"
	"github.com/agenthub/hubd/pkg/config"
	"github.com/agenthub/hubd/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.SLAConfig {
	return config.SLAConfig{
		CheckInterval:       time.Minute,
		InProgressMax:       30 * time.Minute,
		BlockedMax:          2 * time.Hour,
		ReviewMax:           4 * time.Hour,
		BurnRateMultiplier:  2.0,
		CheckpointMax:       10 * time.Minute,
		SaturationThreshold: 0.80,
		TerminateMultiplier: 3.0,
		Cooldown:            15 * time.Minute,
	}
}

func seedBoard(t *testing.T, tasks ...*board.Task) *board.Store {
	t.Helper()
	store := board.NewStore(filepath.Join(t.TempDir(), "tasks.json"), time.Second)
	require.NoError(t, store.Update(func(b *board.Board) error {
		for _, task := range tasks {
			if err := b.Add(task); err != nil {
				return err
			}
		}
		return nil
	}))
	return store
}

// staleTask builds a task that entered status at now-age.
func staleTask(id string, status board.Status, blocked bool, age time.Duration, now time.Time) *board.Task {
	return &board.Task{
		ID:        id,
		Status:    status,
		Blocked:   blocked,
		Assignee:  "alice",
		CreatedAt: now.Add(-age - time.Hour),
		Events: []board.TaskEvent{
			{Type: board.EventStatusChanged, Timestamp: now.Add(-age), To: status},
		},
	}
}

func TestCheckClassic(t *testing.T) {
	now := time.Now().UTC()

	cases := []struct {
		name   string
		task   *board.Task
		action Action
		event  string
	}{
		{"fresh in_progress is quiet", staleTask("t", board.StatusInProgress, false, 10*time.Minute, now), "", ""},
		{"stale in_progress pings", staleTask("t", board.StatusInProgress, false, 45*time.Minute, now), ActionPing, events.SLAWarning},
		{"very stale suggests reassign", staleTask("t", board.StatusInProgress, false, 90*time.Minute, now), ActionReassignSuggested, events.SLAEscalation},
		{"blocked within budget is quiet", staleTask("t", board.StatusInProgress, true, 90*time.Minute, now), "", ""},
		{"stale blocked escalates", staleTask("t", board.StatusInProgress, true, 3*time.Hour, now), ActionEscalate, events.SLAEscalation},
		{"stale review pings", staleTask("t", board.StatusReadyForReview, false, 5*time.Hour, now), ActionPing, events.SLAWarning},
		{"todo never fires", staleTask("t", board.StatusTodo, false, 100*time.Hour, now), "", ""},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			bus := events.NewBus(10)
			var emitted []events.Event
			bus.On(events.Wildcard, func(e events.Event) { emitted = append(emitted, e) })

			engine := New(testConfig(), seedBoard(t, c.task), bus, nil)
			findings, err := engine.CheckClassic(now)
			require.NoError(t, err)

			if c.action == "" {
				assert.Empty(t, findings)
				assert.Empty(t, emitted)
				return
			}
			require.Len(t, findings, 1)
			assert.Equal(t, c.action, findings[0].Action)
			require.Len(t, emitted, 1)
			assert.Equal(t, c.event, emitted[0].Type)
			assert.Equal(t, "t", emitted[0].TaskID)
		})
	}
}

type fakeMetrics struct {
	m  SessionMetrics
	c  Characteristics
	ok bool
}

func (f *fakeMetrics) Metrics(string) (SessionMetrics, Characteristics, bool) {
	return f.m, f.c, f.ok
}

func TestEvaluateAdaptiveTriggers(t *testing.T) {
	now := time.Now().UTC()

	cases := []struct {
		name    string
		m       SessionMetrics
		c       Characteristics
		action  Action
		trigger string
		event   string
	}{
		{
			name:    "session ended, low criticality",
			m:       SessionMetrics{Phase: PhaseEnded},
			action:  ActionSuggestReassign,
			trigger: TriggerSessionEnded,
			event:   events.SLABreach,
		},
		{
			name:    "session ended, critical",
			m:       SessionMetrics{Phase: PhaseEnded},
			c:       Characteristics{Criticality: "critical"},
			action:  ActionAutoReassign,
			trigger: TriggerSessionEnded,
			event:   events.SLABreach,
		},
		{
			name:    "context saturation",
			m:       SessionMetrics{ContextSaturation: 0.92},
			c:       Characteristics{Criticality: "high"},
			action:  ActionAutoReassign,
			trigger: TriggerContextSaturation,
			event:   events.ResourceWarning,
		},
		{
			name:    "burn rate pings",
			m:       SessionMetrics{BurnRate: 500, AverageBurnRate: 100},
			action:  ActionPing,
			trigger: TriggerTokenBurnRate,
			event:   events.ResourceWarning,
		},
		{
			name:    "checkpoint gap warns",
			m:       SessionMetrics{LastCheckpoint: now.Add(-20 * time.Minute)},
			action:  ActionPing,
			trigger: TriggerNoCheckpoint,
			event:   events.SLAWarning,
		},
		{
			name:    "irreversible escalates to human",
			m:       SessionMetrics{Phase: PhaseEnded},
			c:       Characteristics{Reversibility: "irreversible"},
			action:  ActionEscalateHuman,
			trigger: TriggerSessionEnded,
			event:   events.SLABreach,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			c.m.TaskID = "t1"
			bus := events.NewBus(10)
			var emitted []events.Event
			bus.On(events.Wildcard, func(e events.Event) { emitted = append(emitted, e) })

			store := seedBoard(t, staleTask("t1", board.StatusInProgress, false, time.Minute, now))
			engine := New(testConfig(), store, bus, &fakeMetrics{m: c.m, c: c.c, ok: true})

			findings, err := engine.EvaluateAdaptive(now)
			require.NoError(t, err)
			require.Len(t, findings, 1)
			assert.Equal(t, c.action, findings[0].Action)
			assert.Equal(t, c.trigger, findings[0].Trigger)
			require.Len(t, emitted, 1)
			assert.Equal(t, c.event, emitted[0].Type)
		})
	}
}

func TestAdaptiveTerminateAndCooldown(t *testing.T) {
	now := time.Now().UTC()
	cfg := testConfig()

	// Unresponsive for twice the terminate budget, critical+irreversible:
	// terminate wins over every other rule.
	m := SessionMetrics{
		TaskID:            "t1",
		Phase:             PhaseEnded,
		UnresponsiveSince: now.Add(-time.Duration(2 * float64(cfg.InProgressMax) * cfg.TerminateMultiplier)),
	}
	c := Characteristics{Criticality: "critical", Reversibility: "irreversible"}

	store := seedBoard(t, staleTask("t1", board.StatusInProgress, false, time.Minute, now))
	engine := New(cfg, store, events.NewBus(10), &fakeMetrics{m: m, c: c, ok: true})

	findings, err := engine.EvaluateAdaptive(now)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, ActionTerminate, findings[0].Action)

	// Within the cooldown nothing fires again.
	findings, err = engine.EvaluateAdaptive(now.Add(5 * time.Minute))
	require.NoError(t, err)
	assert.Empty(t, findings)

	// After the cooldown the trigger fires again.
	findings, err = engine.EvaluateAdaptive(now.Add(cfg.Cooldown + time.Minute))
	require.NoError(t, err)
	assert.Len(t, findings, 1)
}

func TestAdaptiveSkipsNonInProgress(t *testing.T) {
	now := time.Now().UTC()
	store := seedBoard(t, staleTask("t1", board.StatusReadyForReview, false, time.Minute, now))
	engine := New(testConfig(), store, events.NewBus(10),
		&fakeMetrics{m: SessionMetrics{TaskID: "t1", Phase: PhaseEnded}, ok: true})

	findings, err := engine.EvaluateAdaptive(now)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestMetricsStore(t *testing.T) {
	s := NewMetricsStore()
	s.Report(SessionMetrics{TaskID: "t1", BurnRate: 10}, Characteristics{Criticality: "high"})

	m, c, ok := s.Metrics("t1")
	require.True(t, ok)
	assert.Equal(t, 10.0, m.BurnRate)
	assert.Equal(t, "high", c.Criticality)

	at := time.Now().UTC()
	s.Checkpoint("t1", at)
	m, _, _ = s.Metrics("t1")
	assert.Equal(t, at, m.LastCheckpoint)

	s.Forget("t1")
	_, _, ok = s.Metrics("t1")
	assert.False(t, ok)
}
