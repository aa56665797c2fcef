package rpc

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agenthub/hubd/pkg/board"
	"github.com/agenthub/hubd/pkg/events"
	"github.com/agenthub/hubd/pkg/sla"
	"github.com/agenthub/hubd/pkg/trust"
	"github.com/agenthub/hubd/pkg/wire"
)

func (s *Server) handleCreateTask(c *conn, req *request) (wire.Payload, error) {
	var body struct {
		TaskID      string   `json:"taskId"`
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Tags        []string `json:"tags"`
		Priority    string   `json:"priority"`
		Skills      []string `json:"skills"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	if body.Title == "" {
		return nil, errValidation("title is required")
	}
	if body.TaskID == "" {
		body.TaskID = uuid.New().String()
	}

	t := &board.Task{
		ID:          body.TaskID,
		Title:       body.Title,
		Description: body.Description,
		Status:      board.StatusTodo,
		CreatedAt:   time.Now().UTC(),
		Tags:        body.Tags,
		Priority:    body.Priority,
		Skills:      body.Skills,
	}
	err := s.deps.Board.Update(func(b *board.Board) error {
		return b.Add(t)
	})
	if err != nil {
		return nil, err
	}
	s.deps.Bus.Emit(events.Event{Type: events.TaskCreated, TaskID: t.ID, Agent: c.account})
	return wire.Payload{"task": t}, nil
}

func (s *Server) handleGetTask(c *conn, req *request) (wire.Payload, error) {
	var body struct {
		TaskID string `json:"taskId"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	b, err := s.deps.Board.Load()
	if err != nil {
		return nil, err
	}
	t := b.Get(body.TaskID)
	if t == nil {
		return nil, board.ErrNotFound
	}
	return wire.Payload{"task": t}, nil
}

func (s *Server) handleListTasks(c *conn, req *request) (wire.Payload, error) {
	var body struct {
		Status   string `json:"status"`
		Assignee string `json:"assignee"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	b, err := s.deps.Board.Load()
	if err != nil {
		return nil, err
	}
	tasks := make([]*board.Task, 0, len(b.Tasks))
	for _, t := range b.Tasks {
		if body.Status != "" && string(t.Status) != body.Status {
			continue
		}
		if body.Assignee != "" && t.Assignee != body.Assignee {
			continue
		}
		tasks = append(tasks, t)
	}
	return wire.Payload{"tasks": tasks}, nil
}

// handleUpdateTaskStatus maps the requested target status onto a state
// machine operation, emits the lifecycle events, and kicks off the
// acceptance runner when a task lands in ready_for_review.
func (s *Server) handleUpdateTaskStatus(c *conn, req *request) (wire.Payload, error) {
	var body struct {
		TaskID           string                  `json:"taskId"`
		Status           string                  `json:"status"`
		Reason           string                  `json:"reason"`
		WorkspaceContext *board.WorkspaceContext `json:"workspaceContext"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	if body.TaskID == "" {
		return nil, errValidation("taskId is required")
	}

	var (
		updated   board.Task
		emits     []events.Event
		escalated bool
	)
	err := s.deps.Board.Update(func(b *board.Board) error {
		t := b.Get(body.TaskID)
		if t == nil {
			return board.ErrNotFound
		}
		switch board.Status(body.Status) {
		case board.StatusInProgress:
			if err := s.deps.Machine.Start(t, c.account); err != nil {
				return err
			}
			emits = append(emits, events.Event{Type: events.TaskStarted, TaskID: t.ID, Agent: t.Assignee})
		case board.StatusReadyForReview:
			if err := s.deps.Machine.SubmitForReview(t, body.WorkspaceContext); err != nil {
				return err
			}
			emits = append(emits, events.Event{Type: events.TaskSubmitted, TaskID: t.ID, Agent: t.Assignee})
		case board.StatusAccepted:
			if err := s.deps.Machine.Accept(t); err != nil {
				return err
			}
			emits = append(emits, events.Event{Type: events.TaskAccepted, TaskID: t.ID, Agent: t.Assignee})
		case board.StatusRejected:
			esc, err := s.deps.Machine.Reject(t, body.Reason)
			if err != nil {
				return err
			}
			escalated = esc
			emits = append(emits, events.Event{
				Type: events.TaskRejected, TaskID: t.ID, Agent: t.Assignee,
				Data: map[string]any{"reason": body.Reason},
			})
			if esc {
				emits = append(emits, events.Event{
					Type: events.TaskEscalated, TaskID: t.ID, Agent: t.Assignee,
					Data: map[string]any{"rejectionCount": t.RejectionCount},
				})
			}
		case board.StatusTodo:
			if err := s.deps.Machine.Revoke(t, body.Reason); err != nil {
				return err
			}
			emits = append(emits, events.Event{
				Type: events.TaskRevoked, TaskID: t.ID,
				Data: map[string]any{"reason": body.Reason},
			})
		default:
			return errValidation("unsupported target status %q", body.Status)
		}
		updated = *t
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, e := range emits {
		s.deps.Bus.Emit(e)
	}

	reply := wire.Payload{"task": &updated}
	if escalated {
		reply["escalated"] = true
	}

	switch board.Status(body.Status) {
	case board.StatusReadyForReview:
		if s.deps.Acceptance != nil {
			decision, err := s.deps.Acceptance.Evaluate(updated.ID)
			if err != nil {
				slog.Warn("Acceptance evaluation failed", "task_id", updated.ID, "error", err)
			} else {
				reply["acceptance"] = decision
			}
		}
	case board.StatusAccepted:
		s.recordAccepted(&updated)
	case board.StatusRejected:
		s.recordRejected(&updated)
	}
	return reply, nil
}

// recordAccepted folds a manual acceptance into routing and trust. The
// auto-acceptance runner handles its own bookkeeping.
func (s *Server) recordAccepted(t *board.Task) {
	if t.Assignee == "" {
		return
	}
	var deliveryMs, minutes float64
	if entered := t.LastEnteredAt(board.StatusInProgress); !entered.IsZero() {
		deliveryMs = float64(time.Since(entered).Milliseconds())
		minutes = deliveryMs / 60000.0
	}
	if s.deps.Caps != nil {
		if err := s.deps.Caps.RecordDelivery(t.Assignee, true, deliveryMs); err != nil {
			slog.Warn("Failed to record delivery", "account", t.Assignee, "error", err)
		}
	}
	s.recordTrust(t, trust.OutcomeCompleted, minutes)
	if s.deps.Sessions != nil {
		s.deps.Sessions.Forget(t.ID)
	}
}

func (s *Server) recordRejected(t *board.Task) {
	if t.Assignee == "" {
		return
	}
	if s.deps.Caps != nil {
		if err := s.deps.Caps.RecordDelivery(t.Assignee, false, 0); err != nil {
			slog.Warn("Failed to record delivery", "account", t.Assignee, "error", err)
		}
	}
	s.recordTrust(t, trust.OutcomeRejected, 0)
}

func (s *Server) recordTrust(t *board.Task, outcome trust.Outcome, minutes float64) {
	if s.deps.Trust == nil {
		return
	}
	rec, delta, err := s.deps.Trust.RecordOutcome(t.Assignee, outcome, minutes)
	if err != nil {
		slog.Warn("Failed to record trust outcome", "account", t.Assignee, "error", err)
		return
	}
	if delta != 0 {
		s.deps.Bus.Emit(events.Event{
			Type:  events.TrustUpdate,
			Agent: t.Assignee,
			Data: map[string]any{
				"delta":  delta,
				"score":  rec.TrustScore,
				"reason": string(outcome),
			},
		})
	}
}

func (s *Server) handleReportProgress(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Sessions == nil {
		return nil, errDisabled("session tracking")
	}
	var body struct {
		TaskID            string              `json:"taskId"`
		BurnRate          float64             `json:"burnRate"`
		AverageBurnRate   float64             `json:"averageBurnRate"`
		ContextSaturation float64             `json:"contextSaturation"`
		Phase             string              `json:"phase"`
		Checkpoint        bool                `json:"checkpoint"`
		Characteristics   sla.Characteristics `json:"characteristics"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	if body.TaskID == "" {
		return nil, errValidation("taskId is required")
	}

	now := time.Now().UTC()
	m := sla.SessionMetrics{
		TaskID:            body.TaskID,
		Agent:             c.account,
		BurnRate:          body.BurnRate,
		AverageBurnRate:   body.AverageBurnRate,
		ContextSaturation: body.ContextSaturation,
		Phase:             body.Phase,
	}
	if body.Checkpoint {
		m.LastCheckpoint = now
	}
	s.deps.Sessions.Report(m, body.Characteristics)

	s.deps.Bus.Emit(events.Event{
		Type: events.ProgressUpdate, TaskID: body.TaskID, Agent: c.account,
		Data: map[string]any{"phase": body.Phase, "contextSaturation": body.ContextSaturation},
	})
	if body.Checkpoint {
		s.deps.Bus.Emit(events.Event{Type: events.CheckpointReached, TaskID: body.TaskID, Agent: c.account})
	}
	return wire.Payload{"ok": true}, nil
}

func (s *Server) handleAdaptiveSLACheck(c *conn, req *request) (wire.Payload, error) {
	if s.deps.SLA == nil {
		return nil, errDisabled("sla engine")
	}
	var body struct {
		TaskID string `json:"taskId"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	b, err := s.deps.Board.Load()
	if err != nil {
		return nil, err
	}
	t := b.Get(body.TaskID)
	if t == nil {
		return nil, board.ErrNotFound
	}
	f, fired := s.deps.SLA.EvaluateTask(t, time.Now().UTC())
	if !fired {
		return wire.Payload{"action": "none"}, nil
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.SLAActions.WithLabelValues(string(f.Action)).Inc()
	}
	return wire.Payload{"action": string(f.Action), "trigger": f.Trigger, "taskId": f.TaskID}, nil
}

func (s *Server) handleGetTrust(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Trust == nil {
		return nil, errDisabled("trust")
	}
	var body struct {
		Agent string `json:"agent"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	if body.Agent == "" {
		return wire.Payload{"records": s.deps.Trust.All()}, nil
	}
	rec, found := s.deps.Trust.Get(body.Agent)
	if !found {
		rec = trust.Record{Agent: body.Agent, TrustScore: trust.Baseline}
	}
	return wire.Payload{"record": rec, "found": found}, nil
}

func (s *Server) handleReinstateAgent(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Breaker == nil {
		return nil, errDisabled("circuit breaker")
	}
	var body struct {
		Agent string `json:"agent"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	if body.Agent == "" {
		return nil, errValidation("agent is required")
	}
	s.deps.Breaker.Reinstate(body.Agent)
	return wire.Payload{"ok": true}, nil
}

func (s *Server) handleCheckCircuitBreaker(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Breaker == nil {
		return nil, errDisabled("circuit breaker")
	}
	var body struct {
		Agent string `json:"agent"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	if body.Agent == "" {
		return wire.Payload{"quarantined": s.deps.Breaker.QuarantinedAccounts()}, nil
	}
	q, ok := s.deps.Breaker.Status(body.Agent)
	if !ok {
		return wire.Payload{"quarantined": false}, nil
	}
	return wire.Payload{"quarantined": true, "until": q.Until, "reason": q.Reason}, nil
}
