package rpc

import (
	"log/slog"

	"github.com/agenthub/hubd/pkg/acceptance"
	"github.com/agenthub/hubd/pkg/board"
	"github.com/agenthub/hubd/pkg/events"
	"github.com/agenthub/hubd/pkg/mailbox"
	"github.com/agenthub/hubd/pkg/wire"
)

func (s *Server) handleSendMessage(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Mailbox == nil {
		return nil, errDisabled("messaging")
	}
	var body struct {
		To     string `json:"to"`
		Body   string `json:"body"`
		TaskID string `json:"taskId"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	if body.To == "" || body.Body == "" {
		return nil, errValidation("to and body are required")
	}
	msg, err := s.deps.Mailbox.Send(mailbox.Message{
		From:   c.account,
		To:     body.To,
		Body:   body.Body,
		TaskID: body.TaskID,
	})
	if err != nil {
		return nil, err
	}
	return wire.Payload{"message": msg}, nil
}

func (s *Server) handleCountUnread(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Mailbox == nil {
		return nil, errDisabled("messaging")
	}
	var body struct {
		Account string `json:"account"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	if body.Account == "" {
		body.Account = c.account
	}
	count, err := s.deps.Mailbox.CountUnread(body.Account)
	if err != nil {
		return nil, err
	}
	return wire.Payload{"count": count}, nil
}

func (s *Server) handleReadMessages(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Mailbox == nil {
		return nil, errDisabled("messaging")
	}
	var body struct {
		Limit    int  `json:"limit"`
		MarkRead bool `json:"markRead"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	msgs, err := s.deps.Mailbox.Read(c.account, mailbox.ReadOptions{Limit: body.Limit, MarkRead: body.MarkRead})
	if err != nil {
		return nil, err
	}
	return wire.Payload{"messages": msgs}, nil
}

// handleHandoffTask records a handoff payload, notifies the delegatee
// through their mailbox, and emits the delegation events.
func (s *Server) handleHandoffTask(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Mailbox == nil {
		return nil, errDisabled("messaging")
	}
	var body struct {
		To            string         `json:"to"`
		TaskID        string         `json:"taskId"`
		Content       string         `json:"content"`
		Context       map[string]any `json:"context"`
		WorkspacePath string         `json:"workspacePath"`
		Branch        string         `json:"branch"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	if body.To == "" || body.Content == "" {
		return nil, errValidation("to and content are required")
	}

	hand, err := s.deps.Mailbox.PutHandoff(mailbox.Handoff{
		From:          c.account,
		To:            body.To,
		TaskID:        body.TaskID,
		Content:       body.Content,
		Context:       body.Context,
		WorkspacePath: body.WorkspacePath,
		Branch:        body.Branch,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.deps.Mailbox.Send(mailbox.Message{
		From:      c.account,
		To:        body.To,
		Body:      "handoff: " + hand.ID,
		TaskID:    body.TaskID,
		HandoffID: hand.ID,
	}); err != nil {
		slog.Warn("Failed to deliver handoff notification", "handoff_id", hand.ID, "error", err)
	}

	s.deps.Bus.Emit(events.Event{
		Type: events.DelegationRequested, TaskID: body.TaskID, Agent: c.account,
		Data: map[string]any{"handoffId": hand.ID, "to": body.To},
	})
	// A payload that declares its delegation lineage gets a chain event
	// so observers can spot runaway re-delegation.
	if p, err := acceptance.ParsePayload(body.Content); err == nil && p.DelegationDepth > 0 {
		s.deps.Bus.Emit(events.Event{
			Type: events.DelegationChain, TaskID: body.TaskID, Agent: c.account,
			Data: map[string]any{
				"handoffId":       hand.ID,
				"depth":           p.DelegationDepth,
				"parentHandoffId": p.ParentHandoffID,
			},
		})
	}
	return wire.Payload{"handoff": hand}, nil
}

// handleHandoffAccept marks a handoff as taken by the calling account
// and, when the handoff names a startable task, assigns it.
func (s *Server) handleHandoffAccept(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Mailbox == nil {
		return nil, errDisabled("messaging")
	}
	var body struct {
		HandoffID string `json:"handoffId"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	hand, err := s.deps.Mailbox.GetHandoff(body.HandoffID)
	if err != nil {
		return nil, err
	}

	taskStarted := false
	if hand.TaskID != "" {
		err := s.deps.Board.Update(func(b *board.Board) error {
			t := b.Get(hand.TaskID)
			if t == nil || (t.Status != board.StatusTodo && t.Status != board.StatusNeedsReview) {
				return nil
			}
			if err := s.deps.Machine.Start(t, c.account); err != nil {
				return err
			}
			taskStarted = true
			return nil
		})
		if err != nil {
			return nil, err
		}
		if taskStarted {
			s.deps.Bus.Emit(events.Event{Type: events.TaskStarted, TaskID: hand.TaskID, Agent: c.account})
		}
	}

	s.deps.Bus.Emit(events.Event{
		Type: events.DelegationAccepted, TaskID: hand.TaskID, Agent: c.account,
		Data: map[string]any{"handoffId": hand.ID, "from": hand.From},
	})
	return wire.Payload{"handoff": hand, "taskStarted": taskStarted}, nil
}
