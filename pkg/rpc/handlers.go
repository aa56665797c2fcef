package rpc

import (
	"time"

	"github.com/agenthub/hubd/pkg/events"
	"github.com/agenthub/hubd/pkg/version"
	"github.com/agenthub/hubd/pkg/wire"
)

// buildHandlers registers the full wire surface. Handlers for disabled
// components stay registered and answer a validation error, so clients
// can tell "off" from "unknown type".
func (s *Server) buildHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		// messaging
		"send_message":  s.handleSendMessage,
		"count_unread":  s.handleCountUnread,
		"read_messages": s.handleReadMessages,

		// tasks
		"create_task":           s.handleCreateTask,
		"get_task":              s.handleGetTask,
		"list_tasks":            s.handleListTasks,
		"update_task_status":    s.handleUpdateTaskStatus,
		"report_progress":       s.handleReportProgress,
		"adaptive_sla_check":    s.handleAdaptiveSLACheck,
		"get_trust":             s.handleGetTrust,
		"reinstate_agent":       s.handleReinstateAgent,
		"check_circuit_breaker": s.handleCheckCircuitBreaker,

		// handoff
		"handoff_task":   s.handleHandoffTask,
		"handoff_accept": s.handleHandoffAccept,

		// workspace
		"prepare_worktree_for_handoff": s.handlePrepareWorktree,
		"get_workspace_status":         s.handleWorkspaceStatus,
		"cleanup_workspace":            s.handleCleanupWorkspace,

		// routing
		"suggest_assignee":    s.handleSuggestAssignee,
		"register_capability": s.handleRegisterCapability,
		"list_capabilities":   s.handleListCapabilities,

		// knowledge
		"search_knowledge": s.handleSearchKnowledge,
		"index_note":       s.handleIndexNote,

		// workflow
		"trigger_workflow":       s.handleTriggerWorkflow,
		"get_workflow_run":       s.handleGetWorkflowRun,
		"list_workflow_runs":     s.handleListWorkflowRuns,
		"complete_workflow_step": s.handleCompleteWorkflowStep,
		"cancel_workflow":        s.handleCancelWorkflow,
		"list_workflows":         s.handleListWorkflows,

		// events
		"subscribe":         s.handleSubscribe,
		"unsubscribe":       s.handleUnsubscribe,
		"get_recent_events": s.handleRecentEvents,
		"query_events":      s.handleQueryEvents,
		"emit_event":        s.handleEmitEvent,

		// links
		"link_external":       s.handleLinkExternal,
		"list_external_links": s.handleListExternalLinks,

		// health + analytics
		"ping":          s.handlePing,
		"health_check":  s.handleHealthCheck,
		"get_analytics": s.handleGetAnalytics,
	}
}

func (s *Server) handleSubscribe(c *conn, req *request) (wire.Payload, error) {
	if !s.deps.Features.Streaming {
		return nil, errDisabled("streaming")
	}
	var body struct {
		Patterns []string `json:"patterns"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	if len(body.Patterns) == 0 {
		body.Patterns = []string{events.Wildcard}
	}
	s.deps.Registry.Subscribe(c.id, c.account, c.enc, func() { c.nc.Close() }, body.Patterns) //nolint:errcheck
	s.updateSubscriptionGauge()
	return wire.Payload{"subscribed": body.Patterns}, nil
}

func (s *Server) handleUnsubscribe(c *conn, req *request) (wire.Payload, error) {
	if !s.deps.Features.Streaming {
		return nil, errDisabled("streaming")
	}
	var body struct {
		Patterns []string `json:"patterns"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	s.deps.Registry.Unsubscribe(c.id, body.Patterns)
	s.updateSubscriptionGauge()
	return wire.Payload{"ok": true}, nil
}

func (s *Server) handleRecentEvents(c *conn, req *request) (wire.Payload, error) {
	var body struct {
		Type   string `json:"eventType"`
		TaskID string `json:"taskId"`
		Limit  int    `json:"limit"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	recent := s.deps.Bus.Recent(events.RecentFilter{Type: body.Type, TaskID: body.TaskID, Limit: body.Limit})
	return wire.Payload{"events": recent}, nil
}

func (s *Server) handleQueryEvents(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Log == nil {
		return nil, errDisabled("event log")
	}
	var body struct {
		Type  string    `json:"eventType"`
		Since time.Time `json:"since"`
		Limit int       `json:"limit"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	matched, err := s.deps.Log.Query(events.LogQuery{Type: body.Type, Since: body.Since, Limit: body.Limit})
	if err != nil {
		return nil, err
	}
	return wire.Payload{"events": matched}, nil
}

// handleEmitEvent injects an event from an external collaborator, e.g.
// AGENT_STREAM_* from an invoker or COUNCIL_* from a council driver. The
// type must be part of the taxonomy.
func (s *Server) handleEmitEvent(c *conn, req *request) (wire.Payload, error) {
	var body struct {
		EventType string         `json:"eventType"`
		TaskID    string         `json:"taskId"`
		Data      map[string]any `json:"data"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	if !events.Known(body.EventType) {
		return nil, errValidation("unknown event type %q", body.EventType)
	}
	id := s.deps.Bus.Emit(events.Event{
		Type:   body.EventType,
		TaskID: body.TaskID,
		Agent:  c.account,
		Data:   body.Data,
	})
	return wire.Payload{"eventId": id}, nil
}

func (s *Server) handlePing(c *conn, req *request) (wire.Payload, error) {
	return wire.Payload{"pong": true, "time": time.Now().UTC()}, nil
}

func (s *Server) handleHealthCheck(c *conn, req *request) (wire.Payload, error) {
	return wire.Payload{
		"status":        "ok",
		"version":       version.Full(),
		"account":       c.account,
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
		"subscriptions": s.deps.Registry.Len(),
		"droppedFrames": s.deps.Registry.DroppedTotal(),
	}, nil
}

func (s *Server) handleGetAnalytics(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Metrics == nil {
		return nil, errDisabled("monitoring")
	}
	snap, err := s.deps.Metrics.Snapshot()
	if err != nil {
		return nil, err
	}
	return wire.Payload{"metrics": snap}, nil
}
