package rpc

import (
	"github.com/agenthub/hubd/pkg/wire"
)

func (s *Server) handleListWorkflows(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Library == nil {
		return nil, errDisabled("workflows")
	}
	return wire.Payload{"workflows": s.deps.Library.List()}, nil
}

func (s *Server) handleTriggerWorkflow(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Library == nil || s.deps.Workflow == nil {
		return nil, errDisabled("workflows")
	}
	var body struct {
		Workflow string            `json:"workflow"`
		Context  map[string]string `json:"context"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	if body.Workflow == "" {
		return nil, errValidation("workflow is required")
	}
	def, err := s.deps.Library.Get(body.Workflow)
	if err != nil {
		return nil, err
	}
	run, err := s.deps.Workflow.Trigger(def, body.Context)
	if err != nil {
		return nil, err
	}
	return wire.Payload{"run": run}, nil
}

func (s *Server) handleGetWorkflowRun(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Runs == nil {
		return nil, errDisabled("workflows")
	}
	var body struct {
		RunID string `json:"runId"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	run, err := s.deps.Runs.GetRun(body.RunID)
	if err != nil {
		return nil, err
	}
	steps, err := s.deps.Runs.StepRuns(body.RunID)
	if err != nil {
		return nil, err
	}
	return wire.Payload{"run": run, "steps": steps}, nil
}

func (s *Server) handleListWorkflowRuns(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Runs == nil {
		return nil, errDisabled("workflows")
	}
	var body struct {
		Limit int `json:"limit"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	runs, err := s.deps.Runs.ListRuns(body.Limit)
	if err != nil {
		return nil, err
	}
	return wire.Payload{"runs": runs}, nil
}

// handleCompleteWorkflowStep reports a step outcome from the account
// working it. A "failed" result routes through the retry/abort policy;
// "accepted" and "rejected" complete the step and schedule dependents.
func (s *Server) handleCompleteWorkflowStep(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Library == nil || s.deps.Workflow == nil {
		return nil, errDisabled("workflows")
	}
	var body struct {
		RunID  string `json:"runId"`
		StepID string `json:"stepId"`
		Result string `json:"result"`
		Error  string `json:"error"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	if body.RunID == "" || body.StepID == "" {
		return nil, errValidation("runId and stepId are required")
	}

	run, err := s.deps.Runs.GetRun(body.RunID)
	if err != nil {
		return nil, err
	}
	def, err := s.deps.Library.Get(run.WorkflowName)
	if err != nil {
		return nil, err
	}

	switch body.Result {
	case "accepted", "rejected":
		err = s.deps.Workflow.OnStepCompleted(body.RunID, body.StepID, body.Result, def)
	case "failed":
		err = s.deps.Workflow.OnStepFailed(body.RunID, body.StepID, body.Error, def)
	default:
		return nil, errValidation("result must be accepted, rejected or failed")
	}
	if err != nil {
		return nil, err
	}

	run, err = s.deps.Runs.GetRun(body.RunID)
	if err != nil {
		return nil, err
	}
	return wire.Payload{"run": run}, nil
}

func (s *Server) handleCancelWorkflow(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Workflow == nil {
		return nil, errDisabled("workflows")
	}
	var body struct {
		RunID string `json:"runId"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	if err := s.deps.Workflow.Cancel(body.RunID); err != nil {
		return nil, err
	}
	return wire.Payload{"ok": true}, nil
}
