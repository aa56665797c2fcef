// Package events provides the daemon's event taxonomy, the in-process
// event bus, the subscription registry that streams events to connected
// clients, and the durable NDJSON event log.
package events

import (
	"strings"
	"time"
)

// Event types. The taxonomy is fixed; adding a type means extending this
// block and the Known set below.
const (
	// Task lifecycle
	TaskCreated   = "TASK_CREATED"
	TaskStarted   = "TASK_STARTED"
	TaskSubmitted = "TASK_SUBMITTED"
	TaskAccepted  = "TASK_ACCEPTED"
	TaskRejected  = "TASK_REJECTED"
	TaskEscalated = "TASK_ESCALATED"
	TaskRevoked   = "TASK_REVOKED"
	TaskVerified  = "TASK_VERIFIED"

	// Agent output streaming (producers are external AgentInvokers)
	AgentStreamStarted = "AGENT_STREAM_STARTED"
	AgentStreamChunk   = "AGENT_STREAM_CHUNK"
	AgentStreamEnded   = "AGENT_STREAM_ENDED"

	// Delegation / handoff
	DelegationRequested = "DELEGATION_REQUESTED"
	DelegationAccepted  = "DELEGATION_ACCEPTED"
	DelegationCompleted = "DELEGATION_COMPLETED"
	DelegationChain     = "DELEGATION_CHAIN"

	// Council-style compound calls (producers are external)
	CouncilConvened = "COUNCIL_CONVENED"
	CouncilVote     = "COUNCIL_VOTE"
	CouncilDecision = "COUNCIL_DECISION"

	// Workflow engine
	WorkflowStarted       = "WORKFLOW_STARTED"
	WorkflowStepStarted   = "WORKFLOW_STEP_STARTED"
	WorkflowStepCompleted = "WORKFLOW_STEP_COMPLETED"
	WorkflowStepFailed    = "WORKFLOW_STEP_FAILED"
	WorkflowCompleted     = "WORKFLOW_COMPLETED"
	WorkflowCancelled     = "WORKFLOW_CANCELLED"

	// Acceptance verification
	TDDRunStarted     = "TDD_RUN_STARTED"
	TDDTestOutput     = "TDD_TEST_OUTPUT"
	TDDRunCompleted   = "TDD_RUN_COMPLETED"
	CognitiveFriction = "COGNITIVE_FRICTION_TRIGGERED"

	// SLA engine
	SLAWarning    = "SLA_WARNING"
	SLABreach     = "SLA_BREACH"
	SLAEscalation = "SLA_ESCALATION"

	// Accounts
	TrustUpdate          = "TRUST_UPDATE"
	CircuitBreakerOpen   = "CIRCUIT_BREAKER_OPEN"
	CircuitBreakerClosed = "CIRCUIT_BREAKER_CLOSED"
	ResourceWarning      = "RESOURCE_WARNING"
	ProgressUpdate       = "PROGRESS_UPDATE"
	CheckpointReached    = "CHECKPOINT_REACHED"
	Reassignment         = "REASSIGNMENT"
	AccountHealth        = "ACCOUNT_HEALTH"
)

var known = map[string]struct{}{
	TaskCreated: {}, TaskStarted: {}, TaskSubmitted: {}, TaskAccepted: {},
	TaskRejected: {}, TaskEscalated: {}, TaskRevoked: {}, TaskVerified: {},
	AgentStreamStarted: {}, AgentStreamChunk: {}, AgentStreamEnded: {},
	DelegationRequested: {}, DelegationAccepted: {}, DelegationCompleted: {},
	DelegationChain: {},
	CouncilConvened: {}, CouncilVote: {}, CouncilDecision: {},
	WorkflowStarted: {}, WorkflowStepStarted: {}, WorkflowStepCompleted: {},
	WorkflowStepFailed: {}, WorkflowCompleted: {}, WorkflowCancelled: {},
	TDDRunStarted: {}, TDDTestOutput: {}, TDDRunCompleted: {},
	CognitiveFriction: {},
	SLAWarning: {}, SLABreach: {}, SLAEscalation: {},
	TrustUpdate: {}, CircuitBreakerOpen: {}, CircuitBreakerClosed: {},
	ResourceWarning: {}, ProgressUpdate: {}, CheckpointReached: {},
	Reassignment: {}, AccountHealth: {},
}

// Known reports whether typ is part of the taxonomy.
func Known(typ string) bool {
	_, ok := known[typ]
	return ok
}

// Event is one entry on the bus and in the log. ID and Timestamp are
// assigned by Bus.Emit; producers fill the rest. Type-specific fields ride
// in Data.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TaskID    string         `json:"taskId,omitempty"`
	Agent     string         `json:"agent,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// MatchPattern reports whether an event type matches a subscription
// pattern: exact type, "*", or "prefix*".
func MatchPattern(pattern, typ string) bool {
	if pattern == Wildcard || pattern == typ {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(typ, prefix)
	}
	return false
}
