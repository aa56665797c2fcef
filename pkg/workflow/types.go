// Package workflow implements the DAG scheduler: YAML-defined multi-step
// workflows, run and step-run state, conditional steps, retry and abort
// policies, and hot-reloaded definition loading.
package workflow

import "time"

// Failure policies.
const (
	OnFailureNotify = "notify"
	OnFailureRetry  = "retry"
	OnFailureAbort  = "abort"
)

// AssignAuto asks the capability router for the best-fit account.
const AssignAuto = "auto"

// Definition is one parsed workflow.
type Definition struct {
	Name       string `yaml:"name" json:"name"`
	Version    string `yaml:"version,omitempty" json:"version,omitempty"`
	Steps      []Step `yaml:"steps" json:"steps"`
	OnFailure  string `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
	MaxRetries int    `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	Retro      bool   `yaml:"retro,omitempty" json:"retro,omitempty"`
}

// Step is one node of the DAG.
type Step struct {
	ID        string     `yaml:"id" json:"id"`
	Title     string     `yaml:"title,omitempty" json:"title,omitempty"`
	Assign    string     `yaml:"assign" json:"assign"`
	Skills    []string   `yaml:"skills,omitempty" json:"skills,omitempty"`
	DependsOn []string   `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Condition *Condition `yaml:"condition,omitempty" json:"condition,omitempty"`
	Handoff   Handoff    `yaml:"handoff" json:"handoff"`
}

// Condition gates a step on an expression over earlier step results and
// the trigger context.
type Condition struct {
	When string `yaml:"when" json:"when"`
}

// Handoff is the work order attached to a step.
type Handoff struct {
	Goal               string   `yaml:"goal" json:"goal"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria,omitempty" json:"acceptance_criteria,omitempty"`
	RunCommands        []string `yaml:"run_commands,omitempty" json:"run_commands,omitempty"`
	BlockedBy          []string `yaml:"blocked_by,omitempty" json:"blocked_by,omitempty"`
}

// step lookup helper.
func (d *Definition) step(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// RunStatus is a workflow run state.
type RunStatus string

// Run statuses.
const (
	RunRunning         RunStatus = "running"
	RunCompleted       RunStatus = "completed"
	RunFailed          RunStatus = "failed"
	RunCancelled       RunStatus = "cancelled"
	RunRetroInProgress RunStatus = "retro_in_progress"
)

// Run is one execution instance of a definition.
type Run struct {
	ID             string            `json:"id"`
	WorkflowName   string            `json:"workflow_name"`
	Status         RunStatus         `json:"status"`
	TriggerContext map[string]string `json:"trigger_context,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	RetroID        string            `json:"retro_id,omitempty"`
}

// StepStatus is a step-run state.
type StepStatus string

// Step-run statuses. Completed, failed and skipped are terminal.
const (
	StepPending   StepStatus = "pending"
	StepAssigned  StepStatus = "assigned"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the status admits no further transitions.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// Skip results recorded on skipped step runs.
const (
	SkipConditionNotMet = "condition_not_met"
	SkipAborted         = "aborted_due_to_failure"
	SkipCancelled       = "cancelled"
)

// StepRun is one step's execution state within a run.
type StepRun struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	StepID      string     `json:"step_id"`
	Status      StepStatus `json:"status"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Attempt     int        `json:"attempt"`
	Result      string     `json:"result,omitempty"`
}
