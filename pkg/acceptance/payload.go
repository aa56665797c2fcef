// Package acceptance implements auto-acceptance: when a task reaches
// review, the latest handoff's run_commands are executed in the task's
// workspace and the verdict drives accept/reject, trust updates and a
// verification receipt.
package acceptance

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrEmptyPayload is returned when a handoff carries no content.
var ErrEmptyPayload = errors.New("empty handoff payload")

// Payload is the delegation contract carried in a handoff. Delegators are
// LLM-driven, so parsing tolerates the usual JSON damage via jsonrepair.
type Payload struct {
	Goal                     string   `json:"goal"`
	AcceptanceCriteria       []string `json:"acceptance_criteria,omitempty"`
	RunCommands              []string `json:"run_commands,omitempty"`
	BlockedBy                []string `json:"blocked_by,omitempty"`
	Complexity               string   `json:"complexity,omitempty"`
	Criticality              string   `json:"criticality,omitempty"`
	Uncertainty              string   `json:"uncertainty,omitempty"`
	EstimatedDurationMinutes float64  `json:"estimated_duration_minutes,omitempty"`
	Verifiability            string   `json:"verifiability,omitempty"`
	Reversibility            string   `json:"reversibility,omitempty"`
	RequiredSkills           []string `json:"required_skills,omitempty"`
	AutonomyLevel            string   `json:"autonomy_level,omitempty"`
	MonitoringLevel          string   `json:"monitoring_level,omitempty"`
	VerificationPolicy       string   `json:"verification_policy,omitempty"`
	ParentHandoffID          string   `json:"parent_handoff_id,omitempty"`
	DelegationDepth          int      `json:"delegation_depth,omitempty"`
}

// ParsePayload decodes a handoff content string, repairing malformed JSON
// before giving up.
func ParsePayload(content string) (Payload, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Payload{}, ErrEmptyPayload
	}

	var p Payload
	if err := json.Unmarshal([]byte(content), &p); err == nil {
		return p, nil
	}

	repaired, err := jsonrepair.JSONRepair(content)
	if err != nil {
		return Payload{}, fmt.Errorf("unparseable handoff payload: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &p); err != nil {
		return Payload{}, fmt.Errorf("unparseable handoff payload after repair: %w", err)
	}
	return p, nil
}
