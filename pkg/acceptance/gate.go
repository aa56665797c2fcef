package acceptance

// GateVerdict is a friction gate's decision about a delegation payload.
type GateVerdict struct {
	RequiresHuman bool   `json:"requiresHuman"`
	Reason        string `json:"reason,omitempty"`
	Level         string `json:"level,omitempty"`
}

// FrictionGate decides whether a delegation is too risky to verify
// automatically. Implementations must be side-effect free.
type FrictionGate interface {
	Evaluate(p Payload) GateVerdict
}

// HeuristicGate is the built-in conservative gate. It blocks automatic
// acceptance for irreversible critical work, for payloads that ask for
// human verification, and for highly uncertain work that cannot be
// verified mechanically.
type HeuristicGate struct{}

// Evaluate implements FrictionGate.
func (HeuristicGate) Evaluate(p Payload) GateVerdict {
	switch {
	case p.Criticality == "critical" && p.Reversibility == "irreversible":
		return GateVerdict{
			RequiresHuman: true,
			Reason:        "critical and irreversible work requires human review",
			Level:         "critical",
		}
	case p.VerificationPolicy == "human":
		return GateVerdict{
			RequiresHuman: true,
			Reason:        "delegation explicitly requires human verification",
			Level:         "policy",
		}
	case p.Uncertainty == "high" && p.Verifiability == "low":
		return GateVerdict{
			RequiresHuman: true,
			Reason:        "high uncertainty with low verifiability",
			Level:         "high",
		}
	}
	return GateVerdict{}
}
