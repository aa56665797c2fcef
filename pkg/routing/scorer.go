// Package routing scores and ranks agent accounts for a required skill
// set. The score is the sum of six weighted components with a fixed max
// of 100 before the workload modifier, clamped to >= 0.
package routing

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Capability describes one account's declared and observed fitness.
type Capability struct {
	AccountName   string    `json:"accountName"`
	Skills        []string  `json:"skills,omitempty"`
	TotalTasks    int       `json:"totalTasks"`
	AcceptedTasks int       `json:"acceptedTasks"`
	RejectedTasks int       `json:"rejectedTasks"`
	AvgDeliveryMs float64   `json:"avgDeliveryMs,omitempty"`
	LastActiveAt  time.Time `json:"lastActiveAt,omitempty"`
	ProviderType  string    `json:"providerType,omitempty"`
	// Strengths is the provider's declared strong-suit skill list; empty
	// means no declaration and a neutral provider-fit component.
	Strengths  []string `json:"strengths,omitempty"`
	TrustScore *int     `json:"trustScore,omitempty"`
}

// ScoreResult is one ranked account with its component breakdown.
type ScoreResult struct {
	AccountName string   `json:"accountName"`
	Score       int      `json:"score"`
	Reasons     []string `json:"reasons"`
}

// ScoreOptions tunes one scoring pass.
type ScoreOptions struct {
	// Priority is advisory; it rides into the reasons but does not change
	// the arithmetic.
	Priority string
	// WorkloadModifier is added after the six components; may be negative.
	WorkloadModifier int
	// Now anchors the recency component; zero means time.Now().
	Now time.Time
}

// Score computes the capability score for one account.
func Score(cap Capability, requiredSkills []string, opts ScoreOptions) ScoreResult {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	reasons := make([]string, 0, 7)

	// Skill match, max 30.
	skill := 30.0
	if len(requiredSkills) > 0 {
		skill = 30.0 * float64(countMatches(cap.Skills, requiredSkills)) / float64(len(requiredSkills))
	}
	reasons = append(reasons, fmt.Sprintf("skill_match=%.0f/30", skill))

	// Success rate, max 25; 13 with no history.
	success := 13.0
	if cap.TotalTasks > 0 {
		success = 25.0 * float64(cap.AcceptedTasks) / float64(cap.TotalTasks)
	}
	reasons = append(reasons, fmt.Sprintf("success_rate=%.0f/25", success))

	// Provider fit, max 20; neutral 10 without a strengths declaration.
	fit := 10.0
	if len(requiredSkills) > 0 && len(cap.Strengths) > 0 {
		fit = 20.0 * float64(countMatches(cap.Strengths, requiredSkills)) / float64(len(requiredSkills))
	}
	reasons = append(reasons, fmt.Sprintf("provider_fit=%.0f/20", fit))

	// Speed, max 10; 5 with no data.
	speed := 5.0
	if cap.AvgDeliveryMs > 0 {
		mins := cap.AvgDeliveryMs / 60000.0
		switch {
		case mins < 5:
			speed = 10
		case mins < 15:
			speed = 8
		case mins < 30:
			speed = 5
		default:
			speed = 2
		}
	}
	reasons = append(reasons, fmt.Sprintf("speed=%.0f/10", speed))

	// Trust, max 10; 5 when absent.
	tr := 5.0
	if cap.TrustScore != nil {
		tr = 10.0 * float64(*cap.TrustScore) / 100.0
	}
	reasons = append(reasons, fmt.Sprintf("trust=%.1f/10", tr))

	// Recency, max 5.
	recency := 1.0
	if !cap.LastActiveAt.IsZero() {
		idle := now.Sub(cap.LastActiveAt).Minutes()
		switch {
		case idle <= 10:
			recency = 5
		case idle <= 30:
			recency = 4
		case idle <= 60:
			recency = 2
		}
	}
	reasons = append(reasons, fmt.Sprintf("recency=%.0f/5", recency))

	total := skill + success + fit + speed + tr + recency + float64(opts.WorkloadModifier)
	if opts.WorkloadModifier != 0 {
		reasons = append(reasons, fmt.Sprintf("workload=%+d", opts.WorkloadModifier))
	}
	if total < 0 {
		total = 0
	}

	return ScoreResult{
		AccountName: cap.AccountName,
		Score:       int(math.Round(total)),
		Reasons:     reasons,
	}
}

// RankOptions tunes a ranking pass.
type RankOptions struct {
	ExcludeAccounts []string
	Priority        string
	// Workload maps account name to its modifier input; missing accounts
	// get a zero modifier.
	Workload map[string]Workload
	Now      time.Time
}

// Rank filters excluded accounts, scores the rest, and sorts descending.
// The sort is stable, so callers control tie order through input order.
func Rank(caps []Capability, requiredSkills []string, opts RankOptions) []ScoreResult {
	excluded := make(map[string]struct{}, len(opts.ExcludeAccounts))
	for _, a := range opts.ExcludeAccounts {
		excluded[a] = struct{}{}
	}

	results := make([]ScoreResult, 0, len(caps))
	for _, c := range caps {
		if _, skip := excluded[c.AccountName]; skip {
			continue
		}
		mod := 0
		if w, ok := opts.Workload[c.AccountName]; ok {
			mod = w.Modifier()
		}
		results = append(results, Score(c, requiredSkills, ScoreOptions{
			Priority:         opts.Priority,
			WorkloadModifier: mod,
			Now:              opts.Now,
		}))
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results
}

func countMatches(have, want []string) int {
	set := make(map[string]struct{}, len(have))
	for _, s := range have {
		set[s] = struct{}{}
	}
	n := 0
	for _, s := range want {
		if _, ok := set[s]; ok {
			n++
		}
	}
	return n
}
