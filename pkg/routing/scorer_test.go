package routing

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func intp(v int) *int { return &v }

func TestScoreComponents(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	t.Run("perfect fit maxes at 100", func(t *testing.T) {
		cap := Capability{
			AccountName:   "alice",
			Skills:        []string{"go", "sql"},
			Strengths:     []string{"go", "sql"},
			TotalTasks:    10,
			AcceptedTasks: 10,
			AvgDeliveryMs: 2 * 60000,
			LastActiveAt:  now.Add(-5 * time.Minute),
			TrustScore:    intp(100),
		}
		got := Score(cap, []string{"go", "sql"}, ScoreOptions{Now: now})
		assert.Equal(t, 100, got.Score)
	})

	t.Run("empty required skills give full skill component", func(t *testing.T) {
		got := Score(Capability{AccountName: "a"}, nil, ScoreOptions{Now: now})
		// 30 skill + 13 no-history + 10 neutral fit + 5 no-speed-data +
		// 5 no-trust + 1 stale recency.
		assert.Equal(t, 64, got.Score)
	})

	t.Run("partial skill match scales", func(t *testing.T) {
		cap := Capability{AccountName: "a", Skills: []string{"go"}}
		full := Score(Capability{AccountName: "a", Skills: []string{"go", "sql"}}, []string{"go", "sql"}, ScoreOptions{Now: now})
		half := Score(cap, []string{"go", "sql"}, ScoreOptions{Now: now})
		assert.Equal(t, 15, full.Score-half.Score)
	})

	t.Run("speed brackets", func(t *testing.T) {
		for _, c := range []struct {
			mins float64
			want int
		}{{2, 10}, {10, 8}, {20, 5}, {45, 2}} {
			cap := Capability{AccountName: "a", AvgDeliveryMs: c.mins * 60000}
			base := Score(Capability{AccountName: "a"}, nil, ScoreOptions{Now: now}).Score
			got := Score(cap, nil, ScoreOptions{Now: now}).Score
			assert.Equal(t, c.want-5, got-base, "avg %v min", c.mins)
		}
	})

	t.Run("negative workload clamps at zero", func(t *testing.T) {
		got := Score(Capability{AccountName: "a"}, []string{"x"}, ScoreOptions{WorkloadModifier: -100, Now: now})
		assert.Equal(t, 0, got.Score)
	})
}

func TestRank(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	caps := []Capability{
		{AccountName: "alice", Skills: []string{"go"}, TotalTasks: 10, AcceptedTasks: 9, LastActiveAt: now.Add(-time.Minute)},
		{AccountName: "bob", Skills: []string{"go"}, TotalTasks: 10, AcceptedTasks: 2, LastActiveAt: now.Add(-time.Minute)},
		{AccountName: "carol", Skills: []string{"rust"}, LastActiveAt: now.Add(-time.Minute)},
	}

	t.Run("sorts descending", func(t *testing.T) {
		got := Rank(caps, []string{"go"}, RankOptions{Now: now})
		assert.Equal(t, "alice", got[0].AccountName)
		assert.Equal(t, "bob", got[1].AccountName)
		assert.Equal(t, "carol", got[2].AccountName)
	})

	t.Run("excludes accounts", func(t *testing.T) {
		got := Rank(caps, []string{"go"}, RankOptions{ExcludeAccounts: []string{"alice"}, Now: now})
		assert.Len(t, got, 2)
		assert.Equal(t, "bob", got[0].AccountName)
	})

	t.Run("workload shifts ranking", func(t *testing.T) {
		got := Rank(caps, []string{"go"}, RankOptions{
			Workload: map[string]Workload{"alice": {WIPCount: 3, OpenCount: 5}},
			Now:      now,
		})
		assert.Equal(t, "bob", got[0].AccountName, "alice penalized -25")
	})
}

func TestWorkloadModifier(t *testing.T) {
	cases := []struct {
		name string
		w    Workload
		want int
	}{
		{"idle", Workload{}, 0},
		{"one wip", Workload{WIPCount: 1}, -5},
		{"wip clamped", Workload{WIPCount: 10}, -15},
		{"open clamped", Workload{OpenCount: 10}, -10},
		{"throughput bonus", Workload{RecentThroughput: 2}, 10},
		{"bonus clamped", Workload{RecentThroughput: 9}, 15},
		{"mixed", Workload{WIPCount: 2, OpenCount: 3, RecentThroughput: 1}, -11},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.w.Modifier())
		})
	}
}

// Score bounds: for any capability and workload modifier within the
// derivable range, the score stays in [0, 115].
func TestScoreBoundsProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 300

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	properties := gopter.NewProperties(params)
	properties.Property("score within [0, 115]", prop.ForAll(
		func(total, accepted int, deliveryMins float64, trust int, idleMins int, mod int) bool {
			if accepted > total {
				accepted = total
			}
			cap := Capability{
				AccountName:   "p",
				Skills:        []string{"go"},
				Strengths:     []string{"go"},
				TotalTasks:    total,
				AcceptedTasks: accepted,
				AvgDeliveryMs: deliveryMins * 60000,
				LastActiveAt:  now.Add(-time.Duration(idleMins) * time.Minute),
				TrustScore:    intp(trust),
			}
			got := Score(cap, []string{"go"}, ScoreOptions{WorkloadModifier: mod, Now: now})
			return got.Score >= 0 && got.Score <= 115
		},
		gen.IntRange(0, 500),
		gen.IntRange(0, 500),
		gen.Float64Range(0, 600),
		gen.IntRange(0, 100),
		gen.IntRange(0, 10000),
		gen.IntRange(-25, 15),
	))
	properties.TestingRun(t)
}
