package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalCtx() EvalContext {
	return EvalContext{
		Steps: map[string]StepFacts{
			"build": {Result: "accepted", DurationMs: 1500, Assignee: "alice"},
			"scan":  {Result: "rejected", DurationMs: 90, Assignee: "bob"},
		},
		Trigger: map[string]string{"env": "prod", "dry_run": "false"},
	}
}

func TestEvalCondition(t *testing.T) {
	cases := []struct {
		src  string
		want bool
	}{
		{`steps.build.result == 'accepted'`, true},
		{`steps.build.result != 'accepted'`, false},
		{`steps.scan.result == "rejected"`, true},
		{`steps.build.duration_ms == 1500`, true},
		{`steps.build.duration_ms != 2000`, true},
		{`steps.build.assignee == 'alice'`, true},
		{`trigger.env == 'prod'`, true},
		{`trigger.env == 'staging'`, false},
		{`trigger.dry_run`, false},
		{`steps.build.result == 'accepted' && trigger.env == 'prod'`, true},
		{`steps.build.result == 'accepted' && trigger.env == 'staging'`, false},
		{`trigger.env == 'staging' || steps.scan.result == 'rejected'`, true},
		{`(trigger.env == 'staging' || trigger.env == 'prod') && steps.build.result == 'accepted'`, true},
		// unknown step resolves to the empty string, not an error
		{`steps.ghost.result == ''`, true},
		{`steps.ghost.result == 'accepted'`, false},
		{`trigger.missing == ''`, true},
	}
	for _, c := range cases {
		t.Run(c.src, func(t *testing.T) {
			got, err := EvalCondition(c.src, evalCtx())
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestEvalConditionErrors(t *testing.T) {
	for _, src := range []string{
		`steps.build.result ==`,
		`(steps.build.result == 'x'`,
		`'unterminated`,
		`steps.build.nope == 'x'`,
		`== 'x'`,
		`steps.build.result == 'x' extra`,
	} {
		t.Run(src, func(t *testing.T) {
			_, err := EvalCondition(src, evalCtx())
			assert.Error(t, err)
		})
	}
}

func TestConditionShortCircuit(t *testing.T) {
	// The right side of && is never evaluated when the left is false, so
	// an invalid identifier there must not surface.
	got, err := EvalCondition(`trigger.env == 'staging' && steps.build.nope == 'x'`, evalCtx())
	require.NoError(t, err)
	assert.False(t, got)

	got, err = EvalCondition(`trigger.env == 'prod' || steps.build.nope == 'x'`, evalCtx())
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCompileConditionCached(t *testing.T) {
	src := `steps.build.result == 'accepted' && trigger.env == 'prod'`
	first, err := compileCondition(src)
	require.NoError(t, err)
	second, err := compileCondition(src)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	_, ok := conditionCache.Get(src)
	assert.True(t, ok)
}
