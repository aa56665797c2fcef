package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
name: release
version: "1"
on_failure: abort
max_retries: 2
retro: true
steps:
  - id: build
    title: Build the artifact
    assign: builder
    handoff:
      goal: Build and package
      run_commands:
        - make build
  - id: test
    assign: auto
    skills: [go, testing]
    depends_on: [build]
    handoff:
      goal: Run the suite
      acceptance_criteria:
        - all tests green
  - id: announce
    assign: herald
    depends_on: [test]
    condition:
      when: steps.test.result == 'accepted'
    handoff:
      goal: Post the release note
`

func TestParse(t *testing.T) {
	def, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "release", def.Name)
	assert.Equal(t, OnFailureAbort, def.OnFailure)
	assert.Equal(t, 2, def.MaxRetries)
	assert.True(t, def.Retro)
	require.Len(t, def.Steps, 3)
	assert.Equal(t, AssignAuto, def.Steps[1].Assign)
	assert.Equal(t, []string{"go", "testing"}, def.Steps[1].Skills)
	assert.Equal(t, []string{"build"}, def.Steps[1].DependsOn)
	require.NotNil(t, def.Steps[2].Condition)
	assert.Equal(t, []string{"make build"}, def.Steps[0].Handoff.RunCommands)
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want error
	}{
		{
			name: "cycle",
			yaml: `
name: w
steps:
  - {id: a, assign: x, depends_on: [b], handoff: {goal: g}}
  - {id: b, assign: x, depends_on: [a], handoff: {goal: g}}
`,
			want: ErrCycle,
		},
		{
			name: "self cycle",
			yaml: `
name: w
steps:
  - {id: a, assign: x, depends_on: [a], handoff: {goal: g}}
`,
			want: ErrCycle,
		},
		{
			name: "unknown dep",
			yaml: `
name: w
steps:
  - {id: a, assign: x, depends_on: [ghost], handoff: {goal: g}}
`,
			want: ErrUnknownDep,
		},
		{
			name: "duplicate id",
			yaml: `
name: w
steps:
  - {id: a, assign: x, handoff: {goal: g}}
  - {id: a, assign: y, handoff: {goal: g}}
`,
			want: ErrDuplicateStep,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse([]byte(c.yaml))
			assert.ErrorIs(t, err, c.want)
		})
	}

	t.Run("missing name", func(t *testing.T) {
		_, err := Parse([]byte("steps:\n  - {id: a, assign: x, handoff: {goal: g}}"))
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "name", ve.Field)
	})

	t.Run("bad on_failure", func(t *testing.T) {
		_, err := Parse([]byte("name: w\non_failure: explode\nsteps:\n  - {id: a, assign: x, handoff: {goal: g}}"))
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "on_failure", ve.Field)
	})

	t.Run("bad condition", func(t *testing.T) {
		_, err := Parse([]byte("name: w\nsteps:\n  - {id: a, assign: x, condition: {when: \"((\"}, handoff: {goal: g}}"))
		require.Error(t, err)
	})
}

func TestValidateDAGDiamond(t *testing.T) {
	def := &Definition{
		Name: "diamond",
		Steps: []Step{
			{ID: "a", Assign: "x", Handoff: Handoff{Goal: "g"}},
			{ID: "b", Assign: "x", DependsOn: []string{"a"}, Handoff: Handoff{Goal: "g"}},
			{ID: "c", Assign: "x", DependsOn: []string{"a"}, Handoff: Handoff{Goal: "g"}},
			{ID: "d", Assign: "x", DependsOn: []string{"b", "c"}, Handoff: Handoff{Goal: "g"}},
		},
	}
	assert.NoError(t, def.ValidateDAG())
}
