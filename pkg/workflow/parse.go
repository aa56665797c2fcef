package workflow

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

var (
	// ErrCycle is returned when the dependency graph has a cycle
	ErrCycle = errors.New("dependency cycle")

	// ErrUnknownDep is returned when depends_on names an unknown step
	ErrUnknownDep = errors.New("unknown dependency")

	// ErrDuplicateStep is returned when two steps share an id
	ErrDuplicateStep = errors.New("duplicate step id")
)

// ValidationError wraps definition validation failures with the offending
// field.
type ValidationError struct {
	Workflow string
	Field    string
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow %q: field %q: %v", e.Workflow, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Parse decodes one YAML definition and validates it, including DAG
// acyclicity.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the schema and the dependency graph.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &ValidationError{Workflow: d.Name, Field: "name", Err: errors.New("must not be empty")}
	}
	if len(d.Steps) == 0 {
		return &ValidationError{Workflow: d.Name, Field: "steps", Err: errors.New("must not be empty")}
	}
	switch d.OnFailure {
	case "", OnFailureNotify, OnFailureRetry, OnFailureAbort:
	default:
		return &ValidationError{Workflow: d.Name, Field: "on_failure", Err: fmt.Errorf("invalid policy %q", d.OnFailure)}
	}
	if d.MaxRetries < 0 {
		return &ValidationError{Workflow: d.Name, Field: "max_retries", Err: errors.New("must not be negative")}
	}
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.ID == "" {
			return &ValidationError{Workflow: d.Name, Field: fmt.Sprintf("steps[%d].id", i), Err: errors.New("must not be empty")}
		}
		if s.Assign == "" {
			return &ValidationError{Workflow: d.Name, Field: fmt.Sprintf("steps[%d].assign", i), Err: errors.New("must not be empty")}
		}
		if s.Handoff.Goal == "" {
			return &ValidationError{Workflow: d.Name, Field: fmt.Sprintf("steps[%d].handoff.goal", i), Err: errors.New("must not be empty")}
		}
		if s.Condition != nil {
			if _, err := compileCondition(s.Condition.When); err != nil {
				return &ValidationError{Workflow: d.Name, Field: fmt.Sprintf("steps[%d].condition.when", i), Err: err}
			}
		}
	}
	return d.ValidateDAG()
}

// ValidateDAG checks step-id uniqueness, dependency references, and
// acyclicity via Kahn's algorithm.
func (d *Definition) ValidateDAG() error {
	ids := make(map[string]struct{}, len(d.Steps))
	for _, s := range d.Steps {
		if _, dup := ids[s.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateStep, s.ID)
		}
		ids[s.ID] = struct{}{}
	}

	inDegree := make(map[string]int, len(d.Steps))
	dependents := make(map[string][]string, len(d.Steps))
	for _, s := range d.Steps {
		inDegree[s.ID] += 0
		for _, dep := range s.DependsOn {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("%w: step %q depends on %q", ErrUnknownDep, s.ID, dep)
			}
			inDegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	// Kahn's: repeatedly remove zero-in-degree nodes; leftovers are a cycle.
	var ready []string
	for _, s := range d.Steps {
		if inDegree[s.ID] == 0 {
			ready = append(ready, s.ID)
		}
	}
	visited := 0
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		visited++
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if visited != len(d.Steps) {
		return fmt.Errorf("%w in workflow %q", ErrCycle, d.Name)
	}
	return nil
}
