package workflow

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenthub/hubd/pkg/events"
)

// maxErrorChars bounds error text carried in step-failure events.
const maxErrorChars = 300

// AssigneeResolver picks an account for steps declared assign: auto.
// The daemon wires the capability router (minus quarantined agents) in
// here; tests use fakes.
type AssigneeResolver interface {
	Resolve(requiredSkills []string) (string, bool)
}

// RetroRecorder is notified when a run with retro enabled finishes with
// participants; it returns the retro id to pin on the run. Optional.
type RetroRecorder interface {
	StartRetro(runID string, participants []string) (string, error)
}

// Engine schedules workflow runs. All mutations happen under one mutex;
// step completion callbacks re-enter scheduling synchronously.
type Engine struct {
	mu       sync.Mutex
	store    RunStore
	bus      *events.Bus
	resolver AssigneeResolver
	retro    RetroRecorder
}

// NewEngine creates an engine. resolver may be nil (auto steps fail to
// assign and stay pending); retro may be nil (runs complete normally).
func NewEngine(store RunStore, bus *events.Bus, resolver AssigneeResolver, retro RetroRecorder) *Engine {
	return &Engine{store: store, bus: bus, resolver: resolver, retro: retro}
}

// Trigger validates the definition, creates a running run with one
// pending step run per step, announces it, and schedules ready steps.
func (e *Engine) Trigger(def *Definition, triggerContext map[string]string) (Run, error) {
	if err := def.ValidateDAG(); err != nil {
		return Run{}, err
	}

	run := Run{
		ID:             uuid.New().String(),
		WorkflowName:   def.Name,
		Status:         RunRunning,
		TriggerContext: triggerContext,
		StartedAt:      time.Now().UTC(),
	}
	steps := make([]StepRun, len(def.Steps))
	for i, s := range def.Steps {
		steps[i] = StepRun{
			ID:      uuid.New().String(),
			RunID:   run.ID,
			StepID:  s.ID,
			Status:  StepPending,
			Attempt: 1,
		}
	}
	if err := e.store.CreateRun(run, steps); err != nil {
		return Run{}, err
	}

	slog.Info("Workflow started", "workflow", def.Name, "run_id", run.ID, "steps", len(steps))
	e.bus.Emit(events.Event{Type: events.WorkflowStarted, Data: map[string]any{
		"runId":    run.ID,
		"workflow": def.Name,
	}})

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.scheduleReadyLocked(run.ID, def); err != nil {
		return run, err
	}
	return e.store.GetRun(run.ID)
}

// OnStepCompleted marks an assigned step completed with the given result
// (accepted, rejected, failed as observed by the caller) and schedules
// newly-unblocked steps.
func (e *Engine) OnStepCompleted(runID, stepID, result string, def *Definition) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sr, err := e.findStepRun(runID, stepID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	sr.Status = StepCompleted
	sr.Result = result
	sr.CompletedAt = &now
	if err := e.store.UpdateStepRun(sr); err != nil {
		return err
	}

	var durationMs int64
	if sr.StartedAt != nil {
		durationMs = now.Sub(*sr.StartedAt).Milliseconds()
	}
	e.bus.Emit(events.Event{Type: events.WorkflowStepCompleted, Data: map[string]any{
		"runId":      runID,
		"stepId":     stepID,
		"result":     result,
		"durationMs": durationMs,
	}})

	return e.scheduleReadyLocked(runID, def)
}

// OnStepFailed handles a step failure: retry while attempts remain, abort
// the whole run under on_failure: abort, otherwise keep scheduling what
// is still possible.
func (e *Engine) OnStepFailed(runID, stepID, errText string, def *Definition) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sr, err := e.findStepRun(runID, stepID)
	if err != nil {
		return err
	}

	willRetry := sr.Attempt <= def.MaxRetries
	e.bus.Emit(events.Event{Type: events.WorkflowStepFailed, Data: map[string]any{
		"runId":     runID,
		"stepId":    stepID,
		"error":     truncate(errText, maxErrorChars),
		"attempt":   sr.Attempt,
		"willRetry": willRetry,
	}})

	if willRetry {
		sr.Status = StepPending
		sr.Attempt++
		sr.AssignedTo = ""
		sr.StartedAt = nil
		sr.CompletedAt = nil
		sr.Result = ""
		if err := e.store.UpdateStepRun(sr); err != nil {
			return err
		}
		slog.Info("Workflow step retrying", "run_id", runID, "step_id", stepID, "attempt", sr.Attempt)
		return e.scheduleReadyLocked(runID, def)
	}

	now := time.Now().UTC()
	sr.Status = StepFailed
	sr.CompletedAt = &now
	sr.Result = truncate(errText, maxErrorChars)
	if err := e.store.UpdateStepRun(sr); err != nil {
		return err
	}

	if def.OnFailure == OnFailureAbort {
		return e.abortLocked(runID)
	}
	// notify / exhausted retry: the failed step is terminal, so its
	// dependents and independent branches keep going; the run ends failed.
	return e.scheduleReadyLocked(runID, def)
}

// Cancel skips every pending or assigned step and marks the run
// cancelled.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, err := e.store.GetRun(runID)
	if err != nil {
		return err
	}
	steps, err := e.store.StepRuns(runID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, sr := range steps {
		if sr.Status.Terminal() {
			continue
		}
		sr.Status = StepSkipped
		sr.Result = SkipCancelled
		sr.CompletedAt = &now
		if err := e.store.UpdateStepRun(sr); err != nil {
			return err
		}
	}
	run.Status = RunCancelled
	run.CompletedAt = &now
	if err := e.store.UpdateRun(run); err != nil {
		return err
	}

	slog.Info("Workflow cancelled", "run_id", runID)
	e.bus.Emit(events.Event{Type: events.WorkflowCancelled, Data: map[string]any{"runId": runID}})
	return nil
}

// scheduleReadyLocked assigns (or condition-skips) every pending step
// whose dependencies are all terminal-completed, then finalizes the run
// when everything is terminal. A condition skip unblocks downstream steps
// within the same call, hence the outer progress loop.
func (e *Engine) scheduleReadyLocked(runID string, def *Definition) error {
	for {
		steps, err := e.store.StepRuns(runID)
		if err != nil {
			return err
		}

		// Terminal steps (completed, failed, skipped) satisfy dependencies;
		// a skipped branch must not wedge its dependents forever.
		terminal := make(map[string]StepRun)
		for _, sr := range steps {
			if sr.Status.Terminal() {
				terminal[sr.StepID] = sr
			}
		}

		progressed := false
		for _, sr := range steps {
			if sr.Status != StepPending {
				continue
			}
			step := def.step(sr.StepID)
			if step == nil {
				continue
			}
			if !depsSatisfied(step.DependsOn, terminal) {
				continue
			}

			if step.Condition != nil {
				pass, err := EvalCondition(step.Condition.When, e.evalContext(runID, terminal))
				if err != nil {
					slog.Warn("Condition evaluation failed, skipping step",
						"run_id", runID, "step_id", step.ID, "error", err)
					pass = false
				}
				if !pass {
					now := time.Now().UTC()
					sr.Status = StepSkipped
					sr.Result = SkipConditionNotMet
					sr.CompletedAt = &now
					if err := e.store.UpdateStepRun(sr); err != nil {
						return err
					}
					slog.Info("Workflow step skipped", "run_id", runID, "step_id", step.ID)
					progressed = true
					continue
				}
			}

			assignee := step.Assign
			if assignee == AssignAuto {
				resolved, ok := "", false
				if e.resolver != nil {
					resolved, ok = e.resolver.Resolve(step.Skills)
				}
				if !ok {
					slog.Warn("No assignee available for auto step, leaving pending",
						"run_id", runID, "step_id", step.ID)
					continue
				}
				assignee = resolved
			}

			now := time.Now().UTC()
			sr.Status = StepAssigned
			sr.AssignedTo = assignee
			sr.StartedAt = &now
			if err := e.store.UpdateStepRun(sr); err != nil {
				return err
			}
			slog.Info("Workflow step assigned", "run_id", runID, "step_id", step.ID, "assignee", assignee)
			e.bus.Emit(events.Event{Type: events.WorkflowStepStarted, Agent: assignee, Data: map[string]any{
				"runId":   runID,
				"stepId":  step.ID,
				"attempt": sr.Attempt,
			}})
			progressed = true
		}

		if !progressed {
			return e.finalizeIfDoneLocked(runID, def)
		}
		// A skip may have unblocked downstream steps; take another pass.
	}
}

func (e *Engine) finalizeIfDoneLocked(runID string, def *Definition) error {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status != RunRunning {
		return nil
	}
	steps, err := e.store.StepRuns(runID)
	if err != nil {
		return err
	}

	anyFailed := false
	participants := make(map[string]struct{})
	for _, sr := range steps {
		if !sr.Status.Terminal() {
			return nil
		}
		if sr.Status == StepFailed {
			anyFailed = true
		}
		if sr.AssignedTo != "" {
			participants[sr.AssignedTo] = struct{}{}
		}
	}

	now := time.Now().UTC()
	run.CompletedAt = &now
	switch {
	case anyFailed:
		run.Status = RunFailed
	case def.Retro && len(participants) > 0 && e.retro != nil:
		run.Status = RunRetroInProgress
		names := make([]string, 0, len(participants))
		for p := range participants {
			names = append(names, p)
		}
		retroID, err := e.retro.StartRetro(runID, names)
		if err != nil {
			slog.Error("Failed to start retro", "run_id", runID, "error", err)
		} else {
			run.RetroID = retroID
		}
	default:
		run.Status = RunCompleted
	}
	if err := e.store.UpdateRun(run); err != nil {
		return err
	}

	slog.Info("Workflow finished", "run_id", runID, "status", run.Status)
	e.bus.Emit(events.Event{Type: events.WorkflowCompleted, Data: map[string]any{
		"runId":  runID,
		"status": string(run.Status),
	}})
	return nil
}

// abortLocked skips everything non-terminal and fails the run.
func (e *Engine) abortLocked(runID string) error {
	steps, err := e.store.StepRuns(runID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, sr := range steps {
		if sr.Status.Terminal() {
			continue
		}
		sr.Status = StepSkipped
		sr.Result = SkipAborted
		sr.CompletedAt = &now
		if err := e.store.UpdateStepRun(sr); err != nil {
			return err
		}
	}
	run, err := e.store.GetRun(runID)
	if err != nil {
		return err
	}
	run.Status = RunFailed
	run.CompletedAt = &now
	if err := e.store.UpdateRun(run); err != nil {
		return err
	}

	slog.Warn("Workflow aborted", "run_id", runID)
	e.bus.Emit(events.Event{Type: events.WorkflowCompleted, Data: map[string]any{
		"runId":  runID,
		"status": string(RunFailed),
	}})
	return nil
}

func (e *Engine) evalContext(runID string, terminal map[string]StepRun) EvalContext {
	run, err := e.store.GetRun(runID)
	if err != nil {
		run = Run{}
	}
	facts := make(map[string]StepFacts, len(terminal))
	for stepID, sr := range terminal {
		var durationMs int64
		if sr.StartedAt != nil && sr.CompletedAt != nil {
			durationMs = sr.CompletedAt.Sub(*sr.StartedAt).Milliseconds()
		}
		facts[stepID] = StepFacts{Result: sr.Result, DurationMs: durationMs, Assignee: sr.AssignedTo}
	}
	return EvalContext{Steps: facts, Trigger: run.TriggerContext}
}

func (e *Engine) findStepRun(runID, stepID string) (StepRun, error) {
	steps, err := e.store.StepRuns(runID)
	if err != nil {
		return StepRun{}, err
	}
	for _, sr := range steps {
		if sr.StepID == stepID {
			return sr, nil
		}
	}
	return StepRun{}, fmt.Errorf("%w: step %q in run %q", ErrRunNotFound, stepID, runID)
}

func depsSatisfied(deps []string, terminal map[string]StepRun) bool {
	for _, d := range deps {
		if _, ok := terminal[d]; !ok {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
