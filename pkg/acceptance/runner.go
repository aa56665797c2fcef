package acceptance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agenthub/hubd/pkg/board"
	"github.com/agenthub/hubd/pkg/config"
	"github.com/agenthub/hubd/pkg/events"
	"github.com/agenthub/hubd/pkg/mailbox"
	"github.com/agenthub/hubd/pkg/trust"
)

// ErrNoHandoff is returned when no handoff can be located for the task.
var ErrNoHandoff = errors.New("no handoff found for task")

// HandoffSource locates the handoff backing a review submission.
type HandoffSource interface {
	LatestHandoff(taskID string) (mailbox.Handoff, error)
	LatestHandoffForWorkspace(workspacePath, branch string) (mailbox.Handoff, error)
}

// Acceptance states reported back to the submitter.
const (
	AcceptanceRunning = "running"
	AcceptanceBlocked = "blocked"
)

// Decision is the synchronous part of an acceptance evaluation; the suite
// itself runs in the background and reports over the event stream.
type Decision struct {
	Acceptance string `json:"acceptance"`
	Reason     string `json:"reason,omitempty"`
	Level      string `json:"level,omitempty"`
}

// Runner drives auto-acceptance for tasks entering review.
type Runner struct {
	cfg      config.AcceptanceConfig
	store    *board.Store
	machine  *board.Machine
	trust    *trust.Store
	bus      *events.Bus
	handoffs HandoffSource
	gate     FrictionGate
	exec     CommandRunner

	wg sync.WaitGroup
}

// NewRunner wires the acceptance pipeline. gate may be nil (no friction
// checks); exec nil means ShellRunner.
func NewRunner(cfg config.AcceptanceConfig, store *board.Store, machine *board.Machine,
	trustStore *trust.Store, bus *events.Bus, handoffs HandoffSource,
	gate FrictionGate, exec CommandRunner) *Runner {
	if exec == nil {
		exec = ShellRunner{}
	}
	return &Runner{
		cfg:      cfg,
		store:    store,
		machine:  machine,
		trust:    trustStore,
		bus:      bus,
		handoffs: handoffs,
		gate:     gate,
		exec:     exec,
	}
}

// Wait blocks until in-flight suites finish. Called on shutdown.
func (r *Runner) Wait() { r.wg.Wait() }

// Evaluate starts acceptance for a task sitting in ready_for_review. The
// friction gate runs synchronously; a blocked verdict stops everything.
// Otherwise the suite is launched in the background and the caller gets
// an immediate "running" decision.
func (r *Runner) Evaluate(taskID string) (Decision, error) {
	b, err := r.store.Load()
	if err != nil {
		return Decision{}, err
	}
	t := b.Get(taskID)
	if t == nil {
		return Decision{}, board.ErrNotFound
	}
	if t.Status != board.StatusReadyForReview {
		return Decision{}, fmt.Errorf("task %q is %s, not %s", taskID, t.Status, board.StatusReadyForReview)
	}

	hand, err := r.findHandoff(t)
	if err != nil {
		return Decision{}, err
	}
	payload, err := ParsePayload(hand.Content)
	if err != nil {
		return Decision{}, err
	}

	if r.gate != nil {
		if v := r.gate.Evaluate(payload); v.RequiresHuman {
			slog.Info("Acceptance blocked by friction gate",
				"task_id", taskID, "level", v.Level, "reason", v.Reason)
			r.bus.Emit(events.Event{Type: events.CognitiveFriction, TaskID: taskID, Data: map[string]any{
				"reason": v.Reason,
				"level":  v.Level,
			}})
			return Decision{Acceptance: AcceptanceBlocked, Reason: v.Reason, Level: v.Level}, nil
		}
	}

	delegatee := t.Assignee
	if delegatee == "" {
		delegatee = hand.To
	}
	workspaceDir := hand.WorkspacePath
	if t.WorkspaceContext != nil && t.WorkspaceContext.WorkspacePath != "" {
		workspaceDir = t.WorkspaceContext.WorkspacePath
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runSuite(taskID, hand.From, delegatee, hand.Content, payload.RunCommands, workspaceDir)
	}()
	return Decision{Acceptance: AcceptanceRunning}, nil
}

func (r *Runner) findHandoff(t *board.Task) (mailbox.Handoff, error) {
	hand, err := r.handoffs.LatestHandoff(t.ID)
	if err == nil {
		return hand, nil
	}
	if !errors.Is(err, mailbox.ErrHandoffNotFound) {
		return mailbox.Handoff{}, err
	}
	if wc := t.WorkspaceContext; wc != nil {
		hand, err = r.handoffs.LatestHandoffForWorkspace(wc.WorkspacePath, wc.Branch)
		if err == nil {
			return hand, nil
		}
		if !errors.Is(err, mailbox.ErrHandoffNotFound) {
			return mailbox.Handoff{}, err
		}
	}
	return mailbox.Handoff{}, fmt.Errorf("%w: %s", ErrNoHandoff, t.ID)
}

// runSuite executes the commands and applies the verdict. It never
// returns an error: outcomes and failures travel over the event stream.
func (r *Runner) runSuite(taskID, delegator, delegatee, content string, commands []string, dir string) {
	ctx := context.Background()
	if r.cfg.SuiteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.SuiteTimeout)
		defer cancel()
	}

	r.bus.Emit(events.Event{Type: events.TDDRunStarted, TaskID: taskID, Agent: delegatee, Data: map[string]any{
		"commands":  len(commands),
		"workspace": dir,
	}})

	passed := true
	summary := ""
	ran := 0
	for _, command := range commands {
		command := command
		var onLine LineFunc
		if r.cfg.StreamOutput {
			onLine = func(stream, line string) {
				r.bus.Emit(events.Event{Type: events.TDDTestOutput, TaskID: taskID, Data: map[string]any{
					"command": command,
					"stream":  stream,
					"line":    line,
				}})
			}
		}
		err := r.exec.Run(ctx, dir, command, onLine)
		ran++
		if err != nil {
			passed = false
			summary = fmt.Sprintf("acceptance command failed: %s: %v", command, err)
			break
		}
	}

	r.bus.Emit(events.Event{Type: events.TDDRunCompleted, TaskID: taskID, Agent: delegatee, Data: map[string]any{
		"passed":      passed,
		"commandsRun": ran,
	}})

	verdict := VerdictPassed
	if !passed {
		verdict = VerdictFailed
	}

	var enteredInProgress time.Time
	escalated := false
	err := r.store.Update(func(b *board.Board) error {
		t := b.Get(taskID)
		if t == nil {
			return board.ErrNotFound
		}
		enteredInProgress = t.LastEnteredAt(board.StatusInProgress)
		if passed {
			return r.machine.Accept(t)
		}
		var err error
		escalated, err = r.machine.Reject(t, summary)
		return err
	})
	if err != nil {
		slog.Error("Failed to apply acceptance verdict", "task_id", taskID, "verdict", verdict, "error", err)
		return
	}

	if passed {
		r.bus.Emit(events.Event{Type: events.TaskAccepted, TaskID: taskID, Agent: delegatee})
	} else {
		r.bus.Emit(events.Event{Type: events.TaskRejected, TaskID: taskID, Agent: delegatee, Data: map[string]any{
			"reason": summary,
		}})
		if escalated {
			r.bus.Emit(events.Event{Type: events.TaskEscalated, TaskID: taskID, Agent: delegatee})
		}
	}

	receipt := NewReceipt(taskID, delegator, delegatee, content, verdict)
	r.bus.Emit(events.Event{Type: events.TaskVerified, TaskID: taskID, Agent: delegatee, Data: map[string]any{
		"receipt": receipt,
		"passed":  passed,
	}})

	r.recordTrust(taskID, delegatee, passed, enteredInProgress)
	slog.Info("Acceptance suite finished", "task_id", taskID, "verdict", verdict, "commands_run", ran)
}

func (r *Runner) recordTrust(taskID, delegatee string, passed bool, enteredInProgress time.Time) {
	if r.trust == nil || delegatee == "" {
		return
	}
	outcome := trust.OutcomeCompleted
	reason := "task completed"
	if !passed {
		outcome = trust.OutcomeFailed
		reason = "acceptance suite failed"
	}
	var durationMinutes float64
	if !enteredInProgress.IsZero() {
		durationMinutes = time.Since(enteredInProgress).Minutes()
	}
	rec, delta, err := r.trust.RecordOutcome(delegatee, outcome, durationMinutes)
	if err != nil {
		slog.Error("Failed to record trust outcome", "agent", delegatee, "error", err)
		return
	}
	if delta != 0 {
		r.bus.Emit(events.Event{Type: events.TrustUpdate, TaskID: taskID, Agent: delegatee, Data: map[string]any{
			"delta":  delta,
			"score":  rec.TrustScore,
			"reason": reason,
		}})
	}
}
