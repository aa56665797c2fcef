// Package daemon wires the hub components together according to the
// feature-flag set and owns their lifecycle: numbered startup, periodic
// timers, the reliability watchdog, and graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agenthub/hubd/pkg/acceptance"
	"github.com/agenthub/hubd/pkg/board"
	"github.com/agenthub/hubd/pkg/breaker"
	"github.com/agenthub/hubd/pkg/config"
	"github.com/agenthub/hubd/pkg/events"
	"github.com/agenthub/hubd/pkg/history"
	"github.com/agenthub/hubd/pkg/knowledge"
	"github.com/agenthub/hubd/pkg/mailbox"
	"github.com/agenthub/hubd/pkg/metrics"
	"github.com/agenthub/hubd/pkg/routing"
	"github.com/agenthub/hubd/pkg/rpc"
	"github.com/agenthub/hubd/pkg/sla"
	"github.com/agenthub/hubd/pkg/trust"
	"github.com/agenthub/hubd/pkg/workflow"
	"github.com/agenthub/hubd/pkg/workspace"
)

// Daemon is one assembled hub instance.
type Daemon struct {
	cfg      *config.Config
	features config.Features

	bus      *events.Bus
	registry *events.Registry
	eventLog *events.Log

	boardStore *board.Store
	machine    *board.Machine
	links      *board.LinkStore
	trustStore *trust.Store
	caps       *routing.Store

	sessions   *sla.MetricsStore
	slaEngine  *sla.Engine
	library    *workflow.Library
	runs       workflow.RunStore
	engine     *workflow.Engine
	retros     *history.RetroStore
	acceptance *acceptance.Runner
	breaker    *breaker.Breaker

	mail       *mailbox.Store
	know       *knowledge.Index
	workspaces *workspace.Manager

	mets     *metrics.Metrics
	archive  *history.Archive
	recorder *history.ActivityRecorder

	server *rpc.Server

	unsubs      []func()
	stopTimers  context.CancelFunc
	timersDone  sync.WaitGroup
	stopOnce    sync.Once
	watchdogErr int // consecutive failed probes
}

// New assembles a daemon from the configuration. Components whose
// feature flag is off are left nil and the RPC layer answers for them.
func New(cfg *config.Config) (*Daemon, error) {
	features, err := cfg.FeatureSet()
	if err != nil {
		return nil, err
	}
	d := &Daemon{cfg: cfg, features: features}

	slog.Info("Step 1/8: preparing state directory", "hub_dir", cfg.HubDir)
	if err := cfg.EnsureHubDir(); err != nil {
		return nil, err
	}

	slog.Info("Step 2/8: opening stores")
	if err := d.initStores(); err != nil {
		return nil, err
	}

	slog.Info("Step 3/8: starting event bus and durable log")
	if err := d.initEvents(); err != nil {
		return nil, err
	}

	slog.Info("Step 4/8: building subscription registry", "streaming", features.Streaming)
	d.initRegistry()

	slog.Info("Step 5/8: opening mailbox, knowledge and workspaces")
	if err := d.initSidecars(); err != nil {
		d.closePartial()
		return nil, err
	}

	slog.Info("Step 6/8: connecting history archive",
		"configured", cfg.History.DatabaseURL != "" && features.Monitoring)
	if err := d.initHistory(); err != nil {
		d.closePartial()
		return nil, err
	}

	slog.Info("Step 7/8: wiring engines")
	if err := d.initEngines(); err != nil {
		d.closePartial()
		return nil, err
	}

	slog.Info("Step 8/8: preparing RPC server", "socket", cfg.SocketPath())
	d.server = rpc.NewServer(rpc.Deps{
		Config:     cfg,
		Features:   features,
		Bus:        d.bus,
		Registry:   d.registry,
		Log:        d.eventLog,
		Board:      d.boardStore,
		Machine:    d.machine,
		Links:      d.links,
		Trust:      d.trustStore,
		Caps:       d.caps,
		SLA:        d.slaEngine,
		Sessions:   d.sessions,
		Library:    d.library,
		Workflow:   d.engine,
		Runs:       d.runs,
		Acceptance: d.acceptance,
		Breaker:    d.breaker,
		Mailbox:    d.mail,
		Knowledge:  d.know,
		Workspaces: d.workspaces,
		Metrics:    d.mets,
	})
	return d, nil
}

func (d *Daemon) initStores() error {
	d.boardStore = board.NewStore(d.cfg.TasksPath(), d.cfg.Board.LockTTL)
	d.machine = &board.Machine{EscalationThreshold: d.cfg.Board.RejectionEscalationThreshold}
	d.links = board.NewLinkStore(d.cfg.ExternalLinksPath())

	if d.features.Trust {
		store, err := trust.NewStore(d.cfg.TrustPath())
		if err != nil {
			return err
		}
		d.trustStore = store
	}
	if d.features.CapabilityRouting {
		store, err := routing.NewStore(d.cfg.CapabilitiesPath())
		if err != nil {
			return err
		}
		d.caps = store
	}
	return nil
}

func (d *Daemon) initEvents() error {
	d.bus = events.NewBus(d.cfg.Stream.MaxRecentEvents)

	log, err := events.OpenLog(d.cfg.EventLogPath(), d.cfg.EventLog.MaxBytes, d.cfg.EventLog.MaxAge)
	if err != nil {
		return err
	}
	d.eventLog = log
	d.unsubs = append(d.unsubs, log.Attach(d.bus))

	if d.features.Monitoring {
		d.mets = metrics.New()
		d.unsubs = append(d.unsubs, d.bus.On(events.Wildcard, func(e events.Event) {
			d.mets.Events.WithLabelValues(e.Type).Inc()
		}))
		d.unsubs = append(d.unsubs, d.bus.On(events.TaskVerified, func(e events.Event) {
			verdict := "failed"
			if passed, _ := e.Data["passed"].(bool); passed {
				verdict = "passed"
			}
			d.mets.AcceptanceRuns.WithLabelValues(verdict).Inc()
		}))
	}
	return nil
}

func (d *Daemon) initRegistry() {
	rc := events.RegistryConfig{
		MaxPendingWrites:  d.cfg.Stream.MaxPendingWrites,
		DrainTimeout:      d.cfg.Stream.DrainTimeout,
		HeartbeatInterval: d.cfg.Stream.HeartbeatInterval,
		MaxChunkBytes:     d.cfg.Server.MaxStreamChunkBytes,
	}
	if d.mets != nil {
		rc.OnDrop = func(reason string) {
			d.mets.FramesDropped.WithLabelValues(reason).Inc()
		}
	}
	d.registry = events.NewRegistry(rc)
	if d.features.Streaming {
		d.unsubs = append(d.unsubs, d.bus.On(events.Wildcard, d.registry.Broadcast))
	}
}

func (d *Daemon) initSidecars() error {
	mail, err := mailbox.Open(d.cfg.MailboxPath())
	if err != nil {
		return fmt.Errorf("open mailbox: %w", err)
	}
	d.mail = mail

	if d.features.KnowledgeIndex {
		know, err := knowledge.Open(d.cfg.KnowledgePath())
		if err != nil {
			return fmt.Errorf("open knowledge index: %w", err)
		}
		d.know = know
	}
	d.workspaces = workspace.NewManager(d.cfg.WorkspacesDir(), d.cfg.WorkspacesIndexPath())
	return nil
}

func (d *Daemon) initEngines() error {
	if d.features.Sessions {
		d.sessions = sla.NewMetricsStore()
	}
	if d.features.SLAEngine {
		d.slaEngine = sla.New(d.cfg.SLA, d.boardStore, d.bus, sessionSource(d.sessions))
	}

	if d.features.CircuitBreaker {
		d.breaker = breaker.New(breaker.Config{
			FailureThreshold: d.cfg.Breaker.FailureThreshold,
			FailureWindow:    d.cfg.Breaker.FailureWindow,
			Quarantine:       d.cfg.Breaker.Quarantine,
		}, d.boardStore, d.machine, d.bus)
		d.unsubs = append(d.unsubs, d.bus.On(events.TaskRejected, d.onFailureEvent("task_rejected")))
		d.unsubs = append(d.unsubs, d.bus.On(events.WorkflowStepFailed, d.onFailureEvent("workflow_step_failed")))
	}

	if d.features.Workflow {
		library, err := workflow.NewLibrary(d.cfg.WorkflowsDir())
		if err != nil {
			return fmt.Errorf("load workflows: %w", err)
		}
		d.library = library

		var retro workflow.RetroRecorder
		if d.features.Retro {
			// Archive may be nil; the store then keeps retros in memory.
			d.retros = history.NewRetroStore(d.archive)
			retro = d.retros
		}
		var resolver workflow.AssigneeResolver
		if d.caps != nil {
			resolver = &capResolver{caps: d.caps, board: d.boardStore, breaker: d.breaker}
		}
		d.runs = workflow.NewMemoryRunStore()
		d.engine = workflow.NewEngine(d.runs, d.bus, resolver, retro)
	}

	if d.features.AutoAcceptance {
		var gate acceptance.FrictionGate
		if d.features.CognitiveFriction {
			gate = acceptance.HeuristicGate{}
		}
		d.acceptance = acceptance.NewRunner(
			d.cfg.Acceptance, d.boardStore, d.machine, d.trustStore, d.bus, d.mail, gate, nil)
	}
	return nil
}

func (d *Daemon) initHistory() error {
	if d.cfg.History.DatabaseURL == "" || !d.features.Monitoring {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	archive, err := history.Open(ctx, d.cfg.History.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open history archive: %w", err)
	}
	d.archive = archive
	d.recorder = history.NewActivityRecorder(archive)
	d.recorder.Attach(d.bus)
	return nil
}

// Start binds the socket and launches the periodic machinery.
func (d *Daemon) Start() error {
	if err := d.server.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.stopTimers = cancel

	if d.slaEngine != nil {
		d.slaEngine.Start(ctx)
		d.startTimer(ctx, d.cfg.SLA.CheckInterval, func(now time.Time) {
			if _, err := d.slaEngine.EvaluateAdaptive(now); err != nil {
				slog.Error("Adaptive SLA sweep failed", "error", err)
			}
		})
	}
	if d.cfg.EventLog.PruneInterval > 0 {
		d.startTimer(ctx, d.cfg.EventLog.PruneInterval, func(time.Time) {
			if n, err := d.eventLog.Prune(); err != nil {
				slog.Error("Event log prune failed", "error", err)
			} else if n > 0 {
				slog.Info("Event log pruned", "dropped", n)
			}
		})
	}
	if d.features.Reliability && d.cfg.Watchdog.Interval > 0 {
		d.startTimer(ctx, d.cfg.Watchdog.Interval, d.watchdogTick)
	}
	if d.library != nil && d.cfg.Workflow.Watch {
		if err := d.library.Watch(); err != nil {
			slog.Warn("Workflow hot reload unavailable", "error", err)
		}
	}

	slog.Info("Hub daemon ready", "hub_dir", d.cfg.HubDir)
	return nil
}

// Stop tears the daemon down in reverse dependency order. Idempotent.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		slog.Info("Shutting down hub daemon")
		d.server.Stop()
		if d.stopTimers != nil {
			d.stopTimers()
		}
		waitWithBudget("timers", d.timersDone.Wait, 5*time.Second)
		if d.slaEngine != nil {
			d.slaEngine.Stop()
		}
		if d.acceptance != nil {
			// Acceptance suites may be mid-command; give them the suite
			// timeout plus slack before abandoning the wait.
			waitWithBudget("acceptance", d.acceptance.Wait, d.cfg.Acceptance.SuiteTimeout+5*time.Second)
		}
		if d.library != nil {
			d.library.Close()
		}
		d.registry.Destroy()
		for _, unsub := range d.unsubs {
			unsub()
		}
		if d.recorder != nil {
			d.recorder.Stop()
		}
		d.closePartial()
		slog.Info("Hub daemon stopped")
	})
}

// closePartial releases file-backed resources; safe on a half-built
// daemon during failed startup.
func (d *Daemon) closePartial() {
	if d.eventLog != nil {
		if err := d.eventLog.Close(); err != nil {
			slog.Warn("Failed to close event log", "error", err)
		}
		d.eventLog = nil
	}
	if d.mail != nil {
		if err := d.mail.Close(); err != nil {
			slog.Warn("Failed to close mailbox", "error", err)
		}
		d.mail = nil
	}
	if d.know != nil {
		if err := d.know.Close(); err != nil {
			slog.Warn("Failed to close knowledge index", "error", err)
		}
		d.know = nil
	}
	if d.archive != nil {
		if err := d.archive.Close(); err != nil {
			slog.Warn("Failed to close history archive", "error", err)
		}
		d.archive = nil
	}
}

// waitWithBudget runs a blocking wait with a timeout budget so one stuck
// component cannot hang the whole shutdown.
func waitWithBudget(name string, wait func(), budget time.Duration) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(budget):
		slog.Warn("Shutdown budget exceeded, abandoning wait", "component", name, "budget", budget)
	}
}

func (d *Daemon) startTimer(ctx context.Context, interval time.Duration, tick func(time.Time)) {
	d.timersDone.Add(1)
	go func() {
		defer d.timersDone.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				tick(now.UTC())
			}
		}
	}()
}

func (d *Daemon) onFailureEvent(trigger string) events.Handler {
	return func(e events.Event) {
		if e.Agent == "" {
			return
		}
		if _, err := d.breaker.RecordFailure(e.Agent, trigger); err != nil {
			slog.Error("Circuit breaker bookkeeping failed", "agent", e.Agent, "error", err)
		}
	}
}

// sessionSource keeps the SLA engine's metrics source nil-safe: a typed
// nil *MetricsStore inside the interface would defeat its nil check.
func sessionSource(s *sla.MetricsStore) sla.SessionMetricsSource {
	if s == nil {
		return nil
	}
	return s
}

// capResolver answers the workflow engine's "auto" assignments with the
// top-ranked capability, quarantined accounts excluded.
type capResolver struct {
	caps    *routing.Store
	board   *board.Store
	breaker *breaker.Breaker
}

func (r *capResolver) Resolve(requiredSkills []string) (string, bool) {
	caps := r.caps.All()
	if len(caps) == 0 {
		return "", false
	}
	var exclude []string
	if r.breaker != nil {
		exclude = r.breaker.QuarantinedAccounts()
	}
	now := time.Now().UTC()
	var workload map[string]routing.Workload
	if b, err := r.board.Load(); err == nil {
		workload = routing.Workloads(b.Tasks, now)
	}
	results := routing.Rank(caps, requiredSkills, routing.RankOptions{
		ExcludeAccounts: exclude,
		Workload:        workload,
		Now:             now,
	})
	if len(results) == 0 {
		return "", false
	}
	return results[0].AccountName, true
}
