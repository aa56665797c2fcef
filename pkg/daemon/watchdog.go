package daemon

import (
	"log/slog"
	"time"

	"github.com/agenthub/hubd/pkg/events"
)

// watchdogTick probes the core components and repairs what it can. A
// board that cannot load is reported but left alone (the file may be
// mid-rewrite by another process holding the lock); a destroyed registry
// is rebuilt so streaming recovers without a daemon restart.
func (d *Daemon) watchdogTick(now time.Time) {
	healthy := true

	b, err := d.boardStore.Load()
	if err != nil {
		healthy = false
		slog.Warn("Watchdog: board probe failed", "error", err)
	} else if d.mets != nil {
		counts := make(map[string]int)
		for _, t := range b.Tasks {
			counts[string(t.Status)]++
		}
		for _, status := range []string{"todo", "in_progress", "ready_for_review", "needs_review", "accepted", "rejected"} {
			d.mets.Tasks.WithLabelValues(status).Set(float64(counts[status]))
		}
	}

	if !d.registry.Alive() {
		healthy = false
		slog.Warn("Watchdog: subscription registry destroyed, rebuilding")
		d.registry.Reset()
		d.bus.Emit(events.Event{
			Type:  events.AccountHealth,
			Agent: "hubd",
			Data: map[string]any{
				"component": "registry",
				"action":    "rebuilt",
				"at":        now,
			},
		})
	}

	if healthy {
		d.watchdogErr = 0
		return
	}
	d.watchdogErr++
	if d.watchdogErr >= 3 {
		slog.Error("Watchdog: repeated probe failures", "consecutive", d.watchdogErr)
	}
}
