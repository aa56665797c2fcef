// Package metrics holds the daemon's Prometheus instrumentation. There is
// no scrape endpoint; get_analytics serves snapshots over the RPC socket.
package metrics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the daemon counters and gauges on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Events         *prometheus.CounterVec
	RPCRequests    *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	SLAActions     *prometheus.CounterVec
	AcceptanceRuns *prometheus.CounterVec

	Subscriptions prometheus.Gauge
	Tasks         *prometheus.GaugeVec
}

// New creates and registers the metric set.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubd_events_total",
			Help: "Events emitted on the bus, by type.",
		}, []string{"type"}),
		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubd_rpc_requests_total",
			Help: "RPC requests handled, by request type and outcome.",
		}, []string{"type", "status"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubd_frames_dropped_total",
			Help: "Stream frames dropped, by reason.",
		}, []string{"reason"}),
		SLAActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubd_sla_actions_total",
			Help: "SLA engine actions taken, by action.",
		}, []string{"action"}),
		AcceptanceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hubd_acceptance_runs_total",
			Help: "Acceptance suite runs, by verdict.",
		}, []string{"verdict"}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hubd_subscriptions",
			Help: "Active stream subscriptions.",
		}),
		Tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hubd_tasks",
			Help: "Tasks on the board, by status.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		m.Events, m.RPCRequests, m.FramesDropped,
		m.SLAActions, m.AcceptanceRuns,
		m.Subscriptions, m.Tasks,
	)
	return m
}

// Snapshot gathers the registry into a flat name{labels} → value map for
// the get_analytics reply.
func (m *Metrics) Snapshot() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			key := fam.GetName()
			if labels := metric.GetLabel(); len(labels) > 0 {
				parts := make([]string, 0, len(labels))
				for _, l := range labels {
					parts = append(parts, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
				}
				sort.Strings(parts)
				key += "{" + strings.Join(parts, ",") + "}"
			}
			switch {
			case metric.GetCounter() != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[key] = metric.GetGauge().GetValue()
			}
		}
	}
	return out, nil
}
