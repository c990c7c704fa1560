// Package metrics provides the Prometheus collectors for polling cycles and deliveries.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Delivery outcomes.
const (
	OutcomeSent      = "sent"
	OutcomeDuplicate = "duplicate"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
	OutcomeDead      = "dead_endpoint"
)

// Metrics holds every collector the service exports. A nil *Metrics records nothing.
type Metrics struct {
	CyclesTotal      *prometheus.CounterVec // by result: ok, fetch_error, error
	CycleDuration    prometheus.Histogram
	RowsFetched      prometheus.Gauge
	RowsByTier       *prometheus.GaugeVec
	ChangedKeys      prometheus.Counter
	AlertsTotal      prometheus.Counter
	Deliveries       *prometheus.CounterVec // by endpoint kind and outcome
	DeliveryDuration *prometheus.HistogramVec
	EndpointsPruned  prometheus.Counter
	RefdataStale     prometheus.Gauge
	LastSuccess      prometheus.Gauge
}

// New creates the collectors and registers them with registry.
func New(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dofnotifier_cycles_total",
				Help: "Polling cycles by result",
			},
			[]string{"result"},
		),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dofnotifier_cycle_duration_seconds",
			Help:    "Wall time of one polling cycle",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		RowsFetched: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dofnotifier_rows_fetched",
			Help: "Rows returned by the last successful fetch",
		}),
		RowsByTier: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dofnotifier_rows_by_tier",
				Help: "Rows of the last cycle by classification tier",
			},
			[]string{"tier"},
		),
		ChangedKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dofnotifier_changed_keys_total",
			Help: "Species/location keys reported as changed",
		}),
		AlertsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dofnotifier_alerts_total",
			Help: "Alerts derived from state changes",
		}),
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dofnotifier_deliveries_total",
				Help: "Delivery attempts by endpoint kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dofnotifier_delivery_duration_seconds",
				Help:    "Time taken by one delivery attempt",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		),
		EndpointsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dofnotifier_endpoints_pruned_total",
			Help: "Endpoints deleted after a permanent delivery failure",
		}),
		RefdataStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dofnotifier_refdata_stale",
			Help: "1 when the last reference table reload failed and older tables are in use",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dofnotifier_last_success_timestamp_seconds",
			Help: "Unix time of the last cycle that committed its state",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.CyclesTotal, m.CycleDuration, m.RowsFetched, m.RowsByTier, m.ChangedKeys,
		m.AlertsTotal, m.Deliveries, m.DeliveryDuration, m.EndpointsPruned,
		m.RefdataStale, m.LastSuccess,
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

// ObserveCycle records a finished cycle.
func (m *Metrics) ObserveCycle(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(result).Inc()
	m.CycleDuration.Observe(d.Seconds())
	if result == "ok" {
		m.LastSuccess.SetToCurrentTime()
	}
}

// ObserveRows records the size and tier mix of a fetched row set.
func (m *Metrics) ObserveRows(total int, byTier map[string]int) {
	if m == nil {
		return
	}
	m.RowsFetched.Set(float64(total))
	m.RowsByTier.Reset()
	for tier, n := range byTier {
		m.RowsByTier.WithLabelValues(tier).Set(float64(n))
	}
}

// ObserveDiff records the changed keys and alerts of a cycle.
func (m *Metrics) ObserveDiff(changed, alerts int) {
	if m == nil {
		return
	}
	m.ChangedKeys.Add(float64(changed))
	m.AlertsTotal.Add(float64(alerts))
}

// ObserveDelivery records one delivery attempt.
func (m *Metrics) ObserveDelivery(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.Deliveries.WithLabelValues(kind, outcome).Inc()
	if d > 0 {
		m.DeliveryDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// EndpointPruned records an endpoint deletion.
func (m *Metrics) EndpointPruned() {
	if m == nil {
		return
	}
	m.EndpointsPruned.Inc()
}

// SetRefdataStale records whether stale reference tables are in use.
func (m *Metrics) SetRefdataStale(stale bool) {
	if m == nil {
		return
	}
	if stale {
		m.RefdataStale.Set(1)
		return
	}
	m.RefdataStale.Set(0)
}
