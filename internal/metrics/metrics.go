// Package metrics exposes Prometheus instruments for reconciliation cycles.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service instruments, registered on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Cycles        *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	Updated       prometheus.Counter
	Errors        prometheus.Counter
	Shocks        prometheus.Counter
	Alerts        prometheus.Counter
	Skipped       *prometheus.CounterVec
	LastSuccess   prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polycal_reconcile_cycles_total",
			Help: "Reconciliation cycles by outcome",
		}, []string{"outcome"}),

		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "polycal_reconcile_cycle_duration_seconds",
			Help:    "Wall time of one reconciliation cycle",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		Updated: f.NewCounter(prometheus.CounterOpts{
			Name: "polycal_markets_updated_total",
			Help: "Market records whose price fields were written",
		}),

		Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "polycal_record_errors_total",
			Help: "Per-record extraction or write failures",
		}),

		Shocks: f.NewCounter(prometheus.CounterOpts{
			Name: "polycal_shocks_total",
			Help: "Probability moves at or above the shock threshold",
		}),

		Alerts: f.NewCounter(prometheus.CounterOpts{
			Name: "polycal_shock_alerts_total",
			Help: "Shock alerts persisted",
		}),

		Skipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polycal_markets_skipped_total",
			Help: "Matched records left unchanged, by reason",
		}, []string{"reason"}),

		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "polycal_reconcile_last_success_timestamp_seconds",
			Help: "Unix time of the last successful cycle",
		}),
	}
}

// Cycle is the per-cycle summary recorded by ObserveCycle.
type Cycle struct {
	Success  bool
	Updated  int
	Errors   int
	Shocks   int
	Alerted  bool
	Skipped  map[string]int
	Duration time.Duration
	At       time.Time
}

func (m *Metrics) ObserveCycle(c Cycle) {
	if m == nil {
		return
	}
	outcome := "failure"
	if c.Success {
		outcome = "success"
		m.LastSuccess.Set(float64(c.At.Unix()))
	}
	m.Cycles.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(c.Duration.Seconds())
	m.Updated.Add(float64(c.Updated))
	m.Errors.Add(float64(c.Errors))
	m.Shocks.Add(float64(c.Shocks))
	if c.Alerted {
		m.Alerts.Inc()
	}
	for reason, n := range c.Skipped {
		m.Skipped.WithLabelValues(reason).Add(float64(n))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
