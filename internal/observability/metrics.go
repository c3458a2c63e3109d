package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects scheduler counters.
type Metrics struct {
	runs     *prometheus.CounterVec
	hours    *prometheus.CounterVec
	failures *prometheus.CounterVec
	inFlight prometheus.Gauge
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chunkrun_runs_total",
		Help: "Total runs by status transition.",
	}, []string{"status"})
	hours := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chunkrun_simulated_hours_total",
		Help: "Simulated hours completed by phase.",
	}, []string{"phase"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chunkrun_chain_failures_total",
		Help: "Aborted chains by failure kind.",
	}, []string{"kind"})
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chunkrun_runs_in_flight",
		Help: "Chunks currently executing.",
	})

	return &Metrics{
		runs:     register(registerer, runs),
		hours:    register(registerer, hours),
		failures: register(registerer, failures),
		inFlight: register(registerer, inFlight),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) IncRun(status string) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}

func (m *Metrics) AddHours(phase string, hours int64) {
	if m == nil || m.hours == nil || hours <= 0 {
		return
	}
	m.hours.WithLabelValues(phase).Add(float64(hours))
}

func (m *Metrics) IncFailure(kind string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}

func (m *Metrics) RunStarted() {
	if m == nil || m.inFlight == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) RunFinished() {
	if m == nil || m.inFlight == nil {
		return
	}
	m.inFlight.Dec()
}

func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	if err := registerer.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}
