// Package metrics exposes Prometheus collectors for the coordinator. Every
// method is safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "robot_orch"

// Metrics holds the coordinator's collectors
type Metrics struct {
	robots         *prometheus.GaugeVec
	transitions    *prometheus.CounterVec
	dispatches     *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	dlq            *prometheus.CounterVec
	admissionDrops *prometheus.CounterVec
	sessions       *prometheus.GaugeVec
}

// MustNew registers the collectors with reg and panics on conflict, mirroring
// promauto. Pass a fresh prometheus.NewRegistry() per coordinator.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		robots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "robots",
			Help:      "Registered robots by status.",
		}, []string{"status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "job_transitions_total",
			Help:      "Job status transitions.",
		}, []string{"from", "to"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "Robot assignment attempts by result.",
		}, []string{"result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "job_duration_seconds",
			Help:      "Time from queueing to a terminal state.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"status"}),
		dlq: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "operations_total",
			Help:      "Dead letter queue operations.",
		}, []string{"op"}),
		admissionDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "rejections_total",
			Help:      "Triggered submissions rejected by admission control.",
		}, []string{"reason"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "sessions",
			Help:      "Open WebSocket sessions by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.robots, m.transitions, m.dispatches, m.jobDuration, m.dlq, m.admissionDrops, m.sessions)
	return m
}

// SetRobots replaces the per-status robot gauge
func (m *Metrics) SetRobots(byStatus map[string]int) {
	if m == nil {
		return
	}
	m.robots.Reset()
	for status, n := range byStatus {
		m.robots.WithLabelValues(status).Set(float64(n))
	}
}

// JobTransition counts one status change
func (m *Metrics) JobTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// DispatchAttempt counts one assignment attempt; result is "assigned",
// "no_robot" or "error".
func (m *Metrics) DispatchAttempt(result string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(result).Inc()
}

// ObserveJobDuration records how long a job held its robot
func (m *Metrics) ObserveJobDuration(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(status).Observe(d.Seconds())
}

// DLQ counts n dead letter operations of the given kind
func (m *Metrics) DLQ(op string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dlq.WithLabelValues(op).Add(float64(n))
}

// AdmissionRejected counts a rejected triggered submission
func (m *Metrics) AdmissionRejected(reason string) {
	if m == nil {
		return
	}
	m.admissionDrops.WithLabelValues(reason).Inc()
}

// SessionOpened increments the open session gauge for kind
func (m *Metrics) SessionOpened(kind string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(kind).Inc()
}

// SessionClosed decrements the open session gauge for kind
func (m *Metrics) SessionClosed(kind string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(kind).Dec()
}
