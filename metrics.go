package leadflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports engine and sweeper counters. A nil *Metrics is a no-op,
// so instrumentation stays optional.
type Metrics struct {
	threadsStarted prometheus.Counter
	advances       *prometheus.CounterVec
	remindersSent  prometheus.Counter
	sweepDuration  prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		threadsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "leadflow",
			Name:      "threads_started_total",
			Help:      "Number of workflow threads created.",
		}),
		advances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadflow",
			Name:      "advances_total",
			Help:      "Number of Advance calls by outcome.",
		}, []string{"outcome"}),
		remindersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "leadflow",
			Name:      "reminders_sent_total",
			Help:      "Number of reminder resumes injected by the sweeper.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "leadflow",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of sweeper passes.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.threadsStarted, m.advances, m.remindersSent, m.sweepDuration)
	}

	return m
}

func (m *Metrics) threadStarted() {
	if m == nil {
		return
	}
	m.threadsStarted.Inc()
}

func (m *Metrics) advance(outcome Outcome) {
	if m == nil || outcome == "" {
		return
	}
	m.advances.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) reminderSent() {
	if m == nil {
		return
	}
	m.remindersSent.Inc()
}

func (m *Metrics) sweepObserved(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}
