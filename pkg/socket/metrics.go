package socket

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/plugin-socket/api"
)

// Metrics holds the prometheus instruments shared by every socket of a
// runtime. A nil *Metrics records nothing.
type Metrics struct {
	connectAttempts prometheus.Counter
	transitions     *prometheus.CounterVec
	errors          *prometheus.CounterVec
	readBytes       prometheus.Counter
	writtenBytes    prometheus.Counter
	connectDuration prometheus.Histogram
}

// NewMetrics creates the instruments and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "socket",
			Name:      "connect_attempts_total",
			Help:      "Total number of candidate addresses a connect was attempted to.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socket",
			Name:      "state_transitions_total",
			Help:      "Total number of socket state changes by new state.",
		}, []string{"state"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socket",
			Name:      "errors_total",
			Help:      "Total number of socket errors by kind.",
		}, []string{"kind"}),
		readBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "socket",
			Name:      "read_bytes_total",
			Help:      "Total number of bytes received from engines.",
		}),
		writtenBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "socket",
			Name:      "written_bytes_total",
			Help:      "Total number of bytes handed to engines.",
		}),
		connectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "socket",
			Name:      "connect_duration_seconds",
			Help:      "Time from ConnectToHost to Connected.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	for _, c := range []prometheus.Collector{
		m.connectAttempts, m.transitions, m.errors, m.readBytes, m.writtenBytes, m.connectDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) connectAttempt() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
}

func (m *Metrics) stateTransition(state api.SocketState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state.String()).Inc()
}

func (m *Metrics) error(kind api.SocketError) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) read(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.readBytes.Add(float64(n))
}

func (m *Metrics) written(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.writtenBytes.Add(float64(n))
}

func (m *Metrics) connected(start time.Time) {
	if m == nil || start.IsZero() {
		return
	}
	m.connectDuration.Observe(time.Since(start).Seconds())
}

// ErrorsCounter exposes the error counter of kind for tests and diagnostics.
func (m *Metrics) ErrorsCounter(kind api.SocketError) prometheus.Counter {
	return m.errors.WithLabelValues(kind.String())
}

// TransitionsCounter exposes the transition counter of state.
func (m *Metrics) TransitionsCounter(state api.SocketState) prometheus.Counter {
	return m.transitions.WithLabelValues(state.String())
}

// ConnectAttemptsCounter exposes the connect attempt counter.
func (m *Metrics) ConnectAttemptsCounter() prometheus.Counter {
	return m.connectAttempts
}
