package copilot

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for turns, tools and notices.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	turns          *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	toolCalls      *prometheus.CounterVec
	threadsCreated prometheus.Counter
	notices        *prometheus.CounterVec
}

// MustNewMetrics registers the collectors on reg (the default registerer
// when nil). Registering twice on the same registry reuses the existing
// collectors.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memberclaw",
			Name:      "turns_total",
			Help:      "Inbound messages handled, by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "memberclaw",
			Name:      "turn_duration_seconds",
			Help:      "Time spent running a turn against the assistant.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"status"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memberclaw",
			Name:      "tool_calls_total",
			Help:      "Tool invocations dispatched, by function and status.",
		}, []string{"function", "status"}),
		threadsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memberclaw",
			Name:      "threads_created_total",
			Help:      "Assistant threads created.",
		}),
		notices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memberclaw",
			Name:      "error_notices_total",
			Help:      "Error notices sent or suppressed as duplicates.",
		}, []string{"result"}),
	}

	m.turns = register(reg, m.turns)
	m.turnDuration = register(reg, m.turnDuration)
	m.toolCalls = register(reg, m.toolCalls)
	m.threadsCreated = register(reg, m.threadsCreated)
	m.notices = register(reg, m.notices)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) observeTurn(outcome Outcome) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) observeRun(err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.turnDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) observeTool(function string, failed bool) {
	if m == nil {
		return
	}
	status := "ok"
	if failed {
		status = "error"
	}
	m.toolCalls.WithLabelValues(function, status).Inc()
}

func (m *Metrics) observeThreadCreated() {
	if m == nil {
		return
	}
	m.threadsCreated.Inc()
}

func (m *Metrics) observeNotice(sent bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !sent {
		result = "suppressed"
	}
	m.notices.WithLabelValues(result).Inc()
}
