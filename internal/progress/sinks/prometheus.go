package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/localbiz-harvester/internal/progress"
)

// PrometheusSink exports session event metrics via Prometheus. It owns the
// collectors for event counts, records, finished sessions and their runtime.
type PrometheusSink struct {
	events          *prometheus.CounterVec
	logs            *prometheus.CounterVec
	records         prometheus.Counter
	sessionsRunning prometheus.Gauge
	sessionsDone    *prometheus.CounterVec
	sessionRuntime  *prometheus.HistogramVec

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_events_total",
			Help: "Session events delivered to sinks, partitioned by kind.",
		}, []string{"kind"}),
		logs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_log_events_total",
			Help: "Session log events partitioned by severity.",
		}, []string{"severity"}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_records_total",
			Help: "Business records emitted across all sessions.",
		}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_sessions_streaming",
			Help: "Sessions that have emitted events but not finished.",
		}),
		sessionsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_sessions_finished_total",
			Help: "Finished sessions partitioned by final state.",
		}, []string{"state"}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_session_runtime_seconds",
			Help:    "Time between a session's first event and its finished event.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"state"}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.events,
		s.logs,
		s.records,
		s.sessionsRunning,
		s.sessionsDone,
		s.sessionRuntime,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	s.events.WithLabelValues(string(evt.Kind)).Inc()
	if evt.Kind != progress.KindFinished && s.tracker.start(evt.SessionID, evt.TS) {
		s.sessionsRunning.Inc()
	}
	switch evt.Kind {
	case progress.KindLog:
		s.logs.WithLabelValues(string(evt.Severity)).Inc()
	case progress.KindRecord:
		s.records.Inc()
	case progress.KindFinished:
		state := string(evt.State)
		s.sessionsDone.WithLabelValues(state).Inc()
		if started, ok := s.tracker.complete(evt.SessionID); ok {
			s.sessionsRunning.Dec()
			if dur := evt.TS.Sub(started); dur > 0 {
				s.sessionRuntime.WithLabelValues(state).Observe(dur.Seconds())
			}
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[string]time.Time
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[string]time.Time)}
}

func (t *sessionTracker) start(id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = at
	return true
}

func (t *sessionTracker) complete(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	started, ok := t.running[id]
	if !ok {
		return time.Time{}, false
	}
	delete(t.running, id)
	return started, true
}
