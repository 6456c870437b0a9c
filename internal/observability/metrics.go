package observability

import (
	"sync"
	"time"
)

type ActivitySnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type WorkflowSnapshot struct {
	Started   int64 `json:"started"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Canceled  int64 `json:"canceled"`
	Recovered int64 `json:"recovered"`
	Signals   int64 `json:"signals"`
}

type Snapshot struct {
	UptimeSec       int64                       `json:"uptime_sec"`
	TotalActivities int64                       `json:"total_activities"`
	TotalErrors     int64                       `json:"total_errors"`
	InFlight        int64                       `json:"in_flight"`
	RateLimitWaits  int64                       `json:"rate_limit_waits"`
	RateLimitWaitMs int64                       `json:"rate_limit_wait_ms"`
	Workflows       WorkflowSnapshot            `json:"workflows"`
	Lifecycle       *LifecycleSnapshot          `json:"lifecycle,omitempty"`
	Activities      map[string]ActivitySnapshot `json:"activities"`
}

type activityStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	activities     map[string]*activityStats
	workflows      WorkflowSnapshot
	rateLimitWaits int64
	rateLimitWait  time.Duration
	lifecycle      lifecycleStats
}

type CallSpan struct {
	metrics  *Metrics
	activity string
	start    time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:      time.Now(),
		activities: make(map[string]*activityStats),
	}
}

// Start opens a span for one activity execution.
func (m *Metrics) Start(activity string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureActivity(activity)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics:  m,
		activity: activity,
		start:    time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.activity, dur, err != nil)
}

// Observer adapts the metrics to the engine's per-activity hook.
func (m *Metrics) Observer() func(name string) func(error) {
	return func(name string) func(error) {
		span := m.Start(name)
		return span.End
	}
}

func (m *Metrics) WorkflowStarted() { m.addWorkflow(func(w *WorkflowSnapshot) { w.Started++ }) }

func (m *Metrics) WorkflowCompleted() { m.addWorkflow(func(w *WorkflowSnapshot) { w.Completed++ }) }

func (m *Metrics) WorkflowFailed() { m.addWorkflow(func(w *WorkflowSnapshot) { w.Failed++ }) }

func (m *Metrics) WorkflowCanceled() { m.addWorkflow(func(w *WorkflowSnapshot) { w.Canceled++ }) }

func (m *Metrics) WorkflowRecovered() { m.addWorkflow(func(w *WorkflowSnapshot) { w.Recovered++ }) }

func (m *Metrics) SignalDelivered() { m.addWorkflow(func(w *WorkflowSnapshot) { w.Signals++ }) }

func (m *Metrics) addWorkflow(fn func(*WorkflowSnapshot)) {
	if m == nil {
		return
	}
	m.mu.Lock()
	fn(&m.workflows)
	m.mu.Unlock()
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:       int64(now.Sub(m.start).Seconds()),
		Activities:      make(map[string]ActivitySnapshot),
		Workflows:       m.workflows,
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
	}

	for activity, stats := range m.activities {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Activities[activity] = ActivitySnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalActivities += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureActivity(activity string) *activityStats {
	stats, ok := m.activities[activity]
	if !ok {
		stats = &activityStats{}
		m.activities[activity] = stats
	}
	return stats
}

func (m *Metrics) finish(activity string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureActivity(activity)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
