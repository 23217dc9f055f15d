package run

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the control plane. All metrics
// are namespaced "runplane".
//
// Gauges track the live population (active runs, pending approvals);
// counters accumulate lifecycle outcomes, transitions, approval
// resolutions, tool calls, retries, and spend; the histograms capture
// phase durations and event append latency.
//
// Expose the registry with promhttp:
//
//	registry := prometheus.NewRegistry()
//	metrics := run.NewMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// All methods are safe for concurrent use. A nil *Metrics is valid and
// records nothing, so callers never need to guard call sites.
type Metrics struct {
	activeRuns       prometheus.Gauge
	pendingApprovals prometheus.Gauge

	runsTotal           *prometheus.CounterVec
	phaseTransitions    *prometheus.CounterVec
	approvalResolutions *prometheus.CounterVec
	toolCalls           *prometheus.CounterVec
	retries             *prometheus.CounterVec
	costCents           *prometheus.CounterVec

	phaseDuration *prometheus.HistogramVec
	appendLatency *prometheus.HistogramVec
}

// NewMetrics creates and registers the control plane metrics. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for isolation.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{}

	m.activeRuns = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "runplane",
		Name:      "active_runs",
		Help:      "Number of runs currently in a non-terminal state",
	})

	m.pendingApprovals = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "runplane",
		Name:      "pending_approvals",
		Help:      "Number of approval checkpoints awaiting resolution",
	})

	m.runsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runplane",
		Name:      "runs_total",
		Help:      "Runs that reached a terminal state, by template and outcome",
	}, []string{"template_id", "outcome"}) // outcome: completed, failed, cancelled, timeout

	m.phaseTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runplane",
		Name:      "phase_transitions_total",
		Help:      "State machine transitions taken, by edge",
	}, []string{"from", "to"})

	m.approvalResolutions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runplane",
		Name:      "approval_resolutions_total",
		Help:      "Approval checkpoint resolutions, by action and source",
	}, []string{"action", "source"}) // action: approved, rejected, timeout

	m.toolCalls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runplane",
		Name:      "tool_calls_total",
		Help:      "Tool calls dispatched to the sandbox, by tool and result",
	}, []string{"tool_name", "status"}) // status: success, error, blocked

	m.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runplane",
		Name:      "retries_total",
		Help:      "Retry attempts scheduled by the error handler, by category",
	}, []string{"category"})

	m.costCents = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runplane",
		Name:      "cost_cents_total",
		Help:      "Cost accrued across runs in cents, by workspace and kind",
	}, []string{"workspace_id", "kind"})

	m.phaseDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "runplane",
		Name:      "phase_duration_seconds",
		Help:      "Time spent in each work phase before transitioning out",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
	}, []string{"phase"})

	m.appendLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "runplane",
		Name:      "event_append_latency_ms",
		Help:      "Event log append duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
	}, []string{"backend"})

	return m
}

// RunStarted increments the active run gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

// RunFinished decrements the active run gauge and counts the terminal
// outcome.
func (m *Metrics) RunFinished(templateID string, outcome State) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(templateID, string(outcome)).Inc()
}

// Transition counts one state machine edge and, when leaving a work phase,
// records how long the run spent there.
func (m *Metrics) Transition(from, to State, inPhase time.Duration) {
	if m == nil {
		return
	}
	m.phaseTransitions.WithLabelValues(string(from), string(to)).Inc()
	if inPhase > 0 && from.Resumable() {
		m.phaseDuration.WithLabelValues(string(from)).Observe(inPhase.Seconds())
	}
}

// ApprovalPending adjusts the pending approval gauge by delta.
func (m *Metrics) ApprovalPending(delta int) {
	if m == nil {
		return
	}
	m.pendingApprovals.Add(float64(delta))
}

// ApprovalResolved counts a checkpoint resolution.
func (m *Metrics) ApprovalResolved(action AuditAction, source AuditSource) {
	if m == nil {
		return
	}
	m.approvalResolutions.WithLabelValues(string(action), string(source)).Inc()
}

// ToolCall counts a dispatched (or blocked) tool call.
func (m *Metrics) ToolCall(toolName, status string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(toolName, status).Inc()
}

// Retry counts a retry scheduled by the error handler.
func (m *Metrics) Retry(category ErrorCategory) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(string(category)).Inc()
}

// CostAccrued counts spend in cents.
func (m *Metrics) CostAccrued(workspaceID string, kind CostKind, cents int64) {
	if m == nil {
		return
	}
	m.costCents.WithLabelValues(workspaceID, string(kind)).Add(float64(cents))
}

// AppendObserved records one event log append duration.
func (m *Metrics) AppendObserved(backend string, d time.Duration) {
	if m == nil {
		return
	}
	m.appendLatency.WithLabelValues(backend).Observe(float64(d.Milliseconds()))
}
