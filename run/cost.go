package run

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CostKind classifies a cost entry.
type CostKind string

const (
	CostCompute     CostKind = "e2b_compute"
	CostClaudeAPI   CostKind = "claude_api"
	CostExternalAPI CostKind = "external_api"
)

// CostEntry is one recorded charge against a run.
type CostEntry struct {
	EntryID     string            `json:"entry_id"`
	RunID       string            `json:"run_id"`
	Kind        CostKind          `json:"kind"`
	AmountCents int64             `json:"amount_cents"`
	Description string            `json:"description,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Budget carries the spending caps the tracker enforces. A zero limit
// means unlimited. WarnThreshold is the fraction of a limit at which a
// warning is raised; zero selects the 0.8 default.
type Budget struct {
	DayLimitCents   int64
	MonthLimitCents int64
	WarnThreshold   float64
}

// BudgetError reports a charge that would push a total past its cap.
// Totals are left untouched when it is returned.
type BudgetError struct {
	Limit          string // "run", "day", or "month"
	CapCents       int64
	ProjectedCents int64
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("cost: %s budget exceeded: projected %d cents over cap %d", e.Limit, e.ProjectedCents, e.CapCents)
}

// Charge is the input to Tracker.Add. RunLimitCents is the per-run cap
// from the contract snapshot; zero means the run has no cap.
type Charge struct {
	RunID         string
	WorkspaceID   string
	Kind          CostKind
	AmountCents   int64
	Description   string
	Metadata      map[string]string
	RunLimitCents int64
}

// CostStatus is the snapshot returned after a successful Add, taken inside
// the same critical section as the mutation.
type CostStatus struct {
	RunTotalCents   int64
	DayTotalCents   int64
	MonthTotalCents int64
	Warnings        []string
}

// Tracker accumulates per-run cost entries and per-workspace rolling
// totals, enforcing budgets before mutating.
//
// Workspace totals are the only cross-run shared state in the control
// plane, so every mutation and read goes through the tracker's lock.
type Tracker struct {
	mu          sync.Mutex
	budget      Budget
	entries     map[string][]CostEntry
	runTotals   map[string]CostBreakdown
	dayTotals   map[string]int64 // workspace|YYYY-MM-DD
	monthTotals map[string]int64 // workspace|YYYY-MM
	now         func() time.Time
}

// NewTracker creates a tracker enforcing the given workspace budget.
func NewTracker(budget Budget) *Tracker {
	if budget.WarnThreshold <= 0 {
		budget.WarnThreshold = 0.8
	}
	return &Tracker{
		budget:      budget,
		entries:     make(map[string][]CostEntry),
		runTotals:   make(map[string]CostBreakdown),
		dayTotals:   make(map[string]int64),
		monthTotals: make(map[string]int64),
		now:         time.Now,
	}
}

func dayKey(workspace string, t time.Time) string {
	return workspace + "|" + t.UTC().Format("2006-01-02")
}

func monthKey(workspace string, t time.Time) string {
	return workspace + "|" + t.UTC().Format("2006-01")
}

// Add records a charge. Projected totals are checked against every
// configured cap first; a breach returns a *BudgetError and leaves all
// totals unchanged. Landing exactly on a cap is allowed. Crossing the
// warning threshold of any cap adds a warning to the returned status.
func (t *Tracker) Add(ch Charge) (CostStatus, error) {
	if ch.AmountCents < 0 {
		return CostStatus{}, fmt.Errorf("cost: negative amount %d", ch.AmountCents)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	dk := dayKey(ch.WorkspaceID, now)
	mk := monthKey(ch.WorkspaceID, now)

	runTotal := t.runTotals[ch.RunID].TotalCents + ch.AmountCents
	dayTotal := t.dayTotals[dk] + ch.AmountCents
	monthTotal := t.monthTotals[mk] + ch.AmountCents

	switch {
	case ch.RunLimitCents > 0 && runTotal > ch.RunLimitCents:
		return CostStatus{}, &BudgetError{Limit: "run", CapCents: ch.RunLimitCents, ProjectedCents: runTotal}
	case t.budget.DayLimitCents > 0 && dayTotal > t.budget.DayLimitCents:
		return CostStatus{}, &BudgetError{Limit: "day", CapCents: t.budget.DayLimitCents, ProjectedCents: dayTotal}
	case t.budget.MonthLimitCents > 0 && monthTotal > t.budget.MonthLimitCents:
		return CostStatus{}, &BudgetError{Limit: "month", CapCents: t.budget.MonthLimitCents, ProjectedCents: monthTotal}
	}

	entry := CostEntry{
		EntryID:     uuid.NewString(),
		RunID:       ch.RunID,
		Kind:        ch.Kind,
		AmountCents: ch.AmountCents,
		Description: ch.Description,
		Timestamp:   now,
		Metadata:    ch.Metadata,
	}
	t.entries[ch.RunID] = append(t.entries[ch.RunID], entry)

	bd := t.runTotals[ch.RunID]
	if ch.Kind == CostCompute {
		bd.ComputeCents += ch.AmountCents
	} else {
		bd.APICents += ch.AmountCents
	}
	bd.TotalCents = bd.ComputeCents + bd.APICents
	t.runTotals[ch.RunID] = bd

	t.dayTotals[dk] = dayTotal
	t.monthTotals[mk] = monthTotal

	status := CostStatus{
		RunTotalCents:   bd.TotalCents,
		DayTotalCents:   dayTotal,
		MonthTotalCents: monthTotal,
	}
	status.Warnings = t.warningsLocked(ch.RunLimitCents, bd.TotalCents, dayTotal, monthTotal)
	return status, nil
}

func (t *Tracker) warningsLocked(runCap, runTotal, dayTotal, monthTotal int64) []string {
	var warnings []string
	check := func(name string, cap, total int64) {
		if cap <= 0 {
			return
		}
		if float64(total) >= t.budget.WarnThreshold*float64(cap) {
			warnings = append(warnings, fmt.Sprintf("%s spend at %d of %d cents", name, total, cap))
		}
	}
	check("run", runCap, runTotal)
	check("day", t.budget.DayLimitCents, dayTotal)
	check("month", t.budget.MonthLimitCents, monthTotal)
	return warnings
}

// Breakdown returns the run's accumulated totals.
func (t *Tracker) Breakdown(runID string) CostBreakdown {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runTotals[runID]
}

// Entries returns a copy of the run's cost entries in append order.
func (t *Tracker) Entries(runID string) []CostEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := make([]CostEntry, len(t.entries[runID]))
	copy(entries, t.entries[runID])
	return entries
}

// WorkspaceTotals returns the workspace's current day and month totals.
func (t *Tracker) WorkspaceTotals(workspace string) (dayCents, monthCents int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	return t.dayTotals[dayKey(workspace, now)], t.monthTotals[monthKey(workspace, now)]
}

// ClearRun drops a run's entries and totals. Workspace rolling totals are
// historical spend and are kept.
func (t *Tracker) ClearRun(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, runID)
	delete(t.runTotals, runID)
}

// Rates are the unit prices the estimator uses, in cents. The token rates
// are per 1K tokens.
type Rates struct {
	InputCentsPer1K       float64
	OutputCentsPer1K      float64
	ComputeCentsPerMinute float64
	ExternalCentsPerCall  float64
}

// DefaultRates matches published Sonnet-class API pricing plus a modest
// sandbox compute rate.
var DefaultRates = Rates{
	InputCentsPer1K:       0.3,
	OutputCentsPer1K:      1.5,
	ComputeCentsPerMinute: 2,
	ExternalCentsPerCall:  1,
}

// EstimateInput describes a run before it starts. ExpectedOutputTokens
// defaults to three times GoalTokens when zero.
type EstimateInput struct {
	GoalTokens           int64
	ExpectedOutputTokens int64
	EstimatedMinutes     float64
	ExpectedToolCalls    int
}

// Estimate is a pre-run cost projection with ±30% bounds around the
// central figure.
type Estimate struct {
	LowCents      int64
	ExpectedCents int64
	HighCents     int64
}

// EstimateCost projects a run's cost from its shape. Zero-value rates
// fields fall back to DefaultRates.
func EstimateCost(in EstimateInput, r Rates) Estimate {
	if r == (Rates{}) {
		r = DefaultRates
	}
	out := in.ExpectedOutputTokens
	if out == 0 {
		out = 3 * in.GoalTokens
	}

	central := float64(in.GoalTokens)/1000*r.InputCentsPer1K +
		float64(out)/1000*r.OutputCentsPer1K +
		in.EstimatedMinutes*r.ComputeCentsPerMinute +
		float64(in.ExpectedToolCalls)*r.ExternalCentsPerCall

	return Estimate{
		LowCents:      int64(math.Round(central * 0.7)),
		ExpectedCents: int64(math.Round(central)),
		HighCents:     int64(math.Round(central * 1.3)),
	}
}
