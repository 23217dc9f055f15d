package trace_test

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dshills/runplane/run"
	"github.com/dshills/runplane/run/contract"
	"github.com/dshills/runplane/run/event"
	"github.com/dshills/runplane/run/trace"
)

var t0 = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func ev(seq int64, offset time.Duration, phase string, p event.Payload) event.Event {
	return event.Event{
		ID:       fmt.Sprintf("ev-%03d", seq),
		RunID:    "run-abc123def456",
		Seq:      seq,
		Time:     t0.Add(offset),
		Phase:    phase,
		Severity: event.SeverityInfo,
		Payload:  p,
	}
}

func sampleRun() *run.Run {
	return &run.Run{
		ID:         "run-abc123def456",
		TemplateID: "weekly-report",
		Contract: &contract.Contract{
			Goal: "Summarize the week",
			SuccessCriteria: []contract.SuccessCriterion{
				{ID: "c1", Description: "report exists", Evidence: contract.EvidenceArtifact},
			},
			Deliverables: []contract.Deliverable{
				{ID: "d1", Kind: "markdown", DestinationPath: "outputs/{year}/{month}/{slug}.md", Required: true},
			},
		},
		State:       run.StateCompleted,
		CreatedAt:   t0,
		StartedAt:   t0,
		CompletedAt: t0.Add(10 * time.Minute),
		Cost:        run.CostBreakdown{TotalCents: 42},
	}
}

func sampleEvents() []event.Event {
	return []event.Event{
		ev(0, 0, "planning", event.PhaseChanged{From: "", To: "planning"}),
		ev(1, 2*time.Minute, "executing", event.PhaseChanged{From: "planning", To: "executing"}),
		ev(2, 3*time.Minute, "executing", event.ToolCalled{CallID: "t1", ToolName: "write_file", FilePath: "report.md"}),
		ev(3, 3*time.Minute+10*time.Second, "executing", event.ToolResult{CallID: "t1", ToolName: "write_file", Success: false, Error: "disk full"}),
		ev(4, 4*time.Minute, "executing", event.ToolCalled{CallID: "t2", ToolName: "write_file", FilePath: "report.md"}),
		ev(5, 4*time.Minute+5*time.Second, "executing", event.ToolResult{CallID: "t2", ToolName: "write_file", Success: true, DurationMS: 120}),
		ev(6, 5*time.Minute, "executing", event.CheckpointRequested{CheckpointID: "cp1", ActionType: "send_email", TimeoutSeconds: 3600, TimeoutAction: "reject"}),
		ev(7, 6*time.Minute, "executing", event.CheckpointApproved{CheckpointID: "cp1", ActorID: "u1", Source: "web"}),
		ev(8, 7*time.Minute, "verifying", event.PhaseChanged{From: "executing", To: "verifying"}),
		ev(9, 10*time.Minute, "completed", event.RunCompleted{ArtifactCount: 1, TotalCostCents: 42, DurationMS: 600000}),
	}
}

func TestAssembleBundle(t *testing.T) {
	b := trace.Assemble(sampleRun(), sampleEvents(), []string{"tool write_file flaked once"})

	if b.Front.RunID != "run-abc123def456" || b.Front.Goal != "Summarize the week" {
		t.Fatalf("frontmatter = %+v", b.Front)
	}
	if b.Front.Outcome != "completed" || b.Front.CostCents != 42 {
		t.Errorf("outcome = %s, cost = %d", b.Front.Outcome, b.Front.CostCents)
	}

	if len(b.Phases) != 3 {
		t.Fatalf("phases = %+v", b.Phases)
	}
	if b.Phases[0].Phase != "planning" || b.Phases[0].Duration != 2*time.Minute {
		t.Errorf("planning summary = %+v", b.Phases[0])
	}
	if b.Phases[1].Phase != "executing" || b.Phases[1].ToolCalls != 2 || b.Phases[1].Duration != 5*time.Minute {
		t.Errorf("executing summary = %+v", b.Phases[1])
	}
	if b.Phases[2].Phase != "verifying" || b.Phases[2].Duration != 3*time.Minute {
		t.Errorf("verifying summary = %+v", b.Phases[2])
	}

	if len(b.Decisions) != 2 {
		t.Errorf("decisions = %v", b.Decisions)
	}
	if len(b.Errors) != 1 || !strings.Contains(b.Errors[0], "disk full") {
		t.Errorf("errors = %v", b.Errors)
	}
	if len(b.Recoveries) != 1 {
		t.Errorf("recoveries = %v", b.Recoveries)
	}

	var types []string
	for _, rec := range b.Records {
		types = append(types, rec.Type)
	}
	want := []string{
		trace.RecordContract,
		trace.RecordPhaseStart, // planning
		trace.RecordPhaseEnd, trace.RecordPhaseStart, // executing
		trace.RecordToolCall, trace.RecordToolResult, trace.RecordError,
		trace.RecordToolCall, trace.RecordToolResult, trace.RecordRecovery,
		trace.RecordDecision, trace.RecordDecision,
		trace.RecordPhaseEnd, trace.RecordPhaseStart, // verifying
		trace.RecordPhaseEnd, trace.RecordRunComplete,
		trace.RecordCalibrationSeed,
	}
	if len(types) != len(want) {
		t.Fatalf("record types = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("record[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestAssembleFailedRun(t *testing.T) {
	r := sampleRun()
	r.State = run.StateFailed
	events := []event.Event{
		ev(0, 0, "planning", event.PhaseChanged{From: "", To: "planning"}),
		ev(1, time.Minute, "failed", event.RunFailed{
			ErrorType: "sandbox_crash", ErrorMessage: "The sandbox crashed.", Recoverable: true,
		}),
	}
	b := trace.Assemble(r, events, nil)

	if b.Front.Outcome != "failed" {
		t.Errorf("outcome = %s", b.Front.Outcome)
	}
	last := b.Records[len(b.Records)-1]
	if last.Type != trace.RecordRunFailed {
		t.Errorf("last record = %s", last.Type)
	}
	if len(b.Errors) != 1 || b.Errors[0] != "The sandbox crashed." {
		t.Errorf("errors = %v", b.Errors)
	}
}

func TestWriteTrace(t *testing.T) {
	root := t.TempDir()
	w := trace.NewWriter(root)

	b := trace.Assemble(sampleRun(), sampleEvents(), nil)
	mdPath, jsonlPath, err := w.Write(b)
	if err != nil {
		t.Fatal(err)
	}

	wantDir := filepath.Join(root, "traces", "2026", "03")
	if filepath.Dir(mdPath) != wantDir || filepath.Dir(jsonlPath) != wantDir {
		t.Fatalf("paths = %s, %s", mdPath, jsonlPath)
	}
	if filepath.Base(mdPath) != "run-abc123def456.md" {
		t.Errorf("md name = %s", filepath.Base(mdPath))
	}

	md, err := os.ReadFile(mdPath)
	if err != nil {
		t.Fatal(err)
	}
	text := string(md)
	if !strings.HasPrefix(text, "---\n") {
		t.Error("missing frontmatter delimiter")
	}
	for _, want := range []string{
		"run_id: run-abc123def456",
		"template: weekly-report",
		"outcome: completed",
		"cost_cents: 42",
		"## Contract",
		"## Phases",
		"| executing |",
		"## Decisions",
		"## Errors & Recoveries",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("markdown missing %q", want)
		}
	}

	raw, err := os.ReadFile(jsonlPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) != len(b.Records) {
		t.Fatalf("jsonl lines = %d, want %d", len(lines), len(b.Records))
	}
	for i, line := range lines {
		var rec trace.Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if rec.Type != b.Records[i].Type {
			t.Errorf("line %d type = %s, want %s", i, rec.Type, b.Records[i].Type)
		}
	}

	// No temp droppings.
	entries, err := os.ReadDir(wantDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("dir entries = %d, want 2", len(entries))
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Weekly Report", "weekly-report"},
		{"  Q3 — Sales & Margin!  ", "q3-sales-margin"},
		{"already-a-slug", "already-a-slug"},
		{"UPPER_case.name", "upper-case-name"},
		{"", "untitled"},
		{"---", "untitled"},
		{strings.Repeat("a", 150), strings.Repeat("a", 100)},
	}
	for _, tt := range tests {
		if got := trace.Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExpandPath(t *testing.T) {
	at := time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC)
	got := trace.ExpandPath("outputs/{year}/{month}/{run_id}_{slug}.md", "r1", at, "weekly-report")
	if got != "outputs/2026/07/r1_weekly-report.md" {
		t.Errorf("expanded = %s", got)
	}

	// Unknown variables pass through untouched.
	got = trace.ExpandPath("x/{workspace}/{slug}", "r1", at, "s")
	if got != "x/{workspace}/s" {
		t.Errorf("expanded = %s", got)
	}
}

func TestWriteArtifactCollisions(t *testing.T) {
	root := t.TempDir()
	w := trace.NewWriter(root)

	a := trace.ArtifactFile{
		Front: trace.ArtifactFront{
			RunID:     "run-abc123def456",
			Agent:     "weekly-report",
			Source:    "sandbox",
			CreatedAt: t0,
			Status:    "final",
			Type:      "markdown",
		},
		Title: "Weekly Report",
		Body:  "# Report\n\nAll good.",
	}

	var paths []string
	for i := 0; i < 3; i++ {
		p, err := w.WriteArtifact(a)
		if err != nil {
			t.Fatal(err)
		}
		paths = append(paths, filepath.Base(p))
	}

	want := []string{
		"run-abc1_weekly-report.md",
		"run-abc1_weekly-report-2.md",
		"run-abc1_weekly-report-3.md",
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("path[%d] = %s, want %s", i, paths[i], want[i])
		}
	}

	body, err := os.ReadFile(filepath.Join(root, "outputs", "2026", "03", want[0]))
	if err != nil {
		t.Fatal(err)
	}
	text := string(body)
	for _, wantLine := range []string{"run_id: run-abc123def456", "status: final", "# Report"} {
		if !strings.Contains(text, wantLine) {
			t.Errorf("artifact missing %q", wantLine)
		}
	}
}
