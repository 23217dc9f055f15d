package control_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dshills/runplane/run"
	"github.com/dshills/runplane/run/approval"
	"github.com/dshills/runplane/run/contract"
	"github.com/dshills/runplane/run/control"
	"github.com/dshills/runplane/run/event"
	"github.com/dshills/runplane/run/sandbox"
	"github.com/dshills/runplane/run/store"
)

func newPlane(t *testing.T, cfg control.Config) (*control.Plane, *sandbox.MockProvisioner) {
	t.Helper()
	prov := &sandbox.MockProvisioner{}
	cfg.Store = store.New(store.NewMemBackend(), event.NewMemLog())
	cfg.Provisioner = prov
	if cfg.TraceDir == "" {
		cfg.TraceDir = t.TempDir()
	}
	p := control.NewPlane(cfg)
	t.Cleanup(func() {
		if err := p.Close(context.Background()); err != nil {
			t.Errorf("close plane: %v", err)
		}
	})
	return p, prov
}

func minimalContract() *contract.Contract {
	return &contract.Contract{
		Goal: "produce a weekly report",
		SuccessCriteria: []contract.SuccessCriterion{
			{ID: "c1", Description: "report exists", Evidence: contract.EvidenceArtifact},
		},
		Deliverables: []contract.Deliverable{
			{ID: "d1", Kind: "markdown", DestinationPath: "outputs/{year}/{month}/{slug}.md", Required: true},
		},
		ToolPolicy:         contract.ToolPolicy{Allowed: []string{"read_file"}},
		MaxDurationSeconds: 600,
	}
}

func history(t *testing.T, p *control.Plane, runID string) []event.Event {
	t.Helper()
	res, err := p.Store().EventLog().Query(context.Background(), runID, event.Query{AfterSeq: -1, Limit: -1})
	if err != nil {
		t.Fatal(err)
	}
	return res.Events
}

func TestHappyPath(t *testing.T) {
	ctx := context.Background()
	traceDir := t.TempDir()
	p, _ := newPlane(t, control.Config{TraceDir: traceDir})

	o, err := p.StartRun(ctx, control.StartOptions{
		RunID:       "r1",
		WorkspaceID: "ws1",
		TemplateID:  "weekly-report",
		Contract:    minimalContract(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := o.AdvancePhase(ctx, "plan done"); err != nil { // planning -> executing
		t.Fatal(err)
	}
	res, err := o.ExecuteTool(ctx, contract.ToolCall{ToolName: "read_file", FilePath: "notes.md"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("tool result = %+v", res)
	}
	if _, err := o.AdvancePhase(ctx, "work done"); err != nil { // -> verifying
		t.Fatal(err)
	}
	if _, err := o.AdvancePhase(ctx, "verified"); err != nil { // -> packaging
		t.Fatal(err)
	}
	if _, err := o.AddArtifact(ctx, []byte("# Report\n"), control.ArtifactOptions{
		Title: "Weekly Report", Kind: "markdown", MIME: "text/markdown",
	}); err != nil {
		t.Fatal(err)
	}
	final, err := o.AdvancePhase(ctx, "packaged") // -> completed
	if err != nil {
		t.Fatal(err)
	}

	if final.State != run.StateCompleted {
		t.Fatalf("state = %s", final.State)
	}
	if len(final.Artifacts) != 1 {
		t.Fatalf("artifacts = %d", len(final.Artifacts))
	}
	if o.State() != control.OrchStopped {
		t.Errorf("orchestrator state = %s", o.State())
	}

	events := history(t, p, "r1")
	wantTypes := []event.Type{
		event.TypeRunStarted,      // 0
		event.TypePhaseChanged,    // 1 null -> planning
		event.TypePhaseChanged,    // 2 planning -> executing
		event.TypeToolCalled,      // 3
		event.TypeToolResult,      // 4
		event.TypePhaseChanged,    // 5 executing -> verifying
		event.TypePhaseChanged,    // 6 verifying -> packaging
		event.TypeArtifactCreated, // 7
		event.TypePhaseChanged,    // 8 packaging -> completed
		event.TypeRunCompleted,    // 9
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("event count = %d, want %d", len(events), len(wantTypes))
	}
	for i, ev := range events {
		if ev.Seq != int64(i) {
			t.Errorf("event[%d] seq = %d", i, ev.Seq)
		}
		if ev.Type() != wantTypes[i] {
			t.Errorf("event[%d] = %s, want %s", i, ev.Type(), wantTypes[i])
		}
	}
	if pc := events[1].Payload.(event.PhaseChanged); pc.From != "" || pc.To != "planning" {
		t.Errorf("first phase.changed = %+v", pc)
	}

	// Trace bundle landed on disk.
	year := time.Now().UTC().Format("2006")
	month := time.Now().UTC().Format("01")
	if _, err := os.Stat(filepath.Join(traceDir, "traces", year, month, "r1.md")); err != nil {
		t.Errorf("trace markdown: %v", err)
	}
	if _, err := os.Stat(filepath.Join(traceDir, "traces", year, month, "r1.jsonl")); err != nil {
		t.Errorf("trace jsonl: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(traceDir, "outputs", year, month, "*_weekly-report.md"))
	if len(matches) != 1 {
		t.Errorf("artifact files = %v", matches)
	}
}

func TestStartRejectsInvalidContract(t *testing.T) {
	p, _ := newPlane(t, control.Config{})
	con := minimalContract()
	con.Goal = ""

	_, err := p.StartRun(context.Background(), control.StartOptions{
		RunID: "r1", TemplateID: "t", Contract: con,
	})
	if !errors.Is(err, control.ErrContractInvalid) {
		t.Fatalf("err = %v", err)
	}
	if _, err := p.Store().Get(context.Background(), "r1"); !errors.Is(err, run.ErrNotFound) {
		t.Errorf("run row should not exist, got %v", err)
	}
}

func TestContractViolationFailsRun(t *testing.T) {
	ctx := context.Background()
	p, _ := newPlane(t, control.Config{})

	con := minimalContract()
	con.ToolPolicy = contract.ToolPolicy{Blocked: []string{"shell"}}
	o, err := p.StartRun(ctx, control.StartOptions{RunID: "r1", TemplateID: "t", Contract: con})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.AdvancePhase(ctx, ""); err != nil { // -> executing
		t.Fatal(err)
	}

	_, err = o.ExecuteTool(ctx, contract.ToolCall{ToolName: "shell", Action: "rm -rf /"})
	var v *contract.Violation
	if !errors.As(err, &v) {
		t.Fatalf("err = %v", err)
	}
	if v.DriftType != event.DriftUnauthorizedTool {
		t.Errorf("drift type = %s", v.DriftType)
	}

	r, err := p.Store().Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.State != run.StateFailed {
		t.Fatalf("state = %s", r.State)
	}
	if r.Error == nil || !strings.HasPrefix(r.Error.Message, "Contract violation") {
		t.Fatalf("error = %+v", r.Error)
	}

	events := history(t, p, "r1")
	var sawDrift, sawFailed bool
	for _, ev := range events {
		switch pl := ev.Payload.(type) {
		case event.DriftDetected:
			sawDrift = true
			if ev.Severity != event.SeverityError || pl.DriftType != event.DriftUnauthorizedTool {
				t.Errorf("drift event = %+v severity %s", pl, ev.Severity)
			}
		case event.RunFailed:
			sawFailed = true
			if pl.ErrorType != string(run.ErrContractViolation) {
				t.Errorf("run.failed type = %s", pl.ErrorType)
			}
			if !strings.HasPrefix(pl.ErrorMessage, "Contract violation") {
				t.Errorf("run.failed message = %q", pl.ErrorMessage)
			}
		}
	}
	if !sawDrift || !sawFailed {
		t.Errorf("drift=%v failed=%v", sawDrift, sawFailed)
	}
}

func TestTransientRetryKeepsState(t *testing.T) {
	ctx := context.Background()
	p, _ := newPlane(t, control.Config{})
	p.Errors().SetPolicy(run.ErrTransient, run.RetryPolicy{
		MaxRetries: 3, BaseDelay: 5 * time.Millisecond, Exponential: true, MaxDelay: 20 * time.Millisecond,
	})

	o, err := p.StartRun(ctx, control.StartOptions{RunID: "r1", TemplateID: "t", Contract: minimalContract()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.AdvancePhase(ctx, ""); err != nil { // -> executing
		t.Fatal(err)
	}

	rateLimited := errors.New("TOOL_RATE_LIMITED: rate limit exceeded")
	out1, err := o.HandleError(ctx, rateLimited, run.HandleOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if !out1.ShouldRetry || out1.RetryDelay != 5*time.Millisecond || out1.Attempt != 1 {
		t.Fatalf("first outcome = %+v", out1)
	}
	out2, err := o.HandleError(ctx, rateLimited, run.HandleOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if !out2.ShouldRetry || out2.RetryDelay != 10*time.Millisecond || out2.Attempt != 2 {
		t.Fatalf("second outcome = %+v", out2)
	}

	r, err := o.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r.State != run.StateExecuting {
		t.Errorf("state = %s, want executing throughout retries", r.State)
	}
	if o.State() != control.OrchRunning {
		t.Errorf("orchestrator state = %s", o.State())
	}
}

func TestRetryExhaustionFailsRun(t *testing.T) {
	ctx := context.Background()
	p, _ := newPlane(t, control.Config{})
	p.Errors().SetPolicy(run.ErrTransient, run.RetryPolicy{
		MaxRetries: 1, BaseDelay: time.Millisecond, Exponential: true, MaxDelay: time.Millisecond,
	})

	o, err := p.StartRun(ctx, control.StartOptions{RunID: "r1", TemplateID: "t", Contract: minimalContract()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.AdvancePhase(ctx, ""); err != nil {
		t.Fatal(err)
	}

	transient := errors.New("503 service unavailable")
	if out, err := o.HandleError(ctx, transient, run.HandleOpts{}); err != nil || !out.ShouldRetry {
		t.Fatalf("out = %+v, err = %v", out, err)
	}
	out, err := o.HandleError(ctx, transient, run.HandleOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if out.ShouldRetry {
		t.Fatal("retries should be exhausted")
	}

	r, err := p.Store().Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.State != run.StateFailed || r.Error == nil {
		t.Fatalf("run = state %s, error %+v", r.State, r.Error)
	}
	if strings.Contains(r.Error.Message, "goroutine") || strings.Contains(r.Error.Message, "503") {
		t.Errorf("internal detail leaked: %q", r.Error.Message)
	}
}

func TestCancelDuringBackoffAborts(t *testing.T) {
	ctx := context.Background()
	p, _ := newPlane(t, control.Config{})
	p.Errors().SetPolicy(run.ErrTransient, run.RetryPolicy{
		MaxRetries: 3, BaseDelay: 5 * time.Second, Exponential: true, MaxDelay: 5 * time.Second,
	})

	o, err := p.StartRun(ctx, control.StartOptions{RunID: "r1", TemplateID: "t", Contract: minimalContract()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.AdvancePhase(ctx, ""); err != nil {
		t.Fatal(err)
	}

	type result struct {
		out run.Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := o.HandleError(ctx, errors.New("connection refused"), run.HandleOpts{})
		done <- result{out, err}
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := o.Cancel(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-done:
		if !errors.Is(res.err, control.ErrRetryAborted) {
			t.Fatalf("err = %v, want retry aborted", res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backoff was not cancellable")
	}

	r, err := p.Store().Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.State != run.StateCancelled {
		t.Errorf("state = %s", r.State)
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	ctx := context.Background()
	p, _ := newPlane(t, control.Config{})

	con := minimalContract()
	con.ApprovalRules = map[string]contract.ApprovalRule{
		"send_email": {TimeoutSeconds: 120, AutoAction: contract.TimeoutReject},
	}
	o, err := p.StartRun(ctx, control.StartOptions{RunID: "r1", TemplateID: "t", Contract: con})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.AdvancePhase(ctx, ""); err != nil { // -> executing
		t.Fatal(err)
	}

	pend, err := o.RequestApproval(ctx, approval.Request{
		CheckpointID: "cp1", ActionType: "send_email", Preview: "To: team@",
	})
	if err != nil {
		t.Fatal(err)
	}
	// Timeout came from the contract's approval rule.
	if got := pend.ExpiresAt.Sub(pend.RequestedAt); got != 120*time.Second {
		t.Errorf("timeout = %s", got)
	}
	if o.State() != control.OrchAwaitingApproval {
		t.Errorf("orchestrator state = %s", o.State())
	}

	r, err := p.Store().Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.State != run.StateAwaitingApproval || r.PreviousState != run.StateExecuting {
		t.Fatalf("run = %s prev %s", r.State, r.PreviousState)
	}

	// checkpoint.requested precedes the suspension's phase.changed.
	events := history(t, p, "r1")
	n := len(events)
	if events[n-2].Type() != event.TypeCheckpointRequested || events[n-1].Type() != event.TypePhaseChanged {
		t.Fatalf("tail = %s, %s", events[n-2].Type(), events[n-1].Type())
	}

	if _, err := p.Approvals().Approve(ctx, "cp1", "u1", run.SourceWeb); err != nil {
		t.Fatal(err)
	}
	if err := o.OnApprovalGranted(ctx, "cp1"); err != nil {
		t.Fatal(err)
	}
	if o.State() != control.OrchRunning {
		t.Errorf("orchestrator state = %s", o.State())
	}
	r, _ = p.Store().Get(ctx, "r1")
	if r.State != run.StateExecuting || r.PreviousState != "" {
		t.Errorf("run = %s prev %q", r.State, r.PreviousState)
	}
}

func TestAddCostEnforcesContractCap(t *testing.T) {
	ctx := context.Background()
	p, _ := newPlane(t, control.Config{})

	con := minimalContract()
	con.MaxCostCents = 100
	o, err := p.StartRun(ctx, control.StartOptions{RunID: "r1", WorkspaceID: "ws1", TemplateID: "t", Contract: con})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := o.AddCost(ctx, run.CostClaudeAPI, 100, "tokens", nil); err != nil {
		t.Fatal(err)
	}
	_, err = o.AddCost(ctx, run.CostClaudeAPI, 1, "tokens", nil)
	var be *run.BudgetError
	if !errors.As(err, &be) || be.Limit != "run" {
		t.Fatalf("err = %v", err)
	}

	// The breakdown landed on the run row and balances.
	r, err := p.Store().Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Cost.TotalCents != 100 || r.Cost.TotalCents != r.Cost.ComputeCents+r.Cost.APICents {
		t.Errorf("cost = %+v", r.Cost)
	}
}

func TestSandboxCrashOnProvisionFailsRun(t *testing.T) {
	ctx := context.Background()
	prov := &sandbox.MockProvisioner{Err: errors.New("e2b: capacity")}
	st := store.New(store.NewMemBackend(), event.NewMemLog())
	p := control.NewPlane(control.Config{Store: st, Provisioner: prov})

	_, err := p.StartRun(ctx, control.StartOptions{RunID: "r1", TemplateID: "t", Contract: minimalContract()})
	if err == nil {
		t.Fatal("expected provision failure")
	}
	r, err := st.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.State != run.StateFailed {
		t.Errorf("state = %s", r.State)
	}
	if r.Error == nil || strings.Contains(r.Error.Message, "e2b") {
		t.Errorf("error = %+v", r.Error)
	}
}

func TestVerificationRetryEdge(t *testing.T) {
	ctx := context.Background()
	p, _ := newPlane(t, control.Config{})

	o, err := p.StartRun(ctx, control.StartOptions{RunID: "r1", TemplateID: "t", Contract: minimalContract()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.AdvancePhase(ctx, ""); err != nil { // -> executing
		t.Fatal(err)
	}
	if _, err := o.AdvancePhase(ctx, ""); err != nil { // -> verifying
		t.Fatal(err)
	}
	r, err := o.RetryVerification(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r.State != run.StateExecuting {
		t.Fatalf("state = %s", r.State)
	}

	events := history(t, p, "r1")
	last := events[len(events)-1].Payload.(event.PhaseChanged)
	if last.From != "verifying" || last.To != "executing" || last.Reason != "verification_retry" {
		t.Errorf("phase.changed = %+v", last)
	}
}

func TestShutdownExtractsOutstandingArtifacts(t *testing.T) {
	ctx := context.Background()
	p, prov := newPlane(t, control.Config{})
	prov.Configure = func(sb *sandbox.MockSandbox) {
		sb.AddArtifact(sandbox.Artifact{Name: "Findings", Kind: "markdown", Body: []byte("# Findings\n")})
	}

	o, err := p.StartRun(ctx, control.StartOptions{RunID: "r1", TemplateID: "t", Contract: minimalContract()})
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	r, err := p.Store().Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Artifacts) != 1 || r.Artifacts[0].Kind != "markdown" {
		t.Fatalf("artifacts = %+v", r.Artifacts)
	}
	if !prov.Sandboxes()[0].Down() {
		t.Error("sandbox not shut down")
	}
	if _, err := p.Orchestrator("r1"); !errors.Is(err, control.ErrNoOrchestrator) {
		t.Errorf("orchestrator still registered: %v", err)
	}
}

func TestApprovalRejectedFromVerifying(t *testing.T) {
	ctx := context.Background()
	p, _ := newPlane(t, control.Config{})

	o, err := p.StartRun(ctx, control.StartOptions{RunID: "r1", TemplateID: "t", Contract: minimalContract()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.AdvancePhase(ctx, ""); err != nil { // -> executing
		t.Fatal(err)
	}
	if _, err := o.AdvancePhase(ctx, ""); err != nil { // -> verifying
		t.Fatal(err)
	}

	_, err = o.RequestApproval(ctx, approval.Request{ActionType: "send_email"})
	if !errors.Is(err, run.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}

	// The rejected request must leave no checkpoint.requested in the log.
	for _, e := range history(t, p, "r1") {
		if e.Type() == event.TypeCheckpointRequested {
			t.Fatalf("checkpoint.requested leaked: %+v", e)
		}
	}
	r, err := o.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r.State != run.StateVerifying {
		t.Errorf("state = %s", r.State)
	}
}
