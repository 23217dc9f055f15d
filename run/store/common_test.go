package store_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/dshills/runplane/run"
	"github.com/dshills/runplane/run/contract"
	"github.com/dshills/runplane/run/event"
	"github.com/dshills/runplane/run/store"
)

// backends returns one Store per backend implementation so every test in
// this file runs against the whole matrix. MySQL joins the matrix when
// TEST_MYSQL_DSN is set.
func backends(t *testing.T) map[string]*store.Store {
	t.Helper()

	sqlite, err := store.NewSQLiteBackend(":memory:")
	if err != nil {
		t.Fatalf("sqlite backend: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	m := map[string]*store.Store{
		"memory": store.New(store.NewMemBackend(), event.NewMemLog()),
		"sqlite": store.New(sqlite, event.NewMemLog()),
	}
	if dsn := os.Getenv("TEST_MYSQL_DSN"); dsn != "" {
		my, err := store.NewMySQLBackend(dsn)
		if err != nil {
			t.Fatalf("mysql backend: %v", err)
		}
		t.Cleanup(func() { my.Close() })
		m["mysql"] = store.New(my, event.NewMemLog())
	}
	return m
}

func testRun(id string) *run.Run {
	return &run.Run{
		ID:          id,
		WorkspaceID: "ws1",
		TemplateID:  "weekly-summary",
		Contract: &contract.Contract{
			Goal:       "summarize the inbox",
			ToolPolicy: contract.ToolPolicy{Allowed: []string{"read_file"}},
		},
	}
}

// advance walks a run to the given state along the happy path.
func advance(t *testing.T, s *store.Store, id string, to run.State) {
	t.Helper()
	path := []run.State{run.StateInitializing, run.StatePlanning, run.StateExecuting, run.StateVerifying, run.StatePackaging}
	for _, next := range path {
		if _, err := s.Transition(context.Background(), id, next, "test"); err != nil {
			t.Fatalf("advance to %s: %v", next, err)
		}
		if next == to {
			return
		}
	}
	t.Fatalf("advance: %s is not on the happy path", to)
}

func TestCreateDefaultsAndGet(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Create(ctx, testRun("r1")); err != nil {
				t.Fatal(err)
			}

			r, err := s.Get(ctx, "r1")
			if err != nil {
				t.Fatal(err)
			}
			if r.State != run.StatePending {
				t.Errorf("state = %s, want pending", r.State)
			}
			if r.LastEventSeq != -1 {
				t.Errorf("last_event_seq = %d, want -1", r.LastEventSeq)
			}
			if r.CreatedAt.IsZero() || r.UpdatedAt.IsZero() {
				t.Error("timestamps not set")
			}
			if r.Contract == nil || r.Contract.Goal != "summarize the inbox" {
				t.Errorf("contract did not round-trip: %+v", r.Contract)
			}

			if err := s.Create(ctx, testRun("r1")); !errors.Is(err, run.ErrExists) {
				t.Errorf("duplicate create err = %v, want ErrExists", err)
			}
			if _, err := s.Get(ctx, "nope"); !errors.Is(err, run.ErrNotFound) {
				t.Errorf("missing get err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestTransitionEmitsPhaseChanged(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Create(ctx, testRun("r1")); err != nil {
				t.Fatal(err)
			}

			// pending -> initializing is silent: the run has no phase yet.
			r, err := s.Transition(ctx, "r1", run.StateInitializing, "start")
			if err != nil {
				t.Fatal(err)
			}
			if r.LastEventSeq != -1 {
				t.Errorf("seq after initializing = %d, want -1", r.LastEventSeq)
			}

			// initializing -> planning emits phase.changed with a null from.
			r, err = s.Transition(ctx, "r1", run.StatePlanning, "sandbox ready")
			if err != nil {
				t.Fatal(err)
			}
			if r.State != run.StatePlanning || r.LastEventSeq != 0 {
				t.Fatalf("run = {%s seq=%d}, want {planning seq=0}", r.State, r.LastEventSeq)
			}

			res, err := s.EventLog().Query(ctx, "r1", event.NewQuery())
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Events) != 1 {
				t.Fatalf("events = %d, want 1", len(res.Events))
			}
			p, ok := res.Events[0].Payload.(event.PhaseChanged)
			if !ok {
				t.Fatalf("payload = %T, want PhaseChanged", res.Events[0].Payload)
			}
			if p.From != "" || p.To != "planning" || p.Reason != "sandbox ready" {
				t.Errorf("payload = %+v", p)
			}
		})
	}
}

func TestTransitionRejectsBadEdges(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Create(ctx, testRun("r1")); err != nil {
				t.Fatal(err)
			}

			if _, err := s.Transition(ctx, "r1", run.StateExecuting, ""); !errors.Is(err, run.ErrInvalidTransition) {
				t.Errorf("err = %v, want ErrInvalidTransition", err)
			}
			// Rejected transitions leave the row and the log untouched.
			r, err := s.Get(ctx, "r1")
			if err != nil {
				t.Fatal(err)
			}
			if r.State != run.StatePending || r.LastEventSeq != -1 {
				t.Errorf("run mutated by rejected transition: %+v", r)
			}
		})
	}
}

func TestSuspendResumeDiscipline(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Create(ctx, testRun("r1")); err != nil {
				t.Fatal(err)
			}
			advance(t, s, "r1", run.StateExecuting)

			r, err := s.Suspend(ctx, "r1", "checkpoint cp1")
			if err != nil {
				t.Fatal(err)
			}
			if r.State != run.StateAwaitingApproval || r.PreviousState != run.StateExecuting {
				t.Fatalf("run = {%s prev=%s}", r.State, r.PreviousState)
			}

			// Resume must land on the recorded state.
			if _, err := s.Transition(ctx, "r1", run.StateVerifying, ""); !errors.Is(err, run.ErrInvalidTransition) {
				t.Errorf("resume to wrong state err = %v", err)
			}
			r, err = s.Transition(ctx, "r1", run.StateExecuting, "approved")
			if err != nil {
				t.Fatal(err)
			}
			if r.State != run.StateExecuting || r.PreviousState != "" {
				t.Errorf("run after resume = {%s prev=%q}", r.State, r.PreviousState)
			}
		})
	}
}

func TestApplyUserActions(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Create(ctx, testRun("r1")); err != nil {
				t.Fatal(err)
			}
			advance(t, s, "r1", run.StatePlanning)

			r, err := s.Apply(ctx, "r1", run.ActionPause, "", "")
			if err != nil {
				t.Fatal(err)
			}
			if r.State != run.StatePaused || r.PreviousState != run.StatePlanning {
				t.Fatalf("after pause = {%s prev=%s}", r.State, r.PreviousState)
			}

			r, err = s.Apply(ctx, "r1", run.ActionResume, "", "")
			if err != nil {
				t.Fatal(err)
			}
			if r.State != run.StatePlanning || r.PreviousState != "" {
				t.Fatalf("after resume = {%s prev=%q}", r.State, r.PreviousState)
			}

			r, err = s.Apply(ctx, "r1", run.ActionCancel, "", "user asked")
			if err != nil {
				t.Fatal(err)
			}
			if r.State != run.StateCancelled || r.CompletedAt.IsZero() {
				t.Fatalf("after cancel = {%s completed=%v}", r.State, r.CompletedAt)
			}

			if _, err := s.Apply(ctx, "r1", run.ActionCancel, "", ""); !errors.Is(err, run.ErrTerminalState) {
				t.Errorf("cancel cancelled err = %v, want ErrTerminalState", err)
			}
		})
	}
}

func TestRetryResetsRun(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Create(ctx, testRun("r1")); err != nil {
				t.Fatal(err)
			}
			advance(t, s, "r1", run.StateExecuting)
			if _, err := s.SetEnv(ctx, "r1", run.ExecutionEnv{SandboxID: "sb1", CreatedAt: time.Now()}); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Fail(ctx, "r1", "boom", run.ErrorInfo{Kind: "agent_error", Message: "stopped"}, event.RunFailed{
				ErrorType: "agent_error", ErrorMessage: "stopped",
			}); err != nil {
				t.Fatal(err)
			}

			before, err := s.Get(ctx, "r1")
			if err != nil {
				t.Fatal(err)
			}

			r, err := s.Apply(ctx, "r1", run.ActionRetry, "", "")
			if err != nil {
				t.Fatal(err)
			}
			if r.State != run.StatePending || r.PreviousState != "" {
				t.Errorf("after retry = {%s prev=%q}", r.State, r.PreviousState)
			}
			if r.Error != nil || r.Env != nil || !r.CompletedAt.IsZero() {
				t.Errorf("retry did not reset run: %+v", r)
			}
			// Event history survives; the retry continues the seq stream.
			if r.LastEventSeq != before.LastEventSeq+1 {
				t.Errorf("seq after retry = %d, want %d", r.LastEventSeq, before.LastEventSeq+1)
			}
		})
	}
}

func TestFailAttachesErrorAndEvent(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Create(ctx, testRun("r1")); err != nil {
				t.Fatal(err)
			}
			advance(t, s, "r1", run.StateExecuting)

			r, err := s.Fail(ctx, "r1", "tool kept failing", run.ErrorInfo{
				Kind: "tool_failure", Message: "git failed repeatedly",
			}, event.RunFailed{ErrorType: "tool_failure", ErrorMessage: "git failed repeatedly"})
			if err != nil {
				t.Fatal(err)
			}
			if r.State != run.StateFailed || r.Error == nil || r.Error.Kind != "tool_failure" {
				t.Fatalf("run = %+v", r)
			}

			res, err := s.EventLog().Query(ctx, "r1", event.Query{AfterSeq: -1, Limit: -1, Types: []event.Type{event.TypeRunFailed}})
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Events) != 1 {
				t.Fatalf("run.failed events = %d, want 1", len(res.Events))
			}
			if res.Events[0].Severity != event.SeverityError {
				t.Errorf("severity = %s, want error", res.Events[0].Severity)
			}
		})
	}
}

func TestResolveApprovalIsOneUnit(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Create(ctx, testRun("r1")); err != nil {
				t.Fatal(err)
			}
			advance(t, s, "r1", run.StateExecuting)
			if _, err := s.Suspend(ctx, "r1", "checkpoint cp1"); err != nil {
				t.Fatal(err)
			}

			rec := run.ApprovalAuditRecord{
				AuditID: "a1", RunID: "r1", CheckpointID: "cp1",
				Action: run.AuditApproved, ActorID: "u1", Source: run.SourceWeb,
				Timestamp: time.Now().UTC(),
			}
			r, err := s.ResolveApproval(ctx, "r1", run.StateExecuting, "approved",
				event.SeverityInfo,
				event.CheckpointApproved{CheckpointID: "cp1", ActorID: "u1", Source: "web"},
				rec)
			if err != nil {
				t.Fatal(err)
			}
			if r.State != run.StateExecuting || r.PreviousState != "" {
				t.Fatalf("run = {%s prev=%q}", r.State, r.PreviousState)
			}

			audit, err := s.Audit(ctx, "r1")
			if err != nil {
				t.Fatal(err)
			}
			if len(audit) != 1 || audit[0].Action != run.AuditApproved || audit[0].ActorID != "u1" {
				t.Fatalf("audit = %+v", audit)
			}

			// Last two events: phase.changed then checkpoint.approved.
			res, err := s.EventLog().Query(ctx, "r1", event.NewQuery())
			if err != nil {
				t.Fatal(err)
			}
			n := len(res.Events)
			if n < 2 {
				t.Fatalf("events = %d", n)
			}
			if res.Events[n-2].Type() != event.TypePhaseChanged || res.Events[n-1].Type() != event.TypeCheckpointApproved {
				t.Errorf("tail = %s, %s", res.Events[n-2].Type(), res.Events[n-1].Type())
			}
		})
	}
}

func TestAddArtifact(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Create(ctx, testRun("r1")); err != nil {
				t.Fatal(err)
			}
			advance(t, s, "r1", run.StatePackaging)

			r, err := s.AddArtifact(ctx, "r1", run.ArtifactManifest{
				ArtifactID: "a1", Kind: "markdown",
				DestinationPath: "outputs/2026/08/r1_summary.md",
				SHA256:          "abc", SizeBytes: 42, Status: run.ArtifactFinal,
			})
			if err != nil {
				t.Fatal(err)
			}
			if len(r.Artifacts) != 1 || r.Artifacts[0].RunID != "r1" {
				t.Fatalf("artifacts = %+v", r.Artifacts)
			}

			res, err := s.EventLog().Query(ctx, "r1", event.Query{AfterSeq: -1, Limit: -1, Types: []event.Type{event.TypeArtifactCreated}})
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Events) != 1 {
				t.Fatalf("artifact.created events = %d, want 1", len(res.Events))
			}
		})
	}
}

func TestListRunsFilter(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"r1", "r2"} {
				if err := s.Create(ctx, testRun(id)); err != nil {
					t.Fatal(err)
				}
			}
			other := testRun("r3")
			other.WorkspaceID = "ws2"
			if err := s.Create(ctx, other); err != nil {
				t.Fatal(err)
			}
			advance(t, s, "r2", run.StatePlanning)

			all, err := s.List(ctx, store.Filter{WorkspaceID: "ws1"})
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 2 {
				t.Errorf("ws1 runs = %d, want 2", len(all))
			}

			running, err := s.List(ctx, store.Filter{WorkspaceID: "ws1", States: []run.State{run.StatePlanning}})
			if err != nil {
				t.Fatal(err)
			}
			if len(running) != 1 || running[0].ID != "r2" {
				t.Errorf("planning runs = %+v", running)
			}
		})
	}
}

func TestDeleteRemovesEverything(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Create(ctx, testRun("r1")); err != nil {
				t.Fatal(err)
			}
			advance(t, s, "r1", run.StatePlanning)

			if err := s.Delete(ctx, "r1"); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Get(ctx, "r1"); !errors.Is(err, run.ErrNotFound) {
				t.Errorf("get after delete err = %v", err)
			}
			seq, err := s.EventLog().LatestSeq(ctx, "r1")
			if err != nil {
				t.Fatal(err)
			}
			if seq != -1 {
				t.Errorf("events survive delete: latest seq = %d", seq)
			}
		})
	}
}
