package control

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/runplane/run"
	"github.com/dshills/runplane/run/approval"
	"github.com/dshills/runplane/run/contract"
	"github.com/dshills/runplane/run/emit"
	"github.com/dshills/runplane/run/event"
	"github.com/dshills/runplane/run/sandbox"
	"github.com/dshills/runplane/run/trace"
)

// OrchState is what the orchestrator loop is doing, distinct from the run's
// lifecycle state.
type OrchState string

const (
	OrchIdle             OrchState = "idle"
	OrchStarting         OrchState = "starting"
	OrchRunning          OrchState = "running"
	OrchPaused           OrchState = "paused"
	OrchAwaitingApproval OrchState = "awaiting_approval"
	OrchStopping         OrchState = "stopping"
	OrchStopped          OrchState = "stopped"
	OrchError            OrchState = "error"
)

// ErrContractInvalid is returned by StartRun when pre-run validation finds
// error-severity issues.
var ErrContractInvalid = errors.New("control: contract failed validation")

// ErrRetryAborted is returned by HandleError when a cancellation arrives
// during retry backoff.
var ErrRetryAborted = errors.New("control: retry aborted by cancellation")

// nextPhase is the linear phase progression AdvancePhase walks.
var nextPhase = map[run.State]run.State{
	run.StatePlanning:  run.StateExecuting,
	run.StateExecuting: run.StateVerifying,
	run.StateVerifying: run.StatePackaging,
	run.StatePackaging: run.StateCompleted,
}

// StartOptions configures a new run.
type StartOptions struct {
	RunID           string // optional; a UUID is assigned when empty
	WorkspaceID     string
	TemplateID      string
	TemplateVersion string
	Contract        *contract.Contract

	// CalibrationSeeds are free-form notes carried into the trace bundle.
	CalibrationSeeds []string

	// SandboxEnv is passed through to the provisioner.
	SandboxEnv map[string]string
}

// ArtifactOptions describes an artifact being registered with AddArtifact.
type ArtifactOptions struct {
	Title           string
	Kind            string
	MIME            string
	PreviewKind     string
	Status          run.ArtifactStatus // default final
	DestinationPath string             // may use {run_id}, {year}, {month}, {slug}
}

// Orchestrator owns one run from creation through terminal state. All of
// its operations serialize on an internal mutex: a run is driven by exactly
// one goroutine at a time even when user actions, the timeout driver, and
// the agent loop race.
type Orchestrator struct {
	plane *Plane

	runID    string
	wsID     string
	template string
	version  string
	con      *contract.Contract
	seeds    []string
	sbEnv    map[string]string

	mu         sync.Mutex
	state      OrchState
	sb         sandbox.Sandbox
	phaseStart time.Time
	files      []trace.ArtifactFile
	changed    []string
	done       bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (p *Plane) newOrchestrator(opts StartOptions) (*Orchestrator, error) {
	if opts.Contract == nil {
		return nil, errors.New("control: a contract is required")
	}
	if p.prov == nil {
		return nil, errors.New("control: a sandbox provisioner is required")
	}
	id := opts.RunID
	if id == "" {
		id = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		plane:    p,
		runID:    id,
		wsID:     opts.WorkspaceID,
		template: opts.TemplateID,
		version:  opts.TemplateVersion,
		con:      opts.Contract,
		seeds:    opts.CalibrationSeeds,
		sbEnv:    opts.SandboxEnv,
		state:    OrchIdle,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// RunID returns the run this orchestrator owns.
func (o *Orchestrator) RunID() string { return o.runID }

// State reports the orchestrator's internal state.
func (o *Orchestrator) State() OrchState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Run returns the current run row.
func (o *Orchestrator) Run(ctx context.Context) (*run.Run, error) {
	return o.plane.store.Get(ctx, o.runID)
}

func (o *Orchestrator) emit(msg string, meta map[string]any) {
	o.plane.emitter.Emit(emit.Event{RunID: o.runID, Msg: msg, Meta: meta})
}

// start drives the run from nothing to planning: validate, create, pending
// to initializing, provision, record the environment, run.started, then
// planning.
func (o *Orchestrator) start(ctx context.Context) error {
	issues := contract.Validate(o.con)
	if contract.HasErrors(issues) {
		return fmt.Errorf("%w: %v", ErrContractInvalid, issues)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = OrchStarting

	st := o.plane.store
	if err := st.Create(ctx, &run.Run{
		ID:              o.runID,
		WorkspaceID:     o.wsID,
		TemplateID:      o.template,
		TemplateVersion: o.version,
		Contract:        o.con,
	}); err != nil {
		o.state = OrchError
		return err
	}
	if _, err := st.Transition(ctx, o.runID, run.StateInitializing, "start"); err != nil {
		o.state = OrchError
		return err
	}

	sb, err := o.plane.prov.Provision(ctx, sandbox.ProvisionOptions{
		RunID:          o.runID,
		TemplateID:     o.template,
		TimeoutSeconds: o.con.MaxDurationSeconds,
		InputFiles:     o.con.InputFiles,
		Env:            o.sbEnv,
	})
	if err != nil {
		o.state = OrchError
		msg := "The execution environment could not be provisioned. Please try again."
		_, ferr := st.Fail(ctx, o.runID, "provision_failed", run.ErrorInfo{
			Kind: string(run.ErrSandboxCrash), Message: msg,
		}, event.RunFailed{ErrorType: string(run.ErrSandboxCrash), ErrorMessage: msg})
		if ferr != nil {
			return errors.Join(err, ferr)
		}
		return err
	}
	o.sb = sb

	now := time.Now().UTC()
	if _, err := st.SetEnv(ctx, o.runID, run.ExecutionEnv{SandboxID: sb.ID(), CreatedAt: now}); err != nil {
		o.state = OrchError
		return err
	}
	if _, err := st.SetStarted(ctx, o.runID, now); err != nil {
		o.state = OrchError
		return err
	}
	if _, err := st.Emit(ctx, o.runID, event.SeverityInfo, event.RunStarted{
		TemplateID:      o.template,
		TemplateVersion: o.version,
		Goal:            o.con.Goal,
		WorkspaceID:     o.wsID,
		SandboxID:       sb.ID(),
	}); err != nil {
		o.state = OrchError
		return err
	}
	if _, err := st.Transition(ctx, o.runID, run.StatePlanning, "start"); err != nil {
		o.state = OrchError
		return err
	}

	o.phaseStart = now
	o.state = OrchRunning
	o.emit("run_started", map[string]any{"template_id": o.template, "sandbox_id": sb.ID()})
	return nil
}

// AdvancePhase steps the run to the next phase in the linear sequence
// planning, executing, verifying, packaging, completed. Entering completed
// extracts outstanding sandbox artifacts, emits run.completed, and shuts
// the orchestrator down.
func (o *Orchestrator) AdvancePhase(ctx context.Context, reason string) (*run.Run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, err := o.plane.store.Get(ctx, o.runID)
	if err != nil {
		return nil, err
	}
	to, ok := nextPhase[r.State]
	if !ok {
		return nil, fmt.Errorf("%w: cannot advance from %s", run.ErrInvalidTransition, r.State)
	}

	if to == run.StateCompleted {
		return o.completeLocked(ctx, r, reason)
	}

	updated, err := o.plane.store.Transition(ctx, o.runID, to, reason)
	if err != nil {
		return nil, err
	}
	o.plane.metrics.Transition(r.State, to, time.Since(o.phaseStart))
	o.phaseStart = time.Now().UTC()
	return updated, nil
}

// RetryVerification sends a run in verifying back to executing. The state
// machine allows the edge; taking it is always an explicit caller decision.
func (o *Orchestrator) RetryVerification(ctx context.Context) (*run.Run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	updated, err := o.plane.store.Transition(ctx, o.runID, run.StateExecuting, "verification_retry")
	if err != nil {
		return nil, err
	}
	o.plane.metrics.Transition(run.StateVerifying, run.StateExecuting, time.Since(o.phaseStart))
	o.phaseStart = time.Now().UTC()
	return updated, nil
}

// completeLocked finishes a successful run: extract what the sandbox still
// holds, transition to completed, emit run.completed, and tear down.
func (o *Orchestrator) completeLocked(ctx context.Context, r *run.Run, reason string) (*run.Run, error) {
	o.extractLocked(ctx)

	updated, err := o.plane.store.Transition(ctx, o.runID, run.StateCompleted, reason)
	if err != nil {
		return nil, err
	}
	o.plane.metrics.Transition(r.State, run.StateCompleted, time.Since(o.phaseStart))

	var durationMS int64
	if !updated.StartedAt.IsZero() {
		durationMS = updated.CompletedAt.Sub(updated.StartedAt).Milliseconds()
	}
	if _, err := o.plane.store.Emit(ctx, o.runID, event.SeverityInfo, event.RunCompleted{
		ArtifactCount:  len(updated.Artifacts),
		TotalCostCents: updated.Cost.TotalCents,
		DurationMS:     durationMS,
	}); err != nil {
		return nil, err
	}

	o.plane.errors.ClearRun(o.runID)
	o.plane.metrics.RunFinished(o.template, run.StateCompleted)
	o.emit("run_completed", map[string]any{
		"artifacts": len(updated.Artifacts), "cost_cents": updated.Cost.TotalCents,
	})
	o.teardownLocked(ctx)
	return o.plane.store.Get(ctx, o.runID)
}

// Pause suspends a resumable run.
func (o *Orchestrator) Pause(ctx context.Context) (*run.Run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, err := o.plane.store.Apply(ctx, o.runID, run.ActionPause, "", "")
	if err != nil {
		return nil, err
	}
	o.state = OrchPaused
	o.emit("run_paused", nil)
	return r, nil
}

// Resume returns a paused run to the phase it was suspended from.
func (o *Orchestrator) Resume(ctx context.Context) (*run.Run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, err := o.plane.store.Apply(ctx, o.runID, run.ActionResume, "", "")
	if err != nil {
		return nil, err
	}
	o.state = OrchRunning
	o.phaseStart = time.Now().UTC()
	o.emit("run_resumed", map[string]any{"phase": string(r.State)})
	return r, nil
}

// Cancel terminates the run from any non-terminal state. In-flight sandbox
// work and retry backoffs are aborted; extraction is best-effort before the
// sandbox goes away.
func (o *Orchestrator) Cancel(ctx context.Context) (*run.Run, error) {
	o.cancel()

	o.mu.Lock()
	defer o.mu.Unlock()
	r, err := o.plane.store.Apply(ctx, o.runID, run.ActionCancel, "", "")
	if err != nil {
		return nil, err
	}
	o.plane.metrics.RunFinished(o.template, run.StateCancelled)
	o.emit("run_cancelled", nil)
	o.teardownLocked(ctx)
	return r, nil
}

// RequestApproval emits checkpoint.requested and hands the checkpoint to
// the approval service, which suspends the run. Timeout parameters missing
// from req fall back to the contract's approval rule for the action type.
func (o *Orchestrator) RequestApproval(ctx context.Context, req approval.Request) (*approval.Pending, error) {
	if rule, ok := o.con.ApprovalRuleFor(req.ActionType); ok {
		if req.TimeoutSeconds == 0 {
			req.TimeoutSeconds = rule.TimeoutSeconds
		}
		if req.TimeoutAction == "" {
			req.TimeoutAction = rule.AutoAction
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// Check the suspension edge exists before emitting checkpoint.requested,
	// so a bad request leaves no trace in the log.
	r, err := o.plane.store.Get(ctx, o.runID)
	if err != nil {
		return nil, err
	}
	if _, err := run.Transition(r.State, r.PreviousState, run.StateAwaitingApproval); err != nil {
		return nil, err
	}

	timeoutSecs := req.TimeoutSeconds
	if timeoutSecs == 0 {
		timeoutSecs = int(approval.DefaultTimeout.Seconds())
	}
	action := req.TimeoutAction
	if action == "" {
		action = contract.TimeoutReject
	}
	if _, err := o.plane.store.Emit(ctx, o.runID, event.SeverityInfo, event.CheckpointRequested{
		CheckpointID:   req.CheckpointID,
		ActionType:     req.ActionType,
		Preview:        req.Preview,
		TimeoutSeconds: timeoutSecs,
		TimeoutAction:  string(action),
	}); err != nil {
		return nil, err
	}

	p, err := o.plane.approvals.RequestApproval(ctx, o.runID, req)
	if err != nil {
		return nil, err
	}
	o.state = OrchAwaitingApproval
	o.plane.metrics.ApprovalPending(1)
	return p, nil
}

// OnApprovalGranted is invoked after a checkpoint for this run is approved.
// The run is already back in its previous phase; the orchestrator resumes
// and the phase timer restarts.
func (o *Orchestrator) OnApprovalGranted(ctx context.Context, checkpointID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := o.plane.store.Get(ctx, o.runID); err != nil {
		return err
	}
	o.state = OrchRunning
	o.phaseStart = time.Now().UTC()
	o.plane.metrics.ApprovalPending(-1)
	o.recordResolution(ctx, checkpointID)
	o.emit("approval_granted", map[string]any{"checkpoint_id": checkpointID})
	return nil
}

// recordResolution counts the checkpoint's resolution using the audit row
// the approval service appended, which knows the real action and source.
func (o *Orchestrator) recordResolution(ctx context.Context, checkpointID string) {
	records, err := o.plane.store.Audit(ctx, o.runID)
	if err != nil {
		return
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].CheckpointID == checkpointID {
			o.plane.metrics.ApprovalResolved(records[i].Action, records[i].Source)
			return
		}
	}
}

// OnApprovalRejected maps the run state chosen by the rejection reason back
// onto the orchestrator.
func (o *Orchestrator) OnApprovalRejected(ctx context.Context, checkpointID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, err := o.plane.store.Get(ctx, o.runID)
	if err != nil {
		return err
	}
	o.plane.metrics.ApprovalPending(-1)
	o.recordResolution(ctx, checkpointID)
	o.emit("approval_rejected", map[string]any{
		"checkpoint_id": checkpointID, "state": string(r.State),
	})

	switch r.State {
	case run.StatePaused:
		o.state = OrchPaused
	case run.StateFailed:
		o.state = OrchError
		o.plane.metrics.RunFinished(o.template, r.State)
		o.teardownLocked(ctx)
	case run.StateCancelled, run.StateTimeout:
		o.plane.metrics.RunFinished(o.template, r.State)
		o.teardownLocked(ctx)
	default:
		o.state = OrchRunning
		o.phaseStart = time.Now().UTC()
	}
	return nil
}

// ValidateToolCall checks the call against the contract's tool policy.
func (o *Orchestrator) ValidateToolCall(call contract.ToolCall) *contract.Violation {
	return contract.CheckToolPolicy(o.con, call)
}

// ValidateConstraints checks the call against the contract's declared
// constraints.
func (o *Orchestrator) ValidateConstraints(call contract.ToolCall) (*contract.Violation, []contract.Issue) {
	return contract.CheckConstraints(o.con, call, o.plane.reg)
}

// ExecuteTool is the tool-call gate. The call is validated against the
// tool policy and then the constraints; a violation emits drift.detected
// and fails the run as a contract violation. A valid call produces
// tool.called, runs in the sandbox, and produces tool.result.
//
// A transport-level sandbox error is returned for the caller to route
// through HandleError. A tool that ran but failed comes back with
// Success=false and a nil error.
func (o *Orchestrator) ExecuteTool(ctx context.Context, call contract.ToolCall) (sandbox.ExecResult, error) {
	v := o.ValidateToolCall(call)
	if v == nil {
		v, _ = o.ValidateConstraints(call)
	}
	if v != nil {
		return sandbox.ExecResult{}, o.violate(ctx, call, v)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sb == nil {
		return sandbox.ExecResult{}, sandbox.ErrNotProvisioned
	}

	callID := uuid.NewString()
	if _, err := o.plane.store.Emit(ctx, o.runID, event.SeverityInfo, event.ToolCalled{
		CallID:   callID,
		ToolName: call.ToolName,
		Input:    call.Input,
		FilePath: call.FilePath,
	}); err != nil {
		return sandbox.ExecResult{}, err
	}

	start := time.Now()
	res, err := o.sb.Exec(ctx, sandbox.ExecRequest{
		CallID:   callID,
		ToolName: call.ToolName,
		Input:    call.Input,
		FilePath: call.FilePath,
	})
	if err != nil {
		o.plane.metrics.ToolCall(call.ToolName, "error")
		return sandbox.ExecResult{}, err
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}

	sev := event.SeverityInfo
	status := "success"
	if !res.Success {
		sev = event.SeverityWarning
		status = "error"
	}
	if _, err := o.plane.store.Emit(ctx, o.runID, sev, event.ToolResult{
		CallID:     callID,
		ToolName:   call.ToolName,
		Success:    res.Success,
		DurationMS: res.Duration.Milliseconds(),
		Output:     res.Output,
		Error:      res.Error,
	}); err != nil {
		return sandbox.ExecResult{}, err
	}
	o.plane.metrics.ToolCall(call.ToolName, status)
	o.changed = append(o.changed, res.FilesChanged...)
	return res, nil
}

// violate emits drift.detected and fails the run as a contract violation.
func (o *Orchestrator) violate(ctx context.Context, call contract.ToolCall, v *contract.Violation) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := o.plane.store.Emit(ctx, o.runID, event.SeverityError, event.DriftDetected{
		DriftType: v.DriftType,
		Details:   v.Detail,
		ToolName:  call.ToolName,
		Path:      call.FilePath,
	}); err != nil {
		return err
	}
	o.plane.metrics.ToolCall(call.ToolName, "blocked")

	if _, err := o.failLocked(ctx, v, run.HandleOpts{
		Category: run.ErrContractViolation,
		ToolName: call.ToolName,
	}); err != nil {
		return err
	}
	return v
}

// HandleError routes an execution error through the error handler. While
// retries remain it sleeps out the backoff (cancellable) and returns with
// ShouldRetry set; once exhausted it fails the run.
func (o *Orchestrator) HandleError(ctx context.Context, execErr error, opts run.HandleOpts) (run.Outcome, error) {
	o.mu.Lock()
	r, err := o.plane.store.Get(ctx, o.runID)
	if err != nil {
		o.mu.Unlock()
		return run.Outcome{}, err
	}
	out := o.plane.errors.Handle(r, execErr, opts)

	if !out.ShouldRetry {
		_, ferr := o.failLocked(ctx, execErr, run.HandleOpts{Category: out.Category, Partial: out.Partial})
		o.mu.Unlock()
		return out, ferr
	}
	o.mu.Unlock()

	o.plane.metrics.Retry(out.Category)
	o.emit("retry_scheduled", map[string]any{
		"category": string(out.Category), "attempt": out.Attempt, "delay_ms": out.RetryDelay.Milliseconds(),
	})

	timer := time.NewTimer(out.RetryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return out, nil
	case <-ctx.Done():
		return out, ctx.Err()
	case <-o.ctx.Done():
		return out, ErrRetryAborted
	}
}

// failLocked runs the terminal-failure path: compute the user-facing
// outcome if the caller has not already, fail the run, tear down.
func (o *Orchestrator) failLocked(ctx context.Context, cause error, opts run.HandleOpts) (*run.Run, error) {
	r, err := o.plane.store.Get(ctx, o.runID)
	if err != nil {
		return nil, err
	}
	out := o.plane.errors.Handle(r, cause, opts)
	if out.Error == nil {
		// Retries were still available for this category; failing here
		// means the caller decided the error is terminal regardless.
		out.Error = &run.ErrorInfo{Kind: string(out.Category), Message: out.UserMessage}
	}
	if out.Partial != nil && len(o.changed) > 0 && len(out.Partial.FilesChanged) == 0 {
		out.Partial.FilesChanged = append([]string(nil), o.changed...)
	}

	failed, err := o.plane.store.Fail(ctx, o.runID, string(out.Category), *out.Error, event.RunFailed{
		ErrorType:    string(out.Category),
		ErrorMessage: out.UserMessage,
		Recoverable:  false,
	})
	if err != nil {
		return nil, err
	}
	o.state = OrchError
	o.plane.metrics.RunFinished(o.template, run.StateFailed)
	o.emit("run_failed", map[string]any{"category": string(out.Category)})
	o.teardownLocked(ctx)
	return failed, nil
}

// AddCost charges the run, enforcing the run cap from the contract plus
// the plane's workspace budget, and mirrors the breakdown onto the run row.
func (o *Orchestrator) AddCost(ctx context.Context, kind run.CostKind, cents int64, desc string, meta map[string]string) (run.CostStatus, error) {
	status, err := o.plane.costs.Add(run.Charge{
		RunID:         o.runID,
		WorkspaceID:   o.wsID,
		Kind:          kind,
		AmountCents:   cents,
		Description:   desc,
		Metadata:      meta,
		RunLimitCents: o.con.MaxCostCents,
	})
	if err != nil {
		return status, err
	}
	if _, err := o.plane.store.SetCost(ctx, o.runID, o.plane.costs.Breakdown(o.runID)); err != nil {
		return status, err
	}
	o.plane.metrics.CostAccrued(o.wsID, kind, cents)
	for _, w := range status.Warnings {
		o.emit("budget_warning", map[string]any{"warning": w})
	}
	return status, nil
}

// CostBreakdown returns the run's current cost breakdown.
func (o *Orchestrator) CostBreakdown() run.CostBreakdown {
	return o.plane.costs.Breakdown(o.runID)
}

// AddArtifact registers artifact bytes produced by the run: hashes them,
// appends the manifest (emitting artifact.created), and queues the body
// for the trace writer at shutdown.
func (o *Orchestrator) AddArtifact(ctx context.Context, body []byte, opts ArtifactOptions) (run.ArtifactManifest, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.addArtifactLocked(ctx, body, opts)
}

func (o *Orchestrator) addArtifactLocked(ctx context.Context, body []byte, opts ArtifactOptions) (run.ArtifactManifest, error) {
	status := opts.Status
	if status == "" {
		status = run.ArtifactFinal
	}
	now := time.Now().UTC()
	slug := trace.Slugify(opts.Title)
	dest := opts.DestinationPath
	if dest != "" {
		dest = trace.ExpandPath(dest, o.runID, now, slug)
	}

	sum := sha256.Sum256(body)
	m := run.ArtifactManifest{
		ArtifactID:      uuid.NewString(),
		Kind:            opts.Kind,
		MIME:            opts.MIME,
		PreviewKind:     opts.PreviewKind,
		DestinationPath: dest,
		SHA256:          hex.EncodeToString(sum[:]),
		SizeBytes:       int64(len(body)),
		Status:          status,
	}
	if _, err := o.plane.store.AddArtifact(ctx, o.runID, m); err != nil {
		return run.ArtifactManifest{}, err
	}
	m.RunID = o.runID
	m.CreatedAt = now

	if o.plane.traces != nil {
		o.files = append(o.files, trace.ArtifactFile{
			Front: trace.ArtifactFront{
				RunID:     o.runID,
				Agent:     o.template,
				Source:    "sandbox",
				CreatedAt: now,
				Status:    string(status),
				Type:      opts.Kind,
			},
			Title: opts.Title,
			Body:  string(body),
		})
	}
	return m, nil
}

// extractLocked pulls outstanding artifacts out of the sandbox,
// best-effort.
func (o *Orchestrator) extractLocked(ctx context.Context) {
	if o.sb == nil {
		return
	}
	arts, err := o.sb.Extract(ctx)
	if err != nil {
		o.emit("extract_failed", map[string]any{"error": err.Error()})
		return
	}
	for _, a := range arts {
		if _, err := o.addArtifactLocked(ctx, a.Body, ArtifactOptions{
			Title: a.Name,
			Kind:  a.Kind,
			MIME:  a.MIME,
		}); err != nil {
			o.emit("artifact_register_failed", map[string]any{"name": a.Name, "error": err.Error()})
		}
	}
}

// Shutdown tears the orchestrator down from any state: best-effort
// extraction, sandbox release, trace write. Idempotent.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return nil
	}
	o.state = OrchStopping
	o.extractLocked(ctx)
	o.teardownLocked(ctx)
	return nil
}

// teardownLocked releases the sandbox, writes the trace bundle and any
// queued artifact files, and drops the orchestrator from the plane.
func (o *Orchestrator) teardownLocked(ctx context.Context) {
	if o.done {
		return
	}
	o.done = true
	o.cancel()

	if o.sb != nil {
		if err := o.sb.Shutdown(ctx); err != nil {
			o.emit("sandbox_shutdown_failed", map[string]any{"error": err.Error()})
		}
	}

	if o.plane.traces != nil {
		o.writeTraceLocked(ctx)
	}

	if o.state != OrchError {
		o.state = OrchStopped
	}
	o.plane.release(o.runID)
}

func (o *Orchestrator) writeTraceLocked(ctx context.Context) {
	r, err := o.plane.store.Get(ctx, o.runID)
	if err != nil {
		o.emit("trace_failed", map[string]any{"error": err.Error()})
		return
	}
	res, err := o.plane.store.EventLog().Query(ctx, o.runID, event.Query{AfterSeq: -1, Limit: -1})
	if err != nil {
		o.emit("trace_failed", map[string]any{"error": err.Error()})
		return
	}
	bundle := trace.Assemble(r, res.Events, o.seeds)
	if _, _, err := o.plane.traces.Write(bundle); err != nil {
		o.emit("trace_failed", map[string]any{"error": err.Error()})
	}
	for _, f := range o.files {
		if _, err := o.plane.traces.WriteArtifact(f); err != nil {
			o.emit("artifact_write_failed", map[string]any{"title": f.Title, "error": err.Error()})
		}
	}
	o.files = nil
}
