// Package control is the process-scoped control plane. One Plane owns the
// subsystem handles (run store, approval service, cost tracker, error
// handler, emitter, metrics, trace writer, sandbox provisioner) and hands
// out per-run Orchestrators. Request handlers receive the Plane by
// injection; nothing here is a global.
package control

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dshills/runplane/run"
	"github.com/dshills/runplane/run/approval"
	"github.com/dshills/runplane/run/contract"
	"github.com/dshills/runplane/run/emit"
	"github.com/dshills/runplane/run/sandbox"
	"github.com/dshills/runplane/run/store"
	"github.com/dshills/runplane/run/stream"
	"github.com/dshills/runplane/run/trace"
)

// ErrNoOrchestrator is returned when no live orchestrator owns the run.
var ErrNoOrchestrator = errors.New("control: no orchestrator for run")

// DefaultApprovalTick is how often pending approvals are checked for
// expiry.
const DefaultApprovalTick = 5 * time.Second

// Config assembles a Plane. Store and Provisioner are required; everything
// else has a working default.
type Config struct {
	Store       *store.Store
	Provisioner sandbox.Provisioner

	Budget     run.Budget
	Rates      run.Rates
	Emitter    emit.Emitter
	Metrics    *run.Metrics
	Validators *contract.Registry

	// TraceDir is the root for trace bundles and artifact files. Empty
	// disables file output.
	TraceDir string

	// ApprovalTick overrides the expiry check interval.
	ApprovalTick time.Duration
}

// Plane is the process-scoped control plane.
type Plane struct {
	store     *store.Store
	approvals *approval.Service
	costs     *run.Tracker
	errors    *run.ErrorHandler
	emitter   emit.Emitter
	metrics   *run.Metrics
	prov      sandbox.Provisioner
	reg       *contract.Registry
	traces    *trace.Writer
	rates     run.Rates

	tick   time.Duration
	cancel context.CancelFunc
	once   sync.Once

	mu    sync.Mutex
	orchs map[string]*Orchestrator
}

// NewPlane wires the subsystems together.
func NewPlane(cfg Config) *Plane {
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	rates := cfg.Rates
	if rates == (run.Rates{}) {
		rates = run.DefaultRates
	}
	tick := cfg.ApprovalTick
	if tick <= 0 {
		tick = DefaultApprovalTick
	}
	p := &Plane{
		store:     cfg.Store,
		approvals: approval.NewService(cfg.Store, emitter),
		costs:     run.NewTracker(cfg.Budget),
		errors:    run.NewErrorHandler(),
		emitter:   emitter,
		metrics:   cfg.Metrics,
		prov:      cfg.Provisioner,
		reg:       cfg.Validators,
		rates:     rates,
		tick:      tick,
		orchs:     make(map[string]*Orchestrator),
	}
	if cfg.TraceDir != "" {
		p.traces = trace.NewWriter(cfg.TraceDir)
	}
	if p.store != nil {
		p.store.SetMetrics(cfg.Metrics)
	}
	return p
}

// Store exposes the run store for read paths (listing, history queries).
func (p *Plane) Store() *store.Store { return p.store }

// Approvals exposes the approval service for resolution endpoints.
func (p *Plane) Approvals() *approval.Service { return p.approvals }

// Costs exposes the cost tracker for workspace reporting.
func (p *Plane) Costs() *run.Tracker { return p.costs }

// Errors exposes the error handler so deployments can tune retry policies.
func (p *Plane) Errors() *run.ErrorHandler { return p.errors }

// Estimate produces a pre-run cost estimate with the plane's rates.
func (p *Plane) Estimate(in run.EstimateInput) run.Estimate {
	return run.EstimateCost(in, p.rates)
}

// SSEHandler serves the event stream of any run over Server-Sent Events.
func (p *Plane) SSEHandler() *stream.SSEHandler {
	return stream.NewSSEHandler(p.store.EventLog())
}

// WSHandler serves the event stream of any run over WebSocket.
func (p *Plane) WSHandler() *stream.WSHandler {
	return stream.NewWSHandler(p.store.EventLog())
}

// startDriver launches the approval expiry loop once per Plane.
func (p *Plane) startDriver() {
	p.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		go p.approvals.RunTimeoutLoop(ctx, p.tick)
	})
}

// StartRun creates a run, drives it through initialization, and returns
// its orchestrator.
func (p *Plane) StartRun(ctx context.Context, opts StartOptions) (*Orchestrator, error) {
	o, err := p.newOrchestrator(opts)
	if err != nil {
		return nil, err
	}
	if err := o.start(ctx); err != nil {
		return nil, err
	}
	p.startDriver()

	p.mu.Lock()
	p.orchs[o.runID] = o
	p.mu.Unlock()
	p.metrics.RunStarted()
	return o, nil
}

// Orchestrator returns the live orchestrator for a run.
func (p *Plane) Orchestrator(runID string) (*Orchestrator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orchs[runID]
	if !ok {
		return nil, ErrNoOrchestrator
	}
	return o, nil
}

// release drops a finished orchestrator from the live set.
func (p *Plane) release(runID string) {
	p.mu.Lock()
	delete(p.orchs, runID)
	p.mu.Unlock()
}

// Close shuts down every live orchestrator and stops the approval driver.
// The store is left open; it belongs to the caller.
func (p *Plane) Close(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Lock()
	live := make([]*Orchestrator, 0, len(p.orchs))
	for _, o := range p.orchs {
		live = append(live, o)
	}
	p.mu.Unlock()

	var firstErr error
	for _, o := range live {
		if err := o.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
