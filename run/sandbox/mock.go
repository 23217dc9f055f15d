package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockProvisioner hands out MockSandbox instances for tests and local
// development.
type MockProvisioner struct {
	mu        sync.Mutex
	sandboxes []*MockSandbox

	// Err, when set, makes Provision fail.
	Err error

	// Configure is applied to each new sandbox before it is returned.
	Configure func(*MockSandbox)
}

// Provision creates a fresh mock sandbox.
func (p *MockProvisioner) Provision(_ context.Context, opts ProvisionOptions) (Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	sb := &MockSandbox{
		id:      "sbx-" + uuid.NewString()[:8],
		opts:    opts,
		results: make(map[string][]ExecResult),
	}
	if p.Configure != nil {
		p.Configure(sb)
	}
	p.sandboxes = append(p.sandboxes, sb)
	return sb, nil
}

// Sandboxes returns every sandbox provisioned so far.
func (p *MockProvisioner) Sandboxes() []*MockSandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*MockSandbox(nil), p.sandboxes...)
}

// MockSandbox is a scripted in-memory sandbox. Script per-tool results with
// Script; unscripted tools succeed with empty output.
type MockSandbox struct {
	mu       sync.Mutex
	id       string
	opts     ProvisionOptions
	results  map[string][]ExecResult
	calls    []ExecRequest
	arts     []Artifact
	execErr  error
	shutdown bool
}

// ID returns the mock's sandbox id.
func (s *MockSandbox) ID() string { return s.id }

// Options returns the provision options the sandbox was created with.
func (s *MockSandbox) Options() ProvisionOptions { return s.opts }

// Script queues results for a tool, consumed in order by Exec. After the
// queue drains, Exec falls back to a generic success.
func (s *MockSandbox) Script(toolName string, results ...ExecResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[toolName] = append(s.results[toolName], results...)
}

// FailWith makes every subsequent Exec return err at the transport level.
func (s *MockSandbox) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execErr = err
}

// AddArtifact queues an artifact for Extract.
func (s *MockSandbox) AddArtifact(a Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arts = append(s.arts, a)
}

// Calls returns every Exec request received, in order.
func (s *MockSandbox) Calls() []ExecRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ExecRequest(nil), s.calls...)
}

// Down reports whether Shutdown has been called.
func (s *MockSandbox) Down() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *MockSandbox) Exec(ctx context.Context, req ExecRequest) (ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return ExecResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ExecResult{}, ErrNotProvisioned
	}
	s.calls = append(s.calls, req)
	if s.execErr != nil {
		return ExecResult{}, s.execErr
	}
	if queue := s.results[req.ToolName]; len(queue) > 0 {
		res := queue[0]
		s.results[req.ToolName] = queue[1:]
		return res, nil
	}
	return ExecResult{
		Output:   fmt.Sprintf("%s ok", req.ToolName),
		Success:  true,
		Duration: time.Millisecond,
	}, nil
}

func (s *MockSandbox) Extract(ctx context.Context) ([]Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Artifact(nil), s.arts...), nil
}

func (s *MockSandbox) Shutdown(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	return nil
}
