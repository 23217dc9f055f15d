package agent

import (
	"context"
	"sync"
)

// MockDriver replays a scripted sequence of decisions. Tests use it to
// drive an orchestrator through an exact scenario without a model.
type MockDriver struct {
	mu    sync.Mutex
	steps []scriptedStep
	pos   int
	views []View
}

type scriptedStep struct {
	decision Decision
	usage    Usage
	err      error
}

// NewMockDriver creates an empty scripted driver.
func NewMockDriver() *MockDriver {
	return &MockDriver{}
}

// Script appends a decision to the sequence.
func (m *MockDriver) Script(d Decision, u Usage) *MockDriver {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, scriptedStep{decision: d, usage: u})
	return m
}

// ScriptError appends a failing step.
func (m *MockDriver) ScriptError(err error) *MockDriver {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, scriptedStep{err: err})
	return m
}

// Views returns every view the driver was shown, in order.
func (m *MockDriver) Views() []View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]View(nil), m.views...)
}

// Name implements Driver.
func (m *MockDriver) Name() string { return "mock" }

// Next replays the scripted sequence. Past the end of the script it
// declares the phase finished.
func (m *MockDriver) Next(ctx context.Context, view View) (Decision, Usage, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, Usage{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.views = append(m.views, view)
	if m.pos >= len(m.steps) {
		return Decision{Action: ActionAdvance, Reason: "script exhausted"}, Usage{}, nil
	}
	step := m.steps[m.pos]
	m.pos++
	if step.err != nil {
		return Decision{}, Usage{}, step.err
	}
	return step.decision, step.usage, nil
}
