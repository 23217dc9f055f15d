package run

import (
	"errors"
	"fmt"
)

// Sentinel errors for state machine operations.
var (
	// ErrInvalidTransition is returned when the requested edge is not in
	// the lifecycle graph.
	ErrInvalidTransition = errors.New("run: invalid state transition")

	// ErrTerminalState is returned when an operation targets a run that
	// already reached a terminal state.
	ErrTerminalState = errors.New("run: state is terminal")

	// ErrInvalidAction is returned when a user action does not apply to
	// the run's current state.
	ErrInvalidAction = errors.New("run: action not valid in current state")

	// ErrNotFound is returned by stores when no run has the given id.
	ErrNotFound = errors.New("run: not found")

	// ErrExists is returned when creating a run whose id is taken.
	ErrExists = errors.New("run: already exists")
)

// transitions is the lifecycle graph. Terminal states have no entry.
var transitions = map[State][]State{
	StatePending:      {StateInitializing, StateCancelled},
	StateInitializing: {StatePlanning, StateFailed, StateCancelled},
	StatePlanning:     {StateExecuting, StateAwaitingApproval, StatePaused, StateFailed, StateCancelled},
	StateExecuting:    {StateVerifying, StateAwaitingApproval, StatePaused, StateFailed, StateCancelled},
	StateVerifying:    {StatePackaging, StateExecuting, StatePaused, StateFailed, StateCancelled},
	StatePackaging:    {StateCompleted, StateFailed, StateCancelled},
	StateAwaitingApproval: {
		StatePlanning, StateExecuting, StateVerifying,
		StatePaused, StateFailed, StateCancelled, StateTimeout,
	},
	StatePaused: {StatePlanning, StateExecuting, StateVerifying, StateCancelled},
}

// CanTransition reports whether from→to is an edge in the lifecycle graph.
// It does not consider previous_state; use Transition for the full check.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates the from→to edge including the previous_state
// discipline and returns the previous_state value the run must carry after
// the move. prev is the run's stored previous_state (empty when unset).
//
//   - Entering awaiting_approval or paused from a work state records that
//     state so the run can come back to it.
//   - A rejection can move awaiting_approval→paused; the recorded state
//     carries over.
//   - Leaving a suspended state for a work state must return to exactly the
//     recorded state, and clears it.
func Transition(from, prev, to State) (State, error) {
	if !from.Valid() || !to.Valid() {
		return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if from.Terminal() {
		return "", fmt.Errorf("%w: %s", ErrTerminalState, from)
	}
	if !CanTransition(from, to) {
		return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	suspended := from == StateAwaitingApproval || from == StatePaused

	switch {
	case to == StateAwaitingApproval || to == StatePaused:
		if from.Resumable() {
			return from, nil
		}
		// awaiting_approval -> paused keeps the original work state.
		if suspended && prev != "" {
			return prev, nil
		}
		return "", fmt.Errorf("%w: cannot suspend from %s", ErrInvalidTransition, from)

	case suspended && to.Resumable():
		if prev == "" {
			return "", fmt.Errorf("%w: %s has no recorded previous state", ErrInvalidTransition, from)
		}
		if to != prev {
			return "", fmt.Errorf("%w: %s must resume to %s, not %s", ErrInvalidTransition, from, prev, to)
		}
		return "", nil

	default:
		// Any other exit (failure, cancellation, timeout, normal advance)
		// drops the recorded state.
		return "", nil
	}
}

// UserAction is an operator request against a run.
type UserAction string

const (
	ActionPause   UserAction = "pause"
	ActionResume  UserAction = "resume"
	ActionCancel  UserAction = "cancel"
	ActionApprove UserAction = "approve"
	ActionReject  UserAction = "reject"
	ActionRetry   UserAction = "retry"
)

// RejectReason qualifies a reject action and selects its destination.
type RejectReason string

const (
	RejectUserCancelled   RejectReason = "user_cancelled"
	RejectNeedsEdit       RejectReason = "needs_edit"
	RejectPolicyViolation RejectReason = "policy_violation"
)

// ActionTarget resolves a user action to the destination state, given the
// run's current and recorded previous state. Reject requires a reason;
// other actions ignore it.
//
// Retry is the one move not on the lifecycle graph: it resets a failed,
// cancelled, or timed-out run back to pending for a fresh attempt.
func ActionTarget(current, prev State, action UserAction, reason RejectReason) (State, error) {
	switch action {
	case ActionPause:
		if !current.Resumable() {
			return "", fmt.Errorf("%w: pause from %s", ErrInvalidAction, current)
		}
		return StatePaused, nil

	case ActionResume:
		if current != StatePaused {
			return "", fmt.Errorf("%w: resume from %s", ErrInvalidAction, current)
		}
		if prev == "" {
			return "", fmt.Errorf("%w: paused run has no recorded previous state", ErrInvalidAction)
		}
		return prev, nil

	case ActionCancel:
		if current.Terminal() {
			return "", fmt.Errorf("%w: cancel from %s", ErrTerminalState, current)
		}
		return StateCancelled, nil

	case ActionApprove:
		if current != StateAwaitingApproval {
			return "", fmt.Errorf("%w: approve from %s", ErrInvalidAction, current)
		}
		if prev == "" {
			return "", fmt.Errorf("%w: awaiting run has no recorded previous state", ErrInvalidAction)
		}
		return prev, nil

	case ActionReject:
		if current != StateAwaitingApproval {
			return "", fmt.Errorf("%w: reject from %s", ErrInvalidAction, current)
		}
		switch reason {
		case RejectUserCancelled:
			return StateCancelled, nil
		case RejectNeedsEdit:
			return StatePaused, nil
		case RejectPolicyViolation:
			return StateFailed, nil
		default:
			return "", fmt.Errorf("%w: unknown reject reason %q", ErrInvalidAction, reason)
		}

	case ActionRetry:
		switch current {
		case StateFailed, StateCancelled, StateTimeout:
			return StatePending, nil
		}
		return "", fmt.Errorf("%w: retry from %s", ErrInvalidAction, current)

	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidAction, action)
	}
}
