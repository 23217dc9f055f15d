package run

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrorCategory is the closed classification set for run errors.
type ErrorCategory string

const (
	ErrTransient         ErrorCategory = "transient"
	ErrToolFailure       ErrorCategory = "tool_failure"
	ErrAgentError        ErrorCategory = "agent_error"
	ErrSandboxCrash      ErrorCategory = "sandbox_crash"
	ErrContractViolation ErrorCategory = "contract_violation"
	ErrTimeout           ErrorCategory = "timeout"
	ErrApprovalTimeout   ErrorCategory = "approval_timeout"
	ErrStalled           ErrorCategory = "stalled"
)

// RetryPolicy controls retry behavior for one error category.
type RetryPolicy struct {
	MaxRetries  int
	BaseDelay   time.Duration
	Exponential bool
	MaxDelay    time.Duration
}

// Backoff returns the delay before retry attempt n (0-based):
// min(base * 2^n, cap) when exponential, else the base delay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if !p.Exponential {
		return p.BaseDelay
	}
	delay := p.BaseDelay << uint(attempt)
	if delay > p.MaxDelay || delay <= 0 {
		return p.MaxDelay
	}
	return delay
}

func defaultPolicies() map[ErrorCategory]RetryPolicy {
	return map[ErrorCategory]RetryPolicy{
		ErrTransient:    {MaxRetries: 3, BaseDelay: 2 * time.Second, Exponential: true, MaxDelay: 16 * time.Second},
		ErrToolFailure:  {MaxRetries: 2, BaseDelay: time.Second, Exponential: true, MaxDelay: 4 * time.Second},
		ErrSandboxCrash: {MaxRetries: 1, BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Second},
	}
}

// Classify maps an error to a category by substring heuristics over its
// message. Callers that know the category should pass it explicitly and
// skip classification.
func Classify(err error) ErrorCategory {
	if err == nil {
		return ErrAgentError
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate limit", "econnrefused", "econnreset", "connection refused", "timed out", "too many requests", "503"):
		return ErrTransient
	case containsAny(msg, "sandbox", "oom", "out of memory", "crashed"):
		return ErrSandboxCrash
	case containsAny(msg, "constraint", "not allowed", "violation"):
		return ErrContractViolation
	case containsAny(msg, "tool failed", "tool error"):
		return ErrToolFailure
	case containsAny(msg, "stalled", "no progress"):
		return ErrStalled
	default:
		return ErrAgentError
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// PartialResults is the salvage captured when a run fails for good.
type PartialResults struct {
	Artifacts    []ArtifactManifest `json:"artifacts,omitempty"`
	FilesChanged []string           `json:"files_changed,omitempty"`
	LastPhase    State              `json:"last_phase"`
	LastEventSeq int64              `json:"last_event_seq"`
	CapturedAt   time.Time          `json:"captured_at"`
}

// HandleOpts carries optional context for Handle: an explicit category
// (skips classification), template context, and salvage.
type HandleOpts struct {
	Category       ErrorCategory
	ToolName       string
	TimeoutSeconds int
	Partial        *PartialResults
}

// Outcome is the error handler's decision.
type Outcome struct {
	Category    ErrorCategory
	ShouldRetry bool
	RetryDelay  time.Duration
	Attempt     int
	UserMessage string
	NewState    State
	Error       *ErrorInfo
	Partial     *PartialResults
}

// ErrorHandler decides retry-or-fail per error, keeping retry counters per
// {run, category}.
type ErrorHandler struct {
	mu       sync.Mutex
	policies map[ErrorCategory]RetryPolicy
	counters map[string]int
	now      func() time.Time
}

// NewErrorHandler creates a handler with the default per-category retry
// table.
func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		policies: defaultPolicies(),
		counters: make(map[string]int),
		now:      time.Now,
	}
}

// SetPolicy overrides the retry policy for one category.
func (h *ErrorHandler) SetPolicy(cat ErrorCategory, p RetryPolicy) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.policies[cat] = p
}

// Handle classifies the error and decides whether to retry. While retries
// remain the counter is incremented and a delay returned, with no state
// change. Once exhausted it returns the failed-state outcome: user-facing
// message, ErrorInfo for the run record, and the captured partial results.
func (h *ErrorHandler) Handle(r *Run, err error, opts HandleOpts) Outcome {
	cat := opts.Category
	if cat == "" {
		cat = Classify(err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	key := r.ID + "|" + string(cat)
	attempt := h.counters[key]
	policy := h.policies[cat]

	if attempt < policy.MaxRetries {
		h.counters[key] = attempt + 1
		return Outcome{
			Category:    cat,
			ShouldRetry: true,
			RetryDelay:  policy.Backoff(attempt),
			Attempt:     attempt + 1,
			UserMessage: userMessage(cat, r, err, opts, attempt+1, policy.MaxRetries, true),
		}
	}

	partial := opts.Partial
	if partial == nil {
		partial = &PartialResults{}
	}
	if len(partial.Artifacts) == 0 {
		partial.Artifacts = append([]ArtifactManifest(nil), r.Artifacts...)
	}
	partial.LastPhase = r.State
	partial.LastEventSeq = r.LastEventSeq
	partial.CapturedAt = h.now().UTC()

	msg := userMessage(cat, r, err, opts, attempt, policy.MaxRetries, false)
	return Outcome{
		Category:    cat,
		ShouldRetry: false,
		Attempt:     attempt,
		UserMessage: msg,
		NewState:    StateFailed,
		Error: &ErrorInfo{
			Kind:        string(cat),
			Message:     msg,
			Recoverable: false,
		},
		Partial: partial,
	}
}

// ClearRun drops all retry counters for a run. Called when the run
// completes successfully.
func (h *ErrorHandler) ClearRun(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prefix := runID + "|"
	for key := range h.counters {
		if strings.HasPrefix(key, prefix) {
			delete(h.counters, key)
		}
	}
}

// userMessage renders the per-category template. It never leaks raw stack
// traces; the underlying error message appears only where it helps the
// user act.
func userMessage(cat ErrorCategory, r *Run, err error, opts HandleOpts, attempt, maxRetries int, retrying bool) string {
	switch cat {
	case ErrTransient:
		if retrying {
			return fmt.Sprintf("A temporary service issue interrupted the run; retrying (attempt %d of %d).", attempt, maxRetries)
		}
		return fmt.Sprintf("A temporary service issue kept recurring after %d retries. Please try the run again later.", maxRetries)
	case ErrToolFailure:
		tool := opts.ToolName
		if tool == "" {
			tool = "a tool"
		}
		if retrying {
			return fmt.Sprintf("%s failed; retrying (attempt %d of %d).", tool, attempt, maxRetries)
		}
		return fmt.Sprintf("%s failed repeatedly and the run could not continue.", tool)
	case ErrSandboxCrash:
		sandbox := "the execution environment"
		if r.Env != nil && r.Env.SandboxID != "" {
			sandbox = "sandbox " + r.Env.SandboxID
		}
		if retrying {
			return fmt.Sprintf("%s crashed; restarting once before giving up.", sandbox)
		}
		return fmt.Sprintf("%s crashed and could not be recovered.", sandbox)
	case ErrContractViolation:
		return "Contract violation: the agent attempted an action outside the agreed contract, so the run was stopped."
	case ErrTimeout:
		if opts.TimeoutSeconds > 0 {
			return fmt.Sprintf("The run exceeded its %d second time limit and was stopped.", opts.TimeoutSeconds)
		}
		return "The run exceeded its time limit and was stopped."
	case ErrApprovalTimeout:
		return "An approval request expired before anyone responded, so the run was stopped."
	case ErrStalled:
		return "The run stopped making progress and was ended."
	default:
		if err != nil {
			return fmt.Sprintf("The agent hit an unrecoverable problem: %s.", err.Error())
		}
		return "The agent hit an unrecoverable problem."
	}
}
