package contract

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/dshills/runplane/run/event"
)

// ToolCall is the candidate action context checked at the tool-call gate.
type ToolCall struct {
	ToolName string
	Input    map[string]any
	FilePath string
	Action   string
}

// subject is the string pattern_blocked regexes run against: the first
// non-empty of action, tool name, and file path.
func (c ToolCall) subject() string {
	switch {
	case c.Action != "":
		return c.Action
	case c.ToolName != "":
		return c.ToolName
	default:
		return c.FilePath
	}
}

// Violation is a runtime contract breach. DriftType classifies it for the
// drift.detected event the orchestrator emits.
type Violation struct {
	DriftType    event.DriftType
	ConstraintID string
	Detail       string
	ToolName     string
	Path         string
}

func (v *Violation) Error() string {
	if v.ConstraintID != "" {
		return fmt.Sprintf("contract violation (%s, constraint %s): %s", v.DriftType, v.ConstraintID, v.Detail)
	}
	return fmt.Sprintf("contract violation (%s): %s", v.DriftType, v.Detail)
}

// CustomValidator checks a tool call against a custom constraint rule.
// A nil return means the call passes.
type CustomValidator func(call ToolCall, rule Rule) *Violation

// Registry holds named custom validators consulted for custom constraints.
// Unknown validator names are ignored with a warning; a contract must not
// become unrunnable because a deployment lacks an optional validator.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]CustomValidator
}

// NewRegistry creates an empty custom validator registry.
func NewRegistry() *Registry {
	return &Registry{validators: make(map[string]CustomValidator)}
}

// Register adds or replaces a named validator.
func (r *Registry) Register(name string, v CustomValidator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[name] = v
}

func (r *Registry) lookup(name string) (CustomValidator, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[name]
	return v, ok
}

// CheckToolPolicy validates the call against the contract's allow/block
// lists. Nil means the call is permitted.
func CheckToolPolicy(c *Contract, call ToolCall) *Violation {
	for _, blocked := range c.ToolPolicy.Blocked {
		if call.ToolName == blocked {
			return &Violation{
				DriftType: event.DriftUnauthorizedTool,
				Detail:    fmt.Sprintf("tool %q is blocked by the contract", call.ToolName),
				ToolName:  call.ToolName,
			}
		}
	}
	if len(c.ToolPolicy.Allowed) > 0 {
		for _, allowed := range c.ToolPolicy.Allowed {
			if call.ToolName == allowed {
				return nil
			}
		}
		return &Violation{
			DriftType: event.DriftUnauthorizedTool,
			Detail:    fmt.Sprintf("tool %q is not in the contract's allowed set", call.ToolName),
			ToolName:  call.ToolName,
		}
	}
	return nil
}

// CheckConstraints evaluates every constraint against the call. It returns
// the first violation found, plus warnings for custom constraints whose
// validator is not registered.
func CheckConstraints(c *Contract, call ToolCall, reg *Registry) (*Violation, []Issue) {
	var warnings []Issue

	for _, con := range c.Constraints {
		switch con.Kind {
		case RuleToolBlocked:
			for _, tool := range con.Rule.Tools {
				if call.ToolName == tool {
					return &Violation{
						DriftType:    event.DriftConstraintBreach,
						ConstraintID: con.ID,
						Detail:       fmt.Sprintf("tool %q is blocked by constraint %s", tool, con.ID),
						ToolName:     call.ToolName,
					}, warnings
				}
			}

		case RulePathBlocked:
			if call.FilePath == "" {
				continue
			}
			for _, pattern := range con.Rule.Patterns {
				if Match(pattern, call.FilePath) {
					return &Violation{
						DriftType:    event.DriftPathViolation,
						ConstraintID: con.ID,
						Detail:       fmt.Sprintf("path %q matches blocked pattern %q", call.FilePath, pattern),
						ToolName:     call.ToolName,
						Path:         call.FilePath,
					}, warnings
				}
			}

		case RulePatternBlocked:
			subject := call.subject()
			if subject == "" {
				continue
			}
			for _, pattern := range con.Rule.Patterns {
				re, err := regexp.Compile(pattern)
				if err != nil {
					// Caught by pre-run validation; skip at runtime.
					continue
				}
				if re.MatchString(subject) {
					return &Violation{
						DriftType:    event.DriftConstraintBreach,
						ConstraintID: con.ID,
						Detail:       fmt.Sprintf("%q matches blocked pattern %q", subject, pattern),
						ToolName:     call.ToolName,
						Path:         call.FilePath,
					}, warnings
				}
			}

		case RuleCustom:
			v, ok := reg.lookup(con.Rule.Validator)
			if !ok {
				warnings = append(warnings, Issue{
					Severity: IssueWarning,
					Code:     "unknown_validator",
					Field:    "constraints[" + con.ID + "]",
					Message:  fmt.Sprintf("custom validator %q is not registered; constraint skipped", con.Rule.Validator),
				})
				continue
			}
			if violation := v(call, con.Rule); violation != nil {
				if violation.ConstraintID == "" {
					violation.ConstraintID = con.ID
				}
				if violation.DriftType == "" {
					violation.DriftType = event.DriftConstraintBreach
				}
				return violation, warnings
			}
		}
	}

	return nil, warnings
}

// CheckDrift combines the tool-policy and constraint checks into the single
// gate the orchestrator calls per tool call. The returned violation, if
// any, is what the caller reports in a drift.detected event; the caller
// decides whether to surface it as fatal or retry.
func CheckDrift(c *Contract, call ToolCall, reg *Registry) (*Violation, []Issue) {
	if v := CheckToolPolicy(c, call); v != nil {
		return v, nil
	}
	return CheckConstraints(c, call, reg)
}
