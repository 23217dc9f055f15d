// Package contract defines the immutable run contract and its validation.
//
// A contract is frozen at run start. Pre-run validation catches structural
// and semantic defects before a sandbox is provisioned; the runtime checks
// gate every tool call the agent attempts against the tool policy and the
// declared constraints.
package contract

// EvidenceKind describes how a success criterion is verified.
type EvidenceKind string

const (
	EvidenceArtifact  EvidenceKind = "artifact"
	EvidenceToolTrace EvidenceKind = "tool_trace"
	EvidenceAssertion EvidenceKind = "assertion"
)

// SuccessCriterion is one ordered acceptance condition for the run.
type SuccessCriterion struct {
	ID          string       `json:"id"`
	Description string       `json:"description"`
	Evidence    EvidenceKind `json:"evidence"`
}

// Deliverable names an output the run must (or may) produce.
type Deliverable struct {
	ID              string `json:"id"`
	Kind            string `json:"kind"`
	DestinationPath string `json:"destination_path"`
	Required        bool   `json:"required"`
}

// RuleKind selects the constraint rule interpretation.
type RuleKind string

const (
	RuleToolBlocked    RuleKind = "tool_blocked"
	RulePathBlocked    RuleKind = "path_blocked"
	RulePatternBlocked RuleKind = "pattern_blocked"
	RuleCustom         RuleKind = "custom"
)

func (k RuleKind) valid() bool {
	switch k {
	case RuleToolBlocked, RulePathBlocked, RulePatternBlocked, RuleCustom:
		return true
	}
	return false
}

// Rule is the kind-specific specification of a constraint.
//
//   - tool_blocked uses Tools.
//   - path_blocked uses Patterns (glob, see Match).
//   - pattern_blocked uses Patterns (regular expressions).
//   - custom uses Validator, the name of a registered validator.
type Rule struct {
	Tools     []string `json:"tools,omitempty"`
	Patterns  []string `json:"patterns,omitempty"`
	Validator string   `json:"validator,omitempty"`
}

// Constraint is one declarative restriction on agent behavior.
type Constraint struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Kind        RuleKind `json:"kind"`
	Rule        Rule     `json:"rule"`
}

// ToolPolicy is the allow/block list for tool calls. The sets must be
// disjoint. An empty Allowed set permits every tool not in Blocked.
type ToolPolicy struct {
	Allowed []string `json:"allowed,omitempty"`
	Blocked []string `json:"blocked,omitempty"`
}

// TimeoutAction is what happens to a pending approval when it expires.
type TimeoutAction string

const (
	TimeoutApprove TimeoutAction = "approve"
	TimeoutReject  TimeoutAction = "reject"
)

// ApprovalRule configures the approval gate for one action kind.
type ApprovalRule struct {
	Condition      string        `json:"condition,omitempty"`
	TimeoutSeconds int           `json:"timeout_seconds"`
	AutoAction     TimeoutAction `json:"auto_action"`
}

// OutputDestination binds a deliverable to a concrete destination path
// pattern. Path patterns may use the {run_id}, {year}, {month}, and {slug}
// variables.
type OutputDestination struct {
	DeliverableID string `json:"deliverable_id"`
	Path          string `json:"path"`
}

// Contract is the immutable specification of what a run may and must do.
type Contract struct {
	Goal               string                  `json:"goal"`
	SuccessCriteria    []SuccessCriterion      `json:"success_criteria"`
	Deliverables       []Deliverable           `json:"deliverables"`
	Constraints        []Constraint            `json:"constraints,omitempty"`
	ToolPolicy         ToolPolicy              `json:"tool_policy"`
	IntegrationScopes  []string                `json:"integration_scopes,omitempty"`
	ApprovalRules      map[string]ApprovalRule `json:"approval_rules,omitempty"`
	MaxDurationSeconds int                     `json:"max_duration_seconds"`
	MaxCostCents       int64                   `json:"max_cost_cents,omitempty"` // 0 = no cap
	InputFiles         []string                `json:"input_files,omitempty"`
	OutputDestinations []OutputDestination     `json:"output_destinations,omitempty"`
}

// ApprovalRuleFor returns the approval rule for an action kind along with
// whether one is configured.
func (c *Contract) ApprovalRuleFor(actionType string) (ApprovalRule, bool) {
	rule, ok := c.ApprovalRules[actionType]
	return rule, ok
}
