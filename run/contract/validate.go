package contract

import (
	"fmt"
	"regexp"
)

// IssueSeverity grades a pre-run validation finding.
type IssueSeverity string

const (
	IssueError   IssueSeverity = "error"
	IssueWarning IssueSeverity = "warning"
)

// Issue is one pre-run validation finding. A run may start only when no
// error-severity issue remains.
type Issue struct {
	Severity IssueSeverity
	Code     string
	Field    string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s [%s] %s: %s", i.Severity, i.Code, i.Field, i.Message)
}

// HasErrors reports whether any issue is error severity.
func HasErrors(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Severity == IssueError {
			return true
		}
	}
	return false
}

// Validate runs every pre-run check and returns the accumulated issues:
//
//  1. Structural validation (required fields, known enum values, compilable
//     patterns).
//  2. Tool policy conflicts (allowed ∩ blocked must be empty).
//  3. ID uniqueness across success criteria, deliverables, and constraints.
//  4. Reference integrity of output destinations.
func Validate(c *Contract) []Issue {
	var issues []Issue
	issues = append(issues, validateStructure(c)...)
	issues = append(issues, validateToolPolicy(&c.ToolPolicy)...)
	issues = append(issues, validateUniqueIDs(c)...)
	issues = append(issues, validateReferences(c)...)
	return issues
}

func validateStructure(c *Contract) []Issue {
	var issues []Issue

	if c.Goal == "" {
		issues = append(issues, Issue{IssueError, "missing_goal", "goal", "goal must not be empty"})
	}
	if len(c.SuccessCriteria) == 0 {
		issues = append(issues, Issue{IssueWarning, "no_success_criteria", "success_criteria",
			"contract has no success criteria; the run cannot be verified"})
	}
	if c.MaxDurationSeconds < 0 {
		issues = append(issues, Issue{IssueError, "negative_duration", "max_duration_seconds",
			"max_duration_seconds must be >= 0"})
	}
	if c.MaxCostCents < 0 {
		issues = append(issues, Issue{IssueError, "negative_budget", "max_cost_cents",
			"max_cost_cents must be >= 0"})
	}

	for i, sc := range c.SuccessCriteria {
		if sc.ID == "" {
			issues = append(issues, Issue{IssueError, "missing_id",
				fmt.Sprintf("success_criteria[%d]", i), "success criterion id must not be empty"})
		}
	}
	for i, d := range c.Deliverables {
		field := fmt.Sprintf("deliverables[%d]", i)
		if d.ID == "" {
			issues = append(issues, Issue{IssueError, "missing_id", field, "deliverable id must not be empty"})
		}
		if d.Kind == "" {
			issues = append(issues, Issue{IssueError, "missing_kind", field, "deliverable kind must not be empty"})
		}
	}

	for i, con := range c.Constraints {
		field := fmt.Sprintf("constraints[%d]", i)
		if con.ID == "" {
			issues = append(issues, Issue{IssueError, "missing_id", field, "constraint id must not be empty"})
		}
		if !con.Kind.valid() {
			issues = append(issues, Issue{IssueError, "unknown_rule_kind", field,
				fmt.Sprintf("unknown constraint rule kind %q", con.Kind)})
			continue
		}
		switch con.Kind {
		case RuleToolBlocked:
			if len(con.Rule.Tools) == 0 {
				issues = append(issues, Issue{IssueError, "empty_rule", field,
					"tool_blocked constraint lists no tools"})
			}
		case RulePathBlocked:
			if len(con.Rule.Patterns) == 0 {
				issues = append(issues, Issue{IssueError, "empty_rule", field,
					"path_blocked constraint lists no patterns"})
			}
			for _, p := range con.Rule.Patterns {
				if _, err := compileGlob(p); err != nil {
					issues = append(issues, Issue{IssueError, "invalid_pattern", field, err.Error()})
				}
			}
		case RulePatternBlocked:
			if len(con.Rule.Patterns) == 0 {
				issues = append(issues, Issue{IssueError, "empty_rule", field,
					"pattern_blocked constraint lists no patterns"})
			}
			for _, p := range con.Rule.Patterns {
				if _, err := regexp.Compile(p); err != nil {
					issues = append(issues, Issue{IssueError, "invalid_pattern", field,
						fmt.Sprintf("invalid regexp %q: %v", p, err)})
				}
			}
		case RuleCustom:
			if con.Rule.Validator == "" {
				issues = append(issues, Issue{IssueError, "empty_rule", field,
					"custom constraint names no validator"})
			}
		}
	}

	for action, rule := range c.ApprovalRules {
		field := "approval_rules[" + action + "]"
		if rule.TimeoutSeconds <= 0 {
			issues = append(issues, Issue{IssueError, "invalid_timeout", field,
				"timeout_seconds must be > 0"})
		}
		if rule.AutoAction != TimeoutApprove && rule.AutoAction != TimeoutReject {
			issues = append(issues, Issue{IssueError, "invalid_auto_action", field,
				fmt.Sprintf("auto_action must be approve or reject, got %q", rule.AutoAction)})
		}
	}

	return issues
}

func validateToolPolicy(p *ToolPolicy) []Issue {
	var issues []Issue
	blocked := make(map[string]bool, len(p.Blocked))
	for _, tool := range p.Blocked {
		blocked[tool] = true
	}
	for _, tool := range p.Allowed {
		if blocked[tool] {
			issues = append(issues, Issue{IssueError, "tool_policy_conflict", "tool_policy",
				fmt.Sprintf("tool %q is both allowed and blocked", tool)})
		}
	}
	return issues
}

func validateUniqueIDs(c *Contract) []Issue {
	var issues []Issue

	check := func(field string, ids []string) {
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if id == "" {
				continue // reported by structural validation
			}
			if seen[id] {
				issues = append(issues, Issue{IssueError, "duplicate_id", field,
					fmt.Sprintf("duplicate id %q", id)})
			}
			seen[id] = true
		}
	}

	ids := make([]string, 0, len(c.SuccessCriteria))
	for _, sc := range c.SuccessCriteria {
		ids = append(ids, sc.ID)
	}
	check("success_criteria", ids)

	ids = ids[:0]
	for _, d := range c.Deliverables {
		ids = append(ids, d.ID)
	}
	check("deliverables", ids)

	ids = ids[:0]
	for _, con := range c.Constraints {
		ids = append(ids, con.ID)
	}
	check("constraints", ids)

	return issues
}

func validateReferences(c *Contract) []Issue {
	var issues []Issue
	deliverables := make(map[string]bool, len(c.Deliverables))
	for _, d := range c.Deliverables {
		deliverables[d.ID] = true
	}
	for i, dest := range c.OutputDestinations {
		if !deliverables[dest.DeliverableID] {
			issues = append(issues, Issue{IssueError, "unknown_deliverable",
				fmt.Sprintf("output_destinations[%d]", i),
				fmt.Sprintf("deliverable %q does not exist", dest.DeliverableID)})
		}
	}
	return issues
}
