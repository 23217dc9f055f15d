package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// buildPrompt renders the shared decision prompt all three model adapters
// use. The model is asked for a single JSON object matching Decision.
func buildPrompt(view View) string {
	var sb strings.Builder

	sb.WriteString("You are driving one phase of an autonomous agent run.\n\n")
	sb.WriteString("Goal: ")
	sb.WriteString(view.Goal)
	sb.WriteString("\nCurrent phase: ")
	sb.WriteString(string(view.Phase))
	sb.WriteString("\n\n")

	if c := view.Contract; c != nil {
		if len(c.ToolPolicy.Allowed) > 0 {
			sb.WriteString("Tools you may use: ")
			sb.WriteString(strings.Join(c.ToolPolicy.Allowed, ", "))
			sb.WriteString("\n")
		}
		if len(c.ToolPolicy.Blocked) > 0 {
			sb.WriteString("Tools you must never use: ")
			sb.WriteString(strings.Join(c.ToolPolicy.Blocked, ", "))
			sb.WriteString("\n")
		}
		if len(c.Deliverables) > 0 {
			sb.WriteString("Deliverables:\n")
			for _, d := range c.Deliverables {
				fmt.Fprintf(&sb, "- %s (%s)\n", d.ID, d.Kind)
			}
		}
		sb.WriteString("\n")
	}

	if len(view.Results) > 0 {
		sb.WriteString("Recent tool results:\n")
		for _, r := range view.Results {
			status := "ok"
			if !r.Success {
				status = "FAILED: " + r.Error
			}
			fmt.Fprintf(&sb, "- %s: %s\n", r.ToolName, status)
			if r.Output != "" {
				fmt.Fprintf(&sb, "  output: %s\n", r.Output)
			}
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Decide the next step. Respond with ONE JSON object and nothing else:\n")
	sb.WriteString(`{"action":"tool_call","tool":{"tool_name":"...","input":{},"file_path":"..."},"reason":"..."}` + "\n")
	sb.WriteString(`{"action":"checkpoint","checkpoint":{"action_type":"...","preview":"..."},"reason":"..."}` + "\n")
	sb.WriteString(`{"action":"advance","reason":"phase is finished"}` + "\n")
	sb.WriteString(`{"action":"complete","output":{"title":"...","kind":"markdown","body":"..."},"reason":"..."}` + "\n")
	sb.WriteString("\nUse checkpoint before any side-effectful action. Use complete only when the deliverable is ready.")

	return sb.String()
}

// parseDecision decodes the model's reply into a Decision, stripping any
// markdown fences the model wrapped the JSON in.
func parseDecision(content string) (Decision, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	if content == "" {
		return Decision{}, errors.New("empty model response")
	}
	// Tolerate stray prose around the object.
	if !strings.HasPrefix(content, "{") {
		start := strings.Index(content, "{")
		end := strings.LastIndex(content, "}")
		if start == -1 || end <= start {
			return Decision{}, errors.New("no JSON object in model response")
		}
		content = content[start : end+1]
	}

	var d Decision
	if err := json.Unmarshal([]byte(content), &d); err != nil {
		return Decision{}, fmt.Errorf("invalid decision JSON: %w", err)
	}
	if err := d.validate(); err != nil {
		return Decision{}, err
	}
	return d, nil
}

func (d Decision) validate() error {
	switch d.Action {
	case ActionToolCall:
		if d.Tool == nil || d.Tool.ToolName == "" {
			return errors.New("tool_call decision names no tool")
		}
	case ActionCheckpoint:
		if d.Checkpoint == nil || d.Checkpoint.ActionType == "" {
			return errors.New("checkpoint decision names no action type")
		}
	case ActionAdvance:
	case ActionComplete:
		if d.Output == nil || d.Output.Body == "" {
			return errors.New("complete decision carries no output")
		}
	default:
		return fmt.Errorf("unknown decision action %q", d.Action)
	}
	return nil
}

// translateAPIError maps provider error text onto the shared driver
// errors. Unknown failures pass through wrapped, so the classifier falls
// back to agent_error.
func translateAPIError(provider string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"),
		strings.Contains(msg, "authentication"), strings.Contains(msg, "api_key"), strings.Contains(msg, "api key"):
		return ErrInvalidAPIKey
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return ErrRateLimited
	case strings.Contains(msg, "quota"), strings.Contains(msg, "billing"):
		return ErrQuotaExceeded
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"), strings.Contains(msg, "canceled"):
		return ErrTimeout
	}
	return fmt.Errorf("%s API error: %w", provider, err)
}
