// Package trace assembles and writes the post-run trace bundle: a
// human-readable markdown wrapper plus a machine-readable JSONL stream,
// and the artifact files a run leaves behind. All writes are atomic.
package trace

import (
	"fmt"
	"time"

	"github.com/dshills/runplane/run"
	"github.com/dshills/runplane/run/event"
)

// Record is one line of the JSONL trace stream.
type Record struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Record types, a closed set.
const (
	RecordContract        = "contract"
	RecordPhaseStart      = "phase_start"
	RecordPhaseEnd        = "phase_end"
	RecordDecision        = "decision"
	RecordToolCall        = "tool_call"
	RecordToolResult      = "tool_result"
	RecordError           = "error"
	RecordRecovery        = "recovery"
	RecordCalibrationSeed = "calibration_seed"
	RecordRunComplete     = "run_complete"
	RecordRunFailed       = "run_failed"
)

// Frontmatter is the YAML header of the markdown wrapper.
type Frontmatter struct {
	RunID      string    `yaml:"run_id"`
	Template   string    `yaml:"template"`
	Goal       string    `yaml:"goal"`
	StartedAt  time.Time `yaml:"started_at"`
	FinishedAt time.Time `yaml:"finished_at"`
	Outcome    string    `yaml:"outcome"`
	CostCents  int64     `yaml:"cost_cents,omitempty"`
}

// PhaseSummary is one row of the phase table in the wrapper.
type PhaseSummary struct {
	Phase     string
	Duration  time.Duration
	ToolCalls int
}

// Bundle is a fully assembled trace, ready to write.
type Bundle struct {
	Front      Frontmatter
	Contract   *run.Run
	Phases     []PhaseSummary
	Decisions  []string
	Errors     []string
	Recoveries []string
	Seeds      []string
	Records    []Record
}

// Assemble derives the trace bundle from the run row and its ordered
// event history. Calibration seeds, if any, are appended verbatim.
func Assemble(r *run.Run, events []event.Event, seeds []string) *Bundle {
	outcome := string(r.State)
	b := &Bundle{
		Front: Frontmatter{
			RunID:      r.ID,
			Template:   r.TemplateID,
			StartedAt:  r.StartedAt,
			FinishedAt: r.CompletedAt,
			Outcome:    outcome,
			CostCents:  r.Cost.TotalCents,
		},
		Contract: r,
		Seeds:    seeds,
	}
	if r.Contract != nil {
		b.Front.Goal = r.Contract.Goal
	}

	if r.Contract != nil {
		b.Records = append(b.Records, Record{
			Type:      RecordContract,
			Timestamp: r.CreatedAt,
			Data: map[string]any{
				"goal":             r.Contract.Goal,
				"success_criteria": len(r.Contract.SuccessCriteria),
				"deliverables":     len(r.Contract.Deliverables),
				"constraints":      len(r.Contract.Constraints),
				"max_cost_cents":   r.Contract.MaxCostCents,
			},
		})
	}

	phases := map[string]*PhaseSummary{}
	var order []string
	var currentPhase string
	var phaseStart time.Time
	var lastFailedTool string

	endPhase := func(at time.Time) {
		if currentPhase == "" {
			return
		}
		p, ok := phases[currentPhase]
		if !ok {
			p = &PhaseSummary{Phase: currentPhase}
			phases[currentPhase] = p
			order = append(order, currentPhase)
		}
		p.Duration += at.Sub(phaseStart)
		b.Records = append(b.Records, Record{
			Type: RecordPhaseEnd, Timestamp: at,
			Data: map[string]any{"phase": currentPhase},
		})
	}

	for _, ev := range events {
		switch p := ev.Payload.(type) {
		case event.PhaseChanged:
			endPhase(ev.Time)
			currentPhase = p.To
			phaseStart = ev.Time
			if _, ok := phases[currentPhase]; !ok {
				phases[currentPhase] = &PhaseSummary{Phase: currentPhase}
				order = append(order, currentPhase)
			}
			b.Records = append(b.Records, Record{
				Type: RecordPhaseStart, Timestamp: ev.Time,
				Data: map[string]any{"phase": p.To, "from": p.From, "reason": p.Reason},
			})

		case event.ToolCalled:
			if s, ok := phases[currentPhase]; ok {
				s.ToolCalls++
			}
			b.Records = append(b.Records, Record{
				Type: RecordToolCall, Timestamp: ev.Time,
				Data: map[string]any{"tool_name": p.ToolName, "call_id": p.CallID, "file_path": p.FilePath},
			})

		case event.ToolResult:
			b.Records = append(b.Records, Record{
				Type: RecordToolResult, Timestamp: ev.Time,
				Data: map[string]any{
					"tool_name": p.ToolName, "call_id": p.CallID,
					"success": p.Success, "duration_ms": p.DurationMS,
				},
			})
			if !p.Success {
				lastFailedTool = p.ToolName
				b.Errors = append(b.Errors, fmt.Sprintf("%s failed: %s", p.ToolName, p.Error))
				b.Records = append(b.Records, Record{
					Type: RecordError, Timestamp: ev.Time,
					Data: map[string]any{"tool_name": p.ToolName, "error": p.Error},
				})
			} else if p.ToolName == lastFailedTool {
				lastFailedTool = ""
				b.Recoveries = append(b.Recoveries, fmt.Sprintf("%s succeeded after a failed attempt", p.ToolName))
				b.Records = append(b.Records, Record{
					Type: RecordRecovery, Timestamp: ev.Time,
					Data: map[string]any{"tool_name": p.ToolName},
				})
			}

		case event.CheckpointRequested:
			b.Decisions = append(b.Decisions, fmt.Sprintf("requested approval for %s (%s)", p.ActionType, p.CheckpointID))
			b.Records = append(b.Records, decisionRecord(ev.Time, "requested", p.CheckpointID, map[string]any{"action_type": p.ActionType}))

		case event.CheckpointApproved:
			b.Decisions = append(b.Decisions, fmt.Sprintf("checkpoint %s approved by %s via %s", p.CheckpointID, p.ActorID, p.Source))
			b.Records = append(b.Records, decisionRecord(ev.Time, "approved", p.CheckpointID, map[string]any{"actor": p.ActorID, "source": p.Source}))

		case event.CheckpointRejected:
			b.Decisions = append(b.Decisions, fmt.Sprintf("checkpoint %s rejected (%s)", p.CheckpointID, p.Reason))
			b.Records = append(b.Records, decisionRecord(ev.Time, "rejected", p.CheckpointID, map[string]any{"reason": p.Reason}))

		case event.CheckpointTimeout:
			b.Decisions = append(b.Decisions, fmt.Sprintf("checkpoint %s timed out (%s)", p.CheckpointID, p.TimeoutAction))
			b.Records = append(b.Records, decisionRecord(ev.Time, "timeout", p.CheckpointID, map[string]any{"timeout_action": p.TimeoutAction}))

		case event.DriftDetected:
			b.Errors = append(b.Errors, fmt.Sprintf("drift (%s): %s", p.DriftType, p.Details))
			b.Records = append(b.Records, Record{
				Type: RecordError, Timestamp: ev.Time,
				Data: map[string]any{"drift_type": string(p.DriftType), "details": p.Details},
			})

		case event.RunCompleted:
			endPhase(ev.Time)
			currentPhase = ""
			b.Records = append(b.Records, Record{
				Type: RecordRunComplete, Timestamp: ev.Time,
				Data: map[string]any{
					"artifact_count":   p.ArtifactCount,
					"total_cost_cents": p.TotalCostCents,
					"duration_ms":      p.DurationMS,
				},
			})

		case event.RunFailed:
			endPhase(ev.Time)
			currentPhase = ""
			b.Errors = append(b.Errors, p.ErrorMessage)
			b.Records = append(b.Records, Record{
				Type: RecordRunFailed, Timestamp: ev.Time,
				Data: map[string]any{"error_type": p.ErrorType, "error_message": p.ErrorMessage},
			})
		}
	}

	for _, seed := range seeds {
		b.Records = append(b.Records, Record{
			Type: RecordCalibrationSeed, Timestamp: r.CompletedAt,
			Data: map[string]any{"seed": seed},
		})
	}

	for _, name := range order {
		b.Phases = append(b.Phases, *phases[name])
	}
	return b
}

func decisionRecord(at time.Time, resolution, checkpointID string, extra map[string]any) Record {
	data := map[string]any{"resolution": resolution, "checkpoint_id": checkpointID}
	for k, v := range extra {
		data[k] = v
	}
	return Record{Type: RecordDecision, Timestamp: at, Data: data}
}
