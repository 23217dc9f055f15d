package event_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/dshills/runplane/run/event"
)

func TestEventJSONRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		payload event.Payload
	}{
		{"run.started", event.RunStarted{TemplateID: "tpl-1", Goal: "summarize inbox", WorkspaceID: "ws-1", SandboxID: "sbx-9"}},
		{"phase.changed", event.PhaseChanged{From: "planning", To: "executing", Reason: "phase complete"}},
		{"tool.called", event.ToolCalled{CallID: "c1", ToolName: "read_file", Input: map[string]any{"path": "notes.md"}, FilePath: "notes.md"}},
		{"tool.result", event.ToolResult{CallID: "c1", ToolName: "read_file", Success: true, DurationMS: 42, Output: "ok"}},
		{"drift.detected", event.DriftDetected{DriftType: event.DriftUnauthorizedTool, Details: "shell is blocked", ToolName: "shell"}},
		{"run.failed", event.RunFailed{ErrorType: "contract_violation", ErrorMessage: "Contract violation: tool not allowed"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orig := event.New("run-1", 7, "executing", event.SeverityInfo, tc.payload)
			data, err := json.Marshal(orig)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}

			var decoded event.Event
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if decoded.Type() != event.Type(tc.name) {
				t.Errorf("Type = %q, want %q", decoded.Type(), tc.name)
			}
			if decoded.ID != orig.ID || decoded.Seq != orig.Seq || decoded.RunID != orig.RunID {
				t.Errorf("envelope mismatch: %+v vs %+v", decoded, orig)
			}

			back, err := json.Marshal(decoded)
			if err != nil {
				t.Fatalf("re-Marshal: %v", err)
			}
			if string(back) != string(data) {
				t.Errorf("round trip changed encoding:\n %s\n %s", data, back)
			}
		})
	}
}

func TestUnmarshalRejectsUnknownType(t *testing.T) {
	raw := `{"event_id":"e1","run_id":"r1","seq":0,"ts":"2026-01-01T00:00:00Z","type":"run.exploded","severity":"info","payload":{}}`
	var evt event.Event
	err := json.Unmarshal([]byte(raw), &evt)
	if err == nil || !strings.Contains(err.Error(), "unknown type") {
		t.Errorf("Unmarshal error = %v, want unknown type error", err)
	}
}

func TestEventValidate(t *testing.T) {
	valid := event.New("run-1", 0, "", event.SeverityInfo, event.PhaseChanged{To: "planning"})

	cases := []struct {
		name    string
		mutate  func(*event.Event)
		wantErr bool
	}{
		{"valid", func(*event.Event) {}, false},
		{"missing id", func(e *event.Event) { e.ID = "" }, true},
		{"missing run", func(e *event.Event) { e.RunID = "" }, true},
		{"negative seq", func(e *event.Event) { e.Seq = -1 }, true},
		{"bad severity", func(e *event.Event) { e.Severity = "fatal" }, true},
		{"nil payload", func(e *event.Event) { e.Payload = nil }, true},
		{"invalid payload", func(e *event.Event) { e.Payload = event.PhaseChanged{} }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evt := valid
			tc.mutate(&evt)
			if err := evt.Validate(); (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestPayloadValidation(t *testing.T) {
	cases := []struct {
		name    string
		payload event.Payload
		wantErr bool
	}{
		{"file change kinds", event.FileChanged{Path: "a.md", Change: "modified"}, false},
		{"file change unknown kind", event.FileChanged{Path: "a.md", Change: "renamed"}, true},
		{"drift unknown type", event.DriftDetected{DriftType: "wandered_off"}, true},
		{"checkpoint missing id", event.CheckpointRequested{ActionType: "send_email"}, true},
		{"tool result negative duration", event.ToolResult{ToolName: "x", DurationMS: -1}, true},
		{"run failed missing type", event.RunFailed{ErrorMessage: "boom"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.payload.Validate(); (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestNewAssignsUTCAndID(t *testing.T) {
	evt := event.New("run-1", 0, "", event.SeverityInfo, event.PhaseChanged{To: "planning"})
	if evt.ID == "" {
		t.Error("New did not assign an ID")
	}
	if evt.Time.Location() != time.UTC {
		t.Errorf("New assigned %v time, want UTC", evt.Time.Location())
	}
}
