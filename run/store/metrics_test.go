package store_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dshills/runplane/run"
	"github.com/dshills/runplane/run/event"
	"github.com/dshills/runplane/run/store"
)

// appendSamples returns the observation count of the append-latency
// histogram for one backend label.
func appendSamples(t *testing.T, reg *prometheus.Registry, backend string) uint64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, fam := range families {
		if fam.GetName() != "runplane_event_append_latency_ms" {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "backend" && l.GetValue() == backend {
					return m.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return 0
}

func TestAppendLatencyObserved(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()

	s := store.New(store.NewMemBackend(), event.NewMemLog())
	s.SetMetrics(run.NewMetrics(reg))

	if err := s.Create(ctx, &run.Run{ID: "r1", TemplateID: "t"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Emit(ctx, "r1", event.SeverityInfo, event.RunStarted{
		TemplateID: "t", Goal: "g", WorkspaceID: "ws",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition(ctx, "r1", run.StateInitializing, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition(ctx, "r1", run.StatePlanning, ""); err != nil {
		t.Fatal(err)
	}

	// run.started + the planning phase.changed; initializing is silent.
	if got := appendSamples(t, reg, "memory"); got != 2 {
		t.Errorf("append samples = %d, want 2", got)
	}
}

func TestStoreWithoutMetricsAppends(t *testing.T) {
	ctx := context.Background()
	s := store.New(store.NewMemBackend(), event.NewMemLog())

	if err := s.Create(ctx, &run.Run{ID: "r1", TemplateID: "t"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Emit(ctx, "r1", event.SeverityInfo, event.RunStarted{
		TemplateID: "t", Goal: "g", WorkspaceID: "ws",
	}); err != nil {
		t.Fatal(err)
	}
}
