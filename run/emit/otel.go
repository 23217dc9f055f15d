package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each record into an OpenTelemetry span.
//
// The span is named after the record's Msg and carries run_id, seq, phase,
// and all Meta fields as attributes. Records are points in time, so spans
// are ended immediately; a "duration_ms" meta field stretches the span to
// cover the reported duration.
//
//	tracer := otel.Tracer("runplane")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter over the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as a span.
func (o *OTelEmitter) Emit(event Event) {
	start := time.Now()
	if ms, ok := durationMS(event.Meta); ok {
		start = start.Add(-time.Duration(ms) * time.Millisecond)
	}

	_, span := o.tracer.Start(context.Background(), event.Msg,
		trace.WithTimestamp(start))
	defer span.End()

	span.SetAttributes(
		attribute.String("runplane.run_id", event.RunID),
		attribute.Int64("runplane.seq", event.Seq),
	)
	if event.Phase != "" {
		span.SetAttributes(attribute.String("runplane.phase", event.Phase))
	}
	for k, v := range event.Meta {
		span.SetAttributes(anyAttribute(k, v))
	}

	if errMsg, ok := event.Meta["error"].(string); ok && errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

func durationMS(meta map[string]any) (int64, bool) {
	switch v := meta["duration_ms"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

func anyAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
