package emit

// MultiEmitter fans each record out to several backends, e.g. a log line
// locally plus an OpenTelemetry span.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates a fan-out over the given emitters. Nil entries
// are skipped.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	out := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return &MultiEmitter{emitters: out}
}

// Emit forwards the record to every backend in order.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
