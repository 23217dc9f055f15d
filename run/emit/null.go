package emit

// NullEmitter discards every record. The default when no observability is
// configured; also useful for benchmarks.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit does nothing.
func (NullEmitter) Emit(Event) {}
