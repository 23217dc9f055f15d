package emit

import "sync"

// BufferedEmitter collects records in memory and forwards them to the
// underlying emitter in batches on Flush. Useful when the backend is
// expensive per call (remote collectors) or when tests want to inspect
// what was emitted.
type BufferedEmitter struct {
	mu      sync.Mutex
	under   Emitter
	events  []Event
	maxSize int
}

// NewBufferedEmitter wraps an emitter with a buffer. When the buffer
// reaches maxSize it flushes automatically; maxSize <= 0 disables the
// automatic flush.
func NewBufferedEmitter(under Emitter, maxSize int) *BufferedEmitter {
	return &BufferedEmitter{under: under, maxSize: maxSize}
}

// Emit buffers the record, flushing if the buffer is full.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	b.events = append(b.events, event)
	full := b.maxSize > 0 && len(b.events) >= b.maxSize
	var batch []Event
	if full {
		batch = b.events
		b.events = nil
	}
	b.mu.Unlock()

	for _, e := range batch {
		b.under.Emit(e)
	}
}

// Flush forwards all buffered records and clears the buffer.
func (b *BufferedEmitter) Flush() {
	b.mu.Lock()
	batch := b.events
	b.events = nil
	b.mu.Unlock()

	for _, e := range batch {
		b.under.Emit(e)
	}
}

// Len reports how many records are currently buffered.
func (b *BufferedEmitter) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
