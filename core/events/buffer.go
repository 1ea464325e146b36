package events

import "sync"

// Buffer holds events emitted during a dispatch until the dispatch is known to
// have succeeded. Flush forwards them in emission order; Discard drops them.
type Buffer struct {
	mu      sync.Mutex
	pending []Event
}

// Emit implements the Emitter interface.
func (b *Buffer) Emit(evt Event) {
	if evt == nil {
		return
	}
	b.mu.Lock()
	b.pending = append(b.pending, evt)
	b.mu.Unlock()
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush forwards buffered events to out and empties the buffer. The events
// flushed are returned.
func (b *Buffer) Flush(out Emitter) []Event {
	b.mu.Lock()
	flushed := b.pending
	b.pending = nil
	b.mu.Unlock()
	if out != nil {
		for _, evt := range flushed {
			out.Emit(evt)
		}
	}
	return flushed
}

// Discard drops every buffered event.
func (b *Buffer) Discard() {
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()
}
