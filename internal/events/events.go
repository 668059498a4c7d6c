// Package events carries change notifications between the trace managers
// and their observers. Raisers deliver records synchronously on whatever
// goroutine performed the mutation; observers must only enqueue work.
package events

import (
	"sync"

	"tracecode/trace"
)

// Kind enumerates trace change notifications.
type Kind int

const (
	MemoryBytesChanged Kind = iota
	RegisterBytesChanged
	StackChanged
	InstructionAdded
	InstructionRemoved
	InstructionSpanChanged
	FlowOverrideChanged
	FallThroughOverrideChanged
	DataAdded
)

func (k Kind) String() string {
	switch k {
	case MemoryBytesChanged:
		return "MEMORY_BYTES_CHANGED"
	case RegisterBytesChanged:
		return "REGISTER_BYTES_CHANGED"
	case StackChanged:
		return "STACK_CHANGED"
	case InstructionAdded:
		return "INSTRUCTION_ADDED"
	case InstructionRemoved:
		return "INSTRUCTION_REMOVED"
	case InstructionSpanChanged:
		return "INSTRUCTION_SPAN_CHANGED"
	case FlowOverrideChanged:
		return "FLOW_OVERRIDE_CHANGED"
	case FallThroughOverrideChanged:
		return "FALL_THROUGH_OVERRIDE_CHANGED"
	case DataAdded:
		return "DATA_ADDED"
	default:
		return "UNKNOWN"
	}
}

// Record describes one mutation of the trace.
type Record struct {
	Kind  Kind
	Snap  trace.Snap
	Range trace.AddressRange
	// ThreadKey identifies the affected thread for register and stack
	// changes; -1 for memory-space changes.
	ThreadKey int64
	Frame     int
	Old, New  any
}

// Listener receives change records.
type Listener interface {
	TraceChanged(rec Record)
}

// Broadcaster fans change records out to attached listeners. Attachment and
// delivery are safe to call from multiple goroutines.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners []Listener
}

// Attach registers a listener.
func (b *Broadcaster) Attach(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Detach removes a previously attached listener.
func (b *Broadcaster) Detach(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, have := range b.listeners {
		if have == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Fire delivers rec to every attached listener in attach order.
func (b *Broadcaster) Fire(rec Record) {
	b.mu.RLock()
	snapshot := make([]Listener, len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.RUnlock()
	for _, l := range snapshot {
		l.TraceChanged(rec)
	}
}
