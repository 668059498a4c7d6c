// Package snapmap implements the 2-D interval index underlying the
// instruction store: entries are keyed by an address range on one axis and
// a snap lifespan on the other. Inserts are overlap-checked; lookups answer
// "at", "after" and "before" queries at a fixed snap.
//
// The map itself carries no lock. Callers serialise access with the owning
// address space's readers-writer lock, so a reader can never observe a
// half-inserted entry.
package snapmap

import (
	"iter"
	"sort"

	"tracecode/trace"
)

// Entry is one value placed in the map over (Range x Span).
type Entry[T any] struct {
	Range trace.AddressRange
	Span  trace.Lifespan
	Value T
}

// Map is a 2-D interval index over address ranges and snap lifespans.
// Entries are held sorted by range start, then span start.
type Map[T any] struct {
	entries []*Entry[T]
	// maxLen bounds the leftward walk in containment queries.
	maxLen uint64
}

// New creates an empty map.
func New[T any]() *Map[T] {
	return &Map[T]{}
}

// Len returns the number of entries.
func (m *Map[T]) Len() int {
	return len(m.entries)
}

func (m *Map[T]) search(start trace.Address) int {
	return sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Range.Start >= start
	})
}

// FindOverlap returns an entry whose (range x span) region intersects the
// given one, or nil.
func (m *Map[T]) FindOverlap(rng trace.AddressRange, span trace.Lifespan) *Entry[T] {
	i := m.search(rng.End)
	for i--; i >= 0; i-- {
		e := m.entries[i]
		if e.Range.Start+trace.Address(m.maxLen) < rng.Start {
			break
		}
		if e.Range.Overlaps(rng) && e.Span.Intersects(span) {
			return e
		}
	}
	return nil
}

// Insert adds a value over (rng x span). It fails with an ErrOverlap error
// object if any existing entry intersects the region in both dimensions.
func (m *Map[T]) Insert(rng trace.AddressRange, span trace.Lifespan, value T) (*Entry[T], error) {
	if rng.Start >= rng.End {
		return nil, trace.NewErrorMsg(trace.SevError, trace.ErrInvalidParam,
			"empty address range "+rng.String())
	}
	if span.Start > span.End {
		return nil, trace.NewErrorMsg(trace.SevError, trace.ErrInvalidParam,
			"inverted lifespan "+span.String())
	}
	if hit := m.FindOverlap(rng, span); hit != nil {
		return nil, trace.NewErrorAt(trace.SevError, trace.ErrOverlap, span.Start, rng.Start,
			"occupied by entry at "+hit.Range.String()+" "+hit.Span.String())
	}
	e := &Entry[T]{Range: rng, Span: span, Value: value}
	i := m.search(rng.Start)
	for i < len(m.entries) && m.entries[i].Range.Start == rng.Start &&
		m.entries[i].Span.Start < span.Start {
		i++
	}
	m.entries = append(m.entries, nil)
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = e
	if rng.Length() > m.maxLen {
		m.maxLen = rng.Length()
	}
	return e, nil
}

// At returns the entry whose range contains addr and whose span contains
// snap, or nil.
func (m *Map[T]) At(snap trace.Snap, addr trace.Address) *Entry[T] {
	i := m.search(addr + 1)
	for i--; i >= 0; i-- {
		e := m.entries[i]
		if e.Range.Start+trace.Address(m.maxLen) < addr {
			break
		}
		if e.Range.Contains(addr) && e.Span.Contains(snap) {
			return e
		}
	}
	return nil
}

// After returns the entry with the lowest range start strictly greater than
// addr whose span contains snap, or nil.
func (m *Map[T]) After(snap trace.Snap, addr trace.Address) *Entry[T] {
	for i := m.search(addr + 1); i < len(m.entries); i++ {
		if m.entries[i].Span.Contains(snap) {
			return m.entries[i]
		}
	}
	return nil
}

// Before returns the entry with the highest range start strictly less than
// addr whose span contains snap, or nil.
func (m *Map[T]) Before(snap trace.Snap, addr trace.Address) *Entry[T] {
	for i := m.search(addr) - 1; i >= 0; i-- {
		if m.entries[i].Span.Contains(snap) {
			return m.entries[i]
		}
	}
	return nil
}

// ClipEnd shortens an entry's lifespan to end at newEnd.
func (m *Map[T]) ClipEnd(e *Entry[T], newEnd trace.Snap) error {
	if newEnd < e.Span.Start {
		return trace.NewErrorMsg(trace.SevError, trace.ErrInvalidParam,
			"new end snap precedes start of "+e.Span.String())
	}
	e.Span.End = newEnd
	return nil
}

// Remove deletes the entry from the map. It returns false if the entry is
// not present.
func (m *Map[T]) Remove(e *Entry[T]) bool {
	for i := m.search(e.Range.Start); i < len(m.entries); i++ {
		if m.entries[i] == e {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return true
		}
		if m.entries[i].Range.Start > e.Range.Start {
			break
		}
	}
	return false
}

// All yields every entry in range-start order.
func (m *Map[T]) All() iter.Seq[*Entry[T]] {
	return func(yield func(*Entry[T]) bool) {
		for _, e := range m.entries {
			if !yield(e) {
				return
			}
		}
	}
}

// AtSnap yields, in range-start order, every entry whose span contains snap.
func (m *Map[T]) AtSnap(snap trace.Snap) iter.Seq[*Entry[T]] {
	return func(yield func(*Entry[T]) bool) {
		for _, e := range m.entries {
			if e.Span.Contains(snap) && !yield(e) {
				return
			}
		}
	}
}
