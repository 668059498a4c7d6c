// Package trace defines the shared vocabulary for time-versioned trace
// analysis: snaps and lifespans on the time axis, addresses and ranges on
// the space axis, control-flow classification, reference typing, and the
// library error object.
package trace

import (
	"fmt"
	"math"
)

// Snap identifies a point in a trace's recorded execution history.
// Negative snaps are "scratch" snaps used for transient state.
type Snap int64

// SnapMax marks the open upper bound of a lifespan, meaning "still valid".
const SnapMax Snap = math.MaxInt64

// Lifespan is the closed interval of snaps [Start, End] over which an
// entity is valid. End == SnapMax represents an open (unbounded) lifespan.
type Lifespan struct {
	Start Snap
	End   Snap
}

// SpanAtLeast returns the lifespan [start, SnapMax].
func SpanAtLeast(start Snap) Lifespan {
	return Lifespan{Start: start, End: SnapMax}
}

// SpanAtMost returns the lifespan [minimum snap, end].
func SpanAtMost(end Snap) Lifespan {
	return Lifespan{Start: math.MinInt64, End: end}
}

// Span returns the lifespan [start, end].
func Span(start, end Snap) Lifespan {
	return Lifespan{Start: start, End: end}
}

// Contains reports whether snap lies within the lifespan.
func (l Lifespan) Contains(snap Snap) bool {
	return l.Start <= snap && snap <= l.End
}

// Intersects reports whether the two lifespans share any snap.
func (l Lifespan) Intersects(other Lifespan) bool {
	return l.Start <= other.End && other.Start <= l.End
}

// IsOpen reports whether the lifespan has no upper bound.
func (l Lifespan) IsOpen() bool {
	return l.End == SnapMax
}

func (l Lifespan) String() string {
	if l.IsOpen() {
		return fmt.Sprintf("[%d,+inf)", l.Start)
	}
	return fmt.Sprintf("[%d,%d]", l.Start, l.End)
}

// Address is a location in a platform's address space.
type Address uint64

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// AddNoWrap adds a byte offset to the address, failing instead of wrapping
// around the top of the address space.
func (a Address) AddNoWrap(offset int64) (Address, bool) {
	r := Address(uint64(a) + uint64(offset))
	if offset >= 0 && r < a {
		return 0, false
	}
	if offset < 0 && r > a {
		return 0, false
	}
	return r, true
}

// AddressRange is a half-open range of addresses [Start, End).
type AddressRange struct {
	Start Address
	End   Address
}

// RangeOf returns the range [start, start+length).
func RangeOf(start Address, length uint64) AddressRange {
	return AddressRange{Start: start, End: start + Address(length)}
}

// Contains reports whether addr lies within the range.
func (r AddressRange) Contains(addr Address) bool {
	return r.Start <= addr && addr < r.End
}

// Overlaps reports whether the two ranges share any address.
func (r AddressRange) Overlaps(other AddressRange) bool {
	return r.Start < other.End && other.Start < r.End
}

// Length returns the number of addresses covered by the range.
func (r AddressRange) Length() uint64 {
	return uint64(r.End - r.Start)
}

func (r AddressRange) String() string {
	return fmt.Sprintf("[0x%x,0x%x)", uint64(r.Start), uint64(r.End))
}

// MemoryState classifies the observation state of traced memory at a snap.
type MemoryState int

const (
	// StateUnknown means the bytes have not been observed at the snap.
	StateUnknown MemoryState = iota
	// StateKnown means the bytes were captured from the target at the snap.
	StateKnown
	// StateError means the target reported an error reading the bytes.
	StateError
)

func (s MemoryState) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateKnown:
		return "KNOWN"
	case StateError:
		return "ERROR"
	default:
		return "INVALID"
	}
}
