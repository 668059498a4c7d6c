package memstate

import (
	"bytes"
	"sync"
	"testing"

	"tracecode/internal/events"
	"tracecode/trace"
)

func newManager() *Manager {
	return NewManager(&sync.RWMutex{}, &events.Broadcaster{})
}

func TestRegionOverlapRejected(t *testing.T) {
	m := newManager()
	if err := m.AddRegion(&Region{Name: "a", Range: trace.RangeOf(0x1000, 0x100),
		Span: trace.SpanAtLeast(0), Read: true}); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	err := m.AddRegion(&Region{Name: "b", Range: trace.RangeOf(0x1080, 0x100),
		Span: trace.SpanAtLeast(0), Read: true})
	if !trace.IsCode(err, trace.ErrOverlap) {
		t.Errorf("overlapping region: want ErrOverlap, got %v", err)
	}
}

func TestWriteMarksKnown(t *testing.T) {
	m := newManager()
	m.Write(3, 0x1000, []byte{1, 2, 3})

	if got := m.StateAt(3, 0x1001); got != trace.StateKnown {
		t.Errorf("StateAt(3, 0x1001) = %v, want KNOWN", got)
	}
	if got := m.StateAt(4, 0x1001); got != trace.StateUnknown {
		t.Errorf("StateAt(4, 0x1001) = %v, want UNKNOWN (state is per snap)", got)
	}
	e := m.MostRecentStateEntry(10, 0x1001)
	if e == nil || e.Snap != 3 || e.State != trace.StateKnown {
		t.Errorf("MostRecentStateEntry(10) = %+v, want snap 3 KNOWN", e)
	}
}

func TestReadMostRecentOverlays(t *testing.T) {
	m := newManager()
	m.Write(0, 0x1000, []byte{1, 1, 1, 1})
	m.Write(5, 0x1001, []byte{9, 9})

	buf := make([]byte, 4)
	if n := m.ReadMostRecent(4, 0x1000, buf); n != 4 {
		t.Fatalf("covered = %d, want 4", n)
	}
	if !bytes.Equal(buf, []byte{1, 1, 1, 1}) {
		t.Errorf("read at snap 4 = %v, want original bytes", buf)
	}

	if n := m.ReadMostRecent(5, 0x1000, buf); n != 4 {
		t.Fatalf("covered = %d, want 4", n)
	}
	if !bytes.Equal(buf, []byte{1, 9, 9, 1}) {
		t.Errorf("read at snap 5 = %v, want later write overlaid", buf)
	}

	// Uncovered leading bytes cap the count.
	if n := m.ReadMostRecent(5, 0x0fff, buf); n != 0 {
		t.Errorf("covered from unwritten start = %d, want 0", n)
	}
}

func TestLazyViews(t *testing.T) {
	m := newManager()
	if err := m.AddRegion(&Region{Name: "ro", Range: trace.RangeOf(0x1000, 0x100),
		Span: trace.SpanAtLeast(0), Read: true}); err != nil {
		t.Fatal(err)
	}
	if err := m.AddRegion(&Region{Name: "rw", Range: trace.RangeOf(0x2000, 0x100),
		Span: trace.SpanAtLeast(0), Read: true, Write: true}); err != nil {
		t.Fatal(err)
	}
	m.Write(5, 0x1010, []byte{0x90})

	readOnly := m.RegionsWith(10, func(r *Region) bool { return r.Read && !r.Write })
	if !readOnly.Contains(0x1010) || readOnly.Contains(0x2010) {
		t.Error("read-only region view wrong")
	}

	everKnown := m.AddressesWithState(trace.SpanAtMost(10),
		func(s trace.MemoryState) bool { return s == trace.StateKnown })
	if !everKnown.Contains(0x1010) || everKnown.Contains(0x1020) {
		t.Error("ever-known view wrong")
	}

	// The composed eligibility set from the two lazy views.
	knownNow := m.AddressesWithState(trace.Span(10, 10),
		func(s trace.MemoryState) bool { return s == trace.StateKnown })
	eligible := trace.Union(knownNow, trace.Intersection(readOnly, everKnown))
	if !eligible.Contains(0x1010) {
		t.Error("read-only ever-known address not eligible")
	}
	if eligible.Contains(0x2010) {
		t.Error("unknown writable address eligible")
	}
}
