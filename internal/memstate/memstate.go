// Package memstate implements the time-versioned memory model the trigger
// and decoders consult: named regions with permission flags, per-snap
// KNOWN/UNKNOWN observation state, and versioned byte content. Region and
// state queries are exposed as lazy address-set views so the per-candidate
// eligibility check stays cheap.
package memstate

import (
	"iter"
	"sort"
	"sync"

	"tracecode/internal/events"
	"tracecode/internal/snapmap"
	"tracecode/trace"
)

// Region is a named span of traced memory with permission flags.
type Region struct {
	Name    string
	Range   trace.AddressRange
	Span    trace.Lifespan
	Read    bool
	Write   bool
	Execute bool
}

// StateEntry records an observation state for a range at one snap.
type StateEntry struct {
	Range trace.AddressRange
	Snap  trace.Snap
	State trace.MemoryState
}

type byteWrite struct {
	start trace.Address
	snap  trace.Snap
	data  []byte
}

// Manager owns the memory model of one trace. All access is serialised by
// the trace's readers-writer lock.
type Manager struct {
	lock    *sync.RWMutex
	bus     *events.Broadcaster
	regions *snapmap.Map[*Region]
	states  []StateEntry
	// writes is kept sorted by snap so most-recent reads overlay in order.
	writes []byteWrite
}

// NewManager creates a memory manager sharing the trace lock and event bus.
func NewManager(lock *sync.RWMutex, bus *events.Broadcaster) *Manager {
	return &Manager{
		lock:    lock,
		bus:     bus,
		regions: snapmap.New[*Region](),
	}
}

// AddRegion registers a region. Overlapping regions are rejected with an
// ErrOverlap error object.
func (m *Manager) AddRegion(r *Region) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	_, err := m.regions.Insert(r.Range, r.Span, r)
	return err
}

// RegionContaining returns the region covering addr at snap, or nil.
func (m *Manager) RegionContaining(snap trace.Snap, addr trace.Address) *Region {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if e := m.regions.At(snap, addr); e != nil {
		return e.Value
	}
	return nil
}

// SetState records an observation state for a range at a snap.
func (m *Manager) SetState(snap trace.Snap, rng trace.AddressRange, state trace.MemoryState) {
	m.lock.Lock()
	m.states = append(m.states, StateEntry{Range: rng, Snap: snap, State: state})
	m.lock.Unlock()
}

// StateAt returns the state explicitly recorded for addr at exactly snap.
func (m *Manager) StateAt(snap trace.Snap, addr trace.Address) trace.MemoryState {
	m.lock.RLock()
	defer m.lock.RUnlock()
	state := trace.StateUnknown
	for _, e := range m.states {
		if e.Snap == snap && e.Range.Contains(addr) {
			state = e.State
		}
	}
	return state
}

// MostRecentStateEntry returns the latest state entry covering addr at or
// before snap, or nil.
func (m *Manager) MostRecentStateEntry(snap trace.Snap, addr trace.Address) *StateEntry {
	m.lock.RLock()
	defer m.lock.RUnlock()
	var best *StateEntry
	for i := range m.states {
		e := &m.states[i]
		if e.Snap > snap || !e.Range.Contains(addr) {
			continue
		}
		if best == nil || e.Snap > best.Snap {
			best = e
		}
	}
	return best
}

// Write stores bytes at addr observed at snap, marks the range KNOWN, and
// fires a memory-bytes-changed record.
func (m *Manager) Write(snap trace.Snap, addr trace.Address, data []byte) {
	rng := trace.RangeOf(addr, uint64(len(data)))
	m.lock.Lock()
	w := byteWrite{start: addr, snap: snap, data: append([]byte(nil), data...)}
	i := sort.Search(len(m.writes), func(i int) bool {
		return m.writes[i].snap > snap
	})
	m.writes = append(m.writes, byteWrite{})
	copy(m.writes[i+1:], m.writes[i:])
	m.writes[i] = w
	m.states = append(m.states, StateEntry{Range: rng, Snap: snap, State: trace.StateKnown})
	m.lock.Unlock()

	m.bus.Fire(events.Record{
		Kind:      events.MemoryBytesChanged,
		Snap:      snap,
		Range:     rng,
		ThreadKey: -1,
	})
}

// ReadMostRecent fills buf with the most recent bytes at or before snap for
// each address starting at addr. It returns the number of leading bytes
// that have ever been written.
func (m *Manager) ReadMostRecent(snap trace.Snap, addr trace.Address, buf []byte) int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	covered := make([]bool, len(buf))
	for _, w := range m.writes {
		if w.snap > snap {
			break
		}
		wr := trace.RangeOf(w.start, uint64(len(w.data)))
		rr := trace.RangeOf(addr, uint64(len(buf)))
		if !wr.Overlaps(rr) {
			continue
		}
		lo := max(wr.Start, rr.Start)
		hi := min(wr.End, rr.End)
		copy(buf[lo-rr.Start:hi-rr.Start], w.data[lo-wr.Start:hi-wr.Start])
		for a := lo; a < hi; a++ {
			covered[a-rr.Start] = true
		}
	}
	n := 0
	for n < len(covered) && covered[n] {
		n++
	}
	return n
}

// regionsView is a lazy address set of the regions at a snap passing a
// predicate.
type regionsView struct {
	m    *Manager
	snap trace.Snap
	pred func(*Region) bool
}

func (v *regionsView) Contains(addr trace.Address) bool {
	r := v.m.RegionContaining(v.snap, addr)
	return r != nil && v.pred(r)
}

func (v *regionsView) Ranges() iter.Seq[trace.AddressRange] {
	return func(yield func(trace.AddressRange) bool) {
		v.m.lock.RLock()
		defer v.m.lock.RUnlock()
		for e := range v.m.regions.AtSnap(v.snap) {
			if v.pred(e.Value) && !yield(e.Range) {
				return
			}
		}
	}
}

// RegionsWith returns a lazy address set covering the regions at snap for
// which pred holds.
func (m *Manager) RegionsWith(snap trace.Snap, pred func(*Region) bool) trace.AddressSetView {
	return &regionsView{m: m, snap: snap, pred: pred}
}

// statesView is a lazy address set of addresses holding a matching state at
// some snap within a span.
type statesView struct {
	m    *Manager
	span trace.Lifespan
	pred func(trace.MemoryState) bool
}

func (v *statesView) Contains(addr trace.Address) bool {
	v.m.lock.RLock()
	defer v.m.lock.RUnlock()
	for _, e := range v.m.states {
		if v.span.Contains(e.Snap) && e.Range.Contains(addr) && v.pred(e.State) {
			return true
		}
	}
	return false
}

func (v *statesView) Ranges() iter.Seq[trace.AddressRange] {
	return func(yield func(trace.AddressRange) bool) {
		v.m.lock.RLock()
		set := trace.NewAddressSet()
		for _, e := range v.m.states {
			if v.span.Contains(e.Snap) && v.pred(e.State) {
				set.Add(e.Range)
			}
		}
		v.m.lock.RUnlock()
		for r := range set.Ranges() {
			if !yield(r) {
				return
			}
		}
	}
}

// AddressesWithState returns a lazy address set of addresses that held a
// state matching pred at any snap within span.
func (m *Manager) AddressesWithState(span trace.Lifespan, pred func(trace.MemoryState) bool) trace.AddressSetView {
	return &statesView{m: m, span: span, pred: pred}
}
