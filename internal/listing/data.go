package listing

import (
	"encoding/binary"
	"fmt"

	"tracecode/internal/events"
	"tracecode/internal/platform"
	"tracecode/internal/snapmap"
	"tracecode/trace"
)

// DataType gives a data unit its size and rendering.
type DataType interface {
	Name() string
	Length() int
}

// PointerType marks a unit as holding an address of the given size. Placing
// one on a program-counter register is how a recorded register value is
// read back as a code address.
type PointerType struct {
	Size int
}

func (t PointerType) Name() string { return fmt.Sprintf("pointer%d", t.Size*8) }
func (t PointerType) Length() int  { return t.Size }

// ByteType is a raw byte run.
type ByteType struct {
	Count int
}

func (t ByteType) Name() string { return fmt.Sprintf("byte[%d]", t.Count) }
func (t ByteType) Length() int  { return t.Count }

// DataUnit is a typed, non-instruction code unit valid over an interval of
// recorded time.
type DataUnit struct {
	space *CodeSpace
	entry *snapmap.Entry[*DataUnit]
	typ   DataType
}

// MinAddress returns the unit's start address.
func (d *DataUnit) MinAddress() trace.Address { return d.entry.Range.Start }

// Range returns the unit's address range.
func (d *DataUnit) Range() trace.AddressRange { return d.entry.Range }

// Lifespan returns the unit's snap lifespan.
func (d *DataUnit) Lifespan() trace.Lifespan {
	d.space.lock.RLock()
	defer d.space.lock.RUnlock()
	return d.entry.Span
}

// StartSnap returns the first snap of the lifespan.
func (d *DataUnit) StartSnap() trace.Snap { return d.entry.Span.Start }

// Type returns the unit's data type.
func (d *DataUnit) Type() DataType { return d.typ }

// PointerValue decodes the unit's bytes as an address in the language's
// byte order. It reports false when the unit is not a pointer or the bytes
// are short.
func (d *DataUnit) PointerValue(lang *platform.Language, data []byte) (trace.Address, bool) {
	pt, ok := d.typ.(PointerType)
	if !ok || len(data) < pt.Size {
		return 0, false
	}
	buf := make([]byte, 8)
	if lang.BigEndian {
		copy(buf[8-pt.Size:], data[:pt.Size])
		return trace.Address(binary.BigEndian.Uint64(buf)), true
	}
	copy(buf, data[:pt.Size])
	return trace.Address(binary.LittleEndian.Uint64(buf)), true
}

// Delete removes the data unit from the index.
func (d *DataUnit) Delete() {
	d.space.lock.Lock()
	d.space.data.Remove(d.entry)
	d.space.lock.Unlock()
}

// CreateData places a typed data unit over [addr, addr+type length) for the
// given lifespan. Overlap with any existing code unit fails with an
// ErrCodeUnitInsert error object.
func (s *CodeSpace) CreateData(span trace.Lifespan, addr trace.Address, typ DataType) (*DataUnit, error) {
	s.lock.Lock()
	d, err := s.createDataLocked(span, addr, typ)
	s.lock.Unlock()
	if err != nil {
		return nil, err
	}
	s.bus.Fire(events.Record{
		Kind:      events.DataAdded,
		Snap:      span.Start,
		Range:     d.Range(),
		ThreadKey: s.threadKey,
		Frame:     s.frame,
		New:       d,
	})
	return d, nil
}

func (s *CodeSpace) createDataLocked(span trace.Lifespan, addr trace.Address, typ DataType) (*DataUnit, error) {
	rng := trace.RangeOf(addr, uint64(typ.Length()))
	if hit := s.instructions.FindOverlap(rng, span); hit != nil {
		return nil, trace.NewErrorAt(trace.SevError, trace.ErrCodeUnitInsert, span.Start, addr,
			"occupied by instruction at "+hit.Range.String())
	}
	d := &DataUnit{space: s, typ: typ}
	entry, err := s.data.Insert(rng, span, d)
	if err != nil {
		return nil, trace.NewErrorAt(trace.SevError, trace.ErrCodeUnitInsert, span.Start, addr,
			"occupied by data unit at "+rng.String())
	}
	d.entry = entry
	return d, nil
}

// DataAt returns the data unit starting exactly at addr at snap, or nil.
func (s *CodeSpace) DataAt(snap trace.Snap, addr trace.Address) *DataUnit {
	s.lock.RLock()
	defer s.lock.RUnlock()
	e := s.data.At(snap, addr)
	if e == nil || e.Range.Start != addr {
		return nil
	}
	return e.Value
}

// dataStartingAt returns a data unit starting at addr in any lifespan, or
// nil.
func (s *CodeSpace) dataStartingAt(addr trace.Address) *DataUnit {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for e := range s.data.All() {
		if e.Range.Start == addr {
			return e.Value
		}
	}
	return nil
}

// DataForRegister places a pointer data unit on a register within a
// thread's register space, starting at snap and open-ended. The typing is
// timeless: an existing compatible unit is reused whatever its lifespan.
// An incompatible occupant fails with an ErrCodeUnitInsert error object.
func (m *Manager) DataForRegister(threadKey int64, frame int, reg *platform.Register,
	snap trace.Snap, typ DataType) (*DataUnit, error) {
	s := m.RegisterSpace(threadKey, frame, true)
	if have := s.dataStartingAt(reg.Offset); have != nil {
		if have.Type() == typ {
			return have, nil
		}
		return nil, trace.NewErrorAt(trace.SevError, trace.ErrCodeUnitInsert, snap, reg.Offset,
			"register already typed as "+have.Type().Name())
	}
	return s.CreateData(trace.SpanAtLeast(snap), reg.Offset, typ)
}
