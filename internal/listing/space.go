// Package listing is the code unit store: decoded instructions and data
// units indexed by address range and snap lifespan, plus the consistency
// rules binding them to the reference store.
//
// The store keeps three facts in agreement at all times: an instruction's
// flow override, its fallthrough-override bit, and the FALL_THROUGH
// references recorded from its address. Mutating any one adjusts the
// others under a single write lock, so readers always see a coherent
// triple.
package listing

import (
	"iter"
	"sync"

	"github.com/charmbracelet/log"

	"tracecode/internal/events"
	"tracecode/internal/platform"
	"tracecode/internal/refs"
	"tracecode/internal/snapmap"
	"tracecode/trace"
)

// CodeSpace holds the code units of one address space. The memory space
// has threadKey -1; register spaces are per thread and frame.
type CodeSpace struct {
	lock *sync.RWMutex
	bus  *events.Broadcaster
	log  *log.Logger

	platforms *platform.Manager
	protos    *platform.PrototypeStore

	threadKey int64
	frame     int

	instructions *snapmap.Map[*Instruction]
	data         *snapmap.Map[*DataUnit]
	refs         *refs.Space

	// pending collects events raised while the write lock is held; the
	// mutator that took the lock fires them after releasing it, so a
	// listener may issue read-locked queries without deadlocking.
	pending []events.Record
}

func newCodeSpace(lock *sync.RWMutex, bus *events.Broadcaster, lg *log.Logger,
	platforms *platform.Manager, protos *platform.PrototypeStore,
	threadKey int64, frame int) *CodeSpace {
	s := &CodeSpace{
		lock:         lock,
		bus:          bus,
		log:          lg,
		platforms:    platforms,
		protos:       protos,
		threadKey:    threadKey,
		frame:        frame,
		instructions: snapmap.New[*Instruction](),
		data:         snapmap.New[*DataUnit](),
		refs:         refs.NewSpace(),
	}
	s.refs.SetObserver(s.referenceChanged)
	return s
}

// AddReference records a reference under the space lock. FALL_THROUGH
// references feed straight back into the override consistency path.
func (s *CodeSpace) AddReference(span trace.Lifespan, from, to trace.Address,
	refType trace.RefType, source trace.RefSource, opIndex int) *refs.Reference {
	s.lock.Lock()
	ref := s.refs.AddMemoryReference(span, from, to, refType, source, opIndex)
	pending := s.takePending()
	s.lock.Unlock()
	s.fireAll(pending)
	return ref
}

// ReferencesFrom returns every reference from the address valid at snap.
func (s *CodeSpace) ReferencesFrom(snap trace.Snap, from trace.Address) []*refs.Reference {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.refs.ReferencesFrom(snap, from)
}

// DeleteReference removes a reference under the space lock.
func (s *CodeSpace) DeleteReference(ref *refs.Reference) {
	s.lock.Lock()
	ref.Delete()
	pending := s.takePending()
	s.lock.Unlock()
	s.fireAll(pending)
}

// takePending returns the events queued while the write lock was held and
// clears the queue. The write lock must be held.
func (s *CodeSpace) takePending() []events.Record {
	pending := s.pending
	s.pending = nil
	return pending
}

// fireAll fires queued events. Call with no lock held.
func (s *CodeSpace) fireAll(recs []events.Record) {
	for _, rec := range recs {
		s.bus.Fire(rec)
	}
}

// referenceChanged routes FALL_THROUGH reference mutations to the source
// instruction so its override bit tracks the reference set. Retypes count
// only when the old or the new type is FALL_THROUGH; retyping an ordinary
// flow reference must not disturb the override. Invoked with the write
// lock held.
func (s *CodeSpace) referenceChanged(ref *refs.Reference, oldType trace.RefType, kind refs.ChangeKind) {
	if !ref.Type().IsFallthrough() && !oldType.IsFallthrough() {
		return
	}
	ins := s.instructionAtLocked(ref.Span.Start, ref.From)
	if ins == nil {
		return
	}
	ins.fallThroughChanged(ref)
}

// CreateInstruction places a freshly decoded instruction over
// [addr, addr+length) for the given lifespan. The prototype is interned by
// structural equivalence; overlap with any existing code unit fails with
// an ErrOverlap error object and changes nothing.
func (s *CodeSpace) CreateInstruction(span trace.Lifespan, addr trace.Address,
	p *platform.Platform, proto platform.Prototype) (*Instruction, error) {
	s.lock.Lock()
	ins, err := s.createInstructionLocked(span, addr, p, proto)
	s.lock.Unlock()
	if err != nil {
		return nil, err
	}
	s.bus.Fire(events.Record{
		Kind:      events.InstructionAdded,
		Snap:      span.Start,
		Range:     ins.Range(),
		ThreadKey: s.threadKey,
		Frame:     s.frame,
		New:       ins,
	})
	return ins, nil
}

func (s *CodeSpace) createInstructionLocked(span trace.Lifespan, addr trace.Address,
	p *platform.Platform, proto platform.Prototype) (*Instruction, error) {
	rng := trace.RangeOf(addr, uint64(proto.Length()))
	if hit := s.data.FindOverlap(rng, span); hit != nil {
		return nil, trace.NewErrorAt(trace.SevError, trace.ErrOverlap, span.Start, addr,
			"occupied by data unit at "+hit.Range.String())
	}
	ins := &Instruction{
		space:        s,
		platformKey:  p.Key(),
		prototypeKey: s.protos.FindOrRecord(p.Key(), proto),
		prototype:    proto,
		bytes:        append([]byte(nil), proto.Bytes()...),
		ctxValue:     proto.ContextValue(),
	}
	ins.doSetPlatformMapping(p)
	entry, err := s.instructions.Insert(rng, span, ins)
	if err != nil {
		return nil, err
	}
	ins.entry = entry
	return ins, nil
}

// RestoreInstruction rebuilds an instruction from its stored keys, as when
// reloading a persisted trace. A missing platform key fails the restore; a
// missing prototype key degrades to the invalid-prototype sentinel so the
// rest of the listing stays readable.
func (s *CodeSpace) RestoreInstruction(span trace.Lifespan, rng trace.AddressRange,
	platformKey, prototypeKey int, opcodes []byte, ctxValue uint64) (*Instruction, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	p, err := s.platforms.ByKey(platformKey)
	if err != nil {
		return nil, err
	}
	proto, err := s.protos.ByKey(prototypeKey)
	if err != nil {
		s.log.Warn("instruction has no prototype, using invalid stand-in",
			"addr", rng.Start, "prototypeKey", prototypeKey)
		proto = platform.InvalidPrototype{}
	}
	ins := &Instruction{
		space:        s,
		platformKey:  platformKey,
		prototypeKey: prototypeKey,
		prototype:    proto,
		bytes:        append([]byte(nil), opcodes...),
		ctxValue:     ctxValue,
	}
	ins.doSetPlatformMapping(p)
	entry, err := s.instructions.Insert(rng, span, ins)
	if err != nil {
		return nil, err
	}
	ins.entry = entry
	return ins, nil
}

// InstructionAt returns the instruction starting exactly at addr whose
// lifespan contains snap, or nil.
func (s *CodeSpace) InstructionAt(snap trace.Snap, addr trace.Address) *Instruction {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.instructionAtLocked(snap, addr)
}

func (s *CodeSpace) instructionAtLocked(snap trace.Snap, addr trace.Address) *Instruction {
	ins := s.instructionContainingLocked(snap, addr)
	if ins == nil || ins.MinAddress() != addr {
		return nil
	}
	return ins
}

// InstructionContaining returns the instruction whose range covers addr at
// snap, or nil.
func (s *CodeSpace) InstructionContaining(snap trace.Snap, addr trace.Address) *Instruction {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.instructionContainingLocked(snap, addr)
}

func (s *CodeSpace) instructionContainingLocked(snap trace.Snap, addr trace.Address) *Instruction {
	e := s.instructions.At(snap, addr)
	if e == nil {
		return nil
	}
	return e.Value
}

// InstructionAfter returns the instruction with the lowest start address
// strictly above addr at snap, or nil.
func (s *CodeSpace) InstructionAfter(snap trace.Snap, addr trace.Address) *Instruction {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.instructionAfterLocked(snap, addr)
}

func (s *CodeSpace) instructionAfterLocked(snap trace.Snap, addr trace.Address) *Instruction {
	e := s.instructions.After(snap, addr)
	if e == nil {
		return nil
	}
	return e.Value
}

// InstructionBefore returns the instruction with the highest start address
// strictly below addr at snap, or nil.
func (s *CodeSpace) InstructionBefore(snap trace.Snap, addr trace.Address) *Instruction {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.instructionBeforeLocked(snap, addr)
}

func (s *CodeSpace) instructionBeforeLocked(snap trace.Snap, addr trace.Address) *Instruction {
	e := s.instructions.Before(snap, addr)
	if e == nil {
		return nil
	}
	return e.Value
}

// ContainsAddress reports whether any code unit covers addr at snap.
func (s *CodeSpace) ContainsAddress(snap trace.Snap, addr trace.Address) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.instructions.At(snap, addr) != nil {
		return true
	}
	return s.data.At(snap, addr) != nil
}

// Instructions yields, in address order, every instruction live at snap.
// The space lock is held for the duration of iteration.
func (s *CodeSpace) Instructions(snap trace.Snap) iter.Seq[*Instruction] {
	return func(yield func(*Instruction) bool) {
		s.lock.RLock()
		defer s.lock.RUnlock()
		for e := range s.instructions.AtSnap(snap) {
			if !yield(e.Value) {
				return
			}
		}
	}
}

// Manager owns the code spaces of one trace: the memory space plus one
// register space per (thread, frame).
type Manager struct {
	lock *sync.RWMutex
	bus  *events.Broadcaster
	log  *log.Logger

	platforms *platform.Manager
	protos    *platform.PrototypeStore

	memory    *CodeSpace
	regSpaces map[regSpaceKey]*CodeSpace
}

type regSpaceKey struct {
	thread int64
	frame  int
}

// NewManager creates the code unit manager sharing the trace lock and bus.
func NewManager(lock *sync.RWMutex, bus *events.Broadcaster, lg *log.Logger,
	platforms *platform.Manager, protos *platform.PrototypeStore) *Manager {
	return &Manager{
		lock:      lock,
		bus:       bus,
		log:       lg,
		platforms: platforms,
		protos:    protos,
		memory:    newCodeSpace(lock, bus, lg, platforms, protos, -1, 0),
		regSpaces: make(map[regSpaceKey]*CodeSpace),
	}
}

// Memory returns the memory code space.
func (m *Manager) Memory() *CodeSpace { return m.memory }

// RegisterSpace returns the code space for a thread's frame, creating it
// when create is set. Returns nil when absent and create is false.
func (m *Manager) RegisterSpace(threadKey int64, frame int, create bool) *CodeSpace {
	key := regSpaceKey{thread: threadKey, frame: frame}
	m.lock.RLock()
	s := m.regSpaces[key]
	m.lock.RUnlock()
	if s != nil || !create {
		return s
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if s := m.regSpaces[key]; s != nil {
		return s
	}
	s = newCodeSpace(m.lock, m.bus, m.log, m.platforms, m.protos, threadKey, frame)
	m.regSpaces[key] = s
	return s
}
