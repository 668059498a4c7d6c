// Package tracedb assembles the managers of one trace behind a single
// readers-writer lock and event bus. A trace records observations of a
// live target over snaps; everything it stores is versioned by snap.
package tracedb

import (
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"tracecode/internal/events"
	"tracecode/internal/listing"
	"tracecode/internal/memstate"
	"tracecode/internal/platform"
	"tracecode/internal/regs"
	"tracecode/internal/stack"
	"tracecode/trace"
)

// Thread is one recorded thread of the target.
type Thread struct {
	Key  int64
	Name string
}

// Trace is the full recording: platforms, memory, code units, registers,
// and stacks, all sharing one lock so cross-manager reads are coherent.
type Trace struct {
	id   uuid.UUID
	name string

	lock sync.RWMutex
	bus  events.Broadcaster
	log  *log.Logger

	platforms *platform.Manager
	protos    *platform.PrototypeStore
	memory    *memstate.Manager
	code      *listing.Manager
	registers *regs.Manager
	stacks    *stack.Manager

	threadMu sync.Mutex
	threads  map[int64]*Thread
	nextKey  int64
}

// New creates a trace whose host platform speaks lang.
func New(name string, lang *platform.Language, lg *log.Logger) *Trace {
	t := &Trace{
		id:      uuid.New(),
		name:    name,
		log:     lg,
		threads: make(map[int64]*Thread),
	}
	t.platforms = platform.NewManager(lang)
	t.protos = platform.NewPrototypeStore()
	t.memory = memstate.NewManager(&t.lock, &t.bus)
	t.code = listing.NewManager(&t.lock, &t.bus, lg, t.platforms, t.protos)
	t.registers = regs.NewManager(&t.lock, &t.bus)
	t.stacks = stack.NewManager(&t.lock, &t.bus)
	return t
}

// ID returns the trace's unique identity. Background work is serialised
// per trace by this value.
func (t *Trace) ID() uuid.UUID { return t.id }

// Name returns the trace's display name.
func (t *Trace) Name() string { return t.name }

// Bus returns the trace's event broadcaster.
func (t *Trace) Bus() *events.Broadcaster { return &t.bus }

// Platforms returns the platform manager.
func (t *Trace) Platforms() *platform.Manager { return t.platforms }

// Prototypes returns the interned prototype store.
func (t *Trace) Prototypes() *platform.PrototypeStore { return t.protos }

// Memory returns the memory model.
func (t *Trace) Memory() *memstate.Manager { return t.memory }

// Code returns the code unit manager.
func (t *Trace) Code() *listing.Manager { return t.code }

// Registers returns the register value manager.
func (t *Trace) Registers() *regs.Manager { return t.registers }

// Stacks returns the stack manager.
func (t *Trace) Stacks() *stack.Manager { return t.stacks }

// Logger returns the trace's logger.
func (t *Trace) Logger() *log.Logger { return t.log }

// AddThread registers a thread and returns it.
func (t *Trace) AddThread(name string) *Thread {
	t.threadMu.Lock()
	defer t.threadMu.Unlock()
	th := &Thread{Key: t.nextKey, Name: name}
	t.nextKey++
	t.threads[th.Key] = th
	return th
}

// Threads returns all registered threads in key order.
func (t *Trace) Threads() []*Thread {
	t.threadMu.Lock()
	defer t.threadMu.Unlock()
	out := make([]*Thread, 0, len(t.threads))
	for key := int64(0); key < t.nextKey; key++ {
		if th := t.threads[key]; th != nil {
			out = append(out, th)
		}
	}
	return out
}

// Thread returns the thread with the given key, or nil.
func (t *Trace) Thread(key int64) *Thread {
	t.threadMu.Lock()
	defer t.threadMu.Unlock()
	return t.threads[key]
}

// NonScratchSnap reduces a scratch snap to the recorded snap it derives
// from. Scratch snaps are negative; durable state written while emulating
// at one lands at snap 0.
func NonScratchSnap(snap trace.Snap) trace.Snap {
	if snap < 0 {
		return 0
	}
	return snap
}
