// Package autodis implements the reactive auto-disassembly trigger: it
// watches memory, register, and stack changes on a trace, debounces
// bursts, and on settle decides whether a thread's program counter newly
// points into decodable memory, then hands decoding to a pluggable mapper
// on a background executor. The event-delivery path only enqueues and
// arms the debouncer; it never decodes.
package autodis

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"tracecode/internal/events"
	"tracecode/internal/listing"
	"tracecode/internal/memstate"
	"tracecode/internal/tracedb"
	"tracecode/trace"
)

// DisassemblyResult is what a mapper reports back.
type DisassemblyResult struct {
	Success    bool
	AtLeastOne bool
	Err        error
}

// Mapper performs the actual decoding for one trace, thread, and snap. The
// monitor never decodes itself.
type Mapper interface {
	Disassemble(thread *tracedb.Thread, object any, start trace.Address,
		allowed trace.AddressSetView, snap trace.Snap) DisassemblyResult
}

// Inject is a pre-decode hook. Injects are supplied as an explicit ordered
// registry at construction; the monitor performs no discovery.
type Inject interface {
	PreDisassemble(t *tracedb.Trace, thread *tracedb.Thread, start trace.Address, snap trace.Snap)
}

// Command is one unit of background decode work.
type Command struct {
	Name string
	Run  func()
}

// Executor runs submitted commands off the caller's goroutine. Keeping two
// commands for one trace from overlapping is the monitor's job, not the
// executor's.
type Executor interface {
	Submit(cmd Command)
}

// GoExecutor runs each command on its own goroutine.
type GoExecutor struct{}

func (GoExecutor) Submit(cmd Command) { go cmd.Run() }

// SyncExecutor runs commands inline on the submitting goroutine.
type SyncExecutor struct{}

func (SyncExecutor) Submit(cmd Command) { cmd.Run() }

// ErrorReporter receives mapper and gate failures. Errors are reported,
// never thrown back into the event-delivery path.
type ErrorReporter interface {
	ReportError(err error)
}

type logReporter struct{ log *log.Logger }

func (r logReporter) ReportError(err error) { r.log.Error("auto-disassembly", "err", err) }

type unitKind int

const (
	memoryUnit unitKind = iota
	registerUnit
	stackUnit
)

type workUnit struct {
	kind      unitKind
	snap      trace.Snap
	rng       trace.AddressRange
	threadKey int64
}

type candidate struct {
	threadKey int64
	snap      trace.Snap
	pc        trace.Address
}

// Config supplies the monitor's collaborators. Mapper and Trace are
// required; everything else has a usable default.
type Config struct {
	Trace    *tracedb.Trace
	Mapper   Mapper
	Injects  []Inject
	Executor Executor
	Reporter ErrorReporter
	// Window overrides the debounce settle window.
	Window time.Duration
	Log    *log.Logger
}

// Monitor subscribes to a trace's change events and drives the trigger
// state machine: Idle, pending work queued, decoding in background, Idle.
type Monitor struct {
	trace    *tracedb.Trace
	mapper   Mapper
	injects  []Inject
	exec     Executor
	reporter ErrorReporter
	log      *log.Logger

	mu    sync.Mutex
	queue []workUnit
	deb   *Debouncer

	// decodeMu serialises submitted decode commands, so two commands
	// against the trace's address space never run concurrently.
	decodeMu sync.Mutex
}

// NewMonitor creates a monitor. Call Start to attach it to the trace.
func NewMonitor(cfg Config) *Monitor {
	lg := cfg.Log
	if lg == nil {
		lg = cfg.Trace.Logger()
	}
	m := &Monitor{
		trace:    cfg.Trace,
		mapper:   cfg.Mapper,
		injects:  cfg.Injects,
		exec:     cfg.Executor,
		reporter: cfg.Reporter,
		log:      lg,
	}
	if m.exec == nil {
		m.exec = GoExecutor{}
	}
	if m.reporter == nil {
		m.reporter = logReporter{log: lg}
	}
	m.deb = NewDebouncer(cfg.Window, m.drain)
	return m
}

// Start attaches the monitor to the trace's event bus.
func (m *Monitor) Start() {
	m.trace.Bus().Attach(m)
}

// Close detaches the monitor and cancels any pending settle.
func (m *Monitor) Close() {
	m.trace.Bus().Detach(m)
	m.deb.Stop()
}

// TraceChanged implements events.Listener. It runs on whatever goroutine
// raised the mutation, so it only queues and arms the debouncer.
func (m *Monitor) TraceChanged(rec events.Record) {
	var unit workUnit
	switch rec.Kind {
	case events.MemoryBytesChanged:
		unit = workUnit{kind: memoryUnit, snap: tracedb.NonScratchSnap(rec.Snap), rng: rec.Range}
	case events.RegisterBytesChanged:
		if rec.Frame != 0 {
			return
		}
		pc := m.trace.Platforms().Host().Language().PC
		if pc == nil || !rec.Range.Overlaps(pc.Range()) {
			return
		}
		unit = workUnit{kind: registerUnit, snap: tracedb.NonScratchSnap(rec.Snap), threadKey: rec.ThreadKey}
	case events.StackChanged:
		unit = workUnit{kind: stackUnit, snap: tracedb.NonScratchSnap(rec.Snap), threadKey: rec.ThreadKey}
	default:
		return
	}
	m.mu.Lock()
	m.queue = append(m.queue, unit)
	m.mu.Unlock()
	m.deb.Contact()
}

// Flush drains the pending queue immediately, without waiting for the
// debouncer to settle.
func (m *Monitor) Flush() {
	m.drain()
}

// drain runs on the debouncer's goroutine once events settle. Units are
// processed in enqueue order; a failure in one unit is logged and never
// aborts the rest.
func (m *Monitor) drain() {
	m.mu.Lock()
	units := m.queue
	m.queue = nil
	m.mu.Unlock()

	seen := make(map[candidate]bool)
	for _, unit := range units {
		m.runUnit(unit, seen)
	}
}

func (m *Monitor) runUnit(unit workUnit, seen map[candidate]bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("auto-disassembly unit failed", "err", r)
		}
	}()
	for _, cand := range m.candidates(unit) {
		if seen[cand] {
			continue
		}
		seen[cand] = true
		m.consider(cand)
	}
}

// candidates resolves a work unit to (thread, snap, pc) decode candidates.
func (m *Monitor) candidates(unit workUnit) []candidate {
	switch unit.kind {
	case registerUnit, stackUnit:
		pc, ok := m.candidatePC(unit.threadKey, unit.snap)
		if !ok {
			return nil
		}
		return []candidate{{threadKey: unit.threadKey, snap: unit.snap, pc: pc}}
	case memoryUnit:
		// Changed bytes matter only where some thread's counter points.
		var out []candidate
		for _, th := range m.trace.Threads() {
			pc, ok := m.candidatePC(th.Key, unit.snap)
			if ok && unit.rng.Contains(pc) {
				out = append(out, candidate{threadKey: th.Key, snap: unit.snap, pc: pc})
			}
		}
		return out
	}
	return nil
}

// candidatePC finds the thread's program counter at snap: the top frame of
// its most recent stack when one exists, otherwise the raw PC register
// read back through a pointer-typed placeholder unit in the register code
// space. The placeholder gives the raw bytes the type information needed
// to interpret them as an address.
func (m *Monitor) candidatePC(threadKey int64, snap trace.Snap) (trace.Address, bool) {
	if st := m.trace.Stacks().Latest(threadKey, snap); st != nil {
		if f := st.Frame(0); f != nil {
			if pc, ok := f.PC(snap); ok {
				return pc, true
			}
		}
	}

	lang := m.trace.Platforms().Host().Language()
	if lang.PC == nil {
		return 0, false
	}
	data, ok := m.trace.Registers().Value(threadKey, 0, lang.PC, snap)
	if !ok {
		return 0, false
	}
	unit, err := m.trace.Code().DataForRegister(threadKey, 0, lang.PC, snap,
		listing.PointerType{Size: lang.PointerSize})
	if err != nil {
		m.reporter.ReportError(err)
		return 0, false
	}
	return unit.PointerValue(lang, data)
}

// knownSnap resolves the snap at which the bytes at pc are usable: the
// candidate snap itself when the address is explicitly KNOWN there,
// otherwise the most recent snap at which read-only content was KNOWN,
// since read-only content cannot have silently changed.
func (m *Monitor) knownSnap(snap trace.Snap, pc trace.Address) (trace.Snap, bool) {
	mem := m.trace.Memory()
	if mem.StateAt(snap, pc) == trace.StateKnown {
		return snap, true
	}
	r := mem.RegionContaining(snap, pc)
	if r == nil || !r.Read || r.Write {
		return 0, false
	}
	e := mem.MostRecentStateEntry(snap, pc)
	if e == nil || e.State != trace.StateKnown {
		return 0, false
	}
	return e.Snap, true
}

// eligibleSet builds the decode-eligibility set at snap: bytes explicitly
// KNOWN at the snap, plus read-only bytes known at any earlier snap. The
// mapper sweeps within this set; the operands stay lazy.
func (m *Monitor) eligibleSet(snap trace.Snap) trace.AddressSetView {
	mem := m.trace.Memory()
	isKnown := func(s trace.MemoryState) bool { return s == trace.StateKnown }
	known := mem.AddressesWithState(trace.Span(snap, snap), isKnown)
	readOnly := mem.RegionsWith(snap, func(r *memstate.Region) bool { return r.Read && !r.Write })
	everKnown := mem.AddressesWithState(trace.SpanAtMost(snap), isKnown)
	return trace.Union(known, trace.Intersection(readOnly, everKnown))
}

// consider applies the eligibility gate and the already-decoded skip, then
// submits the candidate for background decoding. Decoding happens at the
// snap the bytes were known, so instructions in read-only content start
// with the content rather than the triggering observation.
func (m *Monitor) consider(cand candidate) {
	ks, ok := m.knownSnap(cand.snap, cand.pc)
	if !ok {
		m.log.Debug("pc not in known memory, skipping", "pc", cand.pc, "snap", cand.snap)
		return
	}
	if m.trace.Code().Memory().ContainsAddress(ks, cand.pc) {
		m.log.Debug("pc already decoded, skipping", "pc", cand.pc, "snap", ks)
		return
	}
	if m.mapper == nil {
		m.reporter.ReportError(trace.NewErrorAt(trace.SevError, trace.ErrNoMapper,
			ks, cand.pc, "no platform mapper configured"))
		return
	}

	eligible := m.eligibleSet(cand.snap)
	th := m.trace.Thread(cand.threadKey)
	for _, inj := range m.injects {
		inj.PreDisassemble(m.trace, th, cand.pc, ks)
	}

	m.exec.Submit(Command{
		Name: fmt.Sprintf("disassemble %s at snap %d", cand.pc, ks),
		Run: func() {
			m.decodeMu.Lock()
			defer m.decodeMu.Unlock()
			res := m.mapper.Disassemble(th, m.trace, cand.pc, eligible, ks)
			if res.Err != nil {
				m.reporter.ReportError(res.Err)
				return
			}
			if !res.Success || !res.AtLeastOne {
				m.reporter.ReportError(trace.NewErrorAt(trace.SevWarn, trace.ErrDecode,
					ks, cand.pc, "mapper decoded nothing"))
			}
		},
	})
}
