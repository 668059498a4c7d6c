package autodis

import (
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tracecode/internal/logging"
	"tracecode/internal/memstate"
	"tracecode/internal/platform"
	"tracecode/internal/tracedb"
	"tracecode/trace"
)

type decodeCall struct {
	threadKey int64
	start     trace.Address
	snap      trace.Snap
}

// countingMapper records every decode request and optionally commits a
// one-byte instruction so the skip check has something to find.
type countingMapper struct {
	mu     sync.Mutex
	calls  []decodeCall
	commit bool
}

func (m *countingMapper) Disassemble(thread *tracedb.Thread, object any, start trace.Address,
	allowed trace.AddressSetView, snap trace.Snap) DisassemblyResult {
	m.mu.Lock()
	m.calls = append(m.calls, decodeCall{threadKey: thread.Key, start: start, snap: snap})
	m.mu.Unlock()
	if m.commit {
		tr := object.(*tracedb.Trace)
		tr.Code().Memory().CreateInstruction(trace.SpanAtLeast(snap), start,
			tr.Platforms().Host(), nopProto{})
	}
	return DisassemblyResult{Success: true, AtLeastOne: true}
}

func (m *countingMapper) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type nopProto struct{}

func (nopProto) Length() int                                         { return 1 }
func (nopProto) Bytes() []byte                                       { return []byte{0x90} }
func (nopProto) ContextValue() uint64                                { return 0 }
func (nopProto) FlowType() trace.FlowType                            { return trace.FlowFallthrough }
func (nopProto) Flows(platform.InstructionContext) []trace.Address   { return nil }
func (nopProto) FallThroughOffset(platform.InstructionContext) int64 { return 1 }
func (nopProto) InDelaySlot() bool                                   { return false }
func (nopProto) Text(platform.InstructionContext) string             { return "nop" }

func testLang() *platform.Language {
	pc := &platform.Register{Name: "pc", Offset: 0x100, Size: 8}
	return &platform.Language{
		Name:        "test:LE:64",
		Alignment:   1,
		MaxInstrLen: 8,
		PointerSize: 8,
		PC:          pc,
		Registers:   []*platform.Register{pc},
	}
}

func newTestTrace(t *testing.T) *tracedb.Trace {
	t.Helper()
	return tracedb.New(t.Name(), testLang(), logging.NewWithWriter(io.Discard))
}

func addRWRegion(t *testing.T, tr *tracedb.Trace, start trace.Address, length uint64) {
	t.Helper()
	err := tr.Memory().AddRegion(&memstate.Region{
		Name:  "rw",
		Range: trace.RangeOf(start, length),
		Span:  trace.SpanAtLeast(0),
		Read:  true,
		Write: true,
	})
	if err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
}

func seedPC(tr *tracedb.Trace, th *tracedb.Thread, snap trace.Snap, pc trace.Address) {
	lang := tr.Platforms().Host().Language()
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(pc))
	tr.Registers().SetValue(th.Key, 0, lang.PC, snap, buf)
}

func newTestMonitor(tr *tracedb.Trace, mapper Mapper) *Monitor {
	return NewMonitor(Config{
		Trace:    tr,
		Mapper:   mapper,
		Executor: SyncExecutor{},
		Window:   time.Hour, // drains happen via Flush only
	})
}

func TestRegisterChangeTriggersDecode(t *testing.T) {
	tr := newTestTrace(t)
	mapper := &countingMapper{}
	mon := newTestMonitor(tr, mapper)
	mon.Start()
	defer mon.Close()

	addRWRegion(t, tr, 0x1000, 0x100)
	tr.Memory().Write(0, 0x1000, []byte{0x90, 0x90})
	th := tr.AddThread("t0")
	seedPC(tr, th, 0, 0x1000)
	mon.Flush()

	if got := mapper.callCount(); got != 1 {
		t.Fatalf("mapper called %d times, want 1", got)
	}
	call := mapper.calls[0]
	if call.start != 0x1000 || call.snap != 0 || call.threadKey != th.Key {
		t.Errorf("decode call = %+v, want start 0x1000 snap 0 thread %d", call, th.Key)
	}

	// The raw register bytes were read back through a pointer placeholder.
	lang := tr.Platforms().Host().Language()
	space := tr.Code().RegisterSpace(th.Key, 0, false)
	if space == nil || space.DataAt(0, lang.PC.Offset) == nil {
		t.Error("no pointer placeholder unit on the PC register")
	}
}

func TestDebounceCoalescing(t *testing.T) {
	tr := newTestTrace(t)
	mapper := &countingMapper{}
	mon := newTestMonitor(tr, mapper)
	mon.Start()
	defer mon.Close()

	addRWRegion(t, tr, 0x1000, 0x100)
	th := tr.AddThread("t0")
	seedPC(tr, th, 0, 0x1000)
	// A burst of overlapping memory writes covering the PC.
	for i := 0; i < 8; i++ {
		tr.Memory().Write(0, 0x1000, []byte{0x90, 0x90, 0x90})
	}
	mon.Flush()

	if got := mapper.callCount(); got != 1 {
		t.Errorf("burst of 8 writes produced %d decode attempts, want 1", got)
	}
}

func TestIdempotentRedecodeGuard(t *testing.T) {
	tr := newTestTrace(t)
	mapper := &countingMapper{commit: true}
	mon := newTestMonitor(tr, mapper)
	mon.Start()
	defer mon.Close()

	addRWRegion(t, tr, 0x1000, 0x100)
	tr.Memory().Write(0, 0x1000, []byte{0x90})
	th := tr.AddThread("t0")
	seedPC(tr, th, 0, 0x1000)
	mon.Flush()
	if got := mapper.callCount(); got != 1 {
		t.Fatalf("first settle: %d decode attempts, want 1", got)
	}

	// Same PC again, nothing new at the address: skip, don't re-decode.
	seedPC(tr, th, 0, 0x1000)
	mon.Flush()
	if got := mapper.callCount(); got != 1 {
		t.Errorf("re-trigger decoded again: %d attempts, want 1", got)
	}
}

func TestKnownReadOnlyGate(t *testing.T) {
	tr := newTestTrace(t)
	mapper := &countingMapper{}
	mon := newTestMonitor(tr, mapper)
	mon.Start()
	defer mon.Close()

	// 0x1000: read-only, known at snap 5 only.
	err := tr.Memory().AddRegion(&memstate.Region{
		Name:  "ro",
		Range: trace.RangeOf(0x1000, 0x100),
		Span:  trace.SpanAtLeast(0),
		Read:  true,
	})
	if err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	// 0x2000: writable, known at snap 5 only.
	addRWRegion(t, tr, 0x2000, 0x100)
	tr.Memory().Write(5, 0x1000, []byte{0x90})
	tr.Memory().Write(5, 0x2000, []byte{0x90})
	th := tr.AddThread("t0")

	// Read-only content known earlier stays eligible at snap 10, and the
	// decode runs at the snap the bytes were known.
	seedPC(tr, th, 10, 0x1000)
	mon.Flush()
	if got := mapper.callCount(); got != 1 {
		t.Fatalf("read-only address not decoded at later snap: %d attempts, want 1", got)
	}
	if got := mapper.calls[0].snap; got != 5 {
		t.Errorf("decode snap = %d, want known snap 5", got)
	}

	// Writable content is eligible only where explicitly known at the snap.
	seedPC(tr, th, 10, 0x2000)
	mon.Flush()
	if got := mapper.callCount(); got != 1 {
		t.Errorf("writable stale address decoded: %d attempts, want still 1", got)
	}
	seedPC(tr, th, 5, 0x2000)
	mon.Flush()
	if got := mapper.callCount(); got != 2 {
		t.Errorf("writable address known at snap not decoded: %d attempts, want 2", got)
	}
}

// slowMapper detects overlapping decode invocations.
type slowMapper struct {
	inflight atomic.Int32
	overlap  atomic.Bool
	done     sync.WaitGroup
}

func (m *slowMapper) Disassemble(thread *tracedb.Thread, object any, start trace.Address,
	allowed trace.AddressSetView, snap trace.Snap) DisassemblyResult {
	if m.inflight.Add(1) > 1 {
		m.overlap.Store(true)
	}
	time.Sleep(2 * time.Millisecond)
	m.inflight.Add(-1)
	m.done.Done()
	return DisassemblyResult{Success: true, AtLeastOne: true}
}

func TestDecodeCommandsSerialized(t *testing.T) {
	tr := newTestTrace(t)
	mapper := &slowMapper{}
	mon := NewMonitor(Config{
		Trace:    tr,
		Mapper:   mapper,
		Executor: GoExecutor{},
		Window:   time.Hour,
	})
	mon.Start()
	defer mon.Close()

	addRWRegion(t, tr, 0x1000, 0x100)
	tr.Memory().Write(0, 0x1000, []byte{0x90})
	tr.Memory().Write(0, 0x1040, []byte{0x90})
	th1 := tr.AddThread("t0")
	th2 := tr.AddThread("t1")
	seedPC(tr, th1, 0, 0x1000)
	seedPC(tr, th2, 0, 0x1040)

	mapper.done.Add(2)
	mon.Flush()
	mapper.done.Wait()
	if mapper.overlap.Load() {
		t.Error("two decode commands for one trace ran concurrently")
	}
}

func TestStackPCPreferred(t *testing.T) {
	tr := newTestTrace(t)
	mapper := &countingMapper{}
	mon := newTestMonitor(tr, mapper)
	mon.Start()
	defer mon.Close()

	addRWRegion(t, tr, 0x1000, 0x100)
	tr.Memory().Write(0, 0x1040, []byte{0x90})
	th := tr.AddThread("t0")
	// Register says 0x1000, stack says 0x1040; the stack wins.
	seedPC(tr, th, 0, 0x1000)
	tr.Stacks().Record(th.Key, 0, []trace.Address{0x1040, 0x1000})
	mon.Flush()

	if got := mapper.callCount(); got != 1 {
		t.Fatalf("mapper called %d times, want 1", got)
	}
	if mapper.calls[0].start != 0x1040 {
		t.Errorf("decode start = 0x%x, want stack top frame 0x1040", uint64(mapper.calls[0].start))
	}
}

type panickyInject struct{}

func (panickyInject) PreDisassemble(*tracedb.Trace, *tracedb.Thread, trace.Address, trace.Snap) {
	panic("inject boom")
}

func TestUnitIsolation(t *testing.T) {
	tr := newTestTrace(t)
	mapper := &countingMapper{}
	mon := NewMonitor(Config{
		Trace:    tr,
		Mapper:   mapper,
		Injects:  []Inject{panickyInject{}},
		Executor: SyncExecutor{},
		Window:   time.Hour,
		Log:      logging.NewWithWriter(io.Discard),
	})
	mon.Start()
	defer mon.Close()

	addRWRegion(t, tr, 0x1000, 0x100)
	tr.Memory().Write(0, 0x1000, []byte{0x90})
	th1 := tr.AddThread("t0")
	th2 := tr.AddThread("t1")
	seedPC(tr, th1, 0, 0x1000)
	seedPC(tr, th2, 0, 0x1000)

	// Both units panic in the inject hook; the drain must survive both.
	mon.Flush()
	if got := mapper.callCount(); got != 0 {
		t.Errorf("mapper called %d times despite panicking inject, want 0", got)
	}
	// A healthy monitor on the same trace still works afterwards.
	mon2 := newTestMonitor(tr, mapper)
	mon2.Start()
	defer mon2.Close()
	seedPC(tr, th1, 0, 0x1000)
	mon2.Flush()
	if got := mapper.callCount(); got != 1 {
		t.Errorf("mapper called %d times after recovery, want 1", got)
	}
}
