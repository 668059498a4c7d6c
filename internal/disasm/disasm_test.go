package disasm

import (
	"encoding/binary"
	"io"
	"testing"

	"tracecode/internal/autodis"
	"tracecode/internal/logging"
	"tracecode/internal/memstate"
	"tracecode/internal/tracedb"
	"tracecode/trace"
)

func TestARM64Classification(t *testing.T) {
	cases := []struct {
		name   string
		word   uint32
		flow   trace.FlowType
		target int64
		hasTgt bool
	}{
		{"nop", 0xd503201f, trace.FlowFallthrough, 0, false},
		{"b +8", 0x14000002, trace.FlowUnconditionalJump, 8, true},
		{"bl +16", 0x94000004, trace.FlowUnconditionalCall, 16, true},
		{"ret", 0xd65f03c0, trace.FlowTerminator, 0, false},
		{"br x0", 0xd61f0000, trace.FlowComputedJump, 0, false},
		{"blr x0", 0xd63f0000, trace.FlowComputedCall, 0, false},
		{"cbz x0, +8", 0xb4000040, trace.FlowConditionalJump, 8, true},
		{"b.eq +8", 0x54000040, trace.FlowConditionalJump, 8, true},
	}
	for _, tc := range cases {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, tc.word)
		proto, err := ARM64{}.Decode(0x1000, buf, 0)
		if err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}
		p := proto.(*arm64Proto)
		if p.flow != tc.flow {
			t.Errorf("%s: flow = %v, want %v", tc.name, p.flow, tc.flow)
		}
		if p.hasTgt != tc.hasTgt || (tc.hasTgt && p.target != tc.target) {
			t.Errorf("%s: target = (%d, %v), want (%d, %v)",
				tc.name, p.target, p.hasTgt, tc.target, tc.hasTgt)
		}
		if p.Length() != 4 {
			t.Errorf("%s: length = %d, want 4", tc.name, p.Length())
		}
	}
}

func TestX86Classification(t *testing.T) {
	cases := []struct {
		name   string
		bytes  []byte
		flow   trace.FlowType
		target int64
		hasTgt bool
	}{
		{"nop", []byte{0x90}, trace.FlowFallthrough, 0, false},
		{"ret", []byte{0xc3}, trace.FlowTerminator, 0, false},
		// e8 rel32: call; rel measured from the end of the instruction.
		{"call +5", []byte{0xe8, 0x00, 0x00, 0x00, 0x00}, trace.FlowUnconditionalCall, 5, true},
		{"jmp +2", []byte{0xeb, 0x00}, trace.FlowUnconditionalJump, 2, true},
		{"je +2", []byte{0x74, 0x00}, trace.FlowConditionalJump, 2, true},
		{"jmp rax", []byte{0xff, 0xe0}, trace.FlowComputedJump, 0, false},
		{"call rax", []byte{0xff, 0xd0}, trace.FlowComputedCall, 0, false},
	}
	for _, tc := range cases {
		proto, err := X86_64{}.Decode(0x1000, tc.bytes, 0)
		if err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}
		p := proto.(*x86Proto)
		if p.flow != tc.flow {
			t.Errorf("%s: flow = %v, want %v", tc.name, p.flow, tc.flow)
		}
		if p.hasTgt != tc.hasTgt || (tc.hasTgt && p.target != tc.target) {
			t.Errorf("%s: target = (%d, %v), want (%d, %v)",
				tc.name, p.target, p.hasTgt, tc.target, tc.hasTgt)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := (ARM64{}).Decode(0x1000, []byte{0x90}, 0); !trace.IsCode(err, trace.ErrMemNacc) {
		t.Errorf("short arm64 buffer: want ErrMemNacc, got %v", err)
	}
	if _, err := (X86_64{}).Decode(0x1000, nil, 0); !trace.IsCode(err, trace.ErrMemNacc) {
		t.Errorf("empty x86 buffer: want ErrMemNacc, got %v", err)
	}
}

func sweepTrace(t *testing.T, code []byte) *tracedb.Trace {
	t.Helper()
	tr := tracedb.New(t.Name(), AMD64(), logging.NewWithWriter(io.Discard))
	err := tr.Memory().AddRegion(&memstate.Region{
		Name:    "text",
		Range:   trace.RangeOf(0x1000, 0x1000),
		Span:    trace.SpanAtLeast(0),
		Read:    true,
		Execute: true,
	})
	if err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	tr.Memory().Write(0, 0x1000, code)
	return tr
}

func TestSweepMapperStopsAtTerminator(t *testing.T) {
	// nop; nop; ret; nop -- the sweep must not decode past the ret.
	tr := sweepTrace(t, []byte{0x90, 0x90, 0xc3, 0x90})
	m := &SweepMapper{}
	res := m.Disassemble(nil, tr, 0x1000, trace.NewAddressSet(trace.RangeOf(0x1000, 0x1000)), 0)
	if res.Err != nil || !res.Success || !res.AtLeastOne {
		t.Fatalf("Disassemble = %+v", res)
	}
	space := tr.Code().Memory()
	for _, addr := range []trace.Address{0x1000, 0x1001, 0x1002} {
		if space.InstructionAt(0, addr) == nil {
			t.Errorf("no instruction at 0x%x", uint64(addr))
		}
	}
	if space.InstructionAt(0, 0x1003) != nil {
		t.Error("sweep decoded past the terminator")
	}
}

func TestSweepMapperRecordsFlowReferences(t *testing.T) {
	// call +0 (to 0x1005); ret
	tr := sweepTrace(t, []byte{0xe8, 0x00, 0x00, 0x00, 0x00, 0xc3})
	m := &SweepMapper{}
	res := m.Disassemble(nil, tr, 0x1000, trace.NewAddressSet(trace.RangeOf(0x1000, 0x1000)), 0)
	if res.Err != nil {
		t.Fatalf("Disassemble: %v", res.Err)
	}
	refs := tr.Code().Memory().ReferencesFrom(0, 0x1000)
	if len(refs) != 1 || refs[0].Type() != trace.RefUnconditionalCall || refs[0].To != 0x1005 {
		t.Fatalf("references from call = %v, want one UNCONDITIONAL_CALL to 0x1005", refs)
	}
}

func TestSweepMapperRespectsAllowedSet(t *testing.T) {
	tr := sweepTrace(t, []byte{0x90, 0x90, 0x90, 0x90})
	m := &SweepMapper{}
	// Only the first two bytes are allowed.
	res := m.Disassemble(nil, tr, 0x1000, trace.NewAddressSet(trace.RangeOf(0x1000, 2)), 0)
	if res.Err != nil {
		t.Fatalf("Disassemble: %v", res.Err)
	}
	space := tr.Code().Memory()
	if space.InstructionAt(0, 0x1001) == nil {
		t.Error("allowed address not decoded")
	}
	if space.InstructionAt(0, 0x1002) != nil {
		t.Error("sweep escaped the allowed set")
	}
}

func TestSweepMapperIdempotentMeet(t *testing.T) {
	tr := sweepTrace(t, []byte{0x90, 0x90, 0xc3})
	allowed := trace.NewAddressSet(trace.RangeOf(0x1000, 0x1000))
	m := &SweepMapper{}
	if res := m.Disassemble(nil, tr, 0x1001, allowed, 0); res.Err != nil {
		t.Fatalf("first sweep: %v", res.Err)
	}
	// Second sweep from an earlier address meets the first and stops.
	if res := m.Disassemble(nil, tr, 0x1000, allowed, 0); res.Err != nil {
		t.Fatalf("second sweep: %v", res.Err)
	}
	count := 0
	for range tr.Code().Memory().Instructions(0) {
		count++
	}
	if count != 3 {
		t.Errorf("instruction count = %d, want 3 (no duplicates)", count)
	}
}

var _ autodis.Mapper = (*SweepMapper)(nil)
