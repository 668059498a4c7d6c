package printer

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"tracecode/internal/disasm"
	"tracecode/internal/logging"
	"tracecode/internal/memstate"
	"tracecode/internal/tracedb"
	"tracecode/trace"
)

func listingTrace(t *testing.T) *tracedb.Trace {
	t.Helper()
	tr := tracedb.New(t.Name(), disasm.AMD64(), logging.NewWithWriter(io.Discard))
	err := tr.Memory().AddRegion(&memstate.Region{
		Name:    "text",
		Range:   trace.RangeOf(0x1000, 0x100),
		Span:    trace.SpanAtLeast(0),
		Read:    true,
		Execute: true,
	})
	if err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	// nop; ret
	tr.Memory().Write(0, 0x1000, []byte{0x90, 0xc3})
	m := &disasm.SweepMapper{}
	res := m.Disassemble(nil, tr, 0x1000, trace.NewAddressSet(trace.RangeOf(0x1000, 0x100)), 0)
	if res.Err != nil {
		t.Fatalf("Disassemble: %v", res.Err)
	}
	return tr
}

func TestPrintListing(t *testing.T) {
	tr := listingTrace(t)
	var buf bytes.Buffer
	p := New(&buf, map[trace.Address]string{0x1000: "_Z5startv"})
	p.SetColor(false)
	if err := p.Print(tr, 0); err != nil {
		t.Fatalf("Print: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"start()", "00001000:", "90", "00001001:", "c3", "RET"} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}
}

func TestLabelDemangles(t *testing.T) {
	p := New(io.Discard, map[trace.Address]string{
		0x1000: "_Z3foov",
		0x2000: "plain_name",
	})
	if got := p.Label(0x1000); got != "foo()" {
		t.Errorf("Label(0x1000) = %q, want demangled foo()", got)
	}
	if got := p.Label(0x2000); got != "plain_name" {
		t.Errorf("Label(0x2000) = %q, want unchanged", got)
	}
	if got := p.Label(0x3000); got != "" {
		t.Errorf("Label(0x3000) = %q, want empty", got)
	}
}
