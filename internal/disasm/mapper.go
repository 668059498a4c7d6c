package disasm

import (
	"github.com/charmbracelet/log"

	"tracecode/internal/autodis"
	"tracecode/internal/platform"
	"tracecode/internal/tracedb"
	"tracecode/trace"
)

// instructionLimit bounds one sweep, guarding against decoding off into
// non-code bytes that happen to keep falling through.
const instructionLimit = 1200

// SweepMapper is the default platform mapper: a linear sweep from the
// start address, committing each decoded instruction and its static flow
// references, following fallthrough until flow stops, the allowed set
// ends, known code is reached, or the sweep limit trips.
type SweepMapper struct {
	// Platform selects the decode platform; nil means the trace's host.
	Platform *platform.Platform
	Log      *log.Logger
}

// Disassemble implements the mapper contract for the trigger. The object
// context must be the owning trace.
func (m *SweepMapper) Disassemble(thread *tracedb.Thread, object any, start trace.Address,
	allowed trace.AddressSetView, snap trace.Snap) autodis.DisassemblyResult {
	tr, ok := object.(*tracedb.Trace)
	if !ok {
		return autodis.DisassemblyResult{Err: trace.NewErrorMsg(trace.SevError, trace.ErrInvalidParam,
			"mapper requires the owning trace as object context")}
	}
	lg := m.Log
	if lg == nil {
		lg = tr.Logger()
	}
	plat := m.Platform
	if plat == nil {
		plat = tr.Platforms().Host()
	}
	lang := plat.Language()
	space := tr.Code().Memory()
	span := trace.SpanAtLeast(snap)

	addr := start
	count := 0
	atLeastOne := false
	for {
		if count >= instructionLimit {
			lg.Warn("sweep limit reached", "start", start, "at", addr)
			break
		}
		if !allowed.Contains(addr) {
			break
		}
		if space.InstructionContaining(snap, addr) != nil {
			// Met code already decoded by an earlier sweep.
			break
		}

		buf := make([]byte, lang.MaxInstrLen)
		n := tr.Memory().ReadMostRecent(snap, addr, buf)
		if n == 0 {
			if !atLeastOne {
				return autodis.DisassemblyResult{Err: trace.NewErrorAt(trace.SevError,
					trace.ErrMemNacc, snap, addr, "no bytes recorded at start address")}
			}
			break
		}

		proto, err := lang.Decoder.Decode(addr, buf[:n], 0)
		if err != nil {
			if !atLeastOne {
				return autodis.DisassemblyResult{Success: true, Err: err}
			}
			lg.Debug("sweep stopped on undecodable bytes", "at", addr, "err", err)
			break
		}

		ins, err := space.CreateInstruction(span, addr, plat, proto)
		if err != nil {
			// A concurrent sweep can win the race for this address.
			if trace.IsCode(err, trace.ErrOverlap) {
				break
			}
			return autodis.DisassemblyResult{AtLeastOne: atLeastOne, Err: err}
		}
		atLeastOne = true
		count++

		flow := ins.FlowType()
		if refType := trace.DefaultMemoryRefType(flow); refType != trace.RefInvalid {
			for _, to := range ins.DefaultFlows() {
				space.AddReference(span, addr, to, refType,
					trace.SourceAnalysis, trace.MnemonicOperand)
			}
		}
		if !flow.HasFallthrough() {
			break
		}
		next, ok := ins.FallThrough()
		if !ok {
			break
		}
		addr = next
	}
	return autodis.DisassemblyResult{Success: true, AtLeastOne: atLeastOne}
}
