package disasm

import (
	"golang.org/x/arch/x86/x86asm"

	"tracecode/internal/platform"
	"tracecode/trace"
)

type x86Proto struct {
	inst   x86asm.Inst
	raw    []byte
	ctx    uint64
	flow   trace.FlowType
	target int64
	hasTgt bool
}

func (p *x86Proto) Length() int              { return p.inst.Len }
func (p *x86Proto) Bytes() []byte            { return p.raw }
func (p *x86Proto) ContextValue() uint64     { return p.ctx }
func (p *x86Proto) FlowType() trace.FlowType { return p.flow }
func (p *x86Proto) InDelaySlot() bool        { return false }

func (p *x86Proto) Flows(ctx platform.InstructionContext) []trace.Address {
	if !p.hasTgt {
		return nil
	}
	to, ok := ctx.Address().AddNoWrap(p.target)
	if !ok {
		return nil
	}
	return []trace.Address{to}
}

func (p *x86Proto) FallThroughOffset(platform.InstructionContext) int64 {
	return int64(p.inst.Len)
}

func (p *x86Proto) Text(ctx platform.InstructionContext) string {
	return x86asm.GoSyntax(p.inst, uint64(ctx.Address()), nil)
}

// X86_64 decodes 64-bit x86 instructions.
type X86_64 struct{}

// Decode implements platform.Decoder.
func (X86_64) Decode(addr trace.Address, buf []byte, ctxValue uint64) (platform.Prototype, error) {
	if len(buf) == 0 {
		return nil, trace.NewErrorAt(trace.SevError, trace.ErrMemNacc, trace.BadSnap, addr,
			"no bytes to decode")
	}
	inst, err := x86asm.Decode(buf, 64)
	if err != nil {
		return nil, trace.NewErrorAt(trace.SevError, trace.ErrDecode, trace.BadSnap, addr, err.Error())
	}
	p := &x86Proto{
		inst: inst,
		raw:  append([]byte(nil), buf[:inst.Len]...),
		ctx:  ctxValue,
	}
	p.flow, p.target, p.hasTgt = classifyX86(inst)
	return p, nil
}

func x86Rel(inst x86asm.Inst) (int64, bool) {
	for _, arg := range inst.Args {
		if rel, ok := arg.(x86asm.Rel); ok {
			// Rel is relative to the end of the instruction.
			return int64(rel) + int64(inst.Len), true
		}
	}
	return 0, false
}

func isConditionalJump(op x86asm.Op) bool {
	switch op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE,
		x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ,
		x86asm.JS, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	}
	return false
}

func classifyX86(inst x86asm.Inst) (trace.FlowType, int64, bool) {
	switch {
	case inst.Op == x86asm.CALL:
		if off, ok := x86Rel(inst); ok {
			return trace.FlowUnconditionalCall, off, true
		}
		return trace.FlowComputedCall, 0, false
	case inst.Op == x86asm.JMP:
		if off, ok := x86Rel(inst); ok {
			return trace.FlowUnconditionalJump, off, true
		}
		return trace.FlowComputedJump, 0, false
	case inst.Op == x86asm.RET || inst.Op == x86asm.LRET || inst.Op == x86asm.IRET ||
		inst.Op == x86asm.IRETD || inst.Op == x86asm.IRETQ:
		return trace.FlowTerminator, 0, false
	case inst.Op == x86asm.HLT || inst.Op == x86asm.UD2:
		return trace.FlowTerminator, 0, false
	case isConditionalJump(inst.Op):
		off, _ := x86Rel(inst)
		return trace.FlowConditionalJump, off, true
	case inst.Op == x86asm.SYSCALL || inst.Op == x86asm.INT:
		return trace.FlowComputedCall, 0, false
	}
	return trace.FlowFallthrough, 0, false
}
