// Package disasm supplies real instruction decoders behind the pluggable
// decoder contract, plus the linear-sweep mapper the trigger submits for
// background execution.
package disasm

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"

	"tracecode/internal/platform"
	"tracecode/trace"
)

type arm64Proto struct {
	inst   arm64asm.Inst
	raw    []byte
	ctx    uint64
	flow   trace.FlowType
	target int64
	hasTgt bool
}

func (p *arm64Proto) Length() int               { return 4 }
func (p *arm64Proto) Bytes() []byte             { return p.raw }
func (p *arm64Proto) ContextValue() uint64      { return p.ctx }
func (p *arm64Proto) FlowType() trace.FlowType  { return p.flow }
func (p *arm64Proto) InDelaySlot() bool         { return false }

func (p *arm64Proto) Flows(ctx platform.InstructionContext) []trace.Address {
	if !p.hasTgt {
		return nil
	}
	to, ok := ctx.Address().AddNoWrap(p.target)
	if !ok {
		return nil
	}
	return []trace.Address{to}
}

func (p *arm64Proto) FallThroughOffset(platform.InstructionContext) int64 { return 4 }

func (p *arm64Proto) Text(ctx platform.InstructionContext) string {
	return arm64asm.GoSyntax(p.inst, uint64(ctx.Address()), nil, nil)
}

// ARM64 decodes AArch64 instructions.
type ARM64 struct{}

// Decode implements platform.Decoder.
func (ARM64) Decode(addr trace.Address, buf []byte, ctxValue uint64) (platform.Prototype, error) {
	if len(buf) < 4 {
		return nil, trace.NewErrorAt(trace.SevError, trace.ErrMemNacc, trace.BadSnap, addr,
			fmt.Sprintf("need 4 bytes, have %d", len(buf)))
	}
	inst, err := arm64asm.Decode(buf[:4])
	if err != nil {
		return nil, trace.NewErrorAt(trace.SevError, trace.ErrDecode, trace.BadSnap, addr, err.Error())
	}
	p := &arm64Proto{
		inst: inst,
		raw:  append([]byte(nil), buf[:4]...),
		ctx:  ctxValue,
	}
	p.flow, p.target, p.hasTgt = classifyARM64(inst)
	return p, nil
}

func arm64PCRel(inst arm64asm.Inst) (int64, bool) {
	for _, arg := range inst.Args {
		if rel, ok := arg.(arm64asm.PCRel); ok {
			return int64(rel), true
		}
	}
	return 0, false
}

func classifyARM64(inst arm64asm.Inst) (trace.FlowType, int64, bool) {
	switch inst.Op {
	case arm64asm.B:
		off, _ := arm64PCRel(inst)
		if _, cond := inst.Args[0].(arm64asm.Cond); cond {
			return trace.FlowConditionalJump, off, true
		}
		return trace.FlowUnconditionalJump, off, true
	case arm64asm.BL:
		off, _ := arm64PCRel(inst)
		return trace.FlowUnconditionalCall, off, true
	case arm64asm.BLR:
		return trace.FlowComputedCall, 0, false
	case arm64asm.BR:
		return trace.FlowComputedJump, 0, false
	case arm64asm.RET, arm64asm.ERET:
		return trace.FlowTerminator, 0, false
	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		off, _ := arm64PCRel(inst)
		return trace.FlowConditionalJump, off, true
	}
	return trace.FlowFallthrough, 0, false
}
