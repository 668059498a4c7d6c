package trace

// FlowType classifies the control-flow behaviour of an instruction. It is a
// small bit set: the category bits (call/jump/terminal) combine with the
// conditional and computed modifiers.
type FlowType uint8

const (
	flowHasFall FlowType = 1 << iota
	flowCall
	flowJump
	flowTerminal
	flowConditional
	flowComputed
)

// Named flow types produced by decoders.
const (
	FlowInvalid               FlowType = 0
	FlowFallthrough           FlowType = flowHasFall
	FlowUnconditionalCall     FlowType = flowCall | flowHasFall
	FlowConditionalCall       FlowType = flowCall | flowHasFall | flowConditional
	FlowComputedCall          FlowType = flowCall | flowHasFall | flowComputed
	FlowUnconditionalJump     FlowType = flowJump
	FlowConditionalJump       FlowType = flowJump | flowHasFall | flowConditional
	FlowComputedJump          FlowType = flowJump | flowComputed
	FlowTerminator            FlowType = flowTerminal
	FlowConditionalTerminator FlowType = flowTerminal | flowHasFall | flowConditional
	FlowCallTerminator        FlowType = flowCall | flowTerminal
)

// HasFallthrough reports whether execution can continue at the next
// sequential instruction.
func (f FlowType) HasFallthrough() bool { return f&flowHasFall != 0 }

// IsCall reports whether the flow is a call.
func (f FlowType) IsCall() bool { return f&flowCall != 0 }

// IsJump reports whether the flow is a jump.
func (f FlowType) IsJump() bool { return f&flowJump != 0 }

// IsTerminal reports whether the flow ends the current subroutine.
func (f FlowType) IsTerminal() bool { return f&flowTerminal != 0 }

// IsConditional reports whether the flow depends on a condition.
func (f FlowType) IsConditional() bool { return f&flowConditional != 0 }

// IsComputed reports whether the flow target is computed at run time.
func (f FlowType) IsComputed() bool { return f&flowComputed != 0 }

func (f FlowType) String() string {
	switch f {
	case FlowInvalid:
		return "INVALID"
	case FlowFallthrough:
		return "FALL_THROUGH"
	case FlowUnconditionalCall:
		return "UNCONDITIONAL_CALL"
	case FlowConditionalCall:
		return "CONDITIONAL_CALL"
	case FlowComputedCall:
		return "COMPUTED_CALL"
	case FlowUnconditionalJump:
		return "UNCONDITIONAL_JUMP"
	case FlowConditionalJump:
		return "CONDITIONAL_JUMP"
	case FlowComputedJump:
		return "COMPUTED_JUMP"
	case FlowTerminator:
		return "TERMINATOR"
	case FlowConditionalTerminator:
		return "CONDITIONAL_TERMINATOR"
	case FlowCallTerminator:
		return "CALL_TERMINATOR"
	default:
		return "FLOW"
	}
}

// FlowOverride is a user- or analysis-imposed reclassification of an
// instruction's control-flow behaviour.
type FlowOverride uint8

const (
	OverrideNone FlowOverride = iota
	OverrideBranch
	OverrideCall
	OverrideCallReturn
	OverrideReturn
)

func (o FlowOverride) String() string {
	switch o {
	case OverrideNone:
		return "NONE"
	case OverrideBranch:
		return "BRANCH"
	case OverrideCall:
		return "CALL"
	case OverrideCallReturn:
		return "CALL_RETURN"
	case OverrideReturn:
		return "RETURN"
	default:
		return "INVALID"
	}
}

// makeFlow reconstructs a named flow type from a category and modifiers. The
// fallthrough bit is implied: calls fall through, jumps only when
// conditional, terminators only when conditional.
func makeFlow(call, jump, terminal, conditional, computed bool) FlowType {
	var f FlowType
	if call {
		f |= flowCall | flowHasFall
	}
	if jump {
		f |= flowJump
		if conditional {
			f |= flowHasFall
		}
	}
	if terminal {
		f |= flowTerminal
		f &^= flowHasFall
		if conditional && !call && !jump {
			f |= flowHasFall
		}
	}
	if conditional {
		f |= flowConditional
	}
	if computed {
		f |= flowComputed
	}
	return f
}

// ModifiedFlowType combines a decoder-reported flow type with an override,
// producing the resolved flow type.
func ModifiedFlowType(base FlowType, override FlowOverride) FlowType {
	if override == OverrideNone || base == FlowInvalid {
		return base
	}
	cond := base.IsConditional()
	comp := base.IsComputed()
	switch override {
	case OverrideBranch:
		if base.IsJump() && !base.IsCall() && !base.IsTerminal() {
			return base
		}
		return makeFlow(false, true, false, cond, comp)
	case OverrideCall:
		if base.IsCall() && !base.IsTerminal() {
			return base
		}
		return makeFlow(true, false, false, cond, comp)
	case OverrideCallReturn:
		return makeFlow(true, false, true, cond, comp)
	case OverrideReturn:
		if base.IsTerminal() && !base.IsCall() && !base.IsJump() {
			return base
		}
		return makeFlow(false, false, true, cond, comp)
	default:
		return base
	}
}
