package trace

// RefType classifies a reference edge between two addresses.
type RefType uint8

const (
	RefInvalid RefType = iota
	// RefFallThrough marks an overridden fallthrough target.
	RefFallThrough
	RefUnconditionalCall
	RefConditionalCall
	RefComputedCall
	RefUnconditionalJump
	RefConditionalJump
	RefComputedJump
	RefTerminator
	RefDataRead
	RefDataWrite
)

func (t RefType) String() string {
	switch t {
	case RefFallThrough:
		return "FALL_THROUGH"
	case RefUnconditionalCall:
		return "UNCONDITIONAL_CALL"
	case RefConditionalCall:
		return "CONDITIONAL_CALL"
	case RefComputedCall:
		return "COMPUTED_CALL"
	case RefUnconditionalJump:
		return "UNCONDITIONAL_JUMP"
	case RefConditionalJump:
		return "CONDITIONAL_JUMP"
	case RefComputedJump:
		return "COMPUTED_JUMP"
	case RefTerminator:
		return "TERMINATOR"
	case RefDataRead:
		return "READ"
	case RefDataWrite:
		return "WRITE"
	default:
		return "INVALID"
	}
}

// IsFallthrough reports whether the type is the fallthrough-override type.
func (t RefType) IsFallthrough() bool { return t == RefFallThrough }

// IsCall reports whether the type is a call edge.
func (t RefType) IsCall() bool {
	return t == RefUnconditionalCall || t == RefConditionalCall || t == RefComputedCall
}

// IsJump reports whether the type is a jump edge.
func (t RefType) IsJump() bool {
	return t == RefUnconditionalJump || t == RefConditionalJump || t == RefComputedJump
}

// IsTerminal reports whether the type marks a subroutine terminator.
func (t RefType) IsTerminal() bool { return t == RefTerminator }

// IsIndirect reports whether the edge target is computed at run time.
func (t RefType) IsIndirect() bool {
	return t == RefComputedCall || t == RefComputedJump
}

// IsFlow reports whether the type describes control flow rather than data.
func (t RefType) IsFlow() bool {
	return t.IsCall() || t.IsJump() || t.IsTerminal() || t.IsFallthrough()
}

// RefSource records how a reference came to exist.
type RefSource uint8

const (
	SourceAnalysis RefSource = iota
	SourceUserDefined
	SourceImported
)

func (s RefSource) String() string {
	switch s {
	case SourceAnalysis:
		return "ANALYSIS"
	case SourceUserDefined:
		return "USER_DEFINED"
	case SourceImported:
		return "IMPORTED"
	default:
		return "INVALID"
	}
}

// MnemonicOperand is the operand index used for references hung on the
// mnemonic rather than a specific operand.
const MnemonicOperand = -1

// DefaultMemoryRefType returns the reference type a flow edge of the given
// resolved flow type should carry.
func DefaultMemoryRefType(flow FlowType) RefType {
	switch {
	case flow.IsCall() && flow.IsComputed():
		return RefComputedCall
	case flow.IsCall() && flow.IsConditional():
		return RefConditionalCall
	case flow.IsCall():
		return RefUnconditionalCall
	case flow.IsJump() && flow.IsComputed():
		return RefComputedJump
	case flow.IsJump() && flow.IsConditional():
		return RefConditionalJump
	case flow.IsJump():
		return RefUnconditionalJump
	case flow.IsTerminal():
		return RefTerminator
	default:
		return RefInvalid
	}
}
