package listing

import (
	"tracecode/trace"
)

// hostContext is the instruction's own view of itself: no address mapping.
// For host platforms the instruction context is the instruction.
//
// guestContext substitutes the guest-mapped address for position-dependent
// queries while delegating everything else to the instruction. Decode logic
// is written against one architecture's address space even when the bytes
// physically live in a translated one; this adapter bridges the two. The
// context is selected once when the platform mapping is set and stored,
// never re-derived per call.
type guestContext struct {
	ins *Instruction
}

func (c guestContext) Address() trace.Address {
	mapped, ok := c.ins.platform.MapHostToGuest(c.ins.MinAddress())
	if !ok {
		return c.ins.MinAddress()
	}
	return mapped
}

func (c guestContext) OpcodeBytes() []byte {
	return c.ins.OpcodeBytes()
}

func (c guestContext) ContextValue() uint64 {
	return c.ins.ContextValue()
}
