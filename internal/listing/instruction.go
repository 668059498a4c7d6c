package listing

import (
	"fmt"
	"reflect"

	"tracecode/internal/events"
	"tracecode/internal/platform"
	"tracecode/internal/refs"
	"tracecode/internal/snapmap"
	"tracecode/trace"
)

// Instruction is a decoded machine instruction valid over an interval of
// recorded time. Identity is its address range plus its snap lifespan; the
// platform and prototype are referenced by key and resolved at load.
//
// All getters take the space's read lock; all mutators take the write lock
// for the whole operation so cross-cutting changes appear atomic to
// readers.
type Instruction struct {
	space *CodeSpace
	entry *snapmap.Entry[*Instruction]

	platformKey  int
	prototypeKey int
	platform     *platform.Platform
	prototype    platform.Prototype

	fallThroughOverridden bool
	flowOverride          trace.FlowOverride

	bytes    []byte
	ctxValue uint64

	context platform.InstructionContext

	clearingFallThroughs methodProtector
	deleted              bool
}

// doSetPlatformMapping selects the instruction context once, at load or
// create time: the instruction itself for host platforms, the guest
// adapter otherwise.
func (ins *Instruction) doSetPlatformMapping(p *platform.Platform) {
	ins.platform = p
	if p.IsHost() {
		ins.context = ins
	} else {
		ins.context = guestContext{ins: ins}
	}
}

// Address implements platform.InstructionContext for the host case.
func (ins *Instruction) Address() trace.Address { return ins.entry.Range.Start }

// OpcodeBytes returns the raw bytes the instruction was decoded from.
func (ins *Instruction) OpcodeBytes() []byte { return ins.bytes }

// ContextValue returns the disambiguating parser-context bits.
func (ins *Instruction) ContextValue() uint64 { return ins.ctxValue }

// MinAddress returns the instruction's start address.
func (ins *Instruction) MinAddress() trace.Address { return ins.entry.Range.Start }

// MaxAddress returns the address one past the instruction's last byte.
func (ins *Instruction) MaxAddress() trace.Address { return ins.entry.Range.End }

// Range returns the instruction's address range.
func (ins *Instruction) Range() trace.AddressRange { return ins.entry.Range }

// Lifespan returns the instruction's current snap lifespan.
func (ins *Instruction) Lifespan() trace.Lifespan {
	ins.space.lock.RLock()
	defer ins.space.lock.RUnlock()
	return ins.entry.Span
}

// StartSnap returns the first snap of the lifespan.
func (ins *Instruction) StartSnap() trace.Snap { return ins.entry.Span.Start }

// Platform returns the platform that produced the instruction.
func (ins *Instruction) Platform() *platform.Platform { return ins.platform }

// Prototype returns the interned decode result. It is never nil after a
// successful load.
func (ins *Instruction) Prototype() platform.Prototype { return ins.prototype }

// Language returns the instruction's language.
func (ins *Instruction) Language() *platform.Language { return ins.platform.Language() }

// Text renders the instruction for its context address.
func (ins *Instruction) Text() string { return ins.prototype.Text(ins.context) }

func (ins *Instruction) String() string {
	return fmt.Sprintf("%s %s", ins.MinAddress(), ins.Text())
}

// FlowOverride returns the stored override.
func (ins *Instruction) FlowOverride() trace.FlowOverride { return ins.flowOverride }

// IsFallThroughOverridden reports whether a user-established fallthrough
// reference governs the fallthrough. The consistency path is the sole
// writer of this bit.
func (ins *Instruction) IsFallThroughOverridden() bool { return ins.fallThroughOverridden }

// InDelaySlot reports whether the instruction occupies a delay slot.
func (ins *Instruction) InDelaySlot() bool { return ins.prototype.InDelaySlot() }

// FlowType returns the decoder-reported flow type combined with the
// override.
func (ins *Instruction) FlowType() trace.FlowType {
	ins.space.lock.RLock()
	defer ins.space.lock.RUnlock()
	return ins.flowTypeLocked()
}

func (ins *Instruction) flowTypeLocked() trace.FlowType {
	return trace.ModifiedFlowType(ins.prototype.FlowType(), ins.flowOverride)
}

// GuestDefaultFallThrough returns the decoder's default fallthrough in the
// instruction's own (possibly guest) address space.
func (ins *Instruction) GuestDefaultFallThrough() (trace.Address, bool) {
	ins.space.lock.RLock()
	defer ins.space.lock.RUnlock()
	return ins.guestDefaultFallThroughLocked()
}

func (ins *Instruction) guestDefaultFallThroughLocked() (trace.Address, bool) {
	if !ins.flowTypeLocked().HasFallthrough() {
		return 0, false
	}
	return ins.context.Address().AddNoWrap(ins.prototype.FallThroughOffset(ins.context))
}

// DefaultFallThrough returns the decoder's default fallthrough mapped into
// the host address space.
func (ins *Instruction) DefaultFallThrough() (trace.Address, bool) {
	ins.space.lock.RLock()
	defer ins.space.lock.RUnlock()
	return ins.defaultFallThroughLocked()
}

func (ins *Instruction) defaultFallThroughLocked() (trace.Address, bool) {
	guest, ok := ins.guestDefaultFallThroughLocked()
	if !ok {
		return 0, false
	}
	return ins.platform.MapGuestToHost(guest)
}

// FallThrough returns the effective fallthrough: the current FALL_THROUGH
// reference target when overridden, the decoder's default otherwise.
func (ins *Instruction) FallThrough() (trace.Address, bool) {
	ins.space.lock.RLock()
	defer ins.space.lock.RUnlock()
	return ins.fallThroughLocked()
}

func (ins *Instruction) fallThroughLocked() (trace.Address, bool) {
	if ins.fallThroughOverridden {
		for _, ref := range ins.space.refs.ReferencesFrom(ins.StartSnap(), ins.MinAddress()) {
			if ref.Type().IsFallthrough() {
				return ref.To, true
			}
		}
		return 0, false
	}
	return ins.defaultFallThroughLocked()
}

// HasFallthrough reports whether the instruction currently falls through.
func (ins *Instruction) HasFallthrough() bool {
	ins.space.lock.RLock()
	defer ins.space.lock.RUnlock()
	return ins.hasFallthroughLocked()
}

func (ins *Instruction) hasFallthroughLocked() bool {
	if ins.fallThroughOverridden {
		_, ok := ins.fallThroughLocked() // dest stored as reference
		return ok
	}
	return ins.flowTypeLocked().HasFallthrough()
}

// IsFallthrough reports whether the instruction is a pure fallthrough.
func (ins *Instruction) IsFallthrough() bool {
	ins.space.lock.RLock()
	defer ins.space.lock.RUnlock()
	if !ins.flowTypeLocked().HasFallthrough() {
		return false
	}
	return ins.hasFallthroughLocked()
}

// FallFrom returns the address of the instruction that falls into this
// one, stepping back by the language's instruction alignment and skipping
// delay-slot continuations.
func (ins *Instruction) FallFrom() (trace.Address, bool) {
	ins.space.lock.RLock()
	defer ins.space.lock.RUnlock()

	alignment := int64(ins.Language().Alignment)
	if alignment < 1 {
		alignment = 1
	}
	prev := ins
	for {
		at, ok := prev.MinAddress().AddNoWrap(-alignment)
		if !ok {
			return 0, false
		}
		prev = ins.space.instructionContainingLocked(ins.StartSnap(), at)
		if prev == nil {
			return 0, false
		}
		if prev.Language() != ins.Language() {
			return 0, false
		}
		if !prev.InDelaySlot() {
			break
		}
	}

	// An instruction in a delay slot is assumed to have fallen from the
	// unit found before it.
	if ins.InDelaySlot() {
		return prev.MinAddress(), true
	}
	fall, ok := prev.fallThroughLocked()
	if ok && fall == ins.MinAddress() {
		return prev.MinAddress(), true
	}
	return 0, false
}

// Flows returns the non-indirect flow targets recorded as references. A
// RETURN override on an instruction with exactly one target suppresses it.
func (ins *Instruction) Flows() []trace.Address {
	ins.space.lock.RLock()
	defer ins.space.lock.RUnlock()
	flowRefs := ins.space.refs.FlowReferencesFrom(ins.StartSnap(), ins.MinAddress())
	var out []trace.Address
	for _, ref := range flowRefs {
		if !ref.Type().IsIndirect() {
			out = append(out, ref.To)
		}
	}
	if ins.flowOverride == trace.OverrideReturn && len(out) == 1 {
		return nil
	}
	return out
}

// GuestDefaultFlows returns the statically decoded flow targets in the
// instruction's own address space, with the RETURN single-target
// suppression applied.
func (ins *Instruction) GuestDefaultFlows() []trace.Address {
	ins.space.lock.RLock()
	defer ins.space.lock.RUnlock()
	return ins.guestDefaultFlowsLocked()
}

func (ins *Instruction) guestDefaultFlowsLocked() []trace.Address {
	flows := ins.prototype.Flows(ins.context)
	if ins.flowOverride == trace.OverrideReturn && len(flows) == 1 {
		return nil
	}
	return flows
}

// DefaultFlows returns the statically decoded flow targets mapped into the
// host address space. Targets with no host representation are dropped.
func (ins *Instruction) DefaultFlows() []trace.Address {
	ins.space.lock.RLock()
	defer ins.space.lock.RUnlock()
	guestFlows := ins.guestDefaultFlowsLocked()
	if ins.platform.IsHost() || guestFlows == nil {
		return guestFlows
	}
	var hostFlows []trace.Address
	for _, g := range guestFlows {
		if h, ok := ins.platform.MapGuestToHost(g); ok {
			hostFlows = append(hostFlows, h)
		}
	}
	return hostFlows
}

// Next returns the instruction after this one's end address at its start
// snap.
func (ins *Instruction) Next() *Instruction {
	ins.space.lock.RLock()
	defer ins.space.lock.RUnlock()
	// After() searches strictly past the start key, so step from the
	// last byte of this unit.
	return ins.space.instructionAfterLocked(ins.StartSnap(), ins.MaxAddress()-1)
}

// Previous returns the instruction before this one's start address at its
// start snap.
func (ins *Instruction) Previous() *Instruction {
	ins.space.lock.RLock()
	defer ins.space.lock.RUnlock()
	return ins.space.instructionBeforeLocked(ins.StartSnap(), ins.MinAddress())
}

// OperandAddress returns the target of the primary reference on the given
// operand, if one exists.
func (ins *Instruction) OperandAddress(opIndex int) (trace.Address, bool) {
	ins.space.lock.RLock()
	defer ins.space.lock.RUnlock()
	ref := ins.space.refs.PrimaryReferenceFrom(ins.StartSnap(), ins.MinAddress(), opIndex)
	if ref == nil {
		return 0, false
	}
	return ref.To, true
}

// ParserContextAt returns the parser-context value of the instruction at
// the given address. It fails with ErrUnknownContext when no compatible
// instruction exists there.
func (ins *Instruction) ParserContextAt(addr trace.Address) (uint64, error) {
	ins.space.lock.RLock()
	defer ins.space.lock.RUnlock()
	if addr == ins.MinAddress() {
		return ins.ctxValue, nil
	}
	other := ins.space.instructionAtLocked(ins.StartSnap(), addr)
	if other == nil {
		return 0, trace.NewErrorAt(trace.SevError, trace.ErrUnknownContext, ins.StartSnap(), addr,
			"trace does not contain referenced instruction")
	}
	// The prototype must be the same implementation.
	if reflect.TypeOf(other.prototype) != reflect.TypeOf(ins.prototype) {
		return 0, trace.NewErrorAt(trace.SevError, trace.ErrUnknownContext, ins.StartSnap(), addr,
			"instruction has incompatible prototype")
	}
	return other.ctxValue, nil
}

// SetEndSnap clips the instruction's validity to end at endSnap. The span
// change is reported to the store so dependent indexes can react.
func (ins *Instruction) SetEndSnap(endSnap trace.Snap) error {
	ins.space.lock.Lock()
	oldSpan := ins.entry.Span
	err := ins.space.instructions.ClipEnd(ins.entry, endSnap)
	ins.space.lock.Unlock()
	if err != nil {
		return err
	}
	ins.space.bus.Fire(events.Record{
		Kind:      events.InstructionSpanChanged,
		Snap:      ins.entry.Span.Start,
		Range:     ins.entry.Range,
		ThreadKey: ins.space.threadKey,
		Old:       oldSpan,
		New:       ins.entry.Span,
	})
	return nil
}

// Delete removes the instruction from the index. Dependent reference
// cleanup is the caller's responsibility; deletion does not cascade.
func (ins *Instruction) Delete() {
	ins.space.lock.Lock()
	if ins.deleted {
		ins.space.lock.Unlock()
		return
	}
	ins.deleted = true
	ins.space.instructions.Remove(ins.entry)
	ins.space.lock.Unlock()
	ins.space.bus.Fire(events.Record{
		Kind:      events.InstructionRemoved,
		Snap:      ins.entry.Span.Start,
		Range:     ins.entry.Range,
		ThreadKey: ins.space.threadKey,
		Old:       ins,
	})
}

func isSameFlowType(origFlowType trace.FlowType, refType trace.RefType) bool {
	if origFlowType.IsCall() && refType.IsCall() {
		return true
	}
	if origFlowType.IsJump() && refType.IsJump() {
		return true
	}
	if origFlowType.IsTerminal() && refType.IsTerminal() {
		return true
	}
	return false
}

// SetFlowOverride updates the stored override. When an existing outgoing
// flow reference's type matched the previous resolved flow type, it is
// retyped to agree with the new one, keeping reference types consistent
// with declared flow semantics. The flag update and the retyping are one
// atomic operation to readers.
func (ins *Instruction) SetFlowOverride(override trace.FlowOverride) {
	ins.space.lock.Lock()
	if ins.deleted || ins.flowOverride == override {
		ins.space.lock.Unlock()
		return
	}
	old := ins.flowOverride
	origFlowType := ins.flowTypeLocked()
	ins.flowOverride = override

	for _, ref := range ins.space.refs.FlowReferencesFrom(ins.StartSnap(), ins.MinAddress()) {
		if !isSameFlowType(origFlowType, ref.Type()) {
			continue
		}
		refType := trace.DefaultMemoryRefType(ins.flowTypeLocked())
		if !refType.IsFlow() || ref.Type() == refType {
			continue
		}
		ref.SetType(refType)
	}
	pending := ins.space.takePending()
	ins.space.lock.Unlock()
	ins.space.fireAll(pending)

	ins.space.bus.Fire(events.Record{
		Kind:      events.FlowOverrideChanged,
		Snap:      ins.entry.Span.Start,
		Range:     ins.entry.Range,
		ThreadKey: ins.space.threadKey,
		Old:       old,
		New:       override,
	})
}

// SetFallThrough establishes the fallthrough override. A nil target means
// "no fallthrough at all". A target equal to the decoder's default clears
// any override instead.
func (ins *Instruction) SetFallThrough(target *trace.Address) {
	ins.space.lock.Lock()
	ins.setFallThroughLocked(target)
	pending := ins.space.takePending()
	ins.space.lock.Unlock()
	ins.space.fireAll(pending)
}

func (ins *Instruction) setFallThroughLocked(target *trace.Address) {
	if ins.deleted {
		return
	}
	def, hasDef := ins.defaultFallThroughLocked()
	if target == nil && !hasDef {
		ins.clearFallThroughOverrideLocked()
		return
	}
	if target != nil && hasDef && *target == def {
		ins.clearFallThroughOverrideLocked()
		return
	}
	if target == nil {
		ins.clearFallThroughRefs(nil)
		ins.setFallThroughOverridden(true)
		return
	}
	ref := ins.space.refs.AddMemoryReference(ins.entry.Span, ins.MinAddress(), *target,
		trace.RefFallThrough, trace.SourceUserDefined, trace.MnemonicOperand)
	_ = ref // the add notification re-derives the override flag
	ins.setFallThroughOverridden(true)
}

// ClearFallThroughOverride deletes outgoing FALL_THROUGH references and
// restores the decoder's default fallthrough. No-op when not overridden.
func (ins *Instruction) ClearFallThroughOverride() {
	ins.space.lock.Lock()
	if !ins.deleted {
		ins.clearFallThroughOverrideLocked()
	}
	pending := ins.space.takePending()
	ins.space.lock.Unlock()
	ins.space.fireAll(pending)
}

func (ins *Instruction) clearFallThroughOverrideLocked() {
	if !ins.fallThroughOverridden {
		return
	}
	ins.clearFallThroughRefs(nil)
	ins.setFallThroughOverridden(false)
}

// clearFallThroughRefs deletes every outgoing FALL_THROUGH reference except
// keep. The guard suppresses the notifications the deletions raise back
// into fallThroughChanged.
func (ins *Instruction) clearFallThroughRefs(keep *refs.Reference) {
	ins.clearingFallThroughs.take(func() {
		for _, ref := range ins.space.refs.ReferencesFrom(ins.StartSnap(), ins.MinAddress()) {
			if ref.Type().IsFallthrough() && ref != keep {
				ref.Delete()
			}
		}
	})
}

// fallThroughChanged is invoked by the reference store whenever a
// FALL_THROUGH reference from this instruction's address changes. The
// override bit is re-derived from the current reference set, not from the
// single changed reference.
func (ins *Instruction) fallThroughChanged(changed *refs.Reference) {
	ins.clearingFallThroughs.avoid(func() {
		var keep *refs.Reference
		if changed != nil && !changed.IsDeleted() && changed.Type().IsFallthrough() {
			keep = changed
		}
		ins.clearFallThroughRefs(keep)
		if keep != nil {
			ins.setFallThroughOverridden(true)
			return
		}
		for _, ref := range ins.space.refs.ReferencesFrom(ins.StartSnap(), ins.MinAddress()) {
			if ref.Type().IsFallthrough() {
				ins.setFallThroughOverridden(true)
				return
			}
		}
		ins.setFallThroughOverridden(false)
	})
}

// setFallThroughOverridden flips the override bit. The write lock must be
// held here; the event is queued and fired by whichever public mutator
// releases the lock.
func (ins *Instruction) setFallThroughOverridden(overridden bool) {
	if ins.fallThroughOverridden == overridden {
		return
	}
	ins.fallThroughOverridden = overridden
	ins.space.pending = append(ins.space.pending, events.Record{
		Kind:      events.FallThroughOverrideChanged,
		Snap:      ins.entry.Span.Start,
		Range:     ins.entry.Range,
		ThreadKey: ins.space.threadKey,
		Old:       !overridden,
		New:       overridden,
	})
}
