// Package refs implements the reference store consulted by the instruction
// store: directed, typed edges between addresses, each valid over a snap
// lifespan. The store notifies an observer on every add, retype, and delete
// so derived state (the fallthrough-override bit) can be kept consistent.
//
// The space carries no lock of its own: callers serialise access with the
// owning address space's readers-writer lock, exactly as the instruction
// store does.
package refs

import (
	"tracecode/trace"
)

// ChangeKind says what happened to a reference.
type ChangeKind int

const (
	RefAdded ChangeKind = iota
	RefTypeChanged
	RefDeleted
)

// Observer receives reference mutations. It is invoked synchronously, with
// the owning space's write lock held. For a retype, oldType is the type the
// reference held before; for adds and deletes it equals the current type.
type Observer func(ref *Reference, oldType trace.RefType, kind ChangeKind)

// Reference is one directed edge from an instruction's address to a target.
type Reference struct {
	space        *Space
	From         trace.Address
	To           trace.Address
	Span         trace.Lifespan
	refType      trace.RefType
	Source       trace.RefSource
	OperandIndex int
	deleted      bool
}

// Type returns the reference's current type.
func (r *Reference) Type() trace.RefType { return r.refType }

// SetType retypes the reference and notifies the observer.
func (r *Reference) SetType(t trace.RefType) {
	if r.deleted || r.refType == t {
		return
	}
	old := r.refType
	r.refType = t
	r.space.notify(r, old, RefTypeChanged)
}

// Delete removes the reference from its space and notifies the observer.
// Deleting twice is a no-op.
func (r *Reference) Delete() {
	if r.deleted {
		return
	}
	r.deleted = true
	r.space.remove(r)
	r.space.notify(r, r.refType, RefDeleted)
}

// IsDeleted reports whether the reference has been removed.
func (r *Reference) IsDeleted() bool { return r.deleted }

// Space holds the references of one address space, indexed by from-address.
type Space struct {
	byFrom   map[trace.Address][]*Reference
	observer Observer
}

// NewSpace creates an empty reference space.
func NewSpace() *Space {
	return &Space{byFrom: make(map[trace.Address][]*Reference)}
}

// SetObserver installs the mutation observer. Only one observer is
// supported; the consistency manager owns it.
func (s *Space) SetObserver(obs Observer) {
	s.observer = obs
}

func (s *Space) notify(ref *Reference, oldType trace.RefType, kind ChangeKind) {
	if s.observer != nil {
		s.observer(ref, oldType, kind)
	}
}

func (s *Space) remove(r *Reference) {
	list := s.byFrom[r.From]
	for i, have := range list {
		if have == r {
			s.byFrom[r.From] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// AddMemoryReference records a reference from one address to another over
// the given lifespan and notifies the observer.
func (s *Space) AddMemoryReference(span trace.Lifespan, from, to trace.Address,
	refType trace.RefType, source trace.RefSource, opIndex int) *Reference {
	ref := &Reference{
		space:        s,
		From:         from,
		To:           to,
		Span:         span,
		refType:      refType,
		Source:       source,
		OperandIndex: opIndex,
	}
	s.byFrom[from] = append(s.byFrom[from], ref)
	s.notify(ref, refType, RefAdded)
	return ref
}

// ReferencesFrom returns every reference from the address valid at snap.
func (s *Space) ReferencesFrom(snap trace.Snap, from trace.Address) []*Reference {
	var out []*Reference
	for _, ref := range s.byFrom[from] {
		if ref.Span.Contains(snap) {
			out = append(out, ref)
		}
	}
	return out
}

// FlowReferencesFrom returns the control-flow references from the address
// valid at snap, excluding fallthrough overrides.
func (s *Space) FlowReferencesFrom(snap trace.Snap, from trace.Address) []*Reference {
	var out []*Reference
	for _, ref := range s.byFrom[from] {
		if ref.Span.Contains(snap) && ref.refType.IsFlow() && !ref.refType.IsFallthrough() {
			out = append(out, ref)
		}
	}
	return out
}

// PrimaryReferenceFrom returns the first reference from the address on the
// given operand valid at snap, or nil.
func (s *Space) PrimaryReferenceFrom(snap trace.Snap, from trace.Address, opIndex int) *Reference {
	for _, ref := range s.byFrom[from] {
		if ref.Span.Contains(snap) && ref.OperandIndex == opIndex {
			return ref
		}
	}
	return nil
}
