package trace

import (
	"iter"
	"sort"
)

// AddressSetView is a possibly-lazy set of addresses. Implementations must
// yield disjoint ranges in ascending order from Ranges, and Contains must be
// cheap enough to run per candidate address.
type AddressSetView interface {
	Contains(addr Address) bool
	Ranges() iter.Seq[AddressRange]
}

// AddressSet is a concrete sorted, coalesced set of address ranges.
type AddressSet struct {
	ranges []AddressRange
}

// NewAddressSet creates a set containing the given ranges.
func NewAddressSet(ranges ...AddressRange) *AddressSet {
	s := &AddressSet{}
	for _, r := range ranges {
		s.Add(r)
	}
	return s
}

// CollectAddressSet materialises a view into a concrete set.
func CollectAddressSet(view AddressSetView) *AddressSet {
	s := &AddressSet{}
	for r := range view.Ranges() {
		s.Add(r)
	}
	return s
}

// Add inserts a range, merging it with any ranges it touches.
func (s *AddressSet) Add(r AddressRange) {
	if r.Start >= r.End {
		return
	}
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].End >= r.Start
	})
	j := i
	for j < len(s.ranges) && s.ranges[j].Start <= r.End {
		if s.ranges[j].Start < r.Start {
			r.Start = s.ranges[j].Start
		}
		if s.ranges[j].End > r.End {
			r.End = s.ranges[j].End
		}
		j++
	}
	s.ranges = append(s.ranges[:i], append([]AddressRange{r}, s.ranges[j:]...)...)
}

// Contains reports whether the set covers addr.
func (s *AddressSet) Contains(addr Address) bool {
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].End > addr
	})
	return i < len(s.ranges) && s.ranges[i].Contains(addr)
}

// IsEmpty reports whether the set covers no addresses.
func (s *AddressSet) IsEmpty() bool {
	return len(s.ranges) == 0
}

// Ranges yields the set's ranges in ascending order.
func (s *AddressSet) Ranges() iter.Seq[AddressRange] {
	return func(yield func(AddressRange) bool) {
		for _, r := range s.ranges {
			if !yield(r) {
				return
			}
		}
	}
}

// UnionView is the lazy union of two address-set views. Neither operand is
// materialised; Contains short-circuits on the first operand.
type UnionView struct {
	a, b AddressSetView
}

// Union creates a lazy union view of a and b.
func Union(a, b AddressSetView) *UnionView {
	return &UnionView{a: a, b: b}
}

// Contains reports whether either operand covers addr.
func (u *UnionView) Contains(addr Address) bool {
	return u.a.Contains(addr) || u.b.Contains(addr)
}

// Ranges yields the merged, coalesced ranges of both operands.
func (u *UnionView) Ranges() iter.Seq[AddressRange] {
	return func(yield func(AddressRange) bool) {
		nextA, stopA := iter.Pull(u.a.Ranges())
		defer stopA()
		nextB, stopB := iter.Pull(u.b.Ranges())
		defer stopB()

		ra, okA := nextA()
		rb, okB := nextB()
		var cur AddressRange
		haveCur := false
		emit := func(r AddressRange) bool {
			if !haveCur {
				cur, haveCur = r, true
				return true
			}
			if r.Start <= cur.End {
				if r.End > cur.End {
					cur.End = r.End
				}
				return true
			}
			if !yield(cur) {
				return false
			}
			cur = r
			return true
		}
		for okA || okB {
			if okA && (!okB || ra.Start <= rb.Start) {
				if !emit(ra) {
					return
				}
				ra, okA = nextA()
			} else {
				if !emit(rb) {
					return
				}
				rb, okB = nextB()
			}
		}
		if haveCur {
			yield(cur)
		}
	}
}

// IntersectionView is the lazy intersection of two address-set views.
type IntersectionView struct {
	a, b AddressSetView
}

// Intersection creates a lazy intersection view of a and b.
func Intersection(a, b AddressSetView) *IntersectionView {
	return &IntersectionView{a: a, b: b}
}

// Contains reports whether both operands cover addr.
func (v *IntersectionView) Contains(addr Address) bool {
	return v.a.Contains(addr) && v.b.Contains(addr)
}

// Ranges yields the overlapping portions of both operands' ranges.
func (v *IntersectionView) Ranges() iter.Seq[AddressRange] {
	return func(yield func(AddressRange) bool) {
		nextA, stopA := iter.Pull(v.a.Ranges())
		defer stopA()
		nextB, stopB := iter.Pull(v.b.Ranges())
		defer stopB()

		ra, okA := nextA()
		rb, okB := nextB()
		for okA && okB {
			start := ra.Start
			if rb.Start > start {
				start = rb.Start
			}
			end := ra.End
			if rb.End < end {
				end = rb.End
			}
			if start < end {
				if !yield(AddressRange{Start: start, End: end}) {
					return
				}
			}
			if ra.End <= rb.End {
				ra, okA = nextA()
			} else {
				rb, okB = nextB()
			}
		}
	}
}
