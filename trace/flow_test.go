package trace

import (
	"fmt"
	"strings"
	"testing"
)

func TestModifiedFlowType(t *testing.T) {
	cases := []struct {
		base     FlowType
		override FlowOverride
		want     FlowType
	}{
		{FlowUnconditionalCall, OverrideNone, FlowUnconditionalCall},
		{FlowInvalid, OverrideReturn, FlowInvalid},
		// A call site forced to behave as a return.
		{FlowUnconditionalCall, OverrideReturn, FlowTerminator},
		// A call site forced to a plain branch.
		{FlowUnconditionalCall, OverrideBranch, FlowUnconditionalJump},
		{FlowConditionalJump, OverrideCall, FlowConditionalCall},
		// Already the requested category: unchanged.
		{FlowUnconditionalJump, OverrideBranch, FlowUnconditionalJump},
		{FlowTerminator, OverrideReturn, FlowTerminator},
		// Call-with-return keeps the call and terminates.
		{FlowUnconditionalJump, OverrideCallReturn, FlowCallTerminator},
		// Modifiers survive the category change.
		{FlowComputedJump, OverrideCall, FlowComputedCall},
	}
	for _, tc := range cases {
		if got := ModifiedFlowType(tc.base, tc.override); got != tc.want {
			t.Errorf("ModifiedFlowType(%v, %v) = %v, want %v", tc.base, tc.override, got, tc.want)
		}
	}
}

func TestDefaultMemoryRefType(t *testing.T) {
	cases := []struct {
		flow FlowType
		want RefType
	}{
		{FlowUnconditionalCall, RefUnconditionalCall},
		{FlowConditionalCall, RefConditionalCall},
		{FlowComputedCall, RefComputedCall},
		{FlowUnconditionalJump, RefUnconditionalJump},
		{FlowConditionalJump, RefConditionalJump},
		{FlowComputedJump, RefComputedJump},
		{FlowTerminator, RefTerminator},
		{FlowFallthrough, RefInvalid},
	}
	for _, tc := range cases {
		if got := DefaultMemoryRefType(tc.flow); got != tc.want {
			t.Errorf("DefaultMemoryRefType(%v) = %v, want %v", tc.flow, got, tc.want)
		}
	}
}

func TestErrorObject(t *testing.T) {
	err := NewErrorAt(SevError, ErrOverlap, 5, 0x1000, "occupied")
	if !IsCode(err, ErrOverlap) || IsCode(err, ErrDecode) {
		t.Error("IsCode mismatch")
	}
	wrapped := fmt.Errorf("insert: %w", err)
	if !IsCode(wrapped, ErrOverlap) {
		t.Error("IsCode must see through wrapping")
	}
	msg := err.Error()
	for _, want := range []string{"TRC_ERR_OVERLAP", "Snap=5", "Addr=0x1000", "occupied"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error text %q missing %q", msg, want)
		}
	}
}
