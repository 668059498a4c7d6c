package platform

import (
	"testing"

	"tracecode/trace"
)

type stubProto struct {
	raw []byte
	ctx uint64
}

func (p stubProto) Length() int                                       { return len(p.raw) }
func (p stubProto) Bytes() []byte                                     { return p.raw }
func (p stubProto) ContextValue() uint64                              { return p.ctx }
func (p stubProto) FlowType() trace.FlowType                          { return trace.FlowFallthrough }
func (p stubProto) Flows(InstructionContext) []trace.Address          { return nil }
func (p stubProto) FallThroughOffset(InstructionContext) int64        { return int64(len(p.raw)) }
func (p stubProto) InDelaySlot() bool                                 { return false }
func (p stubProto) Text(InstructionContext) string                    { return "stub" }

func TestPrototypeInterningIsStructural(t *testing.T) {
	s := NewPrototypeStore()
	k1 := s.FindOrRecord(0, stubProto{raw: []byte{1, 2}, ctx: 7})
	k2 := s.FindOrRecord(0, stubProto{raw: []byte{1, 2}, ctx: 7})
	if k1 != k2 {
		t.Errorf("identical prototypes interned twice: %d vs %d", k1, k2)
	}

	if k := s.FindOrRecord(0, stubProto{raw: []byte{1, 3}, ctx: 7}); k == k1 {
		t.Error("different bytes share a key")
	}
	if k := s.FindOrRecord(0, stubProto{raw: []byte{1, 2}, ctx: 8}); k == k1 {
		t.Error("different context values share a key")
	}
	if k := s.FindOrRecord(1, stubProto{raw: []byte{1, 2}, ctx: 7}); k == k1 {
		t.Error("different platforms share a key")
	}
	if s.Len() != 4 {
		t.Errorf("store holds %d prototypes, want 4", s.Len())
	}
}

func TestPrototypeByKeyMissing(t *testing.T) {
	s := NewPrototypeStore()
	if _, err := s.ByKey(3); !trace.IsCode(err, trace.ErrMissingPrototype) {
		t.Errorf("missing key: want ErrMissingPrototype, got %v", err)
	}
}

func TestGuestMappingWindows(t *testing.T) {
	m := NewManager(&Language{Name: "host"})
	guest := m.AddGuest(&Language{Name: "guest"}, []MappedRange{
		{HostStart: 0x10000, GuestStart: 0x400000, Length: 0x1000},
	})

	if g, ok := guest.MapHostToGuest(0x10100); !ok || g != 0x400100 {
		t.Errorf("MapHostToGuest(0x10100) = (0x%x, %v)", uint64(g), ok)
	}
	if h, ok := guest.MapGuestToHost(0x400100); !ok || h != 0x10100 {
		t.Errorf("MapGuestToHost(0x400100) = (0x%x, %v)", uint64(h), ok)
	}
	if _, ok := guest.MapHostToGuest(0x20000); ok {
		t.Error("address outside every window mapped")
	}
	if _, ok := guest.MapGuestToHost(0x500000); ok {
		t.Error("guest address outside every window mapped")
	}

	// Host platforms map identically in both directions.
	host := m.Host()
	if g, ok := host.MapHostToGuest(0x1234); !ok || g != 0x1234 {
		t.Error("host mapping must be the identity")
	}
}

func TestPlatformByKey(t *testing.T) {
	m := NewManager(&Language{Name: "host"})
	if p, err := m.ByKey(0); err != nil || !p.IsHost() {
		t.Errorf("ByKey(0) = (%v, %v), want host", p, err)
	}
	if _, err := m.ByKey(7); !trace.IsCode(err, trace.ErrMissingPlatform) {
		t.Errorf("missing key: want ErrMissingPlatform, got %v", err)
	}
}
