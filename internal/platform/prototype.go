package platform

import (
	"fmt"
	"sync"

	"tracecode/trace"
)

// InstructionContext supplies the position-dependent inputs a prototype
// needs: the address the instruction is viewed at (host or guest mapped),
// its opcode bytes, and the disambiguating parser-context value.
type InstructionContext interface {
	Address() trace.Address
	OpcodeBytes() []byte
	ContextValue() uint64
}

// Prototype is an interned, immutable structural decode result shared by
// every instruction with the same platform, opcode bytes, and context.
type Prototype interface {
	// Length is the instruction size in bytes.
	Length() int
	// Bytes returns the opcode bytes the prototype was decoded from.
	Bytes() []byte
	// ContextValue returns the disambiguating parser-context bits.
	ContextValue() uint64
	// FlowType is the decoder-reported control flow classification.
	FlowType() trace.FlowType
	// Flows returns the statically decoded flow targets for the context.
	Flows(ctx InstructionContext) []trace.Address
	// FallThroughOffset is the byte offset from the context address to
	// the default fallthrough.
	FallThroughOffset(ctx InstructionContext) int64
	// InDelaySlot reports whether the instruction occupies a delay slot.
	InDelaySlot() bool
	// Text renders the instruction for the context address.
	Text(ctx InstructionContext) string
}

// InvalidPrototype is the sentinel substituted when an interned prototype
// record is missing. Reads keep working; the unit renders as undefined.
type InvalidPrototype struct{}

func (InvalidPrototype) Length() int                                { return 1 }
func (InvalidPrototype) Bytes() []byte                              { return nil }
func (InvalidPrototype) ContextValue() uint64                       { return 0 }
func (InvalidPrototype) FlowType() trace.FlowType                   { return trace.FlowInvalid }
func (InvalidPrototype) Flows(InstructionContext) []trace.Address   { return nil }
func (InvalidPrototype) FallThroughOffset(InstructionContext) int64 { return 1 }
func (InvalidPrototype) InDelaySlot() bool                          { return false }
func (InvalidPrototype) Text(InstructionContext) string             { return "??" }

// PrototypeStore interns prototypes by structural equivalence: platform key,
// opcode bytes, and context value. Keys are stable for the life of the
// store and never reused.
type PrototypeStore struct {
	mu     sync.RWMutex
	protos []Prototype
	index  map[string]int
}

// NewPrototypeStore creates an empty store.
func NewPrototypeStore() *PrototypeStore {
	return &PrototypeStore{index: make(map[string]int)}
}

func protoIdent(platformKey int, proto Prototype) string {
	return fmt.Sprintf("%d:%x:%x", platformKey, proto.Bytes(), proto.ContextValue())
}

// FindOrRecord returns the key of an equivalent interned prototype,
// recording proto as new if none exists. Equivalence is structural, not
// identity-based.
func (s *PrototypeStore) FindOrRecord(platformKey int, proto Prototype) int {
	ident := protoIdent(platformKey, proto)
	s.mu.RLock()
	key, ok := s.index[ident]
	s.mu.RUnlock()
	if ok {
		return key
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.index[ident]; ok {
		return key
	}
	key = len(s.protos)
	s.protos = append(s.protos, proto)
	s.index[ident] = key
	return key
}

// ByKey returns the prototype for key. A missing key fails with an
// ErrMissingPrototype error object; callers substitute InvalidPrototype and
// continue.
func (s *PrototypeStore) ByKey(key int) (Prototype, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if key < 0 || key >= len(s.protos) {
		return nil, trace.NewErrorMsg(trace.SevError, trace.ErrMissingPrototype,
			"no prototype for key")
	}
	return s.protos[key], nil
}

// Len returns the number of interned prototypes.
func (s *PrototypeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.protos)
}
