// Package platform resolves per-architecture views of a trace: the host
// platform, guest platforms with address translation windows, language
// descriptions, and the interned instruction prototypes shared across
// identical decode results.
package platform

import (
	"sync"

	"tracecode/trace"
)

// Register describes one register of a language. Offset positions the
// register within the per-thread register address space.
type Register struct {
	Name   string
	Offset trace.Address
	Size   int
}

// Range returns the register's address range within the register space.
func (r *Register) Range() trace.AddressRange {
	return trace.RangeOf(r.Offset, uint64(r.Size))
}

// Decoder turns raw opcode bytes into a prototype. Implementations are
// pluggable; the store treats the result as a black box.
type Decoder interface {
	// Decode decodes the instruction starting at the head of buf, located
	// at addr. It fails with an ErrDecode error object on undecodable
	// bytes.
	Decode(addr trace.Address, buf []byte, ctxValue uint64) (Prototype, error)
}

// Language describes an instruction-set architecture.
type Language struct {
	Name string
	// Alignment is the minimum addressable decode unit in bytes.
	Alignment int
	// MaxInstrLen bounds how many bytes a decoder may consume.
	MaxInstrLen int
	PointerSize int
	BigEndian   bool
	PC          *Register
	Registers   []*Register
	Decoder     Decoder
}

// Register returns the named register, or nil.
func (l *Language) Register(name string) *Register {
	for _, r := range l.Registers {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// MappedRange is one guest-to-host translation window.
type MappedRange struct {
	HostStart  trace.Address
	GuestStart trace.Address
	Length     uint64
}

// Platform is an architecture context for decoded instructions: either the
// trace's native ("host") platform or a guest requiring address translation.
type Platform struct {
	key     int
	lang    *Language
	host    bool
	windows []MappedRange
}

// Key returns the platform's integer key, as referenced from instructions.
func (p *Platform) Key() int { return p.key }

// IsHost reports whether this is the trace's native platform.
func (p *Platform) IsHost() bool { return p.host }

// Language returns the platform's language description.
func (p *Platform) Language() *Language { return p.lang }

// MapHostToGuest translates a host address into the guest space. It reports
// false when the address lies outside every mapped window.
func (p *Platform) MapHostToGuest(addr trace.Address) (trace.Address, bool) {
	if p.host {
		return addr, true
	}
	for _, w := range p.windows {
		if addr >= w.HostStart && addr < w.HostStart+trace.Address(w.Length) {
			return w.GuestStart + (addr - w.HostStart), true
		}
	}
	return 0, false
}

// MapGuestToHost translates a guest address into the host space. It reports
// false when the address has no host representation.
func (p *Platform) MapGuestToHost(addr trace.Address) (trace.Address, bool) {
	if p.host {
		return addr, true
	}
	for _, w := range p.windows {
		if addr >= w.GuestStart && addr < w.GuestStart+trace.Address(w.Length) {
			return w.HostStart + (addr - w.GuestStart), true
		}
	}
	return 0, false
}

// Manager owns the platforms of one trace. The host platform always has
// key 0.
type Manager struct {
	mu        sync.RWMutex
	platforms []*Platform
}

// NewManager creates a manager with a host platform for lang.
func NewManager(lang *Language) *Manager {
	m := &Manager{}
	m.platforms = append(m.platforms, &Platform{key: 0, lang: lang, host: true})
	return m
}

// Host returns the trace's native platform.
func (m *Manager) Host() *Platform {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.platforms[0]
}

// AddGuest registers a guest platform with its translation windows.
func (m *Manager) AddGuest(lang *Language, windows []MappedRange) *Platform {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &Platform{key: len(m.platforms), lang: lang, windows: windows}
	m.platforms = append(m.platforms, p)
	return p
}

// ByKey returns the platform with the given key. A missing key fails with
// an ErrMissingPlatform error object; the store degrades rather than
// aborting on it.
func (m *Manager) ByKey(key int) (*Platform, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if key < 0 || key >= len(m.platforms) {
		return nil, trace.NewErrorMsg(trace.SevError, trace.ErrMissingPlatform,
			"no platform for key")
	}
	return m.platforms[key], nil
}
