package disasm

import (
	"tracecode/internal/platform"
)

// Register offsets position each register in the per-thread register
// address space; only the program counter matters to the trigger.

// AARCH64 describes little-endian AArch64.
func AARCH64() *platform.Language {
	pc := &platform.Register{Name: "pc", Offset: 0x200, Size: 8}
	sp := &platform.Register{Name: "sp", Offset: 0x208, Size: 8}
	return &platform.Language{
		Name:        "AARCH64:LE:64",
		Alignment:   4,
		MaxInstrLen: 4,
		PointerSize: 8,
		PC:          pc,
		Registers:   []*platform.Register{pc, sp},
		Decoder:     ARM64{},
	}
}

// AMD64 describes 64-bit x86.
func AMD64() *platform.Language {
	rip := &platform.Register{Name: "rip", Offset: 0x288, Size: 8}
	rsp := &platform.Register{Name: "rsp", Offset: 0x220, Size: 8}
	return &platform.Language{
		Name:        "x86:LE:64",
		Alignment:   1,
		MaxInstrLen: 15,
		PointerSize: 8,
		PC:          rip,
		Registers:   []*platform.Register{rip, rsp},
		Decoder:     X86_64{},
	}
}
