// Package elfx loads ELF images into a trace: loadable segments become
// memory regions with their bytes recorded as KNOWN at a chosen snap, and
// the symbol table is kept for listing labels.
package elfx

import (
	"debug/elf"
	"fmt"

	"tracecode/internal/memstate"
	"tracecode/internal/tracedb"
	"tracecode/trace"
)

// Segment is one loadable piece of the image.
type Segment struct {
	Addr    trace.Address
	Data    []byte
	Read    bool
	Write   bool
	Execute bool
}

// Image is a parsed ELF ready to apply to a trace.
type Image struct {
	Machine  elf.Machine
	Entry    trace.Address
	Segments []Segment
	// Symbols maps addresses to raw (possibly mangled) names.
	Symbols map[trace.Address]string
}

// Open parses the ELF at path.
func Open(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}
	defer f.Close()

	img := &Image{
		Machine: f.Machine,
		Entry:   trace.Address(f.Entry),
		Symbols: make(map[trace.Address]string),
	}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return nil, fmt.Errorf("read segment at 0x%x: %w", prog.Vaddr, err)
		}
		img.Segments = append(img.Segments, Segment{
			Addr:    trace.Address(prog.Vaddr),
			Data:    data,
			Read:    prog.Flags&elf.PF_R != 0,
			Write:   prog.Flags&elf.PF_W != 0,
			Execute: prog.Flags&elf.PF_X != 0,
		})
	}
	syms, err := f.Symbols()
	if err == nil {
		for _, sym := range syms {
			if sym.Value != 0 && sym.Name != "" {
				img.Symbols[trace.Address(sym.Value)] = sym.Name
			}
		}
	}
	return img, nil
}

// Apply records the image in the trace at snap: one region per segment,
// bytes written and marked KNOWN.
func (img *Image) Apply(tr *tracedb.Trace, snap trace.Snap) error {
	for i, seg := range img.Segments {
		region := &memstate.Region{
			Name:    fmt.Sprintf("load[%d]", i),
			Range:   trace.RangeOf(seg.Addr, uint64(len(seg.Data))),
			Span:    trace.SpanAtLeast(snap),
			Read:    seg.Read,
			Write:   seg.Write,
			Execute: seg.Execute,
		}
		if err := tr.Memory().AddRegion(region); err != nil {
			return fmt.Errorf("region %s: %w", region.Name, err)
		}
		tr.Memory().Write(snap, seg.Addr, seg.Data)
	}
	return nil
}
