// Package printer renders a trace's listing at a snap: one line per
// decoded instruction with address, opcode bytes, and text, plus symbol
// labels. Output is colorized for terminals via chroma unless disabled.
package printer

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/ianlancetaylor/demangle"

	"tracecode/internal/listing"
	"tracecode/internal/tracedb"
	"tracecode/trace"
)

// disasmStyle colors listing lines: mnemonics, hex literals, and comments
// get distinct hues on a dark background.
var disasmStyle = styles.Register(chroma.MustNewStyle("disasm-dark", chroma.StyleEntries{
	chroma.Keyword:          "#ff79c6",
	chroma.NameBuiltin:      "#8be9fd",
	chroma.NameLabel:        "bold #50fa7b",
	chroma.LiteralNumber:    "#bd93f9",
	chroma.LiteralNumberHex: "#bd93f9",
	chroma.Comment:          "#6272a4",
	chroma.Punctuation:      "#f8f8f2",
	chroma.Background:       "bg:#1e1f29",
}))

// Listing prints trace listings.
type Listing struct {
	out     io.Writer
	symbols map[trace.Address]string
	color   bool
}

// New creates a listing printer. Color is on unless TRACECODE_NO_COLOR=1.
func New(out io.Writer, symbols map[trace.Address]string) *Listing {
	return &Listing{
		out:     out,
		symbols: symbols,
		color:   os.Getenv("TRACECODE_NO_COLOR") != "1",
	}
}

// SetColor overrides the color decision.
func (l *Listing) SetColor(on bool) { l.color = on }

// Label returns the demangled symbol name at addr, or empty.
func (l *Listing) Label(addr trace.Address) string {
	name, ok := l.symbols[addr]
	if !ok {
		return ""
	}
	return demangle.Filter(name)
}

// Print writes the listing of every instruction live at snap.
func (l *Listing) Print(tr *tracedb.Trace, snap trace.Snap) error {
	var instructions []*listing.Instruction
	for ins := range tr.Code().Memory().Instructions(snap) {
		instructions = append(instructions, ins)
	}
	for _, ins := range instructions {
		if label := l.Label(ins.MinAddress()); label != "" {
			if err := l.write(fmt.Sprintf("%s:\n", label)); err != nil {
				return err
			}
		}
		if err := l.write(FormatInstructionLine(ins) + "\n"); err != nil {
			return err
		}
	}
	return nil
}

// FormatInstructionLine formats one listing line: address, opcode bytes,
// and instruction text in fixed columns.
func FormatInstructionLine(ins *listing.Instruction) string {
	return fmt.Sprintf("  %08x:  %-24s %s",
		uint64(ins.MinAddress()), formatHexBytes(ins.OpcodeBytes()), ins.Text())
}

func formatHexBytes(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, " ")
}

func (l *Listing) write(line string) error {
	if l.color {
		if err := colorize(l.out, line); err == nil {
			return nil
		}
	}
	_, err := io.WriteString(l.out, line)
	return err
}

func colorize(out io.Writer, line string) error {
	lexer := lexers.Get("nasm")
	if lexer == nil {
		lexer = lexers.Fallback
	}
	it, err := lexer.Tokenise(nil, line)
	if err != nil {
		return err
	}
	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}
	return formatter.Format(out, disasmStyle, it)
}
