// tracedis loads an ELF image into a fresh trace, seeds the program
// counter at the entry point, lets the reactive trigger disassemble, and
// prints the resulting listing.
package main

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"tracecode/internal/autodis"
	"tracecode/internal/disasm"
	"tracecode/internal/elfx"
	"tracecode/internal/logging"
	"tracecode/internal/platform"
	"tracecode/internal/tracedb"
	"tracecode/printer"
	"tracecode/trace"
)

var (
	flagSnap    int64
	flagArch    string
	flagNoColor bool
	flagWindow  time.Duration
	flagEntry   uint64
)

var rootCmd = &cobra.Command{
	Use:   "tracedis <elf>",
	Short: "Disassemble an ELF through the trace store",
	Long: "tracedis records an ELF image into a time-versioned trace, points\n" +
		"the program counter at the entry point, and lets the reactive\n" +
		"auto-disassembly trigger do the rest.",
	Args: cobra.ExactArgs(1),
	RunE: run,
}

func init() {
	rootCmd.Flags().Int64Var(&flagSnap, "snap", 0, "snap to record and list at")
	rootCmd.Flags().StringVar(&flagArch, "arch", "auto", "architecture: auto, amd64, arm64")
	rootCmd.Flags().BoolVar(&flagNoColor, "no-color", false, "disable colorized output")
	rootCmd.Flags().DurationVar(&flagWindow, "window", 0, "debounce window (default 100ms)")
	rootCmd.Flags().Uint64Var(&flagEntry, "entry", 0, "override the entry point address")
}

func languageFor(arch string, machine elf.Machine) (*platform.Language, error) {
	switch arch {
	case "amd64":
		return disasm.AMD64(), nil
	case "arm64":
		return disasm.AARCH64(), nil
	case "auto":
		switch machine {
		case elf.EM_X86_64:
			return disasm.AMD64(), nil
		case elf.EM_AARCH64:
			return disasm.AARCH64(), nil
		}
		return nil, fmt.Errorf("unsupported machine %v, use --arch", machine)
	}
	return nil, fmt.Errorf("unknown arch %q", arch)
}

func run(cmd *cobra.Command, args []string) error {
	path := args[0]
	img, err := elfx.Open(path)
	if err != nil {
		return err
	}
	lang, err := languageFor(flagArch, img.Machine)
	if err != nil {
		return err
	}

	lg := logging.New()
	tr := tracedb.New(filepath.Base(path), lang, lg)

	mon := autodis.NewMonitor(autodis.Config{
		Trace:    tr,
		Mapper:   &disasm.SweepMapper{},
		Executor: autodis.SyncExecutor{},
		Window:   flagWindow,
		Log:      lg,
	})
	mon.Start()
	defer mon.Close()

	snap := trace.Snap(flagSnap)
	if err := img.Apply(tr, snap); err != nil {
		return err
	}

	entry := img.Entry
	if flagEntry != 0 {
		entry = trace.Address(flagEntry)
	}
	th := tr.AddThread("main")
	pcBytes := make([]byte, lang.PointerSize)
	binary.LittleEndian.PutUint64(pcBytes, uint64(entry))
	tr.Registers().SetValue(th.Key, 0, lang.PC, snap, pcBytes)
	mon.Flush()

	p := printer.New(cmd.OutOrStdout(), img.Symbols)
	if flagNoColor {
		p.SetColor(false)
	}
	return p.Print(tr, snap)
}

func main() {
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}
