// Package diag prints machine state for humans: register dumps, memory
// windows and a verbose structural dump.
package diag

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/k0kubun/pp/v3"
	"golang.org/x/term"

	"github.com/fortiblox/bytevm/internal/types"
	"github.com/fortiblox/bytevm/pkg/vm"
)

// Options controls dump output.
type Options struct {
	Verbose bool // Append a pp dump of the whole result
	Color   bool // Colour the verbose dump
	Floats  bool // Include float registers that are zero
}

// ColorEnabled reports whether f is a terminal that should get colour.
// NO_COLOR disables colour regardless of the terminal.
func ColorEnabled(f *os.File) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// DumpRegisters writes the register file as a table. Every integer
// register is printed; float registers only when non-zero unless
// opts.Floats is set.
func DumpRegisters(w io.Writer, regs vm.Snapshot, opts Options) error {
	var sb strings.Builder
	for i, v := range regs.Int {
		fmt.Fprintf(&sb, "%-3s 0x%016x  %d\n", vm.RegisterName(uint8(i)), uint64(v), v)
	}
	for i, f := range regs.Float {
		if f == 0 && !opts.Floats {
			continue
		}
		fmt.Fprintf(&sb, "%-3s %v\n", vm.FloatRegisterName(uint8(i)), f)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// Dump writes an execution summary followed by the register table.
func Dump(w io.Writer, res *vm.Result, opts Options) error {
	if _, err := fmt.Fprintf(w, "state %s  steps %d  pc 0x%04x\n", res.State, res.Steps, res.PC); err != nil {
		return err
	}
	if res.Fault != nil {
		if _, err := fmt.Fprintf(w, "fault %v\n", res.Fault); err != nil {
			return err
		}
	}
	if err := DumpRegisters(w, res.Registers, opts); err != nil {
		return err
	}
	if opts.Verbose {
		printer := pp.New()
		printer.SetColoringEnabled(opts.Color)
		if _, err := printer.Fprintln(w, res); err != nil {
			return err
		}
	}
	return nil
}

// DumpMemory writes n bytes from addr as a hex dump, 16 bytes per row,
// tagging each row with the region of its first byte. The window is
// clipped to memory.
func DumpMemory(w io.Writer, mem *vm.Memory, addr, n uint64) error {
	buf := mem.Bytes()
	if addr >= uint64(len(buf)) {
		return nil
	}
	end := min(addr+n, uint64(len(buf)))

	for row := addr; row < end; row += 16 {
		rowEnd := min(row+16, end)
		hex := make([]string, 0, 16)
		for _, b := range buf[row:rowEnd] {
			hex = append(hex, fmt.Sprintf("%02x", b))
		}
		if _, err := fmt.Fprintf(w, "%08x  %-47s  %s\n", row, strings.Join(hex, " "), mem.Region(int64(row))); err != nil {
			return err
		}
	}
	return nil
}

// StateHash hashes the state a finished machine is left in: cursor,
// registers and the full memory buffer.
func StateHash(machine *vm.VM) types.Hash {
	regs := machine.Registers()
	return types.ComputeStateHash(uint64(machine.PC()), regs.Int[:], regs.Float[:], machine.Memory().Bytes())
}
