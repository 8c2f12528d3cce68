package asm

import (
	"fmt"
	"io"
	"strings"

	"github.com/fortiblox/bytevm/pkg/vm"
)

// Entry is one disassembled instruction.
type Entry struct {
	Offset int    // Offset into the image, header included
	Raw    []byte // Encoded bytes
	Text   string // Assembly text, reassemblable
	Err    error  // Set when Raw could not be decoded
}

// Disassemble decodes the instruction stream of an image. Decoding
// continues past NOP; when bytes cannot be decoded the rest of the stream
// is returned as one .raw entry carrying the decode error.
func Disassemble(image []byte) ([]Entry, error) {
	p, err := vm.ParseProgram(image)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	d := vm.NewDecoder(p.Code, vm.HeaderSize)
	for d.Remaining() > 0 {
		start := d.Pos()
		text, err := decodeOne(d)
		if err != nil {
			entries = append(entries, Entry{
				Offset: start,
				Raw:    p.Code[start:],
				Text:   rawDirective(".raw", p.Code[start:]),
				Err:    err,
			})
			break
		}
		entries = append(entries, Entry{
			Offset: start,
			Raw:    p.Code[start:d.Pos()],
			Text:   text,
		})
	}
	return entries, nil
}

func decodeOne(d *vm.Decoder) (string, error) {
	ins, mode, err := d.FetchInstruction()
	if err != nil {
		return "", err
	}
	ops, err := d.DecodeOperands(mode.Operands)
	if err != nil {
		return "", err
	}
	name := strings.ToLower(ins.Name)
	if len(ops) == 0 {
		if ins.HasMode {
			// A mode with no operands; only .raw can reproduce it.
			return "", fmt.Errorf("%w: %s has no mode %d", vm.ErrUnknownMode, ins.Name, mode.Number)
		}
		return name, nil
	}
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = op.String()
	}
	return name + " " + strings.Join(parts, ", "), nil
}

func rawDirective(name string, b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = fmt.Sprintf("0x%02x", c)
	}
	return name + " " + strings.Join(parts, ", ")
}

// WriteListing writes entries as an address/bytes/text listing.
func WriteListing(w io.Writer, entries []Entry) error {
	for _, e := range entries {
		hex := make([]string, len(e.Raw))
		for i, c := range e.Raw {
			hex[i] = fmt.Sprintf("%02x", c)
		}
		line := fmt.Sprintf("%04x  %-59s  %s", e.Offset, strings.Join(hex, " "), e.Text)
		if e.Err != nil {
			line += "  ; " + e.Err.Error()
		}
		if _, err := fmt.Fprintln(w, strings.TrimRight(line, " ")); err != nil {
			return err
		}
	}
	return nil
}

// Source renders a program as assembly that reassembles to the same
// image.
func Source(p *vm.Program) (string, error) {
	entries, err := Disassemble(p.Code)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, ".data %d\n", p.DataSize)
	for i := 0; i < len(p.Data); i += 16 {
		end := min(i+16, len(p.Data))
		sb.WriteString(rawDirective(".db", p.Data[i:end]))
		sb.WriteByte('\n')
	}
	for _, e := range entries {
		sb.WriteString(e.Text)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
