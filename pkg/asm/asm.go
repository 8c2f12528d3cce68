package asm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/fortiblox/bytevm/pkg/vm"
)

var (
	// ErrUnknownMnemonic is returned for an instruction name with no opcode.
	ErrUnknownMnemonic = errors.New("unknown mnemonic")

	// ErrUnknownDirective is returned for an unsupported directive.
	ErrUnknownDirective = errors.New("unknown directive")

	// ErrOperands is returned when no addressing mode fits the operands.
	ErrOperands = errors.New("invalid operands")

	// ErrRange is returned when a literal does not fit its destination.
	ErrRange = errors.New("value out of range")
)

// Assemble translates source into a program image.
//
// Directives:
//
//	.data N          reserve N bytes of zeroed data memory
//	.db v, ...       append bytes to the data initialiser
//	.word v, ...     append int64 values to the data initialiser
//	.double v, ...   append float64 values to the data initialiser
//	.raw v, ...      emit bytes into the instruction stream
//
// Without .data the data region is sized to fit the initialiser.
func Assemble(filename, source string) (*vm.Program, error) {
	file, err := Parse(filename, source)
	if err != nil {
		return nil, err
	}

	a := &assembler{code: make([]byte, vm.HeaderSize)}
	for _, line := range file.Lines {
		if line.Statement == nil {
			continue
		}
		if d := line.Statement.Directive; d != nil {
			err = a.directive(d)
		} else {
			err = a.instruction(line.Statement.Instruction)
		}
		if err != nil {
			return nil, err
		}
	}
	return a.program()
}

// MustAssemble is like Assemble but panics on error. It is intended for
// tests and static program tables.
func MustAssemble(source string) *vm.Program {
	p, err := Assemble("", source)
	if err != nil {
		panic(err)
	}
	return p
}

type assembler struct {
	code     []byte
	data     []byte
	dataSize int64
	sized    bool // .data seen
}

func (a *assembler) program() (*vm.Program, error) {
	size := uint64(len(a.data))
	if a.sized {
		if uint64(a.dataSize) < size {
			return nil, fmt.Errorf("%w: data initialiser is %d bytes, .data reserves %d", ErrRange, size, a.dataSize)
		}
		size = uint64(a.dataSize)
	}
	if size > math.MaxUint32 {
		return nil, fmt.Errorf("%w: data size %d", ErrRange, size)
	}
	binary.LittleEndian.PutUint32(a.code, uint32(size))

	p := &vm.Program{DataSize: uint32(size), Code: a.code}
	if len(a.data) > 0 {
		p.Data = a.data
	}
	return p, nil
}

func (a *assembler) directive(d *Directive) error {
	switch strings.ToLower(d.Name) {
	case ".data":
		if len(d.Args) != 1 {
			return fmt.Errorf("%s: %w: .data takes one size", d.Pos, ErrOperands)
		}
		n, err := d.Args[0].int64()
		if err != nil {
			return fmt.Errorf("%s: %w", d.Pos, err)
		}
		if n < 0 || n > math.MaxUint32 {
			return fmt.Errorf("%s: %w: data size %d", d.Pos, ErrRange, n)
		}
		a.dataSize, a.sized = n, true

	case ".word":
		for _, arg := range d.Args {
			v, err := arg.int64()
			if err != nil {
				return fmt.Errorf("%s: %w", d.Pos, err)
			}
			a.data = binary.LittleEndian.AppendUint64(a.data, uint64(v))
		}

	case ".double":
		for _, arg := range d.Args {
			v, err := arg.float64()
			if err != nil {
				return fmt.Errorf("%s: %w", d.Pos, err)
			}
			a.data = binary.LittleEndian.AppendUint64(a.data, math.Float64bits(v))
		}

	case ".db", ".raw":
		for _, arg := range d.Args {
			v, err := arg.int64()
			if err != nil {
				return fmt.Errorf("%s: %w", d.Pos, err)
			}
			if v < 0 || v > 0xFF {
				return fmt.Errorf("%s: %w: byte %d", d.Pos, ErrRange, v)
			}
			if strings.EqualFold(d.Name, ".db") {
				a.data = append(a.data, byte(v))
			} else {
				a.code = append(a.code, byte(v))
			}
		}

	default:
		return fmt.Errorf("%s: %w: %s", d.Pos, ErrUnknownDirective, d.Name)
	}
	return nil
}

func (a *assembler) instruction(in *Instruction) error {
	ins, ok := vm.LookupMnemonic(strings.ToUpper(in.Mnemonic))
	if !ok {
		return fmt.Errorf("%s: %w: %s", in.Pos, ErrUnknownMnemonic, in.Mnemonic)
	}

	ops := make([]vm.Operand, len(in.Operands))
	for i, o := range in.Operands {
		op, err := o.operand()
		if err != nil {
			return fmt.Errorf("%s: %w", o.Pos, err)
		}
		ops[i] = op
	}

	if !ins.HasMode {
		if len(ops) != 0 {
			return fmt.Errorf("%s: %w: %s takes no operands", in.Pos, ErrOperands, in.Mnemonic)
		}
		a.code = append(a.code, ins.Opcode)
		return nil
	}

	mode, ok := matchOperands(ops)
	if !ok {
		return fmt.Errorf("%s: %w: no %s mode for %s", in.Pos, ErrOperands, in.Mnemonic, describe(ops))
	}
	enc, err := vm.EncodeInstruction(ins.Opcode, mode, ops...)
	if err != nil {
		return fmt.Errorf("%s: %w", in.Pos, err)
	}
	a.code = append(a.code, enc...)
	return nil
}

// matchOperands picks the mode for ops. Integer literals are promoted to
// float when that is the only way to match, so "mov f0, 1" is accepted.
func matchOperands(ops []vm.Operand) (uint8, bool) {
	if mode, ok := vm.MatchMode(kinds(ops)); ok {
		return mode, true
	}
	promoted := append([]vm.Operand(nil), ops...)
	changed := false
	for i, op := range promoted {
		if op.Kind == vm.KindIntImmediate {
			promoted[i] = vm.FImm(float64(op.Int))
			changed = true
		}
	}
	if !changed {
		return 0, false
	}
	mode, ok := vm.MatchMode(kinds(promoted))
	if ok {
		copy(ops, promoted)
	}
	return mode, ok
}

func kinds(ops []vm.Operand) []vm.OperandKind {
	out := make([]vm.OperandKind, len(ops))
	for i, op := range ops {
		out[i] = op.Kind
	}
	return out
}

func describe(ops []vm.Operand) string {
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = op.Kind.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (o *Operand) operand() (vm.Operand, error) {
	switch {
	case o.Mem != nil:
		base, kind, ok := vm.ParseRegister(o.Mem.Base)
		if !ok || kind != vm.Int {
			return vm.Operand{}, fmt.Errorf("%w: %q is not an integer register", ErrOperands, o.Mem.Base)
		}
		var off int64
		if o.Mem.Disp != nil {
			n := &Number{Sign: o.Mem.Disp.Sign, Literal: &Literal{Int: o.Mem.Disp.Value}}
			v, err := n.int64()
			if err != nil {
				return vm.Operand{}, err
			}
			off = v
		}
		return vm.Mem(base, off), nil

	case o.Number != nil:
		if o.Number.Literal.Float != "" {
			v, err := o.Number.float64()
			return vm.FImm(v), err
		}
		v, err := o.Number.int64()
		return vm.Imm(v), err

	default:
		reg, kind, ok := vm.ParseRegister(o.Register)
		if !ok {
			return vm.Operand{}, fmt.Errorf("%w: unknown register %q", ErrOperands, o.Register)
		}
		if kind == vm.Float {
			return vm.FloatReg(reg), nil
		}
		return vm.IntReg(reg), nil
	}
}

// int64 converts an integer literal. Magnitudes up to 2^63 are accepted
// when negated so the full int64 range can be written in decimal.
func (n *Number) int64() (int64, error) {
	if n.Literal.Float != "" {
		return 0, fmt.Errorf("%w: %s is not an integer", ErrOperands, n.Literal.Float)
	}
	mag, err := strconv.ParseUint(n.Literal.Int, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrRange, n.Literal.Int)
	}
	if n.Sign == "-" {
		if mag > 1<<63 {
			return 0, fmt.Errorf("%w: -%s", ErrRange, n.Literal.Int)
		}
		return -int64(mag), nil
	}
	if mag > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %s", ErrRange, n.Literal.Int)
	}
	return int64(mag), nil
}

func (n *Number) float64() (float64, error) {
	text := n.Literal.Float
	if text == "" {
		text = n.Literal.Int
		if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
			v, err := n.int64()
			return float64(v), err
		}
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, fmt.Errorf("%w: %s", ErrRange, text)
	}
	if n.Sign == "-" {
		v = -v
	}
	return v, nil
}
