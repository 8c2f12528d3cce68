// Package vm defines opcodes, addressing modes and operand encoding.
package vm

import (
	"fmt"
)

// Opcodes.
const (
	OpNop = 0x00 // Terminal, no mode byte
	OpMov = 0x01 // Mode-bearing move
)

// Addressing modes for MOV.
const (
	ModeNone     = 0  // ()
	ModeRegInt   = 1  // ireg, imm64
	ModeRegFloat = 2  // freg, f64
	ModeRegReg   = 3  // ireg, ireg
	ModeRegMem   = 4  // ireg, [ireg + off]
	ModeMemReg   = 5  // [ireg + off], ireg
	ModeMemInt   = 6  // [ireg + off], imm64
	ModeFRegFReg = 7  // freg, freg
	ModeFRegMem  = 8  // freg, [ireg + off]
	ModeMemFReg  = 9  // [ireg + off], freg
	ModeMemFloat = 10 // [ireg + off], f64
)

// Register indices. The same index space addresses the integer or the
// float register array depending on the operand kind.
const (
	RegIP = 0
	RegSP = 1
	RegBP = 2
	RegA  = 3
	RegB  = 4
	RegC  = 5
	RegD  = 6
	RegE  = 7

	NumRegisters = 8
)

// Operand widths in bytes.
const (
	WidthRegister  = 1
	WidthImmediate = 8
	WidthIndirect  = WidthRegister + WidthImmediate
)

// OperandKind is the type and width of one encoded operand.
type OperandKind uint8

const (
	KindNone OperandKind = iota
	KindIntRegister
	KindFloatRegister
	KindIntImmediate
	KindFloatImmediate
	KindMemoryIndirect
)

var kindNames = [...]string{
	KindNone:           "none",
	KindIntRegister:    "ireg",
	KindFloatRegister:  "freg",
	KindIntImmediate:   "imm64",
	KindFloatImmediate: "f64",
	KindMemoryIndirect: "[ireg+off]",
}

func (k OperandKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Width returns the encoded size of an operand of this kind.
func (k OperandKind) Width() int {
	switch k {
	case KindIntRegister, KindFloatRegister:
		return WidthRegister
	case KindIntImmediate, KindFloatImmediate:
		return WidthImmediate
	case KindMemoryIndirect:
		return WidthIndirect
	default:
		return 0
	}
}

// InstructionDescriptor describes one opcode.
type InstructionDescriptor struct {
	Name    string
	Opcode  uint8
	HasMode bool
}

// ModeDescriptor maps a mode number to its operand sequence.
type ModeDescriptor struct {
	Number   uint8
	Operands []OperandKind
}

// String formats the operand sequence, e.g. "(ireg, imm64)".
func (m ModeDescriptor) String() string {
	s := "("
	for i, k := range m.Operands {
		if i > 0 {
			s += ", "
		}
		s += k.String()
	}
	return s + ")"
}

// Tables are filled once at init and never mutated afterwards.
var (
	instructionTable [256]*InstructionDescriptor
	modeTable        [256]*ModeDescriptor
)

func init() {
	for _, d := range []InstructionDescriptor{
		{Name: "NOP", Opcode: OpNop, HasMode: false},
		{Name: "MOV", Opcode: OpMov, HasMode: true},
	} {
		d := d
		instructionTable[d.Opcode] = &d
	}

	for _, m := range []ModeDescriptor{
		{Number: ModeNone, Operands: nil},
		{Number: ModeRegInt, Operands: []OperandKind{KindIntRegister, KindIntImmediate}},
		{Number: ModeRegFloat, Operands: []OperandKind{KindFloatRegister, KindFloatImmediate}},
		{Number: ModeRegReg, Operands: []OperandKind{KindIntRegister, KindIntRegister}},
		{Number: ModeRegMem, Operands: []OperandKind{KindIntRegister, KindMemoryIndirect}},
		{Number: ModeMemReg, Operands: []OperandKind{KindMemoryIndirect, KindIntRegister}},
		{Number: ModeMemInt, Operands: []OperandKind{KindMemoryIndirect, KindIntImmediate}},
		{Number: ModeFRegFReg, Operands: []OperandKind{KindFloatRegister, KindFloatRegister}},
		{Number: ModeFRegMem, Operands: []OperandKind{KindFloatRegister, KindMemoryIndirect}},
		{Number: ModeMemFReg, Operands: []OperandKind{KindMemoryIndirect, KindFloatRegister}},
		{Number: ModeMemFloat, Operands: []OperandKind{KindMemoryIndirect, KindFloatImmediate}},
	} {
		m := m
		modeTable[m.Number] = &m
	}
}

// LookupInstruction returns the descriptor for an opcode.
func LookupInstruction(op uint8) (InstructionDescriptor, error) {
	d := instructionTable[op]
	if d == nil {
		return InstructionDescriptor{}, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, op)
	}
	return *d, nil
}

// LookupMode returns the operand sequence for a mode number.
func LookupMode(mode uint8) (ModeDescriptor, error) {
	m := modeTable[mode]
	if m == nil {
		return ModeDescriptor{}, fmt.Errorf("%w: %d", ErrUnknownMode, mode)
	}
	return ModeDescriptor{Number: m.Number, Operands: append([]OperandKind(nil), m.Operands...)}, nil
}

// LookupMnemonic finds an instruction by its name (case-sensitive, upper case).
func LookupMnemonic(name string) (InstructionDescriptor, bool) {
	for _, d := range instructionTable {
		if d != nil && d.Name == name {
			return *d, true
		}
	}
	return InstructionDescriptor{}, false
}

// Modes returns all defined modes in ascending order.
func Modes() []ModeDescriptor {
	var out []ModeDescriptor
	for _, m := range modeTable {
		if m != nil {
			out = append(out, ModeDescriptor{Number: m.Number, Operands: append([]OperandKind(nil), m.Operands...)})
		}
	}
	return out
}
