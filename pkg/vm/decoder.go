package vm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Operand is one decoded operand value.
//
// For register kinds Reg holds the index. For KindMemoryIndirect Reg is the
// base (integer) register and Int the signed offset.
type Operand struct {
	Kind  OperandKind
	Reg   uint8
	Int   int64
	Float float64
}

// IntReg builds an integer register operand.
func IntReg(r uint8) Operand { return Operand{Kind: KindIntRegister, Reg: r} }

// FloatReg builds a float register operand.
func FloatReg(r uint8) Operand { return Operand{Kind: KindFloatRegister, Reg: r} }

// Imm builds an integer immediate operand.
func Imm(v int64) Operand { return Operand{Kind: KindIntImmediate, Int: v} }

// FImm builds a float immediate operand.
func FImm(v float64) Operand { return Operand{Kind: KindFloatImmediate, Float: v} }

// Mem builds a memory-indirect operand [base + off].
func Mem(base uint8, off int64) Operand {
	return Operand{Kind: KindMemoryIndirect, Reg: base, Int: off}
}

func (o Operand) String() string {
	switch o.Kind {
	case KindIntRegister:
		return RegisterName(o.Reg)
	case KindFloatRegister:
		return FloatRegisterName(o.Reg)
	case KindIntImmediate:
		return fmt.Sprintf("%d", o.Int)
	case KindFloatImmediate:
		return formatFloat(o.Float)
	case KindMemoryIndirect:
		switch {
		case o.Int == 0:
			return fmt.Sprintf("[%s]", RegisterName(o.Reg))
		case o.Int < 0:
			return fmt.Sprintf("[%s - %d]", RegisterName(o.Reg), uint64(-o.Int))
		default:
			return fmt.Sprintf("[%s + %d]", RegisterName(o.Reg), o.Int)
		}
	default:
		return "<none>"
	}
}

// Decoder is a bounds-checked cursor over a code buffer.
type Decoder struct {
	code []byte
	pos  int
}

// NewDecoder creates a decoder positioned at offset pos.
func NewDecoder(code []byte, pos int) *Decoder {
	return &Decoder{code: code, pos: pos}
}

// Pos returns the cursor offset.
func (d *Decoder) Pos() int {
	return d.pos
}

// Seek moves the cursor.
func (d *Decoder) Seek(pos int) {
	d.pos = pos
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	if d.pos >= len(d.code) {
		return 0
	}
	return len(d.code) - d.pos
}

func (d *Decoder) take(n int) ([]byte, error) {
	if d.pos < 0 || n > len(d.code)-d.pos {
		return nil, fmt.Errorf("%w: need %d byte(s) at offset %d, code length %d",
			ErrCodeBufferOverrun, n, d.pos, len(d.code))
	}
	b := d.code[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// ReadByte reads one byte.
func (d *Decoder) ReadByte() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadInt64 reads a little-endian signed 64-bit integer.
func (d *Decoder) ReadInt64() (int64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// ReadFloat64 reads a little-endian IEEE-754 double.
func (d *Decoder) ReadFloat64() (float64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

func (d *Decoder) readRegister() (uint8, error) {
	r, err := d.ReadByte()
	if err != nil {
		return 0, err
	}
	if r >= NumRegisters {
		return 0, fmt.Errorf("%w: register %d at offset %d", ErrRegisterIndexOutOfRange, r, d.pos-1)
	}
	return r, nil
}

// FetchInstruction reads the opcode and, for mode-bearing instructions,
// the mode byte. Instructions without a mode get an empty operand list.
func (d *Decoder) FetchInstruction() (InstructionDescriptor, ModeDescriptor, error) {
	op, err := d.ReadByte()
	if err != nil {
		return InstructionDescriptor{}, ModeDescriptor{}, err
	}
	ins, err := LookupInstruction(op)
	if err != nil {
		return InstructionDescriptor{}, ModeDescriptor{}, err
	}
	if !ins.HasMode {
		return ins, ModeDescriptor{}, nil
	}
	mode, err := d.ReadByte()
	if err != nil {
		return ins, ModeDescriptor{}, err
	}
	m, err := LookupMode(mode)
	if err != nil {
		return ins, ModeDescriptor{}, err
	}
	return ins, m, nil
}

// DecodeOperands decodes one operand per kind, in order.
func (d *Decoder) DecodeOperands(kinds []OperandKind) ([]Operand, error) {
	ops := make([]Operand, 0, len(kinds))
	for _, k := range kinds {
		op := Operand{Kind: k}
		var err error
		switch k {
		case KindNone:
		case KindIntRegister, KindFloatRegister:
			op.Reg, err = d.readRegister()
		case KindIntImmediate:
			op.Int, err = d.ReadInt64()
		case KindFloatImmediate:
			op.Float, err = d.ReadFloat64()
		case KindMemoryIndirect:
			if op.Reg, err = d.readRegister(); err == nil {
				op.Int, err = d.ReadInt64()
			}
		default:
			err = fmt.Errorf("%w: operand kind %d", ErrUnknownMode, uint8(k))
		}
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// AppendOperand appends the wire encoding of op to buf.
func AppendOperand(buf []byte, op Operand) []byte {
	switch op.Kind {
	case KindIntRegister, KindFloatRegister:
		buf = append(buf, op.Reg)
	case KindIntImmediate:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(op.Int))
	case KindFloatImmediate:
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(op.Float))
	case KindMemoryIndirect:
		buf = append(buf, op.Reg)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(op.Int))
	}
	return buf
}

// EncodeInstruction encodes an instruction. For mode-bearing opcodes the
// operands must match the mode's operand sequence.
func EncodeInstruction(op uint8, mode uint8, operands ...Operand) ([]byte, error) {
	ins, err := LookupInstruction(op)
	if err != nil {
		return nil, err
	}
	buf := []byte{op}
	if !ins.HasMode {
		if len(operands) != 0 {
			return nil, fmt.Errorf("%s takes no operands, got %d", ins.Name, len(operands))
		}
		return buf, nil
	}
	m, err := LookupMode(mode)
	if err != nil {
		return nil, err
	}
	if len(operands) != len(m.Operands) {
		return nil, fmt.Errorf("%s mode %d wants %d operand(s), got %d", ins.Name, mode, len(m.Operands), len(operands))
	}
	buf = append(buf, mode)
	for i, o := range operands {
		if o.Kind != m.Operands[i] {
			return nil, fmt.Errorf("%s mode %d operand %d: want %s, got %s", ins.Name, mode, i, m.Operands[i], o.Kind)
		}
		if (o.Kind == KindIntRegister || o.Kind == KindFloatRegister || o.Kind == KindMemoryIndirect) && o.Reg >= NumRegisters {
			return nil, fmt.Errorf("%w: register %d", ErrRegisterIndexOutOfRange, o.Reg)
		}
		buf = AppendOperand(buf, o)
	}
	return buf, nil
}

// MatchMode finds the mode whose operand sequence equals kinds.
func MatchMode(kinds []OperandKind) (uint8, bool) {
	for _, m := range modeTable {
		if m == nil || len(m.Operands) != len(kinds) || len(kinds) == 0 {
			continue
		}
		match := true
		for i := range kinds {
			if m.Operands[i] != kinds[i] {
				match = false
				break
			}
		}
		if match {
			return m.Number, true
		}
	}
	return 0, false
}
