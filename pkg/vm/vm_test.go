package vm

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"
)

// image builds a program image from a data size and encoded instructions.
func image(dataSize uint32, parts ...[]byte) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, dataSize)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return buf
}

func mustEncode(t *testing.T, op, mode uint8, ops ...Operand) []byte {
	t.Helper()
	b, err := EncodeInstruction(op, mode, ops...)
	if err != nil {
		t.Fatalf("EncodeInstruction(0x%02x, %d) failed: %v", op, mode, err)
	}
	return b
}

func run(t *testing.T, config Config, img []byte) (*VM, *Result, error) {
	t.Helper()
	machine, err := New(config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	p, err := ParseProgram(img)
	if err != nil {
		t.Fatalf("ParseProgram() failed: %v", err)
	}
	res, err := machine.Execute(context.Background(), p)
	return machine, res, err
}

// TestStepMeter tests the step budget meter.
func TestStepMeter(t *testing.T) {
	sm := NewStepMeter(2)

	if err := sm.Consume(); err != nil {
		t.Errorf("Consume() failed: %v", err)
	}
	if sm.Remaining() != 1 {
		t.Errorf("Remaining() = %d, want 1", sm.Remaining())
	}
	if err := sm.Consume(); err != nil {
		t.Errorf("Consume() failed: %v", err)
	}
	if err := sm.Consume(); !errors.Is(err, ErrStepBudgetExceeded) {
		t.Errorf("Consume() = %v, want ErrStepBudgetExceeded", err)
	}
	if sm.Used() != 2 {
		t.Errorf("Used() = %d, want 2", sm.Used())
	}

	unlimited := NewStepMeter(0)
	for i := 0; i < 1000; i++ {
		if err := unlimited.Consume(); err != nil {
			t.Fatalf("unlimited Consume() failed at %d: %v", i, err)
		}
	}
}

// TestEndToEnd runs the reference program: MOV A, 42; MOV B, A; NOP.
func TestEndToEnd(t *testing.T) {
	img := []byte{
		0x00, 0x00, 0x00, 0x00,
		0x01, 0x01, 0x03, 0x2A, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x01, 0x03, 0x04, 0x03,
		0x00,
	}

	_, res, err := run(t, DefaultConfig(), img)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if res.State != Halted {
		t.Errorf("State = %v, want halted", res.State)
	}
	if res.Steps != 3 {
		t.Errorf("Steps = %d, want 3", res.Steps)
	}
	if res.PC != len(img) {
		t.Errorf("PC = %d, want %d", res.PC, len(img))
	}

	want := Snapshot{}
	want.Int[RegA] = 42
	want.Int[RegB] = 42
	if res.Registers != want {
		t.Errorf("Registers = %+v, want %+v", res.Registers, want)
	}
}

// TestLoneNop tests that a single NOP halts with all registers zero.
func TestLoneNop(t *testing.T) {
	machine, res, err := run(t, DefaultConfig(), image(0, []byte{OpNop}))
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if res.State != Halted {
		t.Errorf("State = %v, want halted", res.State)
	}
	if !res.Registers.IsZero() {
		t.Errorf("Registers = %+v, want all zero", res.Registers)
	}
	if !bytes.Equal(machine.Memory().Bytes(), make([]byte, MemorySizeDefault)) {
		t.Error("memory modified by NOP")
	}
}

// TestMovModes tests every MOV mode mutates exactly its destination.
func TestMovModes(t *testing.T) {
	const base = 0x100

	// Prelude: A = base, F0 = 2.5, memory[base] = 7, memory[base+8] = bits(1.25)
	prelude := func(t *testing.T) [][]byte {
		return [][]byte{
			mustEncode(t, OpMov, ModeRegInt, IntReg(RegA), Imm(base)),
			mustEncode(t, OpMov, ModeRegFloat, FloatReg(0), FImm(2.5)),
			mustEncode(t, OpMov, ModeMemInt, Mem(RegA, 0), Imm(7)),
			mustEncode(t, OpMov, ModeMemFloat, Mem(RegA, 8), FImm(1.25)),
		}
	}

	tests := []struct {
		name  string
		ins   func(t *testing.T) []byte
		check func(t *testing.T, regs Snapshot, mem *Memory)
	}{
		{
			name: "reg int-imm",
			ins: func(t *testing.T) []byte {
				return mustEncode(t, OpMov, ModeRegInt, IntReg(RegC), Imm(-5))
			},
			check: func(t *testing.T, regs Snapshot, mem *Memory) {
				if regs.Int[RegC] != -5 {
					t.Errorf("C = %d, want -5", regs.Int[RegC])
				}
			},
		},
		{
			name: "reg float-imm",
			ins: func(t *testing.T) []byte {
				return mustEncode(t, OpMov, ModeRegFloat, FloatReg(3), FImm(math.Pi))
			},
			check: func(t *testing.T, regs Snapshot, mem *Memory) {
				if regs.Float[3] != math.Pi {
					t.Errorf("F3 = %v, want pi", regs.Float[3])
				}
				if regs.Int[3] != base {
					t.Errorf("integer register 3 = %d, want %d", regs.Int[3], base)
				}
			},
		},
		{
			name: "reg reg",
			ins: func(t *testing.T) []byte {
				return mustEncode(t, OpMov, ModeRegReg, IntReg(RegD), IntReg(RegA))
			},
			check: func(t *testing.T, regs Snapshot, mem *Memory) {
				if regs.Int[RegD] != base {
					t.Errorf("D = %d, want %d", regs.Int[RegD], base)
				}
			},
		},
		{
			name: "load int",
			ins: func(t *testing.T) []byte {
				return mustEncode(t, OpMov, ModeRegMem, IntReg(RegE), Mem(RegA, 0))
			},
			check: func(t *testing.T, regs Snapshot, mem *Memory) {
				if regs.Int[RegE] != 7 {
					t.Errorf("E = %d, want 7", regs.Int[RegE])
				}
			},
		},
		{
			name: "store int",
			ins: func(t *testing.T) []byte {
				return mustEncode(t, OpMov, ModeMemReg, Mem(RegA, 16), IntReg(RegA))
			},
			check: func(t *testing.T, regs Snapshot, mem *Memory) {
				v, _ := mem.LoadInt(base + 16)
				if v != base {
					t.Errorf("mem[base+16] = %d, want %d", v, base)
				}
			},
		},
		{
			name: "store negative offset",
			ins: func(t *testing.T) []byte {
				return mustEncode(t, OpMov, ModeMemInt, Mem(RegA, -8), Imm(99))
			},
			check: func(t *testing.T, regs Snapshot, mem *Memory) {
				v, _ := mem.LoadInt(base - 8)
				if v != 99 {
					t.Errorf("mem[base-8] = %d, want 99", v)
				}
			},
		},
		{
			name: "freg freg",
			ins: func(t *testing.T) []byte {
				return mustEncode(t, OpMov, ModeFRegFReg, FloatReg(7), FloatReg(0))
			},
			check: func(t *testing.T, regs Snapshot, mem *Memory) {
				if regs.Float[7] != 2.5 {
					t.Errorf("F7 = %v, want 2.5", regs.Float[7])
				}
			},
		},
		{
			name: "load float",
			ins: func(t *testing.T) []byte {
				return mustEncode(t, OpMov, ModeFRegMem, FloatReg(1), Mem(RegA, 8))
			},
			check: func(t *testing.T, regs Snapshot, mem *Memory) {
				if regs.Float[1] != 1.25 {
					t.Errorf("F1 = %v, want 1.25", regs.Float[1])
				}
			},
		},
		{
			name: "store float",
			ins: func(t *testing.T) []byte {
				return mustEncode(t, OpMov, ModeMemFReg, Mem(RegA, 24), FloatReg(0))
			},
			check: func(t *testing.T, regs Snapshot, mem *Memory) {
				v, _ := mem.LoadFloat(base + 24)
				if v != 2.5 {
					t.Errorf("mem[base+24] = %v, want 2.5", v)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pre := prelude(t)

			// Reference run without the instruction under test.
			refImg := image(0, append(pre, []byte{OpNop})...)
			ref, refRes, err := run(t, DefaultConfig(), refImg)
			if err != nil {
				t.Fatalf("reference Execute() failed: %v", err)
			}

			img := image(0, append(pre, tt.ins(t), []byte{OpNop})...)
			machine, res, err := run(t, DefaultConfig(), img)
			if err != nil {
				t.Fatalf("Execute() failed: %v", err)
			}
			tt.check(t, res.Registers, machine.Memory())

			// Everything not addressed by the instruction is unchanged.
			changedRegs := 0
			for i := 0; i < NumRegisters; i++ {
				if res.Registers.Int[i] != refRes.Registers.Int[i] {
					changedRegs++
				}
				if math.Float64bits(res.Registers.Float[i]) != math.Float64bits(refRes.Registers.Float[i]) {
					changedRegs++
				}
			}
			changedBytes := 0
			a, b := ref.Memory().Bytes(), machine.Memory().Bytes()
			for i := range a {
				if a[i] != b[i] {
					changedBytes++
				}
			}
			if changedRegs > 1 || changedBytes > 8 || (changedRegs > 0 && changedBytes > 0) {
				t.Errorf("changed %d register(s) and %d byte(s), want a single destination", changedRegs, changedBytes)
			}
		})
	}
}

// TestImmediateMovTouchesOnlyDestination checks every register with both
// immediate modes.
func TestImmediateMovTouchesOnlyDestination(t *testing.T) {
	for r := uint8(0); r < NumRegisters; r++ {
		img := image(0,
			mustEncode(t, OpMov, ModeRegInt, IntReg(r), Imm(int64(r)+100)),
			mustEncode(t, OpMov, ModeRegFloat, FloatReg(r), FImm(float64(r)+0.5)),
			[]byte{OpNop},
		)
		machine, res, err := run(t, DefaultConfig(), img)
		if err != nil {
			t.Fatalf("register %d: Execute() failed: %v", r, err)
		}
		for i := uint8(0); i < NumRegisters; i++ {
			wantInt, wantFloat := int64(0), 0.0
			if i == r {
				wantInt, wantFloat = int64(r)+100, float64(r)+0.5
			}
			if res.Registers.Int[i] != wantInt {
				t.Errorf("register %d: Int[%d] = %d, want %d", r, i, res.Registers.Int[i], wantInt)
			}
			if res.Registers.Float[i] != wantFloat {
				t.Errorf("register %d: Float[%d] = %v, want %v", r, i, res.Registers.Float[i], wantFloat)
			}
		}
		if !bytes.Equal(machine.Memory().Bytes(), make([]byte, MemorySizeDefault)) {
			t.Errorf("register %d: memory modified", r)
		}
	}
}

// TestFaults tests that faults are raised with the right kind and that
// the faulting instruction has no effect.
func TestFaults(t *testing.T) {
	setA := func(t *testing.T) []byte {
		return mustEncode(t, OpMov, ModeRegInt, IntReg(RegA), Imm(1))
	}

	tests := []struct {
		name   string
		img    func(t *testing.T) []byte
		config func(c *Config)
		kind   error
		pc     int
	}{
		{
			name: "unknown opcode",
			img:  func(t *testing.T) []byte { return image(0, setA(t), []byte{0xFF}) },
			kind: ErrUnknownOpcode,
			pc:   HeaderSize + 11,
		},
		{
			name: "unknown mode",
			img:  func(t *testing.T) []byte { return image(0, setA(t), []byte{OpMov, 0x42}) },
			kind: ErrUnknownMode,
			pc:   HeaderSize + 11,
		},
		{
			name: "mode not defined for MOV",
			img:  func(t *testing.T) []byte { return image(0, setA(t), []byte{OpMov, ModeNone, OpNop}) },
			kind: ErrUnknownMode,
			pc:   HeaderSize + 11,
		},
		{
			name: "register out of range",
			img: func(t *testing.T) []byte {
				return image(0, setA(t), []byte{OpMov, ModeRegReg, RegA, 8, OpNop})
			},
			kind: ErrRegisterIndexOutOfRange,
			pc:   HeaderSize + 11,
		},
		{
			name: "truncated immediate",
			img:  func(t *testing.T) []byte { return image(0, setA(t), []byte{OpMov, ModeRegInt, RegB, 1, 2}) },
			kind: ErrCodeBufferOverrun,
			pc:   HeaderSize + 11,
		},
		{
			name: "missing terminator",
			img:  func(t *testing.T) []byte { return image(0, setA(t)) },
			kind: ErrCodeBufferOverrun,
			pc:   HeaderSize + 11,
		},
		{
			name: "load past end of memory",
			img: func(t *testing.T) []byte {
				return image(0, setA(t),
					mustEncode(t, OpMov, ModeRegMem, IntReg(RegA), Mem(RegB, MemorySizeDefault-7)),
					[]byte{OpNop})
			},
			kind: ErrMemoryOutOfBounds,
			pc:   HeaderSize + 11,
		},
		{
			name: "store to negative address",
			img: func(t *testing.T) []byte {
				return image(0, setA(t),
					mustEncode(t, OpMov, ModeMemInt, Mem(RegA, -2), Imm(5)),
					[]byte{OpNop})
			},
			kind: ErrMemoryOutOfBounds,
			pc:   HeaderSize + 11,
		},
		{
			name: "step budget",
			img: func(t *testing.T) []byte {
				return image(0, setA(t), setA(t), setA(t), []byte{OpNop})
			},
			config: func(c *Config) { c.MaxSteps = 2 },
			kind:   ErrStepBudgetExceeded,
			pc:     HeaderSize + 22,
		},
		{
			name:   "data and stack exceed memory",
			img:    func(t *testing.T) []byte { return image(0x10000, []byte{OpNop}) },
			config: func(c *Config) {},
			kind:   ErrMemoryLayout,
			pc:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			if tt.config != nil {
				tt.config(&config)
			}
			machine, res, err := run(t, config, tt.img(t))
			if !errors.Is(err, tt.kind) {
				t.Fatalf("Execute() = %v, want %v", err, tt.kind)
			}

			var f *Fault
			if !errors.As(err, &f) {
				t.Fatalf("Execute() error %T is not a *Fault", err)
			}
			if f.Kind() != tt.kind {
				t.Errorf("Kind() = %v, want %v", f.Kind(), tt.kind)
			}
			if f.PC != tt.pc {
				t.Errorf("PC = %d, want %d", f.PC, tt.pc)
			}
			if res.State != Faulted || machine.State() != Faulted {
				t.Errorf("State = %v, want faulted", res.State)
			}
			if res.Fault != f {
				t.Error("Result.Fault does not match returned fault")
			}

			// Only the prelude's MOV A, 1 may be visible.
			want := Snapshot{}
			if tt.kind != ErrMemoryLayout {
				want.Int[RegA] = 1
			}
			if res.Registers != want {
				t.Errorf("Registers = %+v, want %+v", res.Registers, want)
			}
			if !bytes.Equal(machine.Memory().Bytes(), make([]byte, MemorySizeDefault)) {
				t.Error("memory modified by faulting program")
			}

			// A faulted machine stays faulted.
			if err := machine.Step(); err != f {
				t.Errorf("Step() after fault = %v, want the original fault", err)
			}
		})
	}
}

// TestAddressOverflow tests that base+offset wrapping around int64 faults
// instead of landing inside memory.
func TestAddressOverflow(t *testing.T) {
	tests := []struct {
		name string
		base int64
		inst func(t *testing.T, off int64) []byte
		off  int64
	}{
		{
			name: "store through overflowing address",
			base: math.MinInt64,
			off:  math.MinInt64,
			inst: func(t *testing.T, off int64) []byte {
				return mustEncode(t, OpMov, ModeMemInt, Mem(RegA, off), Imm(7))
			},
		},
		{
			name: "store just past the negative wrap",
			base: -8,
			off:  math.MinInt64,
			inst: func(t *testing.T, off int64) []byte {
				return mustEncode(t, OpMov, ModeMemReg, Mem(RegA, off), IntReg(RegA))
			},
		},
		{
			name: "load through overflowing address",
			base: math.MinInt64,
			off:  math.MinInt64 + 16,
			inst: func(t *testing.T, off int64) []byte {
				return mustEncode(t, OpMov, ModeRegMem, IntReg(RegB), Mem(RegA, off))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := image(0,
				mustEncode(t, OpMov, ModeRegInt, IntReg(RegA), Imm(tt.base)),
				tt.inst(t, tt.off),
				[]byte{OpNop})
			machine, res, err := run(t, DefaultConfig(), img)
			if !errors.Is(err, ErrMemoryOutOfBounds) {
				t.Fatalf("Execute() = %v, want ErrMemoryOutOfBounds", err)
			}
			if res.State != Faulted {
				t.Errorf("State = %v, want faulted", res.State)
			}
			if res.Fault.PC != HeaderSize+11 {
				t.Errorf("Fault.PC = %d, want %d", res.Fault.PC, HeaderSize+11)
			}
			if b := res.Registers.Int[RegB]; b != 0 {
				t.Errorf("B = %d, want 0", b)
			}
			if !bytes.Equal(machine.Memory().Bytes(), make([]byte, MemorySizeDefault)) {
				t.Error("memory modified by faulting program")
			}
		})
	}
}

// TestUnknownOpcodeFirst tests a lone invalid opcode leaves the machine zeroed.
func TestUnknownOpcodeFirst(t *testing.T) {
	for _, op := range []byte{0x02, 0x7F, 0xFF} {
		_, res, err := run(t, DefaultConfig(), image(0, []byte{op}))
		if !errors.Is(err, ErrUnknownOpcode) {
			t.Errorf("opcode 0x%02x: Execute() = %v, want ErrUnknownOpcode", op, err)
			continue
		}
		if !res.Registers.IsZero() {
			t.Errorf("opcode 0x%02x: registers modified: %+v", op, res.Registers)
		}
		if res.Fault.Opcode != int(op) {
			t.Errorf("opcode 0x%02x: Fault.Opcode = 0x%02x", op, res.Fault.Opcode)
		}
	}
}

// TestDataInitialiser tests data bytes are copied to offset 0 and that the
// reset between runs clears them.
func TestDataInitialiser(t *testing.T) {
	machine, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	init := binary.LittleEndian.AppendUint64(nil, 0x1122334455667788)
	p := &Program{
		DataSize: 16,
		Data:     init,
		Code: image(16,
			mustEncode(t, OpMov, ModeRegMem, IntReg(RegC), Mem(RegIP, 0)),
			[]byte{OpNop}),
	}
	res, err := machine.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if res.Registers.Int[RegC] != 0x1122334455667788 {
		t.Errorf("C = 0x%x, want 0x1122334455667788", res.Registers.Int[RegC])
	}
	if machine.Memory().Region(0) != RegionData || machine.Memory().Region(16) != RegionStack {
		t.Errorf("Region() misclassifies data/stack boundary")
	}

	// Second run on the same instance starts from a clean state.
	p2, _ := ParseProgram(image(0, []byte{OpNop}))
	res, err = machine.Execute(context.Background(), p2)
	if err != nil {
		t.Fatalf("second Execute() failed: %v", err)
	}
	if !res.Registers.IsZero() {
		t.Errorf("registers not reset: %+v", res.Registers)
	}
	if v, _ := machine.Memory().LoadInt(0); v != 0 {
		t.Errorf("memory not reset: mem[0] = 0x%x", v)
	}

	// Initialiser larger than the data region.
	p3 := &Program{DataSize: 4, Data: init, Code: image(4, []byte{OpNop})}
	if _, err := machine.Execute(context.Background(), p3); !errors.Is(err, ErrMemoryLayout) {
		t.Errorf("Execute() = %v, want ErrMemoryLayout", err)
	}
}

// TestInterrupted tests a cancelled context stops the run.
func TestInterrupted(t *testing.T) {
	machine, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	p, _ := ParseProgram(image(0, []byte{OpNop}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = machine.Execute(ctx, p)
	if !errors.Is(err, ErrInterrupted) {
		t.Errorf("Execute() = %v, want ErrInterrupted", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Execute() = %v, want to wrap context.Canceled", err)
	}
}

// TestTrace tests the trace hook sees every applied instruction.
func TestTrace(t *testing.T) {
	var events []TraceEvent
	config := DefaultConfig()
	config.Trace = func(ev TraceEvent) { events = append(events, ev) }

	img := image(0,
		mustEncode(t, OpMov, ModeRegInt, IntReg(RegA), Imm(42)),
		mustEncode(t, OpMov, ModeRegReg, IntReg(RegB), IntReg(RegA)),
		[]byte{OpNop})
	if _, _, err := run(t, config, img); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("got %d trace events, want 2", len(events))
	}
	if events[0].PC != HeaderSize || events[0].Mode != ModeRegInt || events[0].Name != "MOV" {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[1].PC != HeaderSize+11 || events[1].Operands[1].Reg != RegA {
		t.Errorf("events[1] = %+v", events[1])
	}
}

// TestFatal tests the fault diagnostic output.
func TestFatal(t *testing.T) {
	_, _, err := run(t, DefaultConfig(), image(0, []byte{0xEE}))

	var buf bytes.Buffer
	if code := Fatal(&buf, err); code != 1 {
		t.Errorf("Fatal() = %d, want 1", code)
	}
	out := buf.String()
	for _, want := range []string{"unknown opcode", "pc:     0x0004", "opcode: 0xee"} {
		if !strings.Contains(out, want) {
			t.Errorf("Fatal() output missing %q:\n%s", want, out)
		}
	}
}

// TestParseProgram tests header parsing.
func TestParseProgram(t *testing.T) {
	if _, err := ParseProgram([]byte{0, 0, 0}); !errors.Is(err, ErrBadHeader) {
		t.Errorf("ParseProgram(short) = %v, want ErrBadHeader", err)
	}

	p, err := ParseProgram([]byte{0x10, 0x01, 0, 0, OpNop})
	if err != nil {
		t.Fatalf("ParseProgram() failed: %v", err)
	}
	if p.DataSize != 0x110 {
		t.Errorf("DataSize = 0x%x, want 0x110", p.DataSize)
	}
	if !bytes.Equal(p.Instructions(), []byte{OpNop}) {
		t.Errorf("Instructions() = %x, want 00", p.Instructions())
	}
}
