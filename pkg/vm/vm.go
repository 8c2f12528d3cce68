// Package vm implements a register-based bytecode virtual machine.
//
// The machine has eight 64-bit integer registers (IP, SP, BP, A-E) and
// eight float64 registers. Programs are a 4-byte little-endian data size
// header followed by the instruction stream:
//
//	byte 0:  opcode
//	byte 1:  mode (mode-bearing opcodes only)
//	byte 2+: operands, as selected by the mode
//
// Memory is a flat buffer split into data, stack and heap regions. Every
// code read and memory access is bounds checked; any violation stops the
// machine with a *Fault.
package vm

import (
	"context"
	"encoding/binary"
	"fmt"
)

// HeaderSize is the length of the program header.
const HeaderSize = 4

// State is the engine state.
type State uint8

const (
	Running State = iota
	Halted
	Faulted
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Halted:
		return "halted"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Program is a parsed program image.
type Program struct {
	DataSize uint32 // Bytes reserved for the data region
	Data     []byte // Optional data initialiser, at most DataSize bytes
	Code     []byte // Whole image including the header
}

// ParseProgram parses a raw image: [u32 data_size][instructions...].
func ParseProgram(image []byte) (*Program, error) {
	if len(image) < HeaderSize {
		return nil, fmt.Errorf("%w: image is %d byte(s), header needs %d", ErrBadHeader, len(image), HeaderSize)
	}
	return &Program{
		DataSize: binary.LittleEndian.Uint32(image),
		Code:     image,
	}, nil
}

// Instructions returns the instruction stream without the header.
func (p *Program) Instructions() []byte {
	if len(p.Code) < HeaderSize {
		return nil
	}
	return p.Code[HeaderSize:]
}

// StepMeter bounds the number of instructions a run may retire.
type StepMeter struct {
	used  uint64
	limit uint64
}

// NewStepMeter creates a meter. A zero limit means unlimited.
func NewStepMeter(limit uint64) *StepMeter {
	return &StepMeter{limit: limit}
}

// Consume accounts for one instruction.
func (sm *StepMeter) Consume() error {
	if sm.limit > 0 && sm.used >= sm.limit {
		return fmt.Errorf("%w: limit %d", ErrStepBudgetExceeded, sm.limit)
	}
	sm.used++
	return nil
}

// Used returns the number of instructions consumed.
func (sm *StepMeter) Used() uint64 {
	return sm.used
}

// Remaining returns the remaining budget, or 0 if unlimited.
func (sm *StepMeter) Remaining() uint64 {
	if sm.limit == 0 {
		return 0
	}
	return sm.limit - sm.used
}

// TraceEvent describes one decoded instruction about to be applied.
type TraceEvent struct {
	Step     uint64
	PC       int
	Name     string
	Mode     uint8
	Operands []Operand
}

// Config configures a VM.
type Config struct {
	MemorySize uint64
	StackSize  uint64
	MaxSteps   uint64           // 0 = unlimited
	Trace      func(TraceEvent) // Optional, called before each instruction
}

// DefaultConfig returns the default VM configuration.
func DefaultConfig() Config {
	return Config{
		MemorySize: MemorySizeDefault,
		StackSize:  StackSizeDefault,
	}
}

// VM is a single machine instance. It owns its code buffer, memory and
// registers; it must not be used from more than one goroutine at a time.
type VM struct {
	config Config

	code []byte
	dec  *Decoder
	regs RegisterFile
	mem  *Memory

	meter *StepMeter
	state State
	fault *Fault
}

// New creates a VM.
func New(config Config) (*VM, error) {
	if config.MemorySize == 0 {
		config.MemorySize = MemorySizeDefault
	}
	mem, err := NewMemory(config.MemorySize, config.StackSize)
	if err != nil {
		return nil, err
	}
	return &VM{
		config: config,
		mem:    mem,
		dec:    NewDecoder(nil, 0),
		meter:  NewStepMeter(config.MaxSteps),
		state:  Halted,
	}, nil
}

// Load binds a program: registers and memory are reset, the data region
// laid out and the cursor placed just past the header.
func (vm *VM) Load(p *Program) error {
	vm.regs.Reset()
	vm.meter = NewStepMeter(vm.config.MaxSteps)
	vm.fault = nil

	if len(p.Code) < HeaderSize {
		return vm.raise(fmt.Errorf("%w: image is %d byte(s)", ErrBadHeader, len(p.Code)), 0, -1)
	}
	if err := vm.mem.Layout(uint64(p.DataSize), p.Data); err != nil {
		return vm.raise(err, 0, -1)
	}

	vm.code = append(vm.code[:0], p.Code...)
	vm.dec = NewDecoder(vm.code, HeaderSize)
	vm.state = Running
	return nil
}

func (vm *VM) raise(err error, pc, opcode int) *Fault {
	vm.fault = &Fault{Err: err, PC: pc, Opcode: opcode, Step: vm.meter.Used()}
	vm.state = Faulted
	return vm.fault
}

// Step executes one instruction. It returns nil after NOP (the machine is
// then Halted) and a *Fault on any violation.
func (vm *VM) Step() error {
	switch vm.state {
	case Halted:
		return nil
	case Faulted:
		return vm.fault
	}

	pc := vm.dec.Pos()
	opcode := -1
	if pc < len(vm.code) {
		opcode = int(vm.code[pc])
	}

	if err := vm.meter.Consume(); err != nil {
		return vm.raise(err, pc, opcode)
	}

	ins, mode, err := vm.dec.FetchInstruction()
	if err != nil {
		vm.dec.Seek(pc)
		return vm.raise(err, pc, opcode)
	}
	if ins.Opcode == OpNop {
		vm.state = Halted
		return nil
	}

	h, ok := dispatch[dispatchKey{ins.Opcode, mode.Number}]
	if !ok {
		vm.dec.Seek(pc)
		return vm.raise(fmt.Errorf("%w: %s has no mode %d %s", ErrUnknownMode, ins.Name, mode.Number, mode), pc, opcode)
	}

	ops, err := vm.dec.DecodeOperands(mode.Operands)
	if err != nil {
		vm.dec.Seek(pc)
		return vm.raise(err, pc, opcode)
	}

	if vm.config.Trace != nil {
		vm.config.Trace(TraceEvent{
			Step:     vm.meter.Used(),
			PC:       pc,
			Name:     ins.Name,
			Mode:     mode.Number,
			Operands: ops,
		})
	}

	if err := h(vm, ops); err != nil {
		vm.dec.Seek(pc)
		return vm.raise(err, pc, opcode)
	}
	return nil
}

// Run steps until the machine halts, faults or ctx is done.
func (vm *VM) Run(ctx context.Context) error {
	for vm.state == Running {
		if err := ctx.Err(); err != nil {
			return vm.raise(fmt.Errorf("%w: %w", ErrInterrupted, err), vm.dec.Pos(), -1)
		}
		if err := vm.Step(); err != nil {
			return err
		}
	}
	if vm.state == Faulted {
		return vm.fault
	}
	return nil
}

// Result summarises one execution.
type Result struct {
	State     State
	Steps     uint64
	PC        int
	Registers Snapshot
	Fault     *Fault
}

// Execute loads p and runs it to completion. The returned Result is
// populated even when execution faults; the error is then the *Fault.
func (vm *VM) Execute(ctx context.Context, p *Program) (*Result, error) {
	err := vm.Load(p)
	if err == nil {
		err = vm.Run(ctx)
	}
	return vm.Result(), err
}

// Result returns the current execution summary.
func (vm *VM) Result() *Result {
	return &Result{
		State:     vm.state,
		Steps:     vm.meter.Used(),
		PC:        vm.dec.Pos(),
		Registers: vm.regs.Snapshot(),
		Fault:     vm.fault,
	}
}

// State returns the engine state.
func (vm *VM) State() State {
	return vm.state
}

// PC returns the instruction cursor (offset into the image).
func (vm *VM) PC() int {
	return vm.dec.Pos()
}

// Registers returns a copy of the register file.
func (vm *VM) Registers() Snapshot {
	return vm.regs.Snapshot()
}

// Memory returns the machine memory. Callers outside the engine must only
// read from it.
func (vm *VM) Memory() *Memory {
	return vm.mem
}

// Steps returns the number of instructions retired in the current run.
func (vm *VM) Steps() uint64 {
	return vm.meter.Used()
}
