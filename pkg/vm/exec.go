package vm

import "fmt"

// Instruction semantics. Each handler reads all of its inputs first and
// performs at most one register or memory write, so a fault leaves no
// visible effect.

type dispatchKey struct {
	op   uint8
	mode uint8
}

type handler func(vm *VM, ops []Operand) error

var dispatch = map[dispatchKey]handler{
	{OpMov, ModeRegInt}:   movRegInt,
	{OpMov, ModeRegFloat}: movRegFloat,
	{OpMov, ModeRegReg}:   movRegReg,
	{OpMov, ModeRegMem}:   movRegMem,
	{OpMov, ModeMemReg}:   movMemReg,
	{OpMov, ModeMemInt}:   movMemInt,
	{OpMov, ModeFRegFReg}: movFRegFReg,
	{OpMov, ModeFRegMem}:  movFRegMem,
	{OpMov, ModeMemFReg}:  movMemFReg,
	{OpMov, ModeMemFloat}: movMemFloat,
}

// effectiveAddress computes base + offset for a memory-indirect operand.
func (vm *VM) effectiveAddress(op Operand) (int64, error) {
	base, err := vm.regs.Int(op.Reg)
	if err != nil {
		return 0, err
	}
	addr := base + op.Int
	if (op.Int > 0 && addr < base) || (op.Int < 0 && addr > base) {
		return 0, fmt.Errorf("%w: address %s%+d overflows", ErrMemoryOutOfBounds, RegisterName(op.Reg), op.Int)
	}
	return addr, nil
}

func movRegInt(vm *VM, ops []Operand) error {
	return vm.regs.SetInt(ops[0].Reg, ops[1].Int)
}

func movRegFloat(vm *VM, ops []Operand) error {
	return vm.regs.SetFloat(ops[0].Reg, ops[1].Float)
}

func movRegReg(vm *VM, ops []Operand) error {
	v, err := vm.regs.Int(ops[1].Reg)
	if err != nil {
		return err
	}
	return vm.regs.SetInt(ops[0].Reg, v)
}

func movFRegFReg(vm *VM, ops []Operand) error {
	v, err := vm.regs.Float(ops[1].Reg)
	if err != nil {
		return err
	}
	return vm.regs.SetFloat(ops[0].Reg, v)
}

// Loads.

func movRegMem(vm *VM, ops []Operand) error {
	addr, err := vm.effectiveAddress(ops[1])
	if err != nil {
		return err
	}
	v, err := vm.mem.LoadInt(addr)
	if err != nil {
		return err
	}
	return vm.regs.SetInt(ops[0].Reg, v)
}

func movFRegMem(vm *VM, ops []Operand) error {
	addr, err := vm.effectiveAddress(ops[1])
	if err != nil {
		return err
	}
	v, err := vm.mem.LoadFloat(addr)
	if err != nil {
		return err
	}
	return vm.regs.SetFloat(ops[0].Reg, v)
}

// Stores.

func movMemReg(vm *VM, ops []Operand) error {
	addr, err := vm.effectiveAddress(ops[0])
	if err != nil {
		return err
	}
	v, err := vm.regs.Int(ops[1].Reg)
	if err != nil {
		return err
	}
	return vm.mem.StoreInt(addr, v)
}

func movMemInt(vm *VM, ops []Operand) error {
	addr, err := vm.effectiveAddress(ops[0])
	if err != nil {
		return err
	}
	return vm.mem.StoreInt(addr, ops[1].Int)
}

func movMemFReg(vm *VM, ops []Operand) error {
	addr, err := vm.effectiveAddress(ops[0])
	if err != nil {
		return err
	}
	v, err := vm.regs.Float(ops[1].Reg)
	if err != nil {
		return err
	}
	return vm.mem.StoreFloat(addr, v)
}

func movMemFloat(vm *VM, ops []Operand) error {
	addr, err := vm.effectiveAddress(ops[0])
	if err != nil {
		return err
	}
	return vm.mem.StoreFloat(addr, ops[1].Float)
}
