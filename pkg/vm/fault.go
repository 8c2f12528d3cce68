package vm

import (
	"errors"
	"fmt"
	"io"
)

// Fault kinds. Every fault wraps exactly one of these.
var (
	ErrUnknownOpcode           = errors.New("unknown opcode")
	ErrUnknownMode             = errors.New("unknown mode")
	ErrRegisterIndexOutOfRange = errors.New("register index out of range")
	ErrMemoryOutOfBounds       = errors.New("memory access out of bounds")
	ErrCodeBufferOverrun       = errors.New("code buffer overrun")
	ErrStepBudgetExceeded      = errors.New("step budget exceeded")
	ErrMemoryLayout            = errors.New("invalid memory layout")
	ErrBadHeader               = errors.New("bad program header")
	ErrInterrupted             = errors.New("execution interrupted")
)

var faultKinds = []error{
	ErrUnknownOpcode,
	ErrUnknownMode,
	ErrRegisterIndexOutOfRange,
	ErrMemoryOutOfBounds,
	ErrCodeBufferOverrun,
	ErrStepBudgetExceeded,
	ErrMemoryLayout,
	ErrBadHeader,
	ErrInterrupted,
}

// Fault is an unrecoverable execution error. The instruction that raised
// it has no observable effect.
type Fault struct {
	Err    error  // Wraps one of the fault kinds
	PC     int    // Offset of the faulting instruction
	Opcode int    // -1 when the opcode was never read
	Step   uint64 // Instructions retired before the fault
}

func (f *Fault) Error() string {
	if f.Opcode < 0 {
		return fmt.Sprintf("vm fault at pc 0x%04x: %v", f.PC, f.Err)
	}
	return fmt.Sprintf("vm fault at pc 0x%04x (opcode 0x%02x): %v", f.PC, f.Opcode, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Kind returns the fault kind sentinel, or nil if the wrapped error is
// not a known kind.
func (f *Fault) Kind() error {
	for _, k := range faultKinds {
		if errors.Is(f.Err, k) {
			return k
		}
	}
	return nil
}

// KindName returns the text of the fault kind, "unknown" if none.
func (f *Fault) KindName() string {
	if k := f.Kind(); k != nil {
		return k.Error()
	}
	return "unknown"
}

// Fatal writes a diagnostic for err to w and returns the process exit
// status the host should terminate with.
func Fatal(w io.Writer, err error) int {
	var f *Fault
	if !errors.As(err, &f) {
		fmt.Fprintf(w, "vm: %v\n", err)
		return 1
	}

	fmt.Fprintf(w, "**** VM FAULT ****\n")
	fmt.Fprintf(w, "kind:   %s\n", f.KindName())
	fmt.Fprintf(w, "pc:     0x%04x\n", f.PC)
	if f.Opcode >= 0 {
		fmt.Fprintf(w, "opcode: 0x%02x\n", f.Opcode)
	}
	fmt.Fprintf(w, "step:   %d\n", f.Step)
	fmt.Fprintf(w, "detail: %v\n", f.Err)
	return 1
}
