package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RegisterKind selects the integer or float register namespace.
type RegisterKind uint8

const (
	Int RegisterKind = iota
	Float
)

var registerNames = [NumRegisters]string{"ip", "sp", "bp", "a", "b", "c", "d", "e"}

// RegisterName returns the assembler name of an integer register.
func RegisterName(r uint8) string {
	if r < NumRegisters {
		return registerNames[r]
	}
	return fmt.Sprintf("r%d", r)
}

// FloatRegisterName returns the assembler name of a float register.
func FloatRegisterName(r uint8) string {
	return fmt.Sprintf("f%d", r)
}

// ParseRegister resolves an integer or float register name.
func ParseRegister(name string) (uint8, RegisterKind, bool) {
	name = strings.ToLower(name)
	for i, n := range registerNames {
		if n == name {
			return uint8(i), Int, true
		}
	}
	if len(name) == 2 && name[0] == 'f' && name[1] >= '0' && name[1] < '0'+NumRegisters {
		return name[1] - '0', Float, true
	}
	return 0, Int, false
}

// RegisterFile holds the integer and float register arrays. IP, SP and BP
// live in the integer array and are reserved by convention.
type RegisterFile struct {
	ints   [NumRegisters]int64
	floats [NumRegisters]float64
}

func checkIndex(i uint8) error {
	if i >= NumRegisters {
		return fmt.Errorf("%w: register %d", ErrRegisterIndexOutOfRange, i)
	}
	return nil
}

// Int returns integer register i.
func (rf *RegisterFile) Int(i uint8) (int64, error) {
	if err := checkIndex(i); err != nil {
		return 0, err
	}
	return rf.ints[i], nil
}

// SetInt writes integer register i.
func (rf *RegisterFile) SetInt(i uint8, v int64) error {
	if err := checkIndex(i); err != nil {
		return err
	}
	rf.ints[i] = v
	return nil
}

// Float returns float register i.
func (rf *RegisterFile) Float(i uint8) (float64, error) {
	if err := checkIndex(i); err != nil {
		return 0, err
	}
	return rf.floats[i], nil
}

// SetFloat writes float register i.
func (rf *RegisterFile) SetFloat(i uint8, v float64) error {
	if err := checkIndex(i); err != nil {
		return err
	}
	rf.floats[i] = v
	return nil
}

// Get reads register i from the namespace selected by kind. Float values
// are returned as their IEEE-754 bit pattern.
func (rf *RegisterFile) Get(i uint8, kind RegisterKind) (uint64, error) {
	if kind == Float {
		f, err := rf.Float(i)
		return math.Float64bits(f), err
	}
	v, err := rf.Int(i)
	return uint64(v), err
}

// Set is the inverse of Get.
func (rf *RegisterFile) Set(i uint8, kind RegisterKind, bits uint64) error {
	if kind == Float {
		return rf.SetFloat(i, math.Float64frombits(bits))
	}
	return rf.SetInt(i, int64(bits))
}

// Reset zeroes every register.
func (rf *RegisterFile) Reset() {
	*rf = RegisterFile{}
}

// Snapshot is a read-only copy of the register file for diagnostics.
type Snapshot struct {
	Int   [NumRegisters]int64
	Float [NumRegisters]float64
}

// Snapshot copies the register file.
func (rf *RegisterFile) Snapshot() Snapshot {
	return Snapshot{Int: rf.ints, Float: rf.floats}
}

// IntByName maps integer register names to values.
func (s Snapshot) IntByName() map[string]int64 {
	m := make(map[string]int64, NumRegisters)
	for i, v := range s.Int {
		m[registerNames[i]] = v
	}
	return m
}

// FloatByName maps float register names to values.
func (s Snapshot) FloatByName() map[string]float64 {
	m := make(map[string]float64, NumRegisters)
	for i, v := range s.Float {
		m[FloatRegisterName(uint8(i))] = v
	}
	return m
}

// IsZero reports whether every register is zero.
func (s Snapshot) IsZero() bool {
	return s == Snapshot{}
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}
