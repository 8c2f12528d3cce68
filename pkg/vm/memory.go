package vm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Memory layout defaults.
const (
	MemorySizeDefault = 0x10000 // 64 KiB, includes stack and data
	StackSizeDefault  = 0x1000  // 4 KiB
)

// Region names an area of the flat memory buffer.
type Region uint8

const (
	RegionData Region = iota
	RegionStack
	RegionHeap
	RegionOutside
)

func (r Region) String() string {
	switch r {
	case RegionData:
		return "data"
	case RegionStack:
		return "stack"
	case RegionHeap:
		return "heap"
	default:
		return "outside"
	}
}

// Memory is a flat byte buffer split into data, stack and heap regions:
//
//	[0, dataSize)                      data
//	[dataSize, dataSize+stackSize)     stack
//	[dataSize+stackSize, len(buf))     heap
type Memory struct {
	buf       []byte
	dataSize  uint64
	stackSize uint64
}

// NewMemory allocates size bytes with the given stack reservation.
func NewMemory(size, stackSize uint64) (*Memory, error) {
	if stackSize > size {
		return nil, fmt.Errorf("%w: stack size %d exceeds memory size %d", ErrMemoryLayout, stackSize, size)
	}
	return &Memory{
		buf:       make([]byte, size),
		stackSize: stackSize,
	}, nil
}

// Layout zeroes memory and partitions it for a program with dataSize bytes
// of data. The optional init bytes are copied to offset 0.
func (m *Memory) Layout(dataSize uint64, init []byte) error {
	size := uint64(len(m.buf))
	if dataSize > size || m.stackSize > size-dataSize {
		return fmt.Errorf("%w: data %d + stack %d exceeds memory size %d", ErrMemoryLayout, dataSize, m.stackSize, size)
	}
	if uint64(len(init)) > dataSize {
		return fmt.Errorf("%w: data initialiser %d bytes exceeds data size %d", ErrMemoryLayout, len(init), dataSize)
	}
	clear(m.buf)
	copy(m.buf, init)
	m.dataSize = dataSize
	return nil
}

// Size returns the total memory size in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.buf))
}

// DataSize returns the size of the data region.
func (m *Memory) DataSize() uint64 {
	return m.dataSize
}

// StackSize returns the size of the stack region.
func (m *Memory) StackSize() uint64 {
	return m.stackSize
}

// StackBase returns the first address of the stack region.
func (m *Memory) StackBase() uint64 {
	return m.dataSize
}

// HeapBase returns the first address of the heap region.
func (m *Memory) HeapBase() uint64 {
	return m.dataSize + m.stackSize
}

// Region classifies an address.
func (m *Memory) Region(addr int64) Region {
	switch {
	case addr < 0 || uint64(addr) >= m.Size():
		return RegionOutside
	case uint64(addr) < m.dataSize:
		return RegionData
	case uint64(addr) < m.HeapBase():
		return RegionStack
	default:
		return RegionHeap
	}
}

// translate returns the 8-byte window at addr.
func (m *Memory) translate(addr int64) ([]byte, error) {
	if addr < 0 || uint64(addr) > m.Size() || m.Size()-uint64(addr) < 8 {
		return nil, fmt.Errorf("%w: address 0x%x (size 8, memory size %d)", ErrMemoryOutOfBounds, addr, m.Size())
	}
	return m.buf[addr : addr+8], nil
}

// LoadInt reads a little-endian int64 at addr.
func (m *Memory) LoadInt(addr int64) (int64, error) {
	mem, err := m.translate(addr)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(mem)), nil
}

// LoadFloat reads a little-endian float64 at addr.
func (m *Memory) LoadFloat(addr int64) (float64, error) {
	mem, err := m.translate(addr)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(mem)), nil
}

// StoreInt writes a little-endian int64 at addr.
func (m *Memory) StoreInt(addr int64, v int64) error {
	mem, err := m.translate(addr)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(mem, uint64(v))
	return nil
}

// StoreFloat writes a little-endian float64 at addr.
func (m *Memory) StoreFloat(addr int64, v float64) error {
	mem, err := m.translate(addr)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(mem, math.Float64bits(v))
	return nil
}

// Bytes returns a copy of the whole buffer.
func (m *Memory) Bytes() []byte {
	return append([]byte(nil), m.buf...)
}
