package runstore

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/fortiblox/bytevm/internal/types"
	"github.com/fortiblox/bytevm/pkg/vm"
)

var (
	// ErrRunNotFound is returned when a run doesn't exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("run store closed")

	// ErrInvalidData is returned when a stored run cannot be decoded.
	ErrInvalidData = errors.New("invalid run data")
)

// Run is the recorded outcome of one execution.
type Run struct {
	Seq       uint64 // Assigned by the store
	ProgramID types.ProgramID
	State     vm.State
	Steps     uint64
	PC        uint64
	Int       [vm.NumRegisters]int64
	Float     [vm.NumRegisters]float64
	StateHash types.Hash
	StartedAt time.Time
	Duration  time.Duration
	FaultKind string // Empty unless State is Faulted
	Fault     string
}

// NewRun builds a Run from an execution result.
func NewRun(id types.ProgramID, res *vm.Result, stateHash types.Hash, started time.Time, elapsed time.Duration) *Run {
	r := &Run{
		ProgramID: id,
		State:     res.State,
		Steps:     res.Steps,
		PC:        uint64(res.PC),
		Int:       res.Registers.Int,
		Float:     res.Registers.Float,
		StateHash: stateHash,
		StartedAt: started,
		Duration:  elapsed,
	}
	if res.Fault != nil {
		r.FaultKind = res.Fault.KindName()
		r.Fault = res.Fault.Error()
	}
	return r
}

// fixedSize is the encoded size without the two strings.
const fixedSize = 8 + 32 + 1 + 8 + 8 + 8*vm.NumRegisters*2 + 32 + 8 + 8 + 2 + 4

// Serialize encodes a run in a compact little-endian layout.
func (r *Run) Serialize() []byte {
	buf := make([]byte, 0, fixedSize+len(r.FaultKind)+len(r.Fault))

	buf = binary.LittleEndian.AppendUint64(buf, r.Seq)
	buf = append(buf, r.ProgramID[:]...)
	buf = append(buf, byte(r.State))
	buf = binary.LittleEndian.AppendUint64(buf, r.Steps)
	buf = binary.LittleEndian.AppendUint64(buf, r.PC)
	for _, v := range r.Int {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v))
	}
	for _, f := range r.Float {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(f))
	}
	buf = append(buf, r.StateHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.StartedAt.UnixNano()))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Duration))

	kind := r.FaultKind
	if len(kind) > math.MaxUint16 {
		kind = kind[:math.MaxUint16]
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(kind)))
	buf = append(buf, kind...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Fault)))
	buf = append(buf, r.Fault...)
	return buf
}

// DeserializeRun decodes a run from bytes.
func DeserializeRun(data []byte) (*Run, error) {
	if len(data) < fixedSize {
		return nil, ErrInvalidData
	}

	r := &Run{}
	offset := 0
	next := func() uint64 {
		v := binary.LittleEndian.Uint64(data[offset:])
		offset += 8
		return v
	}

	r.Seq = next()
	copy(r.ProgramID[:], data[offset:offset+32])
	offset += 32
	r.State = vm.State(data[offset])
	offset++
	r.Steps = next()
	r.PC = next()
	for i := range r.Int {
		r.Int[i] = int64(next())
	}
	for i := range r.Float {
		r.Float[i] = math.Float64frombits(next())
	}
	copy(r.StateHash[:], data[offset:offset+32])
	offset += 32
	r.StartedAt = time.Unix(0, int64(next()))
	r.Duration = time.Duration(next())

	kindLen := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2
	if len(data)-offset < kindLen+4 {
		return nil, ErrInvalidData
	}
	r.FaultKind = string(data[offset : offset+kindLen])
	offset += kindLen

	faultLen := uint64(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4
	if uint64(len(data)-offset) != faultLen {
		return nil, ErrInvalidData
	}
	r.Fault = string(data[offset:])
	return r, nil
}
