package remote

import (
	"math"

	"github.com/fortiblox/bytevm/pkg/executor"
	"github.com/fortiblox/bytevm/pkg/vm"
)

// ExecuteRequest asks the service to run a program. Exactly one of Image
// and Program is set.
type ExecuteRequest struct {
	Image    []byte `json:"image,omitempty"`   // Raw image or container
	Program  string `json:"program,omitempty"` // Deployed program ID or name
	MaxSteps uint64 `json:"maxSteps,omitempty"`
}

// Fault describes the fault that stopped a run.
type Fault struct {
	Kind    string `json:"kind"`
	PC      int    `json:"pc"`
	Opcode  int    `json:"opcode"` // -1 when no opcode was read
	Step    uint64 `json:"step"`
	Message string `json:"message"`
}

// ExecuteResponse is the outcome of a run. A faulted run is a successful
// call with Fault set.
type ExecuteResponse struct {
	ProgramID string                  `json:"programId"`
	State     string                  `json:"state"`
	Steps     uint64                  `json:"steps"`
	PC        uint64                  `json:"pc"`
	Int       [vm.NumRegisters]int64  `json:"int"`
	Float     [vm.NumRegisters]uint64 `json:"float"` // IEEE-754 bits
	Fault     *Fault                  `json:"fault,omitempty"`
	StateHash string                  `json:"stateHash"` // hex
	Seq       uint64                  `json:"seq,omitempty"`
}

// Floats returns the float registers as values.
func (r *ExecuteResponse) Floats() [vm.NumRegisters]float64 {
	var out [vm.NumRegisters]float64
	for i, bits := range r.Float {
		out[i] = math.Float64frombits(bits)
	}
	return out
}

// Faulted reports whether the run ended in a fault.
func (r *ExecuteResponse) Faulted() bool {
	return r.Fault != nil
}

func newExecuteResponse(out *executor.Outcome) *ExecuteResponse {
	res := out.Result
	resp := &ExecuteResponse{
		ProgramID: out.ProgramID.String(),
		State:     res.State.String(),
		Steps:     res.Steps,
		PC:        uint64(res.PC),
		Int:       res.Registers.Int,
		StateHash: out.StateHash.Hex(),
		Seq:       out.Seq,
	}
	for i, f := range res.Registers.Float {
		resp.Float[i] = math.Float64bits(f)
	}
	if f := res.Fault; f != nil {
		resp.Fault = &Fault{
			Kind:    f.KindName(),
			PC:      f.PC,
			Opcode:  f.Opcode,
			Step:    f.Step,
			Message: f.Error(),
		}
	}
	return resp
}
