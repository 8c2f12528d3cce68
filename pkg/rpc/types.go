package rpc

import (
	"encoding/json"
	"fmt"
	"math"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Encoding types for program images.
type Encoding string

const (
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
)

// ExecuteConfig configures execute and disassemble requests.
type ExecuteConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`
	MaxSteps uint64   `json:"maxSteps,omitempty"`
}

// DeployConfig configures deployProgram requests.
type DeployConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`
	Name     string   `json:"name,omitempty"`
}

// ProgramConfig configures getProgram requests.
type ProgramConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`
}

// RunConfig configures runProgram requests.
type RunConfig struct {
	MaxSteps uint64 `json:"maxSteps,omitempty"`
}

// ListConfig configures listPrograms and getRuns requests.
type ListConfig struct {
	Limit int `json:"limit,omitempty"`
}

// Float is a float64 that encodes non-finite values as strings, which
// plain JSON numbers cannot represent.
type Float float64

// MarshalJSON implements json.Marshaler.
func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Infinity"`), nil
	}
	return json.Marshal(v)
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Float) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case "NaN":
			*f = Float(math.NaN())
		case "Infinity":
			*f = Float(math.Inf(1))
		case "-Infinity":
			*f = Float(math.Inf(-1))
		default:
			return fmt.Errorf("invalid float %q", s)
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// FaultInfo describes a fault.
type FaultInfo struct {
	Kind    string `json:"kind"`
	PC      int    `json:"pc"`
	Opcode  *int   `json:"opcode,omitempty"`
	Step    uint64 `json:"step"`
	Message string `json:"message"`
}

// ExecutionResult is returned by execute and runProgram.
type ExecutionResult struct {
	ProgramID      string           `json:"programId"`
	State          string           `json:"state"`
	Steps          uint64           `json:"steps"`
	PC             uint64           `json:"pc"`
	Registers      map[string]int64 `json:"registers"`
	FloatRegisters map[string]Float `json:"floatRegisters"`
	StateHash      string           `json:"stateHash"`
	Seq            uint64           `json:"seq,omitempty"`
	ElapsedMicros  int64            `json:"elapsedUs"`
	Fault          *FaultInfo       `json:"fault,omitempty"`
}

// ProgramInfo describes a deployed program.
type ProgramInfo struct {
	ID         string   `json:"id"`
	Name       string   `json:"name,omitempty"`
	DataSize   uint32   `json:"dataSize"`
	Size       int      `json:"size"`
	DeployedAt int64    `json:"deployedAt"`
	Program    []string `json:"program,omitempty"` // [encoded_image, encoding]
}

// RunInfo describes a recorded run.
type RunInfo struct {
	Seq            uint64           `json:"seq"`
	ProgramID      string           `json:"programId"`
	State          string           `json:"state"`
	Steps          uint64           `json:"steps"`
	PC             uint64           `json:"pc"`
	Registers      map[string]int64 `json:"registers"`
	FloatRegisters map[string]Float `json:"floatRegisters"`
	StateHash      string           `json:"stateHash"`
	StartedAt      int64            `json:"startedAt"` // Unix milliseconds
	DurationMicros int64            `json:"durationUs"`
	FaultKind      string           `json:"faultKind,omitempty"`
	Fault          string           `json:"fault,omitempty"`
}

// DisassemblyLine is one decoded instruction.
type DisassemblyLine struct {
	Offset int    `json:"offset"`
	Bytes  string `json:"bytes"` // hex
	Text   string `json:"text"`
	Error  string `json:"error,omitempty"`
}

// AssembleResult is returned by assemble.
type AssembleResult struct {
	ProgramID string   `json:"programId"`
	Program   []string `json:"program"` // [encoded_image, encoding]
	Size      int      `json:"size"`
}

// VersionInfo represents version information.
type VersionInfo struct {
	BytevmCore string `json:"bytevm-core"`
	ISA        uint32 `json:"isa"`
}

// StoreStats is returned by getStats.
type StoreStats struct {
	ProgramCount uint64 `json:"programCount"`
	DatabaseSize int64  `json:"databaseSize"`
	LastRun      uint64 `json:"lastRun"`
}

// DisassemblyResult is returned by disassemble.
type DisassemblyResult struct {
	DataSize uint32            `json:"dataSize"`
	Lines    []DisassemblyLine `json:"lines"`
	Source   string            `json:"source,omitempty"` // Reassemblable text, empty if decoding failed
}
