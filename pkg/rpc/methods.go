package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/fortiblox/bytevm/pkg/asm"
	"github.com/fortiblox/bytevm/pkg/executor"
	"github.com/fortiblox/bytevm/pkg/loader"
	"github.com/fortiblox/bytevm/pkg/programstore"
	"github.com/fortiblox/bytevm/pkg/runstore"
	"github.com/fortiblox/bytevm/pkg/vm"
)

// Version constants.
const (
	BytevmCore = "bytevm-1.0.0"
	ISAVersion = 1
)

// List limits.
const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// parseArgs splits positional params. Missing params are an empty list.
func parseArgs(params json.RawMessage) ([]json.RawMessage, *RPCError) {
	var args []json.RawMessage
	if len(params) == 0 || string(params) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, InvalidParamsError("invalid params")
	}
	return args, nil
}

// parseConfig decodes the optional config object at args[i].
func parseConfig(args []json.RawMessage, i int, cfg interface{}) *RPCError {
	if len(args) <= i || string(args[i]) == "null" {
		return nil
	}
	if err := json.Unmarshal(args[i], cfg); err != nil {
		return InvalidParamsError("invalid config")
	}
	return nil
}

// parseString decodes the required string argument at args[0].
func parseString(args []json.RawMessage, what string) (string, *RPCError) {
	if len(args) < 1 {
		return "", InvalidParamsErrorf("missing %s parameter", what)
	}
	var s string
	if err := json.Unmarshal(args[0], &s); err != nil {
		return "", InvalidParamsErrorf("invalid %s", what)
	}
	return s, nil
}

func parseEncoding(enc Encoding) (Encoding, *RPCError) {
	e, ok := ParseEncoding(string(enc))
	if !ok {
		return "", InvalidParamsErrorf("unsupported encoding: %s", enc)
	}
	return e, nil
}

// loadProgram decodes and parses an encoded image.
func (s *Server) loadProgram(encoded string, enc Encoding) (*vm.Program, *RPCError) {
	data, err := DecodeProgram(encoded, enc)
	if err != nil {
		return nil, InvalidParamsErrorf("invalid %s program data: %v", enc, err)
	}
	p, err := s.loader.Load(data)
	if err != nil {
		return nil, InvalidProgramError(err)
	}
	return p, nil
}

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func floatRegisters(regs vm.Snapshot) map[string]Float {
	out := make(map[string]Float, vm.NumRegisters)
	for name, v := range regs.FloatByName() {
		out[name] = Float(v)
	}
	return out
}

func faultInfo(f *vm.Fault) *FaultInfo {
	if f == nil {
		return nil
	}
	info := &FaultInfo{
		Kind:    f.KindName(),
		PC:      f.PC,
		Step:    f.Step,
		Message: f.Error(),
	}
	if f.Opcode >= 0 {
		op := f.Opcode
		info.Opcode = &op
	}
	return info
}

func executionResult(out *executor.Outcome) *ExecutionResult {
	res := out.Result
	return &ExecutionResult{
		ProgramID:      out.ProgramID.String(),
		State:          res.State.String(),
		Steps:          res.Steps,
		PC:             uint64(res.PC),
		Registers:      res.Registers.IntByName(),
		FloatRegisters: floatRegisters(res.Registers),
		StateHash:      out.StateHash.Hex(),
		Seq:            out.Seq,
		ElapsedMicros:  out.Elapsed.Microseconds(),
		Fault:          faultInfo(res.Fault),
	}
}

// finish converts an execution outcome into a method result.
func finish(out *executor.Outcome, err error) (interface{}, *RPCError) {
	if out == nil {
		return nil, storeError("", err)
	}
	if err != nil {
		return nil, InternalServerErrorf("%v", err)
	}
	result := executionResult(out)
	if out.Faulted() {
		return nil, ProgramFaultedError(result)
	}
	return result, nil
}

func programInfo(rec *programstore.Record) ProgramInfo {
	return ProgramInfo{
		ID:         rec.ID.String(),
		Name:       rec.Name,
		DataSize:   rec.DataSize,
		Size:       rec.Size(),
		DeployedAt: rec.DeployedAt,
	}
}

func runInfo(r *runstore.Run) *RunInfo {
	snap := vm.Snapshot{Int: r.Int, Float: r.Float}
	return &RunInfo{
		Seq:            r.Seq,
		ProgramID:      r.ProgramID.String(),
		State:          r.State.String(),
		Steps:          r.Steps,
		PC:             r.PC,
		Registers:      snap.IntByName(),
		FloatRegisters: floatRegisters(snap),
		StateHash:      r.StateHash.Hex(),
		StartedAt:      r.StartedAt.UnixMilli(),
		DurationMicros: r.Duration.Microseconds(),
		FaultKind:      r.FaultKind,
		Fault:          r.Fault,
	}
}

// Execution Methods

// execute runs an inline program image.
func (s *Server) execute(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [program, config?]
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	encoded, rpcErr := parseString(args, "program")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var cfg ExecuteConfig
	if rpcErr := parseConfig(args, 1, &cfg); rpcErr != nil {
		return nil, rpcErr
	}
	enc, rpcErr := parseEncoding(cfg.Encoding)
	if rpcErr != nil {
		return nil, rpcErr
	}

	p, rpcErr := s.loadProgram(encoded, enc)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return finish(s.exec.Execute(ctx, p, cfg.MaxSteps))
}

// runProgram runs a deployed program by ID or name.
func (s *Server) runProgram(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [id_or_name, config?]
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	ref, rpcErr := parseString(args, "program id")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var cfg RunConfig
	if rpcErr := parseConfig(args, 1, &cfg); rpcErr != nil {
		return nil, rpcErr
	}

	out, err := s.exec.ExecuteStored(ctx, ref, cfg.MaxSteps)
	if out == nil {
		return nil, storeError(ref, err)
	}
	return finish(out, err)
}

// assemble assembles source text into an encoded image.
func (s *Server) assemble(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [source, config?]
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	source, rpcErr := parseString(args, "source")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var cfg ProgramConfig
	if rpcErr := parseConfig(args, 1, &cfg); rpcErr != nil {
		return nil, rpcErr
	}
	enc, rpcErr := parseEncoding(cfg.Encoding)
	if rpcErr != nil {
		return nil, rpcErr
	}

	p, err := asm.Assemble("request.s", source)
	if err != nil {
		return nil, InvalidProgramError(err)
	}
	image, err := loader.Encode(p, false)
	if err != nil {
		return nil, InternalServerErrorf("encode program: %v", err)
	}
	id, err := programstore.ComputeID(p)
	if err != nil {
		return nil, InternalServerErrorf("program id: %v", err)
	}
	encoded, err := EncodeProgram(image, enc)
	if err != nil {
		return nil, InternalServerErrorf("%v", err)
	}
	return AssembleResult{
		ProgramID: id.String(),
		Program:   encoded,
		Size:      len(image),
	}, nil
}

// disassemble decodes an inline program image.
func (s *Server) disassemble(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [program, config?]
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	encoded, rpcErr := parseString(args, "program")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var cfg ExecuteConfig
	if rpcErr := parseConfig(args, 1, &cfg); rpcErr != nil {
		return nil, rpcErr
	}
	enc, rpcErr := parseEncoding(cfg.Encoding)
	if rpcErr != nil {
		return nil, rpcErr
	}

	p, rpcErr := s.loadProgram(encoded, enc)
	if rpcErr != nil {
		return nil, rpcErr
	}
	entries, err := asm.Disassemble(p.Code)
	if err != nil {
		return nil, InvalidProgramError(err)
	}

	result := DisassemblyResult{
		DataSize: p.DataSize,
		Lines:    make([]DisassemblyLine, 0, len(entries)),
	}
	decoded := true
	for _, e := range entries {
		line := DisassemblyLine{
			Offset: e.Offset,
			Bytes:  hex.EncodeToString(e.Raw),
			Text:   e.Text,
		}
		if e.Err != nil {
			line.Error = e.Err.Error()
			decoded = false
		}
		result.Lines = append(result.Lines, line)
	}
	if decoded {
		if src, err := asm.Source(p); err == nil {
			result.Source = src
		}
	}
	return result, nil
}

// Program Methods

// deployProgram stores a program, optionally under a name.
func (s *Server) deployProgram(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if s.programs == nil {
		return nil, ErrStoreUnavailable
	}

	// Parse params: [program, config?]
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	encoded, rpcErr := parseString(args, "program")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var cfg DeployConfig
	if rpcErr := parseConfig(args, 1, &cfg); rpcErr != nil {
		return nil, rpcErr
	}
	enc, rpcErr := parseEncoding(cfg.Encoding)
	if rpcErr != nil {
		return nil, rpcErr
	}

	p, rpcErr := s.loadProgram(encoded, enc)
	if rpcErr != nil {
		return nil, rpcErr
	}
	rec, err := s.programs.Put(p, cfg.Name)
	if err != nil {
		return nil, storeError(cfg.Name, err)
	}
	return programInfo(rec), nil
}

// getProgram returns a deployed program and its image.
func (s *Server) getProgram(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	// Parse params: [id_or_name, config?]
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	ref, rpcErr := parseString(args, "program id")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var cfg ProgramConfig
	if rpcErr := parseConfig(args, 1, &cfg); rpcErr != nil {
		return nil, rpcErr
	}
	enc, rpcErr := parseEncoding(cfg.Encoding)
	if rpcErr != nil {
		return nil, rpcErr
	}

	rec, err := s.exec.Resolve(ref)
	if err != nil {
		return nil, storeError(ref, err)
	}
	image, err := loader.Encode(rec.Program(), false)
	if err != nil {
		return nil, InternalServerErrorf("encode program: %v", err)
	}
	info := programInfo(rec)
	if info.Program, err = EncodeProgram(image, enc); err != nil {
		return nil, InternalServerErrorf("%v", err)
	}
	return info, nil
}

// listPrograms lists deployed programs.
func (s *Server) listPrograms(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if s.programs == nil {
		return nil, ErrStoreUnavailable
	}

	// Parse params: [config?]
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var cfg ListConfig
	if rpcErr := parseConfig(args, 0, &cfg); rpcErr != nil {
		return nil, rpcErr
	}

	recs, err := s.programs.List(listLimit(cfg.Limit))
	if err != nil {
		return nil, storeError("", err)
	}
	infos := make([]ProgramInfo, 0, len(recs))
	for _, rec := range recs {
		infos = append(infos, programInfo(rec))
	}
	return infos, nil
}

// Run Methods

// getRun returns a recorded run by sequence number.
func (s *Server) getRun(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if s.runs == nil {
		return nil, ErrStoreUnavailable
	}

	// Parse params: [seq]
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing seq parameter")
	}
	var seq uint64
	if err := json.Unmarshal(args[0], &seq); err != nil {
		return nil, InvalidParamsError("invalid seq")
	}

	r, err := s.runs.Get(seq)
	if errors.Is(err, runstore.ErrRunNotFound) {
		return nil, RunNotFoundError(seq)
	}
	if err != nil {
		return nil, storeError("", err)
	}
	return runInfo(r), nil
}

// getRuns returns the most recent runs, newest first.
func (s *Server) getRuns(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if s.runs == nil {
		return nil, ErrStoreUnavailable
	}

	// Parse params: [config?]
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var cfg ListConfig
	if rpcErr := parseConfig(args, 0, &cfg); rpcErr != nil {
		return nil, rpcErr
	}

	runs, err := s.runs.Latest(listLimit(cfg.Limit))
	if err != nil {
		return nil, storeError("", err)
	}
	infos := make([]*RunInfo, 0, len(runs))
	for _, r := range runs {
		infos = append(infos, runInfo(r))
	}
	return infos, nil
}

// Node Methods

// getHealth returns the node health.
func (s *Server) getHealth(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if !s.IsHealthy() {
		return nil, ErrNodeUnhealthy
	}
	return "ok", nil
}

// getVersion returns the node version.
func (s *Server) getVersion(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return VersionInfo{
		BytevmCore: BytevmCore,
		ISA:        ISAVersion,
	}, nil
}

// getStats returns store statistics.
func (s *Server) getStats(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	var stats StoreStats
	if s.programs != nil {
		ps, err := s.programs.GetStats()
		if err != nil {
			return nil, storeError("", err)
		}
		stats.ProgramCount = ps.ProgramCount
		stats.DatabaseSize = ps.DatabaseSize
	}
	if s.runs != nil {
		stats.LastRun = s.runs.LastSeq()
	}
	return stats, nil
}
