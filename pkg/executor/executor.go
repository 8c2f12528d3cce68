// Package executor runs programs on fresh machines and records the outcome.
//
// It is the shared execution path for the JSON-RPC server, the gRPC
// service and the command line:
//   - per-request step caps and wall-clock timeouts
//   - program resolution from the program store by ID or name
//   - state hashing and run recording
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fortiblox/bytevm/internal/types"
	"github.com/fortiblox/bytevm/pkg/diag"
	"github.com/fortiblox/bytevm/pkg/programstore"
	"github.com/fortiblox/bytevm/pkg/runstore"
	"github.com/fortiblox/bytevm/pkg/vm"
)

// Executor errors.
var (
	ErrNoProgramStore  = errors.New("program store not configured")
	ErrProgramTooLarge = errors.New("program too large")
	ErrSetupFailed     = errors.New("machine setup failed")
	ErrRecordFailed    = errors.New("run not recorded")
)

// MaxProgramSize bounds the image accepted by Execute.
const MaxProgramSize = 4 * 1024 * 1024

// RunRecorder persists execution outcomes.
type RunRecorder interface {
	Append(r *runstore.Run) (uint64, error)
}

// Config holds executor configuration.
type Config struct {
	VM vm.Config

	// MaxSteps caps every execution. A request may ask for fewer steps,
	// never more. 0 means unlimited.
	MaxSteps uint64

	// Timeout bounds the wall-clock time of a single execution.
	Timeout time.Duration

	LogRuns bool
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		VM:       vm.DefaultConfig(),
		MaxSteps: 10_000_000,
		Timeout:  5 * time.Second,
	}
}

// Outcome is the result of one execution.
type Outcome struct {
	ProgramID types.ProgramID
	Result    *vm.Result
	StateHash types.Hash
	Started   time.Time
	Elapsed   time.Duration
	Seq       uint64 // Run sequence, 0 if not recorded
}

// Faulted reports whether the run ended in a fault.
func (o *Outcome) Faulted() bool {
	return o.Result.State == vm.Faulted
}

// Executor executes programs.
type Executor struct {
	config   Config
	programs programstore.Store
	runs     RunRecorder
}

// New creates an executor. programs and runs may be nil.
func New(config Config, programs programstore.Store, runs RunRecorder) *Executor {
	return &Executor{
		config:   config,
		programs: programs,
		runs:     runs,
	}
}

// Config returns the executor configuration.
func (e *Executor) Config() Config {
	return e.config
}

// StepLimit returns the effective step limit for a request.
func (e *Executor) StepLimit(requested uint64) uint64 {
	limit := e.config.MaxSteps
	if requested > 0 && (limit == 0 || requested < limit) {
		limit = requested
	}
	return limit
}

// Execute runs p on a fresh machine. A fault is reported in the outcome,
// not as an error; errors mean the execution could not take place or its
// run could not be recorded.
func (e *Executor) Execute(ctx context.Context, p *vm.Program, maxSteps uint64) (*Outcome, error) {
	if len(p.Code) > MaxProgramSize {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrProgramTooLarge, len(p.Code), MaxProgramSize)
	}

	id, err := programstore.ComputeID(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}

	cfg := e.config.VM
	cfg.MaxSteps = e.StepLimit(maxSteps)
	machine, err := vm.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}

	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	started := time.Now()
	res, _ := machine.Execute(ctx, p)
	elapsed := time.Since(started)

	out := &Outcome{
		ProgramID: id,
		Result:    res,
		StateHash: diag.StateHash(machine),
		Started:   started,
		Elapsed:   elapsed,
	}

	if e.config.LogRuns {
		if res.Fault != nil {
			log.Printf("[EXEC] %s faulted after %d steps in %v: %v", id, res.Steps, elapsed, res.Fault)
		} else {
			log.Printf("[EXEC] %s halted after %d steps in %v", id, res.Steps, elapsed)
		}
	}

	if e.runs != nil {
		seq, err := e.runs.Append(runstore.NewRun(id, res, out.StateHash, started, elapsed))
		if err != nil {
			return out, fmt.Errorf("%w: %v", ErrRecordFailed, err)
		}
		out.Seq = seq
	}
	return out, nil
}

// Resolve looks up a deployed program by base58 ID or by name.
func (e *Executor) Resolve(ref string) (*programstore.Record, error) {
	if e.programs == nil {
		return nil, ErrNoProgramStore
	}
	if id, err := types.ParseProgramID(ref); err == nil {
		rec, err := e.programs.Get(id)
		if err == nil || !errors.Is(err, programstore.ErrProgramNotFound) {
			return rec, err
		}
	}
	return e.programs.GetByName(ref)
}

// ExecuteStored resolves a deployed program and executes it.
func (e *Executor) ExecuteStored(ctx context.Context, ref string, maxSteps uint64) (*Outcome, error) {
	rec, err := e.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, rec.Program(), maxSteps)
}
