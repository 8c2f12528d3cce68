package rpc

import (
	"errors"
	"fmt"

	"github.com/fortiblox/bytevm/pkg/executor"
	"github.com/fortiblox/bytevm/pkg/programstore"
	"github.com/fortiblox/bytevm/pkg/runstore"
)

// JSON-RPC 2.0 standard error codes.
const (
	// ParseError indicates invalid JSON was received.
	ParseError = -32700

	// InvalidRequest indicates the JSON sent is not a valid Request object.
	InvalidRequest = -32600

	// MethodNotFound indicates the method does not exist.
	MethodNotFound = -32601

	// InvalidParams indicates invalid method parameters.
	InvalidParams = -32602

	// InternalError indicates an internal JSON-RPC error.
	InternalError = -32603
)

// Server-specific error codes.
const (
	// NodeUnhealthy indicates the node is unhealthy.
	NodeUnhealthy = -32005

	// ProgramFaulted indicates execution stopped on a fault. The error data
	// carries the full ExecutionResult.
	ProgramFaulted = -32050

	// ProgramNotFound indicates no deployed program matches the reference.
	ProgramNotFound = -32051

	// RunNotFound indicates no run was recorded under the sequence number.
	RunNotFound = -32052

	// StoreUnavailable indicates the server runs without the needed store.
	StoreUnavailable = -32053

	// InvalidProgram indicates the image or source could not be loaded.
	InvalidProgram = -32054
)

// Common error messages.
var (
	ErrParseError       = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest   = NewRPCError(InvalidRequest, "Invalid Request")
	ErrMethodNotFound   = NewRPCError(MethodNotFound, "Method not found")
	ErrInvalidParams    = NewRPCError(InvalidParams, "Invalid params")
	ErrInternalError    = NewRPCError(InternalError, "Internal error")
	ErrNodeUnhealthy    = NewRPCError(NodeUnhealthy, "Node is unhealthy")
	ErrStoreUnavailable = NewRPCError(StoreUnavailable, "Store not configured on this node")
)

// NewRPCError creates a new RPC error.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
	}
}

// NewRPCErrorWithData creates a new RPC error with additional data.
func NewRPCErrorWithData(code int, message string, data interface{}) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// InvalidParamsError creates an invalid params error with a custom message.
func InvalidParamsError(msg string) *RPCError {
	return NewRPCError(InvalidParams, msg)
}

// InvalidParamsErrorf creates an invalid params error with a formatted message.
func InvalidParamsErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InvalidParams, fmt.Sprintf(format, args...))
}

// InternalServerErrorf creates an internal error with a formatted message.
func InternalServerErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InternalError, fmt.Sprintf(format, args...))
}

// InvalidProgramError reports an image or source that could not be loaded.
func InvalidProgramError(err error) *RPCError {
	return NewRPCErrorWithData(InvalidProgram, "Invalid program", err.Error())
}

// ProgramFaultedError reports a faulted execution.
func ProgramFaultedError(result *ExecutionResult) *RPCError {
	msg := "Program faulted"
	if result.Fault != nil {
		msg = fmt.Sprintf("Program faulted: %s", result.Fault.Kind)
	}
	return NewRPCErrorWithData(ProgramFaulted, msg, result)
}

// ProgramNotFoundError reports an unknown program reference.
func ProgramNotFoundError(ref string) *RPCError {
	return NewRPCError(ProgramNotFound, fmt.Sprintf("Program not found: %s", ref))
}

// RunNotFoundError reports an unknown run sequence number.
func RunNotFoundError(seq uint64) *RPCError {
	return NewRPCError(RunNotFound, fmt.Sprintf("Run %d not found", seq))
}

// storeError maps store and executor errors to RPC errors.
func storeError(ref string, err error) *RPCError {
	switch {
	case errors.Is(err, programstore.ErrProgramNotFound):
		return ProgramNotFoundError(ref)
	case errors.Is(err, executor.ErrNoProgramStore),
		errors.Is(err, programstore.ErrClosed),
		errors.Is(err, runstore.ErrClosed):
		return ErrStoreUnavailable
	case errors.Is(err, programstore.ErrInvalidName):
		return InvalidParamsError(err.Error())
	case errors.Is(err, executor.ErrProgramTooLarge):
		return InvalidProgramError(err)
	default:
		return InternalServerErrorf("%v", err)
	}
}
