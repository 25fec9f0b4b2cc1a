package rpc

import (
	"fmt"
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

// Host error codes.
const (
	// ModuleNotFound indicates no stored module matches the reference.
	ModuleNotFound = -32001

	// SnapshotNotFound indicates no snapshot exists for the label.
	SnapshotNotFound = -32002

	// InvalidModule indicates the image failed header validation or
	// preparation.
	InvalidModule = -32003

	// ExecutionFailed indicates the call failed inside the VM.
	ExecutionFailed = -32004

	// SnapshotsDisabled indicates the server has no snapshot store.
	SnapshotsDisabled = -32005
)

// Common error messages.
var (
	ErrParseError        = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest    = NewRPCError(InvalidRequest, "Invalid Request")
	ErrMethodNotFound    = NewRPCError(MethodNotFound, "Method not found")
	ErrInvalidParams     = NewRPCError(InvalidParams, "Invalid params")
	ErrInternalError     = NewRPCError(InternalError, "Internal error")
	ErrSnapshotsDisabled = NewRPCError(SnapshotsDisabled, "Snapshots are not enabled on this server")
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

// InternalServerErrorf creates an internal server error with a formatted message.
func InternalServerErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InternalError, fmt.Sprintf(format, args...))
}

// ModuleNotFoundError creates an error for an unknown module reference.
func ModuleNotFoundError(ref string) *RPCError {
	return NewRPCErrorWithData(ModuleNotFound,
		fmt.Sprintf("Module not found: %s", ref),
		map[string]string{"module": ref})
}

// SnapshotNotFoundError creates an error for an unknown snapshot label.
func SnapshotNotFoundError(label string) *RPCError {
	return NewRPCErrorWithData(SnapshotNotFound,
		fmt.Sprintf("Snapshot not found: %s", label),
		map[string]string{"label": label})
}

// InvalidModuleError creates an error for a rejected module image.
func InvalidModuleError(err error) *RPCError {
	return NewRPCError(InvalidModule, err.Error())
}
