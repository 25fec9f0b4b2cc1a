// Package qvm holds definitions shared by the QVM loader and interpreter.
//
// A QVM module is a compact bytecode image: a fixed header, a
// variable-width instruction stream and an initialized data segment. The
// loader validates and prepares a module (package loader), the interpreter
// executes it against a masked data arena (package vm), and privileged
// operations are forwarded to the host through numbered traps.
package qvm

import (
	"errors"
	"fmt"
)

// ErrorCode is a VM error kind. The numeric values are stable and form part
// of the host ABI.
type ErrorCode int32

// Error kinds.
const (
	NoError             ErrorCode = 0
	ErrInvalidPointer   ErrorCode = -1
	ErrInvalidModule    ErrorCode = -2
	ErrNoTrapCallback   ErrorCode = -3
	ErrFreeWhileRunning ErrorCode = -4
	ErrBlockCopyRange   ErrorCode = -5
	ErrPcOutOfRange     ErrorCode = -6
	ErrInvalidJump      ErrorCode = -7
	ErrStackCorruption  ErrorCode = -8
	ErrLoad4Misaligned  ErrorCode = -10 // Reserved; loads are masked, never raised
	ErrOperandStack     ErrorCode = -11 // Reserved; the operand stack wraps, never raised
	ErrDataOutOfRange   ErrorCode = -12
	ErrAllocationFailed ErrorCode = -13
	ErrBadInstruction   ErrorCode = -14
	ErrNotLoaded        ErrorCode = -15
	ErrDivisionByZero   ErrorCode = -16
	ErrTrapFailed       ErrorCode = -17
	ErrBudgetExceeded   ErrorCode = -18
	ErrCanceled         ErrorCode = -19
)

var codeNames = map[ErrorCode]string{
	NoError:             "no error",
	ErrInvalidPointer:   "invalid pointer",
	ErrInvalidModule:    "invalid module",
	ErrNoTrapCallback:   "no trap callback",
	ErrFreeWhileRunning: "free while running",
	ErrBlockCopyRange:   "block copy out of range",
	ErrPcOutOfRange:     "program counter out of range",
	ErrInvalidJump:      "jump to invalid instruction",
	ErrStackCorruption:  "stack corruption",
	ErrLoad4Misaligned:  "load4 misaligned",
	ErrOperandStack:     "operand stack error",
	ErrDataOutOfRange:   "data out of range",
	ErrAllocationFailed: "allocation failed",
	ErrBadInstruction:   "bad instruction",
	ErrNotLoaded:        "module not loaded",
	ErrDivisionByZero:   "division by zero",
	ErrTrapFailed:       "trap failed",
	ErrBudgetExceeded:   "instruction budget exceeded",
	ErrCanceled:         "call canceled",
}

// Error implements error.
func (c ErrorCode) Error() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("vm error %d", int32(c))
}

// CodeOf returns the error kind carried by err, NoError for nil, and
// ErrTrapFailed for errors that originate in host code and carry no kind.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return NoError
	}
	var c ErrorCode
	if errors.As(err, &c) {
		return c
	}
	return ErrTrapFailed
}
