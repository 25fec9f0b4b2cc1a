// Package vm implements the QVM interpreter.
//
// A VM owns one prepared module: its instruction stream, instruction pointer
// table and data arena. Calls run synchronously on the caller's goroutine.
// The program stack lives at the top of the arena and grows down; operands
// live on a separate 256-slot stack indexed by a wrapping 8-bit offset.
//
// Calls to negative function indices are host traps. They are forwarded to
// the Trap supplied at construction, which may call back into the same or
// another VM. A VM is not safe for concurrent use; distinct VMs share no
// state.
package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/fortiblox/qvm/pkg/qvm"
	"github.com/fortiblox/qvm/pkg/qvm/loader"
	"github.com/fortiblox/qvm/pkg/qvm/memory"
	"github.com/tliron/commonlog"
)

// Call convention constants.
const (
	MaxCallArgs  = 12      // Arguments after the command word
	callArgWords = 13      // Command word plus MaxCallArgs
	stackSize    = 0x10000 // Program stack reserved below the arena top
)

// ErrTooManyArgs is returned by Call when more than MaxCallArgs arguments are
// supplied.
var ErrTooManyArgs = errors.New("too many call arguments")

var log = commonlog.GetLogger("qvm.vm")

// Options configures a VM.
type Options struct {
	// DebugLevel controls diagnostic logging. 0 logs failures only, 1 adds
	// load summaries, 2 adds every call and trap.
	DebugLevel int

	// MaxInstructions bounds the instructions executed by one top-level
	// call, nested calls included. 0 means unlimited.
	MaxInstructions uint64

	// OnError is notified of every failure before it is returned.
	OnError func(vm *VM, code qvm.ErrorCode, msg string)
}

// VM is one loaded module instance.
type VM struct {
	name string
	opts Options

	code             []int32
	ips              []int32
	instructionCount int32
	arena            *memory.Arena

	programStack int32
	stackBottom  int32

	trap  Trap
	meter *Meter
	heap  heap

	currentlyInterpreting bool
	callLevel             int
	breakCount            int
	lastError             qvm.ErrorCode
}

// Create loads module and returns a VM ready to be called.
func Create(name string, module []byte, trap Trap, opts Options) (*VM, error) {
	if trap == nil {
		return nil, failCreate(opts, qvm.ErrNoTrapCallback, "no trap callback provided")
	}

	exe, err := loader.LoadFromBytes(name, module)
	if err != nil {
		report(nil, opts, qvm.CodeOf(err), err.Error())
		return nil, err
	}
	return New(exe, trap, opts)
}

// New wraps an already prepared executable. The VM takes ownership of the
// executable's arena.
func New(exe *loader.Executable, trap Trap, opts Options) (*VM, error) {
	if trap == nil {
		return nil, failCreate(opts, qvm.ErrNoTrapCallback, "no trap callback provided")
	}
	if exe == nil || exe.Arena == nil {
		return nil, failCreate(opts, qvm.ErrInvalidPointer, "nil executable")
	}

	vm := &VM{
		name:             exe.Name,
		opts:             opts,
		code:             exe.Code,
		ips:              exe.InstructionPointers,
		instructionCount: exe.Header.InstructionCount,
		arena:            exe.Arena,
		trap:             trap,
		meter:            NewMeter(opts.MaxInstructions),
	}
	vm.programStack = int32(vm.arena.Mask()) + 1
	vm.stackBottom = vm.programStack - stackSize

	vm.debugf(1, "created %s: %d instructions, arena %d bytes", vm.name, vm.instructionCount, vm.arena.Size())
	return vm, nil
}

// Call runs the module entry point with command and up to MaxCallArgs
// arguments and returns its result. On failure it returns -1 and an error;
// the VM remains usable.
func (vm *VM) Call(command int32, args ...int32) (int32, error) {
	return vm.CallContext(context.Background(), command, args...)
}

// CallContext is like Call but aborts when ctx is done.
func (vm *VM) CallContext(ctx context.Context, command int32, args ...int32) (int32, error) {
	if vm == nil {
		return -1, fmt.Errorf("%w: call on nil vm", qvm.ErrInvalidPointer)
	}
	if vm.code == nil {
		return -1, vm.fail(qvm.ErrNotLoaded, "vm not loaded")
	}
	if len(args) > MaxCallArgs {
		return -1, fmt.Errorf("%w: %d > %d", ErrTooManyArgs, len(args), MaxCallArgs)
	}

	var argv [callArgWords]int32
	argv[0] = command
	copy(argv[1:], args)

	if vm.callLevel == 0 {
		vm.meter.Reset()
	}
	vm.debugf(2, "call %s(%d) level %d", vm.name, command, vm.callLevel)

	vm.callLevel++
	defer func() { vm.callLevel-- }()

	return vm.callInterpreted(ctx, &argv)
}

// Free releases the module. It fails with ErrFreeWhileRunning while a call
// is in progress, in which case nothing is released.
func (vm *VM) Free() error {
	if vm == nil {
		return fmt.Errorf("%w: free on nil vm", qvm.ErrInvalidPointer)
	}
	if vm.callLevel != 0 {
		return vm.fail(qvm.ErrFreeWhileRunning, "free at call level %d", vm.callLevel)
	}
	vm.code = nil
	vm.ips = nil
	vm.arena = nil
	vm.heap = heap{}
	return nil
}

// Name returns the module name.
func (vm *VM) Name() string {
	return vm.name
}

// LastError returns the kind of the most recent failure.
func (vm *VM) LastError() qvm.ErrorCode {
	return vm.lastError
}

// CallLevel returns the number of calls currently executing.
func (vm *VM) CallLevel() int {
	return vm.callLevel
}

// Running reports whether the interpreter loop is active.
func (vm *VM) Running() bool {
	return vm.currentlyInterpreting
}

// BreakCount returns how many BREAK instructions have executed.
func (vm *VM) BreakCount() int {
	return vm.breakCount
}

// InstructionCount returns the module's instruction count.
func (vm *VM) InstructionCount() int32 {
	return vm.instructionCount
}

// DataMask returns the arena address mask, or 0 once freed.
func (vm *VM) DataMask() uint32 {
	if vm.arena == nil {
		return 0
	}
	return vm.arena.Mask()
}

// StackBottom returns the lowest address reserved for the program stack.
func (vm *VM) StackBottom() int32 {
	return vm.stackBottom
}

// Meter returns the instruction meter of the current or last top-level
// call.
func (vm *VM) Meter() *Meter {
	return vm.meter
}

// SetDebugLevel changes the diagnostic level.
func (vm *VM) SetDebugLevel(level int) {
	vm.opts.DebugLevel = level
}

// Snapshot returns a copy of the data arena.
func (vm *VM) Snapshot() ([]byte, error) {
	if vm.arena == nil {
		return nil, vm.fail(qvm.ErrNotLoaded, "snapshot of unloaded vm")
	}
	return vm.arena.Snapshot(), nil
}

// Restore replaces the data arena with a snapshot taken from a VM running
// the same module. It is refused while a call is executing.
func (vm *VM) Restore(b []byte) error {
	if vm.arena == nil {
		return vm.fail(qvm.ErrNotLoaded, "restore into unloaded vm")
	}
	if vm.callLevel != 0 {
		return vm.fail(qvm.ErrFreeWhileRunning, "restore at call level %d", vm.callLevel)
	}
	if err := vm.arena.Restore(b); err != nil {
		return vm.fail(qvm.ErrDataOutOfRange, "%v", err)
	}
	return nil
}

// fail records code as the last error, notifies the host and returns the
// wrapped error.
func (vm *VM) fail(code qvm.ErrorCode, format string, args ...any) error {
	vm.lastError = code
	msg := fmt.Sprintf(format, args...)
	report(vm, vm.opts, code, msg)
	return fmt.Errorf("%w: %s", code, msg)
}

func failCreate(opts Options, code qvm.ErrorCode, msg string) error {
	report(nil, opts, code, msg)
	return fmt.Errorf("%w: %s", code, msg)
}

// report logs a failure and passes it to the host callback. vm is nil for
// failures during construction.
func report(vm *VM, opts Options, code qvm.ErrorCode, msg string) {
	name := "<none>"
	if vm != nil {
		name = vm.name
	}
	log.Errorf("%s: %v: %s", name, code, msg)
	if opts.OnError != nil {
		opts.OnError(vm, code, msg)
	}
}

func (vm *VM) debugf(level int, format string, args ...any) {
	if vm.opts.DebugLevel >= level {
		log.Debugf(format, args...)
	}
}
