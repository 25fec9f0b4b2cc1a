package vm

import (
	"fmt"

	"github.com/fortiblox/qvm/pkg/qvm"
)

// TrapArgs is the number of argument words passed to a trap. Word 0 is the
// trap number; words 1..15 are the values the module stored with ARG.
const TrapArgs = 16

// Trap is the host side of the trap bridge.
type Trap interface {
	// Invoke handles one trap. args[0] is the trap number. The return value
	// is truncated to 32 bits and pushed on the operand stack.
	Invoke(vm *VM, args []int32) (int64, error)
}

// TrapFunc is a function that implements Trap.
type TrapFunc func(vm *VM, args []int32) (int64, error)

// Invoke implements Trap.
func (f TrapFunc) Invoke(vm *VM, args []int32) (int64, error) {
	return f(vm, args)
}

// invokeTrap reads the argument words starting at addr and forwards them to
// the host.
func (vm *VM) invokeTrap(addr int32) (int32, error) {
	var args [TrapArgs]int32
	for i := range args {
		args[i] = int32(vm.arena.Load4(uint32(addr + int32(i)*4)))
	}

	vm.debugf(2, "%s: trap %d", vm.name, args[0])

	ret, err := vm.trap.Invoke(vm, args[:])
	if err != nil {
		vm.lastError = qvm.ErrTrapFailed
		report(vm, vm.opts, qvm.ErrTrapFailed, fmt.Sprintf("trap %d: %v", args[0], err))
		return -1, fmt.Errorf("%w: trap %d: %w", qvm.ErrTrapFailed, args[0], err)
	}
	return int32(ret), nil
}

// TranslateAddress returns the arena bytes from the masked address to the end
// of the arena. Address 0 yields nil.
func (vm *VM) TranslateAddress(addr int32) ([]byte, error) {
	if vm == nil {
		return nil, fmt.Errorf("%w: translate on nil vm", qvm.ErrInvalidPointer)
	}
	if vm.arena == nil {
		return nil, vm.fail(qvm.ErrNotLoaded, "translate on unloaded vm")
	}
	if addr == 0 {
		return nil, nil
	}
	return vm.arena.Slice(uint32(addr)), nil
}

// ValidateRange checks that n bytes at addr lie inside the arena without
// masking. Address 0 is rejected.
func (vm *VM) ValidateRange(addr, n uint32) error {
	if vm == nil {
		return fmt.Errorf("%w: validate on nil vm", qvm.ErrInvalidPointer)
	}
	if vm.arena == nil {
		return vm.fail(qvm.ErrNotLoaded, "validate on unloaded vm")
	}
	if addr == 0 {
		return vm.fail(qvm.ErrInvalidPointer, "null address")
	}
	if err := vm.arena.ValidRange(addr, n); err != nil {
		return vm.fail(qvm.ErrDataOutOfRange, "%v", err)
	}
	return nil
}

// CString reads the NUL-terminated string at the masked address.
func (vm *VM) CString(addr int32) (string, error) {
	if vm == nil {
		return "", fmt.Errorf("%w: read on nil vm", qvm.ErrInvalidPointer)
	}
	if vm.arena == nil {
		return "", vm.fail(qvm.ErrNotLoaded, "read on unloaded vm")
	}
	return vm.arena.CString(uint32(addr)), nil
}

// Memory returns the arena, or nil once freed.
func (vm *VM) Memory() []byte {
	if vm.arena == nil {
		return nil
	}
	return vm.arena.Bytes()
}
