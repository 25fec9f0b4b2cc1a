package vm

import (
	"github.com/fortiblox/qvm/pkg/qvm"
)

// heap is a bump allocator over a host-designated arena range.
type heap struct {
	start, next, end uint32
}

// SetHeap designates [start, start+length) as the range Malloc hands out,
// typically a block the module reserved in bss. It resets any previous
// allocations.
func (vm *VM) SetHeap(start, length int32) error {
	if vm.arena == nil {
		return vm.fail(qvm.ErrNotLoaded, "heap on unloaded vm")
	}
	if length <= 0 {
		return vm.fail(qvm.ErrDataOutOfRange, "heap length %d", length)
	}
	if err := vm.ValidateRange(uint32(start), uint32(length)); err != nil {
		return err
	}
	vm.heap = heap{start: uint32(start), next: uint32(start), end: uint32(start) + uint32(length)}
	vm.debugf(1, "%s: heap %d+%d", vm.name, start, length)
	return nil
}

// Malloc returns the arena address of size fresh bytes, 4-byte aligned.
// Memory is never reclaimed except by SetHeap.
func (vm *VM) Malloc(size int32) (int32, error) {
	if vm.heap.end == 0 {
		return 0, vm.fail(qvm.ErrAllocationFailed, "no heap configured")
	}
	if size < 0 {
		return 0, vm.fail(qvm.ErrAllocationFailed, "malloc(%d)", size)
	}
	addr := (vm.heap.next + 3) &^ 3
	if uint64(addr)+uint64(size) > uint64(vm.heap.end) {
		return 0, vm.fail(qvm.ErrAllocationFailed, "malloc(%d): %d of %d heap bytes used",
			size, vm.heap.next-vm.heap.start, vm.heap.end-vm.heap.start)
	}
	vm.heap.next = addr + uint32(size)
	return int32(addr), nil
}

// HeapUsed returns the bytes handed out since the last SetHeap.
func (vm *VM) HeapUsed() uint32 {
	return vm.heap.next - vm.heap.start
}
