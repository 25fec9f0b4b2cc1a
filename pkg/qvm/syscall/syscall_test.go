package syscall

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fortiblox/qvm/pkg/qvm"
	"github.com/fortiblox/qvm/pkg/qvm/bytecode"
	"github.com/fortiblox/qvm/pkg/qvm/vm"
	"github.com/zeebo/blake3"
)

// trapModule calls trap num with the given argument words and returns its
// result.
func trapModule(num int32, args ...int32) *bytecode.Assembler {
	a := bytecode.NewAssembler()
	a.Imm(bytecode.OpEnter, 8+4*int32(len(args)))
	for i, v := range args {
		a.Imm(bytecode.OpConst, v)
		a.Arg(uint8(8 + 4*i))
	}
	a.Trap(num)
	a.Op(bytecode.OpCall)
	a.Imm(bytecode.OpLeave, 8+4*int32(len(args)))
	return a
}

func run(t *testing.T, r *Registry, a *bytecode.Assembler) (*vm.VM, int32, error) {
	t.Helper()
	v, err := vm.Create(t.Name(), a.MustAssemble(), r, vm.Options{})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	got, err := v.Call(0)
	return v, got, err
}

// TestPrint tests the print and nice traps.
func TestPrint(t *testing.T) {
	var out bytes.Buffer
	r := NewRegistry(&out)

	a := bytecode.NewAssembler()
	msg := a.String("hello\n")
	a.Imm(bytecode.OpEnter, 16)
	a.Imm(bytecode.OpConst, msg)
	a.Arg(8)
	a.Trap(TrapPrint)
	a.Op(bytecode.OpCall)
	a.Op(bytecode.OpPop)
	a.Trap(TrapNice)
	a.Op(bytecode.OpCall)
	a.Imm(bytecode.OpLeave, 16)

	if _, got, err := run(t, r, a); err != nil || got != 0 {
		t.Fatalf("Call() = %d, %v", got, err)
	}
	if out.String() != "hello\nNice.\n" {
		t.Errorf("output = %q", out.String())
	}
}

// fibReportModule computes fib(command) recursively, then passes the result
// and the command to trap report.
func fibReportModule(report int32) *bytecode.Assembler {
	a := bytecode.NewAssembler()

	a.Imm(bytecode.OpEnter, 16)
	a.Imm(bytecode.OpLocal, 24)
	a.Op(bytecode.OpLoad4)
	a.Arg(8)
	a.ConstLabel("fib")
	a.Op(bytecode.OpCall)
	a.Arg(8)
	a.Imm(bytecode.OpLocal, 24)
	a.Op(bytecode.OpLoad4)
	a.Arg(12)
	a.Trap(report)
	a.Op(bytecode.OpCall)
	a.Op(bytecode.OpPop)
	a.Trap(TrapNice)
	a.Op(bytecode.OpCall)
	a.Imm(bytecode.OpLeave, 16)

	a.Label("fib")
	a.Imm(bytecode.OpEnter, 16)
	a.Imm(bytecode.OpLocal, 24)
	a.Op(bytecode.OpLoad4)
	a.Imm(bytecode.OpConst, 2)
	a.Branch(bytecode.OpGei, "recurse")
	a.Imm(bytecode.OpLocal, 24)
	a.Op(bytecode.OpLoad4)
	a.Imm(bytecode.OpLeave, 16)

	a.Label("recurse")
	for _, k := range []int32{1, 2} {
		a.Imm(bytecode.OpLocal, 24)
		a.Op(bytecode.OpLoad4)
		a.Imm(bytecode.OpConst, k)
		a.Op(bytecode.OpSub)
		a.Arg(8)
		a.ConstLabel("fib")
		a.Op(bytecode.OpCall)
	}
	a.Op(bytecode.OpAdd)
	a.Imm(bytecode.OpLeave, 16)
	return a
}

// TestPrintComputed tests that a value computed by the module reaches the
// host through a trap.
func TestPrintComputed(t *testing.T) {
	var out bytes.Buffer
	r := NewRegistry(&out)
	const trapReport = 50
	r.Register(trapReport, vm.TrapFunc(func(v *vm.VM, args []int32) (int64, error) {
		fmt.Fprintf(&out, "fib(%d) = %d\n", args[2], args[1])
		return 0, nil
	}))

	v, err := vm.Create(t.Name(), fibReportModule(trapReport).MustAssemble(), r, vm.Options{})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if got, err := v.Call(5); err != nil || got != 0 {
		t.Fatalf("Call(5) = %d, %v", got, err)
	}
	if out.String() != "fib(5) = 5\nNice.\n" {
		t.Errorf("output = %q, want %q", out.String(), "fib(5) = 5\nNice.\n")
	}

	out.Reset()
	if _, err := v.Call(10); err != nil {
		t.Fatalf("Call(10) failed: %v", err)
	}
	if out.String() != "fib(10) = 55\nNice.\n" {
		t.Errorf("output = %q", out.String())
	}
}

// TestErrorTrap tests that the error trap aborts the call.
func TestErrorTrap(t *testing.T) {
	r := NewRegistry(&bytes.Buffer{})

	a := bytecode.NewAssembler()
	msg := a.String("bad state")
	a.Imm(bytecode.OpEnter, 16)
	a.Imm(bytecode.OpConst, msg)
	a.Arg(8)
	a.Trap(TrapError)
	a.Op(bytecode.OpCall)
	a.Imm(bytecode.OpLeave, 16)

	_, got, err := run(t, r, a)
	if got != -1 || !errors.Is(err, qvm.ErrTrapFailed) || !errors.Is(err, ErrModuleAbort) {
		t.Errorf("Call() = %d, %v; want -1, ErrModuleAbort", got, err)
	}
}

// TestUnknownTrap tests dispatch of an unregistered number.
func TestUnknownTrap(t *testing.T) {
	r := NewRegistry(&bytes.Buffer{})
	_, _, err := run(t, r, trapModule(999))
	if !errors.Is(err, ErrUnknownTrap) || qvm.CodeOf(err) != qvm.ErrTrapFailed {
		t.Errorf("Call() = %v, want ErrUnknownTrap", err)
	}
}

// TestMemoryTraps tests memset and memcpy.
func TestMemoryTraps(t *testing.T) {
	r := NewRegistry(&bytes.Buffer{})

	v, got, err := run(t, r, trapModule(TrapMemset, 0x100, 0x5a, 8))
	if err != nil || got != 0x100 {
		t.Fatalf("memset = %d, %v; want 0x100", got, err)
	}
	mem := v.Memory()
	if !bytes.Equal(mem[0x100:0x108], bytes.Repeat([]byte{0x5a}, 8)) || mem[0x108] != 0 {
		t.Errorf("memset wrote % x", mem[0xFF:0x109])
	}

	a := bytecode.NewAssembler()
	src := a.Data(0x04030201, 0x08070605)
	a.Imm(bytecode.OpEnter, 20)
	for i, w := range []int32{0x200, src, 8} {
		a.Imm(bytecode.OpConst, w)
		a.Arg(uint8(8 + 4*i))
	}
	a.Trap(TrapMemcpy)
	a.Op(bytecode.OpCall)
	a.Imm(bytecode.OpLeave, 20)

	v, _, err = run(t, r, a)
	if err != nil {
		t.Fatalf("memcpy failed: %v", err)
	}
	if !bytes.Equal(v.Memory()[0x200:0x208], []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("memcpy wrote % x", v.Memory()[0x200:0x208])
	}

	if _, _, err := run(t, r, trapModule(TrapMemset, 0x100, 0, 1<<30)); !errors.Is(err, qvm.ErrTrapFailed) {
		t.Errorf("oversized memset = %v, want ErrTrapFailed", err)
	}
	if _, _, err := run(t, r, trapModule(TrapMemcpy, 0, 0x100, 4)); !errors.Is(err, qvm.ErrInvalidPointer) {
		t.Errorf("memcpy to null = %v, want ErrInvalidPointer", err)
	}
}

// TestHashTrap tests the BLAKE3 trap.
func TestHashTrap(t *testing.T) {
	r := NewRegistry(&bytes.Buffer{})

	a := bytecode.NewAssembler()
	src := a.String("qvm")
	dst := a.Reserve(HashSize)
	a.Imm(bytecode.OpEnter, 20)
	for i, w := range []int32{dst, src, 3} {
		a.Imm(bytecode.OpConst, w)
		a.Arg(uint8(8 + 4*i))
	}
	a.Trap(TrapHash)
	a.Op(bytecode.OpCall)
	a.Imm(bytecode.OpLeave, 20)

	v, _, err := run(t, r, a)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	want := blake3.Sum256([]byte("qvm"))
	if !bytes.Equal(v.Memory()[dst:dst+HashSize], want[:]) {
		t.Errorf("digest = %x, want %x", v.Memory()[dst:dst+HashSize], want)
	}
}

// TestMilliseconds tests the clock trap against an injected clock.
func TestMilliseconds(t *testing.T) {
	r := NewRegistry(&bytes.Buffer{})
	now := r.start
	r.now = func() time.Time { return now.Add(1500 * time.Millisecond) }

	if _, got, err := run(t, r, trapModule(TrapMilliseconds)); err != nil || got != 1500 {
		t.Errorf("milliseconds = %d, %v; want 1500", got, err)
	}
}

// TestRegister tests custom handlers.
func TestRegister(t *testing.T) {
	r := NewRegistry(&bytes.Buffer{})
	r.Register(42, vm.TrapFunc(func(v *vm.VM, args []int32) (int64, error) {
		return int64(args[1] * args[2]), nil
	}))

	if _, ok := r.Get(42); !ok {
		t.Fatal("Get(42) not found")
	}
	nums := r.Numbers()
	if len(nums) != 9 || nums[0] != TrapPrint || nums[len(nums)-1] != TrapMemcpy {
		t.Errorf("Numbers() = %v", nums)
	}

	if _, got, err := run(t, r, trapModule(42, 6, 7)); err != nil || got != 42 {
		t.Errorf("custom trap = %d, %v; want 42", got, err)
	}
}

// TestMallocTrap tests heap allocation from module code.
func TestMallocTrap(t *testing.T) {
	r := NewRegistry(&bytes.Buffer{})

	a := trapModule(TrapMalloc, 10)
	heapStart := a.Reserve(64)
	v, err := vm.Create(t.Name(), a.MustAssemble(), r, vm.Options{})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	if _, err := v.Call(0); !errors.Is(err, qvm.ErrAllocationFailed) {
		t.Errorf("malloc without heap = %v, want ErrAllocationFailed", err)
	}

	if err := v.SetHeap(heapStart, 64); err != nil {
		t.Fatalf("SetHeap() failed: %v", err)
	}
	want := []int32{heapStart, heapStart + 12, heapStart + 24, heapStart + 36, heapStart + 48}
	for i, w := range want {
		got, err := v.Call(0)
		if err != nil || got != w {
			t.Fatalf("malloc %d = %d, %v; want %d", i, got, err, w)
		}
	}
	if got, err := v.Call(0); got != -1 || !errors.Is(err, qvm.ErrAllocationFailed) {
		t.Errorf("malloc past heap = %d, %v; want -1, ErrAllocationFailed", got, err)
	}
	if v.HeapUsed() != 58 {
		t.Errorf("HeapUsed() = %d, want 58", v.HeapUsed())
	}
}
