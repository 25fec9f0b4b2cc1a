// Package syscall implements the standard host traps for QVM modules.
//
// A module reaches the host by calling a negative function index; the VM
// converts it to a trap number (-1 - index) and passes the number and the
// module's argument words to the Registry. Pointer arguments are arena
// addresses and are resolved through the VM.
package syscall

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fortiblox/qvm/pkg/qvm/vm"
	"github.com/tliron/commonlog"
	"github.com/zeebo/blake3"
)

// Trap numbers.
const (
	TrapPrint        = int32(0)   // print(str)
	TrapError        = int32(1)   // error(str), aborts the call
	TrapMilliseconds = int32(2)   // milliseconds() since registry creation
	TrapHash         = int32(3)   // hash(dst, src, n) writes a 32-byte BLAKE3 digest
	TrapMalloc       = int32(4)   // malloc(n) returns an address in the VM heap
	TrapNice         = int32(68)  // nice()
	TrapMemset       = int32(100) // memset(dst, c, n) returns dst
	TrapMemcpy       = int32(101) // memcpy(dst, src, n) returns dst
)

// Maximum sizes.
const (
	MaxPrintLen = 8192             // Longer strings are truncated
	MaxMemOpLen = 10 * 1024 * 1024 // Largest memset/memcpy/hash length
	HashSize    = 32
)

// Trap errors.
var (
	ErrUnknownTrap   = errors.New("unknown trap")
	ErrModuleAbort   = errors.New("module error")
	ErrInvalidLength = errors.New("invalid length")
)

var log = commonlog.GetLogger("qvm.syscall")

// Registry maps trap numbers to handlers. It implements vm.Trap.
type Registry struct {
	traps map[int32]vm.Trap
	out   io.Writer
	start time.Time
	now   func() time.Time
}

// NewRegistry creates a registry with the standard traps. Printed strings
// go to out.
func NewRegistry(out io.Writer) *Registry {
	r := &Registry{
		traps: make(map[int32]vm.Trap),
		out:   out,
		now:   time.Now,
	}
	r.start = r.now()

	r.registerConsole()
	r.registerMemory()
	r.registerMisc()

	return r
}

// Register adds or replaces the handler for num.
func (r *Registry) Register(num int32, t vm.Trap) {
	r.traps[num] = t
}

// Get returns the handler for num.
func (r *Registry) Get(num int32) (vm.Trap, bool) {
	t, ok := r.traps[num]
	return t, ok
}

// Numbers returns the registered trap numbers in ascending order.
func (r *Registry) Numbers() []int32 {
	nums := make([]int32, 0, len(r.traps))
	for n := range r.traps {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

// Invoke implements vm.Trap by dispatching on args[0].
func (r *Registry) Invoke(v *vm.VM, args []int32) (int64, error) {
	t, ok := r.traps[args[0]]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownTrap, args[0])
	}
	return t.Invoke(v, args)
}

func (r *Registry) registerConsole() {
	r.Register(TrapPrint, vm.TrapFunc(func(v *vm.VM, args []int32) (int64, error) {
		s, err := v.CString(args[1])
		if err != nil {
			return 0, err
		}
		if len(s) > MaxPrintLen {
			s = s[:MaxPrintLen]
		}
		_, err = io.WriteString(r.out, s)
		return 0, err
	}))

	r.Register(TrapError, vm.TrapFunc(func(v *vm.VM, args []int32) (int64, error) {
		s, err := v.CString(args[1])
		if err != nil {
			return 0, err
		}
		log.Warningf("%s: %s", v.Name(), s)
		return 0, fmt.Errorf("%w: %s", ErrModuleAbort, s)
	}))

	r.Register(TrapNice, vm.TrapFunc(func(v *vm.VM, args []int32) (int64, error) {
		_, err := io.WriteString(r.out, "Nice.\n")
		return 0, err
	}))
}

func (r *Registry) registerMemory() {
	r.Register(TrapMalloc, vm.TrapFunc(func(v *vm.VM, args []int32) (int64, error) {
		addr, err := v.Malloc(args[1])
		return int64(addr), err
	}))

	r.Register(TrapMemset, vm.TrapFunc(func(v *vm.VM, args []int32) (int64, error) {
		dst, c, n := uint32(args[1]), byte(args[2]), uint32(args[3])
		if n == 0 {
			return int64(args[1]), nil
		}
		if n > MaxMemOpLen {
			return 0, fmt.Errorf("%w: memset of %d bytes", ErrInvalidLength, n)
		}
		if err := v.ValidateRange(dst, n); err != nil {
			return 0, err
		}
		mem := v.Memory()[dst : dst+n]
		for i := range mem {
			mem[i] = c
		}
		return int64(args[1]), nil
	}))

	r.Register(TrapMemcpy, vm.TrapFunc(func(v *vm.VM, args []int32) (int64, error) {
		dst, src, n := uint32(args[1]), uint32(args[2]), uint32(args[3])
		if n == 0 {
			return int64(args[1]), nil
		}
		if n > MaxMemOpLen {
			return 0, fmt.Errorf("%w: memcpy of %d bytes", ErrInvalidLength, n)
		}
		if err := v.ValidateRange(dst, n); err != nil {
			return 0, err
		}
		if err := v.ValidateRange(src, n); err != nil {
			return 0, err
		}
		mem := v.Memory()
		copy(mem[dst:dst+n], mem[src:src+n])
		return int64(args[1]), nil
	}))
}

func (r *Registry) registerMisc() {
	r.Register(TrapMilliseconds, vm.TrapFunc(func(v *vm.VM, args []int32) (int64, error) {
		return r.now().Sub(r.start).Milliseconds(), nil
	}))

	r.Register(TrapHash, vm.TrapFunc(func(v *vm.VM, args []int32) (int64, error) {
		dst, src, n := uint32(args[1]), uint32(args[2]), uint32(args[3])
		if n > MaxMemOpLen {
			return 0, fmt.Errorf("%w: hash of %d bytes", ErrInvalidLength, n)
		}
		if err := v.ValidateRange(dst, HashSize); err != nil {
			return 0, err
		}
		mem := v.Memory()
		var input []byte
		if n > 0 {
			if err := v.ValidateRange(src, n); err != nil {
				return 0, err
			}
			input = mem[src : src+n]
		}
		sum := blake3.Sum256(input)
		copy(mem[dst:dst+HashSize], sum[:])
		return 0, nil
	}))
}
