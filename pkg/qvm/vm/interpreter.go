package vm

import (
	"context"
	"fmt"
	"math"

	"github.com/fortiblox/qvm/pkg/qvm"
	"github.com/fortiblox/qvm/pkg/qvm/bytecode"
)

// Interpreter constants.
const (
	opStackSize   = 256    // Operand stack slots, indexed by a uint8 offset
	stackSentinel = 0xBEEF // Written to slot 0 at entry, checked on return
	frameHeader   = 8      // Return marker and frame marker words
	pollInterval  = 4096   // Instructions between context checks
)

// callInterpreted runs the module entry point with args until the outermost
// frame returns.
//
// Operand stack slots are read fresh on every instruction: r0 is the top
// slot and r1 the one below it. The offset is a uint8, so pushes and pops
// wrap modulo 256.
func (vm *VM) callInterpreted(ctx context.Context, args *[callArgWords]int32) (result int32, err error) {
	var (
		stack [opStackSize]int32
		ofs   uint8
	)

	prevInterpreting := vm.currentlyInterpreting
	vm.currentlyInterpreting = true
	stackOnEntry := vm.programStack

	defer func() {
		vm.currentlyInterpreting = prevInterpreting
		vm.programStack = stackOnEntry
		if rec := recover(); rec != nil {
			result, err = -1, vm.fail(qvm.ErrTrapFailed, "panic in %s: %v", vm.name, rec)
		}
	}()

	arena := vm.arena
	code := vm.code
	codeLen := int32(len(code))

	ps := stackOnEntry - (frameHeader + 4*callArgWords)
	for i, a := range args {
		arena.Store4(uint32(ps+frameHeader+int32(i)*4), uint32(a))
	}
	arena.Store4(uint32(ps+4), 0)
	arena.Store4(uint32(ps), 0xFFFFFFFF)

	stack[0] = stackSentinel
	pc := int32(0)
	executed := 0

	for {
		if pc < 0 || pc >= codeLen {
			return -1, vm.fail(qvm.ErrPcOutOfRange, "pc %d outside stream of %d words", pc, codeLen)
		}
		if err := vm.meter.Consume(1); err != nil {
			return -1, vm.fail(qvm.ErrBudgetExceeded, "%s after %d instructions", vm.name, vm.meter.Used())
		}
		if executed++; executed%pollInterval == 0 {
			if cerr := ctx.Err(); cerr != nil {
				vm.lastError = qvm.ErrCanceled
				report(vm, vm.opts, qvm.ErrCanceled, cerr.Error())
				return -1, fmt.Errorf("%w: %w", qvm.ErrCanceled, cerr)
			}
		}

		r0 := stack[ofs]
		r1 := stack[ofs-1]
		op := bytecode.Opcode(code[pc])
		pc++

		switch op {
		case bytecode.OpIgnore:

		case bytecode.OpBreak:
			vm.breakCount++

		case bytecode.OpConst:
			ofs++
			stack[ofs] = code[pc]
			pc++
		case bytecode.OpLocal:
			ofs++
			stack[ofs] = code[pc] + ps
			pc++

		case bytecode.OpLoad1:
			stack[ofs] = int32(arena.Load1(uint32(r0)))
		case bytecode.OpLoad2:
			stack[ofs] = int32(arena.Load2(uint32(r0)))
		case bytecode.OpLoad4:
			stack[ofs] = int32(arena.Load4(uint32(r0)))

		case bytecode.OpStore1:
			arena.Store1(uint32(r1), uint8(r0))
			ofs -= 2
		case bytecode.OpStore2:
			arena.Store2(uint32(r1), uint16(r0))
			ofs -= 2
		case bytecode.OpStore4:
			arena.Store4(uint32(r1), uint32(r0))
			ofs -= 2

		case bytecode.OpArg:
			arena.Store4(uint32(code[pc]+ps), uint32(r0))
			ofs--
			pc++

		case bytecode.OpBlockCopy:
			if err := arena.BlockCopy(uint32(r1), uint32(r0), uint32(code[pc])); err != nil {
				return -1, vm.fail(qvm.ErrBlockCopyRange, "%v", err)
			}
			pc++
			ofs -= 2

		case bytecode.OpCall:
			arena.Store4(uint32(ps), uint32(pc))
			target := r0
			ofs--
			if target < 0 {
				vm.programStack = ps - 4
				arena.Store4(uint32(ps+4), uint32(-1-target))
				ret, err := vm.invokeTrap(ps + 4)
				if err != nil {
					return -1, err
				}
				ofs++
				stack[ofs] = ret
				pc = int32(arena.Load4(uint32(ps)))
			} else if uint32(target) >= uint32(vm.instructionCount) {
				return -1, vm.fail(qvm.ErrPcOutOfRange, "call to instruction %d of %d", target, vm.instructionCount)
			} else {
				pc = vm.ips[target]
			}

		case bytecode.OpPush:
			ofs++
		case bytecode.OpPop:
			ofs--

		case bytecode.OpEnter:
			ps -= code[pc]
			pc++
		case bytecode.OpLeave:
			ps += code[pc]
			pc = int32(arena.Load4(uint32(ps)))
			if pc == -1 {
				return vm.finish(&stack, ofs)
			}
			if pc < 0 || pc >= codeLen {
				return -1, vm.fail(qvm.ErrPcOutOfRange, "return to %d outside stream of %d words", pc, codeLen)
			}

		case bytecode.OpJump:
			if uint32(r0) >= uint32(vm.instructionCount) {
				return -1, vm.fail(qvm.ErrPcOutOfRange, "jump to instruction %d of %d", r0, vm.instructionCount)
			}
			pc = vm.ips[r0]
			ofs--

		case bytecode.OpEq, bytecode.OpNe,
			bytecode.OpLti, bytecode.OpLei, bytecode.OpGti, bytecode.OpGei,
			bytecode.OpLtu, bytecode.OpLeu, bytecode.OpGtu, bytecode.OpGeu,
			bytecode.OpEqf, bytecode.OpNef,
			bytecode.OpLtf, bytecode.OpLef, bytecode.OpGtf, bytecode.OpGef:
			ofs -= 2
			if compare(op, r1, r0) {
				pc = code[pc]
			} else {
				pc++
			}

		case bytecode.OpSex8:
			stack[ofs] = int32(int8(r0))
		case bytecode.OpSex16:
			stack[ofs] = int32(int16(r0))
		case bytecode.OpNegi:
			stack[ofs] = -r0
		case bytecode.OpBcom:
			stack[ofs] = ^r0
		case bytecode.OpNegf:
			stack[ofs] = fbits(-float(r0))
		case bytecode.OpCvif:
			stack[ofs] = fbits(float32(r0))
		case bytecode.OpCvfi:
			stack[ofs] = int32(int64(float(r0)))

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMuli, bytecode.OpMulu,
			bytecode.OpBand, bytecode.OpBor, bytecode.OpBxor,
			bytecode.OpLsh, bytecode.OpRshi, bytecode.OpRshu,
			bytecode.OpAddf, bytecode.OpSubf, bytecode.OpMulf, bytecode.OpDivf:
			ofs--
			stack[ofs] = arith(op, r1, r0)

		case bytecode.OpDivi, bytecode.OpDivu, bytecode.OpModi, bytecode.OpModu:
			if r0 == 0 {
				return -1, vm.fail(qvm.ErrDivisionByZero, "%s at pc %d", op, pc-1)
			}
			ofs--
			stack[ofs] = divide(op, r1, r0)

		default:
			return -1, vm.fail(qvm.ErrBadInstruction, "%s at pc %d", op, pc-1)
		}
	}
}

// finish checks operand stack integrity after the outermost frame returns.
func (vm *VM) finish(stack *[opStackSize]int32, ofs uint8) (int32, error) {
	result := stack[ofs]
	if ofs != 1 || stack[0] != stackSentinel {
		return result, vm.fail(qvm.ErrStackCorruption, "operand stack offset %d, sentinel 0x%x", ofs, stack[0])
	}
	return result, nil
}

func compare(op bytecode.Opcode, r1, r0 int32) bool {
	switch op {
	case bytecode.OpEq:
		return r1 == r0
	case bytecode.OpNe:
		return r1 != r0
	case bytecode.OpLti:
		return r1 < r0
	case bytecode.OpLei:
		return r1 <= r0
	case bytecode.OpGti:
		return r1 > r0
	case bytecode.OpGei:
		return r1 >= r0
	case bytecode.OpLtu:
		return uint32(r1) < uint32(r0)
	case bytecode.OpLeu:
		return uint32(r1) <= uint32(r0)
	case bytecode.OpGtu:
		return uint32(r1) > uint32(r0)
	case bytecode.OpGeu:
		return uint32(r1) >= uint32(r0)
	case bytecode.OpEqf:
		return float(r1) == float(r0)
	case bytecode.OpNef:
		return float(r1) != float(r0)
	case bytecode.OpLtf:
		return float(r1) < float(r0)
	case bytecode.OpLef:
		return float(r1) <= float(r0)
	case bytecode.OpGtf:
		return float(r1) > float(r0)
	case bytecode.OpGef:
		return float(r1) >= float(r0)
	}
	return false
}

func arith(op bytecode.Opcode, r1, r0 int32) int32 {
	switch op {
	case bytecode.OpAdd:
		return r1 + r0
	case bytecode.OpSub:
		return r1 - r0
	case bytecode.OpMuli:
		return r1 * r0
	case bytecode.OpMulu:
		return int32(uint32(r1) * uint32(r0))
	case bytecode.OpBand:
		return r1 & r0
	case bytecode.OpBor:
		return r1 | r0
	case bytecode.OpBxor:
		return r1 ^ r0
	case bytecode.OpLsh:
		return r1 << (uint32(r0) & 31)
	case bytecode.OpRshi:
		return r1 >> (uint32(r0) & 31)
	case bytecode.OpRshu:
		return int32(uint32(r1) >> (uint32(r0) & 31))
	case bytecode.OpAddf:
		return fbits(float(r1) + float(r0))
	case bytecode.OpSubf:
		return fbits(float(r1) - float(r0))
	case bytecode.OpMulf:
		return fbits(float(r1) * float(r0))
	case bytecode.OpDivf:
		return fbits(float(r1) / float(r0))
	}
	return 0
}

// divide assumes r0 != 0. DIVI of MinInt32 by -1 wraps.
func divide(op bytecode.Opcode, r1, r0 int32) int32 {
	switch op {
	case bytecode.OpDivi:
		return r1 / r0
	case bytecode.OpDivu:
		return int32(uint32(r1) / uint32(r0))
	case bytecode.OpModi:
		return r1 % r0
	case bytecode.OpModu:
		return int32(uint32(r1) % uint32(r0))
	}
	return 0
}

// float reinterprets a stack slot as binary32.
func float(v int32) float32 {
	return math.Float32frombits(uint32(v))
}

func fbits(f float32) int32 {
	return int32(math.Float32bits(f))
}
