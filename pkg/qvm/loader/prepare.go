package loader

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/qvm/pkg/qvm"
	"github.com/fortiblox/qvm/pkg/qvm/bytecode"
)

// Prepare expands the code section into the internal instruction stream and
// builds the instruction pointer table.
//
// The first pass records the stream offset of every instruction and copies
// opcodes and immediates one word each. The second pass rewrites every branch
// immediate from an instruction index to the stream offset of that index.
func Prepare(h *bytecode.Header, data []byte) (code []int32, ips []int32, err error) {
	src := data[h.CodeOffset : h.CodeOffset+h.CodeLength]

	// Each on-disk instruction takes at least as many bytes as words, so
	// CodeLength words plus the trailing pad always suffice.
	code = make([]int32, int(h.CodeLength)+1)
	ips = make([]int32, int(h.InstructionCount)+1)

	n, err := expand(src, h.InstructionCount, code, ips)
	if err != nil {
		return nil, nil, err
	}
	code = code[:n+1]

	if err := relink(code, ips, h.InstructionCount); err != nil {
		return nil, nil, err
	}
	return code, ips, nil
}

// expand runs the first pass and returns the stream length, pad excluded.
func expand(src []byte, count int32, code, ips []int32) (int32, error) {
	bytePC := 0
	intPC := int32(0)

	for i := int32(0); i < count; i++ {
		if bytePC >= len(src) {
			return 0, fmt.Errorf("%w: instruction %d starts past code length %d", qvm.ErrPcOutOfRange, i, len(src))
		}
		ips[i] = intPC

		op := bytecode.Opcode(src[bytePC])
		if !op.Valid() {
			return 0, fmt.Errorf("%w: opcode %d at byte %d", qvm.ErrBadInstruction, uint8(op), bytePC)
		}
		code[intPC] = int32(op)
		bytePC++
		intPC++

		size := op.ImmediateSize()
		if size == 0 {
			continue
		}
		if bytePC+size > len(src) {
			return 0, fmt.Errorf("%w: %s immediate at byte %d past code length %d", qvm.ErrPcOutOfRange, op, bytePC, len(src))
		}
		if size == 4 {
			code[intPC] = int32(binary.LittleEndian.Uint32(src[bytePC:]))
		} else {
			code[intPC] = int32(src[bytePC])
		}
		bytePC += size
		intPC++
	}

	ips[count] = intPC
	return intPC, nil
}

// relink runs the second pass over the expanded stream.
func relink(code, ips []int32, count int32) error {
	pc := 0
	for i := int32(0); i < count; i++ {
		op := bytecode.Opcode(code[pc])
		pc++

		switch {
		case op.IsBranch():
			target := code[pc]
			if target < 0 || target > count {
				return fmt.Errorf("%w: %s at instruction %d targets %d", qvm.ErrInvalidJump, op, i, target)
			}
			code[pc] = ips[target]
			pc++
		case op.HasImmediate():
			pc++
		}
	}
	return nil
}
