// Package bytecode defines the QVM instruction set and its on-disk encoding.
//
// On disk every instruction is a single opcode byte, optionally followed by an
// immediate: four little-endian bytes for stack-frame sizes, constants, block
// copy lengths and branch targets, or one byte for ARG.
package bytecode

import "fmt"

// Opcode identifies a QVM instruction.
type Opcode uint8

// Opcodes in on-disk numbering order.
const (
	OpUndef Opcode = iota

	OpIgnore

	OpBreak

	OpEnter
	OpLeave
	OpCall
	OpPush
	OpPop

	OpConst
	OpLocal

	OpJump

	OpEq
	OpNe

	OpLti
	OpLei
	OpGti
	OpGei

	OpLtu
	OpLeu
	OpGtu
	OpGeu

	OpEqf
	OpNef

	OpLtf
	OpLef
	OpGtf
	OpGef

	OpLoad1
	OpLoad2
	OpLoad4
	OpStore1
	OpStore2
	OpStore4
	OpArg

	OpBlockCopy

	OpSex8
	OpSex16

	OpNegi
	OpAdd
	OpSub
	OpDivi
	OpDivu
	OpModi
	OpModu
	OpMuli
	OpMulu

	OpBand
	OpBor
	OpBxor
	OpBcom

	OpLsh
	OpRshi
	OpRshu

	OpNegf
	OpAddf
	OpSubf
	OpDivf
	OpMulf

	OpCvif
	OpCvfi

	// OpMax is one past the last valid opcode.
	OpMax
)

var opcodeNames = [OpMax]string{
	OpUndef:     "UNDEF",
	OpIgnore:    "IGNORE",
	OpBreak:     "BREAK",
	OpEnter:     "ENTER",
	OpLeave:     "LEAVE",
	OpCall:      "CALL",
	OpPush:      "PUSH",
	OpPop:       "POP",
	OpConst:     "CONST",
	OpLocal:     "LOCAL",
	OpJump:      "JUMP",
	OpEq:        "EQ",
	OpNe:        "NE",
	OpLti:       "LTI",
	OpLei:       "LEI",
	OpGti:       "GTI",
	OpGei:       "GEI",
	OpLtu:       "LTU",
	OpLeu:       "LEU",
	OpGtu:       "GTU",
	OpGeu:       "GEU",
	OpEqf:       "EQF",
	OpNef:       "NEF",
	OpLtf:       "LTF",
	OpLef:       "LEF",
	OpGtf:       "GTF",
	OpGef:       "GEF",
	OpLoad1:     "LOAD1",
	OpLoad2:     "LOAD2",
	OpLoad4:     "LOAD4",
	OpStore1:    "STORE1",
	OpStore2:    "STORE2",
	OpStore4:    "STORE4",
	OpArg:       "ARG",
	OpBlockCopy: "BLOCK_COPY",
	OpSex8:      "SEX8",
	OpSex16:     "SEX16",
	OpNegi:      "NEGI",
	OpAdd:       "ADD",
	OpSub:       "SUB",
	OpDivi:      "DIVI",
	OpDivu:      "DIVU",
	OpModi:      "MODI",
	OpModu:      "MODU",
	OpMuli:      "MULI",
	OpMulu:      "MULU",
	OpBand:      "BAND",
	OpBor:       "BOR",
	OpBxor:      "BXOR",
	OpBcom:      "BCOM",
	OpLsh:       "LSH",
	OpRshi:      "RSHI",
	OpRshu:      "RSHU",
	OpNegf:      "NEGF",
	OpAddf:      "ADDF",
	OpSubf:      "SUBF",
	OpDivf:      "DIVF",
	OpMulf:      "MULF",
	OpCvif:      "CVIF",
	OpCvfi:      "CVFI",
}

// String returns the assembler mnemonic.
func (op Opcode) String() string {
	if op < OpMax {
		return opcodeNames[op]
	}
	return fmt.Sprintf("OP(%d)", uint8(op))
}

// Valid reports whether op is inside the defined opcode range.
func (op Opcode) Valid() bool {
	return op < OpMax
}

// ImmediateSize returns the number of on-disk bytes following the opcode.
func (op Opcode) ImmediateSize() int {
	switch op {
	case OpEnter, OpConst, OpLocal, OpLeave, OpBlockCopy,
		OpEq, OpNe, OpLti, OpLei, OpGti, OpGei, OpLtu, OpLeu, OpGtu, OpGeu,
		OpEqf, OpNef, OpLtf, OpLef, OpGtf, OpGef:
		return 4
	case OpArg:
		return 1
	default:
		return 0
	}
}

// HasImmediate reports whether op occupies two words in the prepared stream.
func (op Opcode) HasImmediate() bool {
	return op.ImmediateSize() > 0
}

// IsBranch reports whether op is a conditional branch whose immediate is a
// logical instruction index.
func (op Opcode) IsBranch() bool {
	return op >= OpEq && op <= OpGef
}
