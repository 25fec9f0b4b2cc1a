package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// StackSize is the program stack reservation Assemble appends to the bss
// segment. The interpreter places the program stack at the top of the arena.
const StackSize = 0x10000

// ErrUndefinedLabel is returned by Assemble when a referenced label was never
// placed.
var ErrUndefinedLabel = errors.New("undefined label")

type fixup struct {
	pos   int // byte offset of the 4-byte immediate in code
	label string
}

// Assembler builds module images instruction by instruction. Labels name
// logical instruction indices and may be referenced before they are placed.
//
// Segments are laid out data, then literals, then bss, so all Data calls must
// precede String calls, which must precede Reserve calls. The first placement
// of any segment reserves one zero word at address 0, which the host treats as
// null, so no data, literal or bss address is ever 0.
type Assembler struct {
	code   []byte
	count  int32
	labels map[string]int32
	fixups []fixup

	data []byte
	lit  []byte
	bss  int32
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{labels: make(map[string]int32)}
}

// Count returns the number of instructions emitted so far.
func (a *Assembler) Count() int32 {
	return a.count
}

// Label places name at the next instruction.
func (a *Assembler) Label(name string) {
	a.labels[name] = a.count
}

// Op emits an instruction without an immediate.
func (a *Assembler) Op(op Opcode) {
	a.code = append(a.code, byte(op))
	a.count++
}

// Imm emits an instruction followed by a 4-byte immediate.
func (a *Assembler) Imm(op Opcode, v int32) {
	a.code = append(a.code, byte(op))
	a.code = binary.LittleEndian.AppendUint32(a.code, uint32(v))
	a.count++
}

// Arg emits ARG with its 1-byte frame offset.
func (a *Assembler) Arg(offset uint8) {
	a.code = append(a.code, byte(OpArg), offset)
	a.count++
}

// Branch emits a conditional branch to label.
func (a *Assembler) Branch(op Opcode, label string) {
	a.fixups = append(a.fixups, fixup{pos: len(a.code) + 1, label: label})
	a.Imm(op, 0)
}

// ConstLabel pushes the instruction index of label, for use with CALL and
// JUMP.
func (a *Assembler) ConstLabel(label string) {
	a.Branch(OpConst, label)
}

// Trap pushes the call target for host trap number n.
func (a *Assembler) Trap(n int32) {
	a.Imm(OpConst, -1-n)
}

// Data appends initialized words and returns the address of the first one.
func (a *Assembler) Data(words ...int32) int32 {
	if len(a.lit) > 0 || a.bss > 0 {
		panic("bytecode: Data after String or Reserve")
	}
	a.reserveNull()
	addr := int32(len(a.data))
	for _, w := range words {
		a.data = binary.LittleEndian.AppendUint32(a.data, uint32(w))
	}
	return addr
}

// String appends a NUL-terminated literal and returns its address.
func (a *Assembler) String(s string) int32 {
	if a.bss > 0 {
		panic("bytecode: String after Reserve")
	}
	a.reserveNull()
	addr := int32(len(a.data) + len(a.lit))
	a.lit = append(a.lit, s...)
	a.lit = append(a.lit, 0)
	return addr
}

// Reserve adds n zero-initialized bytes and returns their address.
func (a *Assembler) Reserve(n int32) int32 {
	a.reserveNull()
	addr := int32(len(a.data)+len(a.lit)) + a.bss
	a.bss += n
	return addr
}

func (a *Assembler) reserveNull() {
	if len(a.data) == 0 && len(a.lit) == 0 && a.bss == 0 {
		a.data = make([]byte, 4)
	}
}

// Assemble resolves labels and returns the module image. The bss segment is
// extended by StackSize bytes for the program stack.
func (a *Assembler) Assemble() ([]byte, error) {
	code := make([]byte, len(a.code))
	copy(code, a.code)
	for _, f := range a.fixups {
		idx, ok := a.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUndefinedLabel, f.label)
		}
		binary.LittleEndian.PutUint32(code[f.pos:], uint32(idx))
	}

	h := Header{
		Magic:            Magic,
		InstructionCount: a.count,
		CodeOffset:       HeaderSize,
		CodeLength:       int32(len(code)),
		DataOffset:       HeaderSize + int32(len(code)),
		DataLength:       int32(len(a.data)),
		LitLength:        int32(len(a.lit)),
		BssLength:        a.bss + StackSize,
	}

	out := make([]byte, 0, HeaderSize+len(code)+len(a.data)+len(a.lit))
	out = append(out, h.Encode()...)
	out = append(out, code...)
	out = append(out, a.data...)
	out = append(out, a.lit...)
	return out, nil
}

// MustAssemble is like Assemble but panics on error.
func (a *Assembler) MustAssemble() []byte {
	b, err := a.Assemble()
	if err != nil {
		panic(err)
	}
	return b
}
