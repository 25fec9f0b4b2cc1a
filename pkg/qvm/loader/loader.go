// Package loader implements the QVM module loader.
//
// Loading a module runs three steps:
// - header parsing and validation against the buffer bounds
// - data arena construction (power-of-two sizing, data and literal copy)
// - bytecode preparation, which expands the variable-width instruction
//   encoding into one word per opcode and immediate and relinks branch
//   targets from instruction indices to stream offsets
package loader

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/qvm/pkg/qvm"
	"github.com/fortiblox/qvm/pkg/qvm/bytecode"
	"github.com/fortiblox/qvm/pkg/qvm/memory"
	"github.com/tliron/commonlog"
)

// Maximum sizes.
const (
	MaxModuleSize = 0x400000 // 4 MB max module image
	MaxBssLength  = 10485760 // 10 MB max zero-initialized segment
)

var log = commonlog.GetLogger("qvm.loader")

// Executable is a prepared module ready for execution.
type Executable struct {
	// Name is the module name used in diagnostics.
	Name string

	// Header is the validated module header.
	Header bytecode.Header

	// Code is the prepared instruction stream. It ends with one OpUndef
	// word so that every opcode inside the stream has an immediate slot.
	Code []int32

	// InstructionPointers maps instruction index to stream offset. It has
	// InstructionCount+1 entries; the last one is the end of the stream.
	InstructionPointers []int32

	// Arena is the initialized data segment.
	Arena *memory.Arena
}

// Loader loads QVM modules.
type Loader struct{}

// NewLoader creates a new module loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load validates data and returns a prepared executable.
func (l *Loader) Load(name string, data []byte) (*Executable, error) {
	log.Debugf("loading module %s (%d bytes)", name, len(data))

	header, err := ParseHeader(data)
	if err != nil {
		log.Warningf("%s: %v", name, err)
		return nil, err
	}

	arena, err := BuildArena(header, data)
	if err != nil {
		return nil, err
	}

	code, ips, err := Prepare(header, data)
	if err != nil {
		log.Warningf("%s: %v", name, err)
		return nil, err
	}

	log.Debugf("module %s: %d instructions, %d code words, arena %d bytes",
		name, header.InstructionCount, len(code), arena.Size())

	return &Executable{
		Name:                name,
		Header:              *header,
		Code:                code,
		InstructionPointers: ips,
		Arena:               arena,
	}, nil
}

// LoadFromBytes is a convenience function to load a module from bytes.
func LoadFromBytes(name string, data []byte) (*Executable, error) {
	return NewLoader().Load(name, data)
}

// ParseHeader reads and validates the module header.
func ParseHeader(data []byte) (*bytecode.Header, error) {
	if len(data) <= bytecode.HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is too short", qvm.ErrInvalidModule, len(data))
	}
	if len(data) > MaxModuleSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", qvm.ErrInvalidModule, len(data), MaxModuleSize)
	}

	h := bytecode.DecodeHeader(data)
	if h.Magic != bytecode.Magic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x, expected 0x%08x", qvm.ErrInvalidModule, h.Magic, uint32(bytecode.Magic))
	}
	if err := validateHeader(&h, int64(len(data))); err != nil {
		return nil, err
	}
	return &h, nil
}

// validateHeader checks field signs and section bounds.
func validateHeader(h *bytecode.Header, length int64) error {
	switch {
	case h.InstructionCount <= 0:
		return fmt.Errorf("%w: instruction count %d", qvm.ErrInvalidModule, h.InstructionCount)
	case h.CodeOffset < 0 || h.CodeLength <= 0:
		return fmt.Errorf("%w: code section %d+%d", qvm.ErrInvalidModule, h.CodeOffset, h.CodeLength)
	case h.DataOffset < 0 || h.DataLength < 0 || h.LitLength < 0:
		return fmt.Errorf("%w: data section %d+%d+%d", qvm.ErrInvalidModule, h.DataOffset, h.DataLength, h.LitLength)
	case h.BssLength < 0 || h.BssLength > MaxBssLength:
		return fmt.Errorf("%w: bss length %d", qvm.ErrInvalidModule, h.BssLength)
	case int64(h.CodeOffset)+int64(h.CodeLength) > length:
		return fmt.Errorf("%w: code section ends past %d bytes", qvm.ErrInvalidModule, length)
	case int64(h.DataOffset)+int64(h.DataLength)+int64(h.LitLength) > length:
		return fmt.Errorf("%w: data section ends past %d bytes", qvm.ErrInvalidModule, length)
	}
	return nil
}

// ArenaSize returns the smallest power of two that holds the data, literal
// and bss segments.
func ArenaSize(h *bytecode.Header) uint32 {
	total := uint32(h.DataLength) + uint32(h.LitLength) + uint32(h.BssLength)
	size := uint32(1)
	for size < total {
		size <<= 1
	}
	return size
}

// BuildArena allocates the data arena and copies the initialized segments.
// Data words are decoded from their on-disk byte order; literal bytes are
// copied as-is. The bss region stays zero.
func BuildArena(h *bytecode.Header, data []byte) (*memory.Arena, error) {
	arena, err := memory.New(ArenaSize(h))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", qvm.ErrAllocationFailed, err)
	}

	mem := arena.Bytes()
	src := data[h.DataOffset : h.DataOffset+h.DataLength+h.LitLength]
	copy(mem, src)

	for i := int32(0); i+4 <= h.DataLength; i += 4 {
		arena.Store4(uint32(i), binary.LittleEndian.Uint32(src[i:]))
	}

	return arena, nil
}
