// Package memory implements the QVM data arena.
//
// The arena is a power-of-two sized byte buffer followed by four guard
// bytes. Every address is masked with Mask before use, so accesses outside
// the arena wrap around instead of faulting. Only BlockCopy and ValidRange
// check bounds explicitly.
//
// Words are stored little-endian regardless of host byte order.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// GuardSize is the number of bytes allocated past the masked region so that
// a multi-byte access at the last masked address stays in the buffer.
const GuardSize = 4

// Errors.
var (
	ErrOutOfRange  = errors.New("memory range out of bounds")
	ErrSizeNotPow2 = errors.New("arena size is not a power of two")
)

// Arena is a masked byte buffer.
type Arena struct {
	mem  []byte
	mask uint32
}

// New allocates a zero-filled arena. size must be a power of two.
func New(size uint32) (*Arena, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrSizeNotPow2, size)
	}
	return &Arena{
		mem:  make([]byte, uint64(size)+GuardSize),
		mask: size - 1,
	}, nil
}

// Size returns the masked region size.
func (a *Arena) Size() uint32 {
	return a.mask + 1
}

// Mask returns Size()-1.
func (a *Arena) Mask() uint32 {
	return a.mask
}

// Bytes returns the whole buffer, guard bytes included.
func (a *Arena) Bytes() []byte {
	return a.mem
}

// Slice returns the buffer from the masked address to the end.
func (a *Arena) Slice(addr uint32) []byte {
	return a.mem[addr&a.mask:]
}

// Load1 reads a byte.
func (a *Arena) Load1(addr uint32) uint8 {
	return a.mem[addr&a.mask]
}

// Load2 reads a 16-bit value.
func (a *Arena) Load2(addr uint32) uint16 {
	return binary.LittleEndian.Uint16(a.mem[addr&a.mask:])
}

// Load4 reads a 32-bit value.
func (a *Arena) Load4(addr uint32) uint32 {
	return binary.LittleEndian.Uint32(a.mem[addr&a.mask:])
}

// Store1 writes a byte.
func (a *Arena) Store1(addr uint32, x uint8) {
	a.mem[addr&a.mask] = x
}

// Store2 writes a 16-bit value.
func (a *Arena) Store2(addr uint32, x uint16) {
	binary.LittleEndian.PutUint16(a.mem[addr&a.mask:], x)
}

// Store4 writes a 32-bit value.
func (a *Arena) Store4(addr uint32, x uint32) {
	binary.LittleEndian.PutUint32(a.mem[addr&a.mask:], x)
}

// inRange reports whether [addr, addr+n] lies inside the masked region.
func (a *Arena) inRange(addr, n uint32) bool {
	end := addr + n
	return addr&a.mask == addr && end&a.mask == end && end >= addr
}

// ValidRange checks that n bytes starting at addr need no masking.
func (a *Arena) ValidRange(addr, n uint32) error {
	if !a.inRange(addr, n) {
		return fmt.Errorf("%w: 0x%x+%d (size %d)", ErrOutOfRange, addr, n, a.Size())
	}
	return nil
}

// BlockCopy copies n bytes from src to dst. Both ranges are validated before
// anything is written; on failure the arena is untouched.
func (a *Arena) BlockCopy(dst, src, n uint32) error {
	if !a.inRange(dst, n) || !a.inRange(src, n) {
		return fmt.Errorf("%w: copy 0x%x <- 0x%x (%d bytes)", ErrOutOfRange, dst, src, n)
	}
	copy(a.mem[dst:dst+n], a.mem[src:src+n])
	return nil
}

// CString returns the NUL-terminated string at addr. The string ends at the
// buffer end if no terminator is found.
func (a *Arena) CString(addr uint32) string {
	b := a.Slice(addr)
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Snapshot returns a copy of the buffer.
func (a *Arena) Snapshot() []byte {
	out := make([]byte, len(a.mem))
	copy(out, a.mem)
	return out
}

// Restore replaces the buffer contents. b must come from Snapshot of an
// arena of the same size.
func (a *Arena) Restore(b []byte) error {
	if len(b) != len(a.mem) {
		return fmt.Errorf("%w: snapshot is %d bytes, arena is %d", ErrOutOfRange, len(b), len(a.mem))
	}
	copy(a.mem, b)
	return nil
}
