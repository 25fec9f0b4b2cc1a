package bytecode

import "encoding/binary"

// Module file constants.
const (
	Magic      = 0x12721444 // Module header magic number
	HeaderSize = 32         // Eight 32-bit fields
)

// Header is the fixed module header. All fields are stored little-endian on
// disk.
type Header struct {
	Magic            uint32
	InstructionCount int32
	CodeOffset       int32
	CodeLength       int32
	DataOffset       int32
	DataLength       int32
	LitLength        int32
	BssLength        int32
}

// Encode returns the on-disk form of the header.
func (h *Header) Encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], uint32(h.InstructionCount))
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.CodeOffset))
	binary.LittleEndian.PutUint32(b[12:16], uint32(h.CodeLength))
	binary.LittleEndian.PutUint32(b[16:20], uint32(h.DataOffset))
	binary.LittleEndian.PutUint32(b[20:24], uint32(h.DataLength))
	binary.LittleEndian.PutUint32(b[24:28], uint32(h.LitLength))
	binary.LittleEndian.PutUint32(b[28:32], uint32(h.BssLength))
	return b
}

// DecodeHeader reads a header from the first HeaderSize bytes of b without
// validating it. b must hold at least HeaderSize bytes.
func DecodeHeader(b []byte) Header {
	return Header{
		Magic:            binary.LittleEndian.Uint32(b[0:4]),
		InstructionCount: int32(binary.LittleEndian.Uint32(b[4:8])),
		CodeOffset:       int32(binary.LittleEndian.Uint32(b[8:12])),
		CodeLength:       int32(binary.LittleEndian.Uint32(b[12:16])),
		DataOffset:       int32(binary.LittleEndian.Uint32(b[16:20])),
		DataLength:       int32(binary.LittleEndian.Uint32(b[20:24])),
		LitLength:        int32(binary.LittleEndian.Uint32(b[24:28])),
		BssLength:        int32(binary.LittleEndian.Uint32(b[28:32])),
	}
}
