// Package types defines identity types shared by the QVM stores and tools.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// IDSize is the size of a ModuleID in bytes.
const IDSize = 32

var (
	// ErrInvalidID is returned when an identifier has invalid length.
	ErrInvalidID = errors.New("invalid module id: must be 32 bytes")
)

// ModuleID is the BLAKE3-256 digest of a module image.
type ModuleID [IDSize]byte

// ModuleIDOf hashes a module image.
func ModuleIDOf(image []byte) ModuleID {
	return ModuleID(blake3.Sum256(image))
}

// ModuleIDFromBase58 parses a base58-encoded module ID.
func ModuleIDFromBase58(s string) (ModuleID, error) {
	var id ModuleID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	return ModuleIDFromBytes(data)
}

// ModuleIDFromBytes creates a ModuleID from a byte slice.
func ModuleIDFromBytes(b []byte) (ModuleID, error) {
	var id ModuleID
	if len(b) != IDSize {
		return id, ErrInvalidID
	}
	copy(id[:], b)
	return id, nil
}

// String returns the base58-encoded representation.
func (id ModuleID) String() string {
	return base58.Encode(id[:])
}

// Hex returns the hex-encoded representation.
func (id ModuleID) Hex() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first eight base58 characters, for display.
func (id ModuleID) Short() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// IsZero returns true if the ID is all zeros.
func (id ModuleID) IsZero() bool {
	return id == ModuleID{}
}

// Bytes returns the ID as a byte slice.
func (id ModuleID) Bytes() []byte {
	return id[:]
}

// MarshalText implements encoding.TextMarshaler.
func (id ModuleID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ModuleID) UnmarshalText(text []byte) error {
	parsed, err := ModuleIDFromBase58(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
