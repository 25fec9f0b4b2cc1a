// Package snapshot persists QVM data arena snapshots.
//
// A snapshot is a copy of a VM's arena taken between calls. Snapshots are
// keyed by the module ID they were taken from plus a caller-chosen label,
// stored zstd-compressed in BadgerDB, and can be exported to a standalone
// file for transfer between hosts.
//
// # Key layout
//
//	'm' | module id (32) | label   -> CBOR Info
//	'd' | module id (32) | label   -> zstd(arena bytes)
package snapshot

import (
	"errors"
	"time"

	"github.com/fortiblox/qvm/internal/types"
)

// Errors returned by the snapshot package.
var (
	// ErrSnapshotNotFound indicates no snapshot exists for the key.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrInvalidLabel indicates an empty or oversized label.
	ErrInvalidLabel = errors.New("invalid snapshot label")

	// ErrCorruptedData indicates the stored bytes do not match their digest.
	ErrCorruptedData = errors.New("corrupted snapshot data")

	// ErrDecompressionFailed indicates zstd decompression failed.
	ErrDecompressionFailed = errors.New("decompression failed")

	// ErrInvalidFile indicates an exported file is malformed.
	ErrInvalidFile = errors.New("invalid snapshot file")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("snapshot store closed")
)

// MaxLabelLen bounds snapshot labels.
const MaxLabelLen = 128

// Info describes a stored snapshot.
type Info struct {
	Module    types.ModuleID `cbor:"1,keyasint"`
	Label     string         `cbor:"2,keyasint"`
	Size      int            `cbor:"3,keyasint"` // Uncompressed arena bytes
	Stored    int            `cbor:"4,keyasint"` // Compressed bytes
	Digest    [32]byte       `cbor:"5,keyasint"` // BLAKE3 of the arena bytes
	CreatedAt int64          `cbor:"6,keyasint"` // Unix nanoseconds
}

// Created returns the time the snapshot was saved.
func (i *Info) Created() time.Time {
	return time.Unix(0, i.CreatedAt)
}

func validLabel(label string) error {
	if label == "" || len(label) > MaxLabelLen {
		return ErrInvalidLabel
	}
	return nil
}
