package snapshot

import (
	"bytes"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// fileMagic starts every exported snapshot file.
var fileMagic = []byte("QVMS\x01")

// MaxFileArena bounds the arena size accepted from an exported file.
const MaxFileArena = 64 << 20

type envelope struct {
	Info Info   `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint"`
}

// Export writes a standalone, zstd-compressed snapshot file.
func Export(w io.Writer, info *Info, arena []byte) error {
	if _, err := w.Write(fileMagic); err != nil {
		return err
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create encoder: %w", err)
	}
	if err := cbor.NewEncoder(zw).Encode(envelope{Info: *info, Data: arena}); err != nil {
		zw.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return zw.Close()
}

// Import reads a file written by Export and verifies its digest.
func Import(r io.Reader) ([]byte, *Info, error) {
	magic := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	if !bytes.Equal(magic, fileMagic) {
		return nil, nil, fmt.Errorf("%w: bad magic %q", ErrInvalidFile, magic)
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, MaxFileArena+4096))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
	}

	var env envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	if err := validLabel(env.Info.Label); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	if len(env.Data) != env.Info.Size || blake3.Sum256(env.Data) != env.Info.Digest {
		return nil, nil, fmt.Errorf("%w: digest mismatch", ErrCorruptedData)
	}
	return env.Data, &env.Info, nil
}
