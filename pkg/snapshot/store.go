package snapshot

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fortiblox/qvm/internal/types"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/tliron/commonlog"
	"github.com/zeebo/blake3"
)

// Key prefixes.
var (
	prefixInfo = []byte{'m'}
	prefixData = []byte{'d'}
)

var log = commonlog.GetLogger("qvm.snapshot")

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Config holds snapshot store configuration.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in memory (for tests).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// Logger is an optional badger logger. Nil disables badger logging.
	Logger badger.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
	}
}

// Store is a BadgerDB-backed snapshot store.
type Store struct {
	db *badger.DB

	enc *zstd.Encoder
	dec *zstd.Decoder

	// mu serializes writers
	mu     sync.Mutex
	closed atomic.Bool
}

// Open creates or opens a snapshot store.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("create decoder: %w", err)
	}

	return &Store{db: db, enc: enc, dec: dec}, nil
}

func key(prefix []byte, id types.ModuleID, label string) []byte {
	k := make([]byte, 0, len(prefix)+types.IDSize+len(label))
	k = append(k, prefix...)
	k = append(k, id[:]...)
	return append(k, label...)
}

// Save stores arena bytes for module id under label, replacing any
// previous snapshot with the same label.
func (s *Store) Save(id types.ModuleID, label string, arena []byte) (*Info, error) {
	if err := validLabel(label); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	compressed := s.enc.EncodeAll(arena, nil)
	info := &Info{
		Module:    id,
		Label:     label,
		Size:      len(arena),
		Stored:    len(compressed),
		Digest:    blake3.Sum256(arena),
		CreatedAt: time.Now().UnixNano(),
	}
	meta, err := cborEncMode.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode info: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key(prefixData, id, label), compressed); err != nil {
			return err
		}
		return txn.Set(key(prefixInfo, id, label), meta)
	})
	if err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	log.Debugf("saved snapshot %s/%s (%d -> %d bytes)", id.Short(), label, info.Size, info.Stored)
	return info, nil
}

// Load returns the arena bytes and info for module id and label.
func (s *Store) Load(id types.ModuleID, label string) ([]byte, *Info, error) {
	if s.closed.Load() {
		return nil, nil, ErrClosed
	}

	var (
		info       Info
		compressed []byte
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(prefixInfo, id, label))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s/%s", ErrSnapshotNotFound, id.Short(), label)
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &info)
		}); err != nil {
			return fmt.Errorf("decode info: %w", err)
		}

		item, err = txn.Get(key(prefixData, id, label))
		if err != nil {
			return fmt.Errorf("%w: data for %s/%s: %v", ErrCorruptedData, id.Short(), label, err)
		}
		compressed, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	arena, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
	}
	if blake3.Sum256(arena) != info.Digest {
		return nil, nil, fmt.Errorf("%w: digest mismatch for %s/%s", ErrCorruptedData, id.Short(), label)
	}
	return arena, &info, nil
}

// List returns the snapshots of module id ordered by label.
func (s *Store) List(id types.ModuleID) ([]Info, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var out []Info
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = key(prefixInfo, id, "")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var info Info
			if err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &info)
			}); err != nil {
				return fmt.Errorf("decode info: %w", err)
			}
			out = append(out, info)
		}
		return nil
	})
	return out, err
}

// Delete removes the snapshot for module id and label.
func (s *Store) Delete(id types.ModuleID, label string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		k := key(prefixInfo, id, label)
		if _, err := txn.Get(k); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s/%s", ErrSnapshotNotFound, id.Short(), label)
		} else if err != nil {
			return err
		}
		if err := txn.Delete(k); err != nil {
			return err
		}
		return txn.Delete(key(prefixData, id, label))
	})
}

// RunGC runs badger value log garbage collection once.
func (s *Store) RunGC() error {
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Close closes the store.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}
