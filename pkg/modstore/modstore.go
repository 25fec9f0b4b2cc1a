// Package modstore provides persistent storage for QVM module images.
//
// Images are stored zstd-compressed in a BoltDB file, keyed by their
// content ID. A CBOR-encoded Record alongside each image carries the name
// and header summary so listings need not decompress anything.
package modstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fortiblox/qvm/internal/types"
	"github.com/fortiblox/qvm/pkg/qvm/loader"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/tliron/commonlog"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrModuleNotFound is returned when a module doesn't exist.
	ErrModuleNotFound = errors.New("module not found")

	// ErrNameNotFound is returned when no module has the requested name.
	ErrNameNotFound = errors.New("module name not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("module store closed")

	// ErrCorrupt is returned when a stored image does not match its ID.
	ErrCorrupt = errors.New("stored module is corrupt")
)

// Bucket names for BoltDB.
var (
	// bucketImages stores compressed module images keyed by ID.
	bucketImages = []byte("images")

	// bucketRecords stores CBOR records keyed by ID.
	bucketRecords = []byte("records")

	// bucketNames maps module names to the latest ID stored under them.
	bucketNames = []byte("names")
)

var log = commonlog.GetLogger("qvm.modstore")

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("modstore: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Config holds module store configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// DefaultConfig returns the default module store configuration.
func DefaultConfig(path string) Config {
	return Config{Path: path}
}

// Record describes a stored module.
type Record struct {
	ID               types.ModuleID `cbor:"1,keyasint"`
	Name             string         `cbor:"2,keyasint"`
	Size             int            `cbor:"3,keyasint"`
	InstructionCount int32          `cbor:"4,keyasint"`
	CodeLength       int32          `cbor:"5,keyasint"`
	DataLength       int32          `cbor:"6,keyasint"`
	LitLength        int32          `cbor:"7,keyasint"`
	BssLength        int32          `cbor:"8,keyasint"`
	ArenaSize        uint32         `cbor:"9,keyasint"`
	AddedAt          int64          `cbor:"10,keyasint"` // Unix nanoseconds
}

// Added returns the time the module was stored.
func (r *Record) Added() time.Time {
	return time.Unix(0, r.AddedAt)
}

// Store is a BoltDB-backed module store.
type Store struct {
	db     *bolt.DB
	config Config

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens a module store.
func Open(config Config) (*Store, error) {
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
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

	s := &Store{db: db, config: config, enc: enc, dec: dec}

	if !config.ReadOnly {
		if err := s.initBuckets(); err != nil {
			s.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}
	return s, nil
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketImages, bucketRecords, bucketNames} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Put validates and stores a module image under name. Storing the same
// image again only updates its name.
func (s *Store) Put(name string, image []byte) (*Record, error) {
	h, err := loader.ParseHeader(image)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:               types.ModuleIDOf(image),
		Name:             name,
		Size:             len(image),
		InstructionCount: h.InstructionCount,
		CodeLength:       h.CodeLength,
		DataLength:       h.DataLength,
		LitLength:        h.LitLength,
		BssLength:        h.BssLength,
		ArenaSize:        loader.ArenaSize(h),
		AddedAt:          time.Now().UnixNano(),
	}
	data, err := cborEncMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	compressed := s.enc.EncodeAll(image, nil)
	err = s.db.Update(func(tx *bolt.Tx) error {
		key := rec.ID[:]
		if err := tx.Bucket(bucketImages).Put(key, compressed); err != nil {
			return err
		}
		if err := tx.Bucket(bucketRecords).Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(bucketNames).Put([]byte(name), key)
	})
	if err != nil {
		return nil, fmt.Errorf("put module: %w", err)
	}

	log.Debugf("stored %s as %s (%d -> %d bytes)", name, rec.ID.Short(), len(image), len(compressed))
	return rec, nil
}

// Get returns the image stored under id.
func (s *Store) Get(id types.ModuleID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var compressed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketImages).Get(id[:])
		if v == nil {
			return ErrModuleNotFound
		}
		compressed = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	image, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if types.ModuleIDOf(image) != id {
		return nil, fmt.Errorf("%w: digest mismatch for %s", ErrCorrupt, id)
	}
	return image, nil
}

// Record returns the record stored under id.
func (s *Store) Record(id types.ModuleID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRecords).Get(id[:])
		if v == nil {
			return ErrModuleNotFound
		}
		return cbor.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Resolve returns the ID most recently stored under name.
func (s *Store) Resolve(name string) (types.ModuleID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.ModuleID{}, ErrClosed
	}

	var id types.ModuleID
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNames).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNameNotFound, name)
		}
		copy(id[:], v)
		return nil
	})
	return id, err
}

// Has reports whether id is stored.
func (s *Store) Has(id types.ModuleID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}

	found := false
	s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketImages).Get(id[:]) != nil
		return nil
	})
	return found
}

// Delete removes id and any names pointing at it.
func (s *Store) Delete(id types.ModuleID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		images := tx.Bucket(bucketImages)
		if images.Get(id[:]) == nil {
			return ErrModuleNotFound
		}
		if err := images.Delete(id[:]); err != nil {
			return err
		}
		if err := tx.Bucket(bucketRecords).Delete(id[:]); err != nil {
			return err
		}

		names := tx.Bucket(bucketNames)
		var stale [][]byte
		if err := names.ForEach(func(k, v []byte) error {
			if string(v) == string(id[:]) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := names.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns all records ordered by name, then by time added.
func (s *Store) List() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var rec Record
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].AddedAt < out[j].AddedAt
	})
	return out, nil
}

// Sync flushes the database to disk.
func (s *Store) Sync() error {
	return s.db.Sync()
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}
